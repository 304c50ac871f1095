// Package store persists clients, upstream APIs and usage records.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/aimerfeng/APIGate/internal/models"
	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

// Store is the persistence collaborator of the gateway
type Store interface {
	CreateClient(ctx context.Context, client *models.Client) error
	GetClientByID(ctx context.Context, id uuid.UUID) (*models.Client, error)
	GetClientByKeyHash(ctx context.Context, keyHash string) (*models.Client, error)
	UpdateClientLimit(ctx context.Context, id uuid.UUID, limit int) (*models.Client, error)

	SaveUpstream(ctx context.Context, api *models.UpstreamAPI) error
	GetEnabledUpstream(ctx context.Context, name string) (*models.UpstreamAPI, error)
	// ListUpstreams returns all upstreams, or only the named ones when names is non-nil
	ListUpstreams(ctx context.Context, names []string) ([]models.UpstreamAPI, error)

	CountUsage(ctx context.Context, clientID uuid.UUID, from, to time.Time) (int64, error)
	RecordUsage(ctx context.Context, record *models.UsageRecord) error
	// ChargeLocked counts the client's usage in [from, to) and appends record
	// when the count is below limit, serialized per client.
	ChargeLocked(ctx context.Context, record *models.UsageRecord, limit int, from, to time.Time) (int64, bool, error)
	SummarizeUsage(ctx context.Context) ([]models.UsageSummary, error)

	Ping(ctx context.Context) error
	Close()
}
