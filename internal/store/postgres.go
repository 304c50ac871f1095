package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aimerfeng/APIGate/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const clientColumns = `id, name, environment, allowed_apis, api_key_hash, request_limit_per_day, created_at`

// Postgres implements Store on a pgx connection pool
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres wraps an open pool
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

func scanClient(row pgx.Row) (*models.Client, error) {
	var c models.Client
	err := row.Scan(&c.ID, &c.Name, &c.Environment, &c.AllowedAPIs, &c.APIKeyHash, &c.RequestLimitPerDay, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if c.AllowedAPIs == nil {
		c.AllowedAPIs = []string{}
	}
	return &c, nil
}

func (p *Postgres) CreateClient(ctx context.Context, client *models.Client) error {
	err := p.db.QueryRow(ctx, `
		INSERT INTO clients (id, name, environment, allowed_apis, api_key_hash, request_limit_per_day)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, client.ID, client.Name, client.Environment, client.AllowedAPIs, client.APIKeyHash, client.RequestLimitPerDay).
		Scan(&client.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}

func (p *Postgres) GetClientByID(ctx context.Context, id uuid.UUID) (*models.Client, error) {
	c, err := scanClient(p.db.QueryRow(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return c, err
}

func (p *Postgres) GetClientByKeyHash(ctx context.Context, keyHash string) (*models.Client, error) {
	c, err := scanClient(p.db.QueryRow(ctx, `SELECT `+clientColumns+` FROM clients WHERE api_key_hash = $1`, keyHash))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to get client by key: %w", err)
	}
	return c, err
}

func (p *Postgres) UpdateClientLimit(ctx context.Context, id uuid.UUID, limit int) (*models.Client, error) {
	c, err := scanClient(p.db.QueryRow(ctx, `
		UPDATE clients SET request_limit_per_day = $1
		WHERE id = $2
		RETURNING `+clientColumns, limit, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to update client limit: %w", err)
	}
	return c, err
}

func (p *Postgres) SaveUpstream(ctx context.Context, api *models.UpstreamAPI) error {
	err := p.db.QueryRow(ctx, `
		INSERT INTO upstream_apis (name, base_url, enabled, allowed_methods)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
		SET base_url = EXCLUDED.base_url, enabled = EXCLUDED.enabled, allowed_methods = EXCLUDED.allowed_methods
		RETURNING id
	`, api.Name, api.BaseURL, api.Enabled, api.AllowedMethods).Scan(&api.ID)
	if err != nil {
		return fmt.Errorf("failed to save upstream api: %w", err)
	}
	return nil
}

func (p *Postgres) GetEnabledUpstream(ctx context.Context, name string) (*models.UpstreamAPI, error) {
	var api models.UpstreamAPI
	err := p.db.QueryRow(ctx, `
		SELECT id, name, base_url, enabled, allowed_methods
		FROM upstream_apis
		WHERE name = $1 AND enabled
	`, name).Scan(&api.ID, &api.Name, &api.BaseURL, &api.Enabled, &api.AllowedMethods)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get upstream api: %w", err)
	}
	return &api, nil
}

func (p *Postgres) ListUpstreams(ctx context.Context, names []string) ([]models.UpstreamAPI, error) {
	query := `SELECT id, name, base_url, enabled, allowed_methods FROM upstream_apis`
	args := []any{}
	if names != nil {
		query += ` WHERE name = ANY($1)`
		args = append(args, names)
	}
	query += ` ORDER BY name`

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list upstream apis: %w", err)
	}
	defer rows.Close()

	apis := []models.UpstreamAPI{}
	for rows.Next() {
		var api models.UpstreamAPI
		if err := rows.Scan(&api.ID, &api.Name, &api.BaseURL, &api.Enabled, &api.AllowedMethods); err != nil {
			return nil, fmt.Errorf("failed to scan upstream api: %w", err)
		}
		apis = append(apis, api)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating upstream apis: %w", err)
	}
	return apis, nil
}

func (p *Postgres) CountUsage(ctx context.Context, clientID uuid.UUID, from, to time.Time) (int64, error) {
	var count int64
	err := p.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM usage_records
		WHERE client_id = $1 AND created_at >= $2 AND created_at < $3
	`, clientID, from, to).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}
	return count, nil
}

func (p *Postgres) RecordUsage(ctx context.Context, record *models.UsageRecord) error {
	return insertUsage(ctx, p.db, record)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertUsage(ctx context.Context, q queryRower, record *models.UsageRecord) error {
	err := q.QueryRow(ctx, `
		INSERT INTO usage_records (client_id, endpoint, created_at, count)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, record.ClientID, record.Endpoint, record.CreatedAt, record.Count).Scan(&record.ID)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// ChargeLocked serializes charges for a client by locking its row for the
// duration of the count-then-insert transaction.
func (p *Postgres) ChargeLocked(ctx context.Context, record *models.UsageRecord, limit int, from, to time.Time) (int64, bool, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin charge transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var locked uuid.UUID
	err = tx.QueryRow(ctx, `SELECT id FROM clients WHERE id = $1 FOR UPDATE`, record.ClientID).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, ErrNotFound
		}
		return 0, false, fmt.Errorf("failed to lock client: %w", err)
	}

	var count int64
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM usage_records
		WHERE client_id = $1 AND created_at >= $2 AND created_at < $3
	`, record.ClientID, from, to).Scan(&count)
	if err != nil {
		return 0, false, fmt.Errorf("failed to count usage: %w", err)
	}
	if count >= int64(limit) {
		return count, false, nil
	}

	if err := insertUsage(ctx, tx, record); err != nil {
		return 0, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("failed to commit charge: %w", err)
	}
	return count + 1, true, nil
}

func (p *Postgres) SummarizeUsage(ctx context.Context) ([]models.UsageSummary, error) {
	rows, err := p.db.Query(ctx, `
		SELECT client_id, endpoint, COUNT(*)
		FROM usage_records
		GROUP BY client_id, endpoint
		ORDER BY client_id, endpoint
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	defer rows.Close()

	out := []models.UsageSummary{}
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(&s.ClientID, &s.Endpoint, &s.Count); err != nil {
			return nil, fmt.Errorf("failed to scan usage summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func (p *Postgres) Close() {
	p.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
