package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aimerfeng/APIGate/internal/models"
	"github.com/aimerfeng/APIGate/internal/store"
	"github.com/google/uuid"
)

// Resolver errors
var (
	ErrNoCredentials  = errors.New("no credentials presented")
	ErrClientNotFound = errors.New("no client matches the presented credentials")
	ErrInvalidRequest = errors.New("invalid client registration")
)

// KeyPrefix marks keys issued by this gateway
const KeyPrefix = "ak_"

// Method records which credential resolved a client
type Method string

const (
	MethodAPIKey   Method = "api_key"
	MethodClientID Method = "client_id"
)

// ClientStore is the lookup side of client persistence
type ClientStore interface {
	GetClientByKeyHash(ctx context.Context, keyHash string) (*models.Client, error)
	GetClientByID(ctx context.Context, id uuid.UUID) (*models.Client, error)
}

// Resolution is a resolved client and the credential that matched
type Resolution struct {
	Client *models.Client
	Method Method
}

// Resolver maps presented credentials to a client
type Resolver struct {
	clients ClientStore
}

func NewResolver(clients ClientStore) *Resolver {
	return &Resolver{clients: clients}
}

// Resolve looks the client up by API key when one is presented, otherwise by
// client id. Exactly one lookup is made.
func (r *Resolver) Resolve(ctx context.Context, presentedKey, presentedClientID string) (*Resolution, error) {
	presentedKey = strings.TrimSpace(presentedKey)
	presentedClientID = strings.TrimSpace(presentedClientID)

	switch {
	case presentedKey != "":
		client, err := r.clients.GetClientByKeyHash(ctx, HashAPIKey(presentedKey))
		if err != nil {
			return nil, lookupError(err)
		}
		return &Resolution{Client: client, Method: MethodAPIKey}, nil

	case presentedClientID != "":
		id, err := uuid.Parse(presentedClientID)
		if err != nil {
			return nil, ErrClientNotFound
		}
		client, err := r.clients.GetClientByID(ctx, id)
		if err != nil {
			return nil, lookupError(err)
		}
		return &Resolution{Client: client, Method: MethodClientID}, nil

	default:
		return nil, ErrNoCredentials
	}
}

func lookupError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrClientNotFound
	}
	return fmt.Errorf("failed to resolve client: %w", err)
}

// ClientCreator persists newly registered clients
type ClientCreator interface {
	CreateClient(ctx context.Context, client *models.Client) error
}

// Service registers clients and issues their keys
type Service struct {
	clients      ClientCreator
	defaultLimit int
}

// NewService creates a registration service. defaultLimit applies when a
// request omits request_limit_per_day.
func NewService(clients ClientCreator, defaultLimit int) *Service {
	if defaultLimit <= 0 {
		defaultLimit = models.DefaultRequestLimitPerDay
	}
	return &Service{clients: clients, defaultLimit: defaultLimit}
}

// RegisterRequest represents a request to create a client
type RegisterRequest struct {
	Name               string   `json:"name"`
	Environment        string   `json:"environment"`
	AllowedAPIs        []string `json:"allowed_apis"`
	RequestLimitPerDay *int     `json:"request_limit_per_day,omitempty"`
}

// RegisterResponse carries the raw key, which is only returned once
type RegisterResponse struct {
	ClientID           uuid.UUID `json:"client_id"`
	APIKey             string    `json:"api_key"`
	KeyPrefix          string    `json:"key_prefix"`
	Name               string    `json:"name"`
	Environment        string    `json:"environment"`
	AllowedAPIs        []string  `json:"allowed_apis"`
	RequestLimitPerDay int       `json:"request_limit_per_day"`
	CreatedAt          time.Time `json:"created_at"`
}

// Register validates the request, generates a key and stores the client
func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}

	limit := s.defaultLimit
	if req.RequestLimitPerDay != nil {
		if *req.RequestLimitPerDay < 0 {
			return nil, fmt.Errorf("%w: request_limit_per_day must not be negative", ErrInvalidRequest)
		}
		limit = *req.RequestLimitPerDay
	}

	env := strings.TrimSpace(req.Environment)
	if env == "" {
		env = "development"
	}

	allowed := make([]string, 0, len(req.AllowedAPIs))
	seen := make(map[string]bool, len(req.AllowedAPIs))
	for _, api := range req.AllowedAPIs {
		api = strings.TrimSpace(api)
		if api == "" || seen[api] {
			continue
		}
		seen[api] = true
		allowed = append(allowed, api)
	}

	rawKey, keyHash, keyPrefix, err := GenerateAPIKey()
	if err != nil {
		return nil, err
	}

	client := &models.Client{
		ID:                 uuid.New(),
		Name:               name,
		Environment:        env,
		AllowedAPIs:        allowed,
		APIKeyHash:         keyHash,
		RequestLimitPerDay: limit,
	}
	if err := s.clients.CreateClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	return &RegisterResponse{
		ClientID:           client.ID,
		APIKey:             rawKey,
		KeyPrefix:          keyPrefix,
		Name:               client.Name,
		Environment:        client.Environment,
		AllowedAPIs:        client.AllowedAPIs,
		RequestLimitPerDay: client.RequestLimitPerDay,
		CreatedAt:          client.CreatedAt,
	}, nil
}

// GenerateAPIKey generates a secure API key
// Returns: rawKey, keyHash, keyPrefix, error
func GenerateAPIKey() (string, string, string, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	rawKey := KeyPrefix + hex.EncodeToString(randomBytes)
	keyHash := HashAPIKey(rawKey)
	keyPrefix := rawKey[:len(KeyPrefix)+8]

	return rawKey, keyHash, keyPrefix, nil
}

// HashAPIKey returns the hex SHA-256 digest stored for a key
func HashAPIKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}
