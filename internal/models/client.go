package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultRequestLimitPerDay applies when a client is created without a limit
const DefaultRequestLimitPerDay = 1000

// Client represents a registered consumer of the gateway
type Client struct {
	ID                 uuid.UUID `json:"id" db:"id"`
	Name               string    `json:"name" db:"name"`
	Environment        string    `json:"environment" db:"environment"`
	AllowedAPIs        []string  `json:"allowed_apis" db:"allowed_apis"`
	APIKeyHash         string    `json:"-" db:"api_key_hash"`
	RequestLimitPerDay int       `json:"request_limit_per_day" db:"request_limit_per_day"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}

// AllowsAPI reports whether the client may reach the named upstream
func (c *Client) AllowsAPI(name string) bool {
	for _, allowed := range c.AllowedAPIs {
		if allowed == name {
			return true
		}
	}
	return false
}
