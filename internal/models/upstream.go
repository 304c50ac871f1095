package models

// UpstreamAPI is an external service reachable through the proxy
type UpstreamAPI struct {
	ID             int64    `json:"id" db:"id"`
	Name           string   `json:"name" db:"name"`
	BaseURL        string   `json:"base_url" db:"base_url"`
	Enabled        bool     `json:"enabled" db:"enabled"`
	AllowedMethods []string `json:"allowed_methods" db:"allowed_methods"`
}

// DefaultAllowedMethods is stored when an upstream is registered without methods
var DefaultAllowedMethods = []string{"POST"}
