package models

import (
	"time"

	"github.com/google/uuid"
)

// UsageRecord is one quota-charged request. Records are append-only.
type UsageRecord struct {
	ID        int64     `json:"id" db:"id"`
	ClientID  uuid.UUID `json:"client_id" db:"client_id"`
	Endpoint  string    `json:"endpoint" db:"endpoint"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	Count     int       `json:"count" db:"count"`
}

// UsageSummary aggregates usage per client and endpoint
type UsageSummary struct {
	ClientID uuid.UUID `json:"client_id"`
	Endpoint string    `json:"endpoint"`
	Count    int64     `json:"count"`
}
