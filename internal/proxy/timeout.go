package proxy

import (
	"context"
	"time"
)

// TimeoutConfig holds timeout configuration
type TimeoutConfig struct {
	// DefaultTimeout bounds an upstream call when no timeout is requested
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MinTimeout     time.Duration
}

// DefaultTimeoutConfig returns default timeout configuration
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		DefaultTimeout: 30 * time.Second,
		MaxTimeout:     120 * time.Second,
		MinTimeout:     time.Second,
	}
}

// TimeoutManager bounds upstream calls
type TimeoutManager struct {
	config *TimeoutConfig
}

// NewTimeoutManager creates a new timeout manager. A zero DefaultTimeout
// falls back to the package default.
func NewTimeoutManager(config *TimeoutConfig) *TimeoutManager {
	defaults := DefaultTimeoutConfig()
	if config == nil {
		config = defaults
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = defaults.DefaultTimeout
	}
	return &TimeoutManager{config: config}
}

// GetTimeout returns the appropriate timeout for a request.
// Zero selects the default; anything else is clamped to [min, max].
func (t *TimeoutManager) GetTimeout(requestedTimeout time.Duration) time.Duration {
	if requestedTimeout == 0 {
		return t.config.DefaultTimeout
	}

	if requestedTimeout < t.config.MinTimeout {
		return t.config.MinTimeout
	}

	if requestedTimeout > t.config.MaxTimeout {
		return t.config.MaxTimeout
	}

	return requestedTimeout
}

// WithTimeout creates a context with the specified timeout
// Returns the context, cancel function, and the actual timeout used
func (t *TimeoutManager) WithTimeout(ctx context.Context, requestedTimeout time.Duration) (context.Context, context.CancelFunc, time.Duration) {
	timeout := t.GetTimeout(requestedTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, cancel, timeout
}
