package middleware

import (
	"github.com/aimerfeng/APIGate/internal/config"
	apierrors "github.com/aimerfeng/APIGate/internal/errors"
	"github.com/aimerfeng/APIGate/internal/logging"
	"github.com/alexedwards/argon2id"
	"github.com/gin-gonic/gin"
)

// HeaderAdminKey carries the administrative key
const HeaderAdminKey = "x-admin-key"

// AdminAuthenticator verifies the administrative key against an argon2id hash
type AdminAuthenticator struct {
	keyHash string
}

// NewAdminAuthenticator creates an authenticator. An empty hash disables
// administrative access entirely.
func NewAdminAuthenticator(cfg *config.AdminConfig) *AdminAuthenticator {
	return &AdminAuthenticator{keyHash: cfg.KeyHash}
}

// Configured reports whether an admin key hash is set
func (a *AdminAuthenticator) Configured() bool {
	return a.keyHash != ""
}

// Verify reports whether key matches the configured hash
func (a *AdminAuthenticator) Verify(key string) bool {
	if a.keyHash == "" || key == "" {
		return false
	}
	match, err := argon2id.ComparePasswordAndHash(key, a.keyHash)
	return err == nil && match
}

// IsAdmin reports whether the request presents a valid admin key
func (a *AdminAuthenticator) IsAdmin(c *gin.Context) bool {
	return a.Verify(c.GetHeader(HeaderAdminKey))
}

// Require rejects requests without a valid admin key
func (a *AdminAuthenticator) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.IsAdmin(c) {
			logging.LogSecurityEvent("admin_key_rejected", "", c.ClientIP(), c.Request.Method+" "+c.Request.URL.Path)
			AbortWithError(c, apierrors.ErrAdminKeyInvalidError)
			return
		}
		c.Next()
	}
}

// RequireIfConfigured behaves like Require once a hash is configured and
// lets every request through otherwise.
func (a *AdminAuthenticator) RequireIfConfigured() gin.HandlerFunc {
	require := a.Require()
	return func(c *gin.Context) {
		if !a.Configured() {
			c.Next()
			return
		}
		require(c)
	}
}

// HashAdminKey returns the argon2id hash to place in ADMIN_KEY_HASH
func HashAdminKey(key string) (string, error) {
	return argon2id.CreateHash(key, argon2id.DefaultParams)
}
