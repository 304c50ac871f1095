package middleware

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aimerfeng/APIGate/internal/apikey"
	apierrors "github.com/aimerfeng/APIGate/internal/errors"
	"github.com/aimerfeng/APIGate/internal/logging"
	"github.com/aimerfeng/APIGate/internal/models"
	"github.com/aimerfeng/APIGate/internal/monitoring"
	"github.com/aimerfeng/APIGate/internal/quota"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Credential headers
const (
	HeaderAPIKey   = "x-api-key"
	HeaderClientID = "x-client-id"
)

// commitTimeout bounds persisting a usage charge after the handler
const commitTimeout = 5 * time.Second

// CredentialResolver maps presented credentials to a client
type CredentialResolver interface {
	Resolve(ctx context.Context, presentedKey, presentedClientID string) (*apikey.Resolution, error)
}

// QuotaCharger admits metered requests
type QuotaCharger interface {
	ChargeIfAllowed(ctx context.Context, client *models.Client, endpoint string) (*quota.Charge, error)
}

type identityKey struct{}

type identity struct {
	client *models.Client
	method apikey.Method
}

// WithClient returns ctx carrying the authenticated client
func WithClient(ctx context.Context, client *models.Client, method apikey.Method) context.Context {
	return context.WithValue(ctx, identityKey{}, identity{client: client, method: method})
}

// ClientFromContext returns the client attached by the auth gate
func ClientFromContext(ctx context.Context) (*models.Client, apikey.Method, bool) {
	id, ok := ctx.Value(identityKey{}).(identity)
	if !ok || id.client == nil {
		return nil, "", false
	}
	return id.client, id.method, true
}

// AuthGate authenticates every request outside the public set. Requests
// authenticated by API key are charged against the daily quota before the
// handler runs; the charge is persisted after the handler returns whatever
// its outcome. Requests authenticated by client id alone are not metered.
func AuthGate(public *PublicPaths, resolver CredentialResolver, ledger QuotaCharger) gin.HandlerFunc {
	logger := logging.NewLogger("auth")

	return func(c *gin.Context) {
		if public.Match(c.Request.Method, c.Request.URL.Path) {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		res, err := resolver.Resolve(ctx, c.GetHeader(HeaderAPIKey), c.GetHeader(HeaderClientID))
		if err != nil {
			if errors.Is(err, apikey.ErrNoCredentials) || errors.Is(err, apikey.ErrClientNotFound) {
				monitoring.RecordAuthResult(presentedMethod(c), "rejected")
				logging.LogSecurityEvent("authentication_failed", c.GetHeader(HeaderClientID), c.ClientIP(), err.Error())
				AbortWithError(c, apierrors.ErrInvalidAuthenticationError)
				return
			}
			logger.Error().Err(err).Str("request_id", GetRequestIDFromContext(c)).Msg("Credential resolution failed")
			AbortWithError(c, apierrors.ErrInternalServerError)
			return
		}

		client := res.Client
		var charge *quota.Charge
		if res.Method == apikey.MethodAPIKey {
			charge, err = ledger.ChargeIfAllowed(ctx, client, c.Request.URL.Path)
			if err != nil {
				var exceeded *quota.ExceededError
				if errors.As(err, &exceeded) {
					monitoring.RecordAuthResult(string(res.Method), "quota_exceeded")
					c.Header("X-RateLimit-Limit", strconv.Itoa(exceeded.Limit))
					c.Header("X-RateLimit-Remaining", "0")
					AbortWithError(c, apierrors.NewQuotaExceededError(exceeded.Count, exceeded.Limit))
					return
				}
				logger.Error().Err(err).
					Str("client_id", client.ID.String()).
					Str("request_id", GetRequestIDFromContext(c)).
					Msg("Quota check failed")
				AbortWithError(c, apierrors.ErrInternalServerError)
				return
			}
			c.Header("X-RateLimit-Limit", strconv.Itoa(charge.Limit))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(charge.Remaining(), 10))
		}
		monitoring.RecordAuthResult(string(res.Method), "accepted")

		ctx = WithClient(ctx, client, res.Method)
		c.Request = c.Request.WithContext(ctx)
		c.Set(ContextKeyClientID, client.ID.String())

		if charge != nil {
			defer commit(ctx, c, charge, logger)
		}
		c.Next()
	}
}

// commit persists the charge detached from request cancellation
func commit(ctx context.Context, c *gin.Context, charge *quota.Charge, logger zerolog.Logger) {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	if err := charge.Commit(commitCtx); err != nil {
		record := charge.Record()
		logger.Error().Err(err).
			Str("client_id", record.ClientID.String()).
			Str("endpoint", record.Endpoint).
			Str("request_id", GetRequestIDFromContext(c)).
			Int("status", c.Writer.Status()).
			Msg("Failed to persist usage charge")
	}
}

func presentedMethod(c *gin.Context) string {
	switch {
	case c.GetHeader(HeaderAPIKey) != "":
		return string(apikey.MethodAPIKey)
	case c.GetHeader(HeaderClientID) != "":
		return string(apikey.MethodClientID)
	default:
		return "none"
	}
}
