// Package tokencache obtains and caches the bearer token the gateway
// presents to upstream APIs.
package tokencache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aimerfeng/APIGate/internal/config"
	"github.com/aimerfeng/APIGate/internal/logging"
	"github.com/aimerfeng/APIGate/internal/monitoring"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// ErrUpstreamAuth wraps every failed credential exchange
var ErrUpstreamAuth = errors.New("upstream authentication failed")

// DefaultSafetyMargin is subtracted from a token's lifetime before caching
const DefaultSafetyMargin = 30 * time.Second

type cachedToken struct {
	value  string
	expiry time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Cache holds one process-wide token. Reads never block; concurrent
// refreshes may both hit the token endpoint and the last one wins.
type Cache struct {
	tokenURL     string
	clientID     string
	clientSecret string
	scope        string
	margin       time.Duration

	httpClient *http.Client
	now        func() time.Time
	current    atomic.Pointer[cachedToken]
	logger     zerolog.Logger
}

// New creates a token cache for the client-credentials exchange in cfg
func New(cfg config.UpstreamConfig, httpClient *http.Client) *Cache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	margin := cfg.SafetyMargin
	if margin <= 0 {
		margin = DefaultSafetyMargin
	}
	return &Cache{
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		scope:        cfg.Scope,
		margin:       margin,
		httpClient:   httpClient,
		now:          time.Now,
		logger:       logging.NewLogger("tokencache"),
	}
}

// Token returns a bearer token valid for at least the safety margin
func (c *Cache) Token(ctx context.Context) (string, error) {
	if t := c.current.Load(); t != nil && c.now().Before(t.expiry) {
		monitoring.RecordCacheHit("upstream_token")
		return t.value, nil
	}
	monitoring.RecordCacheMiss("upstream_token")

	t, err := c.exchange(ctx)
	if err != nil {
		monitoring.RecordTokenExchange("failure")
		c.logger.Error().Err(err).Str("token_url", c.tokenURL).Msg("Token exchange failed")
		return "", err
	}
	monitoring.RecordTokenExchange("success")
	c.current.Store(t)

	c.logger.Debug().
		Str("token", logging.MaskKey(t.value)).
		Time("expiry", t.expiry).
		Msg("Upstream token refreshed")
	return t.value, nil
}

// Invalidate drops the cached token so the next call exchanges again
func (c *Cache) Invalidate() {
	c.current.Store(nil)
}

func (c *Cache) exchange(ctx context.Context) (*cachedToken, error) {
	data := url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {c.scope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", ErrUpstreamAuth, err)
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	issuedAt := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to send request: %v", ErrUpstreamAuth, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: token request failed with status %d: %s",
			ErrUpstreamAuth, resp.StatusCode, logging.SanitizeForLog(string(body), 200))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", ErrUpstreamAuth, err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: response carries no access_token", ErrUpstreamAuth)
	}

	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	if tr.ExpiresIn <= 0 {
		lifetime = jwtLifetime(tr.AccessToken, issuedAt)
	}

	return &cachedToken{
		value:  tr.AccessToken,
		expiry: issuedAt.Add(lifetime - c.margin),
	}, nil
}

// jwtLifetime reads the exp claim without verifying the signature. Opaque
// tokens and tokens without exp get a zero lifetime and are not reused.
func jwtLifetime(token string, now time.Time) time.Duration {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0
	}
	return exp.Sub(now)
}
