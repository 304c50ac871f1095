package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aimerfeng/APIGate/internal/apikey"
	"github.com/aimerfeng/APIGate/internal/cache"
	"github.com/aimerfeng/APIGate/internal/config"
	apierrors "github.com/aimerfeng/APIGate/internal/errors"
	"github.com/aimerfeng/APIGate/internal/logging"
	"github.com/aimerfeng/APIGate/internal/middleware"
	"github.com/aimerfeng/APIGate/internal/models"
	"github.com/aimerfeng/APIGate/internal/monitoring"
	"github.com/aimerfeng/APIGate/internal/proxy"
	"github.com/aimerfeng/APIGate/internal/quota"
	"github.com/aimerfeng/APIGate/internal/ratelimit"
	"github.com/aimerfeng/APIGate/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// maxRequestBytes bounds inbound proxy bodies
const maxRequestBytes = 10 << 20

// Deps are the collaborators the gateway is wired with
type Deps struct {
	Store store.Store
	// Redis is optional. Without it quota charges go through the store
	// and public paths are not rate limited.
	Redis  *cache.Redis
	Tokens proxy.TokenSource
	// HTTPClient is used for upstream calls; nil means a default client
	HTTPClient *http.Client
}

// GatewayServer serves the gateway's HTTP surface
type GatewayServer struct {
	config  *config.Config
	router  *gin.Engine
	store   store.Store
	redis   *cache.Redis
	proxy   *proxy.Service
	clients *apikey.Service
	admin   *middleware.AdminAuthenticator
	logger  zerolog.Logger
}

// NewGatewayServer builds the router and wires every component
func NewGatewayServer(cfg *config.Config, deps Deps) (*GatewayServer, error) {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	public, err := middleware.NewPublicPaths(cfg.Gateway.PublicPaths)
	if err != nil {
		return nil, fmt.Errorf("invalid public paths: %w", err)
	}

	var rdb *redis.Client
	if deps.Redis != nil {
		rdb = deps.Redis.Client
	}
	ledger := quota.NewLedger(rdb, deps.Store)
	resolver := apikey.NewResolver(deps.Store)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	router.Use(monitoring.MetricsMiddleware())
	router.Use(logging.RequestLogger())
	if limiter := ratelimit.New(rdb, &cfg.RateLimit); limiter.Enabled() {
		router.Use(middleware.PublicRateLimit(public, limiter))
	}
	router.Use(middleware.AuthGate(public, resolver, ledger))

	srv := &GatewayServer{
		config:  cfg,
		router:  router,
		store:   deps.Store,
		redis:   deps.Redis,
		proxy:   proxy.NewService(deps.Store, deps.Tokens, &cfg.Gateway, deps.HTTPClient),
		clients: apikey.NewService(deps.Store, cfg.Gateway.DefaultDailyLimit),
		admin:   middleware.NewAdminAuthenticator(&cfg.Admin),
		logger:  logging.NewLogger("gateway"),
	}

	srv.setupRoutes()
	return srv, nil
}

// Router returns the gin router
func (s *GatewayServer) Router() http.Handler {
	return s.router
}

func (s *GatewayServer) setupRoutes() {
	s.router.GET("/", s.healthCheck)
	s.router.GET("/health", s.healthCheck)
	if s.config.Monitoring.PrometheusEnabled {
		s.router.GET("/metrics", monitoring.GinHandler())
	}

	s.router.POST("/clients", s.registerClient)
	s.router.GET("/clients/me", s.currentClient)
	s.router.GET("/apis", s.listVisibleAPIs)
	s.router.GET("/usage", s.admin.RequireIfConfigured(), s.usageSummary)
	s.router.Any("/proxy/*path", s.handleProxy)

	admin := s.router.Group("/admin", s.admin.Require())
	{
		admin.PUT("/clients/:id/limit", s.updateClientLimit)
		admin.POST("/apis", s.saveAPI)
		admin.GET("/apis", s.listAllAPIs)
	}
}

func (s *GatewayServer) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}

	if err := s.store.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		checks["store"] = err.Error()
	} else {
		checks["store"] = "ok"
	}

	switch {
	case s.redis == nil:
		checks["redis"] = "disabled"
	case s.redis.Health(ctx) != nil:
		checks["redis"] = "unreachable"
	default:
		checks["redis"] = "ok"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "unhealthy"
	} else if checks["redis"] == "unreachable" {
		state = "degraded"
	}

	c.JSON(status, gin.H{
		"status":           state,
		"service":          "apigate",
		"checks":           checks,
		"circuit_breakers": s.proxy.GetCircuitBreakerManager().GetAllStatus(),
	})
}

func (s *GatewayServer) registerClient(c *gin.Context) {
	var req apikey.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondWithError(c, apierrors.NewInvalidJSONError("request body must be a JSON object"))
		return
	}

	resp, err := s.clients.Register(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, apikey.ErrInvalidRequest) {
			middleware.RespondWithError(c, apierrors.NewValidationError(err.Error()))
			return
		}
		s.internalError(c, err, "Failed to register client")
		return
	}

	s.logger.Info().
		Str("client_id", resp.ClientID.String()).
		Str("key_prefix", resp.KeyPrefix).
		Strs("allowed_apis", resp.AllowedAPIs).
		Msg("Client registered")
	c.JSON(http.StatusCreated, resp)
}

func (s *GatewayServer) currentClient(c *gin.Context) {
	client, method, ok := middleware.ClientFromContext(c.Request.Context())
	if !ok {
		middleware.RespondWithError(c, apierrors.ErrInvalidAuthenticationError)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"client":      client,
		"auth_method": method,
	})
}

func (s *GatewayServer) listVisibleAPIs(c *gin.Context) {
	client, _, ok := middleware.ClientFromContext(c.Request.Context())
	if !ok {
		middleware.RespondWithError(c, apierrors.ErrInvalidAuthenticationError)
		return
	}

	// non-nil so an empty allow-list selects nothing
	names := append([]string{}, client.AllowedAPIs...)
	apis, err := s.store.ListUpstreams(c.Request.Context(), names)
	if err != nil {
		s.internalError(c, err, "Failed to list upstream APIs")
		return
	}

	visible := make([]models.UpstreamAPI, 0, len(apis))
	for _, api := range apis {
		if api.Enabled {
			visible = append(visible, api)
		}
	}
	c.JSON(http.StatusOK, gin.H{"apis": visible})
}

func (s *GatewayServer) usageSummary(c *gin.Context) {
	summaries, err := s.store.SummarizeUsage(c.Request.Context())
	if err != nil {
		s.internalError(c, err, "Failed to summarize usage")
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": summaries})
}

func (s *GatewayServer) handleProxy(c *gin.Context) {
	client, _, ok := middleware.ClientFromContext(c.Request.Context())
	if !ok {
		middleware.RespondWithError(c, apierrors.ErrInvalidAuthenticationError)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBytes))
	if err != nil {
		middleware.RespondWithError(c, apierrors.NewInvalidRequestError("failed to read request body"))
		return
	}

	resp, err := s.proxy.Forward(c.Request.Context(), client, &proxy.Request{
		RequestID: middleware.GetRequestIDFromContext(c),
		Method:    c.Request.Method,
		Path:      proxyPath(c.Request),
		RawQuery:  c.Request.URL.RawQuery,
		Body:      body,
	})
	if err != nil {
		s.proxyError(c, err)
		return
	}

	c.Data(resp.StatusCode, resp.ContentType, resp.Body)
}

// proxyPath is the escaped remainder after /proxy, so encoded
// separators such as %2F and %3F reach the upstream unchanged
func proxyPath(r *http.Request) string {
	return strings.TrimPrefix(r.URL.EscapedPath(), "/proxy")
}

// proxyError maps dispatcher failures onto the error envelope
func (s *GatewayServer) proxyError(c *gin.Context, err error) {
	var transport *proxy.TransportError
	switch {
	case errors.Is(err, proxy.ErrInvalidPath):
		middleware.RespondWithError(c, apierrors.NewInvalidRequestError("proxy path must name an API"))
	case errors.Is(err, proxy.ErrAPINotAllowed):
		middleware.RespondWithError(c, apierrors.ErrAPINotAllowedError)
	case errors.Is(err, proxy.ErrAPINotFound):
		middleware.RespondWithError(c, apierrors.ErrAPINotFoundError)
	case errors.Is(err, proxy.ErrUpstreamAuth):
		s.logger.Error().Err(err).
			Str("request_id", middleware.GetRequestIDFromContext(c)).
			Msg("Upstream token unavailable")
		middleware.RespondWithError(c, apierrors.ErrUpstreamAuthError)
	case errors.Is(err, proxy.ErrInvalidBody):
		middleware.RespondWithError(c, apierrors.NewInvalidJSONError("request body must be valid JSON"))
	case errors.As(err, &transport):
		middleware.RespondWithError(c, apierrors.NewProxyFailedError(transport.Error()))
	default:
		s.internalError(c, err, "Proxy dispatch failed")
	}
}

type limitRequest struct {
	RequestLimitPerDay *int `json:"request_limit_per_day"`
}

func (s *GatewayServer) updateClientLimit(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		middleware.RespondWithError(c, apierrors.NewInvalidRequestError("invalid client ID"))
		return
	}

	var req limitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondWithError(c, apierrors.NewInvalidJSONError("request body must be a JSON object"))
		return
	}
	if req.RequestLimitPerDay == nil || *req.RequestLimitPerDay < 0 {
		middleware.RespondWithError(c, apierrors.NewValidationError("request_limit_per_day must be a non-negative integer"))
		return
	}

	client, err := s.store.UpdateClientLimit(c.Request.Context(), id, *req.RequestLimitPerDay)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			middleware.RespondWithError(c, apierrors.ErrClientNotFoundError)
			return
		}
		s.internalError(c, err, "Failed to update client limit")
		return
	}

	s.logger.Info().
		Str("client_id", client.ID.String()).
		Int("request_limit_per_day", client.RequestLimitPerDay).
		Msg("Client limit updated")
	c.JSON(http.StatusOK, client)
}

type upstreamRequest struct {
	Name           string   `json:"name"`
	BaseURL        string   `json:"base_url"`
	Enabled        *bool    `json:"enabled"`
	AllowedMethods []string `json:"allowed_methods"`
}

func (r *upstreamRequest) toModel() (*models.UpstreamAPI, error) {
	name := strings.TrimSpace(r.Name)
	if name == "" || strings.Contains(name, "/") {
		return nil, errors.New("name is required and must not contain '/'")
	}
	u, err := url.Parse(strings.TrimSpace(r.BaseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.New("base_url must be an absolute http(s) URL")
	}

	api := &models.UpstreamAPI{
		Name:    name,
		BaseURL: u.String(),
		Enabled: true,
	}
	if r.Enabled != nil {
		api.Enabled = *r.Enabled
	}
	for _, m := range r.AllowedMethods {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			api.AllowedMethods = append(api.AllowedMethods, m)
		}
	}
	if len(api.AllowedMethods) == 0 {
		api.AllowedMethods = append([]string{}, models.DefaultAllowedMethods...)
	}
	return api, nil
}

func (s *GatewayServer) saveAPI(c *gin.Context) {
	var req upstreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondWithError(c, apierrors.NewInvalidJSONError("request body must be a JSON object"))
		return
	}
	api, err := req.toModel()
	if err != nil {
		middleware.RespondWithError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	if err := s.store.SaveUpstream(c.Request.Context(), api); err != nil {
		s.internalError(c, err, "Failed to save upstream API")
		return
	}

	s.logger.Info().
		Str("api", api.Name).
		Str("base_url", api.BaseURL).
		Bool("enabled", api.Enabled).
		Msg("Upstream API saved")
	c.JSON(http.StatusCreated, api)
}

func (s *GatewayServer) listAllAPIs(c *gin.Context) {
	apis, err := s.store.ListUpstreams(c.Request.Context(), nil)
	if err != nil {
		s.internalError(c, err, "Failed to list upstream APIs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"apis": apis})
}

func (s *GatewayServer) internalError(c *gin.Context, err error, msg string) {
	s.logger.Error().Err(err).
		Str("request_id", middleware.GetRequestIDFromContext(c)).
		Str("correlation_id", middleware.GetCorrelationIDFromContext(c)).
		Msg(msg)
	middleware.RespondWithError(c, apierrors.ErrInternalServerError)
}
