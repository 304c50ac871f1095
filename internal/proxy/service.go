package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aimerfeng/APIGate/internal/config"
	"github.com/aimerfeng/APIGate/internal/logging"
	"github.com/aimerfeng/APIGate/internal/models"
	"github.com/aimerfeng/APIGate/internal/monitoring"
	"github.com/aimerfeng/APIGate/internal/store"
)

// Service errors
var (
	ErrInvalidPath     = errors.New("invalid proxy path")
	ErrInvalidBody     = errors.New("request body is not valid JSON")
	ErrAPINotAllowed   = errors.New("access to API not allowed")
	ErrAPINotFound     = errors.New("API not found")
	ErrUpstreamAuth    = errors.New("upstream authentication failed")
	ErrUpstreamTimeout = errors.New("upstream service timeout")
)

// DefaultUserAgent identifies the gateway to upstreams
const DefaultUserAgent = "apigate-proxy/1.0"

// maxResponseBytes bounds how much of an upstream body is relayed
const maxResponseBytes = 32 << 20

// ErrResponseTooLarge is returned when an upstream body exceeds the relay limit
var ErrResponseTooLarge = errors.New("upstream response too large")

// TransportError is a failure to complete the exchange with an upstream.
// Its text is the underlying cause.
type TransportError struct {
	API string
	Err error
}

func (e *TransportError) Error() string { return e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// TokenSource supplies the bearer token presented upstream
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// UpstreamLookup finds enabled upstream APIs by name
type UpstreamLookup interface {
	GetEnabledUpstream(ctx context.Context, name string) (*models.UpstreamAPI, error)
}

// Request is an inbound proxy call. Path is everything after /proxy/.
type Request struct {
	RequestID string
	Method    string
	Path      string
	RawQuery  string
	Body      []byte
}

// Response is a relayed upstream response
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
	// JSON reports that Body parsed as JSON
	JSON bool
}

// Service forwards authorized requests to upstream APIs
type Service struct {
	upstreams      UpstreamLookup
	tokens         TokenSource
	httpClient     *http.Client
	userAgent      string
	breakers       *CircuitBreakerManager
	timeoutManager *TimeoutManager
	maxBody        int64
}

// NewService creates a proxy service. httpClient may be nil.
func NewService(upstreams UpstreamLookup, tokens TokenSource, cfg *config.GatewayConfig, httpClient *http.Client) *Service {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Service{
		upstreams:  upstreams,
		tokens:     tokens,
		httpClient: httpClient,
		userAgent:  userAgent,
		breakers:   NewCircuitBreakerManager(DefaultCircuitBreakerConfig()),
		timeoutManager: NewTimeoutManager(&TimeoutConfig{
			DefaultTimeout: cfg.RequestTimeout,
			MaxTimeout:     120 * time.Second,
			MinTimeout:     time.Second,
		}),
		maxBody: maxResponseBytes,
	}
}

// GetCircuitBreakerManager returns the circuit breaker manager
func (s *Service) GetCircuitBreakerManager() *CircuitBreakerManager {
	return s.breakers
}

// SplitPath returns the API name and the full path with the leading slash removed
func SplitPath(path string) (apiName, fullPath string, err error) {
	fullPath = strings.TrimPrefix(path, "/")
	if fullPath == "" {
		return "", "", ErrInvalidPath
	}
	apiName, _, _ = strings.Cut(fullPath, "/")
	if apiName == "" {
		return "", "", ErrInvalidPath
	}
	return apiName, fullPath, nil
}

// Forward dispatches req on behalf of client and relays the upstream reply.
// Upstream HTTP error statuses are relayed, not returned as errors.
func (s *Service) Forward(ctx context.Context, client *models.Client, req *Request) (*Response, error) {
	apiName, fullPath, err := SplitPath(req.Path)
	if err != nil {
		return nil, err
	}

	if !client.AllowsAPI(apiName) {
		return nil, fmt.Errorf("%w: %s", ErrAPINotAllowed, apiName)
	}

	api, err := s.upstreams.GetEnabledUpstream(ctx, apiName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAPINotFound, apiName)
		}
		return nil, fmt.Errorf("failed to look up upstream %s: %w", apiName, err)
	}

	token, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamAuth, err)
	}

	body, err := normalizeBody(req.Body)
	if err != nil {
		return nil, err
	}

	target := strings.TrimRight(api.BaseURL, "/") + "/" + fullPath
	if req.RawQuery != "" {
		target += "?" + req.RawQuery
	}

	start := time.Now()
	resp, err := s.call(ctx, apiName, req.Method, target, token, body)
	latency := time.Since(start)

	entry := &logging.ProxyCallLogEntry{
		RequestID: req.RequestID,
		ClientID:  client.ID.String(),
		API:       apiName,
		Method:    req.Method,
		TargetURL: target,
		Latency:   latency,
	}
	if err != nil {
		entry.Error = err.Error()
		logging.LogProxyCall(entry)
		return nil, err
	}
	entry.StatusCode = resp.StatusCode
	logging.LogProxyCall(entry)

	monitoring.RecordUpstreamLatency(apiName, latency)
	monitoring.RecordUpstreamRequest(apiName, resp.StatusCode)
	return resp, nil
}

// normalizeBody compacts a JSON body. An empty body is forwarded as none.
func normalizeBody(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return buf.Bytes(), nil
}

func (s *Service) call(ctx context.Context, apiName, method, target, token string, body []byte) (*Response, error) {
	result, err := s.breakers.Execute(ctx, apiName, func() (interface{}, error) {
		return s.callUpstreamInternal(ctx, apiName, method, target, token, body)
	})
	if err != nil {
		var te *TransportError
		if !errors.As(err, &te) {
			err = &TransportError{API: apiName, Err: err}
		}
		monitoring.RecordUpstreamError(apiName, transportErrorType(err))
		return nil, err
	}
	return result.(*Response), nil
}

func (s *Service) callUpstreamInternal(ctx context.Context, apiName, method, target, token string, body []byte) (*Response, error) {
	ctx, cancel, _ := s.timeoutManager.WithTimeout(ctx, 0)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, &TransportError{API: apiName, Err: err}
	}

	// Client headers are never forwarded
	httpReq.Header = http.Header{}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "*/*")
	httpReq.Header.Set("User-Agent", s.userAgent)

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
		}
		return nil, &TransportError{API: apiName, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBody+1))
	if err != nil {
		return nil, &TransportError{API: apiName, Err: fmt.Errorf("failed to read upstream response: %w", err)}
	}
	if int64(len(data)) > s.maxBody {
		return nil, &TransportError{API: apiName, Err: fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, s.maxBody)}
	}

	out := &Response{StatusCode: resp.StatusCode, Body: data}
	if len(bytes.TrimSpace(data)) > 0 && json.Valid(data) {
		out.JSON = true
		out.ContentType = "application/json"
	} else {
		out.ContentType = resp.Header.Get("Content-Type")
		if out.ContentType == "" {
			out.ContentType = "application/octet-stream"
		}
	}
	return out, nil
}

func transportErrorType(err error) string {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrResponseTooLarge):
		return "too_large"
	default:
		return "transport"
	}
}
