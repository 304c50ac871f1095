package logging

import (
	"io"
	"os"
	"time"

	"github.com/aimerfeng/APIGate/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup initializes the global logger based on configuration
func Setup(cfg *config.LoggingConfig, env string) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	zerolog.TimeFieldFormat = time.RFC3339Nano

	var output io.Writer
	if cfg.Format == "json" || env == "production" {
		output = os.Stdout
	} else {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Str("service", "apigate").
		Logger()
}

// NewLogger creates a new logger with additional context
func NewLogger(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}

// RequestLogger is a Gin middleware for structured request logging.
// It reads the client id stored by the auth gate under "client_id".
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		event := log.Info()
		if status >= 500 {
			event = log.Error()
		} else if status >= 400 {
			event = log.Warn()
		}

		event.
			Str("request_id", c.GetString("request_id")).
			Str("client_id", c.GetString("client_id")).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", raw).
			Int("status", status).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Int("body_size", c.Writer.Size()).
			Msg("HTTP request")
	}
}

// ProxyCallLogEntry describes one forwarded upstream call
type ProxyCallLogEntry struct {
	RequestID  string
	ClientID   string
	API        string
	Method     string
	TargetURL  string
	StatusCode int
	Latency    time.Duration
	Error      string
}

// LogProxyCall logs a forwarded call with structured data
func LogProxyCall(entry *ProxyCallLogEntry) {
	event := log.Info()
	if entry.Error != "" {
		event = log.Error()
	}

	event.
		Str("request_id", entry.RequestID).
		Str("client_id", entry.ClientID).
		Str("api", entry.API).
		Str("method", entry.Method).
		Str("target_url", entry.TargetURL).
		Int("status", entry.StatusCode).
		Dur("latency", entry.Latency).
		Str("error", entry.Error).
		Msg("Proxy call")
}

// LogQuotaDecision logs an admission decision of the quota ledger
func LogQuotaDecision(clientID, endpoint string, allowed bool, count int64, limit int) {
	event := log.Debug()
	if !allowed {
		event = log.Warn()
	}
	event.
		Str("client_id", clientID).
		Str("endpoint", endpoint).
		Bool("allowed", allowed).
		Int64("count", count).
		Int("limit", limit).
		Msg("Quota decision")
}

// LogSecurityEvent logs security-related events
func LogSecurityEvent(eventType, clientID, clientIP, details string) {
	log.Warn().
		Str("event_type", eventType).
		Str("client_id", clientID).
		Str("client_ip", clientIP).
		Str("details", details).
		Msg("Security event")
}

// SanitizeForLog truncates data to maxLen bytes for logging
func SanitizeForLog(data string, maxLen int) string {
	if len(data) > maxLen {
		return data[:maxLen] + "...[truncated]"
	}
	return data
}

// MaskKey keeps the first four characters of a credential
func MaskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}
