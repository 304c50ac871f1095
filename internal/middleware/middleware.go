package middleware

import (
	"net/http"

	apierrors "github.com/aimerfeng/APIGate/internal/errors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Context keys set on the gin context
const (
	ContextKeyRequestID     = "request_id"
	ContextKeyCorrelationID = "correlation_id"
	ContextKeyClientID      = "client_id"
)

// RespondWithError sends a standardized error response
func RespondWithError(c *gin.Context, err *apierrors.APIError) {
	reqID := c.GetString(ContextKeyRequestID)
	corrID := c.GetString(ContextKeyCorrelationID)
	if corrID == "" {
		corrID = reqID
	}

	response := apierrors.NewErrorResponse(
		err,
		reqID,
		corrID,
		c.Request.URL.Path,
		c.Request.Method,
	)

	c.JSON(response.Error.HTTPStatus, response)
}

// AbortWithError responds with err and stops the handler chain
func AbortWithError(c *gin.Context, err *apierrors.APIError) {
	RespondWithError(c, err)
	c.Abort()
}

// RequestID adds a unique request ID to each request
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(ContextKeyRequestID, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// CorrelationID adds a correlation ID for distributed tracing.
// It is taken from X-Correlation-ID or falls back to the request ID.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = c.GetString(ContextKeyRequestID)
			if correlationID == "" {
				correlationID = uuid.New().String()
			}
		}
		c.Set(ContextKeyCorrelationID, correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

// GetRequestIDFromContext returns the request ID or ""
func GetRequestIDFromContext(c *gin.Context) string {
	return c.GetString(ContextKeyRequestID)
}

// GetCorrelationIDFromContext returns the correlation ID or ""
func GetCorrelationIDFromContext(c *gin.Context) string {
	return c.GetString(ContextKeyCorrelationID)
}

// CORS configures CORS headers
func CORS(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		allowed := false
		for _, o := range allowedOrigins {
			if o == origin || o == "*" {
				allowed = true
				break
			}
		}

		if allowed && origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Correlation-ID, X-API-Key, X-Client-ID, X-Admin-Key")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining")
			c.Header("Access-Control-Max-Age", "43200")
		}

		// only preflights end here; other OPTIONS requests are routed
		if c.Request.Method == http.MethodOptions && origin != "" && c.GetHeader("Access-Control-Request-Method") != "" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
