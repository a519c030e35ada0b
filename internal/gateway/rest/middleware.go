// Package rest implements the secondary HTTP REST gateway: read-mostly
// conversation/scenario/attachment endpoints and an LLM proxy, layered over
// the same Orchestrator the WebSocket gateway uses.
package rest

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/turnloop/conductor/internal/apperrors"
	"github.com/turnloop/conductor/internal/logger"
)

// RequestLogger assigns a request id and logs each request's outcome.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		log.Info("request completed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID),
		)
	}
}

// ErrorHandler maps the last handler-reported error to its AppError HTTP
// status and a uniform JSON error body.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		app := apperrors.Wrap(c.Errors.Last().Err)
		log.Error("request error",
			zap.String("code", app.Code),
			zap.String("message", app.Message),
			zap.Int("status", app.HTTPStatus),
		)
		c.JSON(app.HTTPStatus, gin.H{"error": gin.H{"code": app.Code, "message": app.Message}})
	}
}

// Recovery converts a panic into a 500 response instead of crashing the
// listener goroutine.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{"code": "INTERNAL", "message": "an internal server error occurred"},
				})
			}
		}()
		c.Next()
	}
}

// CORS allows any origin; the gateway has no browser-session cookies to
// protect.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RateLimit is a simple process-wide token bucket shared across requests.
func RateLimit(requestsPerSecond int) gin.HandlerFunc {
	var (
		mu       sync.Mutex
		tokens   = float64(requestsPerSecond)
		lastTime = time.Now()
	)

	return func(c *gin.Context) {
		mu.Lock()
		now := time.Now()
		tokens += now.Sub(lastTime).Seconds() * float64(requestsPerSecond)
		if tokens > float64(requestsPerSecond) {
			tokens = float64(requestsPerSecond)
		}
		lastTime = now

		if tokens < 1 {
			mu.Unlock()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{"code": "RATE_LIMIT_EXCEEDED", "message": "too many requests"},
			})
			return
		}
		tokens--
		mu.Unlock()
		c.Next()
	}
}
