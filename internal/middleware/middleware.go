// Package middleware provides Gin middleware functions for the analytics API.
// It includes request ids, access logging, panic recovery, rate limiting and
// the tenant upload-scope guard.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kcx-hq/kcx-01-sub007/pkg/models"
)

const (
	// HeaderRequestID carries the request id in both directions.
	HeaderRequestID = "X-Request-ID"
	// HeaderClientID identifies the calling tenant.
	HeaderClientID = "X-Client-ID"

	// ContextClientID is the gin context key holding the tenant id.
	ContextClientID = "client_id"
	// ContextRequestID is the gin context key holding the request id.
	ContextRequestID = "request_id"
	// ContextUploadIDs is the gin context key holding the requested upload ids.
	ContextUploadIDs = "upload_ids"
)

// RequestID assigns every request an id, reusing a well-formed inbound one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(ContextRequestID, id)
		c.Writer.Header().Set(HeaderRequestID, id)
		c.Next()
	}
}

// LoggingMiddleware logs request and response metadata including method,
// path, status code, latency and client IP.
func LoggingMiddleware(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		if query != "" {
			path = path + "?" + query
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", c.GetString(ContextRequestID)),
			zap.String("client_id", c.GetString(ContextClientID)),
			zap.Int("bytes", c.Writer.Size()),
		}

		switch {
		case status >= 500:
			fields = append(fields, zap.String("errors", c.Errors.ByType(gin.ErrorTypePrivate).String()))
			logger.Error("request", fields...)
		case status >= 400:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}

// RecoveryMiddleware recovers from panics and returns a 500 error instead of
// crashing the server.
func RecoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("recovered from panic",
					zap.Any("panic", err),
					zap.String("request_id", c.GetString(ContextRequestID)),
					zap.Stack("stack"))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}

// RateLimiter is satisfied by *cache.Cache.
type RateLimiter interface {
	RateLimitCheck(ctx context.Context, key string, maxRequests int64, window time.Duration) (bool, error)
}

// RateLimitMiddleware enforces a per-tenant request budget. Requests without
// a client id are limited by IP. Limiter errors let the request through.
func RateLimitMiddleware(limiter RateLimiter, maxRequests int64, window time.Duration, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		if limiter == nil || maxRequests <= 0 {
			c.Next()
			return
		}

		id := strings.TrimSpace(c.GetHeader(HeaderClientID))
		if id == "" {
			id = c.ClientIP()
		}

		allowed, err := limiter.RateLimitCheck(c.Request.Context(), id, maxRequests, window)
		if err != nil {
			logger.Warn("rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}

// UploadScopeChecker verifies that every upload id belongs to the client.
type UploadScopeChecker interface {
	AssertUploadScope(ctx context.Context, clientID string, uploadIDs []string) error
}

// UploadScope rejects requests without a client id and requests naming an
// upload the client does not own. Requests naming no uploads pass through
// and resolve to an empty scope downstream.
func UploadScope(checker UploadScopeChecker, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		clientID := strings.TrimSpace(c.GetHeader(HeaderClientID))
		if clientID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing " + HeaderClientID + " header.",
			})
			return
		}
		c.Set(ContextClientID, clientID)

		ids := QueryUploadIDs(c)
		c.Set(ContextUploadIDs, ids)
		if len(ids) == 0 {
			c.Next()
			return
		}

		if err := checker.AssertUploadScope(c.Request.Context(), clientID, ids); err != nil {
			if errors.Is(err, models.ErrUploadScope) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
				return
			}
			logger.Error("upload scope check failed", zap.String("client_id", clientID), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.Next()
	}
}

// QueryUploadIDs collects uploadIds from the query string, accepting both a
// comma separated list and repeated parameters. Blanks are dropped.
func QueryUploadIDs(c *gin.Context) []string {
	var ids []string
	for _, v := range c.QueryArray("uploadIds") {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}
