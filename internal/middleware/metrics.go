package middleware

import (
	"context"
	"strings"
	"time"

	"danmu-api-service/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Metrics returns a middleware that records API metrics, a no-op without Redis
func Metrics(metrics *repository.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !metrics.Enabled() {
			c.Next()
			return
		}

		// Only track API endpoints
		if !strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.Next()
			return
		}

		start := time.Now()

		c.Next()

		// Record metrics after request completes
		latency := float64(time.Since(start).Milliseconds())
		status := c.Writer.Status()

		// handler 命中缓存时会设置 cache_source
		cacheHit := c.GetString("cache_source") != ""

		// Record the metrics
		ctx := context.Background()
		path := c.FullPath()
		if path == "" {
			path = normalizePath(c.Request.URL.Path)
		}

		if err := metrics.RecordAPICall(ctx, path, status, latency, cacheHit); err != nil {
			log.Warn().Err(err).Msg("Failed to record metrics")
		}
	}
}

// normalizePath normalizes API paths for grouping
func normalizePath(path string) string {
	// Normalize paths with IDs like /api/v2/comment/10001 -> /api/v2/comment/:id
	parts := strings.Split(path, "/")
	for i, part := range parts {
		// Check if part looks like an ID (numeric)
		if isNumeric(part) {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

// isNumeric checks if a string is purely numeric
func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
