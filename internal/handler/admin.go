package handler

import (
	"fmt"
	"net/http"

	"danmu-api-service/internal/appstate"
	"danmu-api-service/internal/model"
	"danmu-api-service/internal/repository"
	"danmu-api-service/internal/service"
	"danmu-api-service/internal/source"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// StatusInfo describes the running service
type StatusInfo struct {
	Sources      []string
	Order        []string
	ProxyEnabled bool
	ProxyCount   int
	TMDBEnabled  bool
}

// AdminHandler handles status, observability and cache management endpoints
type AdminHandler struct {
	state   *appstate.State
	danmu   *service.DanmuService
	kv      repository.KV
	metrics *repository.Metrics
	info    StatusInfo
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(state *appstate.State, danmu *service.DanmuService, kv repository.KV, metrics *repository.Metrics, registry *source.Registry, info StatusInfo) *AdminHandler {
	info.Sources = registry.Names()
	return &AdminHandler{
		state:   state,
		danmu:   danmu,
		kv:      kv,
		metrics: metrics,
		info:    info,
	}
}

// GetStatus returns service status
// GET /api/v2/status
func (h *AdminHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"sources":         h.info.Sources,
		"source_order":    h.info.Order,
		"proxy_enabled":   h.info.ProxyEnabled,
		"proxy_count":     h.info.ProxyCount,
		"tmdb_enabled":    h.info.TMDBEnabled,
		"metrics_enabled": h.metrics.Enabled(),
		"cached_animes":   h.state.IDs.Len(),
		"cached_keys":     h.kv.Len(),
		"rate_limit":      h.state.Limiter.Limit(),
		"limited_clients": h.state.Limiter.Clients(),
		"request_records": h.state.Requests.Len(),
	})
}

// GetRequests returns the recent request records, oldest first
// GET /api/v2/admin/requests
func (h *AdminHandler) GetRequests(c *gin.Context) {
	records := h.state.Requests.List()
	c.JSON(http.StatusOK, gin.H{
		"code":  200,
		"count": len(records),
		"data":  records,
	})
}

// GetAnalytics returns API and source analytics, empty without Redis
// GET /api/v2/admin/analytics
func (h *AdminHandler) GetAnalytics(c *gin.Context) {
	stats, err := h.metrics.GetOverallStats(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": stats})
}

// GetEndpointStats returns stats for one route pattern
// GET /api/v2/admin/analytics/endpoint?path=/api/v2/comment/:commentId
func (h *AdminHandler) GetEndpointStats(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		fail(c, model.Validation("缺少参数 path"))
		return
	}

	stats, err := h.metrics.GetAPIStats(c.Request.Context(), path)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": stats})
}

// ResetAnalytics drops every metrics key
// DELETE /api/v2/admin/analytics
func (h *AdminHandler) ResetAnalytics(c *gin.Context) {
	if err := h.metrics.ResetMetrics(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	log.Info().Msg("🗑️ 统计数据已重置")
	c.JSON(http.StatusOK, gin.H{"code": 200, "message": "所有统计数据已重置"})
}

// ClearCache drops cached comments and segments
// DELETE /api/v2/admin/cache
func (h *AdminHandler) ClearCache(c *gin.Context) {
	deleted, err := h.danmu.ClearCache(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    200,
		"message": fmt.Sprintf("弹幕缓存已清除 (%d 条)", deleted),
	})
}

// ResetIDs drops every cached anime and episode ID, issued IDs stop resolving
// DELETE /api/v2/admin/ids
func (h *AdminHandler) ResetIDs(c *gin.Context) {
	n := h.state.IDs.Len()
	h.state.IDs.Reset()
	h.state.Limiter.Reset()

	log.Info().Int("animes", n).Msg("🗑️ ID 缓存已重置")
	c.JSON(http.StatusOK, gin.H{
		"code":    200,
		"message": fmt.Sprintf("ID 缓存已重置 (%d 部番剧)", n),
	})
}
