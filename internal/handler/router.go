package handler

import (
	"time"

	"danmu-api-service/internal/appstate"
	"danmu-api-service/internal/middleware"
	"danmu-api-service/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Routes groups every handler mounted by NewRouter
type Routes struct {
	Search      *SearchHandler
	Comment     *CommentHandler
	Admin       *AdminHandler
	State       *appstate.State
	Metrics     *repository.Metrics
	AdminAPIKey string
	// TrustedProxies may set X-Forwarded-For, nil means the peer address is the client IP
	TrustedProxies []string
}

// NewRouter builds the gin engine with middleware and all /api/v2 routes
func NewRouter(rt Routes) *gin.Engine {
	r := gin.New()
	// 限流按 ClientIP 计数，只有受信任的代理才能改写它
	if err := r.SetTrustedProxies(rt.TrustedProxies); err != nil {
		log.Warn().Err(err).Strs("proxies", rt.TrustedProxies).Msg("Invalid trusted proxies, using peer address")
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(gin.Recovery())
	r.Use(middleware.RequestRecord(rt.State.Requests))
	r.Use(middleware.Logging())
	r.Use(middleware.Metrics(rt.Metrics))
	r.Use(middleware.CORS())

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	// API routes - 公开访问
	api := r.Group("/api/v2")
	{
		api.GET("/status", rt.Admin.GetStatus)
		api.GET("/search/anime", rt.Search.SearchAnime)
		api.GET("/search/episodes", rt.Search.SearchEpisodes)
		api.POST("/match", rt.Search.Match)
		api.GET("/bangumi/:animeId", rt.Search.GetBangumi)
		api.GET("/comment/:commentId", rt.Comment.GetComment)
		api.GET("/comment", rt.Comment.GetCommentByURL)
		api.POST("/segmentcomment", rt.Comment.GetSegmentComment)
		api.GET("/segments", rt.Comment.ListSegments)
	}

	// Admin routes - 需要认证（如果配置了 ADMIN_API_KEY）
	admin := r.Group("/api/v2/admin")
	admin.Use(middleware.AdminAuth(rt.AdminAPIKey))
	{
		admin.GET("/requests", rt.Admin.GetRequests)
		admin.GET("/analytics", rt.Admin.GetAnalytics)
		admin.GET("/analytics/endpoint", rt.Admin.GetEndpointStats)
		admin.DELETE("/analytics", rt.Admin.ResetAnalytics)
		admin.DELETE("/cache", rt.Admin.ClearCache)
		admin.DELETE("/ids", rt.Admin.ResetIDs)
	}

	return r
}
