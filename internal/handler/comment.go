package handler

import (
	"net/http"
	"strconv"
	"strings"

	"danmu-api-service/internal/danmaku"
	"danmu-api-service/internal/model"
	"danmu-api-service/internal/service"

	"github.com/gin-gonic/gin"
)

// CommentHandler serves merged comments in dandanplay JSON or bilibili XML
type CommentHandler struct {
	danmu *service.DanmuService
	opts  danmaku.Options
}

// NewCommentHandler creates a new CommentHandler, opts are the configured transforms
func NewCommentHandler(danmu *service.DanmuService, opts danmaku.Options) *CommentHandler {
	return &CommentHandler{danmu: danmu, opts: opts}
}

// GetComment returns the comments of a cached episode
// GET /api/v2/comment/:commentId?format=json|xml&withRelated=true&chConvert=0|1|2
func (h *CommentHandler) GetComment(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("commentId"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, model.Validation("无效的弹幕 ID: %s", c.Param("commentId")))
		return
	}
	opts, err := h.options(c)
	if err != nil {
		fail(c, err)
		return
	}
	withRelated := true
	if raw := c.Query("withRelated"); raw != "" {
		if withRelated, err = strconv.ParseBool(raw); err != nil {
			fail(c, model.Validation("无效的 withRelated 参数: %s", raw))
			return
		}
	}

	result, err := h.danmu.CommentsByID(c.Request.Context(), id, withRelated, c.ClientIP())
	if err != nil {
		fail(c, err)
		return
	}
	h.render(c, result, opts)
}

// GetCommentByURL returns the comments of an upstream episode URL
// GET /api/v2/comment?url=https://www.bilibili.com/bangumi/play/ep836001&format=json
func (h *CommentHandler) GetCommentByURL(c *gin.Context) {
	url := strings.TrimSpace(c.Query("url"))
	if url == "" {
		fail(c, model.Validation("缺少参数 url"))
		return
	}
	opts, err := h.options(c)
	if err != nil {
		fail(c, err)
		return
	}

	result, err := h.danmu.CommentsByURL(c.Request.Context(), url, c.ClientIP())
	if err != nil {
		fail(c, err)
		return
	}
	h.render(c, result, opts)
}

// GetSegmentComment returns the comments of one time window
// POST /api/v2/segmentcomment?format=json (body: { source, url, segmentStart, segmentEnd })
func (h *CommentHandler) GetSegmentComment(c *gin.Context) {
	var seg model.Segment
	if err := c.ShouldBindJSON(&seg); err != nil {
		fail(c, model.Validation("无效的请求体"))
		return
	}
	opts, err := h.options(c)
	if err != nil {
		fail(c, err)
		return
	}

	result, err := h.danmu.SegmentComments(c.Request.Context(), seg, c.ClientIP())
	if err != nil {
		fail(c, err)
		return
	}
	h.render(c, result, opts)
}

// ListSegments returns the cached windows of an episode URL
// GET /api/v2/segments?url=
func (h *CommentHandler) ListSegments(c *gin.Context) {
	url := strings.TrimSpace(c.Query("url"))
	if url == "" {
		fail(c, model.Validation("缺少参数 url"))
		return
	}
	segments, ok := h.danmu.Segments(c.Request.Context(), url)
	if !ok {
		fail(c, model.NotFound("该地址没有缓存的分段"))
		return
	}
	c.JSON(http.StatusOK, segmentsResponse{APIResponse: model.OK(), Segments: segments})
}

// options returns the configured transforms with per-request overrides applied
func (h *CommentHandler) options(c *gin.Context) (danmaku.Options, error) {
	opts := h.opts
	if raw := c.Query("chConvert"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < danmaku.ChConvertNone || n > danmaku.ChConvertTraditional {
			return opts, model.Validation("无效的 chConvert 参数: %s", raw)
		}
		opts.ChConvert = n
	}
	switch format := c.DefaultQuery("format", "json"); format {
	case "json", "xml":
	default:
		return opts, model.Validation("不支持的格式: %s", format)
	}
	return opts, nil
}

func (h *CommentHandler) render(c *gin.Context, result *service.Comments, opts danmaku.Options) {
	markCached(c, result.Cached)
	comments := danmaku.Apply(result.Comments, opts)

	if c.DefaultQuery("format", "json") == "xml" {
		data, err := danmaku.MarshalXML(comments)
		if err != nil {
			fail(c, err)
			return
		}
		c.Data(http.StatusOK, "application/xml; charset=utf-8", data)
		return
	}
	c.JSON(http.StatusOK, danmaku.ToJSON(comments))
}
