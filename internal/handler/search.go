package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"danmu-api-service/internal/model"
	"danmu-api-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// SearchHandler handles search, match and bangumi requests
type SearchHandler struct {
	orchestrator *service.Orchestrator
}

// NewSearchHandler creates a new SearchHandler
func NewSearchHandler(orchestrator *service.Orchestrator) *SearchHandler {
	return &SearchHandler{orchestrator: orchestrator}
}

// SearchAnime handles anime search
// GET /api/v2/search/anime?keyword=胆大党
func (h *SearchHandler) SearchAnime(c *gin.Context) {
	keyword := strings.TrimSpace(c.Query("keyword"))
	if keyword == "" {
		fail(c, model.Validation("缺少搜索关键词参数 keyword"))
		return
	}

	log.Info().Str("keyword", keyword).Msg("🔍 搜索番剧")

	animes, err := h.orchestrator.SearchAnime(c.Request.Context(), keyword)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		fail(c, err)
		return
	}
	if animes == nil {
		animes = []model.Anime{}
	}

	c.JSON(http.StatusOK, searchAnimeResponse{APIResponse: model.OK(), Animes: animes})
}

// SearchEpisodes handles episode search for a free-form title
// GET /api/v2/search/episodes?anime=胆大党&episode=2
func (h *SearchHandler) SearchEpisodes(c *gin.Context) {
	anime := strings.TrimSpace(c.Query("anime"))
	if anime == "" {
		fail(c, model.Validation("缺少参数 anime"))
		return
	}

	episode := 0
	if raw := c.Query("episode"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			fail(c, model.Validation("无效的 episode 参数: %s", raw))
			return
		}
		episode = n
	}

	animes, err := h.orchestrator.SearchEpisodes(c.Request.Context(), anime, episode)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		fail(c, err)
		return
	}
	if animes == nil {
		animes = []model.AnimeWithEpisodes{}
	}

	c.JSON(http.StatusOK, searchEpisodesResponse{APIResponse: model.OK(), Animes: animes})
}

// Match resolves a video file name to one episode
// POST /api/v2/match (body: { fileName, fileHash, fileSize, matchMode })
func (h *SearchHandler) Match(c *gin.Context) {
	var req model.MatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, model.Validation("无效的请求体"))
		return
	}
	if strings.TrimSpace(req.FileName) == "" {
		fail(c, model.Validation("缺少 fileName"))
		return
	}

	matches, err := h.orchestrator.Match(c.Request.Context(), req)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		fail(c, err)
		return
	}
	if len(matches) == 0 {
		log.Info().Str("file", req.FileName).Msg("未匹配到剧集")
		c.JSON(http.StatusOK, matchResponse{APIResponse: model.OK(), Matches: []model.MatchResult{}})
		return
	}

	log.Info().
		Str("file", req.FileName).
		Str("anime", matches[0].AnimeTitle).
		Str("episode", matches[0].EpisodeTitle).
		Msg("✅ 匹配成功")
	c.JSON(http.StatusOK, matchResponse{APIResponse: model.OK(), IsMatched: true, Matches: matches})
}

// GetBangumi returns the episodes of a cached anime
// GET /api/v2/bangumi/:animeId
func (h *SearchHandler) GetBangumi(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("animeId"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, model.Validation("无效的番剧 ID: %s", c.Param("animeId")))
		return
	}

	bangumi, err := h.orchestrator.Bangumi(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, bangumiResponse{APIResponse: model.OK(), Bangumi: bangumi})
}
