package handler

import (
	"net/http"
	"strconv"

	"danmu-api-service/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// cacheSource marks a response served from cache so the metrics middleware can count it
const cacheSource = "cache"

// retryAfterSeconds matches the rate limit window
const retryAfterSeconds = 60

// fail writes the error envelope. Internal details only go to the log.
func fail(c *gin.Context, err error) {
	status, msg := model.StatusOf(err)

	event := log.Debug()
	switch {
	case status == http.StatusBadGateway:
		event = log.Warn()
	case status >= http.StatusInternalServerError:
		event = log.Error()
	}
	event.Err(err).Str("path", c.Request.URL.Path).Int("status", status).Msg("Request failed")

	if status == http.StatusTooManyRequests {
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	c.AbortWithStatusJSON(status, model.APIResponse{
		ErrorCode:    status,
		Success:      false,
		ErrorMessage: msg,
	})
}

func markCached(c *gin.Context, cached bool) {
	if cached {
		c.Set("cache_source", cacheSource)
	}
}

// ================== 响应体 ==================

type searchAnimeResponse struct {
	model.APIResponse
	Animes []model.Anime `json:"animes"`
}

type searchEpisodesResponse struct {
	model.APIResponse
	HasMore bool                      `json:"hasMore"`
	Animes  []model.AnimeWithEpisodes `json:"animes"`
}

type matchResponse struct {
	model.APIResponse
	IsMatched bool                `json:"isMatched"`
	Matches   []model.MatchResult `json:"matches"`
}

type bangumiResponse struct {
	model.APIResponse
	Bangumi *model.Bangumi `json:"bangumi"`
}

type segmentsResponse struct {
	model.APIResponse
	Segments []model.Segment `json:"segments"`
}
