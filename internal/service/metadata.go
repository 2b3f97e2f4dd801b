package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync/atomic"

	"danmu-api-service/internal/matcher"
	"danmu-api-service/internal/model"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// TitleResolver looks up other-language titles of a work, e.g. the Japanese
// original of a Chinese title
type TitleResolver interface {
	OriginalTitles(ctx context.Context, title string) ([]string, error)
}

// Fetcher is the subset of httpclient.Client the metadata services need
type Fetcher interface {
	Get(ctx context.Context, source, targetURL string, headers map[string]string) ([]byte, error)
}

// ================== TMDB ==================

// TMDBService handles TMDB API interactions with key rotation
type TMDBService struct {
	client   Fetcher
	apiKeys  []string
	baseURL  string
	keyIndex uint64 // 原子计数器，用于轮询
}

// NewTMDBService creates a new TMDBService with multiple API keys
func NewTMDBService(client Fetcher, apiKeys []string, baseURL string) *TMDBService {
	if len(apiKeys) > 0 {
		log.Info().Int("count", len(apiKeys)).Msg("🔑 TMDB API Keys 已配置，启用轮询模式")
	}
	return &TMDBService{
		client:  client,
		apiKeys: apiKeys,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// getNextKey returns the next API key using round-robin
func (s *TMDBService) getNextKey() string {
	if len(s.apiKeys) == 0 {
		return ""
	}
	idx := atomic.AddUint64(&s.keyIndex, 1) - 1
	return s.apiKeys[idx%uint64(len(s.apiKeys))]
}

// TMDBSearchResult is one entry of search/multi, movies use title and tv uses name
type TMDBSearchResult struct {
	ID               int     `json:"id"`
	MediaType        string  `json:"media_type"`
	Title            string  `json:"title"`
	Name             string  `json:"name"`
	OriginalTitle    string  `json:"original_title"`
	OriginalName     string  `json:"original_name"`
	OriginalLanguage string  `json:"original_language"`
	VoteAverage      float64 `json:"vote_average"`
	Popularity       float64 `json:"popularity"`
}

func (r TMDBSearchResult) localTitle() string {
	return lo.Ternary(r.Title != "", r.Title, r.Name)
}

func (r TMDBSearchResult) originalTitle() string {
	return lo.Ternary(r.OriginalTitle != "", r.OriginalTitle, r.OriginalName)
}

// TMDBSearchResponse is the TMDB search API response
type TMDBSearchResponse struct {
	Results []TMDBSearchResult `json:"results"`
}

// OriginalTitles searches TMDB and returns the original title of the best match
func (s *TMDBService) OriginalTitles(ctx context.Context, title string) ([]string, error) {
	apiKey := s.getNextKey()
	if apiKey == "" {
		return nil, nil
	}

	searchURL := fmt.Sprintf("%s/search/multi?query=%s&language=zh-CN",
		s.baseURL, url.QueryEscape(title))
	data, err := s.client.Get(ctx, "tmdb", searchURL, map[string]string{
		"Accept":        "application/json",
		"Authorization": "Bearer " + apiKey,
	})
	if err != nil {
		return nil, model.Upstream(err, "TMDB 搜索失败")
	}

	var result TMDBSearchResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, model.Upstream(err, "TMDB 响应解析失败")
	}
	if len(result.Results) == 0 {
		log.Debug().Str("title", title).Msg("TMDB: no results found")
		return nil, nil
	}

	best := findBestMatch(result.Results, title)
	if best == nil {
		return nil, nil
	}
	log.Debug().
		Str("title", title).
		Str("matched", best.localTitle()).
		Str("original", best.originalTitle()).
		Msg("TMDB: matched")

	return lo.Uniq(lo.Compact([]string{best.originalTitle(), best.localTitle()})), nil
}

// findBestMatch scores results by title closeness, rating and popularity
func findBestMatch(results []TMDBSearchResult, searchTitle string) *TMDBSearchResult {
	var bestMatch *TMDBSearchResult
	bestScore := 0.0

	for i := range results {
		result := &results[i]
		if result.MediaType == "person" || result.originalTitle() == "" {
			continue
		}

		score := matcher.Similarity(result.localTitle(), searchTitle) * 100
		if strings.Contains(result.localTitle(), searchTitle) || strings.Contains(searchTitle, result.localTitle()) {
			score += 25
		}
		// 动画多为日语原作
		if result.OriginalLanguage == "ja" {
			score += 10
		}
		score += result.VoteAverage * 2
		score += math.Log10(result.Popularity+1) * 5

		if score > bestScore {
			bestScore = score
			bestMatch = result
		}
	}
	return bestMatch
}

// IsConfigured returns true if TMDB is configured
func (s *TMDBService) IsConfigured() bool {
	return len(s.apiKeys) > 0
}

// KeyCount returns the number of configured API keys
func (s *TMDBService) KeyCount() int {
	return len(s.apiKeys)
}

// ================== Douban ==================

const doubanBase = "https://movie.douban.com"

// DoubanService reads sub titles from douban search suggestions
type DoubanService struct {
	client  Fetcher
	baseURL string
}

// NewDoubanService creates a new DoubanService
func NewDoubanService(client Fetcher) *DoubanService {
	return &DoubanService{client: client, baseURL: doubanBase}
}

// SuggestItem is one entry of subject_suggest
type SuggestItem struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	SubTitle string `json:"sub_title"`
	Year     string `json:"year"`
	Type     string `json:"type"`
}

// OriginalTitles returns the sub titles of suggestions close to title
func (s *DoubanService) OriginalTitles(ctx context.Context, title string) ([]string, error) {
	u := fmt.Sprintf("%s/j/subject_suggest?q=%s", s.baseURL, url.QueryEscape(title))

	data, err := s.client.Get(ctx, "douban", u, map[string]string{"Referer": s.baseURL + "/"})
	if err != nil {
		return nil, model.Upstream(err, "豆瓣搜索失败")
	}

	var items []SuggestItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, model.Upstream(err, "豆瓣响应解析失败")
	}

	titles := lo.FilterMap(items, func(it SuggestItem, _ int) (string, bool) {
		return strings.TrimSpace(it.SubTitle), it.SubTitle != "" && matcher.Similarity(it.Title, title) >= matcher.LooseThreshold
	})
	return lo.Uniq(titles), nil
}

// ================== 组合 ==================

// Resolvers queries each resolver in turn and unions the titles, failures are skipped
type Resolvers []TitleResolver

func (rs Resolvers) OriginalTitles(ctx context.Context, title string) ([]string, error) {
	var out []string
	for _, r := range rs {
		titles, err := r.OriginalTitles(ctx, title)
		if err != nil {
			log.Warn().Err(err).Str("title", title).Msg("Original title lookup failed")
			continue
		}
		out = append(out, titles...)
	}
	return lo.Uniq(out), nil
}
