package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"danmu-api-service/internal/appstate"
	"danmu-api-service/internal/config"
	"danmu-api-service/internal/danmaku"
	"danmu-api-service/internal/model"
	"danmu-api-service/internal/repository"
	"danmu-api-service/internal/segment"
	"danmu-api-service/internal/service"
	"danmu-api-service/internal/source"
	"danmu-api-service/pkg/httpclient"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeSource answers every search with its catalogue, URLs look like https://<name>/...
type fakeSource struct {
	name     source.Name
	animes   []model.Anime
	episodes map[string][]model.EpisodeInfo
	comments map[string][]model.Comment
}

func newFakeSource(name string) *fakeSource {
	return &fakeSource{
		name:     source.Name(name),
		episodes: map[string][]model.EpisodeInfo{},
		comments: map[string][]model.Comment{},
	}
}

func (f *fakeSource) withAnime(title, id string, episodes int) *fakeSource {
	animeURL := fmt.Sprintf("https://%s/anime/%s", f.name, id)
	f.animes = append(f.animes, model.Anime{
		AnimeTitle: title,
		Type:       model.TypeTVSeries,
		Source:     string(f.name),
		RawURL:     animeURL,
	})
	for i := 1; i <= episodes; i++ {
		epURL := fmt.Sprintf("https://%s/ep/%s-%d", f.name, id, i)
		f.episodes[animeURL] = append(f.episodes[animeURL], model.EpisodeInfo{
			Title:  fmt.Sprintf("第%d话", i),
			Number: i,
			URL:    epURL,
		})
		f.comments[epURL] = []model.Comment{
			{CID: int64(i*10 + 1), Time: 10, Text: "开心"},
			{CID: int64(i*10 + 2), Time: 75, Text: "来了"},
		}
	}
	return f
}

func (f *fakeSource) Name() source.Name { return f.name }

func (f *fakeSource) Search(context.Context, string) ([]model.Anime, error) {
	return append([]model.Anime(nil), f.animes...), nil
}

func (f *fakeSource) ListEpisodes(_ context.Context, animeURL string) ([]model.EpisodeInfo, error) {
	return f.episodes[animeURL], nil
}

func (f *fakeSource) FetchComments(_ context.Context, episodeURL string) (*danmaku.Raw, error) {
	type item struct {
		CID int64  `json:"cid"`
		P   string `json:"p"`
		M   string `json:"m"`
	}
	items := []item{}
	for _, c := range f.comments[episodeURL] {
		items = append(items, item{CID: c.CID, P: fmt.Sprintf("%g,1,16777215,u", c.Time), M: c.Text})
	}
	chunk, err := json.Marshal(map[string]interface{}{"comments": items})
	if err != nil {
		return nil, err
	}
	return &danmaku.Raw{Source: string(f.name), Format: danmaku.FormatDandanJSON, Chunks: [][]byte{chunk}}, nil
}

func (f *fakeSource) Handles(episodeURL string) bool {
	return strings.HasPrefix(episodeURL, "https://"+string(f.name)+"/")
}

type testEnv struct {
	router *gin.Engine
	state  *appstate.State
}

type envOptions struct {
	rateLimit      int
	adminKey       string
	metrics        *repository.Metrics
	trustedProxies []string
}

func newTestEnv(t *testing.T, opts envOptions, adapters ...source.Adapter) *testEnv {
	t.Helper()

	state := appstate.New(50, opts.rateLimit, 100)
	kv := repository.NewMemoryCache(time.Hour)
	t.Cleanup(func() { _ = kv.Close() })

	registry := source.NewRegistry(adapters...)
	orchestrator := service.NewOrchestrator(registry, state.IDs, opts.metrics, nil, service.Options{
		Order:   registry.Names(),
		Timeout: time.Second,
	})
	danmu := service.NewDanmuService(
		registry,
		state.IDs,
		state.Limiter,
		kv,
		segment.New(kv, time.Minute, time.Hour),
		opts.metrics,
		service.DanmuOptions{GroupMinutes: 1, CacheTTL: time.Hour, Timeout: time.Second},
	)

	router := NewRouter(Routes{
		Search:         NewSearchHandler(orchestrator),
		Comment:        NewCommentHandler(danmu, danmaku.Options{}),
		Admin:          NewAdminHandler(state, danmu, kv, opts.metrics, registry, StatusInfo{Order: registry.Names()}),
		State:          state,
		Metrics:        opts.metrics,
		AdminAPIKey:    opts.adminKey,
		TrustedProxies: opts.trustedProxies,
	})
	return &testEnv{router: router, state: state}
}

func (e *testEnv) do(method, target string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func searchPath(keyword string) string {
	return "/api/v2/search/anime?keyword=" + url.QueryEscape(keyword)
}

// ================== 搜索 / 匹配 ==================

func TestHealth(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	w := env.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestSearchAnime(t *testing.T) {
	env := newTestEnv(t, envOptions{}, newFakeSource("bilibili").withAnime("胆大党", "1", 3))

	w := env.do(http.MethodGet, searchPath("胆大党"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[searchAnimeResponse](t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, 0, resp.ErrorCode)
	require.Len(t, resp.Animes, 1)
	assert.Equal(t, int64(1), resp.Animes[0].AnimeID)
	assert.Equal(t, "bilibili", resp.Animes[0].Source)
}

func TestSearchAnimeErrors(t *testing.T) {
	t.Run("missing keyword", func(t *testing.T) {
		env := newTestEnv(t, envOptions{})
		w := env.do(http.MethodGet, "/api/v2/search/anime", nil)
		require.Equal(t, http.StatusBadRequest, w.Code)

		resp := decode[model.APIResponse](t, w)
		assert.False(t, resp.Success)
		assert.Equal(t, http.StatusBadRequest, resp.ErrorCode)
		assert.NotEmpty(t, resp.ErrorMessage)
	})

	t.Run("no results is an empty list", func(t *testing.T) {
		env := newTestEnv(t, envOptions{}, newFakeSource("bilibili"))
		w := env.do(http.MethodGet, searchPath("不存在"), nil)
		require.Equal(t, http.StatusOK, w.Code)

		resp := decode[searchAnimeResponse](t, w)
		assert.True(t, resp.Success)
		assert.NotNil(t, resp.Animes)
		assert.Empty(t, resp.Animes)
	})
}

func TestSearchEpisodes(t *testing.T) {
	env := newTestEnv(t, envOptions{}, newFakeSource("bilibili").withAnime("胆大党", "1", 3))

	w := env.do(http.MethodGet, "/api/v2/search/episodes?anime="+url.QueryEscape("胆大党")+"&episode=2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[searchEpisodesResponse](t, w)
	require.Len(t, resp.Animes, 1)
	require.Len(t, resp.Animes[0].Episodes, 1)
	assert.Equal(t, "第2话", resp.Animes[0].Episodes[0].EpisodeTitle)

	w = env.do(http.MethodGet, "/api/v2/search/episodes?anime=x&episode=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMatch(t *testing.T) {
	env := newTestEnv(t, envOptions{}, newFakeSource("bilibili").withAnime("胆大党", "1", 3))

	w := env.do(http.MethodPost, "/api/v2/match", model.MatchRequest{FileName: "[Sub] 胆大党 - 02 [1080p].mkv"})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[matchResponse](t, w)
	assert.True(t, resp.IsMatched)
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, "第2话", resp.Matches[0].EpisodeTitle)
	assert.Equal(t, int64(10002), resp.Matches[0].EpisodeID)

	// 剧集不存在时返回未匹配而不是错误
	w = env.do(http.MethodPost, "/api/v2/match", model.MatchRequest{FileName: "胆大党 - 13.mkv"})
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[matchResponse](t, w)
	assert.False(t, resp.IsMatched)
	assert.Empty(t, resp.Matches)

	w = env.do(http.MethodPost, "/api/v2/match", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBangumi(t *testing.T) {
	env := newTestEnv(t, envOptions{}, newFakeSource("bilibili").withAnime("胆大党", "1", 3))

	w := env.do(http.MethodGet, "/api/v2/bangumi/1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "ids are only issued by search")

	env.do(http.MethodGet, searchPath("胆大党"), nil)
	w = env.do(http.MethodGet, "/api/v2/bangumi/1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[bangumiResponse](t, w)
	require.NotNil(t, resp.Bangumi)
	assert.Equal(t, "胆大党", resp.Bangumi.AnimeTitle)
	require.Len(t, resp.Bangumi.Episodes, 3)
	assert.Equal(t, int64(10001), resp.Bangumi.Episodes[0].EpisodeID)

	w = env.do(http.MethodGet, "/api/v2/bangumi/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ================== 弹幕 ==================

func TestCommentByEpisodeID(t *testing.T) {
	env := newTestEnv(t, envOptions{}, newFakeSource("bilibili").withAnime("胆大党", "1", 3))
	env.do(http.MethodGet, searchPath("胆大党"), nil)
	env.do(http.MethodGet, "/api/v2/bangumi/1", nil)

	t.Run("json", func(t *testing.T) {
		w := env.do(http.MethodGet, "/api/v2/comment/10001", nil)
		require.Equal(t, http.StatusOK, w.Code)

		resp := decode[danmaku.CommentResult](t, w)
		assert.Equal(t, 2, resp.Count)
		assert.Equal(t, "开心", resp.Comments[0].M)
	})

	t.Run("xml", func(t *testing.T) {
		w := env.do(http.MethodGet, "/api/v2/comment/10001?format=xml", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Header().Get("Content-Type"), "application/xml")
		assert.Contains(t, w.Body.String(), "<i>")
		assert.Contains(t, w.Body.String(), ">来了</d>")
	})

	t.Run("traditional", func(t *testing.T) {
		w := env.do(http.MethodGet, "/api/v2/comment/10001?chConvert=2", nil)
		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[danmaku.CommentResult](t, w)
		assert.Equal(t, "開心", resp.Comments[0].M)
	})

	t.Run("invalid params", func(t *testing.T) {
		for _, target := range []string{
			"/api/v2/comment/10001?chConvert=5",
			"/api/v2/comment/10001?format=csv",
			"/api/v2/comment/10001?withRelated=maybe",
			"/api/v2/comment/0",
		} {
			w := env.do(http.MethodGet, target, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code, target)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		w := env.do(http.MethodGet, "/api/v2/comment/90001", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestCommentRateLimit(t *testing.T) {
	env := newTestEnv(t, envOptions{rateLimit: 2}, newFakeSource("bilibili").withAnime("胆大党", "1", 3))

	get := func(ep int) *httptest.ResponseRecorder {
		return env.do(http.MethodGet, "/api/v2/comment?url="+url.QueryEscape(fmt.Sprintf("https://bilibili/ep/1-%d", ep)), nil)
	}

	assert.Equal(t, http.StatusOK, get(1).Code)
	assert.Equal(t, http.StatusOK, get(2).Code)

	w := get(3)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	resp := decode[model.APIResponse](t, w)
	assert.Equal(t, http.StatusTooManyRequests, resp.ErrorCode)

	// 已缓存的地址不计入限流
	assert.Equal(t, http.StatusOK, get(1).Code)

	w = env.do(http.MethodGet, "/api/v2/comment", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCommentRateLimitIgnoresUntrustedForwardedFor(t *testing.T) {
	fetch := func(env *testEnv, ep int) int {
		target := "/api/v2/comment?url=" + url.QueryEscape(fmt.Sprintf("https://bilibili/ep/1-%d", ep))
		// httptest 请求的对端地址固定为 192.0.2.1
		return env.do(http.MethodGet, target, nil, "X-Forwarded-For", fmt.Sprintf("10.0.0.%d", ep)).Code
	}

	t.Run("untrusted peer", func(t *testing.T) {
		env := newTestEnv(t, envOptions{rateLimit: 2}, newFakeSource("bilibili").withAnime("胆大党", "1", 5))

		assert.Equal(t, http.StatusOK, fetch(env, 1))
		assert.Equal(t, http.StatusOK, fetch(env, 2))
		for ep := 3; ep <= 5; ep++ {
			assert.Equal(t, http.StatusTooManyRequests, fetch(env, ep), "episode %d", ep)
		}
	})

	t.Run("trusted proxy", func(t *testing.T) {
		env := newTestEnv(t, envOptions{rateLimit: 2, trustedProxies: []string{"192.0.2.1"}},
			newFakeSource("bilibili").withAnime("胆大党", "1", 5))

		for ep := 1; ep <= 5; ep++ {
			assert.Equal(t, http.StatusOK, fetch(env, ep), "episode %d", ep)
		}
	})
}

func TestSegments(t *testing.T) {
	env := newTestEnv(t, envOptions{}, newFakeSource("bilibili").withAnime("胆大党", "1", 1))
	epURL := "https://bilibili/ep/1-1"

	w := env.do(http.MethodGet, "/api/v2/segments?url="+url.QueryEscape(epURL), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodPost, "/api/v2/segmentcomment", model.Segment{Source: "bilibili", URL: epURL, Start: 60, End: 120})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[danmaku.CommentResult](t, w)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "来了", resp.Comments[0].M)

	w = env.do(http.MethodGet, "/api/v2/segments?url="+url.QueryEscape(epURL), nil)
	require.Equal(t, http.StatusOK, w.Code)
	segs := decode[segmentsResponse](t, w)
	assert.NotEmpty(t, segs.Segments)

	w = env.do(http.MethodPost, "/api/v2/segmentcomment", model.Segment{URL: epURL, Start: 120, End: 60})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ================== 管理接口 ==================

func TestAdminAuth(t *testing.T) {
	env := newTestEnv(t, envOptions{adminKey: "secret"})

	tests := []struct {
		name    string
		target  string
		headers []string
		want    int
	}{
		{"missing key", "/api/v2/admin/requests", nil, http.StatusUnauthorized},
		{"wrong key", "/api/v2/admin/requests", []string{"Authorization", "Bearer nope"}, http.StatusForbidden},
		{"bearer", "/api/v2/admin/requests", []string{"Authorization", "Bearer secret"}, http.StatusOK},
		{"apikey prefix", "/api/v2/admin/requests", []string{"Authorization", "ApiKey secret"}, http.StatusOK},
		{"query param", "/api/v2/admin/requests?api_key=secret", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodGet, tt.target, nil, tt.headers...)
			assert.Equal(t, tt.want, w.Code)
		})
	}

	// 公开接口不需要认证
	w := env.do(http.MethodGet, "/api/v2/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestRecords(t *testing.T) {
	env := newTestEnv(t, envOptions{}, newFakeSource("bilibili").withAnime("胆大党", "1", 1))

	reqID := uuid.NewString()
	w := env.do(http.MethodGet, searchPath("胆大党"), nil, "X-Request-ID", reqID)
	assert.Equal(t, reqID, w.Header().Get("X-Request-ID"))

	w = env.do(http.MethodGet, "/api/v2/bangumi/1", nil, "X-Request-ID", "not-a-uuid")
	_, err := uuid.Parse(w.Header().Get("X-Request-ID"))
	assert.NoError(t, err, "invalid incoming ids are replaced")

	w = env.do(http.MethodGet, "/api/v2/admin/requests", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count int                   `json:"count"`
		Data  []model.RequestRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count, "admin calls are not recorded")
	assert.Equal(t, reqID, resp.Data[0].ID)
	assert.Equal(t, "/api/v2/search/anime", resp.Data[0].Path)
	assert.Equal(t, "胆大党", resp.Data[0].Params["keyword"])
	assert.Equal(t, "1", resp.Data[1].Params["animeId"])
}

func TestAdminResets(t *testing.T) {
	env := newTestEnv(t, envOptions{}, newFakeSource("bilibili").withAnime("胆大党", "1", 1))
	env.do(http.MethodGet, searchPath("胆大党"), nil)
	env.do(http.MethodGet, "/api/v2/comment?url="+url.QueryEscape("https://bilibili/ep/1-1"), nil)

	w := env.do(http.MethodDelete, "/api/v2/admin/cache", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "弹幕缓存已清除")

	w = env.do(http.MethodDelete, "/api/v2/admin/ids", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, env.state.IDs.Len())

	w = env.do(http.MethodGet, "/api/v2/bangumi/1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAnalytics(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	metrics := repository.NewMetrics(client)

	env := newTestEnv(t, envOptions{metrics: metrics}, newFakeSource("bilibili").withAnime("胆大党", "1", 1))
	env.do(http.MethodGet, searchPath("胆大党"), nil)
	env.do(http.MethodGet, searchPath("胆大党"), nil)

	w := env.do(http.MethodGet, "/api/v2/admin/analytics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var overall struct {
		Data repository.OverallStats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &overall))
	assert.Equal(t, int64(2), overall.Data.TotalAPICalls)

	w = env.do(http.MethodGet, "/api/v2/admin/analytics/endpoint?path=/api/v2/search/anime", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/api/v2/admin/analytics/endpoint", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodDelete, "/api/v2/admin/analytics", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

// ================== 真实数据源 ==================

// TestLiveSearchAndComments hits the real upstreams, run with DANMU_E2E=1
func TestLiveSearchAndComments(t *testing.T) {
	if os.Getenv("DANMU_E2E") != "1" {
		t.Skip("set DANMU_E2E=1 to query real sources")
	}

	cfg := config.Load()
	client := httpclient.NewClient(httpclient.Options{Timeout: 15 * time.Second, Retries: 1})
	registry := source.NewFromConfig(cfg, client)
	state := appstate.New(cfg.MaxAnimes, 0, 100)
	kv := repository.NewMemoryCache(time.Hour)

	opts := service.OptionsFromConfig(cfg)
	opts.Timeout = 15 * time.Second
	orchestrator := service.NewOrchestrator(registry, state.IDs, nil, nil, opts)
	danmu := service.NewDanmuService(registry, state.IDs, state.Limiter, kv, segment.New(kv, cfg.SegmentDuration, time.Hour), nil,
		service.DanmuOptions{GroupMinutes: cfg.GroupMinutes, CacheTTL: time.Hour, Timeout: 30 * time.Second})
	env := &testEnv{state: state, router: NewRouter(Routes{
		Search:  NewSearchHandler(orchestrator),
		Comment: NewCommentHandler(danmu, cfg.DanmakuOptions()),
		Admin:   NewAdminHandler(state, danmu, kv, nil, registry, StatusInfo{}),
		State:   state,
	})}

	w := env.do(http.MethodGet, searchPath("胆大党"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	search := decode[searchAnimeResponse](t, w)
	require.NotEmpty(t, search.Animes)
	t.Logf("found %d animes, first %s (%s)", len(search.Animes), search.Animes[0].AnimeTitle, search.Animes[0].Source)

	w = env.do(http.MethodGet, fmt.Sprintf("/api/v2/bangumi/%d", search.Animes[0].AnimeID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	bangumi := decode[bangumiResponse](t, w)
	require.NotEmpty(t, bangumi.Bangumi.Episodes)

	w = env.do(http.MethodGet, fmt.Sprintf("/api/v2/comment/%d", bangumi.Bangumi.Episodes[0].EpisodeID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	comments := decode[danmaku.CommentResult](t, w)
	assert.Positive(t, comments.Count)
}
