package source

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"danmu-api-service/internal/danmaku"
	"danmu-api-service/internal/model"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	bilibiliAPIBase = "https://api.bilibili.com"
	bilibiliWebBase = "https://www.bilibili.com"

	// seg.so 每段 6 分钟
	bilibiliSegmentSeconds = 360
)

var (
	biliSeasonURL  = regexp.MustCompile(`/bangumi/play/ss(\d+)`)
	biliEpisodeURL = regexp.MustCompile(`/bangumi/play/ep(\d+)`)
	biliVideoURL   = regexp.MustCompile(`/video/(BV[0-9A-Za-z]{10}|av\d+)`)
)

// BilibiliSource covers bangumi/movie seasons and plain BV videos
type BilibiliSource struct {
	client  Fetcher
	cookie  string
	apiBase string
	webBase string
}

// NewBilibili creates a bilibili adapter, cookie may be empty
func NewBilibili(client Fetcher, cookie string) *BilibiliSource {
	return &BilibiliSource{
		client:  client,
		cookie:  cookie,
		apiBase: bilibiliAPIBase,
		webBase: bilibiliWebBase,
	}
}

func (s *BilibiliSource) Name() Name { return Bilibili }

// biliResponse is the common {code, message, data|result} envelope
type biliResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Result  json.RawMessage `json:"result"`
}

func (s *BilibiliSource) headers() map[string]string {
	h := map[string]string{"Referer": s.webBase + "/"}
	if s.cookie != "" {
		h["Cookie"] = s.cookie
	}
	return h
}

// call fetches an API path and decodes data (or result for pgc endpoints) into dest
func (s *BilibiliSource) call(ctx context.Context, path string, query url.Values, dest interface{}) error {
	body, err := s.client.Get(ctx, string(Bilibili), s.apiBase+path+"?"+query.Encode(), s.headers())
	if err != nil {
		return model.Upstream(err, "bilibili 请求失败")
	}

	var resp biliResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.Upstream(err, "bilibili 响应解析失败")
	}
	if resp.Code != 0 {
		return model.Upstream(fmt.Errorf("code %d: %s", resp.Code, resp.Message), "bilibili 接口错误")
	}

	payload := resp.Data
	if len(payload) == 0 || string(payload) == "null" {
		payload = resp.Result
	}
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return model.Upstream(err, "bilibili 数据解析失败")
	}
	return nil
}

// ================== 搜索 ==================

type biliSearchData struct {
	Result []struct {
		SeasonID       int64  `json:"season_id"`
		Title          string `json:"title"`
		Cover          string `json:"cover"`
		SeasonTypeName string `json:"season_type_name"`
		PubTime        int64  `json:"pubtime"`
		EpSize         int    `json:"ep_size"`
		URL            string `json:"url"`
	} `json:"result"`
}

func (s *BilibiliSource) Search(ctx context.Context, keyword string) ([]model.Anime, error) {
	var (
		out      []model.Anime
		seen     = map[int64]bool{}
		firstErr error
	)
	// 番剧和影视分两次搜索
	for _, searchType := range []string{"media_bangumi", "media_ft"} {
		var data biliSearchData
		err := s.call(ctx, "/x/web-interface/search/type", url.Values{
			"search_type": {searchType},
			"keyword":     {keyword},
		}, &data)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		for _, r := range data.Result {
			if seen[r.SeasonID] {
				continue
			}
			seen[r.SeasonID] = true

			year := 0
			if r.PubTime > 0 {
				year = time.Unix(r.PubTime, 0).Year()
			}
			out = append(out, model.Anime{
				AnimeTitle:      stripTags(r.Title),
				Type:            typeFromDescription(r.SeasonTypeName),
				TypeDescription: r.SeasonTypeName,
				ImageURL:        r.Cover,
				Year:            year,
				EpisodeCount:    r.EpSize,
				Source:          string(Bilibili),
				RawURL:          fmt.Sprintf("%s/bangumi/play/ss%d", s.webBase, r.SeasonID),
			})
		}
	}

	// 两次都失败才算失败
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// ================== 剧集 ==================

type biliSeason struct {
	Episodes []biliEpisode `json:"episodes"`
}

type biliEpisode struct {
	ID        int64  `json:"id"`
	CID       int64  `json:"cid"`
	Title     string `json:"title"`
	LongTitle string `json:"long_title"`
	Duration  int64  `json:"duration"` // 毫秒
	Link      string `json:"link"`
}

type biliView struct {
	BVID     string `json:"bvid"`
	Title    string `json:"title"`
	CID      int64  `json:"cid"`
	Duration int64  `json:"duration"` // 秒
	Pages    []struct {
		CID      int64  `json:"cid"`
		Page     int    `json:"page"`
		Part     string `json:"part"`
		Duration int64  `json:"duration"`
	} `json:"pages"`
}

func (s *BilibiliSource) ListEpisodes(ctx context.Context, animeURL string) ([]model.EpisodeInfo, error) {
	if m := biliSeasonURL.FindStringSubmatch(animeURL); m != nil {
		season, err := s.season(ctx, url.Values{"season_id": {m[1]}})
		if err != nil {
			return nil, err
		}
		out := make([]model.EpisodeInfo, 0, len(season.Episodes))
		for i, ep := range season.Episodes {
			title := strings.TrimSpace(ep.Title + " " + ep.LongTitle)
			out = append(out, model.EpisodeInfo{
				Title:  title,
				Number: episodeNumber(ep.Title, i+1),
				URL:    fmt.Sprintf("%s/bangumi/play/ep%d", s.webBase, ep.ID),
			})
		}
		return out, nil
	}

	if m := biliVideoURL.FindStringSubmatch(animeURL); m != nil {
		view, err := s.view(ctx, m[1])
		if err != nil {
			return nil, err
		}
		out := make([]model.EpisodeInfo, 0, len(view.Pages))
		for _, p := range view.Pages {
			out = append(out, model.EpisodeInfo{
				Title:  p.Part,
				Number: p.Page,
				URL:    fmt.Sprintf("%s/video/%s?p=%d", s.webBase, m[1], p.Page),
			})
		}
		return out, nil
	}

	return nil, model.Validation("无效的 bilibili 地址: %s", animeURL)
}

func (s *BilibiliSource) season(ctx context.Context, query url.Values) (*biliSeason, error) {
	var season biliSeason
	if err := s.call(ctx, "/pgc/view/web/season", query, &season); err != nil {
		return nil, err
	}
	return &season, nil
}

func (s *BilibiliSource) view(ctx context.Context, id string) (*biliView, error) {
	query := url.Values{"bvid": {id}}
	if strings.HasPrefix(id, "av") {
		query = url.Values{"aid": {strings.TrimPrefix(id, "av")}}
	}
	var view biliView
	if err := s.call(ctx, "/x/web-interface/view", query, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// ================== 弹幕 ==================

// resolveCID maps an episode or video URL to its cid and duration in seconds
func (s *BilibiliSource) resolveCID(ctx context.Context, episodeURL string) (int64, float64, error) {
	if m := biliEpisodeURL.FindStringSubmatch(episodeURL); m != nil {
		season, err := s.season(ctx, url.Values{"ep_id": {m[1]}})
		if err != nil {
			return 0, 0, err
		}
		epID, _ := strconv.ParseInt(m[1], 10, 64)
		for _, ep := range season.Episodes {
			if ep.ID == epID {
				return ep.CID, float64(ep.Duration) / 1000, nil
			}
		}
		return 0, 0, model.NotFound("bilibili 剧集 ep%s 不存在", m[1])
	}

	if m := biliVideoURL.FindStringSubmatch(episodeURL); m != nil {
		view, err := s.view(ctx, m[1])
		if err != nil {
			return 0, 0, err
		}
		page := 1
		if u, err := url.Parse(episodeURL); err == nil {
			if p, err := strconv.Atoi(u.Query().Get("p")); err == nil && p > 0 {
				page = p
			}
		}
		for _, p := range view.Pages {
			if p.Page == page {
				return p.CID, float64(p.Duration), nil
			}
		}
		return view.CID, float64(view.Duration), nil
	}

	return 0, 0, model.Validation("无效的 bilibili 剧集地址: %s", episodeURL)
}

func (s *BilibiliSource) FetchComments(ctx context.Context, episodeURL string) (*danmaku.Raw, error) {
	cid, duration, err := s.resolveCID(ctx, episodeURL)
	if err != nil {
		return nil, err
	}

	segments := int(math.Ceil(duration / bilibiliSegmentSeconds))
	if segments < 1 {
		segments = 1
	}

	chunks := make([][]byte, segments)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range chunks {
		g.Go(func() error {
			target := fmt.Sprintf("%s/x/v2/dm/web/seg.so?%s", s.apiBase, url.Values{
				"type":          {"1"},
				"oid":           {strconv.FormatInt(cid, 10)},
				"segment_index": {strconv.Itoa(i + 1)},
			}.Encode())
			body, err := s.client.Get(gctx, string(Bilibili), target, s.headers())
			if err != nil {
				// 单段失败不影响其余分段
				log.Warn().Err(err).Int64("cid", cid).Int("segment", i+1).Msg("bilibili segment fetch failed")
				return nil
			}
			chunks[i] = body
			return nil
		})
	}
	_ = g.Wait()

	fetched := chunks[:0]
	for _, c := range chunks {
		if c != nil {
			fetched = append(fetched, c)
		}
	}
	if len(fetched) == 0 {
		return nil, model.Upstream(fmt.Errorf("cid %d: no segment fetched", cid), "bilibili 弹幕获取失败")
	}

	return &danmaku.Raw{
		Source:   string(Bilibili),
		Format:   danmaku.FormatBilibiliProto,
		Duration: duration,
		Chunks:   fetched,
	}, nil
}

func (s *BilibiliSource) Handles(episodeURL string) bool {
	return hostMatches(episodeURL, hostOf(s.webBase), "bilibili.com") &&
		(biliEpisodeURL.MatchString(episodeURL) || biliVideoURL.MatchString(episodeURL))
}
