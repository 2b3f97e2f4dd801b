package source

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"danmu-api-service/internal/danmaku"
	"danmu-api-service/internal/model"
)

const dandanBaseURL = "https://api.dandanplay.net"

// DandanSource talks to the dandanplay open API
type DandanSource struct {
	client  Fetcher
	appID   string
	secret  string
	baseURL string
	now     func() time.Time
}

// NewDandan creates a dandanplay adapter
func NewDandan(client Fetcher, appID, secret string) *DandanSource {
	return &DandanSource{
		client:  client,
		appID:   appID,
		secret:  secret,
		baseURL: dandanBaseURL,
		now:     time.Now,
	}
}

func (s *DandanSource) Name() Name { return Dandan }

// headers signs a request: base64(sha256(appId + timestamp + path + secret))
func (s *DandanSource) headers(path string) map[string]string {
	ts := strconv.FormatInt(s.now().Unix(), 10)
	sum := sha256.Sum256([]byte(s.appID + ts + path + s.secret))
	return map[string]string{
		"X-AppId":     s.appID,
		"X-Timestamp": ts,
		"X-Signature": base64.StdEncoding.EncodeToString(sum[:]),
	}
}

func (s *DandanSource) get(ctx context.Context, path string, query url.Values, dest interface{}) error {
	target := s.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	body, err := s.client.Get(ctx, string(Dandan), target, s.headers(path))
	if err != nil {
		return model.Upstream(err, "dandan 请求失败")
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return model.Upstream(err, "dandan 响应解析失败")
	}
	return nil
}

type dandanSearchResponse struct {
	Success bool `json:"success"`
	Animes  []struct {
		AnimeID         int64  `json:"animeId"`
		AnimeTitle      string `json:"animeTitle"`
		Type            string `json:"type"`
		TypeDescription string `json:"typeDescription"`
		ImageURL        string `json:"imageUrl"`
		StartDate       string `json:"startDate"`
		EpisodeCount    int    `json:"episodeCount"`
	} `json:"animes"`
}

func (s *DandanSource) Search(ctx context.Context, keyword string) ([]model.Anime, error) {
	var resp dandanSearchResponse
	if err := s.get(ctx, "/api/v2/search/anime", url.Values{"keyword": {keyword}}, &resp); err != nil {
		return nil, err
	}

	out := make([]model.Anime, 0, len(resp.Animes))
	for _, a := range resp.Animes {
		year := 0
		if len(a.StartDate) >= 4 {
			year, _ = strconv.Atoi(a.StartDate[:4])
		}
		typ := a.Type
		if typ == "" {
			typ = typeFromDescription(a.TypeDescription)
		}
		out = append(out, model.Anime{
			AnimeTitle:      a.AnimeTitle,
			Type:            typ,
			TypeDescription: a.TypeDescription,
			ImageURL:        a.ImageURL,
			Year:            year,
			EpisodeCount:    a.EpisodeCount,
			Source:          string(Dandan),
			RawURL:          fmt.Sprintf("%s/api/v2/bangumi/%d", s.baseURL, a.AnimeID),
		})
	}
	return out, nil
}

type dandanBangumiResponse struct {
	Bangumi struct {
		Episodes []struct {
			EpisodeID     int64  `json:"episodeId"`
			EpisodeTitle  string `json:"episodeTitle"`
			EpisodeNumber string `json:"episodeNumber"`
		} `json:"episodes"`
	} `json:"bangumi"`
}

func (s *DandanSource) ListEpisodes(ctx context.Context, animeURL string) ([]model.EpisodeInfo, error) {
	u, err := url.Parse(animeURL)
	if err != nil || !strings.HasPrefix(u.Path, "/api/v2/bangumi/") {
		return nil, model.Validation("无效的 dandan 番剧地址: %s", animeURL)
	}

	var resp dandanBangumiResponse
	if err := s.get(ctx, u.Path, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]model.EpisodeInfo, 0, len(resp.Bangumi.Episodes))
	for i, ep := range resp.Bangumi.Episodes {
		n, err := strconv.Atoi(ep.EpisodeNumber)
		if err != nil {
			n = episodeNumber(ep.EpisodeTitle, i+1)
		}
		out = append(out, model.EpisodeInfo{
			Title:  ep.EpisodeTitle,
			Number: n,
			URL:    fmt.Sprintf("%s/api/v2/comment/%d", s.baseURL, ep.EpisodeID),
		})
	}
	return out, nil
}

func (s *DandanSource) FetchComments(ctx context.Context, episodeURL string) (*danmaku.Raw, error) {
	u, err := url.Parse(episodeURL)
	if err != nil || !strings.HasPrefix(u.Path, "/api/v2/comment/") {
		return nil, model.Validation("无效的 dandan 剧集地址: %s", episodeURL)
	}

	target := s.baseURL + u.Path + "?" + url.Values{"withRelated": {"true"}, "chConvert": {"0"}}.Encode()
	body, err := s.client.Get(ctx, string(Dandan), target, s.headers(u.Path))
	if err != nil {
		return nil, model.Upstream(err, "dandan 弹幕获取失败")
	}
	return &danmaku.Raw{Source: string(Dandan), Format: danmaku.FormatDandanJSON, Chunks: [][]byte{body}}, nil
}

func (s *DandanSource) Handles(episodeURL string) bool {
	return hostMatches(episodeURL, hostOf(s.baseURL)) && strings.Contains(episodeURL, "/api/v2/comment/")
}
