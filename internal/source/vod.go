package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"danmu-api-service/internal/danmaku"
	"danmu-api-service/internal/model"

	"github.com/rs/zerolog/log"
)

// VodSource searches Apple-CMS compatible collection sites. Their episode
// URLs point at other platforms, so comments are fetched by those adapters.
type VodSource struct {
	client  Fetcher
	servers []vodServer

	// resolvable reports whether some other adapter can fetch comments for a url
	resolvable func(string) bool
}

type vodServer struct {
	name string
	base string
}

// NewVod creates an adapter over servers given as "url" or "name@url"
func NewVod(client Fetcher, servers []string) *VodSource {
	s := &VodSource{client: client, resolvable: func(string) bool { return true }}
	for i, raw := range servers {
		srv := vodServer{name: fmt.Sprintf("vod%d", i+1), base: raw}
		if at := strings.Index(raw, "@"); at > 0 && !strings.Contains(raw[:at], "://") {
			srv = vodServer{name: raw[:at], base: raw[at+1:]}
		}
		srv.base = strings.TrimRight(srv.base, "/")
		s.servers = append(s.servers, srv)
	}
	return s
}

func (s *VodSource) Name() Name { return Vod }

type vodResponse struct {
	Code int       `json:"code"`
	List []vodItem `json:"list"`
}

type vodItem struct {
	VodID       json.Number `json:"vod_id"`
	VodName     string      `json:"vod_name"`
	VodPic      string      `json:"vod_pic"`
	TypeName    string      `json:"type_name"`
	VodYear     string      `json:"vod_year"`
	VodRemarks  string      `json:"vod_remarks"`
	VodPlayFrom string      `json:"vod_play_from"`
	VodPlayURL  string      `json:"vod_play_url"`
}

func (s *VodSource) detail(ctx context.Context, target string) (*vodResponse, error) {
	body, err := s.client.Get(ctx, string(Vod), target, nil)
	if err != nil {
		return nil, model.Upstream(err, "vod 请求失败")
	}
	var resp vodResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, model.Upstream(err, "vod 响应解析失败")
	}
	return &resp, nil
}

func (s *VodSource) Search(ctx context.Context, keyword string) ([]model.Anime, error) {
	results := make([][]model.Anime, len(s.servers))
	errs := make([]error, len(s.servers))

	var wg sync.WaitGroup
	for i, srv := range s.servers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := s.detail(ctx, srv.base+"/api.php/provide/vod/?"+url.Values{"ac": {"detail"}, "wd": {keyword}}.Encode())
			if err != nil {
				log.Warn().Err(err).Str("server", srv.name).Msg("vod search failed")
				errs[i] = err
				return
			}
			for _, item := range resp.List {
				if len(s.playable(item)) == 0 {
					continue
				}
				year, _ := strconv.Atoi(strings.TrimSpace(item.VodYear))
				results[i] = append(results[i], model.Anime{
					AnimeTitle:      item.VodName,
					Type:            typeFromDescription(item.TypeName),
					TypeDescription: item.TypeName,
					ImageURL:        item.VodPic,
					Year:            year,
					Source:          string(Vod),
					RawURL:          srv.base + "/api.php/provide/vod/?" + url.Values{"ac": {"detail"}, "ids": {item.VodID.String()}}.Encode(),
				})
			}
		}()
	}
	wg.Wait()

	var out []model.Anime
	for _, r := range results {
		out = append(out, r...)
	}
	// 全部站点失败才算失败
	if len(out) == 0 && len(s.servers) > 0 && allFailed(errs) {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func allFailed(errs []error) bool {
	for _, err := range errs {
		if err == nil {
			return false
		}
	}
	return true
}

// playable returns the episodes of the first play group another adapter can resolve
func (s *VodSource) playable(item vodItem) []model.EpisodeInfo {
	for _, group := range strings.Split(item.VodPlayURL, "$$$") {
		var eps []model.EpisodeInfo
		for _, entry := range strings.Split(group, "#") {
			title, link, ok := strings.Cut(entry, "$")
			if !ok {
				continue
			}
			link = strings.TrimSpace(link)
			if !strings.HasPrefix(link, "http") || !s.resolvable(link) {
				continue
			}
			eps = append(eps, model.EpisodeInfo{
				Title:  strings.TrimSpace(title),
				Number: episodeNumber(title, len(eps)+1),
				URL:    link,
			})
		}
		if len(eps) > 0 {
			return eps
		}
	}
	return nil
}

func (s *VodSource) ListEpisodes(ctx context.Context, animeURL string) ([]model.EpisodeInfo, error) {
	if !strings.Contains(animeURL, "/api.php/provide/vod/") {
		return nil, model.Validation("无效的 vod 地址: %s", animeURL)
	}
	resp, err := s.detail(ctx, animeURL)
	if err != nil {
		return nil, err
	}
	if len(resp.List) == 0 {
		return nil, nil
	}
	return s.playable(resp.List[0]), nil
}

// FetchComments is never routed here since Handles is always false
func (s *VodSource) FetchComments(_ context.Context, episodeURL string) (*danmaku.Raw, error) {
	return nil, model.Validation("vod 不直接提供弹幕: %s", episodeURL)
}

func (s *VodSource) Handles(string) bool { return false }
