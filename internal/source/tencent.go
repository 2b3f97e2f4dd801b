package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"danmu-api-service/internal/danmaku"
	"danmu-api-service/internal/model"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	tencentWebBase = "https://v.qq.com"
	tencentDMBase  = "https://dm.video.qq.com"
)

var (
	tencentCoverURL   = regexp.MustCompile(`/x/cover/([0-9a-zA-Z]+)\.html`)
	tencentEpisodeURL = regexp.MustCompile(`/x/cover/([0-9a-zA-Z]+)/([0-9a-zA-Z]+)\.html`)
	tencentYear       = regexp.MustCompile(`(19|20)\d{2}`)
)

// TencentSource scrapes v.qq.com pages and reads the barrage JSON API
type TencentSource struct {
	client  Fetcher
	webBase string
	dmBase  string
}

// NewTencent creates a Tencent Video adapter
func NewTencent(client Fetcher) *TencentSource {
	return &TencentSource{client: client, webBase: tencentWebBase, dmBase: tencentDMBase}
}

func (s *TencentSource) Name() Name { return Tencent }

func (s *TencentSource) document(ctx context.Context, target string) (*goquery.Document, error) {
	body, err := s.client.Get(ctx, string(Tencent), target, map[string]string{
		"Accept":  "text/html,application/xhtml+xml",
		"Referer": s.webBase + "/",
	})
	if err != nil {
		return nil, model.Upstream(err, "tencent 请求失败")
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, model.Upstream(err, "解析 HTML 失败")
	}
	return doc, nil
}

// ================== 搜索 ==================

func (s *TencentSource) Search(ctx context.Context, keyword string) ([]model.Anime, error) {
	doc, err := s.document(ctx, s.webBase+"/x/search/?"+url.Values{"q": {keyword}}.Encode())
	if err != nil {
		return nil, err
	}

	var out []model.Anime
	seen := map[string]bool{}
	doc.Find(".result_item_v").Each(func(_ int, item *goquery.Selection) {
		link := item.Find(".result_title a").First()
		href, _ := link.Attr("href")
		m := tencentCoverURL.FindStringSubmatch(href)
		if m == nil || seen[m[1]] {
			return
		}
		seen[m[1]] = true

		// 标题中可能带有类型标签 <span class="type">
		typeText := strings.TrimSpace(link.Find(".type").Text())
		link.Find(".type, .sub").Remove()
		title := strings.TrimSpace(link.Text())
		if title == "" {
			return
		}

		img, _ := item.Find("img.figure_pic").Attr("src")
		if strings.HasPrefix(img, "//") {
			img = "https:" + img
		}

		year := 0
		if y := tencentYear.FindString(item.Find(".result_info").Text()); y != "" {
			year, _ = strconv.Atoi(y)
		}

		out = append(out, model.Anime{
			AnimeTitle:      title,
			Type:            typeFromDescription(typeText),
			TypeDescription: typeText,
			ImageURL:        img,
			Year:            year,
			EpisodeCount:    item.Find(".result_episode_list .item").Length(),
			Source:          string(Tencent),
			RawURL:          fmt.Sprintf("%s/x/cover/%s.html", s.webBase, m[1]),
		})
	})
	return out, nil
}

// ================== 剧集 ==================

func (s *TencentSource) ListEpisodes(ctx context.Context, animeURL string) ([]model.EpisodeInfo, error) {
	m := tencentCoverURL.FindStringSubmatch(animeURL)
	if m == nil {
		return nil, model.Validation("无效的 tencent 地址: %s", animeURL)
	}
	cid := m[1]

	doc, err := s.document(ctx, fmt.Sprintf("%s/x/cover/%s.html", s.webBase, cid))
	if err != nil {
		return nil, err
	}

	var out []model.EpisodeInfo
	seen := map[string]bool{}
	doc.Find("[data-vid]").Each(func(i int, ep *goquery.Selection) {
		vid, _ := ep.Attr("data-vid")
		if vid == "" || seen[vid] {
			return
		}
		seen[vid] = true

		title, ok := ep.Attr("data-title")
		if !ok || title == "" {
			title = strings.TrimSpace(ep.Text())
		}
		out = append(out, model.EpisodeInfo{
			Title:  title,
			Number: episodeNumber(title, len(out)+1),
			URL:    fmt.Sprintf("%s/x/cover/%s/%s.html", s.webBase, cid, vid),
		})
	})
	return out, nil
}

// ================== 弹幕 ==================

type tencentBase struct {
	SegmentIndex map[string]struct {
		SegmentStart string `json:"segment_start"`
		SegmentName  string `json:"segment_name"`
	} `json:"segment_index"`
}

func (s *TencentSource) FetchComments(ctx context.Context, episodeURL string) (*danmaku.Raw, error) {
	m := tencentEpisodeURL.FindStringSubmatch(episodeURL)
	if m == nil {
		return nil, model.Validation("无效的 tencent 剧集地址: %s", episodeURL)
	}
	vid := m[2]

	body, err := s.client.Get(ctx, string(Tencent), fmt.Sprintf("%s/barrage/base/%s", s.dmBase, vid), nil)
	if err != nil {
		return nil, model.Upstream(err, "tencent 弹幕索引获取失败")
	}
	var base tencentBase
	if err := json.Unmarshal(body, &base); err != nil {
		return nil, model.Upstream(err, "tencent 弹幕索引解析失败")
	}

	type seg struct {
		start int64
		name  string
	}
	segs := make([]seg, 0, len(base.SegmentIndex))
	for _, v := range base.SegmentIndex {
		start, _ := strconv.ParseInt(v.SegmentStart, 10, 64)
		segs = append(segs, seg{start: start, name: v.SegmentName})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].start < segs[j].start })

	chunks := make([][]byte, len(segs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, sg := range segs {
		g.Go(func() error {
			data, err := s.client.Get(gctx, string(Tencent), fmt.Sprintf("%s/barrage/segment/%s/%s", s.dmBase, vid, sg.name), nil)
			if err != nil {
				log.Warn().Err(err).Str("vid", vid).Str("segment", sg.name).Msg("tencent segment fetch failed")
				return nil
			}
			chunks[i] = data
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
	if len(segs) > 0 && len(fetched) == 0 {
		return nil, model.Upstream(fmt.Errorf("vid %s: no segment fetched", vid), "tencent 弹幕获取失败")
	}

	return &danmaku.Raw{Source: string(Tencent), Format: danmaku.FormatTencentJSON, Chunks: fetched}, nil
}

func (s *TencentSource) Handles(episodeURL string) bool {
	return hostMatches(episodeURL, hostOf(s.webBase), "v.qq.com") && tencentEpisodeURL.MatchString(episodeURL)
}
