// Package source wraps upstream video platforms behind one capability
// interface. Every adapter searches, lists episodes and fetches raw comments.
package source

import (
	"context"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"danmu-api-service/internal/config"
	"danmu-api-service/internal/danmaku"
	"danmu-api-service/internal/model"

	"github.com/rs/zerolog/log"
)

// Name identifies a source variant
type Name string

const (
	Dandan   Name = "dandan"
	Bilibili Name = "bilibili"
	Tencent  Name = "tencent"
	Vod      Name = "vod"
)

// Fetcher performs upstream HTTP calls, implemented by httpclient.Client
type Fetcher interface {
	Get(ctx context.Context, source, targetURL string, headers map[string]string) ([]byte, error)
	Do(ctx context.Context, source, method, targetURL string, body []byte, headers map[string]string) ([]byte, error)
}

// Adapter is implemented by every source.
// "No results" is an empty list, errors are reserved for transport or parse failures.
type Adapter interface {
	Name() Name
	Search(ctx context.Context, keyword string) ([]model.Anime, error)
	ListEpisodes(ctx context.Context, animeURL string) ([]model.EpisodeInfo, error)
	FetchComments(ctx context.Context, episodeURL string) (*danmaku.Raw, error)
	// Handles reports whether episodeURL belongs to this source
	Handles(episodeURL string) bool
}

// Registry is the closed set of configured adapters
type Registry struct {
	adapters map[Name]Adapter
	order    []Name // registration order
}

// NewRegistry registers adapters, a later adapter with the same name wins
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Name]Adapter)}
	for _, a := range adapters {
		if _, exists := r.adapters[a.Name()]; !exists {
			r.order = append(r.order, a.Name())
		}
		r.adapters[a.Name()] = a
	}
	return r
}

// NewFromConfig builds every adapter that has enough configuration to work
func NewFromConfig(cfg *config.Config, client Fetcher) *Registry {
	adapters := []Adapter{
		NewBilibili(client, cfg.BilibiliCookie),
		NewTencent(client),
	}
	if cfg.DandanAppID != "" && cfg.DandanSecret != "" {
		adapters = append(adapters, NewDandan(client, cfg.DandanAppID, cfg.DandanSecret))
	} else {
		log.Info().Msg("DANDAN_APP_ID not set, dandan source disabled")
	}
	var vod *VodSource
	if len(cfg.VodServers) > 0 {
		vod = NewVod(client, cfg.VodServers)
		adapters = append(adapters, vod)
	}

	reg := NewRegistry(adapters...)
	if vod != nil {
		vod.resolvable = func(u string) bool {
			_, ok := reg.ForURL(u)
			return ok
		}
	}
	return reg
}

// Get returns the adapter registered under name
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[Name(strings.ToLower(strings.TrimSpace(name)))]
	return a, ok
}

// Ordered resolves a configured order list, unknown and repeated names are dropped
func (r *Registry) Ordered(order []string) []Adapter {
	seen := make(map[Name]bool, len(order))
	out := make([]Adapter, 0, len(order))
	for _, n := range order {
		a, ok := r.Get(n)
		if !ok {
			log.Debug().Str("source", n).Msg("Ignoring unknown source")
			continue
		}
		if seen[a.Name()] {
			continue
		}
		seen[a.Name()] = true
		out = append(out, a)
	}
	return out
}

// ForURL returns the adapter able to fetch comments for episodeURL
func (r *Registry) ForURL(episodeURL string) (Adapter, bool) {
	for _, n := range r.order {
		if a := r.adapters[n]; a.Handles(episodeURL) {
			return a, true
		}
	}
	return nil, false
}

// Names lists registered sources in registration order
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	for i, n := range r.order {
		out[i] = string(n)
	}
	return out
}

// ================== helpers ==================

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func hostMatches(raw string, hosts ...string) bool {
	h := hostOf(raw)
	if h == "" {
		return false
	}
	for _, want := range hosts {
		if h == want || strings.HasSuffix(h, "."+want) {
			return true
		}
	}
	return false
}

var (
	htmlTag  = regexp.MustCompile(`<[^>]+>`)
	epNumber = regexp.MustCompile(`\d+`)
)

func stripTags(s string) string {
	return strings.TrimSpace(htmlTag.ReplaceAllString(s, ""))
}

// episodeNumber reads the first number of a title, fallback when there is none
func episodeNumber(title string, fallback int) int {
	if m := epNumber.FindString(title); m != "" {
		if n, err := strconv.Atoi(m); err == nil {
			return n
		}
	}
	return fallback
}

func typeFromDescription(desc string) string {
	switch {
	case strings.Contains(desc, "电影"), strings.Contains(desc, "剧场"), strings.EqualFold(desc, "movie"):
		return model.TypeMovie
	case strings.Contains(desc, "OVA"), strings.Contains(desc, "OAD"):
		return model.TypeOVA
	case strings.Contains(desc, "网络"):
		return model.TypeWeb
	case desc == "":
		return model.TypeOther
	default:
		return model.TypeTVSeries
	}
}
