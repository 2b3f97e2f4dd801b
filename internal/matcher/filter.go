package matcher

import (
	"regexp"
	"strings"

	"danmu-api-service/internal/model"

	"github.com/samber/lo"
)

// Filter drops anime and episodes whose titles match a denylist.
// Nothing is dropped unless Enabled is set.
type Filter struct {
	Enabled bool
	Anime   []*regexp.Regexp
	Episode []*regexp.Regexp
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	return lo.SomeBy(patterns, func(re *regexp.Regexp) bool { return re.MatchString(s) })
}

// AllowAnime reports whether an anime title passes the filter
func (f Filter) AllowAnime(title string) bool {
	return !f.Enabled || !matchAny(f.Anime, title)
}

// AllowEpisode reports whether an episode title passes the filter
func (f Filter) AllowEpisode(title string) bool {
	return !f.Enabled || !matchAny(f.Episode, title)
}

// Animes returns the anime that pass the filter
func (f Filter) Animes(in []model.Anime) []model.Anime {
	return lo.Filter(in, func(a model.Anime, _ int) bool { return f.AllowAnime(a.AnimeTitle) })
}

// Episodes returns the episodes that pass the filter
func (f Filter) Episodes(in []model.EpisodeInfo) []model.EpisodeInfo {
	return lo.Filter(in, func(e model.EpisodeInfo, _ int) bool { return f.AllowEpisode(e.Title) })
}

// TitleMapper rewrites search titles using an operator supplied table
type TitleMapper map[string]string

// Map returns the mapped title, or the input when no entry exists
func (m TitleMapper) Map(title string) string {
	if mapped, ok := m[strings.TrimSpace(title)]; ok {
		return mapped
	}
	return title
}
