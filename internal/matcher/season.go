package matcher

import (
	"regexp"
	"strings"

	"danmu-api-service/internal/model"
)

const chineseNumeral = `[0-9０-９零〇一二两三四五六七八九十]+`

type seasonPattern struct {
	re    *regexp.Regexp
	group int
	strip string
}

// Season token grammar, tried in order:
//
//	S02 / s2 / S02E05
//	Season 2
//	2nd Season
//	第二季 / 第2季 / 第二部
var seasonPatterns = []seasonPattern{
	{regexp.MustCompile(`(?i)(^|[^a-z])s(\d{1,2})(?:e\d{1,4})?([^a-z0-9]|$)`), 2, "$1 $3"},
	{regexp.MustCompile(`(?i)season\s*(\d{1,2})`), 1, " "},
	{regexp.MustCompile(`(?i)(\d{1,2})(?:st|nd|rd|th)\s*season`), 1, " "},
	{regexp.MustCompile(`第\s*(` + chineseNumeral + `)\s*[季部]`), 1, " "},
}

// ParseSeason extracts the season number declared in a title
func ParseSeason(title string) (int, bool) {
	for _, p := range seasonPatterns {
		m := p.re.FindStringSubmatch(title)
		if len(m) <= p.group {
			continue
		}
		if n := ChineseToInt(m[p.group]); n > 0 {
			return n, true
		}
	}
	return 0, false
}

// SeasonOf returns the declared season, 1 when the title has none
func SeasonOf(title string) int {
	if s, ok := ParseSeason(title); ok {
		return s
	}
	return 1
}

// StripSeason removes every season token from a title
func StripSeason(title string) string {
	out := title
	for _, p := range seasonPatterns {
		out = p.re.ReplaceAllString(out, p.strip)
	}
	return strings.Join(strings.Fields(out), " ")
}

// MatchSeason reports whether anime is the requested season of title.
// The anime title must contain the query title once season tokens are removed.
func MatchSeason(anime model.Anime, title string, season int) bool {
	animeTitle := Normalize(StripSeason(anime.AnimeTitle))
	query := Normalize(StripSeason(title))
	if query == "" || !strings.Contains(animeTitle, query) {
		return false
	}
	return SeasonOf(anime.AnimeTitle) == season
}
