// Package matcher normalizes and compares titles coming from different sources.
package matcher

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/longbridgeapp/opencc"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/width"
)

type converter struct {
	once sync.Once
	cc   *opencc.OpenCC
	mode string
}

func (c *converter) convert(s string) string {
	c.once.Do(func() {
		cc, err := opencc.New(c.mode)
		if err != nil {
			log.Error().Err(err).Str("mode", c.mode).Msg("Failed to load opencc dictionary")
			return
		}
		c.cc = cc
	})
	if c.cc == nil || s == "" {
		return s
	}
	out, err := c.cc.Convert(s)
	if err != nil {
		return s
	}
	return out
}

var (
	t2s = &converter{mode: "t2s"}
	s2t = &converter{mode: "s2t"}
)

// ToSimplified converts traditional Chinese to simplified, other text is untouched
func ToSimplified(s string) string {
	return t2s.convert(s)
}

// ToTraditional converts simplified Chinese to traditional
func ToTraditional(s string) string {
	return s2t.convert(s)
}

var chineseDigits = map[rune]int{
	'零': 0, '〇': 0, '一': 1, '二': 2, '两': 2, '三': 3, '四': 4,
	'五': 5, '六': 6, '七': 7, '八': 8, '九': 9,
}

// ChineseToInt parses Arabic digits or Chinese numerals below 100 ("十一", "二十三").
// Returns -1 when the text is not a number.
func ChineseToInt(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return -1
	}
	if n, err := strconv.Atoi(width.Narrow.String(s)); err == nil {
		return n
	}

	runes := []rune(s)
	tenAt := -1
	for i, r := range runes {
		if r == '十' {
			if tenAt >= 0 {
				return -1
			}
			tenAt = i
		} else if _, ok := chineseDigits[r]; !ok {
			return -1
		}
	}

	if tenAt < 0 {
		if len(runes) != 1 {
			return -1
		}
		return chineseDigits[runes[0]]
	}

	tens, ones := 1, 0
	switch tenAt {
	case 0:
	case 1:
		tens = chineseDigits[runes[0]]
	default:
		return -1
	}
	switch len(runes) - tenAt - 1 {
	case 0:
	case 1:
		ones = chineseDigits[runes[tenAt+1]]
	default:
		return -1
	}
	return tens*10 + ones
}

var punctuation = regexp.MustCompile(`[\p{P}\p{S}\s]+`)

// Normalize folds width, script and case and strips punctuation so that
// "Re：从零开始" and "re:從零開始" compare equal.
func Normalize(title string) string {
	s := width.Fold.String(title)
	s = ToSimplified(s)
	s = strings.ToLower(s)
	return punctuation.ReplaceAllString(s, "")
}

// BaseTitle returns the text before the first parenthesis
func BaseTitle(title string) string {
	if i := strings.IndexAny(title, "(（"); i >= 0 {
		return strings.TrimSpace(title[:i])
	}
	return strings.TrimSpace(title)
}
