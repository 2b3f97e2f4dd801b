package danmaku

import (
	"hash/fnv"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"danmu-api-service/internal/matcher"
	"danmu-api-service/internal/model"

	"github.com/samber/lo"
)

// White is the default comment color
const White = 0xFFFFFF

// Stream is the comment list one source contributed to a merge
type Stream struct {
	Source   string
	Comments []model.Comment
}

// Merge pools streams in the given priority order and collapses duplicates.
//
// With window 0 only exact duplicates (same time, mode, color and text) are
// collapsed. Otherwise comments whose normalized text is equal and whose time
// falls into the same window-sized bucket are collapsed to the earliest one.
func Merge(streams []Stream, windowMinutes int) []model.Comment {
	total := lo.SumBy(streams, func(s Stream) int { return len(s.Comments) })
	pool := make([]model.Comment, 0, total)
	for _, s := range streams {
		for _, c := range s.Comments {
			if c.Source == "" {
				c.Source = s.Source
			}
			pool = append(pool, c)
		}
	}
	sortByTime(pool)

	seen := make(map[string]struct{}, len(pool))
	out := pool[:0]
	for _, c := range pool {
		key := dedupKey(c, windowMinutes)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

func dedupKey(c model.Comment, windowMinutes int) string {
	if windowMinutes <= 0 {
		return strings.Join([]string{
			strconv.FormatFloat(c.Time, 'f', -1, 64),
			strconv.Itoa(int(c.Mode)),
			strconv.Itoa(c.Color),
			c.Text,
		}, "\x00")
	}
	bucket := int64(c.Time) / int64(windowMinutes*60) // 所属时间桶
	text := matcher.Normalize(c.Text)
	if text == "" {
		// 纯符号弹幕 "???" 归一化后为空，退回原文比较
		text = strings.TrimSpace(c.Text)
	}
	return strconv.FormatInt(bucket, 10) + "\x00" + text
}

func sortByTime(comments []model.Comment) {
	slices.SortStableFunc(comments, func(a, b model.Comment) int {
		switch {
		case a.Time < b.Time:
			return -1
		case a.Time > b.Time:
			return 1
		}
		return 0
	})
}

// ================== 后处理 ==================

// Chinese conversion modes
const (
	ChConvertNone        = 0
	ChConvertSimplified  = 1
	ChConvertTraditional = 2
)

// Color modes
const (
	ColorDefault = "default"
	ColorWhite   = "white"
	ColorRandom  = "color"
)

// Options configures Apply
type Options struct {
	Blocked           []*regexp.Regexp
	ChConvert         int
	TopBottomToScroll bool
	ColorMode         string
	Limit             int
}

var palette = []int{
	0xFFFFFF, 0xFE0302, 0xFF7204, 0xFFAA02, 0xFFD302, 0xFFFF00, 0xA0EE00,
	0x00CD00, 0x019899, 0x4266BE, 0x89D5FF, 0xCC0273, 0x9B9B9B,
}

// Apply runs the post-merge transforms in order: blocklist, simplified or
// traditional conversion, top/bottom to scroll, color, count cap.
// The input slice is not modified.
func Apply(comments []model.Comment, opts Options) []model.Comment {
	out := make([]model.Comment, 0, len(comments))
	for _, c := range comments {
		if lo.SomeBy(opts.Blocked, func(re *regexp.Regexp) bool { return re.MatchString(c.Text) }) {
			continue
		}
		out = append(out, c)
	}

	for i := range out {
		switch opts.ChConvert {
		case ChConvertSimplified:
			out[i].Text = matcher.ToSimplified(out[i].Text)
		case ChConvertTraditional:
			out[i].Text = matcher.ToTraditional(out[i].Text)
		}

		if opts.TopBottomToScroll && out[i].Mode != model.ModeScroll {
			out[i].Mode = model.ModeScroll
		}

		switch opts.ColorMode {
		case ColorWhite:
			out[i].Color = White
		case ColorRandom:
			out[i].Color = pickColor(out[i])
		}
	}

	if opts.Limit > 0 && len(out) > opts.Limit {
		sortByTime(out)
		out = out[:opts.Limit]
	}
	return out
}

// pickColor is deterministic so repeated requests render identically
func pickColor(c model.Comment) int {
	h := fnv.New32a()
	h.Write([]byte(strconv.FormatInt(c.CID, 10)))
	h.Write([]byte(c.Text))
	return palette[int(h.Sum32()%uint32(len(palette)))]
}

// InRange returns the comments with start <= time < end, end <= 0 means open ended
func InRange(comments []model.Comment, start, end float64) []model.Comment {
	if end <= 0 {
		end = math.Inf(1)
	}
	return lo.Filter(comments, func(c model.Comment, _ int) bool {
		return c.Time >= start && c.Time < end
	})
}
