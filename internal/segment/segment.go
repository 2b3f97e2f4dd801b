// Package segment caches a video's merged comments in fixed time windows so
// a client asking for one chunk does not trigger a full fetch and merge.
package segment

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"danmu-api-service/internal/danmaku"
	"danmu-api-service/internal/model"
	"danmu-api-service/internal/repository"

	"github.com/rs/zerolog/log"
)

const keyPrefix = "segment:"

// index records how a video was split
type index struct {
	Source string  `json:"source"`
	URL    string  `json:"url"`
	Window float64 `json:"window"`
	Count  int     `json:"count"`
}

// Cache stores window-aligned segments in a KV store
type Cache struct {
	kv     repository.KV
	window float64 // 秒
	ttl    time.Duration
}

// New creates a segment cache splitting videos into windows of the given length
func New(kv repository.KV, window, ttl time.Duration) *Cache {
	if window <= 0 {
		window = 20 * time.Minute
	}
	return &Cache{kv: kv, window: window.Seconds(), ttl: ttl}
}

func urlHash(url string) string {
	h := fnv.New64a()
	h.Write([]byte(url))
	return fmt.Sprintf("%016x", h.Sum64())
}

// Key derives the cache key of the window [start, end) of url
func Key(source, url string, start, end float64) string {
	return fmt.Sprintf("%s%s:%s:%g-%g", keyPrefix, source, urlHash(url), start, end)
}

func indexKey(url string) string {
	return keyPrefix + "index:" + urlHash(url)
}

// Populate splits comments into windows and stores each of them, including
// empty windows so requests for quiet parts of a video are hits too.
// The returned segments carry no comments.
func (c *Cache) Populate(ctx context.Context, source, url string, comments []model.Comment) []model.Segment {
	count := 1
	if len(comments) > 0 {
		last := 0.0
		for _, cm := range comments {
			last = math.Max(last, cm.Time)
		}
		count = int(last/c.window) + 1
	}

	segments := make([]model.Segment, 0, count)
	for i := 0; i < count; i++ {
		start, end := float64(i)*c.window, float64(i+1)*c.window
		seg := model.Segment{
			Source:   source,
			URL:      url,
			Start:    start,
			End:      end,
			Comments: danmaku.InRange(comments, start, end),
		}
		if err := c.kv.Set(ctx, Key(source, url, start, end), seg.Comments, c.ttl); err != nil {
			log.Warn().Err(err).Str("url", url).Float64("start", start).Msg("Failed to cache segment")
			return nil
		}
		seg.Comments = nil
		segments = append(segments, seg)
	}

	idx := index{Source: source, URL: url, Window: c.window, Count: count}
	if err := c.kv.Set(ctx, indexKey(url), idx, c.ttl); err != nil {
		log.Warn().Err(err).Str("url", url).Msg("Failed to cache segment index")
		return nil
	}
	log.Debug().Str("url", url).Int("segments", count).Msg("📦 Segments cached")
	return segments
}

// Segments lists the cached windows of url
func (c *Cache) Segments(ctx context.Context, url string) ([]model.Segment, bool) {
	var idx index
	if err := c.kv.Get(ctx, indexKey(url), &idx); err != nil {
		return nil, false
	}
	out := make([]model.Segment, idx.Count)
	for i := range out {
		out[i] = model.Segment{
			Source: idx.Source,
			URL:    idx.URL,
			Start:  float64(i) * idx.Window,
			End:    float64(i+1) * idx.Window,
		}
	}
	return out, true
}

// Get returns the comments of url within [start, end), end <= 0 meaning the
// rest of the video. Requests that are not window aligned are served from the
// overlapping windows. ok is false when any needed window is not cached.
func (c *Cache) Get(ctx context.Context, url string, start, end float64) ([]model.Comment, bool) {
	var idx index
	if err := c.kv.Get(ctx, indexKey(url), &idx); err != nil {
		return nil, false
	}
	if start < 0 {
		start = 0
	}

	first := int(start / idx.Window)
	last := idx.Count
	if end > 0 {
		last = int(math.Ceil(end / idx.Window))
		if last > idx.Count {
			last = idx.Count
		}
	}

	var out []model.Comment
	for i := first; i < last; i++ {
		ws, we := float64(i)*idx.Window, float64(i+1)*idx.Window
		var part []model.Comment
		if err := c.kv.Get(ctx, Key(idx.Source, url, ws, we), &part); err != nil {
			if !repository.IsCacheMiss(err) {
				log.Warn().Err(err).Str("url", url).Msg("Failed to read segment")
			}
			return nil, false
		}
		out = append(out, part...)
	}
	return danmaku.InRange(out, start, end), true
}

// Invalidate drops every cached window of url
func (c *Cache) Invalidate(ctx context.Context, source, url string) error {
	if _, err := c.kv.DeletePattern(ctx, fmt.Sprintf("%s%s:%s:*", keyPrefix, source, urlHash(url))); err != nil {
		return err
	}
	return c.kv.Delete(ctx, indexKey(url))
}

// Clear drops every cached segment
func (c *Cache) Clear(ctx context.Context) (int64, error) {
	return c.kv.DeletePattern(ctx, keyPrefix+"*")
}
