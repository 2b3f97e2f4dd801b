package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"danmu-api-service/internal/danmaku"
	"danmu-api-service/internal/idcache"
	"danmu-api-service/internal/model"
	"danmu-api-service/internal/ratelimit"
	"danmu-api-service/internal/repository"
	"danmu-api-service/internal/segment"
	"danmu-api-service/internal/source"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"
)

const commentKeyPrefix = "comment:"

// Comments is a merged comment list and where it came from
type Comments struct {
	Comments []model.Comment
	Source   string
	Cached   bool
}

// DanmuOptions configures a DanmuService
type DanmuOptions struct {
	GroupMinutes int
	CacheTTL     time.Duration
	Timeout      time.Duration
}

// DanmuService serves merged comments: cache first, then a rate limited and
// de-duplicated fetch across every source the episode URL names
type DanmuService struct {
	registry *source.Registry
	ids      *idcache.Cache
	limiter  *ratelimit.Limiter
	cache    repository.KV
	segments *segment.Cache
	metrics  *repository.Metrics
	opts     DanmuOptions
	group    singleflight.Group
}

// NewDanmuService creates a DanmuService, metrics may be nil
func NewDanmuService(registry *source.Registry, ids *idcache.Cache, limiter *ratelimit.Limiter, cache repository.KV, segments *segment.Cache, metrics *repository.Metrics, opts DanmuOptions) *DanmuService {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Minute
	}
	return &DanmuService{
		registry: registry,
		ids:      ids,
		limiter:  limiter,
		cache:    cache,
		segments: segments,
		metrics:  metrics,
		opts:     opts,
	}
}

// CommentKey is the cache key of the merged comments of an episode URL
func CommentKey(url string) string {
	return commentKeyPrefix + uuid.NewSHA1(uuid.NameSpaceURL, []byte(url)).String()
}

// ResolveURL maps an episode ID to its upstream URL
func (s *DanmuService) ResolveURL(id int64) (string, error) {
	if _, idx := idcache.SplitID(id); idx < 0 {
		return "", model.Validation("%d 不是剧集 ID", id)
	}
	url, ok := s.ids.FindURLByID(id)
	if !ok {
		return "", model.NotFound("剧集 %d 不存在或已过期", id)
	}
	return url, nil
}

// CommentsByID returns the merged comments of a cached episode.
// When withRelated is false only the primary source of a merged episode is used.
func (s *DanmuService) CommentsByID(ctx context.Context, id int64, withRelated bool, clientIP string) (*Comments, error) {
	url, err := s.ResolveURL(id)
	if err != nil {
		return nil, err
	}
	if !withRelated {
		url, _, _ = strings.Cut(url, MergeSeparator)
	}
	return s.CommentsByURL(ctx, url, clientIP)
}

// CommentsByURL returns the merged comments of an episode URL. A cache hit is
// served without touching the rate limiter.
func (s *DanmuService) CommentsByURL(ctx context.Context, url, clientIP string) (*Comments, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, model.Validation("url 不能为空")
	}

	var cached []model.Comment
	err := s.cache.Get(ctx, CommentKey(url), &cached)
	if err == nil {
		log.Debug().Str("url", url).Int("count", len(cached)).Msg("✅ Comment cache hit")
		return &Comments{Comments: cached, Source: sourceLabel(url, s.registry), Cached: true}, nil
	}
	if !repository.IsCacheMiss(err) {
		log.Warn().Err(err).Str("url", url).Msg("Comment cache read failed")
	}

	if !s.limiter.Allow(clientIP) {
		log.Warn().Str("ip", clientIP).Int("limit", s.limiter.Limit()).Msg("🚫 Rate limit exceeded")
		return nil, model.RateLimited("请求过于频繁，请 1 分钟后再试")
	}

	// 同一地址的并发请求只拉取一次
	v, err, shared := s.group.Do(url, func() (interface{}, error) {
		return s.fetch(context.WithoutCancel(ctx), url)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debug().Str("url", url).Msg("Shared in-flight comment fetch")
	}
	comments := v.([]model.Comment)
	return &Comments{Comments: comments, Source: sourceLabel(url, s.registry)}, nil
}

// fetch downloads every part of a (possibly merged) episode URL, converts and
// merges them, then fills the comment and segment caches. A failing part is
// skipped unless every part fails.
func (s *DanmuService) fetch(ctx context.Context, url string) ([]model.Comment, error) {
	parts := strings.Split(url, MergeSeparator)
	streams := make([]danmaku.Stream, len(parts))
	errs := make([]error, len(parts))

	start := time.Now()
	var wg sync.WaitGroup
	for i, part := range parts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			streams[i], errs[i] = s.fetchOne(ctx, part)
		}()
	}
	wg.Wait()

	if lo.EveryBy(errs, func(err error) bool { return err != nil }) {
		return nil, errors.Join(errs...)
	}
	for i, err := range errs {
		if err != nil {
			log.Warn().Err(err).Str("url", parts[i]).Msg("⚠️ Comment part failed, skipped")
		}
	}

	merged := danmaku.Merge(streams, s.opts.GroupMinutes)
	log.Info().
		Str("url", url).
		Int("parts", len(parts)).
		Int("count", len(merged)).
		Dur("latency", time.Since(start)).
		Msg("💬 Comments fetched")

	if err := s.cache.Set(ctx, CommentKey(url), merged, s.opts.CacheTTL); err != nil {
		log.Warn().Err(err).Str("url", url).Msg("Failed to cache comments")
	}
	if s.segments != nil {
		s.segments.Populate(ctx, sourceLabel(url, s.registry), url, merged)
	}
	return merged, nil
}

func (s *DanmuService) fetchOne(ctx context.Context, url string) (danmaku.Stream, error) {
	adapter, ok := s.registry.ForURL(url)
	if !ok {
		return danmaku.Stream{}, model.Validation("不支持的弹幕地址: %s", url)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	start := time.Now()
	raw, err := adapter.FetchComments(ctx, url)
	s.metrics.RecordSourceCall(context.WithoutCancel(ctx), string(adapter.Name()), err == nil, time.Since(start))
	if err != nil {
		return danmaku.Stream{}, err
	}
	return danmaku.Stream{Source: string(adapter.Name()), Comments: danmaku.Convert(raw)}, nil
}

// SegmentComments returns the comments of one time window. Cached segments
// are served directly, otherwise the whole episode goes through CommentsByURL
// which also populates the segment cache.
func (s *DanmuService) SegmentComments(ctx context.Context, seg model.Segment, clientIP string) (*Comments, error) {
	if strings.TrimSpace(seg.URL) == "" {
		return nil, model.Validation("url 不能为空")
	}
	if seg.Start < 0 || (seg.End > 0 && seg.End <= seg.Start) {
		return nil, model.Validation("无效的时间范围 [%g, %g)", seg.Start, seg.End)
	}

	if s.segments != nil {
		if comments, ok := s.segments.Get(ctx, seg.URL, seg.Start, seg.End); ok {
			log.Debug().Str("url", seg.URL).Float64("start", seg.Start).Msg("✅ Segment cache hit")
			return &Comments{Comments: comments, Source: sourceLabel(seg.URL, s.registry), Cached: true}, nil
		}
	}

	all, err := s.CommentsByURL(ctx, seg.URL, clientIP)
	if err != nil {
		return nil, err
	}
	all.Comments = danmaku.InRange(all.Comments, seg.Start, seg.End)
	return all, nil
}

// Segments lists the cached windows of an episode URL
func (s *DanmuService) Segments(ctx context.Context, url string) ([]model.Segment, bool) {
	if s.segments == nil {
		return nil, false
	}
	return s.segments.Segments(ctx, url)
}

// ClearCache drops cached comments and segments, returning the number of keys removed
func (s *DanmuService) ClearCache(ctx context.Context) (int64, error) {
	n, err := s.cache.DeletePattern(ctx, commentKeyPrefix+"*")
	if err != nil {
		return 0, err
	}
	if s.segments != nil {
		m, err := s.segments.Clear(ctx)
		if err != nil {
			return n, err
		}
		n += m
	}
	log.Info().Int64("keys", n).Msg("🗑️ Comment cache cleared")
	return n, nil
}

// sourceLabel names the sources behind a URL, "a&b" for merged URLs
func sourceLabel(url string, registry *source.Registry) string {
	names := lo.Map(strings.Split(url, MergeSeparator), func(part string, _ int) string {
		if a, ok := registry.ForURL(part); ok {
			return string(a.Name())
		}
		return "unknown"
	})
	return strings.Join(names, mergeSourceSeparator)
}
