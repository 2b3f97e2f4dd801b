package repository

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const metricsPrefix = "danmu:metrics:"

// Metrics stores API and upstream source metrics in Redis.
// A Metrics without a client records nothing and reports empty stats.
type Metrics struct {
	client *redis.Client
}

// APIStats represents statistics for an API endpoint
type APIStats struct {
	Path         string  `json:"path"`
	TotalCalls   int64   `json:"total_calls"`
	SuccessCalls int64   `json:"success_calls"`
	ErrorCalls   int64   `json:"error_calls"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	CacheHits    int64   `json:"cache_hits"`
	CacheMisses  int64   `json:"cache_misses"`
}

// SourceStats represents upstream calls made to one source
type SourceStats struct {
	Source       string  `json:"source"`
	TotalCalls   int64   `json:"total_calls"`
	FailedCalls  int64   `json:"failed_calls"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// DailyStats represents daily API statistics
type DailyStats struct {
	Date       string  `json:"date"`
	TotalCalls int64   `json:"total_calls"`
	AvgLatency float64 `json:"avg_latency"`
}

// OverallStats represents overall system statistics
type OverallStats struct {
	TotalAPICalls int64         `json:"total_api_calls"`
	TodayAPICalls int64         `json:"today_api_calls"`
	AvgLatencyMs  float64       `json:"avg_latency_ms"`
	CacheHitRate  float64       `json:"cache_hit_rate"`
	ErrorRate     float64       `json:"error_rate"`
	TopEndpoints  []APIStats    `json:"top_endpoints"`
	Sources       []SourceStats `json:"sources"`
	DailyTrend    []DailyStats  `json:"daily_trend"`
	Uptime        int64         `json:"uptime_seconds"`
}

// NewMetrics creates a Metrics recorder, client may be nil
func NewMetrics(client *redis.Client) *Metrics {
	return &Metrics{client: client}
}

// Enabled reports whether metrics are persisted
func (m *Metrics) Enabled() bool {
	return m != nil && m.client != nil
}

// RecordAPICall records an API call
func (m *Metrics) RecordAPICall(ctx context.Context, path string, statusCode int, latencyMs float64, cacheHit bool) error {
	if !m.Enabled() {
		return nil
	}

	today := time.Now().Format("2006-01-02")
	pipe := m.client.Pipeline()

	pathKey := metricsPrefix + "path:" + path
	pipe.HIncrBy(ctx, pathKey, "total", 1)
	pipe.HIncrByFloat(ctx, pathKey, "latency_sum", latencyMs)
	if statusCode >= 200 && statusCode < 400 {
		pipe.HIncrBy(ctx, pathKey, "success", 1)
	} else {
		pipe.HIncrBy(ctx, pathKey, "error", 1)
	}
	if cacheHit {
		pipe.HIncrBy(ctx, pathKey, "cache_hits", 1)
	} else {
		pipe.HIncrBy(ctx, pathKey, "cache_misses", 1)
	}

	dailyKey := metricsPrefix + "daily:" + today
	pipe.HIncrBy(ctx, dailyKey, "total", 1)
	pipe.HIncrByFloat(ctx, dailyKey, "latency_sum", latencyMs)
	pipe.Expire(ctx, dailyKey, 30*24*time.Hour) // 保留 30 天

	pipe.Incr(ctx, metricsPrefix+"global:total")
	pipe.IncrByFloat(ctx, metricsPrefix+"global:latency_sum", latencyMs)
	pipe.SAdd(ctx, metricsPrefix+"paths", path)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to record metrics")
		return err
	}
	return nil
}

// RecordSourceCall records one upstream call to a source
func (m *Metrics) RecordSourceCall(ctx context.Context, source string, ok bool, latency time.Duration) {
	if !m.Enabled() {
		return
	}

	key := metricsPrefix + "source:" + source
	pipe := m.client.Pipeline()
	pipe.HIncrBy(ctx, key, "total", 1)
	pipe.HIncrByFloat(ctx, key, "latency_sum", float64(latency.Milliseconds()))
	if !ok {
		pipe.HIncrBy(ctx, key, "failed", 1)
	}
	pipe.SAdd(ctx, metricsPrefix+"sources", source)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("source", source).Msg("Failed to record source metrics")
	}
}

// GetAPIStats gets statistics for a specific API path
func (m *Metrics) GetAPIStats(ctx context.Context, path string) (*APIStats, error) {
	if !m.Enabled() {
		return &APIStats{Path: path}, nil
	}

	result, err := m.client.HGetAll(ctx, metricsPrefix+"path:"+path).Result()
	if err != nil {
		return nil, err
	}

	total := parseInt(result["total"])
	return &APIStats{
		Path:         path,
		TotalCalls:   total,
		SuccessCalls: parseInt(result["success"]),
		ErrorCalls:   parseInt(result["error"]),
		AvgLatencyMs: average(parseFloat(result["latency_sum"]), total),
		CacheHits:    parseInt(result["cache_hits"]),
		CacheMisses:  parseInt(result["cache_misses"]),
	}, nil
}

// GetSourceStats gets upstream statistics for every source seen so far
func (m *Metrics) GetSourceStats(ctx context.Context) ([]SourceStats, error) {
	if !m.Enabled() {
		return nil, nil
	}

	sources, err := m.client.SMembers(ctx, metricsPrefix+"sources").Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(sources)

	out := make([]SourceStats, 0, len(sources))
	for _, source := range sources {
		result, err := m.client.HGetAll(ctx, metricsPrefix+"source:"+source).Result()
		if err != nil {
			continue
		}
		total := parseInt(result["total"])
		out = append(out, SourceStats{
			Source:       source,
			TotalCalls:   total,
			FailedCalls:  parseInt(result["failed"]),
			AvgLatencyMs: average(parseFloat(result["latency_sum"]), total),
		})
	}
	return out, nil
}

// GetOverallStats gets overall system statistics
func (m *Metrics) GetOverallStats(ctx context.Context) (*OverallStats, error) {
	stats := &OverallStats{}
	if !m.Enabled() {
		return stats, nil
	}

	total, _ := m.client.Get(ctx, metricsPrefix+"global:total").Int64()
	latencySum, _ := m.client.Get(ctx, metricsPrefix+"global:latency_sum").Float64()
	stats.TotalAPICalls = total
	stats.AvgLatencyMs = average(latencySum, total)

	today := time.Now().Format("2006-01-02")
	stats.TodayAPICalls, _ = m.client.HGet(ctx, metricsPrefix+"daily:"+today, "total").Int64()

	paths, _ := m.client.SMembers(ctx, metricsPrefix+"paths").Result()
	var allStats []APIStats
	var totalCacheHits, totalCacheMisses, totalErrors int64
	for _, path := range paths {
		pathStats, err := m.GetAPIStats(ctx, path)
		if err == nil && pathStats.TotalCalls > 0 {
			allStats = append(allStats, *pathStats)
			totalCacheHits += pathStats.CacheHits
			totalCacheMisses += pathStats.CacheMisses
			totalErrors += pathStats.ErrorCalls
		}
	}

	sort.Slice(allStats, func(i, j int) bool {
		return allStats[i].TotalCalls > allStats[j].TotalCalls
	})
	if len(allStats) > 10 {
		allStats = allStats[:10]
	}
	stats.TopEndpoints = allStats

	if ops := totalCacheHits + totalCacheMisses; ops > 0 {
		stats.CacheHitRate = float64(totalCacheHits) / float64(ops) * 100
	}
	if total > 0 {
		stats.ErrorRate = float64(totalErrors) / float64(total) * 100
	}

	stats.Sources, _ = m.GetSourceStats(ctx)
	stats.DailyTrend = m.getDailyTrend(ctx, 7)

	startTime, err := m.client.Get(ctx, metricsPrefix+"server:start_time").Int64()
	if err == nil && startTime > 0 {
		stats.Uptime = time.Now().Unix() - startTime
	}
	return stats, nil
}

// getDailyTrend gets daily statistics for the last N days
func (m *Metrics) getDailyTrend(ctx context.Context, days int) []DailyStats {
	var trend []DailyStats
	for i := days - 1; i >= 0; i-- {
		date := time.Now().AddDate(0, 0, -i).Format("2006-01-02")
		result, err := m.client.HGetAll(ctx, fmt.Sprintf("%sdaily:%s", metricsPrefix, date)).Result()
		if err != nil {
			continue
		}
		total := parseInt(result["total"])
		trend = append(trend, DailyStats{
			Date:       date,
			TotalCalls: total,
			AvgLatency: average(parseFloat(result["latency_sum"]), total),
		})
	}
	return trend
}

// RecordServerStart records server start time
func (m *Metrics) RecordServerStart(ctx context.Context) {
	if !m.Enabled() {
		return
	}
	m.client.Set(ctx, metricsPrefix+"server:start_time", time.Now().Unix(), 0)
}

// ResetMetrics resets all metrics
func (m *Metrics) ResetMetrics(ctx context.Context) error {
	if !m.Enabled() {
		return nil
	}

	iter := m.client.Scan(ctx, 0, metricsPrefix+"*", 500).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) > 0 {
		return m.client.Del(ctx, keys...).Err()
	}
	return nil
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func average(sum float64, n int64) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
