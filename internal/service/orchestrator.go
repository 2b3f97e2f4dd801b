package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"danmu-api-service/internal/config"
	"danmu-api-service/internal/idcache"
	"danmu-api-service/internal/matcher"
	"danmu-api-service/internal/model"
	"danmu-api-service/internal/repository"
	"danmu-api-service/internal/source"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

const (
	// MergeSeparator joins the upstream URLs of a merged anime or episode
	MergeSeparator = "$$$"
	// mergeSourceSeparator joins the source names of a merged anime
	mergeSourceSeparator = "&"
)

// Options configures an Orchestrator
type Options struct {
	Order       []string
	Timeout     time.Duration
	MergeGroups [][]string
	// Strict stops at the first source holding an exact title match
	Strict bool
	// StrictQueryMergePartners still queries the merge partners of that source
	StrictQueryMergePartners bool
	Filter                   matcher.Filter
	Mapper                   matcher.TitleMapper
}

// OptionsFromConfig builds orchestrator options from the service config
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Order:                    cfg.SourceOrder,
		Timeout:                  cfg.SourceTimeout,
		MergeGroups:              cfg.MergeGroups,
		Strict:                   cfg.StrictTitleMatch,
		StrictQueryMergePartners: cfg.StrictQueryMergeGroups,
		Filter: matcher.Filter{
			Enabled: cfg.TitleFilterEnable,
			Anime:   cfg.AnimeTitleFilters,
			Episode: cfg.EpisodeTitleFilters,
		},
		Mapper: matcher.TitleMapper(cfg.TitleMapping),
	}
}

// Orchestrator fans requests out over the configured sources and aggregates
// their answers in priority order
type Orchestrator struct {
	registry *source.Registry
	ids      *idcache.Cache
	metrics  *repository.Metrics
	resolver TitleResolver
	opts     Options
}

// NewOrchestrator creates an orchestrator, metrics and resolver may be nil
func NewOrchestrator(registry *source.Registry, ids *idcache.Cache, metrics *repository.Metrics, resolver TitleResolver, opts Options) *Orchestrator {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Orchestrator{
		registry: registry,
		ids:      ids,
		metrics:  metrics,
		resolver: resolver,
		opts:     opts,
	}
}

// sourceResult is what one source answered, kept in priority position
type sourceResult struct {
	name   source.Name
	animes []model.Anime
	err    error
}

// ================== 搜索 ==================

// SearchAnime searches every configured source and assigns IDs to the results
func (o *Orchestrator) SearchAnime(ctx context.Context, keyword string) ([]model.Anime, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, model.Validation("keyword 不能为空")
	}
	query := o.opts.Mapper.Map(keyword)
	if query != keyword {
		log.Debug().Str("keyword", keyword).Str("mapped", query).Msg("Title mapped")
	}
	return o.search(ctx, query, func(a model.Anime) bool {
		return matcher.Matches(matcher.Strict, a.AnimeTitle, query, 0)
	})
}

// search collects, merges and registers candidates for query.
// strictHit decides whether a source result satisfies the strict policy.
func (o *Orchestrator) search(ctx context.Context, query string, strictHit func(model.Anime) bool) ([]model.Anime, error) {
	adapters := o.registry.Ordered(o.opts.Order)
	if len(adapters) == 0 {
		return nil, model.NotFound("没有可用的数据源")
	}

	var results []sourceResult
	if o.opts.Strict {
		results = o.collectStrict(ctx, adapters, query, strictHit)
	} else {
		results = o.collectAll(ctx, adapters, query)
	}

	animes := o.mergeGroups(results)
	if len(animes) == 0 {
		errs := lo.FilterMap(results, func(r sourceResult, _ int) (error, bool) { return r.err, r.err != nil })
		return nil, &model.Error{Kind: model.ErrNotFound, Message: "未找到相关番剧: " + query, Err: errors.Join(errs...)}
	}

	// 超出缓存容量的结果会把同一批次前面的 ID 挤掉
	if limit := o.ids.Capacity(); len(animes) > limit {
		log.Debug().Int("animes", len(animes)).Int("capacity", limit).Msg("Search results truncated to id cache capacity")
		animes = animes[:limit]
	}
	for i := range animes {
		animes[i].AnimeID = o.ids.AddAnime(animes[i])
	}
	log.Info().
		Str("keyword", query).
		Int("sources", len(results)).
		Int("animes", len(animes)).
		Msg("🔍 Search aggregated")
	return animes, nil
}

// query asks one source under the per-source timeout. Failures are logged
// and returned, the caller treats them as an empty answer.
func (o *Orchestrator) query(ctx context.Context, a source.Adapter, keyword string) sourceResult {
	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	start := time.Now()
	animes, err := a.Search(ctx, keyword)
	latency := time.Since(start)
	o.metrics.RecordSourceCall(context.WithoutCancel(ctx), string(a.Name()), err == nil, latency)

	if err != nil {
		log.Warn().Err(err).Str("source", string(a.Name())).Dur("latency", latency).Msg("⚠️ Source search failed, skipped")
		return sourceResult{name: a.Name(), err: err}
	}
	animes = o.opts.Filter.Animes(animes)
	log.Debug().Str("source", string(a.Name())).Int("count", len(animes)).Dur("latency", latency).Msg("Source search done")
	return sourceResult{name: a.Name(), animes: animes}
}

// collectAll queries every source concurrently, results keep priority order
func (o *Orchestrator) collectAll(ctx context.Context, adapters []source.Adapter, keyword string) []sourceResult {
	results := make([]sourceResult, len(adapters))
	var wg sync.WaitGroup
	for i, a := range adapters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = o.query(ctx, a, keyword)
		}()
	}
	wg.Wait()
	return results
}

// collectStrict queries sources one by one and stops at the first one holding
// a strict hit. Its merge partners are still asked when configured.
func (o *Orchestrator) collectStrict(ctx context.Context, adapters []source.Adapter, keyword string, hit func(model.Anime) bool) []sourceResult {
	var results []sourceResult
	for i, a := range adapters {
		r := o.query(ctx, a, keyword)
		results = append(results, r)
		if !lo.SomeBy(r.animes, hit) {
			continue
		}

		log.Debug().Str("source", string(a.Name())).Msg("Strict match found, stop querying")
		if !o.opts.StrictQueryMergePartners {
			return results
		}
		partners := o.partnersOf(a.Name())
		rest := lo.Filter(adapters[i+1:], func(p source.Adapter, _ int) bool { return partners[p.Name()] })
		if len(rest) > 0 {
			results = append(results, o.collectAll(ctx, rest, keyword)...)
		}
		return results
	}
	return results
}

// partnersOf returns every source sharing a merge group with name
func (o *Orchestrator) partnersOf(name source.Name) map[source.Name]bool {
	out := map[source.Name]bool{}
	for _, group := range o.opts.MergeGroups {
		if !lo.Contains(group, string(name)) {
			continue
		}
		for _, member := range group {
			if source.Name(member) != name {
				out[source.Name(member)] = true
			}
		}
	}
	return out
}

// ================== 合并组 ==================

// mergeGroups flattens results in priority order. For each merge group, an
// anime of the first member is combined with the closest same-season anime of
// every other member; the combined entry takes the primary's place and the
// consumed partner entries are dropped.
func (o *Orchestrator) mergeGroups(results []sourceResult) []model.Anime {
	bySource := map[string][]model.Anime{}
	for _, r := range results {
		bySource[string(r.name)] = r.animes
	}

	used := map[string]bool{}
	combined := map[string]model.Anime{}
	for _, group := range o.opts.MergeGroups {
		for _, primary := range bySource[group[0]] {
			if used[primary.RawURL] {
				continue
			}
			season := matcher.SeasonOf(primary.AnimeTitle)
			sources := []string{primary.Source}
			urls := []string{primary.RawURL}
			var consumed []string

			for _, member := range group[1:] {
				candidates := lo.Filter(bySource[member], func(c model.Anime, _ int) bool {
					return !used[c.RawURL] &&
						!lo.Contains(consumed, c.RawURL) &&
						(c.Type == model.TypeMovie) == (primary.Type == model.TypeMovie) &&
						matcher.Matches(matcher.Loose, c.AnimeTitle, primary.AnimeTitle, season)
				})
				if len(candidates) == 0 {
					continue
				}
				idx, _ := matcher.BestMatch(primary.AnimeTitle, lo.Map(candidates, func(c model.Anime, _ int) string { return c.AnimeTitle }))
				partner := candidates[idx]
				sources = append(sources, partner.Source)
				urls = append(urls, partner.RawURL)
				consumed = append(consumed, partner.RawURL)
			}
			if len(consumed) == 0 {
				continue
			}

			used[primary.RawURL] = true
			for _, u := range consumed {
				used[u] = true
			}
			merged := primary
			merged.Source = strings.Join(sources, mergeSourceSeparator)
			merged.RawURL = strings.Join(urls, MergeSeparator)
			combined[primary.RawURL] = merged
			log.Debug().Str("title", primary.AnimeTitle).Str("sources", merged.Source).Msg("Merged anime across sources")
		}
	}

	var out []model.Anime
	for _, r := range results {
		for _, a := range r.animes {
			if m, ok := combined[a.RawURL]; ok {
				out = append(out, m)
				continue
			}
			if !used[a.RawURL] {
				out = append(out, a)
			}
		}
	}
	return out
}

// ================== 剧集 ==================

// Bangumi lists the episodes of a cached anime and assigns their IDs
func (o *Orchestrator) Bangumi(ctx context.Context, animeID int64) (*model.Bangumi, error) {
	entry, ok := o.ids.Anime(animeID)
	if !ok {
		return nil, model.NotFound("番剧 %d 不存在或已过期", animeID)
	}

	infos, err := o.listEpisodes(ctx, entry.Source, entry.URL)
	if err != nil {
		return nil, err
	}
	episodes, err := o.ids.SetEpisodes(animeID, infos)
	if err != nil {
		return nil, err
	}

	return &model.Bangumi{
		AnimeID:    animeID,
		AnimeTitle: entry.Title,
		Type:       entry.Type,
		ImageURL:   entry.ImageURL,
		Source:     entry.Source,
		Episodes:   episodes,
	}, nil
}

// listEpisodes lists the episodes of an anime. For merged anime every member
// is listed and episodes are aligned by position; the primary must succeed,
// a failing partner only loses its share.
func (o *Orchestrator) listEpisodes(ctx context.Context, sourceName, rawURL string) ([]model.EpisodeInfo, error) {
	names := strings.Split(sourceName, mergeSourceSeparator)
	urls := strings.Split(rawURL, MergeSeparator)
	if len(names) != len(urls) {
		return nil, &model.Error{Kind: model.ErrInternal, Message: "合并番剧数据损坏"}
	}

	lists := make([][]model.EpisodeInfo, len(urls))
	errs := make([]error, len(urls))
	var wg sync.WaitGroup
	for i := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lists[i], errs[i] = o.listOne(ctx, names[i], urls[i])
		}()
	}
	wg.Wait()

	if errs[0] != nil {
		return nil, errs[0]
	}
	out := append([]model.EpisodeInfo(nil), lists[0]...)
	for i := 1; i < len(lists); i++ {
		if errs[i] != nil {
			log.Warn().Err(errs[i]).Str("source", names[i]).Msg("⚠️ Merge partner episodes failed, skipped")
			continue
		}
		for j := range out {
			if j < len(lists[i]) {
				out[j].URL += MergeSeparator + lists[i][j].URL
			}
		}
	}
	return out, nil
}

func (o *Orchestrator) listOne(ctx context.Context, name, animeURL string) ([]model.EpisodeInfo, error) {
	adapter, ok := o.registry.Get(name)
	if !ok {
		return nil, model.NotFound("数据源 %s 未启用", name)
	}
	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	start := time.Now()
	episodes, err := adapter.ListEpisodes(ctx, animeURL)
	o.metrics.RecordSourceCall(context.WithoutCancel(ctx), name, err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}
	return o.opts.Filter.Episodes(episodes), nil
}

// SearchEpisodes searches anime and lists episodes of every hit. When episode
// is positive only that episode number is kept. Anime whose listing fails are
// skipped.
func (o *Orchestrator) SearchEpisodes(ctx context.Context, anime string, episode int) ([]model.AnimeWithEpisodes, error) {
	animes, err := o.SearchAnime(ctx, anime)
	if err != nil {
		return nil, err
	}

	out := make([]*model.AnimeWithEpisodes, len(animes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, a := range animes {
		g.Go(func() error {
			b, err := o.Bangumi(gctx, a.AnimeID)
			if err != nil {
				log.Warn().Err(err).Str("title", a.AnimeTitle).Msg("Episode listing failed, skipped")
				return nil
			}
			eps := b.Episodes
			if episode > 0 {
				eps = lo.Filter(eps, func(e model.Episode, _ int) bool { return e.EpisodeNumber == episode })
			}
			if len(eps) == 0 {
				return nil
			}
			out[i] = &model.AnimeWithEpisodes{
				AnimeID:    a.AnimeID,
				AnimeTitle: a.AnimeTitle,
				Type:       a.Type,
				Source:     a.Source,
				Episodes:   eps,
			}
			return nil
		})
	}
	_ = g.Wait()

	return lo.FilterMap(out, func(a *model.AnimeWithEpisodes, _ int) (model.AnimeWithEpisodes, bool) {
		if a == nil {
			return model.AnimeWithEpisodes{}, false
		}
		return *a, true
	}), nil
}

// ================== 匹配 ==================

// Match recognises title, season and episode in a file name and resolves them
// to one cached episode
func (o *Orchestrator) Match(ctx context.Context, req model.MatchRequest) ([]model.MatchResult, error) {
	if strings.EqualFold(req.MatchMode, "hashOnly") {
		return nil, model.NotFound("不支持仅按文件哈希匹配")
	}
	info := matcher.ParseFileName(req.FileName)
	if info.Title == "" {
		return nil, model.Validation("无法从文件名解析标题: %s", req.FileName)
	}

	query := o.opts.Mapper.Map(info.Title)
	season := info.Season
	if info.IsMovie {
		season = 0
	}
	log.Debug().
		Str("file", req.FileName).
		Str("title", query).
		Int("season", info.Season).
		Int("episode", info.Episode).
		Bool("movie", info.IsMovie).
		Msg("File name parsed")

	animes, err := o.search(ctx, query, func(a model.Anime) bool {
		return matcher.Matches(matcher.Strict, a.AnimeTitle, query, season)
	})
	if err != nil {
		return nil, err
	}

	mode := lo.Ternary(o.opts.Strict, matcher.Strict, matcher.Loose)
	best, ok := rank(animes, query, season, mode)
	if !ok && o.resolver != nil {
		// 中文标题对不上时用原名再比一次
		originals, _ := o.resolver.OriginalTitles(ctx, query)
		for _, title := range originals {
			if best, ok = rank(animes, title, season, matcher.Loose); ok {
				log.Debug().Str("title", query).Str("original", title).Msg("Matched by original title")
				break
			}
		}
	}
	if !ok {
		return nil, model.NotFound("未匹配到番剧: %s", query)
	}

	bangumi, err := o.Bangumi(ctx, best.AnimeID)
	if err != nil {
		return nil, err
	}
	ep, ok := pickEpisode(bangumi.Episodes, info)
	if !ok {
		return nil, model.NotFound("%s 没有第 %d 集", best.AnimeTitle, info.Episode)
	}

	return []model.MatchResult{{
		EpisodeID:    ep.EpisodeID,
		AnimeID:      best.AnimeID,
		AnimeTitle:   best.AnimeTitle,
		EpisodeTitle: ep.EpisodeTitle,
		Type:         best.Type,
	}}, nil
}

// rank returns the candidate closest to query among those passing mode.
// Ties keep the shorter base title, then the higher priority source.
func rank(animes []model.Anime, query string, season int, mode matcher.Mode) (model.Anime, bool) {
	passing := lo.Filter(animes, func(a model.Anime, _ int) bool {
		return matcher.Matches(mode, a.AnimeTitle, query, season)
	})
	if len(passing) == 0 {
		return model.Anime{}, false
	}
	idx, _ := matcher.BestMatch(query, lo.Map(passing, func(a model.Anime, _ int) string { return a.AnimeTitle }))
	return passing[idx], true
}

// pickEpisode finds the episode by number, falling back to its position
func pickEpisode(episodes []model.Episode, info matcher.FileInfo) (model.Episode, bool) {
	if len(episodes) == 0 {
		return model.Episode{}, false
	}
	if info.IsMovie || (len(episodes) == 1 && info.Episode <= 1) {
		return episodes[0], true
	}
	if ep, ok := lo.Find(episodes, func(e model.Episode) bool { return e.EpisodeNumber == info.Episode }); ok {
		return ep, true
	}
	if info.Episode >= 1 && info.Episode <= len(episodes) {
		return episodes[info.Episode-1], true
	}
	return model.Episode{}, false
}
