package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"danmu-api-service/internal/danmaku"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration for the service
type Config struct {
	Port        string
	GinMode     string
	LogLevel    string
	RedisURL    string
	AdminAPIKey string
	// TrustedProxies may set X-Forwarded-For, empty means the peer address is the client
	TrustedProxies []string

	// Sources
	SourceOrder    []string
	SourceTimeout  time.Duration
	Retries        int
	Proxies        ProxyConfig
	VodServers     []string
	DandanAppID    string
	DandanSecret   string
	BilibiliCookie string
	TMDBAPIKeys    []string // 支持多个 API Key 轮询
	TMDBBaseURL    string

	// Matching
	TitleFilterEnable      bool
	AnimeTitleFilters      []*regexp.Regexp
	EpisodeTitleFilters    []*regexp.Regexp
	StrictTitleMatch       bool
	StrictQueryMergeGroups bool
	TitleMapping           map[string]string

	// Danmu
	MergeGroups     [][]string
	GroupMinutes    int
	DanmuLimit      int
	BlockedWords    []*regexp.Regexp
	ChConvert       int
	TopBottomScroll bool
	ColorMode       string

	// Caches & limits
	MaxAnimes          int
	IDCachePersist     string
	SQLitePath         string
	CommentCacheTTL    time.Duration
	SegmentDuration    time.Duration
	RateLimitPerMinute int
	RequestRecordSize  int
}

// ProxyConfig resolves which proxy a source should use
type ProxyConfig struct {
	Global    string
	PerSource map[string]string
}

// For returns the proxy for a source, a source-scoped entry wins over the global one
func (p ProxyConfig) For(source string) string {
	if u, ok := p.PerSource[source]; ok {
		return u
	}
	return p.Global
}

// Chinese conversion and color modes, shared with the danmaku transforms
const (
	ChConvertNone        = danmaku.ChConvertNone
	ChConvertSimplified  = danmaku.ChConvertSimplified
	ChConvertTraditional = danmaku.ChConvertTraditional

	ColorDefault = danmaku.ColorDefault
	ColorWhite   = danmaku.ColorWhite
	ColorRandom  = danmaku.ColorRandom
)

const defaultEpisodeFilter = `(特别|惊喜|纳凉)?企划|合伙人手记|超前(营业|vlog)?|速览|vlog|reaction|纯享|加更(版|篇)?|抢先(看|版|集|篇)?|抢鲜|预告|花絮|特辑|彩蛋|专访|幕后|PV|直拍|未播|衍生|番外|会员(专享|加长)?|片花|精华|看点|速看|解读|影评|解说|吐槽|盘点`

// Load reads configuration from environment variables
func Load() *Config {
	// .env 文件可选，不存在时忽略
	_ = godotenv.Load()

	return &Config{
		Port:           getEnv("PORT", "9321"),
		GinMode:        getEnv("GIN_MODE", "release"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		RedisURL:       os.Getenv("REDIS_URL"),
		AdminAPIKey:    os.Getenv("ADMIN_API_KEY"),
		TrustedProxies: splitList(os.Getenv("TRUSTED_PROXIES"), ","),

		SourceOrder:    splitList(getEnv("SOURCE_ORDER", "dandan,bilibili,tencent,vod"), ","),
		SourceTimeout:  getDuration("SOURCE_TIMEOUT", 10*time.Second),
		Retries:        getInt("UPSTREAM_RETRIES", 2),
		Proxies:        ParseProxies(os.Getenv("PROXY_URL")),
		VodServers:     splitList(os.Getenv("VOD_SERVERS"), ","),
		DandanAppID:    os.Getenv("DANDAN_APP_ID"),
		DandanSecret:   os.Getenv("DANDAN_APP_SECRET"),
		BilibiliCookie: os.Getenv("BILIBILI_COOKIE"),
		TMDBAPIKeys:    splitList(os.Getenv("TMDB_API_KEY"), ","),
		TMDBBaseURL:    getEnv("TMDB_BASE_URL", "https://api.themoviedb.org/3"),

		TitleFilterEnable:      getBool("TITLE_FILTER_ENABLE", false),
		AnimeTitleFilters:      CompilePatterns(SplitPatterns(os.Getenv("ANIME_TITLE_FILTER"))),
		EpisodeTitleFilters:    CompilePatterns([]string{getEnv("EPISODE_TITLE_FILTER", defaultEpisodeFilter)}),
		StrictTitleMatch:       getBool("STRICT_TITLE_MATCH", false),
		StrictQueryMergeGroups: getBool("STRICT_MATCH_QUERY_MERGE_PARTNERS", true),
		TitleMapping:           ParseTitleMapping(os.Getenv("TITLE_MAPPING_TABLE")),

		MergeGroups:     ParseMergeGroups(os.Getenv("MERGE_SOURCE_PAIRS")),
		GroupMinutes:    getInt("GROUP_MINUTE", 1),
		DanmuLimit:      getInt("DANMU_LIMIT", 0),
		BlockedWords:    CompilePatterns(SplitPatterns(os.Getenv("BLOCKED_WORDS"))),
		ChConvert:       parseChConvert(getEnv("DANMU_SIMPLIFIED_TRADITIONAL", "default")),
		TopBottomScroll: getBool("CONVERT_TOP_BOTTOM_TO_SCROLL", false),
		ColorMode:       parseColorMode(getEnv("CONVERT_COLOR", ColorDefault)),

		MaxAnimes:          getInt("MAX_ANIMES", 100),
		IDCachePersist:     getEnv("ID_CACHE_PERSIST", "none"),
		SQLitePath:         getEnv("SQLITE_PATH", "data/danmu.db"),
		CommentCacheTTL:    time.Duration(getInt("COMMENT_CACHE_MINUTES", 30)) * time.Minute,
		SegmentDuration:    time.Duration(getInt("SEGMENT_MINUTES", 20)) * time.Minute,
		RateLimitPerMinute: getInt("RATE_LIMIT_MAX_REQUESTS", 3),
		RequestRecordSize:  getInt("REQUEST_RECORD_SIZE", 100),
	}
}

// ParseProxies parses "url" or "source@url,source2@url2", entries may be mixed
func ParseProxies(raw string) ProxyConfig {
	cfg := ProxyConfig{PerSource: map[string]string{}}
	for _, item := range splitList(raw, ",") {
		// "http://user@host" 也包含 @，只有前缀不含 :// 时才视为来源限定
		if at := strings.Index(item, "@"); at > 0 && !strings.Contains(item[:at], "://") {
			cfg.PerSource[strings.ToLower(item[:at])] = item[at+1:]
			continue
		}
		cfg.Global = item
	}
	return cfg
}

// ParseMergeGroups parses "bilibili&tencent,dandan&bilibili"
func ParseMergeGroups(raw string) [][]string {
	var groups [][]string
	for _, item := range splitList(raw, ",") {
		members := splitList(item, "&")
		if len(members) < 2 {
			continue
		}
		for i := range members {
			members[i] = strings.ToLower(members[i])
		}
		groups = append(groups, members)
	}
	return groups
}

// ParseTitleMapping parses "original->mapped;original2->mapped2"
func ParseTitleMapping(raw string) map[string]string {
	mapping := map[string]string{}
	for _, pair := range splitList(raw, ";") {
		parts := strings.SplitN(pair, "->", 2)
		if len(parts) != 2 {
			log.Warn().Str("entry", pair).Msg("Ignoring malformed title mapping")
			continue
		}
		from, to := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if from == "" || to == "" {
			continue
		}
		mapping[from] = to
	}
	return mapping
}

// SplitPatterns splits a comma separated pattern list. A "/re/" item runs to
// the closing slash followed by a comma or the end, so it may contain commas
// such as {m,n} quantifiers.
func SplitPatterns(raw string) []string {
	out := []string{}
	rest := strings.TrimSpace(raw)
	for rest != "" {
		var item string
		switch {
		case strings.HasPrefix(rest, "/"):
			if end := closingSlash(rest); end > 0 {
				item, rest = rest[:end+1], rest[end+1:]
			} else {
				item, rest = rest, ""
			}
			rest = strings.TrimPrefix(strings.TrimSpace(rest), ",")
		default:
			if i := strings.Index(rest, ","); i >= 0 {
				item, rest = rest[:i], rest[i+1:]
			} else {
				item, rest = rest, ""
			}
		}
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
		rest = strings.TrimSpace(rest)
	}
	return out
}

// closingSlash returns the index of the slash ending the "/re/" item at the
// start of s, -1 when there is none
func closingSlash(s string) int {
	for i := 1; i < len(s); i++ {
		if s[i] != '/' {
			continue
		}
		if tail := strings.TrimLeft(s[i+1:], " \t"); tail == "" || tail[0] == ',' {
			return i
		}
	}
	return -1
}

// CompilePatterns compiles a regex list, "/re/" and plain text are both accepted.
// Invalid patterns are skipped.
func CompilePatterns(patterns []string) []*regexp.Regexp {
	var out []*regexp.Regexp
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if len(p) >= 2 && strings.HasPrefix(p, "/") && strings.HasSuffix(p, "/") {
			p = p[1 : len(p)-1]
		}
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			log.Warn().Err(err).Str("pattern", p).Msg("Skipping invalid pattern")
			continue
		}
		out = append(out, re)
	}
	return out
}

func parseChConvert(v string) int {
	switch strings.ToLower(v) {
	case "simplified", "1":
		return ChConvertSimplified
	case "traditional", "2":
		return ChConvertTraditional
	default:
		return ChConvertNone
	}
}

func parseColorMode(v string) string {
	switch strings.ToLower(v) {
	case ColorWhite:
		return ColorWhite
	case ColorRandom:
		return ColorRandom
	default:
		return ColorDefault
	}
}

func splitList(raw, sep string) []string {
	out := []string{}
	for _, p := range strings.Split(raw, sep) {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid integer, using default")
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	// 纯数字按秒处理
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}

// DanmakuOptions returns the configured post-merge transforms
func (c *Config) DanmakuOptions() danmaku.Options {
	return danmaku.Options{
		Blocked:           c.BlockedWords,
		ChConvert:         c.ChConvert,
		TopBottomToScroll: c.TopBottomScroll,
		ColorMode:         c.ColorMode,
		Limit:             c.DanmuLimit,
	}
}
