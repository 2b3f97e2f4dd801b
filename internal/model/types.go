package model

import "time"

// ================== 通用响应 ==================

// APIResponse is the standard envelope, field names follow the dandanplay API
// so existing players can consume it unchanged.
type APIResponse struct {
	ErrorCode    int    `json:"errorCode"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage"`
	Source       string `json:"source,omitempty"`
}

// OK returns a success envelope
func OK() APIResponse {
	return APIResponse{Success: true}
}

// ================== 番剧 / 剧集 ==================

// Anime types as understood by dandanplay-compatible players
const (
	TypeTVSeries = "tvseries"
	TypeMovie    = "movie"
	TypeOVA      = "ova"
	TypeWeb      = "web"
	TypeOther    = "other"
)

// Anime is a normalized search result from one source
type Anime struct {
	AnimeID         int64  `json:"animeId"`
	AnimeTitle      string `json:"animeTitle"`
	Type            string `json:"type"`
	TypeDescription string `json:"typeDescription"`
	ImageURL        string `json:"imageUrl"`
	Year            int    `json:"year,omitempty"`
	EpisodeCount    int    `json:"episodeCount"`
	Source          string `json:"source"`
	RawURL          string `json:"-"`
}

// Episode belongs to exactly one Anime, its ID encodes the owner
type Episode struct {
	EpisodeID     int64  `json:"episodeId"`
	EpisodeTitle  string `json:"episodeTitle"`
	EpisodeNumber int    `json:"episodeNumber"`
}

// EpisodeInfo is what a source returns when listing episodes
type EpisodeInfo struct {
	Title  string `json:"title"`
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// Bangumi is the detail aggregate for one anime
type Bangumi struct {
	AnimeID    int64     `json:"animeId"`
	AnimeTitle string    `json:"animeTitle"`
	Type       string    `json:"type"`
	ImageURL   string    `json:"imageUrl"`
	Source     string    `json:"source"`
	Episodes   []Episode `json:"episodes"`
}

// AnimeWithEpisodes is returned by the episode search endpoint
type AnimeWithEpisodes struct {
	AnimeID    int64     `json:"animeId"`
	AnimeTitle string    `json:"animeTitle"`
	Type       string    `json:"type"`
	Source     string    `json:"source"`
	Episodes   []Episode `json:"episodes"`
}

// ================== 弹幕 ==================

// Mode is the display position of a comment
type Mode int

const (
	ModeScroll Mode = 1
	ModeBottom Mode = 4
	ModeTop    Mode = 5
)

// Comment is the canonical danmu record
type Comment struct {
	CID    int64   `json:"cid"`
	Time   float64 `json:"time"`
	Mode   Mode    `json:"mode"`
	Color  int     `json:"color"`
	Sender string  `json:"sender,omitempty"`
	Text   string  `json:"m"`
	Source string  `json:"source,omitempty"`
}

// Segment is a bounded time window of one video's comments
type Segment struct {
	Source   string    `json:"source"`
	URL      string    `json:"url"`
	Start    float64   `json:"segmentStart"`
	End      float64   `json:"segmentEnd"`
	Comments []Comment `json:"comments,omitempty"`
}

// ================== 匹配 ==================

// MatchRequest is the body of POST /api/v2/match
type MatchRequest struct {
	FileName  string `json:"fileName"`
	FileHash  string `json:"fileHash"`
	FileSize  int64  `json:"fileSize"`
	MatchMode string `json:"matchMode"`
}

// MatchResult is one matched episode
type MatchResult struct {
	EpisodeID    int64   `json:"episodeId"`
	AnimeID      int64   `json:"animeId"`
	AnimeTitle   string  `json:"animeTitle"`
	EpisodeTitle string  `json:"episodeTitle"`
	Type         string  `json:"type"`
	Shift        float64 `json:"shift"`
}

// ================== 观测 ==================

// RequestRecord is kept for observability only
type RequestRecord struct {
	ID        string            `json:"id"`
	Path      string            `json:"interface"`
	Params    map[string]string `json:"params"`
	Method    string            `json:"method"`
	ClientIP  string            `json:"clientIp"`
	Timestamp time.Time         `json:"timestamp"`
}
