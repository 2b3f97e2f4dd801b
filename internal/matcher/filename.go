package matcher

import (
	"path"
	"regexp"
	"strings"
)

// FileInfo is what can be recovered from a video file name
type FileInfo struct {
	Title   string
	Season  int
	Episode int
	IsMovie bool
}

var videoExts = map[string]bool{
	".mkv": true, ".mp4": true, ".avi": true, ".flv": true, ".ts": true,
	".rmvb": true, ".wmv": true, ".mov": true, ".webm": true, ".m2ts": true,
}

var (
	leadingGroup = regexp.MustCompile(`^\s*[\[【][^\]】]*[\]】]\s*`)
	brackets     = regexp.MustCompile(`[\[【]([^\]】]*)[\]】]`)
	noiseTokens  = regexp.MustCompile(`(?i)\b(?:2160p|1080p|720p|480p|4k|x26[45]|h\.?26[45]|hevc|avc|aac|flac|web-?dl|webrip|bdrip|bluray|hdr|10bit|8bit|chs|cht|gb|big5|mp4|mkv)\b`)
	yearToken    = regexp.MustCompile(`[\(（]?(19|20)\d{2}[\)）]?`)

	sxxExx      = regexp.MustCompile(`(?i)^(.*?)[\s._-]*s(\d{1,2})[\s._-]*e(\d{1,4})`)
	cnSeasonEp  = regexp.MustCompile(`^(.*?)\s*第\s*(` + chineseNumeral + `)\s*季\s*第\s*(` + chineseNumeral + `)\s*[集话話]`)
	cnEpisode   = regexp.MustCompile(`^(.*?)\s*第\s*(` + chineseNumeral + `)\s*[集话話]`)
	dashEpisode = regexp.MustCompile(`(?i)^(.*?)\s*(?:-|\bep|\be|#)\s*(\d{1,4})(?:v\d)?(?:\s|$)`)
	tailNumber  = regexp.MustCompile(`^(.*\S)\s+(\d{1,4})(?:v\d)?\s*$`)
	fullYear    = regexp.MustCompile(`^(19|20)\d{2}$`)
)

// ParseFileName extracts title, season and episode from a video file name.
//
// Supported shapes:
//
//	Title.S01E05.1080p.mkv
//	[Group] Title - 05 [1080p].mkv
//	[Group][Title][05][1080p].mp4
//	Title 第2季 第5集.mp4
//	Title 第二季 - 05.mkv
//	Title (2023).mkv  (movie)
func ParseFileName(fileName string) FileInfo {
	name := path.Base(strings.ReplaceAll(fileName, `\`, "/"))
	if ext := strings.ToLower(path.Ext(name)); videoExts[ext] {
		name = strings.TrimSuffix(name, path.Ext(name))
	}
	if !strings.Contains(name, " ") {
		name = strings.NewReplacer(".", " ", "_", " ").Replace(name)
	}

	// 只有后面还有内容时才去掉字幕组
	if rest := leadingGroup.ReplaceAllString(name, ""); strings.TrimSpace(rest) != "" {
		name = rest
	}
	name = brackets.ReplaceAllString(name, " - $1 ")
	name = noiseTokens.ReplaceAllString(name, " ")
	name = strings.Join(strings.Fields(name), " ")
	name = strings.Trim(name, " -")

	if m := sxxExx.FindStringSubmatch(name); m != nil {
		return FileInfo{Title: cleanTitle(m[1]), Season: ChineseToInt(m[2]), Episode: ChineseToInt(m[3])}
	}
	if m := cnSeasonEp.FindStringSubmatch(name); m != nil {
		return FileInfo{Title: cleanTitle(m[1]), Season: ChineseToInt(m[2]), Episode: ChineseToInt(m[3])}
	}
	if m := cnEpisode.FindStringSubmatch(name); m != nil {
		return withSeason(m[1], ChineseToInt(m[2]))
	}
	if m := dashEpisode.FindStringSubmatch(name); m != nil && strings.TrimSpace(m[1]) != "" {
		return withSeason(m[1], ChineseToInt(m[2]))
	}
	if m := tailNumber.FindStringSubmatch(name); m != nil && !fullYear.MatchString(m[2]) {
		return withSeason(m[1], ChineseToInt(m[2]))
	}

	info := withSeason(yearToken.ReplaceAllString(name, ""), 1)
	info.IsMovie = true
	return info
}

func withSeason(rawTitle string, episode int) FileInfo {
	return FileInfo{
		Title:   cleanTitle(StripSeason(rawTitle)),
		Season:  SeasonOf(rawTitle),
		Episode: episode,
	}
}

func cleanTitle(t string) string {
	t = strings.Join(strings.Fields(t), " ")
	return strings.Trim(t, " -._")
}
