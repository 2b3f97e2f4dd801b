// Package danmaku turns raw source payloads into canonical comments and
// merges, filters and serializes them.
package danmaku

import (
	"encoding/json"
	"hash/fnv"
	"math"
	"strconv"
	"strings"

	"danmu-api-service/internal/model"

	"github.com/rs/zerolog/log"
)

// Format identifies how the chunks of a Raw payload are encoded
type Format string

const (
	FormatDandanJSON    Format = "dandan-json"
	FormatBilibiliProto Format = "bilibili-proto"
	FormatBilibiliXML   Format = "bilibili-xml"
	FormatTencentJSON   Format = "tencent-json"
)

// Raw is an undecoded comment payload as fetched from one source.
// Duration is the video length in seconds, 0 when unknown.
type Raw struct {
	Source   string
	Format   Format
	Duration float64
	Chunks   [][]byte
}

// Convert decodes every chunk of raw into canonical comments sorted by time.
// A chunk that cannot be decoded is logged and skipped, bad fields fall back
// to defaults and comments outside [0, Duration) are dropped.
func Convert(raw *Raw) []model.Comment {
	if raw == nil {
		return nil
	}

	var out []model.Comment
	for i, chunk := range raw.Chunks {
		var (
			comments []model.Comment
			err      error
		)
		switch raw.Format {
		case FormatDandanJSON:
			comments, err = decodeDandanJSON(chunk)
		case FormatBilibiliProto:
			comments, err = DecodeBilibiliSegment(chunk)
		case FormatBilibiliXML:
			comments, err = ParseXML(chunk)
		case FormatTencentJSON:
			comments, err = decodeTencentJSON(chunk)
		default:
			log.Error().Str("format", string(raw.Format)).Msg("Unknown danmaku format")
			return nil
		}
		if err != nil {
			log.Warn().Err(err).Str("source", raw.Source).Int("chunk", i).Msg("Skipping undecodable danmaku chunk")
			continue
		}
		out = append(out, comments...)
	}

	valid := out[:0]
	for _, c := range out {
		c.Text = xmlSafe(c.Text)
		c.Sender = xmlSafe(c.Sender)
		if !validTime(c.Time, raw.Duration) || strings.TrimSpace(c.Text) == "" {
			continue
		}
		if c.Source == "" {
			c.Source = raw.Source
		}
		valid = append(valid, c)
	}
	sortByTime(valid)
	return valid
}

// xmlSafe drops invalid UTF-8 and runes outside the XML 1.0 Char range so a
// comment serializes to XML and parses back unchanged
func xmlSafe(s string) string {
	s = strings.ToValidUTF8(s, "")
	return strings.Map(func(r rune) rune {
		if isXMLChar(r) {
			return r
		}
		return -1
	}, s)
}

func isXMLChar(r rune) bool {
	return r == '\t' || r == '\n' || r == '\r' ||
		(r >= 0x20 && r <= 0xD7FF) ||
		(r >= 0xE000 && r <= 0xFFFD) ||
		(r >= 0x10000 && r <= 0x10FFFF)
}

func validTime(t, duration float64) bool {
	if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
		return false
	}
	return duration <= 0 || t < duration
}

func normalizeMode(mode int) model.Mode {
	switch mode {
	case int(model.ModeBottom):
		return model.ModeBottom
	case int(model.ModeTop):
		return model.ModeTop
	default:
		return model.ModeScroll
	}
}

func normalizeColor(color int64) int {
	if color < 0 || color > 0xFFFFFF {
		return White
	}
	return int(color)
}

// syntheticCID gives comments without an upstream ID a stable one
func syntheticCID(t float64, text string) int64 {
	h := fnv.New64a()
	h.Write([]byte(strconv.FormatFloat(t, 'f', -1, 64)))
	h.Write([]byte(text))
	return int64(h.Sum64() & math.MaxInt64)
}

// ================== dandanplay ==================

type dandanPayload struct {
	Count    int             `json:"count"`
	Comments []dandanComment `json:"comments"`
}

type dandanComment struct {
	CID int64  `json:"cid"`
	P   string `json:"p"`
	M   string `json:"m"`
}

// decodeDandanJSON reads {"comments":[{"cid":1,"p":"time,mode,color,uid","m":"text"}]}
func decodeDandanJSON(data []byte) ([]model.Comment, error) {
	var payload dandanPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}

	out := make([]model.Comment, 0, len(payload.Comments))
	for _, dc := range payload.Comments {
		fields := strings.Split(dc.P, ",")
		t, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue
		}
		c := model.Comment{CID: dc.CID, Time: t, Mode: model.ModeScroll, Color: White, Text: dc.M}
		if len(fields) > 1 {
			if m, err := strconv.Atoi(fields[1]); err == nil {
				c.Mode = normalizeMode(m)
			}
		}
		if len(fields) > 2 {
			if col, err := strconv.ParseInt(fields[2], 10, 64); err == nil {
				c.Color = normalizeColor(col)
			}
		}
		if len(fields) > 3 {
			c.Sender = fields[3]
		}
		// 部分来源在 p 的末尾追加 [source] 标记
		if last := fields[len(fields)-1]; strings.HasPrefix(last, "[") && strings.HasSuffix(last, "]") {
			c.Source = strings.Trim(last, "[]")
			if len(fields) == 4 {
				c.Sender = ""
			}
		}
		if c.CID == 0 {
			c.CID = syntheticCID(c.Time, c.Text)
		}
		out = append(out, c)
	}
	return out, nil
}

// ================== 腾讯视频 ==================

type tencentPayload struct {
	BarrageList []tencentBarrage `json:"barrage_list"`
}

type tencentBarrage struct {
	ID           string `json:"id"`
	TimeOffset   string `json:"time_offset"`
	Content      string `json:"content"`
	ContentStyle string `json:"content_style"`
	Vuid         string `json:"vuid"`
}

type tencentStyle struct {
	Color          string   `json:"color"`
	GradientColors []string `json:"gradient_colors"`
	Position       int      `json:"position"`
}

// decodeTencentJSON reads one barrage segment, time_offset is in milliseconds
func decodeTencentJSON(data []byte) ([]model.Comment, error) {
	var payload tencentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}

	out := make([]model.Comment, 0, len(payload.BarrageList))
	for _, b := range payload.BarrageList {
		ms, err := strconv.ParseFloat(b.TimeOffset, 64)
		if err != nil {
			continue
		}
		c := model.Comment{Time: ms / 1000, Mode: model.ModeScroll, Color: White, Text: b.Content, Sender: b.Vuid}
		if id, err := strconv.ParseInt(b.ID, 10, 64); err == nil {
			c.CID = id
		} else {
			c.CID = syntheticCID(c.Time, c.Text)
		}

		if b.ContentStyle != "" {
			var style tencentStyle
			if err := json.Unmarshal([]byte(b.ContentStyle), &style); err == nil {
				switch style.Position {
				case 2:
					c.Mode = model.ModeTop
				case 3:
					c.Mode = model.ModeBottom
				}
				hex := style.Color
				if hex == "" && len(style.GradientColors) > 0 {
					hex = style.GradientColors[0]
				}
				if col, err := strconv.ParseInt(strings.TrimPrefix(hex, "#"), 16, 64); err == nil {
					c.Color = normalizeColor(col)
				}
			}
		}
		out = append(out, c)
	}
	return out, nil
}
