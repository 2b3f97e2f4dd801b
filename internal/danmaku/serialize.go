package danmaku

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"danmu-api-service/internal/model"
)

// ================== JSON (dandanplay) ==================

// JSONComment is one comment as dandanplay clients expect it
type JSONComment struct {
	CID int64  `json:"cid"`
	P   string `json:"p"`
	M   string `json:"m"`
}

// CommentResult is the body of the comment endpoints
type CommentResult struct {
	Count    int           `json:"count"`
	Comments []JSONComment `json:"comments"`
}

// ToJSON renders comments in the dandanplay "p" attribute shape:
// time,mode,color,[source]
func ToJSON(comments []model.Comment) CommentResult {
	out := make([]JSONComment, len(comments))
	for i, c := range comments {
		source := c.Source
		if source == "" {
			source = "unknown"
		}
		out[i] = JSONComment{
			CID: c.CID,
			P: strings.Join([]string{
				strconv.FormatFloat(c.Time, 'f', 2, 64),
				strconv.Itoa(int(c.Mode)),
				strconv.Itoa(c.Color),
				"[" + source + "]",
			}, ","),
			M: c.Text,
		}
	}
	return CommentResult{Count: len(out), Comments: out}
}

// ================== XML (bilibili) ==================

type xmlDocument struct {
	XMLName    xml.Name     `xml:"i"`
	ChatServer string       `xml:"chatserver"`
	ChatID     int          `xml:"chatid"`
	MaxLimit   int          `xml:"maxlimit"`
	Source     string       `xml:"source"`
	Items      []xmlComment `xml:"d"`
}

type xmlComment struct {
	P    string `xml:"p,attr"`
	Text string `xml:",chardata"`
}

const xmlFontSize = "25"

// MarshalXML renders comments as a bilibili style document,
// each <d p="time,mode,size,color,timestamp,pool,sender,cid">.
func MarshalXML(comments []model.Comment) ([]byte, error) {
	doc := xmlDocument{
		ChatServer: "chat.bilibili.com",
		MaxLimit:   len(comments),
		Source:     "k-v",
		Items:      make([]xmlComment, len(comments)),
	}
	for i, c := range comments {
		sender := strings.ReplaceAll(c.Sender, ",", "")
		if sender == "" {
			sender = "0"
		}
		doc.Items[i] = xmlComment{
			P: strings.Join([]string{
				// 'f', -1 保证解析后与原值完全一致
				strconv.FormatFloat(c.Time, 'f', -1, 64),
				strconv.Itoa(int(c.Mode)),
				xmlFontSize,
				strconv.Itoa(c.Color),
				"0",
				"0",
				sender,
				strconv.FormatInt(c.CID, 10),
			}, ","),
			Text: c.Text,
		}
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode xml: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseXML reads a bilibili style document, comments with an unparseable
// time are skipped.
func ParseXML(data []byte) ([]model.Comment, error) {
	var doc xmlDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode xml: %w", err)
	}

	out := make([]model.Comment, 0, len(doc.Items))
	for _, d := range doc.Items {
		fields := strings.Split(d.P, ",")
		t, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue
		}
		c := model.Comment{Time: t, Mode: model.ModeScroll, Color: White, Text: d.Text}
		if len(fields) > 1 {
			m, err := strconv.Atoi(fields[1])
			if err == nil && (m == biliModeAdvanced || m == biliModeCode) {
				continue
			}
			if err == nil {
				c.Mode = normalizeMode(m)
			}
		}
		if len(fields) > 3 {
			if col, err := strconv.ParseInt(fields[3], 10, 64); err == nil {
				c.Color = normalizeColor(col)
			}
		}
		if len(fields) > 6 && fields[6] != "0" {
			c.Sender = fields[6]
		}
		if len(fields) > 7 {
			c.CID, _ = strconv.ParseInt(fields[7], 10, 64)
		}
		if c.CID == 0 {
			c.CID = syntheticCID(c.Time, c.Text)
		}
		out = append(out, c)
	}
	return out, nil
}
