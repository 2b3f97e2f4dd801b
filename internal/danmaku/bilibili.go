package danmaku

import (
	"fmt"
	"strconv"

	"danmu-api-service/internal/model"

	"google.golang.org/protobuf/encoding/protowire"
)

// DmSegMobileReply / DanmakuElem field numbers
const (
	segFieldElems = 1

	elemFieldID       = 1
	elemFieldProgress = 2 // 毫秒
	elemFieldMode     = 3
	elemFieldFontSize = 4
	elemFieldColor    = 5
	elemFieldMidHash  = 6
	elemFieldContent  = 7
	elemFieldCtime    = 8
	elemFieldIDStr    = 12
)

// bilibili modes 7/8 are positioned/scripted comments with no plain text
const (
	biliModeAdvanced = 7
	biliModeCode     = 8
)

// DecodeBilibiliSegment decodes one seg.so protobuf reply into comments.
// Unknown fields are skipped so newer server payloads still decode.
func DecodeBilibiliSegment(data []byte) ([]model.Comment, error) {
	var out []model.Comment
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("segment tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if num == segFieldElems && typ == protowire.BytesType {
			elem, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("segment elem: %w", protowire.ParseError(n))
			}
			data = data[n:]

			c, mode, err := decodeElem(elem)
			if err != nil {
				return nil, err
			}
			if mode == biliModeAdvanced || mode == biliModeCode {
				continue
			}
			out = append(out, c)
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return nil, fmt.Errorf("segment field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]
	}
	return out, nil
}

func decodeElem(data []byte) (model.Comment, int, error) {
	c := model.Comment{Mode: model.ModeScroll, Color: White, Source: "bilibili"}
	var rawMode int

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return c, 0, fmt.Errorf("elem tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return c, 0, fmt.Errorf("elem field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case elemFieldID:
				c.CID = int64(v)
			case elemFieldProgress:
				c.Time = float64(int32(v)) / 1000
			case elemFieldMode:
				rawMode = int(v)
				c.Mode = normalizeMode(rawMode)
			case elemFieldColor:
				c.Color = normalizeColor(int64(uint32(v)))
			case elemFieldFontSize, elemFieldCtime:
			}
		case typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return c, 0, fmt.Errorf("elem field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case elemFieldMidHash:
				c.Sender = string(b)
			case elemFieldContent:
				c.Text = string(b)
			case elemFieldIDStr:
				if c.CID == 0 {
					c.CID, _ = strconv.ParseInt(string(b), 10, 64)
				}
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return c, 0, fmt.Errorf("elem field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return c, rawMode, nil
}
