package matcher

import (
	"regexp"
	"testing"

	"danmu-api-service/internal/model"

	"github.com/stretchr/testify/assert"
)

func TestChineseToInt(t *testing.T) {
	tests := map[string]int{
		"2":   2,
		"１２":  12,
		"一":   1,
		"两":   2,
		"十":   10,
		"十一":  11,
		"二十":  20,
		"二十三": 23,
		"季":   -1,
		"":    -1,
		"一二":  -1,
	}
	for in, want := range tests {
		assert.Equal(t, want, ChineseToInt(in), in)
	}
}

func TestParseSeason(t *testing.T) {
	tests := []struct {
		title  string
		season int
		found  bool
	}{
		{"XX 第二季", 2, true},
		{"XX 第2季", 2, true},
		{"XX 第十二季", 12, true},
		{"Dandadan S02", 2, true},
		{"鬼灭之刃S03", 3, true},
		{"Overlord Season 4", 4, true},
		{"Mushoku Tensei 2nd Season", 2, true},
		{"Steins;Gate", 0, false},
		{"进击的巨人", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			s, ok := ParseSeason(tt.title)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.season, s)
		})
	}
	assert.Equal(t, 1, SeasonOf("进击的巨人"))
}

func TestStripSeason(t *testing.T) {
	assert.Equal(t, "XX", StripSeason("XX 第二季"))
	assert.Equal(t, "鬼灭之刃", StripSeason("鬼灭之刃S03"))
	assert.Equal(t, "Overlord", StripSeason("Overlord Season 4"))
}

func TestMatchSeason(t *testing.T) {
	anime := model.Anime{AnimeTitle: "XX 第二季"}

	assert.True(t, MatchSeason(anime, "XX", 2))
	assert.False(t, MatchSeason(anime, "XX", 1))
	assert.False(t, MatchSeason(anime, "YY", 2))
	assert.True(t, MatchSeason(model.Anime{AnimeTitle: "XX"}, "XX", 1))
}

func TestParseFileName(t *testing.T) {
	tests := []struct {
		name string
		want FileInfo
	}{
		{"Dandadan.S01E05.1080p.WEB-DL.mkv", FileInfo{Title: "Dandadan", Season: 1, Episode: 5}},
		{"[Nekomoe kissaten] Dandadan - 03 [1080p].mkv", FileInfo{Title: "Dandadan", Season: 1, Episode: 3}},
		{"[Group][Dandadan][07][1080p].mp4", FileInfo{Title: "Dandadan", Season: 1, Episode: 7}},
		{"胆大党 第2季 第5集.mp4", FileInfo{Title: "胆大党", Season: 2, Episode: 5}},
		{"胆大党 第二季 - 05.mkv", FileInfo{Title: "胆大党", Season: 2, Episode: 5}},
		{"/media/anime/胆大党 第12集.mkv", FileInfo{Title: "胆大党", Season: 1, Episode: 12}},
		{"Mob Psycho 100 - 05.mkv", FileInfo{Title: "Mob Psycho 100", Season: 1, Episode: 5}},
		{"Your.Name.2016.1080p.mkv", FileInfo{Title: "Your Name", Season: 1, Episode: 1, IsMovie: true}},
		{"铃芽之旅 (2022).mp4", FileInfo{Title: "铃芽之旅", Season: 1, Episode: 1, IsMovie: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseFileName(tt.name))
		})
	}
}

func TestNormalizeAndConvert(t *testing.T) {
	assert.Equal(t, "國", ToTraditional("国"))
	assert.Equal(t, "从零开始", ToSimplified("從零開始"))
	assert.Equal(t, Normalize("Re：從零開始"), Normalize("re:从零开始"))
	assert.Equal(t, "abc", Normalize("Ａ-B C!"))
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("Dandadan", "DANDADAN"))
	assert.InDelta(t, 0.875, Similarity("dandadan", "dandadam"), 0.001)
	assert.Less(t, Similarity("dandadan", "overlord"), 0.5)
	assert.Equal(t, 0.0, Similarity("", ""))
}

func TestMatches(t *testing.T) {
	assert.True(t, Matches(Strict, "胆大党 第二季", "胆大党", 2))
	assert.False(t, Matches(Strict, "胆大党 特别篇", "胆大党", 1))
	assert.True(t, Matches(Loose, "胆大党 特别篇", "胆大党", 1))
	assert.False(t, Matches(Loose, "胆大党 第二季", "胆大党", 1))
	assert.True(t, Matches(Loose, "dandadan", "dandadam", 0))
}

func TestBestMatchPrefersCanonicalTitle(t *testing.T) {
	titles := []string{"Dandadan (Cantonese)", "Dandadan", "Overlord"}
	idx, score := BestMatch("Dandadan", titles)
	assert.Equal(t, 1, idx)
	assert.Equal(t, 1.0, score)

	// 相似度相同时取括号前更短的标题
	idx, _ = BestMatch("XYZ", []string{"AB (long note)", "A (x)", "ABC"})
	assert.Equal(t, 1, idx)

	idx, _ = BestMatch("x", nil)
	assert.Equal(t, -1, idx)
}

func TestFilter(t *testing.T) {
	f := Filter{
		Anime:   []*regexp.Regexp{regexp.MustCompile(`预告`)},
		Episode: []*regexp.Regexp{regexp.MustCompile(`PV|花絮`)},
	}
	assert.True(t, f.AllowAnime("胆大党 预告"), "disabled filter passes everything")

	f.Enabled = true
	assert.False(t, f.AllowAnime("胆大党 预告"))
	eps := f.Episodes([]model.EpisodeInfo{{Title: "第1集"}, {Title: "PV1"}, {Title: "花絮"}})
	assert.Len(t, eps, 1)
}

func TestTitleMapper(t *testing.T) {
	m := TitleMapper{"胆大党": "超自然武装当哒当"}
	assert.Equal(t, "超自然武装当哒当", m.Map(" 胆大党 "))
	assert.Equal(t, "进击的巨人", m.Map("进击的巨人"))
}

func TestSimilarityCountsRunes(t *testing.T) {
	assert.InDelta(t, 2.0/3.0, Similarity("胆大党", "胆大堂"), 0.001)
	assert.Equal(t, 0.0, Similarity("胆大党", "ダンダダン"))
}
