package source

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"danmu-api-service/internal/danmaku"
	"danmu-api-service/pkg/httpclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func newClient() *httpclient.Client {
	return httpclient.NewClient(httpclient.Options{Timeout: 2 * time.Second, Retries: 1})
}

// ================== bilibili ==================

func segReply(progressMs int32, text string) []byte {
	var elem []byte
	elem = protowire.AppendTag(elem, 1, protowire.VarintType)
	elem = protowire.AppendVarint(elem, 1)
	elem = protowire.AppendTag(elem, 2, protowire.VarintType)
	elem = protowire.AppendVarint(elem, uint64(progressMs))
	elem = protowire.AppendTag(elem, 7, protowire.BytesType)
	elem = protowire.AppendString(elem, text)

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	return protowire.AppendBytes(b, elem)
}

func bilibiliServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/x/web-interface/search/type", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "https://www.bilibili.com/", r.Header.Get("Referer"))
		if r.URL.Query().Get("search_type") == "media_ft" {
			fmt.Fprint(w, `{"code":0,"data":{"result":null}}`)
			return
		}
		fmt.Fprint(w, `{"code":0,"data":{"result":[
			{"season_id":45969,"title":"<em class=\"keyword\">胆大党</em>","cover":"https://i0.hdslb.com/a.jpg","season_type_name":"番剧","pubtime":1728000000,"ep_size":12}
		]}}`)
	})
	mux.HandleFunc("/pgc/view/web/season", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"result":{"episodes":[
			{"id":836001,"cid":27000001,"title":"1","long_title":"这不就是恋爱的开始吗","duration":1440000},
			{"id":836002,"cid":27000002,"title":"2","long_title":"这不就是外星人吗","duration":500000}
		]}}`)
	})
	mux.HandleFunc("/x/v2/dm/web/seg.so", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "27000002", r.URL.Query().Get("oid"))
		idx := r.URL.Query().Get("segment_index")
		if idx == "2" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(segReply(int32(10000), "第"+idx+"段"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestBilibiliFlow(t *testing.T) {
	srv := bilibiliServer(t)
	s := NewBilibili(newClient(), "")
	s.apiBase = srv.URL
	ctx := context.Background()

	animes, err := s.Search(ctx, "胆大党")
	require.NoError(t, err)
	require.Len(t, animes, 1)
	assert.Equal(t, "胆大党", animes[0].AnimeTitle)
	assert.Equal(t, "https://www.bilibili.com/bangumi/play/ss45969", animes[0].RawURL)
	assert.Equal(t, 2024, animes[0].Year)

	eps, err := s.ListEpisodes(ctx, animes[0].RawURL)
	require.NoError(t, err)
	require.Len(t, eps, 2)
	assert.Equal(t, "https://www.bilibili.com/bangumi/play/ep836002", eps[1].URL)
	assert.Equal(t, 2, eps[1].Number)
	assert.True(t, s.Handles(eps[1].URL))

	raw, err := s.FetchComments(ctx, eps[1].URL)
	require.NoError(t, err)
	assert.Equal(t, danmaku.FormatBilibiliProto, raw.Format)
	assert.Equal(t, 500.0, raw.Duration)
	assert.Len(t, raw.Chunks, 1, "two 6 minute segments, the failed one skipped")

	comments := danmaku.Convert(raw)
	require.Len(t, comments, 1)
	assert.Equal(t, "第1段", comments[0].Text)
}

func TestBilibiliAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":-412,"message":"请求被拦截"}`)
	}))
	defer srv.Close()

	s := NewBilibili(newClient(), "")
	s.apiBase = srv.URL
	_, err := s.Search(context.Background(), "x")
	assert.Error(t, err)
}

// ================== tencent ==================

const tencentSearchHTML = `<html><body>
<div class="result_item_v">
  <h2 class="result_title"><a href="https://v.qq.com/x/cover/mzc00200abc.html">胆大党<span class="type">动漫</span></a></h2>
  <img class="figure_pic" src="//puui.qpic.cn/cover.jpg">
  <div class="result_info">2024 · 日本</div>
  <div class="result_episode_list"><div class="item">1</div><div class="item">2</div></div>
</div>
<div class="result_item_v">
  <h2 class="result_title"><a href="https://v.qq.com/x/page/notacover.html">无关结果</a></h2>
</div>
</body></html>`

const tencentCoverHTML = `<html><body><div class="episode-list">
  <div class="episode-item" data-vid="v0001" data-title="第1集">1</div>
  <div class="episode-item" data-vid="v0002">第2集</div>
  <div class="episode-item" data-vid="v0001">dup</div>
</div></body></html>`

func TestTencentFlow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/x/search/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "胆大党", r.URL.Query().Get("q"))
		fmt.Fprint(w, tencentSearchHTML)
	})
	mux.HandleFunc("/x/cover/mzc00200abc.html", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, tencentCoverHTML)
	})
	mux.HandleFunc("/barrage/base/v0002", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"segment_index":{"30000":{"segment_start":"30000","segment_name":"t/v1/30000/60000"},"0":{"segment_start":"0","segment_name":"t/v1/0/30000"}}}`)
	})
	mux.HandleFunc("/barrage/segment/v0002/t/v1/0/30000", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"barrage_list":[{"id":"1","time_offset":"1000","content":"前排"}]}`)
	})
	mux.HandleFunc("/barrage/segment/v0002/t/v1/30000/60000", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"barrage_list":[{"id":"2","time_offset":"45000","content":"好耶"}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := NewTencent(newClient())
	s.webBase, s.dmBase = srv.URL, srv.URL
	ctx := context.Background()

	animes, err := s.Search(ctx, "胆大党")
	require.NoError(t, err)
	require.Len(t, animes, 1)
	assert.Equal(t, "胆大党", animes[0].AnimeTitle)
	assert.Equal(t, "动漫", animes[0].TypeDescription)
	assert.Equal(t, "https://puui.qpic.cn/cover.jpg", animes[0].ImageURL)
	assert.Equal(t, 2024, animes[0].Year)
	assert.Equal(t, 2, animes[0].EpisodeCount)

	eps, err := s.ListEpisodes(ctx, animes[0].RawURL)
	require.NoError(t, err)
	require.Len(t, eps, 2)
	assert.Equal(t, "第1集", eps[0].Title)
	assert.Equal(t, 2, eps[1].Number)
	assert.True(t, s.Handles(eps[1].URL))
	assert.False(t, s.Handles(animes[0].RawURL))

	raw, err := s.FetchComments(ctx, eps[1].URL)
	require.NoError(t, err)
	comments := danmaku.Convert(raw)
	require.Len(t, comments, 2)
	assert.Equal(t, "前排", comments[0].Text)
	assert.Equal(t, 45.0, comments[1].Time)
}

// ================== dandan ==================

func TestDandanSignsRequests(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sum := sha256.Sum256([]byte("app" + "1700000000" + r.URL.Path + "secret"))
		assert.Equal(t, base64.StdEncoding.EncodeToString(sum[:]), r.Header.Get("X-Signature"))
		assert.Equal(t, "app", r.Header.Get("X-AppId"))

		switch {
		case r.URL.Path == "/api/v2/search/anime":
			fmt.Fprint(w, `{"success":true,"animes":[{"animeId":18541,"animeTitle":"胆大党","type":"tvseries","typeDescription":"TV动画","startDate":"2024-10-04T00:00:00","episodeCount":12}]}`)
		case r.URL.Path == "/api/v2/bangumi/18541":
			fmt.Fprint(w, `{"bangumi":{"episodes":[{"episodeId":185410001,"episodeTitle":"第1话 这不就是恋爱的开始吗","episodeNumber":"1"},{"episodeId":185410013,"episodeTitle":"SP","episodeNumber":"S1"}]}}`)
		case strings.HasPrefix(r.URL.Path, "/api/v2/comment/"):
			assert.Equal(t, "true", r.URL.Query().Get("withRelated"))
			fmt.Fprint(w, `{"count":1,"comments":[{"cid":1,"p":"1.00,1,16777215,[BiliBili]x","m":"hi"}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	s := NewDandan(newClient(), "app", "secret")
	s.baseURL = srv.URL
	s.now = func() time.Time { return now }
	ctx := context.Background()

	animes, err := s.Search(ctx, "胆大党")
	require.NoError(t, err)
	require.Len(t, animes, 1)
	assert.Equal(t, 2024, animes[0].Year)

	eps, err := s.ListEpisodes(ctx, animes[0].RawURL)
	require.NoError(t, err)
	require.Len(t, eps, 2)
	assert.Equal(t, 1, eps[0].Number)
	assert.Equal(t, 2, eps[1].Number, "non numeric episode numbers fall back to the position")
	assert.True(t, s.Handles(eps[0].URL))

	raw, err := s.FetchComments(ctx, eps[0].URL)
	require.NoError(t, err)
	assert.Len(t, danmaku.Convert(raw), 1)
}

// ================== vod ==================

func TestVodSearchAndEpisodes(t *testing.T) {
	body := `{"code":1,"list":[
		{"vod_id":7,"vod_name":"胆大党","type_name":"日韩动漫","vod_year":"2024",
		 "vod_play_from":"m3u8$$$qq",
		 "vod_play_url":"第01集$https://cdn.example.com/1.m3u8$$$第01集$https://v.qq.com/x/cover/mzc1/v1.html#第02集$https://v.qq.com/x/cover/mzc1/v2.html"},
		{"vod_id":8,"vod_name":"只有直链","vod_play_url":"第01集$https://cdn.example.com/x.m3u8"}
	]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api.php/provide/vod/", r.URL.Path)
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	tencent := NewTencent(newClient())
	s := NewVod(newClient(), []string{"demo@" + srv.URL + "/", "http://127.0.0.1:1"})
	s.resolvable = tencent.Handles
	ctx := context.Background()

	animes, err := s.Search(ctx, "胆大党")
	require.NoError(t, err, "one failing server is tolerated")
	require.Len(t, animes, 1, "entries without resolvable episodes skipped")
	assert.Equal(t, "vod", animes[0].Source)
	assert.Contains(t, animes[0].RawURL, "ids=7")

	eps, err := s.ListEpisodes(ctx, animes[0].RawURL)
	require.NoError(t, err)
	require.Len(t, eps, 2)
	assert.Equal(t, "https://v.qq.com/x/cover/mzc1/v2.html", eps[1].URL)
	assert.False(t, s.Handles(eps[1].URL))
}

// ================== registry ==================

func TestRegistry(t *testing.T) {
	client := newClient()
	reg := NewRegistry(NewBilibili(client, ""), NewTencent(client), NewVod(client, nil))

	ordered := reg.Ordered([]string{"tencent", "unknown", "Bilibili", "tencent"})
	require.Len(t, ordered, 2)
	assert.Equal(t, Tencent, ordered[0].Name())
	assert.Equal(t, Bilibili, ordered[1].Name())

	a, ok := reg.ForURL("https://www.bilibili.com/bangumi/play/ep836002")
	require.True(t, ok)
	assert.Equal(t, Bilibili, a.Name())

	a, ok = reg.ForURL("https://v.qq.com/x/cover/mzc1/v2.html")
	require.True(t, ok)
	assert.Equal(t, Tencent, a.Name())

	_, ok = reg.ForURL("https://example.com/video/1")
	assert.False(t, ok)

	assert.Equal(t, []string{"bilibili", "tencent", "vod"}, reg.Names())
}
