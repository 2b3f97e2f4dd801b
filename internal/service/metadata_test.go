package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"danmu-api-service/pkg/httpclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHTTPClient() *httpclient.Client {
	return httpclient.NewClient(httpclient.Options{Timeout: 2 * time.Second, Retries: 1})
}

func TestTMDBOriginalTitlesRotatesKeys(t *testing.T) {
	var (
		mu   sync.Mutex
		auth []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search/multi", r.URL.Path)
		mu.Lock()
		auth = append(auth, r.Header.Get("Authorization"))
		mu.Unlock()
		fmt.Fprint(w, `{"results":[
			{"id":1,"media_type":"person","name":"胆大党","original_name":"Someone"},
			{"id":2,"media_type":"tv","name":"胆大党","original_name":"ダンダダン","original_language":"ja","vote_average":8.5,"popularity":120},
			{"id":3,"media_type":"movie","title":"胆小鬼","original_title":"Coward","vote_average":6,"popularity":3}
		]}`)
	}))
	defer srv.Close()

	tmdb := NewTMDBService(newHTTPClient(), []string{"k1", "k2"}, srv.URL+"/")
	require.True(t, tmdb.IsConfigured())
	assert.Equal(t, 2, tmdb.KeyCount())

	for i := 0; i < 3; i++ {
		titles, err := tmdb.OriginalTitles(context.Background(), "胆大党")
		require.NoError(t, err)
		assert.Equal(t, []string{"ダンダダン", "胆大党"}, titles)
	}
	assert.Equal(t, []string{"Bearer k1", "Bearer k2", "Bearer k1"}, auth)
}

func TestTMDBWithoutKeys(t *testing.T) {
	tmdb := NewTMDBService(newHTTPClient(), nil, "http://127.0.0.1:1")
	titles, err := tmdb.OriginalTitles(context.Background(), "胆大党")
	assert.NoError(t, err)
	assert.Empty(t, titles)
}

func TestDoubanOriginalTitles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/j/subject_suggest", r.URL.Path)
		assert.Equal(t, "胆大党", r.URL.Query().Get("q"))
		fmt.Fprint(w, `[
			{"id":"36416155","title":"胆大党","sub_title":"ダンダダン","year":"2024","type":"tv"},
			{"id":"1","title":"完全无关的片子","sub_title":"Unrelated","year":"2001","type":"movie"}
		]`)
	}))
	defer srv.Close()

	douban := NewDoubanService(newHTTPClient())
	douban.baseURL = srv.URL

	titles, err := douban.OriginalTitles(context.Background(), "胆大党")
	require.NoError(t, err)
	assert.Equal(t, []string{"ダンダダン"}, titles)
}

type failingResolver struct{}

func (failingResolver) OriginalTitles(context.Context, string) ([]string, error) {
	return nil, errors.New("boom")
}

func TestResolversSkipFailures(t *testing.T) {
	rs := Resolvers{failingResolver{}, stubResolver{"胆大党": {"ダンダダン", "Dandadan"}}, stubResolver{"胆大党": {"ダンダダン"}}}
	titles, err := rs.OriginalTitles(context.Background(), "胆大党")
	require.NoError(t, err)
	assert.Equal(t, []string{"ダンダダン", "Dandadan"}, titles)
}
