package appstate

import (
	"fmt"
	"testing"

	"danmu-api-service/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLogKeepsLatestInOrder(t *testing.T) {
	l := NewRequestLog(3)
	assert.Empty(t, l.List())

	for i := 0; i < 5; i++ {
		l.Add(model.RequestRecord{ID: fmt.Sprint(i)})
	}

	got := l.List()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"2", "3", "4"}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.Equal(t, 3, l.Len())
}

func TestRequestLogPartial(t *testing.T) {
	l := NewRequestLog(3)
	l.Add(model.RequestRecord{ID: "a"})
	l.Add(model.RequestRecord{ID: "b"})
	got := l.List()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
}

func TestStateReset(t *testing.T) {
	s := New(10, 1, 5)
	s.IDs.AddAnime(model.Anime{RawURL: "https://a", AnimeTitle: "A"})
	s.Limiter.Allow("1.1.1.1")
	s.Requests.Add(model.RequestRecord{ID: "x"})

	assert.False(t, s.Limiter.Allow("1.1.1.1"))

	s.Reset()
	assert.Equal(t, 0, s.IDs.Len())
	assert.Equal(t, 0, s.Requests.Len())
	assert.True(t, s.Limiter.Allow("1.1.1.1"))
}
