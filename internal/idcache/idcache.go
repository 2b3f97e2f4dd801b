// Package idcache assigns stable numeric IDs to anime and episode URLs.
//
// Anime IDs are sequential. An episode ID is AnimeID*EpisodeFactor + index,
// so every episode ID maps back to exactly one live anime. Capacity is bounded
// and eviction is FIFO on insertion order; re-adding a known URL does not
// refresh its position.
package idcache

import (
	"context"
	"strings"
	"sync"
	"time"

	"danmu-api-service/internal/model"

	"github.com/rs/zerolog/log"
)

// EpisodeFactor separates the anime part of an episode ID from its index
const EpisodeFactor = 10000

// Entry is one cached anime together with its episode URLs
type Entry struct {
	ID       int64          `json:"id"`
	URL      string         `json:"url"`
	Title    string         `json:"title"`
	Source   string         `json:"source"`
	Type     string         `json:"type"`
	ImageURL string         `json:"imageUrl"`
	Episodes []EpisodeEntry `json:"episodes,omitempty"`
}

// EpisodeEntry is one episode URL owned by an Entry
type EpisodeEntry struct {
	URL    string `json:"url"`
	Title  string `json:"title"`
	Number int    `json:"number"`
}

// Snapshot is the persisted form of the cache
type Snapshot struct {
	NextID  int64   `json:"nextId"`
	Entries []Entry `json:"entries"`
}

// Persister stores snapshots outside the process
type Persister interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
}

// Cache is a bounded, insertion-ordered, bidirectional ID map
type Cache struct {
	mu        sync.RWMutex
	capacity  int
	nextID    int64
	order     []int64 // insertion order, oldest first
	byID      map[int64]*Entry
	byURL     map[string]int64
	persister Persister
	version   uint64 // bumped under mu by every mutation

	saveMu sync.Mutex
	saved  uint64 // version of the last snapshot handed to the persister
}

// New creates a cache holding at most capacity anime
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 100
	}
	// anime IDs must stay below EpisodeFactor
	if capacity >= EpisodeFactor {
		capacity = EpisodeFactor - 1
	}
	return &Cache{
		capacity: capacity,
		nextID:   1,
		byID:     make(map[int64]*Entry),
		byURL:    make(map[string]int64),
	}
}

// WithPersister enables write-through to p and restores its last snapshot
func (c *Cache) WithPersister(ctx context.Context, p Persister) *Cache {
	c.persister = p
	snap, err := p.Load(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to restore id cache snapshot")
		return c
	}
	if snap != nil {
		c.Restore(snap)
		log.Info().Int("animes", c.Len()).Msg("♻️ ID cache restored")
	}
	return c
}

// AddAnime returns the ID of url, allocating the next sequential ID when the
// url is new. The oldest entry is evicted first when the cache is full.
func (c *Cache) AddAnime(anime model.Anime) int64 {
	c.mu.Lock()
	if id, ok := c.byURL[anime.RawURL]; ok {
		c.mu.Unlock()
		return id
	}

	for len(c.order) >= c.capacity {
		c.evictOldestLocked()
	}

	id := c.allocateLocked()
	c.byID[id] = &Entry{
		ID:       id,
		URL:      anime.RawURL,
		Title:    anime.AnimeTitle,
		Source:   anime.Source,
		Type:     anime.Type,
		ImageURL: anime.ImageURL,
	}
	c.byURL[anime.RawURL] = id
	c.order = append(c.order, id)
	snap, version := c.pendingLocked()
	c.mu.Unlock()

	c.persist(snap, version)
	return id
}

// allocateLocked returns the next free ID, wrapping to 1 before EpisodeFactor
func (c *Cache) allocateLocked() int64 {
	for {
		if c.nextID >= EpisodeFactor {
			c.nextID = 1
		}
		id := c.nextID
		c.nextID++
		if _, live := c.byID[id]; !live {
			return id
		}
	}
}

func (c *Cache) evictOldestLocked() {
	oldest := c.order[0]
	c.order = c.order[1:]
	if e, ok := c.byID[oldest]; ok {
		delete(c.byURL, e.URL)
		delete(c.byID, oldest)
		log.Debug().Int64("id", oldest).Str("title", e.Title).Msg("ID cache evicted")
	}
}

// SetEpisodes replaces the episode list of an anime and returns the episodes with IDs
func (c *Cache) SetEpisodes(animeID int64, episodes []model.EpisodeInfo) ([]model.Episode, error) {
	if len(episodes) >= EpisodeFactor {
		episodes = episodes[:EpisodeFactor-1]
	}

	c.mu.Lock()
	e, ok := c.byID[animeID]
	if !ok {
		c.mu.Unlock()
		return nil, model.NotFound("番剧 %d 不存在或已过期", animeID)
	}
	entries := make([]EpisodeEntry, len(episodes))
	out := make([]model.Episode, len(episodes))
	for i, ep := range episodes {
		entries[i] = EpisodeEntry{URL: ep.URL, Title: ep.Title, Number: ep.Number}
		out[i] = model.Episode{
			EpisodeID:     EpisodeID(animeID, i),
			EpisodeTitle:  ep.Title,
			EpisodeNumber: ep.Number,
		}
	}
	e.Episodes = entries
	snap, version := c.pendingLocked()
	c.mu.Unlock()

	c.persist(snap, version)
	return out, nil
}

// EpisodeID derives the ID of the episode at index of an anime
func EpisodeID(animeID int64, index int) int64 {
	return animeID*EpisodeFactor + int64(index) + 1
}

// SplitID returns the anime ID and episode index of id, index -1 for anime IDs
func SplitID(id int64) (int64, int) {
	if id < EpisodeFactor {
		return id, -1
	}
	return id / EpisodeFactor, int(id%EpisodeFactor) - 1
}

// Anime returns a copy of the entry for an anime ID
func (c *Cache) Anime(id int64) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.byID[id]
	if !ok {
		return Entry{}, false
	}
	cp := *e
	cp.Episodes = append([]EpisodeEntry(nil), e.Episodes...)
	return cp, true
}

// FindURLByID resolves an anime or episode ID to its URL
func (c *Cache) FindURLByID(id int64) (string, bool) {
	e, idx, ok := c.lookup(id)
	if !ok {
		return "", false
	}
	if idx < 0 {
		return e.URL, true
	}
	return e.Episodes[idx].URL, true
}

// FindTitleByID resolves an anime or episode ID to its title
func (c *Cache) FindTitleByID(id int64) (string, bool) {
	e, idx, ok := c.lookup(id)
	if !ok {
		return "", false
	}
	if idx < 0 {
		return e.Title, true
	}
	return e.Title + " " + e.Episodes[idx].Title, true
}

// FindIDByURL returns the anime ID of url
func (c *Cache) FindIDByURL(url string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byURL[url]
	return id, ok
}

func (c *Cache) lookup(id int64) (Entry, int, bool) {
	animeID, idx := SplitID(id)
	e, ok := c.Anime(animeID)
	if !ok {
		return Entry{}, 0, false
	}
	if idx >= len(e.Episodes) {
		return Entry{}, 0, false
	}
	return e, idx, true
}

// Len returns the number of cached anime
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Capacity returns the maximum number of anime the cache holds
func (c *Cache) Capacity() int {
	return c.capacity
}

// URLs returns the cached anime URLs, oldest first
func (c *Cache) URLs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id].URL)
	}
	return out
}

// Reset drops every entry. IDs keep increasing so stale IDs do not resolve
// to new entries until the counter wraps.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.order = nil
	c.byID = make(map[int64]*Entry)
	c.byURL = make(map[string]int64)
	snap, version := c.pendingLocked()
	c.mu.Unlock()

	c.persist(snap, version)
}

// Snapshot returns a deep copy of the cache state
func (c *Cache) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *Cache) snapshotLocked() *Snapshot {
	snap := &Snapshot{NextID: c.nextID, Entries: make([]Entry, 0, len(c.order))}
	for _, id := range c.order {
		e := *c.byID[id]
		e.Episodes = append([]EpisodeEntry(nil), e.Episodes...)
		snap.Entries = append(snap.Entries, e)
	}
	return snap
}

// Restore replaces the cache state with snap, trimming to capacity
func (c *Cache) Restore(snap *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := snap.Entries
	if len(entries) > c.capacity {
		entries = entries[len(entries)-c.capacity:]
	}
	c.order = nil
	c.byID = make(map[int64]*Entry, len(entries))
	c.byURL = make(map[string]int64, len(entries))
	c.nextID = snap.NextID
	for i := range entries {
		e := entries[i]
		if strings.TrimSpace(e.URL) == "" {
			continue
		}
		c.byID[e.ID] = &e
		c.byURL[e.URL] = e.ID
		c.order = append(c.order, e.ID)
		if e.ID >= c.nextID {
			c.nextID = e.ID + 1
		}
	}
}

// pendingLocked snapshots the state after a mutation and tags it with a new version
func (c *Cache) pendingLocked() (*Snapshot, uint64) {
	c.version++
	return c.snapshotLocked(), c.version
}

// persist saves snap unless a newer snapshot was already saved. Saves run one
// at a time so the store never goes back to an older state.
func (c *Cache) persist(snap *Snapshot, version uint64) {
	if c.persister == nil {
		return
	}
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	if version <= c.saved {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.persister.Save(ctx, snap); err != nil {
		log.Warn().Err(err).Msg("Failed to persist id cache")
		return
	}
	c.saved = version
}
