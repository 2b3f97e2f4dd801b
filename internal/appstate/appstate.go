// Package appstate owns the mutable process-wide state shared by requests:
// the ID cache, the rate limiter history and the request record buffer.
// It is created once in main and passed explicitly to whoever needs it.
package appstate

import (
	"sync"

	"danmu-api-service/internal/idcache"
	"danmu-api-service/internal/model"
	"danmu-api-service/internal/ratelimit"
)

// State is the process-wide context object
type State struct {
	IDs      *idcache.Cache
	Limiter  *ratelimit.Limiter
	Requests *RequestLog
}

// New creates the shared state
func New(maxAnimes, rateLimit, recordSize int) *State {
	return &State{
		IDs:      idcache.New(maxAnimes),
		Limiter:  ratelimit.New(rateLimit),
		Requests: NewRequestLog(recordSize),
	}
}

// Reset clears every piece of shared state
func (s *State) Reset() {
	s.IDs.Reset()
	s.Limiter.Reset()
	s.Requests.Reset()
}

// RequestLog is a bounded ring buffer of request records in arrival order
type RequestLog struct {
	mu      sync.Mutex
	records []model.RequestRecord
	next    int
	full    bool
}

// NewRequestLog creates a buffer keeping the last size records
func NewRequestLog(size int) *RequestLog {
	if size <= 0 {
		size = 100
	}
	return &RequestLog{records: make([]model.RequestRecord, size)}
}

// Add appends a record, overwriting the oldest when full
func (l *RequestLog) Add(r model.RequestRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records[l.next] = r
	l.next = (l.next + 1) % len(l.records)
	if l.next == 0 {
		l.full = true
	}
}

// List returns the records oldest first
func (l *RequestLog) List() []model.RequestRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		return append([]model.RequestRecord(nil), l.records[:l.next]...)
	}
	out := make([]model.RequestRecord, 0, len(l.records))
	out = append(out, l.records[l.next:]...)
	return append(out, l.records[:l.next]...)
}

// Len returns how many records are held
func (l *RequestLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.records)
	}
	return l.next
}

// Reset drops all records
func (l *RequestLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = make([]model.RequestRecord, len(l.records))
	l.next = 0
	l.full = false
}
