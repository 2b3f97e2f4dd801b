// Package ratelimit implements a per-client sliding one-minute request cap.
package ratelimit

import (
	"sync"
	"time"
)

// Window is the sliding window length
const Window = time.Minute

// Limiter tracks request timestamps per client IP.
// Expired entries are purged on every Allow call, there is no background timer.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	now     func() time.Time
	history map[string][]time.Time
}

// New creates a limiter allowing limit requests per minute, 0 disables it
func New(limit int) *Limiter {
	return &Limiter{
		limit:   limit,
		now:     time.Now,
		history: make(map[string][]time.Time),
	}
}

// WithClock replaces the time source, used by tests
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Enabled reports whether requests are capped at all
func (l *Limiter) Enabled() bool {
	return l.limit > 0
}

// Limit returns the configured cap
func (l *Limiter) Limit() int {
	return l.limit
}

// Allow records a request from ip and reports whether it is within the limit.
// Rejected requests are not recorded.
func (l *Limiter) Allow(ip string) bool {
	if !l.Enabled() {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-Window)
	l.purgeLocked(cutoff)

	recent := l.history[ip]
	if len(recent) >= l.limit {
		return false
	}
	l.history[ip] = append(recent, now)
	return true
}

// purgeLocked drops timestamps older than cutoff and empty IPs
func (l *Limiter) purgeLocked(cutoff time.Time) {
	for ip, times := range l.history {
		i := 0
		for i < len(times) && !times[i].After(cutoff) {
			i++
		}
		if i == len(times) {
			delete(l.history, ip)
			continue
		}
		if i > 0 {
			l.history[ip] = times[i:]
		}
	}
}

// Clients returns the number of IPs currently tracked
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.history)
}

// Reset forgets all history
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = make(map[string][]time.Time)
}
