// Package ratelimit implements the gateway's sliding-window request limiter.
//
// Three windows are enforced on every admission, in order: per-client per
// minute, per-client per hour, and global per minute. Clients are keyed by a
// salted hash of their IP address, never the raw address. A request is
// checked against all three windows and recorded in the same critical
// section, so concurrent requests cannot overshoot a window.
package ratelimit

import (
	"sync"
	"time"
)

// Status identifies which limit rejected a request.
type Status string

const (
	StatusAllowed       Status = "allowed"
	StatusBlockedMinute Status = "blocked_ip_minute"
	StatusBlockedHour   Status = "blocked_ip_hour"
	StatusBlockedGlobal Status = "blocked_global"
)

// Result reports the outcome of an admission attempt.
type Result struct {
	Status  Status
	Allowed bool
	// RetryAfter is how long until the violated window frees a slot.
	// Zero when the request was admitted.
	RetryAfter time.Duration
	// Count is the number of requests in the window that made the decision,
	// including this one when admitted.
	Count int
	// Limit is the bound that applied to the decision.
	Limit int
}

// Config bounds request admission. Zero or negative values fall back to the
// package defaults.
type Config struct {
	PerIPMinute  int
	PerIPHour    int
	GlobalMinute int
}

const (
	defaultPerIPMinute  = 10
	defaultPerIPHour    = 100
	defaultGlobalMinute = 1000

	// Idle client windows are swept at most this often, inline on admission.
	cleanupInterval = time.Minute
)

// window is an append-only list of admission timestamps, oldest first.
type window []time.Time

func (w window) countSince(cutoff time.Time) (count int, oldest time.Time) {
	for _, ts := range w {
		if !ts.Before(cutoff) {
			if count == 0 {
				oldest = ts
			}
			count++
		}
	}
	return count, oldest
}

func (w window) trim(cutoff time.Time) window {
	kept := w[:0]
	for _, ts := range w {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

// Limiter admits requests under the three sliding windows. Only admitted
// requests are recorded, so a client hammering a closed window cannot push
// its own reset further out.
type Limiter struct {
	cfg Config

	mu          sync.Mutex
	clients     map[string]window
	global      window
	lastCleanup time.Time

	now func() time.Time // swapped in tests
}

// New creates a limiter with the given bounds.
func New(cfg Config) *Limiter {
	if cfg.PerIPMinute <= 0 {
		cfg.PerIPMinute = defaultPerIPMinute
	}
	if cfg.PerIPHour <= 0 {
		cfg.PerIPHour = defaultPerIPHour
	}
	if cfg.GlobalMinute <= 0 {
		cfg.GlobalMinute = defaultGlobalMinute
	}
	return &Limiter{
		cfg:         cfg,
		clients:     make(map[string]window),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// Allow checks all three windows for the given client hash and records the
// request if every window has room. The first violated window wins and its
// retry-after is reported.
func (l *Limiter) Allow(ipHash string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastCleanup) > cleanupInterval {
		l.cleanup(now)
		l.lastCleanup = now
	}

	client := l.clients[ipHash]
	minuteAgo := now.Add(-time.Minute)
	hourAgo := now.Add(-time.Hour)

	minuteCount, oldestMinute := client.countSince(minuteAgo)
	if minuteCount >= l.cfg.PerIPMinute {
		return Result{
			Status:     StatusBlockedMinute,
			RetryAfter: retryAfter(now, oldestMinute, time.Minute),
			Count:      minuteCount,
			Limit:      l.cfg.PerIPMinute,
		}
	}

	hourCount, oldestHour := client.countSince(hourAgo)
	if hourCount >= l.cfg.PerIPHour {
		return Result{
			Status:     StatusBlockedHour,
			RetryAfter: retryAfter(now, oldestHour, time.Hour),
			Count:      hourCount,
			Limit:      l.cfg.PerIPHour,
		}
	}

	globalCount, oldestGlobal := l.global.countSince(minuteAgo)
	if globalCount >= l.cfg.GlobalMinute {
		return Result{
			Status:     StatusBlockedGlobal,
			RetryAfter: retryAfter(now, oldestGlobal, time.Minute),
			Count:      globalCount,
			Limit:      l.cfg.GlobalMinute,
		}
	}

	l.clients[ipHash] = append(client, now)
	l.global = append(l.global, now)
	return Result{
		Status:  StatusAllowed,
		Allowed: true,
		Count:   minuteCount + 1,
		Limit:   l.cfg.PerIPMinute,
	}
}

// retryAfter is the time until the oldest admission in the violated window
// ages out of it.
func retryAfter(now, oldest time.Time, windowSize time.Duration) time.Duration {
	if oldest.IsZero() {
		return 0
	}
	wait := windowSize - now.Sub(oldest)
	if wait < 0 {
		return 0
	}
	return wait
}

// cleanup trims every window and drops clients with no admissions in the
// last hour. Must be called with the lock held.
func (l *Limiter) cleanup(now time.Time) {
	hourAgo := now.Add(-time.Hour)
	for key, client := range l.clients {
		trimmed := client.trim(hourAgo)
		if len(trimmed) == 0 {
			delete(l.clients, key)
			continue
		}
		l.clients[key] = trimmed
	}
	// The global window only ever decides on the last minute.
	l.global = l.global.trim(now.Add(-time.Minute))
}

// Stats reports limiter occupancy for health and admin views.
type Stats struct {
	TrackedClients   int `json:"tracked_clients"`
	GlobalLastMinute int `json:"global_last_minute"`
}

// GetStats returns current limiter occupancy.
func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	count, _ := l.global.countSince(l.now().Add(-time.Minute))
	return Stats{
		TrackedClients:   len(l.clients),
		GlobalLastMinute: count,
	}
}
