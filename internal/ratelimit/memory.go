package ratelimit

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type windowHits struct {
	length time.Duration
	hits   []time.Time
}

// MemoryLimiter implements a sliding-window limiter for a single process.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*windowHits
}

// NewMemoryLimiter constructs a MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string]*windowHits),
	}
}

// Allow evaluates all windows under one lock.
func (l *MemoryLimiter) Allow(_ context.Context, windows []Window, now time.Time) (bool, []Result, error) {
	if len(windows) == 0 {
		return true, nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	allowed := true
	for _, w := range windows {
		state := l.windows[w.Key]
		if state == nil {
			continue
		}
		state.hits = prune(state.hits, now.Add(-w.Length))
		if len(state.hits) == 0 {
			delete(l.windows, w.Key)
			continue
		}
		if len(state.hits) >= w.Limit {
			allowed = false
		}
	}

	results := make([]Result, len(windows))
	for i, w := range windows {
		state := l.windows[w.Key]
		if allowed {
			if state == nil {
				state = &windowHits{}
				l.windows[w.Key] = state
			}
			state.length = w.Length
			state.hits = insertOrdered(state.hits, now)
		}
		var entries []time.Time
		if state != nil {
			entries = state.hits
		}
		reset := now.Add(w.Length)
		if len(entries) > 0 {
			reset = entries[0].Add(w.Length)
		}
		remaining := w.Limit - len(entries)
		if remaining < 0 {
			remaining = 0
		}
		results[i] = Result{Count: len(entries), Remaining: remaining, Reset: reset.UTC()}
	}
	return allowed, results, nil
}

// Sweep drops windows whose hits have all aged out as of now and returns how
// many were removed.
func (l *MemoryLimiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, state := range l.windows {
		state.hits = prune(state.hits, now.Add(-state.length))
		if len(state.hits) == 0 {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked windows.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (l *MemoryLimiter) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(time.Now()); n > 0 {
				log.Debugf("rate limit: swept %d idle windows", n)
			}
		}
	}
}

// prune drops hits at or before cutoff. hits is ordered by time.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(hits) && !hits[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return hits
	}
	return append(hits[:0:0], hits[idx:]...)
}

// insertOrdered keeps hits sorted when callers sampled their clocks out of
// lock order.
func insertOrdered(hits []time.Time, at time.Time) []time.Time {
	idx := sort.Search(len(hits), func(i int) bool { return hits[i].After(at) })
	return slices.Insert(hits, idx, at)
}
