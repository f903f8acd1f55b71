package analysis

import (
	"sync"
	"time"
)

// dedupTracker remembers which extraction keys were already emitted.
// Modes: per_session (once per tracker lifetime), per_day (once per UTC
// calendar day), global (never re-emitted once seen). Only per_day
// entries are pruned once they fall out of the window; session and
// global keys are kept for the tracker's lifetime.
type dedupTracker struct {
	mu          sync.Mutex
	mode        string
	windowDays  int
	lastSeen    map[string]time.Time
	occurrences map[string]int
}

func newDedupTracker(mode string, windowDays int) *dedupTracker {
	if windowDays <= 0 {
		windowDays = 7
	}
	return &dedupTracker{
		mode:        mode,
		windowDays:  windowDays,
		lastSeen:    make(map[string]time.Time),
		occurrences: make(map[string]int),
	}
}

// shouldEmit records an occurrence and reports whether the key passes
// deduplication at the given time.
func (d *dedupTracker) shouldEmit(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.prune(now)
	d.occurrences[key]++

	last, seen := d.lastSeen[key]
	d.lastSeen[key] = now
	if !seen {
		return true
	}

	switch d.mode {
	case "per_session", "global":
		return false
	default: // per_day
		return !sameUTCDay(last, now)
	}
}

// seenCount reports how many times a key occurred, duplicates included.
func (d *dedupTracker) seenCount(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.occurrences[key]
}

func (d *dedupTracker) prune(now time.Time) {
	if d.mode != "per_day" {
		// Session and global keys never expire.
		return
	}
	cutoff := now.Add(-time.Duration(d.windowDays) * 24 * time.Hour)
	for key, last := range d.lastSeen {
		if last.Before(cutoff) {
			delete(d.lastSeen, key)
		}
	}
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
