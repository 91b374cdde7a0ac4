// Package presence tracks which users are currently typing. Entries expire
// on a fixed TTL because "stopped typing" events are best-effort and can be
// lost; correctness rests on the read-time age check, never on receiving the
// stop event.
package presence

import (
	"sort"
	"sync"
	"time"
)

// DefaultTTL is how long a typing entry stays visible without a refresh.
const DefaultTTL = 5 * time.Second

// DefaultSweepInterval is how often the optional background sweep evicts
// stale entries. The sweep only bounds memory; reads are already correct
// without it.
const DefaultSweepInterval = 1 * time.Second

// Typist is one user currently typing.
type Typist struct {
	UserID      string
	DisplayName string
}

type entry struct {
	displayName string
	lastSeenAt  time.Time
}

// Tracker is a goroutine-safe typing-state map with per-user expiry.
type Tracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry
	now     func() time.Time
}

// NewTracker creates a Tracker with the given TTL. A zero ttl uses
// DefaultTTL.
func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// OnTyping records that a user is typing, refreshing their expiry.
func (t *Tracker) OnTyping(userID, displayName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[userID] = entry{displayName: displayName, lastSeenAt: t.now()}
}

// OnStoppedTyping removes a user's typing entry eagerly. This is an
// optimization: an entry left behind by a lost stop event ages out on its
// own.
func (t *Tracker) OnStoppedTyping(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, userID)
}

// ActiveTypers returns users whose typing entry is younger than the TTL
// relative to now, ordered by display name with user ID as tiebreaker.
func (t *Tracker) ActiveTypers(now time.Time) []Typist {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Typist, 0, len(t.entries))
	for id, e := range t.entries {
		if now.Sub(e.lastSeenAt) >= t.ttl {
			continue
		}
		out = append(out, Typist{UserID: id, DisplayName: e.displayName})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Reset drops all entries. Called when the console switches rooms.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]entry)
}

// StartSweep begins a background goroutine that periodically evicts entries
// older than the TTL so the map does not grow unbounded in long-lived rooms.
// It returns immediately; the goroutine exits when done is closed.
func (t *Tracker) StartSweep(interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				t.sweep()
			}
		}
	}()
}

func (t *Tracker) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for id, e := range t.entries {
		if now.Sub(e.lastSeenAt) >= t.ttl {
			delete(t.entries, id)
		}
	}
}
