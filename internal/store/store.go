// Package store holds the append-only, deduplicated, time-ordered chat
// message collection for one moderation console. It merges REST-fetched
// history with the live stream and exposes filtered read views for the UI.
package store

import (
	"sort"
	"sync"

	"github.com/bigfootlive/modengine/internal/metrics"
	"github.com/bigfootlive/modengine/internal/protocol"
)

// Store is the in-memory message collection. It is goroutine-safe. Identity
// is the message ID: ingesting an already-seen ID is a silent no-op, so
// duplicate deliveries from reconnect replay and live echoes are absorbed
// here rather than handled by every caller.
type Store struct {
	mu      sync.RWMutex
	byID    map[string]*protocol.Message
	ordered []*protocol.Message // ascending (CreatedAt, ID)
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		byID: make(map[string]*protocol.Message),
	}
}

// Ingest adds a message to the store. A repeat ID is dropped silently; this
// is expected behavior, not a failure.
func (s *Store) Ingest(msg protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingestLocked(msg)
}

// IngestHistoryBatch applies a replayed history batch as one unit. Messages
// already present (delivered live before the replay, or from a previous
// batch) are dropped per the same identity rule.
func (s *Store) IngestHistoryBatch(msgs []protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		s.ingestLocked(msg)
	}
}

func (s *Store) ingestLocked(msg protocol.Message) {
	if msg.ID == "" {
		return
	}
	if _, ok := s.byID[msg.ID]; ok {
		metrics.MessagesDuplicate.Inc()
		return
	}

	m := cloneMessage(&msg)
	s.byID[m.ID] = m

	// Insert at the sorted position. Live messages almost always land at the
	// tail; history replays after a reconnect land wherever they belong.
	i := sort.Search(len(s.ordered), func(i int) bool {
		return !messageLess(s.ordered[i], m)
	})
	s.ordered = append(s.ordered, nil)
	copy(s.ordered[i+1:], s.ordered[i:])
	s.ordered[i] = m

	metrics.MessagesIngested.Inc()
}

// messageLess orders messages by CreatedAt ascending with ID as the
// deterministic tiebreaker.
func messageLess(a, b *protocol.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// View returns the messages matching the filter in ascending CreatedAt
// order, ties broken by ID. The returned messages are copies; callers may
// hold them across later mutations.
func (s *Store) View(f Filter) []protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]protocol.Message, 0, len(s.ordered))
	for _, m := range s.ordered {
		if f.matches(m) {
			out = append(out, *cloneMessage(m))
		}
	}
	return out
}

// Get returns a copy of the message with the given ID, or false if the ID is
// unknown.
func (s *Store) Get(id string) (protocol.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return protocol.Message{}, false
	}
	return *cloneMessage(m), true
}

// Len returns the number of stored messages, including deleted ones.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// MarkDeleted flags a message as deleted, removing it from default views.
// Returns true if the message existed and was not already deleted, so
// optimistic callers know whether a rollback should restore it.
func (s *Store) MarkDeleted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok || m.Deleted {
		return false
	}
	m.Deleted = true
	return true
}

// Restore clears the deleted flag, undoing an optimistic MarkDeleted.
func (s *Store) Restore(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byID[id]; ok {
		m.Deleted = false
	}
}

// SetPinned pins or unpins a message.
func (s *Store) SetPinned(id string, pinned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byID[id]; ok {
		m.Pinned = pinned
	}
}

// AddFlag adds a moderation flag to a message. Returns true if the flag was
// not already present.
func (s *Store) AddFlag(id, flag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return false
	}
	for _, f := range m.ModerationFlags {
		if f == flag {
			return false
		}
	}
	m.ModerationFlags = append(m.ModerationFlags, flag)
	return true
}

// RemoveFlag removes a moderation flag, undoing an optimistic AddFlag.
func (s *Store) RemoveFlag(id, flag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return
	}
	for i, f := range m.ModerationFlags {
		if f == flag {
			m.ModerationFlags = append(m.ModerationFlags[:i], m.ModerationFlags[i+1:]...)
			return
		}
	}
}

// IncrementReports bumps a message's report counter.
func (s *Store) IncrementReports(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byID[id]; ok {
		m.ReportCount++
	}
}

// ApplyReaction applies a reaction count delta to a message. Counts never go
// below zero; a zero-count emoji entry is removed.
func (s *Store) ApplyReaction(id, emoji string, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok || emoji == "" {
		return
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string]int)
	}
	n := m.Reactions[emoji] + delta
	if n <= 0 {
		delete(m.Reactions, emoji)
		return
	}
	m.Reactions[emoji] = n
}

// Pinned returns copies of all pinned, non-deleted messages in view order.
func (s *Store) Pinned() []protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []protocol.Message
	for _, m := range s.ordered {
		if m.Pinned && !m.Deleted {
			out = append(out, *cloneMessage(m))
		}
	}
	return out
}

// cloneMessage deep-copies a message so stored state never shares maps or
// slices with callers.
func cloneMessage(m *protocol.Message) *protocol.Message {
	c := *m
	if m.ModerationFlags != nil {
		c.ModerationFlags = append([]string(nil), m.ModerationFlags...)
	}
	if m.Reactions != nil {
		c.Reactions = make(map[string]int, len(m.Reactions))
		for k, v := range m.Reactions {
			c.Reactions[k] = v
		}
	}
	return &c
}
