// Package alerts ingests moderation alerts and tracks their resolution
// state. Alerts are soft-state: appended once, mutated only by resolve,
// never deleted, so severity aggregates stay historically accurate.
package alerts

import (
	"sort"
	"sync"
	"time"

	"github.com/bigfootlive/modengine/internal/metrics"
	"github.com/bigfootlive/modengine/internal/protocol"
)

// Counts is the severity aggregate consumed by UI badges.
type Counts struct {
	TotalUnresolved int
	BySeverity      map[protocol.Severity]int
}

// Triage is the goroutine-safe alert collection.
type Triage struct {
	mu   sync.Mutex
	byID map[string]*protocol.Alert
	all  []*protocol.Alert // insertion order

	// onCriticalEdge fires when a critical alert arrives while the
	// unresolved-critical count was zero. The audible/urgent side effect is
	// owned by the caller; this component only makes the edge observable.
	onCriticalEdge func(protocol.Alert)

	now func() time.Time
}

// NewTriage creates an empty Triage.
func NewTriage() *Triage {
	return &Triage{
		byID: make(map[string]*protocol.Alert),
		now:  time.Now,
	}
}

// OnCriticalEdge registers the escalation observer. At most one observer is
// supported; registering again replaces the previous one.
func (t *Triage) OnCriticalEdge(fn func(protocol.Alert)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCriticalEdge = fn
}

// Ingest appends an alert. Alerts are trusted by ID: a repeat ID is dropped.
func (t *Triage) Ingest(alert protocol.Alert) {
	t.mu.Lock()

	if _, ok := t.byID[alert.ID]; ok || alert.ID == "" {
		t.mu.Unlock()
		return
	}

	wasCriticalQuiet := alert.Severity == protocol.SeverityCritical &&
		!alert.Resolved &&
		t.unresolvedCriticalLocked() == 0

	a := alert
	t.byID[a.ID] = &a
	t.all = append(t.all, &a)
	t.updateGaugeLocked()

	edge := t.onCriticalEdge
	t.mu.Unlock()

	// Fire outside the lock so the observer can call back into Triage.
	if wasCriticalQuiet && edge != nil {
		edge(alert)
	}
}

// Resolve marks an alert resolved. Resolving an unknown or already-resolved
// alert is a no-op; ResolvedAt is set once and never overwritten.
func (t *Triage) Resolve(alertID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.byID[alertID]
	if !ok || a.Resolved {
		return
	}
	now := t.now()
	a.Resolved = true
	a.ResolvedAt = &now
	t.updateGaugeLocked()
}

// Counts returns the unresolved totals by severity.
func (t *Triage) Counts() Counts {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := Counts{BySeverity: make(map[protocol.Severity]int)}
	for _, a := range t.all {
		if a.Resolved {
			continue
		}
		c.TotalUnresolved++
		c.BySeverity[a.Severity]++
	}
	return c
}

// Unresolved returns up to limit unresolved alerts, newest first. A limit of
// zero or less returns all of them.
func (t *Triage) Unresolved(limit int) []protocol.Alert {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]protocol.Alert, 0, len(t.all))
	for _, a := range t.all {
		if !a.Resolved {
			out = append(out, *a)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// All returns every alert in insertion order, resolved or not.
func (t *Triage) All() []protocol.Alert {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]protocol.Alert, len(t.all))
	for i, a := range t.all {
		out[i] = *a
	}
	return out
}

func (t *Triage) unresolvedCriticalLocked() int {
	n := 0
	for _, a := range t.all {
		if !a.Resolved && a.Severity == protocol.SeverityCritical {
			n++
		}
	}
	return n
}

func (t *Triage) updateGaugeLocked() {
	n := 0
	for _, a := range t.all {
		if !a.Resolved {
			n++
		}
	}
	metrics.AlertsUnresolved.Set(float64(n))
}
