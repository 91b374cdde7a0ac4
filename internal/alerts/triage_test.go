package alerts

import (
	"testing"
	"time"

	"github.com/bigfootlive/modengine/internal/protocol"
)

var t0 = time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)

func alert(id string, sev protocol.Severity, offset time.Duration) protocol.Alert {
	return protocol.Alert{
		ID:        id,
		SessionID: "session-1",
		Severity:  sev,
		Title:     "alert " + id,
		CreatedAt: t0.Add(offset),
	}
}

func TestIngest_DuplicateDropped(t *testing.T) {
	tr := NewTriage()
	tr.Ingest(alert("a1", protocol.SeverityLow, 0))
	tr.Ingest(alert("a1", protocol.SeverityHigh, time.Second))

	all := tr.All()
	if len(all) != 1 {
		t.Fatalf("All = %d alerts, want 1", len(all))
	}
	if all[0].Severity != protocol.SeverityLow {
		t.Errorf("first delivery should win, got severity %s", all[0].Severity)
	}
}

func TestIngest_EmptyIDDropped(t *testing.T) {
	tr := NewTriage()
	tr.Ingest(protocol.Alert{Title: "no id"})
	if got := tr.All(); len(got) != 0 {
		t.Fatalf("All = %v, want empty", got)
	}
}

func TestCounts(t *testing.T) {
	tr := NewTriage()
	tr.Ingest(alert("a1", protocol.SeverityLow, 0))
	tr.Ingest(alert("a2", protocol.SeverityLow, time.Second))
	tr.Ingest(alert("a3", protocol.SeverityHigh, 2*time.Second))
	tr.Ingest(alert("a4", protocol.SeverityCritical, 3*time.Second))

	tr.Resolve("a2")

	c := tr.Counts()
	if c.TotalUnresolved != 3 {
		t.Errorf("TotalUnresolved = %d, want 3", c.TotalUnresolved)
	}
	if c.BySeverity[protocol.SeverityLow] != 1 {
		t.Errorf("low = %d, want 1", c.BySeverity[protocol.SeverityLow])
	}
	if c.BySeverity[protocol.SeverityHigh] != 1 {
		t.Errorf("high = %d, want 1", c.BySeverity[protocol.SeverityHigh])
	}
	if c.BySeverity[protocol.SeverityCritical] != 1 {
		t.Errorf("critical = %d, want 1", c.BySeverity[protocol.SeverityCritical])
	}
}

func TestResolve_Idempotent(t *testing.T) {
	tr := NewTriage()
	clock := t0
	tr.now = func() time.Time { return clock }

	tr.Ingest(alert("a1", protocol.SeverityMedium, 0))

	tr.Resolve("a1")
	first := tr.All()[0].ResolvedAt
	if first == nil || !first.Equal(t0) {
		t.Fatalf("ResolvedAt = %v, want %v", first, t0)
	}

	// A second resolve must not move the timestamp.
	clock = t0.Add(time.Hour)
	tr.Resolve("a1")
	if got := tr.All()[0].ResolvedAt; !got.Equal(t0) {
		t.Errorf("ResolvedAt moved to %v on repeat resolve", got)
	}

	// Unknown ID is a no-op.
	tr.Resolve("ghost")
}

func TestUnresolved_NewestFirstWithLimit(t *testing.T) {
	tr := NewTriage()
	tr.Ingest(alert("a1", protocol.SeverityLow, 0))
	tr.Ingest(alert("a2", protocol.SeverityLow, 2*time.Second))
	// Shares a2's timestamp; higher ID sorts first.
	tr.Ingest(alert("a3", protocol.SeverityLow, 2*time.Second))
	tr.Ingest(alert("a4", protocol.SeverityLow, time.Second))
	tr.Resolve("a4")

	got := tr.Unresolved(0)
	want := []string{"a3", "a2", "a1"}
	if len(got) != len(want) {
		t.Fatalf("Unresolved = %d alerts, want %d", len(got), len(want))
	}
	for i := range got {
		if got[i].ID != want[i] {
			t.Fatalf("Unresolved order = %v, want %v", got, want)
		}
	}

	limited := tr.Unresolved(2)
	if len(limited) != 2 || limited[0].ID != "a3" || limited[1].ID != "a2" {
		t.Fatalf("Unresolved(2) = %v", limited)
	}
}

func TestCriticalEdge_FiresOnlyFromQuiet(t *testing.T) {
	tr := NewTriage()
	var fired []string
	tr.OnCriticalEdge(func(a protocol.Alert) {
		fired = append(fired, a.ID)
	})

	tr.Ingest(alert("low", protocol.SeverityLow, 0))
	if len(fired) != 0 {
		t.Fatalf("low severity fired the edge: %v", fired)
	}

	// 0 -> 1 unresolved critical: fires.
	tr.Ingest(alert("c1", protocol.SeverityCritical, time.Second))
	// 1 -> 2: does not fire.
	tr.Ingest(alert("c2", protocol.SeverityCritical, 2*time.Second))
	if len(fired) != 1 || fired[0] != "c1" {
		t.Fatalf("fired = %v, want [c1]", fired)
	}

	// Resolving both re-arms the edge.
	tr.Resolve("c1")
	tr.Resolve("c2")
	tr.Ingest(alert("c3", protocol.SeverityCritical, 3*time.Second))
	if len(fired) != 2 || fired[1] != "c3" {
		t.Fatalf("fired = %v, want [c1 c3]", fired)
	}
}

// TestCriticalEdge_ObserverMayCallBack guards against the observer
// deadlocking when it reads triage state from inside the callback.
func TestCriticalEdge_ObserverMayCallBack(t *testing.T) {
	tr := NewTriage()
	var seen int
	tr.OnCriticalEdge(func(protocol.Alert) {
		seen = tr.Counts().TotalUnresolved
	})

	tr.Ingest(alert("c1", protocol.SeverityCritical, 0))
	if seen != 1 {
		t.Fatalf("observer saw %d unresolved, want 1", seen)
	}
}
