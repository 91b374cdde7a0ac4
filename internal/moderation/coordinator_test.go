package moderation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bigfootlive/modengine/internal/protocol"
	"github.com/bigfootlive/modengine/internal/rest"
	"github.com/bigfootlive/modengine/internal/store"
)

type fakeModerationAPI struct {
	mu         sync.Mutex
	calls      []string // target IDs in call order
	failTarget string   // target whose call fails
}

func (a *fakeModerationAPI) ModerateMessage(ctx context.Context, messageID, action, reason string, duration time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, messageID)
	if messageID == a.failTarget {
		return errors.New("backend rejected")
	}
	return nil
}

func (a *fakeModerationAPI) GetChatHistory(ctx context.Context, sessionID string) ([]protocol.Message, error) {
	return nil, nil
}
func (a *fakeModerationAPI) SendChatMessage(ctx context.Context, sessionID, body string) error {
	return nil
}
func (a *fakeModerationAPI) GetEvents(ctx context.Context) ([]rest.Session, error) { return nil, nil }

type fakeLive struct {
	connected bool

	mu   sync.Mutex
	sent []string
}

func (l *fakeLive) IsConnected() bool { return l.connected }

func (l *fakeLive) Send(eventType string, payload interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, eventType)
	return nil
}

func seedStore(t *testing.T, ids ...string) *store.Store {
	t.Helper()
	s := store.New()
	base := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)
	for i, id := range ids {
		s.Ingest(protocol.Message{
			ID:        id,
			SessionID: "s1",
			Body:      "msg " + id,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	return s
}

func TestApply_DeleteSuccess(t *testing.T) {
	api := &fakeModerationAPI{}
	st := seedStore(t, "m1", "m2", "m3")
	live := &fakeLive{connected: true}
	c := NewCoordinator(api, st, live, nil)

	err := c.Apply(context.Background(), Action{
		SessionID: "s1",
		Kind:      ActionDelete,
		Targets:   []string{"m1", "m3"},
		Reason:    "spam",
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	for _, id := range []string{"m1", "m3"} {
		if got, _ := st.Get(id); !got.Deleted {
			t.Errorf("%s not deleted", id)
		}
	}
	if got, _ := st.Get("m2"); got.Deleted {
		t.Error("m2 deleted, was not a target")
	}

	live.mu.Lock()
	defer live.mu.Unlock()
	if len(live.sent) != 1 || live.sent[0] != protocol.TypeModerate {
		t.Errorf("live broadcast = %v, want one chat:moderate", live.sent)
	}
}

// TestApply_BulkRollback pins the all-or-nothing contract: a failure on any
// target of a bulk delete restores every message the batch touched.
func TestApply_BulkRollback(t *testing.T) {
	api := &fakeModerationAPI{failTarget: "m2"}
	st := seedStore(t, "m1", "m2", "m3")
	c := NewCoordinator(api, st, nil, nil)

	err := c.Apply(context.Background(), Action{
		SessionID: "s1",
		Kind:      ActionDelete,
		Targets:   []string{"m1", "m2", "m3"},
	})
	if !errors.Is(err, ErrActionFailed) {
		t.Fatalf("Apply = %v, want ErrActionFailed", err)
	}

	for _, id := range []string{"m1", "m2", "m3"} {
		if got, _ := st.Get(id); got.Deleted {
			t.Errorf("%s still deleted after rollback", id)
		}
	}
	if len(c.Pending()) != 0 {
		t.Errorf("Pending = %v after failed action, want empty", c.Pending())
	}
}

// TestApply_RollbackPreservesPriorDeletion checks that rolling back a batch
// does not resurrect a message that was already deleted before the batch.
func TestApply_RollbackPreservesPriorDeletion(t *testing.T) {
	api := &fakeModerationAPI{failTarget: "m2"}
	st := seedStore(t, "m1", "m2")
	st.MarkDeleted("m1")
	c := NewCoordinator(api, st, nil, nil)

	err := c.Apply(context.Background(), Action{
		SessionID: "s1",
		Kind:      ActionDelete,
		Targets:   []string{"m1", "m2"},
	})
	if !errors.Is(err, ErrActionFailed) {
		t.Fatalf("Apply = %v, want ErrActionFailed", err)
	}

	if got, _ := st.Get("m1"); !got.Deleted {
		t.Error("m1 was deleted before the batch and must stay deleted")
	}
	if got, _ := st.Get("m2"); got.Deleted {
		t.Error("m2 still deleted after rollback")
	}
}

func TestApply_FlagAndRollback(t *testing.T) {
	st := seedStore(t, "m1", "m2")

	// Success path.
	c := NewCoordinator(&fakeModerationAPI{}, st, nil, nil)
	if err := c.Apply(context.Background(), Action{
		SessionID: "s1",
		Kind:      ActionFlag,
		Targets:   []string{"m1"},
	}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got, _ := st.Get("m1")
	if len(got.ModerationFlags) != 1 || got.ModerationFlags[0] != "flagged" {
		t.Fatalf("flags = %v", got.ModerationFlags)
	}

	// Failure path rolls the flag back off m2.
	c = NewCoordinator(&fakeModerationAPI{failTarget: "m2"}, st, nil, nil)
	err := c.Apply(context.Background(), Action{
		SessionID: "s1",
		Kind:      ActionFlag,
		Targets:   []string{"m2"},
	})
	if !errors.Is(err, ErrActionFailed) {
		t.Fatalf("Apply = %v, want ErrActionFailed", err)
	}
	got, _ = st.Get("m2")
	if len(got.ModerationFlags) != 0 {
		t.Fatalf("m2 flags = %v after rollback", got.ModerationFlags)
	}
}

func TestApply_TimeoutNoLocalEffect(t *testing.T) {
	api := &fakeModerationAPI{}
	st := seedStore(t, "m1")
	c := NewCoordinator(api, st, nil, nil)

	err := c.Apply(context.Background(), Action{
		SessionID: "s1",
		Kind:      ActionTimeout,
		Targets:   []string{"u1"},
		Reason:    "cooling off",
		Duration:  300 * time.Second,
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.calls) != 1 || api.calls[0] != "u1" {
		t.Fatalf("calls = %v, want [u1]", api.calls)
	}
}

func TestApply_Validation(t *testing.T) {
	st := seedStore(t, "m1")
	c := NewCoordinator(&fakeModerationAPI{}, st, nil, nil)

	if err := c.Apply(context.Background(), Action{Kind: ActionDelete}); err == nil {
		t.Error("empty targets accepted")
	}
	if err := c.Apply(context.Background(), Action{Kind: "ban", Targets: []string{"m1"}}); err == nil {
		t.Error("unknown kind accepted")
	}
}

func TestApply_NoBroadcastWhenDisconnected(t *testing.T) {
	st := seedStore(t, "m1")
	live := &fakeLive{connected: false}
	c := NewCoordinator(&fakeModerationAPI{}, st, live, nil)

	if err := c.Apply(context.Background(), Action{
		SessionID: "s1",
		Kind:      ActionDelete,
		Targets:   []string{"m1"},
	}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	live.mu.Lock()
	defer live.mu.Unlock()
	if len(live.sent) != 0 {
		t.Errorf("broadcast sent while disconnected: %v", live.sent)
	}
}
