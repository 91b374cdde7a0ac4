package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bigfootlive/modengine/internal/protocol"
	"github.com/bigfootlive/modengine/internal/realtime"
	"github.com/bigfootlive/modengine/internal/rest"
	"github.com/bigfootlive/modengine/internal/store"
	"github.com/bigfootlive/modengine/internal/transport"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeConn struct {
	incoming  chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan []byte, 32), closed: make(chan struct{})}
}

func (c *fakeConn) ReadEvent() ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) Send(data []byte) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) deliver(t *testing.T, eventType string, payload interface{}) {
	t.Helper()
	data, err := protocol.NewClientEvent(eventType, payload)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	c.incoming <- data
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

type fakeAPI struct {
	history map[string][]protocol.Message
}

func (a *fakeAPI) GetChatHistory(ctx context.Context, sessionID string) ([]protocol.Message, error) {
	return a.history[sessionID], nil
}
func (a *fakeAPI) SendChatMessage(ctx context.Context, sessionID, body string) error { return nil }
func (a *fakeAPI) ModerateMessage(ctx context.Context, messageID, action, reason string, duration time.Duration) error {
	return nil
}
func (a *fakeAPI) GetEvents(ctx context.Context) ([]rest.Session, error) { return nil, nil }

// ---------------------------------------------------------------------------
// Setup
// ---------------------------------------------------------------------------

var base = time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)

func testMessage(id string, offset time.Duration, body string) protocol.Message {
	return protocol.Message{
		ID:        id,
		SessionID: "s1",
		AuthorID:  "author-" + id,
		Role:      protocol.RoleViewer,
		Kind:      protocol.KindText,
		Body:      body,
		CreatedAt: base.Add(offset),
	}
}

func startEngine(t *testing.T, api *fakeAPI) (*Engine, *fakeDialer) {
	t.Helper()
	return startEngineOpts(t, api, Options{})
}

func startEngineOpts(t *testing.T, api *fakeAPI, opts Options) (*Engine, *fakeDialer) {
	t.Helper()
	dialer := &fakeDialer{}
	manager, err := realtime.NewManager(realtime.Options{
		URL:         "ws://test/chat",
		Dialer:      dialer,
		API:         api,
		BackoffBase: time.Millisecond,
		MaxAttempts: 2,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	connected := make(chan struct{}, 1)
	manager.OnStateChange(func(s realtime.Status) {
		if s.State == realtime.StateConnected {
			connected <- struct{}{}
		}
	})

	eng := New(manager, api, nil, opts)
	t.Cleanup(func() {
		eng.Disconnect()
		eng.Close()
	})

	if err := eng.Connect("s1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("engine never connected")
	}
	return eng, dialer
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestEngine_HistoryThenLive(t *testing.T) {
	api := &fakeAPI{history: map[string][]protocol.Message{
		"s1": {testMessage("m1", 0, "first"), testMessage("m2", time.Second, "second")},
	}}
	eng, dialer := startEngine(t, api)

	dialer.last().deliver(t, protocol.TypeChatMessage, protocol.MessageEvent{
		Message: testMessage("m3", 2*time.Second, "third"),
	})

	waitFor(t, func() bool { return len(eng.Messages(store.Filter{})) == 3 }, "3 messages")
	got := eng.Messages(store.Filter{})
	if got[0].ID != "m1" || got[1].ID != "m2" || got[2].ID != "m3" {
		t.Fatalf("order = %v %v %v", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestEngine_ScreensLiveMessages(t *testing.T) {
	api := &fakeAPI{}
	eng, dialer := startEngine(t, api)

	dialer.last().deliver(t, protocol.TypeChatMessage, protocol.MessageEvent{
		Message: testMessage("m1", 0, "visit http://evil.com for free money"),
	})

	waitFor(t, func() bool {
		return len(eng.Messages(store.Filter{FlaggedOnly: true})) == 1
	}, "flagged message")

	got := eng.Messages(store.Filter{FlaggedOnly: true})[0]
	want := map[string]bool{"blocked_term:free money": true, "spam:url": true}
	if len(got.ModerationFlags) != 2 {
		t.Fatalf("flags = %v", got.ModerationFlags)
	}
	for _, f := range got.ModerationFlags {
		if !want[f] {
			t.Errorf("unexpected flag %q", f)
		}
	}
}

func TestEngine_TypingPresence(t *testing.T) {
	api := &fakeAPI{}
	eng, dialer := startEngine(t, api)
	conn := dialer.last()

	conn.deliver(t, protocol.TypeChatTyping, protocol.TypingEvent{
		UserID: "u1", Username: "alice", IsTyping: true,
	})
	waitFor(t, func() bool { return len(eng.ActiveTypers()) == 1 }, "typing entry")

	// The author's own message ends their typing state.
	msg := testMessage("m1", 0, "done typing")
	msg.AuthorID = "u1"
	conn.deliver(t, protocol.TypeChatMessage, protocol.MessageEvent{Message: msg})
	waitFor(t, func() bool { return len(eng.ActiveTypers()) == 0 }, "typing cleared")
}

// TestEngine_TypingTTLFromOptions verifies the configured TTL reaches the
// tracker: an entry with no refresh and no stop event ages out on its own.
func TestEngine_TypingTTLFromOptions(t *testing.T) {
	api := &fakeAPI{}
	eng, dialer := startEngineOpts(t, api, Options{
		TypingTTL:     100 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
	})

	dialer.last().deliver(t, protocol.TypeChatTyping, protocol.TypingEvent{
		UserID: "u1", Username: "alice", IsTyping: true,
	})
	waitFor(t, func() bool { return len(eng.ActiveTypers()) == 1 }, "typing entry")
	waitFor(t, func() bool { return len(eng.ActiveTypers()) == 0 }, "typing expiry")
}

func TestEngine_PresenceBecomesSystemMessage(t *testing.T) {
	api := &fakeAPI{}
	eng, dialer := startEngine(t, api)

	dialer.last().deliver(t, protocol.TypeUserJoined, protocol.PresenceEvent{
		UserID: "u1", Username: "alice",
	})

	waitFor(t, func() bool {
		return len(eng.Messages(store.Filter{Roles: []protocol.Role{protocol.RoleSystem}})) == 1
	}, "system message")

	got := eng.Messages(store.Filter{Roles: []protocol.Role{protocol.RoleSystem}})[0]
	if got.Kind != protocol.KindSystem || got.Body != "alice joined the chat" {
		t.Fatalf("system message = %+v", got)
	}
}

func TestEngine_AlertsFlowIntoTriage(t *testing.T) {
	api := &fakeAPI{}
	eng, dialer := startEngine(t, api)

	var criticalMu sync.Mutex
	var critical []string
	eng.OnCriticalAlert(func(a protocol.Alert) {
		criticalMu.Lock()
		critical = append(critical, a.ID)
		criticalMu.Unlock()
	})

	conn := dialer.last()
	conn.deliver(t, protocol.TypeChatAlert, protocol.AlertEvent{Alert: protocol.Alert{
		ID: "a1", Severity: protocol.SeverityHigh, CreatedAt: base,
	}})
	conn.deliver(t, protocol.TypeChatAlert, protocol.AlertEvent{Alert: protocol.Alert{
		ID: "a2", Severity: protocol.SeverityCritical, CreatedAt: base.Add(time.Second),
	}})

	waitFor(t, func() bool { return eng.AlertCounts().TotalUnresolved == 2 }, "2 alerts")

	c := eng.AlertCounts()
	if c.BySeverity[protocol.SeverityCritical] != 1 {
		t.Errorf("critical count = %d", c.BySeverity[protocol.SeverityCritical])
	}

	criticalMu.Lock()
	if len(critical) != 1 || critical[0] != "a2" {
		t.Errorf("critical edge fired for %v, want [a2]", critical)
	}
	criticalMu.Unlock()

	eng.ResolveAlert("a2")
	if got := eng.AlertCounts().TotalUnresolved; got != 1 {
		t.Errorf("TotalUnresolved after resolve = %d, want 1", got)
	}
}

func TestEngine_PinAndDeleteEvents(t *testing.T) {
	api := &fakeAPI{history: map[string][]protocol.Message{
		"s1": {testMessage("m1", 0, "pin me"), testMessage("m2", time.Second, "delete me")},
	}}
	eng, dialer := startEngine(t, api)
	conn := dialer.last()

	conn.deliver(t, protocol.TypeMessagePinned, protocol.PinEvent{MessageID: "m1"})
	conn.deliver(t, protocol.TypeMessageDeleted, protocol.DeleteEvent{MessageID: "m2"})

	waitFor(t, func() bool { return len(eng.Pinned()) == 1 }, "pinned message")
	waitFor(t, func() bool { return len(eng.Messages(store.Filter{})) == 1 }, "deletion applied")

	conn.deliver(t, protocol.TypeMessageUnpin, protocol.PinEvent{MessageID: "m1"})
	waitFor(t, func() bool { return len(eng.Pinned()) == 0 }, "unpin applied")
}

func TestEngine_ReactionEvents(t *testing.T) {
	api := &fakeAPI{history: map[string][]protocol.Message{
		"s1": {testMessage("m1", 0, "nice")},
	}}
	eng, dialer := startEngine(t, api)
	conn := dialer.last()

	conn.deliver(t, protocol.TypeChatReaction, protocol.ReactionEvent{
		MessageID: "m1", Emoji: "fire", UserID: "u1", Delta: 1,
	})
	conn.deliver(t, protocol.TypeChatReaction, protocol.ReactionEvent{
		MessageID: "m1", Emoji: "fire", UserID: "u2", Delta: 1,
	})

	waitFor(t, func() bool {
		msgs := eng.Messages(store.Filter{})
		return len(msgs) == 1 && msgs[0].Reactions["fire"] == 2
	}, "reaction count")
}
