// Package engine ties the moderation components together. It subscribes the
// message store, presence tracker, and alert triage to the realtime manager's
// event feed, screens incoming messages for policy violations, and exposes
// the operations a moderator console drives.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/bigfootlive/modengine/internal/alerts"
	"github.com/bigfootlive/modengine/internal/audit"
	"github.com/bigfootlive/modengine/internal/moderation"
	"github.com/bigfootlive/modengine/internal/presence"
	"github.com/bigfootlive/modengine/internal/protocol"
	"github.com/bigfootlive/modengine/internal/realtime"
	"github.com/bigfootlive/modengine/internal/rest"
	"github.com/bigfootlive/modengine/internal/store"
)

// Engine is the moderation console's state core: one live session, its
// message store, typing presence, alert triage, and the action coordinator.
type Engine struct {
	manager     *realtime.Manager
	store       *store.Store
	presence    *presence.Tracker
	triage      *alerts.Triage
	screen      *moderation.Filter
	coordinator *moderation.Coordinator
	api         rest.Client

	unsubs    []func()
	sweepDone chan struct{}
}

// Options tune the engine's presence tracking. Zero values fall back to the
// presence package defaults; a zero SweepInterval still runs the sweep, since
// reads are correct without it but long-lived rooms need the eviction.
type Options struct {
	TypingTTL     time.Duration
	SweepInterval time.Duration
}

// New wires an Engine onto the given manager. trail may be nil to disable
// the audit trail.
func New(manager *realtime.Manager, api rest.Client, trail *audit.Store, opts Options) *Engine {
	e := &Engine{
		manager:   manager,
		store:     store.New(),
		presence:  presence.NewTracker(opts.TypingTTL),
		triage:    alerts.NewTriage(),
		screen:    moderation.NewFilter(),
		api:       api,
		sweepDone: make(chan struct{}),
	}
	e.coordinator = moderation.NewCoordinator(api, e.store, manager, trail)
	e.presence.StartSweep(opts.SweepInterval, e.sweepDone)

	e.unsubs = append(e.unsubs,
		manager.OnHistory(e.handleHistory),
		manager.OnMessage(e.handleMessage),
		manager.OnTyping(e.handleTyping),
		manager.OnPresence(e.handlePresence),
		manager.OnAlert(e.triage.Ingest),
		manager.OnReaction(e.handleReaction),
		manager.OnPin(e.handlePin),
		manager.OnDelete(e.handleDelete),
	)
	return e
}

// Close detaches the engine from the manager's event feed and stops the
// presence sweep.
func (e *Engine) Close() {
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil
	if e.sweepDone != nil {
		close(e.sweepDone)
		e.sweepDone = nil
	}
}

// ---------------------------------------------------------------------------
// Event handlers
// ---------------------------------------------------------------------------

func (e *Engine) handleHistory(msgs []protocol.Message) {
	for i := range msgs {
		e.screenMessage(&msgs[i])
	}
	e.store.IngestHistoryBatch(msgs)
	// Typing state predates the reconnect and cannot be trusted.
	e.presence.Reset()
}

func (e *Engine) handleMessage(msg protocol.Message) {
	e.screenMessage(&msg)
	e.store.Ingest(msg)
	// Sending a message ends the author's typing state.
	e.presence.OnStoppedTyping(msg.AuthorID)
}

// screenMessage appends content screening flags without overwriting flags
// the backend already attached.
func (e *Engine) screenMessage(msg *protocol.Message) {
	if msg.Kind != protocol.KindText {
		return
	}
	for _, flag := range e.screen.Screen(msg.Body) {
		if !hasFlag(msg.ModerationFlags, flag) {
			msg.ModerationFlags = append(msg.ModerationFlags, flag)
		}
	}
}

func (e *Engine) handleTyping(evt protocol.TypingEvent) {
	if evt.IsTyping {
		e.presence.OnTyping(evt.UserID, evt.Username)
	} else {
		e.presence.OnStoppedTyping(evt.UserID)
	}
}

// handlePresence surfaces joins and leaves as system messages in the feed,
// the way the stream console renders them inline with chat.
func (e *Engine) handlePresence(evt protocol.PresenceEvent) {
	verb := "joined"
	if evt.Type == protocol.TypeUserLeft {
		verb = "left"
		e.presence.OnStoppedTyping(evt.UserID)
	}
	e.store.Ingest(protocol.Message{
		ID:         uuid.New().String(),
		SessionID:  e.manager.Status().SessionID,
		AuthorID:   evt.UserID,
		AuthorName: evt.Username,
		Role:       protocol.RoleSystem,
		Kind:       protocol.KindSystem,
		Body:       fmt.Sprintf("%s %s the chat", evt.Username, verb),
		CreatedAt:  time.Now().UTC(),
	})
}

func (e *Engine) handleReaction(evt protocol.ReactionEvent) {
	e.store.ApplyReaction(evt.MessageID, evt.Emoji, evt.Delta)
}

func (e *Engine) handlePin(evt protocol.PinEvent) {
	e.store.SetPinned(evt.MessageID, evt.Type == protocol.TypeMessagePinned)
}

func (e *Engine) handleDelete(evt protocol.DeleteEvent) {
	e.store.MarkDeleted(evt.MessageID)
}

// ---------------------------------------------------------------------------
// Console operations
// ---------------------------------------------------------------------------

// Connect attaches to a session's live feed.
func (e *Engine) Connect(sessionID string) error {
	return e.manager.Connect(sessionID)
}

// Disconnect leaves the current session.
func (e *Engine) Disconnect() {
	e.manager.Disconnect()
}

// SendChat sends a chat message on the live connection when one is up, and
// falls back to the REST API otherwise.
func (e *Engine) SendChat(ctx context.Context, sessionID, body string) error {
	if e.manager.IsConnected() {
		return e.manager.Send(protocol.TypeChatSend, protocol.SendChatEvent{
			SessionID: sessionID,
			Body:      body,
		})
	}
	return e.api.SendChatMessage(ctx, sessionID, body)
}

// SetTyping reports the local moderator's typing state. Dropped silently
// when disconnected; typing indicators are not worth queueing.
func (e *Engine) SetTyping(sessionID string, isTyping bool) {
	err := e.manager.Send(protocol.TypeTyping, protocol.SendTypingEvent{
		SessionID: sessionID,
		IsTyping:  isTyping,
	})
	if err != nil && !errors.Is(err, realtime.ErrNotConnected) {
		log.Printf("engine: typing: %v", err)
	}
}

// Moderate applies a moderation action through the coordinator.
func (e *Engine) Moderate(ctx context.Context, action moderation.Action) error {
	return e.coordinator.Apply(ctx, action)
}

// Messages returns the filtered, ordered message view.
func (e *Engine) Messages(f store.Filter) []protocol.Message {
	return e.store.View(f)
}

// Pinned returns the currently pinned messages.
func (e *Engine) Pinned() []protocol.Message {
	return e.store.Pinned()
}

// ActiveTypers returns users currently typing, expired entries excluded.
func (e *Engine) ActiveTypers() []presence.Typist {
	return e.presence.ActiveTypers(time.Now())
}

// AlertCounts returns unresolved alert totals by severity.
func (e *Engine) AlertCounts() alerts.Counts {
	return e.triage.Counts()
}

// Alerts returns up to limit unresolved alerts, newest first.
func (e *Engine) Alerts(limit int) []protocol.Alert {
	return e.triage.Unresolved(limit)
}

// ResolveAlert marks an alert resolved. Repeat calls are no-ops.
func (e *Engine) ResolveAlert(alertID string) {
	e.triage.Resolve(alertID)
}

// OnCriticalAlert registers a callback fired when the count of unresolved
// critical alerts rises from zero.
func (e *Engine) OnCriticalAlert(fn func(protocol.Alert)) {
	e.triage.OnCriticalEdge(fn)
}

// Status returns the connection state snapshot.
func (e *Engine) Status() realtime.Status {
	return e.manager.Status()
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}
