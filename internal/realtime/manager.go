// Package realtime maintains the live connection to the streaming backend.
// It owns the connection state machine, reconnects with jittered exponential
// backoff, replays missed history on reconnect before live events resume,
// and fans decoded server events out to typed subscribers.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/bigfootlive/modengine/internal/metrics"
	"github.com/bigfootlive/modengine/internal/protocol"
	"github.com/bigfootlive/modengine/internal/rest"
	"github.com/bigfootlive/modengine/internal/transport"
)

// ErrNotConnected is returned by Send when no session is connected.
var ErrNotConnected = errors.New("realtime: not connected")

// ErrStaleSession marks async work belonging to a superseded session
// attempt. It never escapes the manager; connect loops use it to stop
// silently after a newer Connect or Disconnect has taken over.
var ErrStaleSession = errors.New("realtime: stale session")

// DefaultHeartbeatInterval is how often a keepalive ping is sent.
const DefaultHeartbeatInterval = 30 * time.Second

const dialTimeout = 10 * time.Second

// State is the connection lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

var stateCodes = map[State]float64{
	StateIdle:         0,
	StateConnecting:   1,
	StateConnected:    2,
	StateReconnecting: 3,
	StateDisconnected: 4,
}

// Status is a snapshot of the connection state machine, published to
// state subscribers on every transition.
type Status struct {
	State     State
	SessionID string
	Attempt   int
	Reason    string // set when State is StateDisconnected
}

// Options configure a Manager. Zero values fall back to defaults.
type Options struct {
	URL               string
	Dialer            transport.Dialer
	API               rest.Client
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxAttempts       int
	Rand              *rand.Rand
}

// Manager drives one live session connection at a time. Selecting a new
// session implicitly tears down the previous one; every in-flight async
// step carries the epoch it was started under and is dropped if a later
// Connect or Disconnect has bumped it.
type Manager struct {
	opts Options

	mu         sync.Mutex
	status     Status
	epoch      int64
	conn       transport.Conn
	done       chan struct{}
	catchingUp bool
	buffer     []protocol.Message

	msgHandlers      handlerSet[protocol.Message]
	historyHandlers  handlerSet[[]protocol.Message]
	typingHandlers   handlerSet[protocol.TypingEvent]
	presenceHandlers handlerSet[protocol.PresenceEvent]
	alertHandlers    handlerSet[protocol.Alert]
	reactionHandlers handlerSet[protocol.ReactionEvent]
	pinHandlers      handlerSet[protocol.PinEvent]
	deleteHandlers   handlerSet[protocol.DeleteEvent]
	stateHandlers    handlerSet[Status]
}

// NewManager builds a Manager from opts. Dialer and API are required.
func NewManager(opts Options) (*Manager, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("realtime: dialer is required")
	}
	if opts.API == nil {
		return nil, fmt.Errorf("realtime: rest client is required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = DefaultBackoffMax
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Manager{
		opts:   opts,
		status: Status{State: StateIdle},
	}, nil
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// OnMessage subscribes to live chat messages. During reconnect catch-up,
// live messages are held back and delivered after the history batch so
// subscribers never observe out-of-order delivery. Returns an unsubscribe
// function.
func (m *Manager) OnMessage(fn func(protocol.Message)) func() {
	return m.msgHandlers.add(fn)
}

// OnHistory subscribes to replayed history batches, delivered once per
// successful connect before live messages resume.
func (m *Manager) OnHistory(fn func([]protocol.Message)) func() {
	return m.historyHandlers.add(fn)
}

// OnTyping subscribes to typing indicator events.
func (m *Manager) OnTyping(fn func(protocol.TypingEvent)) func() {
	return m.typingHandlers.add(fn)
}

// OnPresence subscribes to join and leave events.
func (m *Manager) OnPresence(fn func(protocol.PresenceEvent)) func() {
	return m.presenceHandlers.add(fn)
}

// OnAlert subscribes to moderation alerts.
func (m *Manager) OnAlert(fn func(protocol.Alert)) func() {
	return m.alertHandlers.add(fn)
}

// OnReaction subscribes to reaction deltas.
func (m *Manager) OnReaction(fn func(protocol.ReactionEvent)) func() {
	return m.reactionHandlers.add(fn)
}

// OnPin subscribes to pin and unpin events. The event's Type field tells
// them apart.
func (m *Manager) OnPin(fn func(protocol.PinEvent)) func() {
	return m.pinHandlers.add(fn)
}

// OnDelete subscribes to message deletion events.
func (m *Manager) OnDelete(fn func(protocol.DeleteEvent)) func() {
	return m.deleteHandlers.add(fn)
}

// OnStateChange subscribes to connection state transitions.
func (m *Manager) OnStateChange(fn func(Status)) func() {
	return m.stateHandlers.add(fn)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Connect attaches to a session's live feed. Connecting to the session that
// is already active is a no-op; connecting to a different session tears the
// current one down first.
func (m *Manager) Connect(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("realtime: empty session id")
	}

	m.mu.Lock()
	active := m.status.State == StateConnected ||
		m.status.State == StateConnecting ||
		m.status.State == StateReconnecting
	if active && m.status.SessionID == sessionID {
		m.mu.Unlock()
		return nil
	}
	m.epoch++
	epoch := m.epoch
	m.teardownLocked()
	m.buffer = nil
	m.catchingUp = false
	status := m.setStatusLocked(Status{State: StateConnecting, SessionID: sessionID})
	m.mu.Unlock()

	m.stateHandlers.emit(status)
	go m.run(epoch, sessionID, 0)
	return nil
}

// Disconnect tears down the active connection and returns to idle. Safe to
// call at any time.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.epoch++
	if m.conn != nil && m.status.SessionID != "" {
		// Best effort; the server drops membership on close anyway.
		if leave, err := protocol.NewClientEvent(protocol.TypeLeaveRoom,
			protocol.LeaveRoomEvent{Room: m.status.SessionID}); err == nil {
			_ = m.conn.Send(leave)
		}
	}
	m.teardownLocked()
	m.buffer = nil
	m.catchingUp = false
	status := m.setStatusLocked(Status{State: StateIdle})
	m.mu.Unlock()

	m.stateHandlers.emit(status)
}

// Status returns the current state machine snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsConnected reports whether a session is fully connected and caught up.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.State == StateConnected
}

// Send marshals and writes a client event on the live connection. It fails
// only when no session is connected; a write error on a live connection is
// logged and handled through the reconnect path instead.
func (m *Manager) Send(eventType string, payload interface{}) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.status.State == StateConnected
	m.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.NewClientEvent(eventType, payload)
	if err != nil {
		return err
	}
	if err := conn.Send(data); err != nil {
		log.Printf("realtime: send %s: %v", eventType, err)
		_ = conn.Close()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Connection loop
// ---------------------------------------------------------------------------

// run drives connect attempts for one epoch. startAttempt is 0 for a fresh
// Connect and 1 when recovering from a dropped connection.
func (m *Manager) run(epoch int64, sessionID string, startAttempt int) {
	for attempt := startAttempt; ; attempt++ {
		if attempt > m.opts.MaxAttempts {
			m.transition(epoch, Status{
				State:     StateDisconnected,
				SessionID: sessionID,
				Attempt:   attempt - 1,
				Reason:    "reconnect attempts exhausted",
			})
			return
		}
		if attempt > 0 {
			if !m.transition(epoch, Status{
				State:     StateReconnecting,
				SessionID: sessionID,
				Attempt:   attempt,
			}) {
				return
			}
			metrics.ReconnectsTotal.Inc()
			time.Sleep(backoffDelay(attempt-1, m.opts.BackoffBase, m.opts.BackoffMax, m.opts.Rand))
			if m.stale(epoch) {
				return
			}
		}

		err := m.connectOnce(epoch, sessionID)
		if err == nil {
			return
		}
		if errors.Is(err, ErrStaleSession) {
			return
		}
		log.Printf("realtime: session %s attempt %d: %v", sessionID, attempt, err)
	}
}

// connectOnce dials, joins the room, starts the read and heartbeat loops,
// and replays missed history before declaring the session connected. Live
// messages arriving while history is in flight are buffered and flushed
// after the batch so subscribers see them in order.
func (m *Manager) connectOnce(epoch int64, sessionID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, err := m.opts.Dialer.Dial(ctx, m.opts.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	join, err := protocol.NewClientEvent(protocol.TypeJoinRoom, protocol.JoinRoomEvent{Room: sessionID})
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := conn.Send(join); err != nil {
		_ = conn.Close()
		return fmt.Errorf("join room: %w", err)
	}

	done := make(chan struct{})
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrStaleSession
	}
	m.conn = conn
	m.done = done
	m.catchingUp = true
	m.buffer = nil
	m.mu.Unlock()

	go m.readLoop(epoch, conn)
	go m.heartbeat(conn, done)

	start := time.Now()
	history, err := m.opts.API.GetChatHistory(ctx, sessionID)
	if err != nil {
		if !m.dropConn(epoch, conn) {
			// The read loop already tore this connection down and owns
			// the reconnect.
			return ErrStaleSession
		}
		return fmt.Errorf("catch-up: %w", err)
	}
	// The connection may have died while catch-up was in flight; in that
	// case the read loop already owns the reconnect and this attempt must
	// not surface history or declare itself connected.
	if !m.connActive(epoch, conn) {
		return ErrStaleSession
	}
	m.historyHandlers.emit(history)

	m.mu.Lock()
	if epoch != m.epoch || m.conn != conn {
		m.mu.Unlock()
		return ErrStaleSession
	}
	buffered := m.buffer
	m.buffer = nil
	m.catchingUp = false
	status := m.setStatusLocked(Status{State: StateConnected, SessionID: sessionID})
	m.mu.Unlock()

	for _, msg := range buffered {
		m.msgHandlers.emit(msg)
	}
	metrics.CatchupDuration.Observe(time.Since(start).Seconds())
	m.stateHandlers.emit(status)
	return nil
}

func (m *Manager) readLoop(epoch int64, conn transport.Conn) {
	for {
		data, err := conn.ReadEvent()
		if err != nil {
			m.mu.Lock()
			if epoch != m.epoch || m.conn != conn {
				// Superseded or already torn down elsewhere.
				m.mu.Unlock()
				return
			}
			sessionID := m.status.SessionID
			m.teardownLocked()
			m.mu.Unlock()
			log.Printf("realtime: connection lost: %v", err)
			go m.run(epoch, sessionID, 1)
			return
		}
		m.dispatch(epoch, data)
	}
}

// heartbeat sends a ping event on every tick. The server answers with a pong
// event; a failed write closes the connection so the read loop reconnects.
func (m *Manager) heartbeat(conn transport.Conn, done <-chan struct{}) {
	ping, err := protocol.NewClientEvent(protocol.TypePing, protocol.PingEvent{})
	if err != nil {
		log.Printf("realtime: heartbeat: %v", err)
		return
	}
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.Send(ping); err != nil {
				log.Printf("realtime: heartbeat: %v", err)
				// The read loop observes the close and reconnects.
				_ = conn.Close()
				return
			}
		}
	}
}

func (m *Manager) dispatch(epoch int64, data []byte) {
	_, evt, err := protocol.ParseServerEvent(data)
	if err != nil {
		log.Printf("realtime: %v", err)
		return
	}
	if m.stale(epoch) {
		return
	}

	switch e := evt.(type) {
	case protocol.MessageEvent:
		m.mu.Lock()
		if epoch == m.epoch && m.catchingUp {
			m.buffer = append(m.buffer, e.Message)
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.msgHandlers.emit(e.Message)
	case protocol.HistoryEvent:
		m.historyHandlers.emit(e.Messages)
	case protocol.TypingEvent:
		m.typingHandlers.emit(e)
	case protocol.PresenceEvent:
		m.presenceHandlers.emit(e)
	case protocol.AlertEvent:
		m.alertHandlers.emit(e.Alert)
	case protocol.ReactionEvent:
		m.reactionHandlers.emit(e)
	case protocol.PinEvent:
		m.pinHandlers.emit(e)
	case protocol.DeleteEvent:
		m.deleteHandlers.emit(e)
	case protocol.PongEvent:
		// Keepalive acknowledged; nothing to do.
	}
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (m *Manager) stale(epoch int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return epoch != m.epoch
}

// connActive reports whether conn is still the live connection for epoch.
func (m *Manager) connActive(epoch int64, conn transport.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return epoch == m.epoch && m.conn == conn
}

// transition applies a state change if epoch is still current. Subscribers
// are notified outside the lock.
func (m *Manager) transition(epoch int64, status Status) bool {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return false
	}
	status = m.setStatusLocked(status)
	m.mu.Unlock()
	m.stateHandlers.emit(status)
	return true
}

func (m *Manager) setStatusLocked(status Status) Status {
	m.status = status
	metrics.ConnectionState.Set(stateCodes[status.State])
	return status
}

// teardownLocked closes the active connection and stops the heartbeat.
// Caller holds mu.
func (m *Manager) teardownLocked() {
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
}

// dropConn tears down conn if it is still the active connection for epoch,
// without spawning a reconnect. It reports whether this call performed the
// teardown; false means the connection was superseded or already handled.
func (m *Manager) dropConn(epoch int64, conn transport.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch || m.conn != conn {
		return false
	}
	m.teardownLocked()
	return true
}

// ---------------------------------------------------------------------------
// Handler sets
// ---------------------------------------------------------------------------

// handlerSet is a registry of typed callbacks. Emission snapshots the
// registered functions so handlers may unsubscribe from within a callback.
type handlerSet[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

func (h *handlerSet[T]) add(fn func(T)) func() {
	h.mu.Lock()
	if h.fns == nil {
		h.fns = make(map[int]func(T))
	}
	id := h.next
	h.next++
	h.fns[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.fns, id)
		h.mu.Unlock()
	}
}

func (h *handlerSet[T]) emit(v T) {
	h.mu.Lock()
	fns := make([]func(T), 0, len(h.fns))
	for _, fn := range h.fns {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}
