// Package protocol defines the wire events exchanged with the streaming
// backend over the real-time connection, plus the chat domain model shared by
// the state components. All events are serialized as JSON and follow a
// consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Server -> client event types.
const (
	TypeChatMessage    = "chat:message"
	TypeChatHistory    = "chat:history"
	TypeChatTyping     = "chat:typing"
	TypeUserJoined     = "chat:user_joined"
	TypeUserLeft       = "chat:user_left"
	TypeChatAlert      = "chat:alert"
	TypeChatReaction   = "chat:reaction"
	TypeMessagePinned  = "chat:pinned"
	TypeMessageUnpin   = "chat:unpinned"
	TypeMessageDeleted = "chat:message_deleted"
	TypePong           = "pong"
)

// Client -> server event types.
const (
	TypeJoinRoom  = "join:room"
	TypeLeaveRoom = "leave:room"
	TypeChatSend  = "chat:send"
	TypeTyping    = "chat:typing"
	TypeModerate  = "chat:moderate"
	TypePing      = "ping"
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Server -> client event structs
// ---------------------------------------------------------------------------

// MessageEvent delivers a single live chat message.
type MessageEvent struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// HistoryEvent delivers a batch of messages replayed after a reconnect or on
// initial room join. The batch is applied as one unit before live events.
type HistoryEvent struct {
	Type     string    `json:"type"`
	Messages []Message `json:"messages"`
}

// TypingEvent signals that a user started or stopped typing.
type TypingEvent struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

// PresenceEvent announces a user joining or leaving the room.
type PresenceEvent struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// AlertEvent delivers a moderation alert.
type AlertEvent struct {
	Type  string `json:"type"`
	Alert Alert  `json:"alert"`
}

// ReactionEvent applies a reaction delta to a message. Idempotency is keyed
// by (MessageID, Emoji, UserID) upstream; the engine applies deltas as given.
type ReactionEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"user_id"`
	Delta     int    `json:"delta"` // +1 add, -1 remove
}

// PinEvent marks a message pinned or unpinned depending on the event type.
type PinEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// DeleteEvent marks a message deleted. The deletion echo for an action this
// client initiated is harmless: marking an already-deleted message is a no-op.
type DeleteEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// PongEvent is the server's response to a keepalive ping.
type PongEvent struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Client -> server event structs
// ---------------------------------------------------------------------------

// JoinRoomEvent subscribes this connection to a room's event stream.
type JoinRoomEvent struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// LeaveRoomEvent unsubscribes from the room before disconnecting.
type LeaveRoomEvent struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// SendChatEvent submits a chat message body to the room.
type SendChatEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Body      string `json:"body"`
}

// SendTypingEvent reports this client's typing state.
type SendTypingEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	IsTyping  bool   `json:"is_typing"`
}

// ModerateEvent pushes a moderation action over the live channel so other
// moderator consoles see it immediately. The durable path is the REST call;
// this event is best-effort.
type ModerateEvent struct {
	Type      string   `json:"type"`
	ActionID  string   `json:"action_id"`
	SessionID string   `json:"session_id"`
	Targets   []string `json:"targets"`
	Action    string   `json:"action"`
	Reason    string   `json:"reason,omitempty"`
	Duration  int      `json:"duration,omitempty"` // seconds, timeout only
}

// PingEvent is a client-initiated keepalive ping.
type PingEvent struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerEvent parses raw bytes from the transport into a typed server
// event. It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// client-only event types.
func ParseServerEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		evt interface{}
		err error
	)

	switch env.Type {
	case TypeChatMessage:
		var e MessageEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	case TypeChatHistory:
		var e HistoryEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	case TypeChatTyping:
		var e TypingEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	case TypeUserJoined, TypeUserLeft:
		var e PresenceEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	case TypeChatAlert:
		var e AlertEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	case TypeChatReaction:
		var e ReactionEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	case TypeMessagePinned, TypeMessageUnpin:
		var e PinEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	case TypeMessageDeleted:
		var e DeleteEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	case TypePong:
		var e PongEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, evt, nil
}

// NewClientEvent creates a JSON-encoded byte slice for a client event. The
// eventType is injected into the payload under the "type" key so callers can
// pass a zero-Type struct.
func NewClientEvent(eventType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = eventType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal client event: %w", err)
	}
	return out, nil
}
