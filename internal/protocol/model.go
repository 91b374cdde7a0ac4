package protocol

import "time"

// Role identifies the author's standing in the room.
type Role string

const (
	RoleViewer     Role = "viewer"
	RoleSubscriber Role = "subscriber"
	RoleModerator  Role = "moderator"
	RoleAdmin      Role = "admin"
	RoleSystem     Role = "system"
)

// Kind distinguishes user chat text from synthetic system rows
// (user joined/left announcements).
type Kind string

const (
	KindText   Kind = "text"
	KindSystem Kind = "system"
)

// Sentiment is the backend's classification of a message, when present.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Severity ranks moderation alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Message is a single chat row. Identity is ID: the engine never stores two
// messages with the same ID regardless of how many times the backend delivers
// it. System rows (joins/leaves) use the same type with Kind set to system.
type Message struct {
	ID              string         `json:"id"`
	SessionID       string         `json:"session_id"`
	AuthorID        string         `json:"author_id"`
	AuthorName      string         `json:"author_name"`
	Role            Role           `json:"role"`
	Kind            Kind           `json:"kind"`
	Body            string         `json:"body"`
	CreatedAt       time.Time      `json:"created_at"`
	Edited          bool           `json:"edited,omitempty"`
	Deleted         bool           `json:"deleted,omitempty"`
	Pinned          bool           `json:"pinned,omitempty"`
	ReportCount     int            `json:"report_count,omitempty"`
	ModerationFlags []string       `json:"moderation_flags,omitempty"`
	Sentiment       Sentiment      `json:"sentiment,omitempty"`
	Toxicity        int            `json:"toxicity,omitempty"` // 0..100
	Reactions       map[string]int `json:"reactions,omitempty"`
}

// Alert is a moderation alert raised by the backend. Alerts are soft-state:
// they are appended once, mutated only by resolve, and never deleted, so
// historical counts stay accurate.
type Alert struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"session_id"`
	Severity         Severity   `json:"severity"`
	Title            string     `json:"title"`
	Detail           string     `json:"detail,omitempty"`
	RelatedMessageID string     `json:"related_message_id,omitempty"`
	RelatedUserID    string     `json:"related_user_id,omitempty"`
	RequiresAction   bool       `json:"requires_action,omitempty"`
	Resolved         bool       `json:"resolved,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
}
