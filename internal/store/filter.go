package store

import (
	"strings"

	"github.com/bigfootlive/modengine/internal/protocol"
)

// Filter is a conjunctive predicate set over messages. The zero value
// matches every non-deleted message.
type Filter struct {
	// SessionID restricts the view to one room when non-empty.
	SessionID string

	// Search is a case-insensitive substring match over body and author
	// name.
	Search string

	// FlaggedOnly keeps only messages carrying at least one moderation flag.
	FlaggedOnly bool

	// ReportedOnly keeps only messages with a non-zero report count.
	ReportedOnly bool

	// Roles, when non-empty, keeps only messages whose author role is in
	// the set.
	Roles []protocol.Role

	// Sentiments, when non-empty, keeps only messages whose sentiment is in
	// the set.
	Sentiments []protocol.Sentiment

	// IncludeDeleted keeps soft-deleted messages in the view. Moderator
	// screens use this; the default audience view does not.
	IncludeDeleted bool
}

func (f Filter) matches(m *protocol.Message) bool {
	if m.Deleted && !f.IncludeDeleted {
		return false
	}
	if f.SessionID != "" && m.SessionID != f.SessionID {
		return false
	}
	if f.FlaggedOnly && len(m.ModerationFlags) == 0 {
		return false
	}
	if f.ReportedOnly && m.ReportCount == 0 {
		return false
	}
	if len(f.Roles) > 0 && !containsRole(f.Roles, m.Role) {
		return false
	}
	if len(f.Sentiments) > 0 && !containsSentiment(f.Sentiments, m.Sentiment) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(m.Body), needle) &&
			!strings.Contains(strings.ToLower(m.AuthorName), needle) {
			return false
		}
	}
	return true
}

func containsRole(set []protocol.Role, r protocol.Role) bool {
	for _, v := range set {
		if v == r {
			return true
		}
	}
	return false
}

func containsSentiment(set []protocol.Sentiment, s protocol.Sentiment) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
