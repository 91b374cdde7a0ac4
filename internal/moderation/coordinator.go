package moderation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigfootlive/modengine/internal/audit"
	"github.com/bigfootlive/modengine/internal/metrics"
	"github.com/bigfootlive/modengine/internal/protocol"
	"github.com/bigfootlive/modengine/internal/rest"
	"github.com/bigfootlive/modengine/internal/store"
)

// ErrActionFailed is returned by Apply when the backend rejects any target
// of a bulk action. The local store is rolled back to its prior state.
var ErrActionFailed = errors.New("moderation: action failed")

// Action kinds accepted by the coordinator.
const (
	ActionDelete  = "delete"
	ActionTimeout = "timeout"
	ActionFlag    = "flag"
)

// Timeout presets offered by the console, in seconds.
var TimeoutPresets = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	600 * time.Second,
}

// Action is one moderation request, possibly spanning several targets.
// For delete and flag the targets are message IDs; for timeout they are
// user IDs.
type Action struct {
	SessionID string
	Kind      string
	Targets   []string
	Reason    string
	Duration  time.Duration // timeout only
}

// LiveSender pushes moderation events over the live connection when one is
// up. The realtime manager satisfies this.
type LiveSender interface {
	IsConnected() bool
	Send(eventType string, payload interface{}) error
}

// Coordinator applies moderation actions optimistically: local store
// effects happen first, then each target is confirmed with the backend.
// If any target fails, every local effect of the batch is undone.
type Coordinator struct {
	api   rest.Client
	store *store.Store
	live  LiveSender   // may be nil
	audit *audit.Store // may be nil

	mu      sync.Mutex
	pending map[string]Action
}

// NewCoordinator builds a coordinator. live and trail may be nil when the
// connection is down or auditing is disabled.
func NewCoordinator(api rest.Client, st *store.Store, live LiveSender, trail *audit.Store) *Coordinator {
	return &Coordinator{
		api:     api,
		store:   st,
		live:    live,
		audit:   trail,
		pending: make(map[string]Action),
	}
}

// Pending returns the actions currently awaiting backend confirmation.
func (c *Coordinator) Pending() []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Action, 0, len(c.pending))
	for _, a := range c.pending {
		out = append(out, a)
	}
	return out
}

// Apply runs one action end to end. Local effects are applied immediately,
// the backend is called per target, and on any failure the whole batch is
// rolled back before ErrActionFailed is returned.
func (c *Coordinator) Apply(ctx context.Context, action Action) error {
	if len(action.Targets) == 0 {
		return fmt.Errorf("moderation: action has no targets")
	}
	switch action.Kind {
	case ActionDelete, ActionTimeout, ActionFlag:
	default:
		return fmt.Errorf("moderation: unknown action kind %q", action.Kind)
	}

	actionID := uuid.New().String()
	c.mu.Lock()
	c.pending[actionID] = action
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, actionID)
		c.mu.Unlock()
	}()

	changed := c.applyLocal(action)

	if err := c.confirm(ctx, action); err != nil {
		c.rollback(action.Kind, changed)
		metrics.ActionsTotal.WithLabelValues(metrics.OutcomeRolledBack).Inc()
		c.record(ctx, actionID, action, audit.OutcomeRolledBack, err)
		return fmt.Errorf("%w: %v", ErrActionFailed, err)
	}

	metrics.ActionsTotal.WithLabelValues(metrics.OutcomeApplied).Inc()
	c.record(ctx, actionID, action, audit.OutcomeApplied, nil)
	c.broadcast(actionID, action)
	return nil
}

// applyLocal mutates the store and returns the target IDs whose state
// actually changed, so rollback only touches what this batch touched.
func (c *Coordinator) applyLocal(action Action) []string {
	var changed []string
	switch action.Kind {
	case ActionDelete:
		for _, id := range action.Targets {
			if c.store.MarkDeleted(id) {
				changed = append(changed, id)
			}
		}
	case ActionFlag:
		for _, id := range action.Targets {
			if c.store.AddFlag(id, "flagged") {
				changed = append(changed, id)
			}
		}
	case ActionTimeout:
		// Timeouts act on users, not stored messages. Nothing local to undo.
	}
	return changed
}

func (c *Coordinator) rollback(kind string, changed []string) {
	switch kind {
	case ActionDelete:
		for _, id := range changed {
			c.store.Restore(id)
		}
	case ActionFlag:
		for _, id := range changed {
			c.store.RemoveFlag(id, "flagged")
		}
	}
}

func (c *Coordinator) confirm(ctx context.Context, action Action) error {
	for _, target := range action.Targets {
		if err := c.api.ModerateMessage(ctx, target, action.Kind, action.Reason, action.Duration); err != nil {
			return fmt.Errorf("target %s: %w", target, err)
		}
	}
	return nil
}

// broadcast pushes the confirmed action over the live connection so other
// moderators see it immediately. Best effort; the backend already has it.
func (c *Coordinator) broadcast(actionID string, action Action) {
	if c.live == nil || !c.live.IsConnected() {
		return
	}
	event := protocol.ModerateEvent{
		ActionID:  actionID,
		SessionID: action.SessionID,
		Targets:   action.Targets,
		Action:    action.Kind,
		Reason:    action.Reason,
		Duration:  int(action.Duration.Seconds()),
	}
	if err := c.live.Send(protocol.TypeModerate, event); err != nil {
		log.Printf("moderation: broadcast %s: %v", action.Kind, err)
	}
}

func (c *Coordinator) record(ctx context.Context, actionID string, action Action, outcome string, cause error) {
	if c.audit == nil {
		return
	}
	entry := audit.Entry{
		ActionID:  actionID,
		SessionID: action.SessionID,
		Kind:      action.Kind,
		Reason:    action.Reason,
		Targets:   action.Targets,
		Outcome:   outcome,
		Duration:  action.Duration,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if err := c.audit.RecordAction(ctx, entry); err != nil {
		log.Printf("moderation: audit record: %v", err)
	}
}
