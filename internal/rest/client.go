// Package rest is the engine's view of the platform REST API. The endpoints
// themselves are owned elsewhere; this package only consumes the four calls
// the real-time engine needs: history catch-up, sending chat, durable
// moderation, and listing live events.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bigfootlive/modengine/internal/protocol"
)

// Session is one live event/room as reported by the events endpoint.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// Client is the REST collaborator contract consumed by the engine. Tests
// substitute a fake.
type Client interface {
	// GetChatHistory returns the full message history for a session. Used on
	// initial load and for reconnect catch-up.
	GetChatHistory(ctx context.Context, sessionID string) ([]protocol.Message, error)

	// SendChatMessage submits a chat message body durably.
	SendChatMessage(ctx context.Context, sessionID, body string) error

	// ModerateMessage applies a moderation action to one message. Duration
	// is meaningful for timeouts only.
	ModerateMessage(ctx context.Context, messageID, action, reason string, duration time.Duration) error

	// GetEvents lists the live events a moderator can attach to.
	GetEvents(ctx context.Context) ([]Session, error)
}

// HTTPClient talks to the platform API over HTTP with a bearer token.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPClient creates a client for the given API base URL. A nil httpc
// uses a client with a 10s timeout.
func NewHTTPClient(baseURL, token string, httpc *http.Client) *HTTPClient {
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{baseURL: baseURL, token: token, http: httpc}
}

func (c *HTTPClient) GetChatHistory(ctx context.Context, sessionID string) ([]protocol.Message, error) {
	var out struct {
		Messages []protocol.Message `json:"messages"`
	}
	path := fmt.Sprintf("/api/v1/events/%s/chat/history", url.PathEscape(sessionID))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("rest: chat history: %w", err)
	}
	return out.Messages, nil
}

func (c *HTTPClient) SendChatMessage(ctx context.Context, sessionID, body string) error {
	payload := map[string]string{"body": body}
	path := fmt.Sprintf("/api/v1/events/%s/chat/messages", url.PathEscape(sessionID))
	if err := c.do(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("rest: send chat message: %w", err)
	}
	return nil
}

func (c *HTTPClient) ModerateMessage(ctx context.Context, messageID, action, reason string, duration time.Duration) error {
	payload := map[string]interface{}{
		"action": action,
		"reason": reason,
	}
	if duration > 0 {
		payload["duration"] = int(duration.Seconds())
	}
	path := fmt.Sprintf("/api/v1/chat/messages/%s/moderate", url.PathEscape(messageID))
	if err := c.do(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("rest: moderate message %s: %w", messageID, err)
	}
	return nil
}

func (c *HTTPClient) GetEvents(ctx context.Context) ([]Session, error) {
	var out struct {
		Events []Session `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/events", nil, &out); err != nil {
		return nil, fmt.Errorf("rest: list events: %w", err)
	}
	return out.Events, nil
}

// do performs one request. Non-2xx responses are errors; a missing backend
// (404/405) is reported like any other failure rather than faked as success.
func (c *HTTPClient) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
