// Package transport provides the low-level real-time connection to the
// streaming backend. It wraps gobwas/ws behind a small interface so the
// connection state machine can be driven by an in-memory fake in tests.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn is a single established real-time connection. ReadEvent blocks until a
// complete text frame arrives or the connection fails; Send is safe to call
// from any goroutine.
type Conn interface {
	// ReadEvent returns the next complete text frame from the server.
	ReadEvent() ([]byte, error)

	// Send writes a text frame to the server.
	Send(data []byte) error

	// Close closes the underlying connection. Any blocked ReadEvent call
	// returns with an error.
	Close() error
}

// Dialer establishes connections. The production implementation dials a
// WebSocket URL; tests substitute a fake.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials WebSocket URLs with gobwas/ws.
type WSDialer struct{}

// NewWSDialer returns the production WebSocket dialer.
func NewWSDialer() WSDialer {
	return WSDialer{}
}

// Dial establishes a WebSocket connection to the given URL.
func (WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return &wsConn{conn: conn}, nil
}

// wsConn wraps a net.Conn carrying WebSocket frames. The write mutex ensures
// that concurrent goroutines do not interleave frame bytes.
type wsConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ReadEvent() ([]byte, error) {
	data, err := wsutil.ReadServerText(c.conn)
	if err != nil {
		return nil, fmt.Errorf("transport: read: %w", err)
	}
	return data, nil
}

func (c *wsConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
