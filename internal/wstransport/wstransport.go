// Package wstransport is the WebSocket alternative to internal/dialer
// + internal/tlsattach: it produces a transport.ByteStream backed by a
// single gorilla/websocket connection instead of a raw TCP socket, for
// platforms (browser/WebGL clients, networks that block non-HTTP
// ports) where a plain TCP dial isn't available (spec §4.12).
//
// Grounded in the teacher's internal/websocket/manager.go: Client's
// mutex-guarded Send and connection-id generation via crypto/rand +
// hex are repurposed here for the client side of one connection,
// rather than a server's multi-client fan-out registry.
package wstransport

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn adapts a *websocket.Conn to transport.ByteStream (io.Reader,
// io.Writer, io.Closer) by treating each Write call as one binary WS
// message and buffering partial reads across message boundaries, the
// way wireproto's stream framing expects.
type Conn struct {
	ID string

	ws     *websocket.Conn
	readMu sync.Mutex
	pending bytes.Buffer

	writeMu sync.Mutex
}

// Dial opens a WebSocket connection to wsURL (scheme "ws" or "wss")
// and returns a ready-to-use Conn. The caller still drives the
// wireproto/protocol handshake over it via
// transport.ConnectOverStream, exactly as it would over a freshly
// dialed TCP socket.
func Dial(ctx context.Context, wsURL string, headers http.Header) (*Conn, error) {
	if _, err := url.Parse(wsURL); err != nil {
		return nil, fmt.Errorf("wstransport: invalid url %q: %w", wsURL, err)
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: 0, // caller's ctx deadline governs this instead
	}
	ws, _, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return nil, fmt.Errorf("wstransport: dial %q: %w", wsURL, err)
	}
	return &Conn{ID: generateConnID(), ws: ws}, nil
}

// Read implements io.Reader by draining any previously-read-but-
// unconsumed WS message bytes first, then blocking for the next
// binary message once the buffer runs dry.
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.pending.Len() > 0 {
		return c.pending.Read(p)
	}

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return 0, err
	}
	c.pending.Write(data)
	return c.pending.Read(p)
}

// Write implements io.Writer by sending p as a single binary WS
// message. The pump may pack several whole wireproto frames (up to its
// 2 KiB batch size) into one Write, so a message can carry more than
// one frame; Read does not depend on message boundaries.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the underlying WebSocket connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// SetReadDeadline satisfies transport's deadlineSetter so the pump can
// abort an in-flight blocking Read the same way it does for net.Conn.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// SetWriteDeadline satisfies transport's deadlineSetter.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

func generateConnID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
