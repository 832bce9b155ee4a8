package tunnel

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ControlChannel implements the Control Channel (spec.md §4.C): a framed,
// message-oriented JSON stream over one persistent, full-duplex WebSocket
// connection per tunnel session.
//
// Per spec.md §4.C/§5, writes must be serialized so interleaved JSON
// fragments cannot occur; ControlChannel enforces this with a single
// writeMu, the same single-writer discipline the teacher documents for its
// SSH channel writes (internal/tunnel/server.go forwardConn/runListener use
// one goroutine per direction instead, since raw byte copying has no framing
// to protect — here the frames themselves require the guard).
type ControlChannel struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewControlChannel wraps an already-upgraded WebSocket connection,
// applying the 20 MiB message size cap from spec.md §4.C/§6.
func NewControlChannel(conn *websocket.Conn) *ControlChannel {
	conn.SetReadLimit(MaxMessageBytes)
	return &ControlChannel{conn: conn}
}

// Send marshals v to JSON and writes it as one WebSocket text message.
// Concurrent callers are serialized so two frames can never interleave.
func (c *ControlChannel) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("tunnel: marshal frame: %w", err)
	}
	if len(data) > MaxMessageBytes {
		return fmt.Errorf("tunnel: outgoing frame of %d bytes exceeds %d byte cap", len(data), MaxMessageBytes)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame blocks for the next text message and returns its type
// discriminant and raw JSON bytes for the caller to unmarshal into the
// concrete frame struct. A read of a non-text message is treated as a
// malformed frame and skipped (not returned as an error) so a single
// stray binary/ping control frame from a misbehaving peer does not close
// the channel — liveness is preferred per spec.md §7.
func (c *ControlChannel) ReadFrame() (FrameType, []byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return "", nil, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return "", data, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return env.Type, data, nil
	}
}

// SetReadDeadline forwards to the underlying connection. Used by
// Server.handshake to bound the register handshake (spec.md §4.E
// "Connected" state), and by Server.HandleConnection to wake a blocked read
// once its context is cancelled.
func (c *ControlChannel) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close closes the underlying WebSocket connection.
func (c *ControlChannel) Close() error {
	return c.conn.Close()
}

// RemoteAddr reports the peer's network address, used for logging.
func (c *ControlChannel) RemoteAddr() string {
	if c.conn.UnderlyingConn() == nil {
		return ""
	}
	return c.conn.UnderlyingConn().RemoteAddr().String()
}
