package tunnel

// Package-level wire types implementing spec.md §6's control-channel frames.
// Every frame is a UTF-8 JSON object carrying a "type" discriminant; the
// control channel itself (gorilla/websocket) supplies per-message framing,
// so no additional length prefix is written on the wire.

// FrameType enumerates the control-channel message discriminants.
type FrameType string

const (
	FrameRegister   FrameType = "register"
	FrameRegistered FrameType = "registered"
	FrameRequest    FrameType = "request"
	FrameResponse   FrameType = "response"
	FramePing       FrameType = "ping"
	FramePong       FrameType = "pong"
	FrameError      FrameType = "error"
)

// MaxMessageBytes is the control-channel message size cap from spec.md §4.C
// and §6 — 20 MiB. Bodies exceeding this (on send or receive) fail the
// owning request with 502, per spec.md §9.
const MaxMessageBytes = 20 * 1024 * 1024

// Envelope is used only to sniff the "type" discriminant before decoding
// into a concrete frame; every frame type below embeds Type redundantly so
// that re-marshaling a concrete frame still carries it.
type Envelope struct {
	Type FrameType `json:"type"`
}

// RegisterFrame is sent client → server to claim a public port for
// LocalPort (data model §3, component 4.E handshake).
type RegisterFrame struct {
	Type      FrameType `json:"type"`
	LocalPort int       `json:"local_port"`
}

// RegisteredFrame is sent server → client in reply to a valid RegisterFrame.
type RegisteredFrame struct {
	Type       FrameType `json:"type"`
	PublicPort int       `json:"public_port"`
	ServerID   string    `json:"server_id"`
}

// RequestFrame is sent server → client for one inbound ingress HTTP request.
type RequestFrame struct {
	Type      FrameType         `json:"type"`
	RequestID string            `json:"request_id"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"` // base64, always present (may be "")
	ClientIP  string            `json:"client_ip"`
	Timestamp float64           `json:"timestamp"`
}

// ResponseFrame is sent client → server with the local HTTP call's result.
type ResponseFrame struct {
	Type           FrameType         `json:"type"`
	RequestID      string            `json:"request_id"`
	Status         int               `json:"status"`
	Headers        map[string]string `json:"headers"`
	Body           string            `json:"body"` // base64, always present
	ResponseTimeMs int               `json:"response_time_ms,omitempty"`
}

// PingFrame / PongFrame implement the heartbeat described in spec.md §4.C
// and restored from original_source/client.py's heartbeat() loop.
type PingFrame struct {
	Type      FrameType `json:"type"`
	Timestamp float64   `json:"timestamp"`
}

type PongFrame struct {
	Type FrameType `json:"type"`
}

// ErrorFrame is sent server → client for protocol-level failures (spec.md §7).
type ErrorFrame struct {
	Type    FrameType `json:"type"`
	Message string    `json:"message"`
}
