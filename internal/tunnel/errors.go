package tunnel

import "errors"

// Error kinds from spec.md §7. Sentinel errors rather than a typed
// hierarchy, matching the teacher's style of plain fmt.Errorf/errors.Is use
// throughout internal/tunnel.
var (
	// ErrInvalidRegister is returned when a register frame's local_port is
	// missing or outside [1, 65535].
	ErrInvalidRegister = errors.New("tunnel: invalid local_port in register frame")
	// ErrPortsExhausted is returned by the port allocator when every port in
	// [PORT_START, PORT_END] is leased or OS-occupied.
	ErrPortsExhausted = errors.New("tunnel: no free public ports")
	// ErrAtCapacity is returned by the registry when inserting would exceed
	// MAX_CLIENTS.
	ErrAtCapacity = errors.New("tunnel: server at capacity")
	// ErrChannelClosed marks a pending request resolved because its owning
	// control channel closed before a response frame arrived.
	ErrChannelClosed = errors.New("tunnel: control channel closed")
	// ErrUpstreamTimeout marks a pending request resolved because no
	// response frame arrived within REQUEST_TIMEOUT.
	ErrUpstreamTimeout = errors.New("tunnel: upstream response timeout")
	// ErrUpstreamError marks a pending request resolved because the client
	// reported an error or sent a malformed response frame.
	ErrUpstreamError = errors.New("tunnel: upstream error")
	// ErrRateLimited is returned by the admission layer when a source IP has
	// exceeded its request quota.
	ErrRateLimited = errors.New("tunnel: rate limited")
	// ErrMalformedFrame marks a control-channel message that failed to
	// parse as JSON, or a first frame that is not a register frame. An
	// oversize message is not reported with this error: the WebSocket read
	// itself fails and the channel ends.
	ErrMalformedFrame = errors.New("tunnel: malformed frame")
)
