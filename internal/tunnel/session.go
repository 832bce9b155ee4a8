package tunnel

import (
	"sync"
	"sync/atomic"
	"time"
)

// sessionState implements the state machine from spec.md §4.E:
//
//	Connected --register ok--> Registered --idle/close/fatal--> Draining --> Closed
//	         \-register bad--> Closed
type sessionState int32

const (
	stateConnected sessionState = iota
	stateRegistered
	stateDraining
	stateClosed
)

// Session implements the Tunnel Session (spec.md §4.E / data model §3): it
// owns the Control Channel, the per-tunnel HTTP Ingress listener, and this
// session's Pending-Request Registry, and drives the register handshake,
// response relay, activity tracking, and teardown sequencing for one client
// attachment.
//
// Session mirrors the shape of the teacher's tunnel.Session
// (Websoft9-AppOS's internal/tunnel/session.go), generalized from a single
// SSH forwarded-port pair to this system's single WebSocket control channel
// plus one public ingress port.
type Session struct {
	ClientID string
	Channel  *ControlChannel
	Pending  *PendingRegistry

	// LocalPort is the port the client declared in its register frame.
	// Zero until the handshake completes.
	LocalPort int
	// PublicPort is the port leased from the allocator. Zero until the
	// handshake completes.
	PublicPort int

	CreatedAt time.Time

	state   atomic.Int32
	lastMu  sync.Mutex
	lastAct time.Time

	ingress *ingressListener

	// Counters back the /health response-time/request figures, restored
	// from original_source/client.py's stats dict (see SPEC_FULL.md §7).
	totalRequests  atomic.Int64
	failedRequests atomic.Int64
	totalRespMs    atomic.Int64
}

// NewSession creates a Session in the Connected state for a freshly accepted
// control channel.
func NewSession(clientID string, ch *ControlChannel) *Session {
	s := &Session{
		ClientID:  clientID,
		Channel:   ch,
		Pending:   NewPendingRegistry(),
		CreatedAt: time.Now().UTC(),
	}
	s.state.Store(int32(stateConnected))
	s.Touch()
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() sessionState {
	return sessionState(s.state.Load())
}

// Touch records activity now. Called on register, ping, and successful
// response delivery (spec.md §4.F "Idle eviction").
func (s *Session) Touch() {
	s.lastMu.Lock()
	s.lastAct = time.Now().UTC()
	s.lastMu.Unlock()
}

// IdleFor reports how long the session has gone without activity.
func (s *Session) IdleFor() time.Duration {
	s.lastMu.Lock()
	last := s.lastAct
	s.lastMu.Unlock()
	return time.Since(last)
}

// markRegistered transitions Connected -> Registered and records the
// allocated ports. It returns false if the session was not in Connected —
// a second register frame on an already-registered channel is a protocol
// violation, resolved per spec.md §9 as "log and ignore", never
// reallocating a port.
func (s *Session) markRegistered(localPort, publicPort int, ing *ingressListener) bool {
	if !s.state.CompareAndSwap(int32(stateConnected), int32(stateRegistered)) {
		return false
	}
	s.LocalPort = localPort
	s.PublicPort = publicPort
	s.ingress = ing
	s.Touch()
	return true
}

// beginDraining transitions to Draining from any non-Closed state and
// reports whether this call performed the transition. It is the first step
// of teardown (spec.md §4.E) and is idempotent: a second call observes
// Draining/Closed and returns false, giving teardown the "cleaning a
// session twice is equivalent to cleaning it once" property of spec.md §8.
func (s *Session) beginDraining() bool {
	for {
		cur := sessionState(s.state.Load())
		if cur == stateDraining || cur == stateClosed {
			return false
		}
		if s.state.CompareAndSwap(int32(cur), int32(stateDraining)) {
			return true
		}
	}
}

func (s *Session) markClosed() {
	s.state.Store(int32(stateClosed))
}

func (s *Session) recordSuccess(elapsed time.Duration) {
	s.totalRequests.Add(1)
	s.totalRespMs.Add(elapsed.Milliseconds())
	s.Touch()
}

func (s *Session) recordFailure() {
	s.totalRequests.Add(1)
	s.failedRequests.Add(1)
}

// Stats snapshots the per-session counters for /health reporting.
type Stats struct {
	TotalRequests     int64
	FailedRequests    int64
	AvgResponseTimeMs float64
}

// Stats returns a point-in-time snapshot of this session's counters.
func (s *Session) Stats() Stats {
	total := s.totalRequests.Load()
	failed := s.failedRequests.Load()
	avg := 0.0
	if succeeded := total - failed; succeeded > 0 {
		avg = float64(s.totalRespMs.Load()) / float64(succeeded)
	}
	return Stats{
		TotalRequests:     total,
		FailedRequests:    failed,
		AvgResponseTimeMs: avg,
	}
}
