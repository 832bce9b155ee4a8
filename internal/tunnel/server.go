package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/websoft9/tunneld/internal/eventsink"
)

// handshakeTimeout bounds how long a freshly accepted control channel has to
// send its register frame before the session is torn down (spec.md §4.E
// "Connected" state).
const handshakeTimeout = 15 * time.Second

// Server drives the accept-handshake-teardown lifecycle for control channels
// (spec.md §4.E, §4.C). It is pure tunnel infrastructure — the HTTP/WS
// upgrade itself happens in internal/server, which calls HandleConnection
// once per accepted connection.
//
// Server generalizes the teacher's tunnel.Server (an SSH accept loop with
// injected TokenValidator/SessionHooks) to this system's WebSocket control
// channel, keeping the same "infrastructure takes hooks, never owns
// business state" shape but dropping token validation (auth is out of
// scope; see DESIGN.md) and persistence hooks (no durable store in scope).
type Server struct {
	Allocator *PortAllocator
	Registry  *Registry
	Admitter  Admitter
	Sink      eventsink.Sink
	Logger    zerolog.Logger

	// RequestTimeout bounds how long the ingress listener waits for a
	// response frame before returning 504 to the public caller.
	RequestTimeout time.Duration
	// IdleThreshold is how long a session may go without activity before
	// the idle-eviction sweep closes it.
	IdleThreshold time.Duration

	// ListenHost is the interface each per-tunnel ingress listener binds,
	// normally "0.0.0.0".
	ListenHost string
}

// HandleConnection drives one accepted control channel end to end: waits
// for the register frame, allocates a port, starts the per-tunnel ingress
// listener, then reads response/ping frames until the channel closes or a
// fatal error occurs, at which point it fully tears the session down.
//
// It blocks for the lifetime of the session, so callers run it in its own
// goroutine per connection (the one-read-loop-goroutine-per-session
// discipline from spec.md §8).
func (s *Server) HandleConnection(ctx context.Context, ch *ControlChannel) {
	clientID := uuid.NewString()
	s.Sink.Record(eventsink.Event{
		Kind:       eventsink.EventConnected,
		ClientID:   clientID,
		RemoteAddr: ch.RemoteAddr(),
		At:         time.Now().UTC(),
	})

	sess := NewSession(clientID, ch)

	if err := s.handshake(sess); err != nil {
		s.Logger.Warn().Str("client_id", clientID).Err(err).Msg("register handshake failed")
		_ = ch.Close()
		return
	}

	s.Sink.Record(eventsink.Event{
		Kind:       eventsink.EventRegistered,
		ClientID:   clientID,
		RemoteAddr: ch.RemoteAddr(),
		PublicPort: sess.PublicPort,
		At:         time.Now().UTC(),
	})

	ingressErrCh := make(chan error, 1)
	go func() {
		ingressErrCh <- sess.ingress.Serve(fmt.Sprintf("%s:%d", s.ListenHost, sess.PublicPort))
	}()

	loopDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Wake a ReadFrame parked in readLoop so cancellation takes
			// effect without waiting for the peer's next frame.
			_ = sess.Channel.SetReadDeadline(time.Now())
		case <-loopDone:
		}
	}()

	s.readLoop(ctx, sess)
	close(loopDone)

	s.teardown(sess)

	select {
	case err := <-ingressErrCh:
		if err != nil {
			s.Logger.Warn().Str("client_id", clientID).Err(err).Msg("ingress listener exited with error")
		}
	case <-time.After(2 * time.Second):
	}
}

// handshake waits for the client's register frame (spec.md §4.E Connected
// state) and transitions the session to Registered on success.
func (s *Server) handshake(sess *Session) error {
	_ = sess.Channel.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer sess.Channel.SetReadDeadline(time.Time{})

	frameType, data, err := sess.Channel.ReadFrame()
	if err != nil {
		return fmt.Errorf("tunnel: read register frame: %w", err)
	}
	if frameType != FrameRegister {
		return fmt.Errorf("%w: expected register, got %q", ErrMalformedFrame, frameType)
	}

	var reg RegisterFrame
	if err := json.Unmarshal(data, &reg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if reg.LocalPort <= 0 || reg.LocalPort > 65535 {
		return ErrInvalidRegister
	}

	if !s.Registry.HasCapacity() {
		_ = sess.Channel.Send(&ErrorFrame{Type: FrameError, Message: ErrAtCapacity.Error()})
		return ErrAtCapacity
	}

	publicPort, err := s.Allocator.Acquire()
	if err != nil {
		_ = sess.Channel.Send(&ErrorFrame{Type: FrameError, Message: err.Error()})
		return err
	}

	ingress := newIngressListener(sess, s.Admitter, s.RequestTimeout, s.Logger)
	if !sess.markRegistered(reg.LocalPort, publicPort, ingress) {
		s.Allocator.Release(publicPort)
		return fmt.Errorf("tunnel: session already registered")
	}

	if err := s.Registry.Insert(sess); err != nil {
		s.Allocator.Release(publicPort)
		_ = sess.Channel.Send(&ErrorFrame{Type: FrameError, Message: err.Error()})
		return err
	}

	return sess.Channel.Send(&RegisteredFrame{
		Type:       FrameRegistered,
		PublicPort: publicPort,
		ServerID:   sess.ClientID,
	})
}

// readLoop consumes response and ping frames until the channel closes or
// ctx is cancelled. A duplicate register frame arriving here is a protocol
// violation; per spec.md §9 it is logged and ignored rather than treated as
// fatal, so one misbehaving client does not need a second handshake path.
//
// A malformed frame (bad JSON) is likewise non-fatal per spec.md §7:
// liveness is preferred, so it is logged and the loop continues rather than
// tearing the whole session down over one stray frame. Only a genuine
// transport-level read error (the underlying connection is actually gone)
// ends the loop.
func (s *Server) readLoop(ctx context.Context, sess *Session) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frameType, data, err := sess.Channel.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				s.Logger.Warn().Str("client_id", sess.ClientID).Err(err).Msg("malformed frame ignored")
				continue
			}
			return
		}

		switch frameType {
		case FrameResponse:
			var resp ResponseFrame
			if err := json.Unmarshal(data, &resp); err != nil {
				s.Logger.Warn().Str("client_id", sess.ClientID).Err(err).Msg("malformed response frame")
				continue
			}
			sess.Pending.Complete(resp.RequestID, &resp)

		case FramePing:
			sess.Touch()
			_ = sess.Channel.Send(&PongFrame{Type: FramePong})

		case FrameRegister:
			s.Logger.Warn().Str("client_id", sess.ClientID).Msg("duplicate register frame ignored")

		default:
			s.Logger.Warn().Str("client_id", sess.ClientID).Str("frame_type", string(frameType)).Msg("unrecognized frame type ignored")
		}
	}
}

// teardown drives a session from Registered to Closed following the exact
// ordering required by spec.md §4.E: the registry removal must happen
// first (so no new ingress admission can resolve to this session) and the
// channel close must happen last; the steps in between (listener shutdown,
// pending drain, port release) are commutative and safe to call more than
// once (beginDraining is idempotent), so both the read loop exit path and
// the idle-eviction sweep can call it without coordination.
//
// Pending requests are drained before the ingress listener is shut down:
// any in-flight ingress handler is blocked in a select on Pending.Await, so
// draining first unblocks it (with a prompt 502) instead of leaving it
// parked until the listener's own shutdown deadline elapses.
func (s *Server) teardown(sess *Session) {
	if !sess.beginDraining() {
		return
	}

	s.Registry.Remove(sess)

	sess.Pending.DrainAll(ErrChannelClosed)

	if sess.ingress != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = sess.ingress.Shutdown(ctx)
		cancel()
	}

	if sess.PublicPort != 0 {
		s.Allocator.Release(sess.PublicPort)
	}
	_ = sess.Channel.Close()
	sess.markClosed()

	s.Sink.Record(eventsink.Event{
		Kind:       eventsink.EventDisconnected,
		ClientID:   sess.ClientID,
		RemoteAddr: sess.Channel.RemoteAddr(),
		PublicPort: sess.PublicPort,
		At:         time.Now().UTC(),
	})
}

// EvictIdle scans the registry for sessions idle past threshold and tears
// each one down, returning the number evicted. cmd/server invokes it from
// the scheduled idle-sweep task (internal/worker) when Redis is configured,
// and from a plain time.Ticker goroutine otherwise.
func (s *Server) EvictIdle(_ context.Context) (int, error) {
	idle := s.Registry.SweepIdle(func(sess *Session) bool {
		return sess.State() == stateRegistered && sess.IdleFor() >= s.IdleThreshold
	})
	for _, sess := range idle {
		s.Sink.Record(eventsink.Event{
			Kind:       eventsink.EventEvicted,
			ClientID:   sess.ClientID,
			RemoteAddr: sess.Channel.RemoteAddr(),
			PublicPort: sess.PublicPort,
			At:         time.Now().UTC(),
			Detail:     fmt.Sprintf("idle for %s", sess.IdleFor()),
		})
		s.teardown(sess)
	}
	return len(idle), nil
}
