package tunnel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/websoft9/tunneld/internal/eventsink"
)

// noopAdmitter admits everything and passes headers through verbatim, so
// ingress/server tests exercise framing and relay logic without depending
// on the rate limiter.
type noopAdmitter struct{}

func (noopAdmitter) Admit(context.Context, string) error { return nil }
func (noopAdmitter) SanitizeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

type collectingSink struct {
	events []eventsink.Event
}

func (c *collectingSink) Record(ev eventsink.Event) {
	c.events = append(c.events, ev)
}

func newTestServer(t *testing.T) (*Server, *collectingSink) {
	t.Helper()
	sink := &collectingSink{}
	return &Server{
		Allocator:      NewPortAllocator(59300, 59399),
		Registry:       NewRegistry(10),
		Admitter:       noopAdmitter{},
		Sink:           sink,
		Logger:         zerolog.Nop(),
		RequestTimeout: 2 * time.Second,
		IdleThreshold:  time.Hour,
		ListenHost:     "127.0.0.1",
	}, sink
}

// dialControlChannel starts an httptest WS server that immediately hands
// the upgraded connection to srv.HandleConnection, and returns a client-side
// ControlChannel connected to it.
func dialControlChannel(t *testing.T, srv *Server) (*ControlChannel, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		srv.HandleConnection(context.Background(), NewControlChannel(conn))
	}))

	wsURL := "ws" + ts.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return NewControlChannel(clientConn), ts.Close
}

func TestServer_RegisterHandshake_Succeeds(t *testing.T) {
	srv, sink := newTestServer(t)
	ch, closeSrv := dialControlChannel(t, srv)
	defer closeSrv()
	defer ch.Close()

	if err := ch.Send(&RegisterFrame{Type: FrameRegister, LocalPort: 8080}); err != nil {
		t.Fatalf("send register: %v", err)
	}

	frameType, data, err := ch.ReadFrame()
	if err != nil {
		t.Fatalf("read registered: %v", err)
	}
	if frameType != FrameRegistered {
		t.Fatalf("frame type = %q, want registered", frameType)
	}
	var registered RegisteredFrame
	if err := json.Unmarshal(data, &registered); err != nil {
		t.Fatalf("unmarshal registered: %v", err)
	}
	if registered.PublicPort < 59300 || registered.PublicPort > 59399 {
		t.Errorf("public_port = %d, out of allocator range", registered.PublicPort)
	}

	time.Sleep(50 * time.Millisecond) // let HandleConnection record the event
	found := false
	for _, ev := range sink.events {
		if ev.Kind == eventsink.EventRegistered {
			found = true
		}
	}
	if !found {
		t.Error("expected a registered event to be recorded")
	}
}

func TestServer_RegisterHandshake_RejectsInvalidLocalPort(t *testing.T) {
	srv, _ := newTestServer(t)
	ch, closeSrv := dialControlChannel(t, srv)
	defer closeSrv()
	defer ch.Close()

	if err := ch.Send(&RegisterFrame{Type: FrameRegister, LocalPort: 0}); err != nil {
		t.Fatalf("send register: %v", err)
	}

	// The server closes the channel after a failed handshake; the next read
	// must fail rather than return a registered frame.
	frameType, _, err := ch.ReadFrame()
	if err == nil && frameType == FrameRegistered {
		t.Fatal("expected handshake failure, got registered frame")
	}
}

func TestServer_RegisterHandshake_RejectsAtCapacityWithoutLeakingPort(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Registry = NewRegistry(0) // no room for any session

	ch, closeSrv := dialControlChannel(t, srv)
	defer closeSrv()
	defer ch.Close()

	if err := ch.Send(&RegisterFrame{Type: FrameRegister, LocalPort: 8080}); err != nil {
		t.Fatalf("send register: %v", err)
	}

	frameType, data, err := ch.ReadFrame()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if frameType != FrameError {
		t.Fatalf("frame type = %q, want error", frameType)
	}
	var errFrame ErrorFrame
	if err := json.Unmarshal(data, &errFrame); err != nil {
		t.Fatalf("unmarshal error frame: %v", err)
	}

	time.Sleep(50 * time.Millisecond) // let HandleConnection return

	// The capacity check must happen before the port is ever leased, so the
	// allocator should report nothing outstanding.
	if got := srv.Allocator.LeasedCount(); got != 0 {
		t.Errorf("LeasedCount() after at-capacity rejection = %d, want 0 (port leaked)", got)
	}
}

func TestServer_ReadLoop_IgnoresMalformedFrameAndStaysAlive(t *testing.T) {
	srv, _ := newTestServer(t)
	ch, closeSrv := dialControlChannel(t, srv)
	defer closeSrv()
	defer ch.Close()

	if err := ch.Send(&RegisterFrame{Type: FrameRegister, LocalPort: 8080}); err != nil {
		t.Fatalf("send register: %v", err)
	}
	if _, _, err := ch.ReadFrame(); err != nil {
		t.Fatalf("read registered: %v", err)
	}

	// Send a text frame that isn't valid JSON at all — a malformed frame,
	// not a transport failure. The session must survive it.
	if err := ch.conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}

	// The channel must still be alive: a ping sent right after gets a pong.
	if err := ch.Send(&PingFrame{Type: FramePing, Timestamp: 0}); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	frameType, _, err := ch.ReadFrame()
	if err != nil {
		t.Fatalf("read pong after malformed frame: %v", err)
	}
	if frameType != FramePong {
		t.Errorf("frame type = %q, want pong (session should have survived the malformed frame)", frameType)
	}
}

func TestServer_PingPong(t *testing.T) {
	srv, _ := newTestServer(t)
	ch, closeSrv := dialControlChannel(t, srv)
	defer closeSrv()
	defer ch.Close()

	if err := ch.Send(&RegisterFrame{Type: FrameRegister, LocalPort: 8080}); err != nil {
		t.Fatalf("send register: %v", err)
	}
	if _, _, err := ch.ReadFrame(); err != nil {
		t.Fatalf("read registered: %v", err)
	}

	if err := ch.Send(&PingFrame{Type: FramePing, Timestamp: 0}); err != nil {
		t.Fatalf("send ping: %v", err)
	}

	frameType, _, err := ch.ReadFrame()
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if frameType != FramePong {
		t.Errorf("frame type = %q, want pong", frameType)
	}
}

func TestServer_Teardown_ResolvesInFlightRequestsPromptly(t *testing.T) {
	srv, _ := newTestServer(t)
	ch, closeSrv := dialControlChannel(t, srv)
	defer closeSrv()

	if err := ch.Send(&RegisterFrame{Type: FrameRegister, LocalPort: 8080}); err != nil {
		t.Fatalf("send register: %v", err)
	}
	_, data, err := ch.ReadFrame()
	if err != nil {
		t.Fatalf("read registered: %v", err)
	}
	var registered RegisteredFrame
	if err := json.Unmarshal(data, &registered); err != nil {
		t.Fatalf("unmarshal registered: %v", err)
	}

	sess, ok := srv.Registry.ByPort(registered.PublicPort)
	if !ok {
		t.Fatal("session not found by public port right after registration")
	}

	// Drain the client's read loop in the background so the inbound request
	// frame doesn't fill the websocket buffer, but never answer it — this
	// keeps the ingress handler parked in its Pending.Await select.
	go func() {
		for {
			if _, _, err := ch.ReadFrame(); err != nil {
				return
			}
		}
	}()

	resultCh := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/anything", registered.PublicPort))
		if err != nil {
			return
		}
		resultCh <- resp
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sess.Pending.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the ingress request to become pending")
		}
		time.Sleep(5 * time.Millisecond)
	}

	started := time.Now()
	_ = ch.Close() // simulate the control channel dying mid-request

	select {
	case resp := <-resultCh:
		elapsed := time.Since(started)
		if resp.StatusCode != http.StatusBadGateway {
			t.Errorf("status = %d, want 502", resp.StatusCode)
		}
		// The ingress listener's own shutdown deadline is 5s; draining
		// pending requests before that shutdown begins means this must
		// resolve far sooner than that.
		if elapsed > time.Second {
			t.Errorf("in-flight request took %s to resolve after teardown, want well under the 5s listener shutdown deadline", elapsed)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("in-flight request never resolved after the control channel closed")
	}
}

func TestServer_IngressRelaysRequestAndResponse(t *testing.T) {
	srv, _ := newTestServer(t)
	ch, closeSrv := dialControlChannel(t, srv)
	defer closeSrv()
	defer ch.Close()

	if err := ch.Send(&RegisterFrame{Type: FrameRegister, LocalPort: 8080}); err != nil {
		t.Fatalf("send register: %v", err)
	}
	_, data, err := ch.ReadFrame()
	if err != nil {
		t.Fatalf("read registered: %v", err)
	}
	var registered RegisteredFrame
	if err := json.Unmarshal(data, &registered); err != nil {
		t.Fatalf("unmarshal registered: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		frameType, reqData, err := ch.ReadFrame()
		if err != nil || frameType != FrameRequest {
			return
		}
		var req RequestFrame
		if err := json.Unmarshal(reqData, &req); err != nil {
			return
		}
		_ = ch.Send(&ResponseFrame{
			Type:      FrameResponse,
			RequestID: req.RequestID,
			Status:    200,
			Headers:   map[string]string{"Content-Type": "text/plain"},
			Body:      base64.StdEncoding.EncodeToString([]byte("hello")),
		})
	}()

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/anything", registered.PublicPort))
	if err != nil {
		t.Fatalf("GET ingress port: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	<-done
}
