package tunnelclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/websoft9/tunneld/internal/config"
	"github.com/websoft9/tunneld/internal/tunnel"
)

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestClient_RegisterAndRelayRequest(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Request-Id"); got != "req-1" {
			t.Errorf("local request X-Request-Id = %q, want req-1", got)
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer local.Close()

	var localPort int
	fmt.Sscanf(strings.TrimPrefix(local.URL, "http://127.0.0.1:"), "%d", &localPort)

	upgrader := websocket.Upgrader{}
	serverConnCh := make(chan *tunnel.ControlChannel, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ch := tunnel.NewControlChannel(conn)
		frameType, _, err := ch.ReadFrame()
		if err != nil || frameType != tunnel.FrameRegister {
			return
		}
		_ = ch.Send(&tunnel.RegisteredFrame{Type: tunnel.FrameRegistered, PublicPort: 5000, ServerID: "server-1"})
		serverConnCh <- ch
	}))
	defer ts.Close()

	cfg := &config.ClientConfig{
		ServerURL:             wsURL(ts.URL),
		RequestTimeoutSeconds: 5,
		HeartbeatInterval:     0,
		ReconnectDelaySeconds: 1,
		MaxReconnectAttempts:  1,
	}
	client := New(cfg, localPort, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(ctx) }()

	var serverCh *tunnel.ControlChannel
	select {
	case serverCh = <-serverConnCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for client to register")
	}

	if err := serverCh.Send(&tunnel.RequestFrame{
		Type:      tunnel.FrameRequest,
		RequestID: "req-1",
		Method:    "GET",
		Path:      "/anything",
		Headers:   map[string]string{},
		Body:      "",
		ClientIP:  "203.0.113.5",
	}); err != nil {
		t.Fatalf("send request frame: %v", err)
	}

	frameType, data, err := serverCh.ReadFrame()
	if err != nil {
		t.Fatalf("read response frame: %v", err)
	}
	if frameType != tunnel.FrameResponse {
		t.Fatalf("frame type = %q, want response", frameType)
	}
	var resp tunnel.ResponseFrame
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", resp.Status)
	}
	body, _ := base64.StdEncoding.DecodeString(resp.Body)
	if string(body) != "hello" {
		t.Errorf("Body = %q, want %q", body, "hello")
	}

	cancel()
	<-runDone

	stats := client.Stats()
	if stats.RequestsHandled != 1 {
		t.Errorf("RequestsHandled = %d, want 1", stats.RequestsHandled)
	}
}

func TestClient_RegistrationRejected_ReturnsError(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ch := tunnel.NewControlChannel(conn)
		if _, _, err := ch.ReadFrame(); err != nil {
			return
		}
		_ = ch.Send(&tunnel.ErrorFrame{Type: tunnel.FrameError, Message: "server at capacity"})
		ch.Close()
	}))
	defer ts.Close()

	cfg := &config.ClientConfig{
		ServerURL:             wsURL(ts.URL),
		RequestTimeoutSeconds: 5,
		ReconnectDelaySeconds: 0,
		MaxReconnectAttempts:  1,
	}
	client := New(cfg, 8080, zerolog.Nop())

	err := client.Run(context.Background())
	if err == nil {
		t.Fatal("Run() = nil, want an error after a rejected registration exhausts reconnect attempts")
	}
}
