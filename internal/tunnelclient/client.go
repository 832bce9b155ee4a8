// Package tunnelclient implements the Client Proxier (spec.md §4.H): the
// symmetric peer of the server's control channel, which dials the tunnel
// server, registers a local port, and for every request frame it receives
// performs a local HTTP call and relays the result back as a response
// frame.
//
// It is grounded on original_source/client.py's TunnelClient (the
// register/heartbeat/handle_request/reconnect loop) translated into Go,
// reusing the wire types and ControlChannel framing from internal/tunnel
// so the two sides of the protocol never drift apart, plus the
// reconnect-with-backoff shape of
// other_examples/942edced_SonnyTaylor-exio__internal-client-client.go.go.
package tunnelclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/websoft9/tunneld/internal/config"
	"github.com/websoft9/tunneld/internal/tunnel"
)

// Stats snapshots the client's running counters, restored from
// original_source/client.py's `stats` dict (spec.md SPEC_FULL.md §7).
type Stats struct {
	RequestsHandled   int64
	BytesTransferred  int64
	AvgResponseTimeMs float64
	Connected         bool
	PublicPort        int
	ServerID          string
}

// Client is the tunnel client (proxier). One Client handles exactly one
// local port for the lifetime of the process.
type Client struct {
	cfg       *config.ClientConfig
	localPort int
	logger    zerolog.Logger
	httpc     *http.Client

	requestsHandled  atomic.Int64
	bytesTransferred atomic.Int64
	totalRespMs      atomic.Int64
	connected        atomic.Bool
	publicPort       atomic.Int32
	serverID         atomic.Value // string
}

// New returns a Client that will expose localPort once Run is called.
func New(cfg *config.ClientConfig, localPort int, logger zerolog.Logger) *Client {
	c := &Client{
		cfg:       cfg,
		localPort: localPort,
		logger:    logger,
		httpc:     &http.Client{Timeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second},
	}
	c.serverID.Store("")
	return c
}

// Stats returns a point-in-time snapshot of the client's counters, for the
// periodic status log line (SPEC_FULL.md §7 item 2 — a structured log line
// replaces the original's rich.Live table, a terminal-rendering concern
// spec.md's Non-goals already exclude for the server side and this client
// does not reintroduce).
func (c *Client) Stats() Stats {
	total := c.requestsHandled.Load()
	avg := 0.0
	if total > 0 {
		avg = float64(c.totalRespMs.Load()) / float64(total)
	}
	return Stats{
		RequestsHandled:   total,
		BytesTransferred:  c.bytesTransferred.Load(),
		AvgResponseTimeMs: avg,
		Connected:         c.connected.Load(),
		PublicPort:        int(c.publicPort.Load()),
		ServerID:          c.serverID.Load().(string),
	}
}

// Run dials the server and serves requests until ctx is cancelled,
// reconnecting with exponential backoff on any connection failure up to
// cfg.MaxReconnectAttempts consecutive failures (original_source/client.py
// `connect()`).
func (c *Client) Run(ctx context.Context) error {
	delay := time.Duration(c.cfg.ReconnectDelaySeconds) * time.Second
	const maxDelay = 2 * time.Minute
	attempts := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.connectOnce(ctx)
		wasConnected := c.connected.Swap(false)
		if err == nil {
			// connectOnce returns nil only when ctx was cancelled.
			return ctx.Err()
		}
		if wasConnected {
			// The tunnel was up before this failure, so the run of
			// consecutive failures (and the backoff) starts over.
			attempts = 0
			delay = time.Duration(c.cfg.ReconnectDelaySeconds) * time.Second
		}

		attempts++
		c.logger.Warn().Err(err).Int("attempt", attempts).Msg("tunnel connection failed")
		if attempts >= c.cfg.MaxReconnectAttempts {
			return fmt.Errorf("tunnelclient: giving up after %d attempts: %w", attempts, err)
		}

		c.logger.Info().Dur("delay", delay).Msg("reconnecting")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// connectOnce performs one dial-register-serve cycle. It returns nil only
// when ctx was cancelled; any other return is a connection or protocol
// error eligible for the reconnect-with-backoff loop in Run.
func (c *Client) connectOnce(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.ServerURL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.ServerURL, err)
	}
	channel := tunnel.NewControlChannel(conn)
	defer channel.Close()

	if err := channel.Send(&tunnel.RegisterFrame{Type: tunnel.FrameRegister, LocalPort: c.localPort}); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	frameType, data, err := channel.ReadFrame()
	if err != nil {
		return fmt.Errorf("read registration reply: %w", err)
	}
	switch frameType {
	case tunnel.FrameRegistered:
		var reg tunnel.RegisteredFrame
		if err := unmarshalFrame(data, &reg); err != nil {
			return fmt.Errorf("decode registered frame: %w", err)
		}
		c.publicPort.Store(int32(reg.PublicPort))
		c.serverID.Store(reg.ServerID)
		c.connected.Store(true)
		c.logger.Info().
			Int("public_port", reg.PublicPort).
			Str("server_id", reg.ServerID).
			Int("local_port", c.localPort).
			Msg("tunnel established")
	case tunnel.FrameError:
		var errFrame tunnel.ErrorFrame
		if err := unmarshalFrame(data, &errFrame); err != nil {
			return fmt.Errorf("decode error frame: %w", err)
		}
		return fmt.Errorf("server rejected registration: %s", errFrame.Message)
	default:
		return fmt.Errorf("unexpected frame type %q during registration", frameType)
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeat(heartbeatCtx, channel)

	return c.readLoop(ctx, channel)
}

// readLoop consumes request/pong/error frames until the channel closes or
// ctx is cancelled. Each request frame is handled in its own goroutine so
// concurrent requests on the same channel never block one another
// (spec.md §4.H "each request is handled concurrently").
func (c *Client) readLoop(ctx context.Context, channel *tunnel.ControlChannel) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		frameType, data, err := channel.ReadFrame()
		if err != nil {
			if errors.Is(err, websocket.ErrCloseSent) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		switch frameType {
		case tunnel.FrameRequest:
			var req tunnel.RequestFrame
			if err := unmarshalFrame(data, &req); err != nil {
				c.logger.Warn().Err(err).Msg("malformed request frame, ignored")
				continue
			}
			go c.handleRequest(ctx, channel, &req)

		case tunnel.FramePong:
			// heartbeat acknowledged; nothing to do.

		case tunnel.FrameError:
			var errFrame tunnel.ErrorFrame
			if err := unmarshalFrame(data, &errFrame); err == nil {
				c.logger.Warn().Str("message", errFrame.Message).Msg("server error frame")
			}

		default:
			c.logger.Warn().Str("frame_type", string(frameType)).Msg("unrecognized frame type ignored")
		}
	}
}

// heartbeat sends a ping frame every HeartbeatInterval seconds until ctx is
// cancelled (original_source/client.py `heartbeat()`).
func (c *Client) heartbeat(ctx context.Context, channel *tunnel.ControlChannel) {
	interval := time.Duration(c.cfg.HeartbeatInterval) * time.Second
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := &tunnel.PingFrame{Type: tunnel.FramePing, Timestamp: float64(time.Now().UnixNano()) / 1e9}
			if err := channel.Send(frame); err != nil {
				c.logger.Warn().Err(err).Msg("heartbeat send failed")
				return
			}
		}
	}
}

// handleRequest performs the local HTTP call for one request frame and
// emits the matching response frame (spec.md §4.H). Transport errors map
// to 502, local-timeout to 504, exactly as original_source/client.py's
// `handle_request` distinguishes aiohttp.ClientConnectorError/TimeoutError.
func (c *Client) handleRequest(ctx context.Context, channel *tunnel.ControlChannel, req *tunnel.RequestFrame) {
	started := time.Now()

	body, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		c.sendError(channel, req.RequestID, http.StatusBadGateway, "malformed request body")
		return
	}

	localURL := fmt.Sprintf("http://127.0.0.1:%d%s", c.localPort, req.Path)
	if _, err := url.Parse(localURL); err != nil {
		c.sendError(channel, req.RequestID, http.StatusBadGateway, "malformed path")
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.RequestTimeoutSeconds)*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, localURL, newBodyReader(body))
	if err != nil {
		c.sendError(channel, req.RequestID, http.StatusBadGateway, err.Error())
		return
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	// X-Request-Id lets the local service's own logs correlate with tunnel
	// request ids (SPEC_FULL.md §7 item 4).
	httpReq.Header.Set("X-Request-Id", req.RequestID)

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		status := http.StatusBadGateway
		msg := "Bad Gateway - local server not reachable"
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
			msg = "Gateway Timeout"
		}
		c.logger.Warn().Err(err).Str("request_id", req.RequestID).Msg("local request failed")
		c.sendError(channel, req.RequestID, status, msg)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.sendError(channel, req.RequestID, http.StatusBadGateway, "failed to read local response body")
		return
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		if len(v) > 0 {
			respHeaders[k] = v[0]
		}
	}

	elapsed := time.Since(started)
	c.recordRequest(elapsed, len(body)+len(respBody))

	_ = channel.Send(&tunnel.ResponseFrame{
		Type:           tunnel.FrameResponse,
		RequestID:      req.RequestID,
		Status:         resp.StatusCode,
		Headers:        respHeaders,
		Body:           base64.StdEncoding.EncodeToString(respBody),
		ResponseTimeMs: int(elapsed.Milliseconds()),
	})
}

func (c *Client) sendError(channel *tunnel.ControlChannel, requestID string, status int, message string) {
	_ = channel.Send(&tunnel.ResponseFrame{
		Type:      tunnel.FrameResponse,
		RequestID: requestID,
		Status:    status,
		Headers:   map[string]string{"Content-Type": "text/plain"},
		Body:      base64.StdEncoding.EncodeToString([]byte(message)),
	})
}

func (c *Client) recordRequest(elapsed time.Duration, bytes int) {
	c.requestsHandled.Add(1)
	c.bytesTransferred.Add(int64(bytes))
	c.totalRespMs.Add(elapsed.Milliseconds())
}
