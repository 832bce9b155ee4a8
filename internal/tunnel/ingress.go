package tunnel

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// hopByHopHeaders lists the headers stripped before relaying a response to
// the public caller, matching original_source/server.py's proxy_handler
// (which drops Transfer-Encoding, Content-Length, Content-Encoding, and
// Connection before building the aiohttp.web.Response).
var hopByHopHeaders = map[string]struct{}{
	"Transfer-Encoding": {},
	"Content-Length":    {},
	"Content-Encoding":  {},
	"Connection":        {},
}

// Admitter decides whether an inbound request may proceed, implementing the
// Ingress Admission component (spec.md §4.G). Kept as an interface so the
// ingress listener does not depend on the concrete rate limiter/header
// sanitizer wiring.
type Admitter interface {
	Admit(ctx context.Context, remoteIP string) error
	SanitizeHeaders(h http.Header) map[string]string
}

// ingressListener implements the Per-Tunnel HTTP Ingress (spec.md §4.D): one
// net/http.Server bound to a session's leased public port, translating each
// inbound HTTP request into a request frame over the session's control
// channel and translating the matching response frame back into an HTTP
// response.
//
// Grounded on original_source/server.py's per-port aiohttp.web.Application,
// adapted to Go's net/http and the teacher's server lifecycle conventions
// (internal/server/server.go's Start/Shutdown pair).
type ingressListener struct {
	session *Session
	admit   Admitter
	timeout time.Duration
	logger  zerolog.Logger

	srv *http.Server
}

// newIngressListener builds (but does not start) a listener for sess; the
// address (typically "0.0.0.0:<public_port>") is given later to Serve.
func newIngressListener(sess *Session, admit Admitter, timeout time.Duration, logger zerolog.Logger) *ingressListener {
	il := &ingressListener{
		session: sess,
		admit:   admit,
		timeout: timeout,
		logger:  logger,
	}
	il.srv = &http.Server{
		Handler: http.HandlerFunc(il.handle),
	}
	return il
}

// Serve blocks serving HTTP on addr until the listener is shut down.
// http.ErrServerClosed is swallowed, matching the teacher's Start() pattern.
func (il *ingressListener) Serve(addr string) error {
	il.srv.Addr = addr
	if err := il.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight ones to
// finish, up to ctx's deadline.
func (il *ingressListener) Shutdown(ctx context.Context) error {
	return il.srv.Shutdown(ctx)
}

func (il *ingressListener) handle(w http.ResponseWriter, r *http.Request) {
	remoteIP := remoteIPOf(r)

	if err := il.admit.Admit(r.Context(), remoteIP); err != nil {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if il.session.State() != stateRegistered {
		http.Error(w, "tunnel not ready", http.StatusBadGateway)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxMessageBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadGateway)
		return
	}

	requestID := uuid.NewString()
	frame := &RequestFrame{
		Type:      FrameRequest,
		RequestID: requestID,
		Method:    r.Method,
		Path:      r.URL.RequestURI(),
		Headers:   il.admit.SanitizeHeaders(r.Header),
		Body:      base64.StdEncoding.EncodeToString(body),
		ClientIP:  remoteIP,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}

	il.session.Pending.Register(requestID)
	if err := il.session.Channel.Send(frame); err != nil {
		il.session.Pending.Forget(requestID)
		il.session.recordFailure()
		http.Error(w, "tunnel connection lost", http.StatusBadGateway)
		return
	}

	timer := time.NewTimer(il.timeout)
	defer timer.Stop()

	started := time.Now()
	select {
	case result := <-il.session.Pending.Await(requestID):
		if result.err != nil {
			il.session.recordFailure()
			il.logger.Warn().Str("request_id", requestID).Err(result.err).Msg("upstream request failed")
			writeUpstreamError(w, result.err)
			return
		}
		il.writeResponse(w, result.resp)
		il.session.recordSuccess(time.Since(started))

	case <-timer.C:
		il.session.Pending.Forget(requestID)
		il.session.recordFailure()
		http.Error(w, "upstream timeout", http.StatusGatewayTimeout)

	case <-r.Context().Done():
		il.session.Pending.Forget(requestID)
	}
}

func (il *ingressListener) writeResponse(w http.ResponseWriter, resp *ResponseFrame) {
	body, err := base64.StdEncoding.DecodeString(resp.Body)
	if err != nil {
		http.Error(w, "malformed upstream response", http.StatusBadGateway)
		return
	}

	header := w.Header()
	for k, v := range resp.Headers {
		if _, hop := hopByHopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		header.Set(k, v)
	}

	status := resp.Status
	if status < 100 || status > 599 {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeUpstreamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUpstreamTimeout):
		http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
	case errors.Is(err, ErrChannelClosed):
		http.Error(w, "tunnel connection lost", http.StatusBadGateway)
	default:
		http.Error(w, "upstream error", http.StatusBadGateway)
	}
}

func remoteIPOf(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}
