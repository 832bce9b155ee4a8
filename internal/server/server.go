// Package server wires the admin HTTP surface: the WebSocket upgrade route
// that accepts tunnel control channels, and the /health and /metrics routes
// used for operational visibility. It follows the teacher's
// internal/server package shape (chi router, cors, graceful Start/Shutdown)
// with the app-management API surface replaced by the tunnel domain.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/websoft9/tunneld/internal/config"
	"github.com/websoft9/tunneld/internal/server/handlers"
	"github.com/websoft9/tunneld/internal/server/middleware"
	"github.com/websoft9/tunneld/internal/tunnel"
)

// Server owns the admin HTTP surface and the control-channel WS upgrade.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	httpServer *http.Server
	logger     zerolog.Logger
	startedAt  time.Time

	// connCtx bounds the lifetime of every accepted control channel. It is
	// deliberately independent of any single HTTP request's context: a
	// control channel must outlive the request that upgraded it for as
	// long as the process runs, not just for the lifetime of one request
	// (see handleConnect).
	connCtx    context.Context
	cancelConn context.CancelFunc
}

// upgrader has no origin restriction: tunnel clients are CLI processes, not
// browsers, so there is no cross-origin concern to police here — the same
// posture the teacher's handlers/terminal.go Upgrader takes.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// New builds a Server that accepts control channels into tun and reports
// health/metrics sourced from reg/alloc.
func New(cfg *config.Config, tun *tunnel.Server, reg *tunnel.Registry, alloc *tunnel.PortAllocator, logger zerolog.Logger) *Server {
	connCtx, cancelConn := context.WithCancel(context.Background())
	s := &Server{cfg: cfg, logger: logger, startedAt: time.Now().UTC(), connCtx: connCtx, cancelConn: cancelConn}
	s.setupRouter(tun, reg, alloc)
	return s
}

func (s *Server) setupRouter(tun *tunnel.Server, reg *tunnel.Registry, alloc *tunnel.PortAllocator) {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// /health and /metrics are ordinary bounded requests, so they get the
	// usual request timeout. /tunnel/connect is deliberately excluded: it
	// upgrades to a persistent WebSocket control channel that must survive
	// for as long as the tunnel is registered, not just 60s — the same
	// reason the teacher's own /terminal WS handler never runs under this
	// middleware either.
	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(60 * time.Second))
		r.Get("/health", handlers.Health(s.cfg.ServerID, s.startedAt, reg))
		r.Get("/metrics", handlers.Metrics(s.cfg.ServerID, s.startedAt, reg, alloc))
	})

	r.Get("/tunnel/connect", s.handleConnect(tun))

	s.router = r
}

// handleConnect upgrades an incoming HTTP request to a WebSocket control
// channel and hands it to the tunnel server for the lifetime of the
// connection. It returns only after the session has been fully torn down,
// mirroring the one-goroutine-per-session discipline of spec.md §8.
//
// It deliberately drives the session with s.connCtx rather than r.Context():
// the request context is torn down the moment this handler returns (and
// would also be cancelled early by a request-scoped timeout middleware, were
// one ever applied to this route), but a registered tunnel must keep running
// for as long as the process does, independent of the HTTP request that
// happened to establish it.
func (s *Server) handleConnect(tun *tunnel.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		tun.HandleConnection(s.connCtx, tunnel.NewControlChannel(conn))
	}
}

// Start begins serving on addr and blocks until the server is shut down.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the WS upgrade route holds connections open indefinitely
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("admin server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops accepting new connections and waits for
// in-flight ones to finish, up to ctx's deadline, then tears down every
// still-open control channel by cancelling connCtx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down admin server")
	err := s.httpServer.Shutdown(ctx)
	s.cancelConn()
	return err
}
