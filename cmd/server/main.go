package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/websoft9/tunneld/internal/config"
	"github.com/websoft9/tunneld/internal/eventsink"
	"github.com/websoft9/tunneld/internal/ratelimit"
	"github.com/websoft9/tunneld/internal/server"
	"github.com/websoft9/tunneld/internal/tunnel"
	"github.com/websoft9/tunneld/internal/worker"
)

// rateLimitPerWindow and rateLimitWindow implement spec.md §4.G's fixed
// rate-limit window: 100 requests per 60 seconds per source IP. The window
// is not part of the configuration surface in spec.md §6, so it is a
// constant here rather than an env var.
const (
	rateLimitPerWindow   = 100
	rateLimitWindow      = 60 * time.Second
	rateLimitMemoryByKey = 10_000
	idleSweepInterval    = 60 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg)

	log.Info().
		Str("server_id", cfg.ServerID).
		Str("env", cfg.Env).
		Int("ws_port", cfg.WSPort).
		Int("public_port_start", cfg.PublicPortStart).
		Int("public_port_end", cfg.PublicPortEnd).
		Msg("starting tunnel server")

	allocator := tunnel.NewPortAllocator(cfg.PublicPortStart, cfg.PublicPortEnd)
	registry := tunnel.NewRegistry(cfg.MaxClients)
	sink := eventsink.NewLogSink(log.Logger)

	limiter := buildRateLimiter(cfg)

	tunServer := &tunnel.Server{
		Allocator:      allocator,
		Registry:       registry,
		Admitter:       limiter,
		Sink:           sink,
		Logger:         log.Logger,
		RequestTimeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		IdleThreshold:  time.Duration(cfg.IdleThresholdSeconds) * time.Second,
		ListenHost:     "0.0.0.0",
	}

	stopSweep := startIdleSweep(cfg, tunServer)
	defer stopSweep()

	srv := server.New(cfg, tunServer, registry, allocator, log.Logger)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.WSPort)
		log.Info().Str("addr", addr).Msg("admin/control-channel server listening")
		if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("admin server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down tunnel server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("admin server forced to shutdown")
	}

	log.Info().Msg("tunnel server exited")
}

// buildRateLimiter wires the Ingress Admission component (spec.md §4.G): a
// Redis-backed counter store when REDIS_URL is configured, with an
// in-process token-bucket store (internal/ratelimit.MemoryStore) as both
// the fallback for a Redis outage and the sole store when Redis is
// disabled entirely.
func buildRateLimiter(cfg *config.Config) *tunnel.RateLimiter {
	memStore := ratelimit.NewMemoryStore(rateLimitPerWindow, rateLimitWindow, rateLimitMemoryByKey)

	var primary tunnel.CounterStore = memStore
	if cfg.RedisAddr != "" {
		redisStore := ratelimit.NewRedisStore(cfg.RedisAddr)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := redisStore.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("redis_addr", cfg.RedisAddr).Msg("redis unreachable at startup, rate limiter will use in-process fallback until it recovers")
		}
		primary = redisStore
	}

	return tunnel.NewRateLimiter(primary, memStore, rateLimitPerWindow, int(rateLimitWindow.Seconds()), log.Logger)
}

// startIdleSweep drives the idle-eviction sweep (spec.md §4.F, cadence
// ~60s) through an asynq scheduler/server pair when Redis is available,
// the same periodic-task mechanism the teacher's internal/worker uses for
// its own background jobs. Without Redis configured, it falls back to a
// bare time.Ticker so the server remains fully functional in a
// single-process, no-broker deployment. The returned func stops whichever
// mechanism was started.
func startIdleSweep(cfg *config.Config, tunServer *tunnel.Server) func() {
	if cfg.RedisAddr == "" {
		ticker := time.NewTicker(idleSweepInterval)
		done := make(chan struct{})
		go func() {
			for {
				select {
				case <-ticker.C:
					if n, err := tunServer.EvictIdle(context.Background()); err != nil {
						log.Error().Err(err).Msg("idle sweep failed")
					} else if n > 0 {
						log.Info().Int("evicted", n).Msg("idle sweep evicted sessions")
					}
				case <-done:
					return
				}
			}
		}()
		return func() {
			ticker.Stop()
			close(done)
		}
	}

	w := worker.New(cfg.RedisAddr, tunServer.EvictIdle, log.Logger)
	if err := w.Start(); err != nil {
		log.Error().Err(err).Msg("failed to start idle-sweep worker, idle sessions will not be evicted")
		return func() {}
	}
	return w.Shutdown
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Env == "development" && cfg.LogFormat == "pretty" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
