// Package worker runs the idle-eviction sweep as a scheduled Asynq task
// instead of a bare time.Ticker, following the teacher's pattern of driving
// all background work through an Asynq server/scheduler pair backed by
// Redis (internal/worker/worker.go in the teacher repo).
package worker

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

const (
	// TaskIdleSweep fires on a fixed cadence to find and evict sessions that
	// have exceeded the idle threshold (spec.md §4.F).
	TaskIdleSweep = "tunnel:idle_sweep"
)

// IdleSweepPayload carries no per-run parameters; the handler reads the
// current idle threshold from its closure, matching the teacher's payload
// structs that carry only what a given run needs.
type IdleSweepPayload struct{}

// SweepFunc performs one idle-eviction pass and returns the number of
// sessions evicted, for logging.
type SweepFunc func(ctx context.Context) (int, error)

// Worker manages the Asynq scheduler and server pair that drives the
// periodic idle-eviction sweep.
type Worker struct {
	client    *asynq.Client
	server    *asynq.Server
	scheduler *asynq.Scheduler
	sweep     SweepFunc
	logger    zerolog.Logger
}

// New creates a Worker that will run sweep on a fixed cadence once Start is
// called. redisAddr follows the teacher's REDIS_ADDR convention
// (host:port, default localhost:6379 applied by the caller's config loader).
func New(redisAddr string, sweep SweepFunc, logger zerolog.Logger) *Worker {
	opt := asynq.RedisClientOpt{Addr: redisAddr}

	return &Worker{
		client:    asynq.NewClient(opt),
		server:    asynq.NewServer(opt, asynq.Config{Concurrency: 2}),
		scheduler: asynq.NewScheduler(opt, &asynq.SchedulerOpts{}),
		sweep:     sweep,
		logger:    logger,
	}
}

// Start registers the periodic sweep task at a 60 second cadence
// (spec.md §4.F "idle eviction sweep ~60s") and begins processing it in
// background goroutines. It should be called once during startup.
func (w *Worker) Start() error {
	payload, err := json.Marshal(IdleSweepPayload{})
	if err != nil {
		return err
	}

	if _, err := w.scheduler.Register("@every 60s", asynq.NewTask(TaskIdleSweep, payload)); err != nil {
		return err
	}

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskIdleSweep, w.handleIdleSweep)

	go func() {
		if err := w.server.Run(mux); err != nil {
			w.logger.Error().Err(err).Msg("asynq worker server stopped")
		}
	}()
	go func() {
		if err := w.scheduler.Run(); err != nil {
			w.logger.Error().Err(err).Msg("asynq scheduler stopped")
		}
	}()
	return nil
}

// Shutdown stops the scheduler and server and closes the client.
func (w *Worker) Shutdown() {
	w.scheduler.Shutdown()
	w.server.Shutdown()
	_ = w.client.Close()
}

func (w *Worker) handleIdleSweep(ctx context.Context, _ *asynq.Task) error {
	evicted, err := w.sweep(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("idle sweep failed")
		return err
	}
	if evicted > 0 {
		w.logger.Info().Int("evicted", evicted).Msg("idle sweep evicted sessions")
	}
	return nil
}
