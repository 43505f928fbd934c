// Package dispatch drains due jobs through the rate limiter and transport.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/relayq/relayq/internal/job"
	"github.com/relayq/relayq/internal/metrics"
	"github.com/relayq/relayq/internal/template"
)

// Renderer produces sendable content for a job.
type Renderer interface {
	Render(j *job.Job) (*template.Rendered, error)
}

// Transport delivers a rendered job to its recipient.
type Transport interface {
	Deliver(ctx context.Context, j *job.Job, r *template.Rendered) error
}

// Limiter reserves send slots. The returned duration is how long the
// caller must wait before using the slot.
type Limiter interface {
	AcquireFor(domain string) time.Duration
}

// ErrorChecker reports whether a delivery error is worth retrying.
type ErrorChecker func(err error) bool

// Config contains dispatch engine configuration.
type Config struct {
	PassInterval   time.Duration
	BatchLimit     int
	MaxAttempts    int
	RetryBase      time.Duration
	RetryMax       time.Duration
	JitterFraction float64
	AttemptTimeout time.Duration
}

// Engine runs the dispatch loop: fetch due jobs, claim them one at a
// time, render, wait out the rate limiter, deliver, record the outcome.
// A single loop keeps sends strictly ordered behind the limiter.
type Engine struct {
	store       job.Store
	renderer    Renderer
	transport   Transport
	limiter     Limiter
	isTemporary ErrorChecker
	cfg         Config
	logger      *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates a dispatch engine.
func NewEngine(store job.Store, renderer Renderer, transport Transport, limiter Limiter, cfg Config, isTemp ErrorChecker, logger *slog.Logger) *Engine {
	if cfg.PassInterval <= 0 {
		cfg.PassInterval = 5 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Minute
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = time.Hour
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 2 * time.Minute
	}
	if isTemp == nil {
		isTemp = func(err error) bool { return true }
	}

	return &Engine{
		store:       store,
		renderer:    renderer,
		transport:   transport,
		limiter:     limiter,
		isTemporary: isTemp,
		cfg:         cfg,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Start starts the dispatch loop.
func (e *Engine) Start(ctx context.Context) {
	e.logger.Info("starting dispatch engine",
		"pass_interval", e.cfg.PassInterval,
		"batch_limit", e.cfg.BatchLimit,
		"max_attempts", e.cfg.MaxAttempts,
	)

	e.wg.Add(1)
	go e.loop(ctx)
}

// Stop stops the engine gracefully.
func (e *Engine) Stop() {
	e.logger.Info("stopping dispatch engine")
	close(e.stopCh)
	e.wg.Wait()
	e.logger.Info("dispatch engine stopped")
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PassInterval)
	defer ticker.Stop()

	e.pass(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.pass(ctx)
		}
	}
}

func (e *Engine) pass(ctx context.Context) {
	start := time.Now()
	n, err := e.RunPass(ctx)
	metrics.ObserveDispatchPass(time.Since(start))

	if err != nil && ctx.Err() == nil {
		e.logger.Error("dispatch pass aborted", "error", err, "processed", n)
	}
}

// RunPass processes one batch of due jobs and returns how many were
// claimed. Per-job delivery failures are recorded and do not stop the
// pass; store failures abort it.
func (e *Engine) RunPass(ctx context.Context) (int, error) {
	due, err := e.store.FetchDue(ctx, time.Now(), e.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch due jobs: %w", err)
	}

	processed := 0
	for _, j := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		claimed, err := e.store.MarkInFlight(ctx, j.ID)
		if err != nil {
			return processed, err
		}
		if !claimed {
			continue // cancelled or taken since the fetch
		}
		j.AttemptCount++ // mirror the store's increment on our copy

		if err := e.attempt(ctx, j); err != nil {
			return processed, err
		}
		processed++
	}

	return processed, nil
}

// attempt runs one delivery attempt for a claimed job. The returned error
// is a store failure; delivery outcomes are absorbed into job state.
func (e *Engine) attempt(ctx context.Context, j *job.Job) error {
	logger := e.logger.With("job_id", j.ID, "recipient", j.Recipient, "attempt", j.AttemptCount)
	domain := j.Domain()

	rendered, err := e.renderer.Render(j)
	if err != nil {
		// Rendering is deterministic, retrying cannot help.
		logger.Error("render failed", "error", err)
		metrics.IncJobsFailed(domain, "permanent")
		return e.store.RecordResult(ctx, j.ID, job.Outcome{
			Result: job.ResultPermanent,
			Err:    err.Error(),
		})
	}

	wait := e.limiter.AcquireFor(domain)
	metrics.ObserveLimiterWait(wait)
	if wait > 0 {
		logger.Debug("rate limited", "wait", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			// The transport was never invoked; the slot goes back.
			return e.store.Requeue(ctx, j.ID, time.Now())
		case <-e.stopCh:
			timer.Stop()
			return e.store.Requeue(ctx, j.ID, time.Now())
		case <-timer.C:
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	err = e.transport.Deliver(attemptCtx, j, rendered)
	cancel()

	if err == nil {
		logger.Info("job delivered")
		metrics.IncJobsSent(domain)
		return e.store.RecordResult(ctx, j.ID, job.Outcome{Result: job.ResultSent})
	}

	if !e.isTemporary(err) {
		logger.Error("job failed permanently", "error", err)
		metrics.IncJobsFailed(domain, "permanent")
		return e.store.RecordResult(ctx, j.ID, job.Outcome{
			Result: job.ResultPermanent,
			Err:    err.Error(),
		})
	}

	if j.AttemptCount >= e.cfg.MaxAttempts {
		logger.Error("retry budget exhausted",
			"error", err,
			"max_attempts", e.cfg.MaxAttempts,
		)
		metrics.IncJobsFailed(domain, "permanent")
		return e.store.RecordResult(ctx, j.ID, job.Outcome{
			Result: job.ResultPermanent,
			Err:    fmt.Sprintf("retry budget exhausted after %d attempts: %v", j.AttemptCount, err),
		})
	}

	if err := e.store.RecordResult(ctx, j.ID, job.Outcome{
		Result: job.ResultTransient,
		Err:    err.Error(),
	}); err != nil {
		return err
	}

	backoff := e.backoff(j.AttemptCount)
	nextTry := time.Now().Add(backoff)

	logger.Warn("job deferred",
		"error", err,
		"backoff", backoff,
		"next_try", nextTry,
	)
	metrics.IncJobsFailed(domain, "transient")
	metrics.IncJobsRetried(domain)

	return e.store.ScheduleRetry(ctx, j.ID, nextTry)
}

// backoff computes the delay before the next attempt: exponential in the
// attempt number, capped, with optional jitter on top.
func (e *Engine) backoff(attempt int) time.Duration {
	shift := attempt - 1
	if shift > 16 {
		shift = 16
	}

	d := e.cfg.RetryBase << shift
	if d <= 0 || d > e.cfg.RetryMax {
		d = e.cfg.RetryMax
	}

	if e.cfg.JitterFraction > 0 {
		d += time.Duration(rand.Float64() * e.cfg.JitterFraction * float64(d))
	}
	return d
}
