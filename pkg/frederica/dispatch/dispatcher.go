// Package dispatch drives time in the batching core: a polling loop asks the
// session registry which users have gone quiet, extracts their batches, and
// hands each batch to the processing pipeline exactly once per quiet period.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fredericabot/frederica/pkg/frederica/session"
)

// DefaultPollInterval is how often the dispatcher scans for ready sessions.
const DefaultPollInterval = time.Second

// DefaultErrorBackoff is the sleep after an unexpected loop-level failure.
const DefaultErrorBackoff = 5 * time.Second

// Processor turns an extracted batch into a delivered reply. Implemented by
// the pipeline; errors are per-user and never stop the loop.
type Processor interface {
	Process(ctx context.Context, userID string, batch []session.Message) error
}

// Dispatcher is the cooperative polling loop. Readiness depends on elapsed
// wall-clock time rather than an external trigger, so a fixed-interval scan
// is the whole algorithm.
type Dispatcher struct {
	registry  *session.Registry
	processor Processor

	interval time.Duration
	backoff  time.Duration

	logger *slog.Logger
	wg     sync.WaitGroup
}

// New creates a dispatcher. interval <= 0 falls back to DefaultPollInterval.
func New(registry *session.Registry, processor Processor, interval time.Duration, logger *slog.Logger) *Dispatcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:  registry,
		processor: processor,
		interval:  interval,
		backoff:   DefaultErrorBackoff,
		logger:    logger.With("component", "dispatcher"),
	}
}

// Run polls until ctx is cancelled, then waits for in-flight batches to
// finish. A panic escaping a single tick backs the loop off instead of
// killing it: a dead dispatcher silently stops all batching.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", "poll_interval", d.interval)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			d.logger.Info("dispatcher stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := d.safeTick(ctx); err != nil {
				d.logger.Error("dispatch tick failed, backing off", "error", err)
				select {
				case <-ctx.Done():
				case <-time.After(d.backoff):
				}
			}
		}
	}
}

// safeTick runs one tick, converting a panic into an error.
func (d *Dispatcher) safeTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch tick panic: %v", r)
		}
	}()
	d.tick(ctx)
	return nil
}

// tick runs one scheduling pass: extract and process every ready session,
// then reap expired conversations. Processing runs on a goroutine per user;
// per-user serialization is already guaranteed by the session's processing
// flag, and across users there is no ordering to preserve.
func (d *Dispatcher) tick(ctx context.Context) {
	ready := d.registry.ReadyForBatch()
	if len(ready) > 0 {
		d.logger.Debug("sessions ready for batching", "count", len(ready))
	}

	for _, userID := range ready {
		batch := d.registry.Extract(userID)
		if len(batch) == 0 {
			continue
		}
		d.wg.Add(1)
		go d.processUser(ctx, userID, batch)
	}

	if reaped := d.registry.ReapExpired(); len(reaped) > 0 {
		d.logger.Info("expired conversations reaped", "users", reaped)
	}
}

// processUser runs the pipeline for one user's batch and reports the outcome
// back to the registry. One user's failure never affects another's progress.
func (d *Dispatcher) processUser(ctx context.Context, userID string, batch []session.Message) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("pipeline panicked", "user", userID, "panic", r)
			d.registry.Complete(userID, false)
		}
	}()

	start := time.Now()
	err := d.processor.Process(ctx, userID, batch)
	if err != nil {
		d.logger.Error("batch processing failed",
			"user", userID,
			"messages", len(batch),
			"error", err,
		)
		d.registry.Complete(userID, false)
		return
	}

	d.logger.Info("batch processed",
		"user", userID,
		"messages", len(batch),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	d.registry.Complete(userID, true)
}
