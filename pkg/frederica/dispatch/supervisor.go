package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Supervise runs fn on a goroutine and restarts it with a fixed backoff
// whenever it panics or returns early, until ctx is cancelled. The returned
// channel closes once the worker has exited for good.
func Supervise(ctx context.Context, name string, backoff time.Duration, logger *slog.Logger, fn func(context.Context) error) <-chan struct{} {
	if logger == nil {
		logger = slog.Default()
	}
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			err := runRecovered(ctx, fn)
			if !shouldRestart(ctx, err) {
				return
			}
			logger.Error("supervised worker exited, restarting",
				"worker", name,
				"error", err,
				"backoff", backoff,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}()
	return done
}

// runRecovered invokes fn, converting a panic into an error.
func runRecovered(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return fn(ctx)
}

// shouldRestart is the restart decision, kept free of timing so it can be
// tested in isolation: restart on any exit except context cancellation.
func shouldRestart(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return err == nil || !errors.Is(err, context.Canceled)
}
