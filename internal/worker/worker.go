// Package worker provides a bounded concurrency pool used to fan out
// command dispatch and the supervisor's orphan sweep without unbounded
// goroutine growth.
package worker

import (
	"context"

	"ghost/internal/config"
)

// Pool manages concurrent execution with a maximum worker limit.
type Pool interface {
	Acquire(ctx context.Context) error
	Release()
}

type pool struct {
	sem chan struct{}
}

// NewWorkerPool creates a new worker pool sized by cfg.Workers.
func NewWorkerPool(cfg *config.Config) Pool {
	return &pool{
		sem: make(chan struct{}, cfg.Workers),
	}
}

// Acquire blocks until a slot is free or ctx is cancelled.
func (w *pool) Acquire(ctx context.Context) error {
	select {
	case w.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a worker slot.
func (w *pool) Release() {
	<-w.sem
}
