package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Zverik/RevertUI/internal/lockfile"
	"github.com/Zverik/RevertUI/internal/models"
	"github.com/Zverik/RevertUI/internal/store"
)

// Runner wraps one worker pass: lock, pick a task, process it, release.
// One pass handles at most one task; the lock keeps passes from
// overlapping across the whole deployment.
type Runner struct {
	store      TaskStore
	guard      *lockfile.Guard
	processor  *Processor
	stuckAfter time.Duration
	logger     *slog.Logger
}

// NewRunner wires a runner.
func NewRunner(taskStore TaskStore, guard *lockfile.Guard, processor *Processor, stuckAfter time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:      taskStore,
		guard:      guard,
		processor:  processor,
		stuckAfter: stuckAfter,
		logger:     logger,
	}
}

// RunOnce performs one pass. A nil return covers both "no work" and
// "outcome recorded on the task"; a non-nil return means the pass could
// not establish itself (lock or store unavailable).
func (r *Runner) RunOnce(ctx context.Context) error {
	acquired, err := r.guard.Acquire()
	if err != nil {
		return err
	}
	if !acquired {
		r.logger.Info("another worker run is active, exiting", "lock", r.guard.Path())
		return nil
	}
	defer r.guard.Release()

	// The sweep must run under the lock: with no other worker active, a
	// claimed task with a non-terminal status can only be a crash
	// leftover, never work in flight.
	if r.stuckAfter > 0 {
		count, err := r.store.MarkStuck(ctx, r.stuckAfter)
		if err != nil {
			return fmt.Errorf("sweep stuck tasks: %w", err)
		}
		if count > 0 {
			r.logger.Warn("finalized tasks abandoned by a crashed worker", "count", count)
		}
	}

	task, err := r.store.NextPending(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("fetch pending task: %w", err)
	}

	r.logger.Info("processing task", "task", task.ID, "user", task.Username, "changesets", task.Changesets)

	if err := r.process(ctx, task); err != nil {
		r.logger.Error("task failed unexpectedly", "task", task.ID, "error", err)
		if setErr := r.store.SetStatus(ctx, task.ID, models.StatusSystemError, err.Error()); setErr != nil {
			r.logger.Error("record system error", "task", task.ID, "error", setErr)
		}
	}

	return nil
}

// process shields the pass from panics inside the processor so the
// deferred lock release and the system-error write always happen.
func (r *Runner) process(ctx context.Context, task *models.Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("worker fault: %v", rec)
		}
	}()
	return r.processor.Process(ctx, task)
}
