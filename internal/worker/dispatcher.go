// Package worker hands created jobs to the separation runner, either on
// in-process goroutines or through an asynq queue.
package worker

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// ErrStopped is returned by Dispatch once the dispatcher is shutting down.
var ErrStopped = errors.New("dispatcher stopped")

// Task identifies one separation run.
type Task struct {
	JobID     string `json:"jobId"`
	InputPath string `json:"inputPath"`
}

// Dispatcher starts a job in the background. A nil error means the job
// will run; it may still be waiting for a free slot.
type Dispatcher interface {
	Dispatch(ctx context.Context, task Task) error
}

// JobRunner carries a job to a terminal state.
type JobRunner interface {
	Run(ctx context.Context, jobID, inputPath string) error
}

// LocalDispatcher runs each job on its own goroutine, at most concurrency
// at a time when concurrency is positive.
type LocalDispatcher struct {
	base   context.Context
	runner JobRunner
	slots  chan struct{}
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewLocalDispatcher returns a dispatcher whose runs live as long as base.
func NewLocalDispatcher(base context.Context, runner JobRunner, concurrency int, logger *zap.Logger) *LocalDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &LocalDispatcher{base: base, runner: runner, logger: logger}
	if concurrency > 0 {
		d.slots = make(chan struct{}, concurrency)
	}
	return d
}

func (d *LocalDispatcher) Dispatch(_ context.Context, task Task) error {
	if d.base.Err() != nil {
		return ErrStopped
	}
	d.wg.Add(1)
	go d.run(task)
	return nil
}

func (d *LocalDispatcher) run(task Task) {
	defer d.wg.Done()
	log := d.logger.With(zap.String("job_id", task.JobID))

	if d.slots != nil {
		select {
		case d.slots <- struct{}{}:
			defer func() { <-d.slots }()
		case <-d.base.Done():
			log.Warn("job left pending at shutdown")
			return
		}
	}

	if err := d.runner.Run(d.base, task.JobID, task.InputPath); err != nil {
		log.Warn("separation run ended with error", zap.Error(err))
	}
}

// Wait blocks until every dispatched run has returned.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}
