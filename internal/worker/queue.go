package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/makeasinger/stemsplit/internal/separation"
)

const (
	TaskTypeSeparation = "separation:process"
	QueueSeparation    = "separation"
)

// Enqueuer is the part of *asynq.Client the queue dispatcher uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueDispatcher enqueues separation tasks for an asynq server.
type QueueDispatcher struct {
	client    Enqueuer
	retention time.Duration
}

func NewQueueDispatcher(client Enqueuer, retention time.Duration) *QueueDispatcher {
	return &QueueDispatcher{client: client, retention: retention}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, task Task) error {
	t, err := newSeparationTask(task)
	if err != nil {
		return err
	}
	_, err = d.client.EnqueueContext(ctx, t,
		asynq.Queue(QueueSeparation),
		asynq.MaxRetry(0),
		asynq.Retention(d.retention),
	)
	if err != nil {
		return errors.Wrapf(err, "enqueue job %s", task.JobID)
	}
	return nil
}

func newSeparationTask(task Task) (*asynq.Task, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return nil, errors.Wrap(err, "marshal separation task")
	}
	return asynq.NewTask(TaskTypeSeparation, data), nil
}

// SeparationWorker processes separation tasks taken off the queue.
type SeparationWorker struct {
	runner JobRunner
	logger *zap.Logger
}

func NewSeparationWorker(runner JobRunner, logger *zap.Logger) *SeparationWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SeparationWorker{runner: runner, logger: logger}
}

// ProcessTask runs the job named by the task payload. A run that fails has
// already marked its job failed, so it is never retried; a task whose job
// is no longer pending is dropped.
func (w *SeparationWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var task Task
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return errors.Wrapf(asynq.SkipRetry, "unmarshal task payload: %v", err)
	}
	log := w.logger.With(zap.String("job_id", task.JobID))

	err := w.runner.Run(ctx, task.JobID, task.InputPath)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, separation.ErrNotPending):
		log.Info("dropping task for job that is not pending", zap.Error(err))
		return nil
	default:
		return errors.Wrapf(asynq.SkipRetry, "job %s failed: %v", task.JobID, err)
	}
}

// NewServeMux routes separation tasks to w.
func (w *SeparationWorker) NewServeMux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeSeparation, w.ProcessTask)
	return mux
}
