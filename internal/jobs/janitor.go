package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ArtifactRemover deletes the files that belong to a job.
type ArtifactRemover interface {
	RemoveJobArtifacts(jobID string) (int, error)
}

// Janitor periodically removes jobs older than the retention horizon along
// with their uploads and outputs.
type Janitor struct {
	manager   *Manager
	artifacts ArtifactRemover
	maxAge    time.Duration
	interval  time.Duration
	logger    *zap.Logger
}

func NewJanitor(m *Manager, artifacts ArtifactRemover, maxAge, interval time.Duration, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		manager:   m,
		artifacts: artifacts,
		maxAge:    maxAge,
		interval:  interval,
		logger:    logger,
	}
}

// Run sweeps every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil {
				j.logger.Error("retention sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep removes every expired job that is not running and returns the ids
// it removed.
func (j *Janitor) Sweep(ctx context.Context) ([]string, error) {
	stored, err := j.manager.ListStored(ctx)
	if err != nil {
		return nil, err
	}
	candidates := make(map[string]time.Duration)
	now := j.manager.Now()
	for _, job := range stored {
		candidates[job.ID] = job.Age(now)
	}
	for _, job := range j.manager.List() {
		candidates[job.ID] = job.Age(now)
	}

	var removed []string
	for id, age := range candidates {
		if age <= j.maxAge || j.manager.IsActive(id) {
			continue
		}
		if err := j.manager.Delete(ctx, id); err != nil {
			j.logger.Error("failed to delete expired job", zap.String("job_id", id), zap.Error(err))
			continue
		}
		if j.artifacts != nil {
			if _, err := j.artifacts.RemoveJobArtifacts(id); err != nil {
				j.logger.Warn("failed to remove job files", zap.String("job_id", id), zap.Error(err))
			}
		}
		removed = append(removed, id)
	}
	if len(removed) > 0 {
		j.logger.Info("retention sweep removed jobs", zap.Int("count", len(removed)))
	}
	return removed, nil
}
