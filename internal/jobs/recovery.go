package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/makeasinger/stemsplit/internal/model"
)

const (
	// StuckThreshold separates an interrupted job from one that was already stuck.
	StuckThreshold = 30 * time.Minute

	ReasonInterrupted = "interrupted by service restart"
	ReasonStuck       = "stuck job interrupted by restart"
)

// RecoveryReport describes one reconciliation pass.
type RecoveryReport struct {
	Loaded      int
	Interrupted []string
	Stuck       []string
	Pending     []model.Job
}

// Recover loads every stored record into the index. A record left in
// processing by a previous process cannot be resumed, so it is moved to
// failed; runs active in this process are left alone.
func (m *Manager) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	stored, err := m.store.List(ctx)
	if err != nil {
		return report, errors.Wrap(err, "list stored jobs")
	}

	now := m.now()
	for _, job := range stored {
		if job.Status == model.JobStatusProcessing && !m.IsActive(job.ID) {
			reason := ReasonInterrupted
			if job.Age(now) > StuckThreshold {
				reason = ReasonStuck
			}
			message := fmt.Sprintf("Processing %s at %d%%", reason, job.Progress)
			if err := job.Fail(now, reason, message); err != nil {
				m.logger.Error("failed to reclassify job", zap.String("job_id", job.ID), zap.Error(err))
				continue
			}
			m.persist(ctx, job)
			if reason == ReasonStuck {
				report.Stuck = append(report.Stuck, job.ID)
			} else {
				report.Interrupted = append(report.Interrupted, job.ID)
			}
			m.logger.Warn("job marked failed on recovery",
				zap.String("job_id", job.ID),
				zap.String("reason", reason),
				zap.Duration("age", job.Age(now)),
			)
		}
		if job.Status == model.JobStatusPending {
			report.Pending = append(report.Pending, job.Clone())
		}
		m.index.PutIfAbsent(job)
		report.Loaded++
	}

	m.logger.Info("job recovery finished",
		zap.Int("loaded", report.Loaded),
		zap.Int("interrupted", len(report.Interrupted)),
		zap.Int("stuck", len(report.Stuck)),
		zap.Int("pending", len(report.Pending)),
	)
	return report, nil
}

// Reload drops the in-memory index and rebuilds it from the store.
func (m *Manager) Reload(ctx context.Context) (old int, report RecoveryReport, err error) {
	old = m.index.Clear()
	report, err = m.Recover(ctx)
	return old, report, err
}
