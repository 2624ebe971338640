// Package separation runs the stem separation tool for one job and turns
// its output into track URLs.
package separation

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/makeasinger/stemsplit/internal/jobs"
	"github.com/makeasinger/stemsplit/internal/model"
)

// ErrNotPending is returned by Run when the job cannot be started because it
// is missing or already past pending.
var ErrNotPending = errors.New("job is not pending")

const stderrTail = 4096

// Analyzer estimates duration and tempo.
type Analyzer interface {
	Duration(ctx context.Context, path string) float64
	Tempo(ctx context.Context, path string) *int
}

type Config struct {
	Python           string
	OutputRoot       string
	BackendURL       string
	PublicHostSuffix string
	MemoryLimitBytes uint64
	ProgressInterval time.Duration
}

// Runner carries one job from pending to a terminal state.
type Runner struct {
	cfg      Config
	baseURL  string
	jobs     *jobs.Manager
	analyzer Analyzer
	logger   *zap.Logger
	timeout  func(duration float64) time.Duration
}

func NewRunner(cfg Config, m *jobs.Manager, analyzer Analyzer, logger *zap.Logger) *Runner {
	if cfg.Python == "" {
		cfg.Python = "python"
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:      cfg,
		baseURL:  SecureBaseURL(cfg.BackendURL, cfg.PublicHostSuffix),
		jobs:     m,
		analyzer: analyzer,
		logger:   logger,
		timeout:  ProcessTimeout,
	}
}

// Run separates inputPath for jobID. Any error or panic after the job has
// started leaves it failed; the returned error only reports what happened.
func (r *Runner) Run(ctx context.Context, jobID, inputPath string) (err error) {
	log := r.logger.With(zap.String("job_id", jobID))
	ctx, release := r.jobs.Track(ctx, jobID)
	defer release()

	_, err = r.jobs.Update(ctx, jobID, func(j *model.Job) error {
		if err := j.Start(r.jobs.Now(), "Initializing..."); err != nil {
			return err
		}
		return j.SetProgress(5, "")
	})
	if err != nil {
		log.Warn("job not started", zap.Error(err))
		return errors.Mark(errors.Wrap(err, "start job"), ErrNotPending)
	}

	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("unexpected panic: %v", p)
		}
		if err != nil {
			r.fail(ctx, log, jobID, err)
		}
	}()

	started := time.Now()
	if err := r.separate(ctx, log, jobID, inputPath); err != nil {
		return err
	}
	log.Info("separation finished", zap.Duration("elapsed", time.Since(started)))
	return nil
}

func (r *Runner) separate(ctx context.Context, log *zap.Logger, jobID, inputPath string) error {
	jobDir := filepath.Join(r.cfg.OutputRoot, jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return errors.Wrap(err, "create output directory")
	}

	r.progress(ctx, jobID, 10, "Analyzing audio file...")
	if _, err := os.Stat(inputPath); err != nil {
		return errors.Wrap(err, "input file unavailable")
	}
	duration := r.analyzer.Duration(ctx, inputPath)
	estimate := EstimateProcessingTime(duration)
	log.Info("audio analyzed", zap.Float64("duration", duration), zap.Duration("estimate", estimate))

	r.progress(ctx, jobID, 15, "Preparing separation...")
	r.progress(ctx, jobID, 20, "Starting audio separation...")
	if err := r.execute(ctx, log, jobID, jobDir, inputPath, duration, estimate); err != nil {
		return err
	}

	r.progress(ctx, jobID, 85, "Processing completed, organizing files...")
	dir, err := ResolveOutputDir(jobDir, inputPath)
	if err != nil {
		return err
	}
	tracks := CollectTracks(dir, jobID, r.baseURL)
	if len(tracks) == 0 {
		return errors.Newf("no separated tracks were produced in %s", dir)
	}

	r.progress(ctx, jobID, 90, "Detecting BPM...")
	bpm := r.analyzer.Tempo(ctx, inputPath)

	r.progress(ctx, jobID, 95, "Finalizing...")
	_, err = r.jobs.Update(context.WithoutCancel(ctx), jobID, func(j *model.Job) error {
		return j.Complete(r.jobs.Now(), tracks, bpm, duration)
	})
	if err != nil {
		return errors.Wrap(err, "record completion")
	}
	log.Info("job completed", zap.Int("tracks", len(tracks)))
	return nil
}

// execute runs the separation tool and reports simulated progress until it
// exits.
func (r *Runner) execute(ctx context.Context, log *zap.Logger, jobID, jobDir, inputPath string, duration float64, estimate time.Duration) error {
	timeout := r.timeout(duration)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := buildCommand(runCtx, r.cfg.Python, jobDir, inputPath)
	stderr := newTailBuffer(stderrTail)
	cmd.Stderr = stderr

	log.Info("starting separation tool", zap.String("model", ModelName), zap.Duration("timeout", timeout))
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "start separation tool")
	}
	if err := applyMemoryLimit(cmd.Process.Pid, r.cfg.MemoryLimitBytes); err != nil {
		log.Warn("memory limit not applied", zap.Error(err))
	}

	progressCtx, stopProgress := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		simulateProgress(progressCtx, r.cfg.ProgressInterval, estimate, time.Now, func(p int, msg string) {
			r.progress(ctx, jobID, p, msg)
		})
	}()

	waitErr := cmd.Wait()
	stopProgress()
	wg.Wait()

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return errors.Newf("audio separation timed out after %s", timeout)
	case ctx.Err() != nil:
		return errors.Wrap(ctx.Err(), "separation cancelled")
	case waitErr != nil:
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = waitErr.Error()
		}
		return errors.Newf("separation tool failed: %s", detail)
	}
	return nil
}

func (r *Runner) progress(ctx context.Context, jobID string, progress int, message string) {
	_, err := r.jobs.Update(context.WithoutCancel(ctx), jobID, func(j *model.Job) error {
		return j.SetProgress(progress, message)
	})
	if err != nil {
		r.logger.Debug("progress not recorded", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (r *Runner) fail(ctx context.Context, log *zap.Logger, jobID string, cause error) {
	reason := cause.Error()
	_, err := r.jobs.Update(context.WithoutCancel(ctx), jobID, func(j *model.Job) error {
		return j.Fail(r.jobs.Now(), reason, "")
	})
	if err != nil {
		log.Error("failed to record job failure", zap.String("reason", reason), zap.Error(err))
		return
	}
	log.Error("job failed", zap.String("reason", reason))
}
