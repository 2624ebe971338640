package service

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/makeasinger/stemsplit/internal/jobs"
	"github.com/makeasinger/stemsplit/internal/model"
	"github.com/makeasinger/stemsplit/internal/separation"
	"github.com/makeasinger/stemsplit/internal/store"
	"github.com/makeasinger/stemsplit/internal/worker"
	"github.com/makeasinger/stemsplit/internal/workspace"
)

const (
	ServiceName = "audio-processing-service"
	Version     = "1.0.0"
)

// AllowedExtensions are the upload formats the separation tool accepts.
var AllowedExtensions = []string{"mp3", "wav", "flac", "m4a", "aac", "ogg"}

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrTrackNotFound = errors.New("track file not found")
)

// ValidationError rejects a submission before any job exists.
type ValidationError struct {
	Message string
	Details map[string]interface{}
}

func (e *ValidationError) Error() string { return e.Message }

// Config holds the settings JobService needs beyond its collaborators.
type Config struct {
	MaxUploadSize int64
	// JobsDir is reported in storage listings when records live on disk.
	JobsDir string
	// DrainTimeout bounds how long ClearCache waits for cancelled runs.
	DrainTimeout time.Duration
}

type upload struct {
	Filename string `validate:"required"`
	Ext      string `validate:"required,oneof=mp3 wav flac m4a aac ogg"`
}

// JobService implements every job and admin operation of the HTTP API.
type JobService struct {
	cfg        Config
	jobs       *jobs.Manager
	workspace  *workspace.Workspace
	dispatcher worker.Dispatcher
	validator  *validator.Validate
	logger     *zap.Logger
	started    time.Time
	newID      func() string
}

func NewJobService(cfg Config, m *jobs.Manager, ws *workspace.Workspace, d worker.Dispatcher, v *validator.Validate, logger *zap.Logger) *JobService {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	if v == nil {
		v = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobService{
		cfg:        cfg,
		jobs:       m,
		workspace:  ws,
		dispatcher: d,
		validator:  v,
		logger:     logger,
		started:    time.Now(),
		newID:      func() string { return uuid.New().String() },
	}
}

// Submit stores the upload, creates a pending job and hands it to the
// dispatcher. If the job cannot be dispatched its record and upload are
// removed again.
func (s *JobService) Submit(ctx context.Context, filename string, r io.Reader) (*model.SubmitResponse, error) {
	if err := s.validate(filename); err != nil {
		return nil, err
	}

	name := workspace.SanitizeFilename(filename)
	jobID := s.newID()
	path := s.workspace.UploadPath(jobID, name)
	log := s.logger.With(zap.String("job_id", jobID))

	size, err := s.workspace.SaveUpload(r, path, s.cfg.MaxUploadSize)
	if errors.Is(err, workspace.ErrTooLarge) {
		return nil, &ValidationError{
			Message: fmt.Sprintf("File too large. Maximum size: %dMB", s.cfg.MaxUploadSize/(1024*1024)),
			Details: map[string]interface{}{"maxSize": s.cfg.MaxUploadSize},
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "save upload")
	}
	log.Info("upload saved", zap.String("path", path), zap.Int64("bytes", size))

	job := model.NewJob(jobID, name, path, s.jobs.Now())
	if err := s.jobs.Create(ctx, job); err != nil {
		os.Remove(path)
		return nil, errors.Wrap(err, "create job")
	}

	if err := s.dispatcher.Dispatch(ctx, worker.Task{JobID: jobID, InputPath: path}); err != nil {
		log.Error("dispatch failed, rolling back job", zap.Error(err))
		if delErr := s.jobs.Delete(context.WithoutCancel(ctx), jobID); delErr != nil {
			log.Warn("rollback left job record", zap.Error(delErr))
		}
		os.Remove(path)
		return nil, errors.Wrap(err, "dispatch job")
	}

	return &model.SubmitResponse{JobID: jobID}, nil
}

func (s *JobService) validate(filename string) error {
	in := upload{Filename: strings.TrimSpace(filename), Ext: workspace.Ext(filename)}
	err := s.validator.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Field() == "Filename" {
		return &ValidationError{Message: "No file selected"}
	}
	return &ValidationError{
		Message: "File type not supported. Allowed: " + strings.Join(AllowedExtensions, ", "),
		Details: map[string]interface{}{"extension": in.Ext},
	}
}

// Status returns the public view of a job, consulting the durable store
// when the job is not in memory.
func (s *JobService) Status(ctx context.Context, jobID string) (*model.StatusResponse, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get job %s", jobID)
	}
	resp := model.NewStatusResponse(job)
	return &resp, nil
}

// TrackFile finds filename under any known model directory of the job.
func (s *JobService) TrackFile(jobID, filename string) (string, error) {
	if store.ValidateID(jobID) != nil {
		return "", ErrTrackNotFound
	}
	name := workspace.SanitizeFilename(filename)
	if name != filename {
		return "", ErrTrackNotFound
	}
	jobDir := s.workspace.JobOutputDir(jobID)
	for _, dir := range separation.AlternativeModelDirs {
		if path := findFile(filepath.Join(jobDir, dir), name); path != "" {
			return path, nil
		}
	}
	s.logger.Debug("track not found", zap.String("job_id", jobID), zap.String("file", name))
	return "", ErrTrackNotFound
}

func findFile(root, name string) string {
	var found string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fs.SkipDir
		}
		if d.Type().IsRegular() && d.Name() == name {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	return found
}

func (s *JobService) Health() *model.HealthResponse {
	list := s.jobs.List()
	summaries := make(map[string]model.JobSummary, len(list))
	for _, job := range list {
		summaries[job.ID] = model.Summarize(job)
	}
	return &model.HealthResponse{
		Status:        "healthy",
		Service:       ServiceName,
		Version:       Version,
		Model:         separation.ModelName,
		TotalJobs:     len(list),
		JobsByStatus:  s.jobs.Counts(),
		Jobs:          summaries,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
}

func (s *JobService) ListJobs(ctx context.Context) (*model.JobListResponse, error) {
	stored, err := s.jobs.ListStored(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list stored jobs")
	}
	resp := &model.JobListResponse{
		MemoryJobs: summarize(s.jobs.List()),
		DiskJobs:   summarize(stored),
	}
	resp.TotalMemory = len(resp.MemoryJobs)
	resp.TotalDisk = len(resp.DiskJobs)
	return resp, nil
}

func summarize(list []model.Job) []model.JobSummary {
	out := make([]model.JobSummary, 0, len(list))
	for _, job := range list {
		out = append(out, model.Summarize(job))
	}
	return out
}

func (s *JobService) folders() map[string]string {
	folders := s.workspace.Folders()
	if s.cfg.JobsDir != "" {
		folders["jobs"] = s.cfg.JobsDir
	}
	return folders
}

func (s *JobService) DebugStorage() *model.StorageDebugResponse {
	stats := make(map[string]model.FolderStats)
	for name, dir := range s.folders() {
		stats[name] = workspace.Stats(dir, true)
	}
	return &model.StorageDebugResponse{
		Folders:      stats,
		MemoryJobIDs: s.jobs.Index().IDs(),
	}
}

func (s *JobService) DebugJob(ctx context.Context, jobID string) *model.JobDebugResponse {
	resp := &model.JobDebugResponse{JobID: jobID, Active: s.jobs.IsActive(jobID)}
	if job, ok := s.jobs.Index().Get(jobID); ok {
		resp.InMemory = true
		resp.MemoryData = &job
	}
	if store.ValidateID(jobID) == nil {
		if job, err := s.jobs.Stored(ctx, jobID); err == nil {
			resp.OnDisk = true
			resp.DiskData = &job
		}
	}
	return resp
}

// Reload rebuilds the index from the durable store. Pending jobs found
// there are not dispatched again.
func (s *JobService) Reload(ctx context.Context) (*model.ReloadResponse, error) {
	old, report, err := s.jobs.Reload(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reload jobs")
	}
	interrupted := append(append([]string(nil), report.Interrupted...), report.Stuck...)
	return &model.ReloadResponse{
		Message:     "Jobs reloaded from disk",
		OldCount:    old,
		NewCount:    s.jobs.Count(),
		Interrupted: interrupted,
	}, nil
}

// ClearCache cancels every run, deletes every record and empties the
// upload, output and temp folders.
func (s *JobService) ClearCache(ctx context.Context) (*model.ClearResponse, error) {
	cancelled := s.jobs.CancelAll()
	if cancelled > 0 {
		s.waitIdle(ctx)
	}

	cleared, err := s.deleteRecords(ctx, false)
	if err != nil {
		return nil, err
	}

	files := 0
	var errs error
	for _, dir := range []string{s.workspace.Uploads, s.workspace.Outputs, s.workspace.Temp} {
		n, err := workspace.ClearDir(dir)
		files += n
		errs = errors.CombineErrors(errs, err)
	}
	if errs != nil {
		return nil, errors.Wrap(errs, "clear folders")
	}

	s.logger.Info("cache cleared", zap.Int("jobs", cleared), zap.Int("files", files), zap.Int("cancelled", cancelled))
	return &model.ClearResponse{
		Message:       "Cache cleared successfully",
		ClearedJobs:   cleared,
		ClearedFiles:  files,
		CancelledRuns: cancelled,
	}, nil
}

func (s *JobService) ClearTemp() (*model.ClearResponse, error) {
	n, err := workspace.ClearDir(s.workspace.Temp)
	if err != nil {
		return nil, errors.Wrap(err, "clear temp folder")
	}
	return &model.ClearResponse{Message: "Temp cache cleared successfully", ClearedFiles: n}, nil
}

// ClearDiskJobs deletes job records but keeps their files. Runs still in
// progress keep their records so they can finish.
func (s *JobService) ClearDiskJobs(ctx context.Context) (*model.ClearResponse, error) {
	cleared, err := s.deleteRecords(ctx, true)
	if err != nil {
		return nil, err
	}
	return &model.ClearResponse{Message: "Disk job files cleared successfully", ClearedJobs: cleared}, nil
}

func (s *JobService) deleteRecords(ctx context.Context, skipActive bool) (int, error) {
	stored, err := s.jobs.ListStored(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list stored jobs")
	}
	ids := make(map[string]struct{}, len(stored))
	for _, job := range stored {
		ids[job.ID] = struct{}{}
	}
	for _, id := range s.jobs.Index().IDs() {
		ids[id] = struct{}{}
	}

	cleared := 0
	var errs error
	for id := range ids {
		if skipActive && s.jobs.IsActive(id) {
			continue
		}
		if err := s.jobs.Delete(ctx, id); err != nil {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		cleared++
	}
	if errs != nil {
		return cleared, errors.Wrap(errs, "delete job records")
	}
	return cleared, nil
}

// waitIdle waits for cancelled runs to record their failure.
func (s *JobService) waitIdle(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for s.jobs.ActiveCount() > 0 {
		select {
		case <-ctx.Done():
			s.logger.Warn("runs still active after cancellation", zap.Int("active", s.jobs.ActiveCount()))
			return
		case <-ticker.C:
		}
	}
}

func (s *JobService) CacheStatus(ctx context.Context) (*model.CacheStatusResponse, error) {
	stored, err := s.jobs.ListStored(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list stored jobs")
	}
	stats := make(map[string]model.FolderStats)
	for name, dir := range s.folders() {
		stats[name] = workspace.Stats(dir, false)
	}
	resp := &model.CacheStatusResponse{
		JobsInMemory: s.jobs.Count(),
		JobsOnDisk:   len(stored),
		JobsByStatus: s.jobs.Counts(),
		ActiveRuns:   s.jobs.ActiveCount(),
		Folders:      stats,
	}
	if usage, err := workspace.DiskUsage(ctx, s.workspace.Outputs); err != nil {
		s.logger.Warn("disk usage unavailable", zap.Error(err))
	} else {
		resp.Disk = usage
	}
	return resp, nil
}
