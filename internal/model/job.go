package model

import (
	"time"

	"github.com/cockroachdb/errors"
)

// JobStatus is the lifecycle state of a separation job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []JobStatus{
	JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed,
}

// IsTerminal reports whether no further transition may leave s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

const (
	MessageQueued    = "File uploaded, queued for processing"
	MessageCompleted = "Separation completed successfully!"
	unknownFailure   = "unknown error"
)

var (
	// ErrInvalidTransition is returned when a job is moved along an edge
	// the state machine does not have.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrIncompleteResult is returned when completion lacks tracks or a duration.
	ErrIncompleteResult = errors.New("completed job requires tracks and a positive duration")
)

// Job is the full record for one uploaded file. It is persisted as a whole
// on every change.
type Job struct {
	ID          string            `json:"jobId"`
	Status      JobStatus         `json:"status"`
	Progress    int               `json:"progress"`
	Message     string            `json:"message,omitempty"`
	CreatedAt   Timestamp         `json:"createdAt"`
	StartedAt   *Timestamp        `json:"startedAt,omitempty"`
	CompletedAt *Timestamp        `json:"completedAt,omitempty"`
	Filename    string            `json:"filename"`
	SourcePath  string            `json:"sourcePath,omitempty"`
	Tracks      map[string]string `json:"tracks,omitempty"`
	BPM         *int              `json:"bpm,omitempty"`
	Duration    float64           `json:"duration,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// NewJob returns a pending job created at now.
func NewJob(id, filename, sourcePath string, now time.Time) Job {
	return Job{
		ID:         id,
		Status:     JobStatusPending,
		Progress:   0,
		Message:    MessageQueued,
		CreatedAt:  NewTimestamp(now),
		Filename:   filename,
		SourcePath: sourcePath,
	}
}

// IsTerminal reports whether the job has completed or failed.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Age is the time elapsed since the job was created.
func (j *Job) Age(now time.Time) time.Duration {
	return now.Sub(j.CreatedAt.Time)
}

// Start moves a pending job to processing.
func (j *Job) Start(now time.Time, message string) error {
	if j.Status != JobStatusPending {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", j.Status, JobStatusProcessing)
	}
	started := NewTimestamp(now)
	j.Status = JobStatusProcessing
	j.StartedAt = &started
	j.Message = message
	return nil
}

// SetProgress records progress on a processing job. Values are clamped to
// [0,100] and a value below the current progress leaves it unchanged.
func (j *Job) SetProgress(progress int, message string) error {
	if j.Status != JobStatusProcessing {
		return errors.Wrapf(ErrInvalidTransition, "progress update on %s job", j.Status)
	}
	progress = min(max(progress, 0), 100)
	if progress > j.Progress {
		j.Progress = progress
	}
	if message != "" {
		j.Message = message
	}
	return nil
}

// Complete moves a processing job to completed with its results.
func (j *Job) Complete(now time.Time, tracks map[string]string, bpm *int, duration float64) error {
	if j.Status != JobStatusProcessing {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", j.Status, JobStatusCompleted)
	}
	if len(tracks) == 0 || duration <= 0 {
		return ErrIncompleteResult
	}
	done := NewTimestamp(now)
	j.Status = JobStatusCompleted
	j.Progress = 100
	j.Message = MessageCompleted
	j.Tracks = make(map[string]string, len(tracks))
	for name, url := range tracks {
		j.Tracks[name] = url
	}
	j.BPM = copyInt(bpm)
	j.Duration = duration
	j.CompletedAt = &done
	j.Error = ""
	return nil
}

// Fail moves a processing job to failed.
func (j *Job) Fail(now time.Time, reason, message string) error {
	if j.Status != JobStatusProcessing {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", j.Status, JobStatusFailed)
	}
	if reason == "" {
		reason = unknownFailure
	}
	if message == "" {
		message = "Processing failed: " + reason
	}
	done := NewTimestamp(now)
	j.Status = JobStatusFailed
	j.Error = reason
	j.Message = message
	j.CompletedAt = &done
	return nil
}

// Clone returns a deep copy that shares nothing with j.
func (j Job) Clone() Job {
	out := j
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.Tracks != nil {
		out.Tracks = make(map[string]string, len(j.Tracks))
		for k, v := range j.Tracks {
			out.Tracks[k] = v
		}
	}
	out.BPM = copyInt(j.BPM)
	return out
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}
