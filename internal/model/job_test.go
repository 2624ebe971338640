package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func processingJob(t *testing.T) Job {
	t.Helper()
	job := NewJob("job-1", "song.mp3", "/uploads/job-1_song.mp3", t0)
	require.NoError(t, job.Start(t0.Add(time.Second), "Initializing..."))
	return job
}

func TestNewJob_Pending(t *testing.T) {
	job := NewJob("job-1", "song.mp3", "/uploads/job-1_song.mp3", t0)

	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Nil(t, job.CompletedAt)
	assert.False(t, job.IsTerminal())
}

func TestJob_StartOnlyFromPending(t *testing.T) {
	job := processingJob(t)
	assert.Equal(t, JobStatusProcessing, job.Status)
	require.NotNil(t, job.StartedAt)

	err := job.Start(t0, "again")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestJob_ProgressNeverRegresses(t *testing.T) {
	job := processingJob(t)

	require.NoError(t, job.SetProgress(40, "Separating vocals..."))
	require.NoError(t, job.SetProgress(25, "Loading model..."))
	assert.Equal(t, 40, job.Progress)
	assert.Equal(t, "Loading model...", job.Message)

	require.NoError(t, job.SetProgress(250, ""))
	assert.Equal(t, 100, job.Progress)
}

func TestJob_ProgressRejectedOutsideProcessing(t *testing.T) {
	job := NewJob("job-1", "song.mp3", "", t0)
	assert.True(t, errors.Is(job.SetProgress(10, "x"), ErrInvalidTransition))
}

func TestJob_Complete(t *testing.T) {
	job := processingJob(t)
	bpm := 120
	tracks := map[string]string{"vocals": "http://x/api/tracks/job-1/vocals.mp3"}

	require.NoError(t, job.Complete(t0.Add(time.Minute), tracks, &bpm, 212.5))

	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, MessageCompleted, job.Message)
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, 120, *job.BPM)

	tracks["drums"] = "mutated"
	bpm = 1
	assert.Len(t, job.Tracks, 1)
	assert.Equal(t, 120, *job.BPM)
}

func TestJob_CompleteRequiresResults(t *testing.T) {
	job := processingJob(t)
	assert.True(t, errors.Is(job.Complete(t0, nil, nil, 10), ErrIncompleteResult))
	assert.True(t, errors.Is(job.Complete(t0, map[string]string{"vocals": "u"}, nil, 0), ErrIncompleteResult))
	assert.Equal(t, JobStatusProcessing, job.Status)
}

func TestJob_TerminalStatesAreFinal(t *testing.T) {
	job := processingJob(t)
	require.NoError(t, job.Fail(t0.Add(time.Minute), "boom", ""))
	assert.Equal(t, "boom", job.Error)
	assert.Equal(t, "Processing failed: boom", job.Message)
	completedAt := job.CompletedAt.Time

	assert.True(t, errors.Is(job.Fail(t0.Add(2*time.Minute), "again", ""), ErrInvalidTransition))
	assert.True(t, errors.Is(job.Complete(t0, map[string]string{"a": "b"}, nil, 1), ErrInvalidTransition))
	assert.True(t, errors.Is(job.Start(t0, ""), ErrInvalidTransition))
	assert.True(t, job.CompletedAt.Time.Equal(completedAt))
}

func TestJob_FailWithoutReason(t *testing.T) {
	job := processingJob(t)
	require.NoError(t, job.Fail(t0, "", ""))
	assert.Equal(t, "unknown error", job.Error)
}

func TestJob_FailOnlyFromProcessing(t *testing.T) {
	job := NewJob("job-1", "song.mp3", "", t0)
	assert.True(t, errors.Is(job.Fail(t0, "boom", ""), ErrInvalidTransition))
	assert.Equal(t, JobStatusPending, job.Status)
}

func TestJob_CloneIsDeep(t *testing.T) {
	job := processingJob(t)
	bpm := 98
	require.NoError(t, job.Complete(t0, map[string]string{"bass": "u"}, &bpm, 30))

	clone := job.Clone()
	clone.Tracks["bass"] = "changed"
	*clone.BPM = 1
	clone.CompletedAt.Time = t0.Add(time.Hour)

	assert.Equal(t, "u", job.Tracks["bass"])
	assert.Equal(t, 98, *job.BPM)
	assert.True(t, job.CompletedAt.Time.Equal(t0))
}

func TestJob_JSONRoundTrip(t *testing.T) {
	job := processingJob(t)
	bpm := 128
	require.NoError(t, job.Complete(t0.Add(90*time.Second+123456*time.Microsecond), map[string]string{"vocals": "u"}, &bpm, 187.25))

	data, err := json.Marshal(job)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.InDelta(t, float64(t0.Unix()), raw["createdAt"], 0.001)
	assert.Equal(t, "job-1", raw["jobId"])

	var back Job
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.CreatedAt.Equal(job.CreatedAt.Time))
	assert.True(t, back.CompletedAt.Equal(job.CompletedAt.Time))
	assert.Equal(t, job.Tracks, back.Tracks)
	assert.Equal(t, *job.BPM, *back.BPM)
}

func TestTimestamp_AcceptsIntegerSeconds(t *testing.T) {
	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte("1714564800"), &ts))
	assert.Equal(t, int64(1714564800), ts.Unix())

	require.NoError(t, json.Unmarshal([]byte("null"), &ts))
	assert.True(t, ts.IsZero())
}

func TestNewStatusResponse_HidesResultsUntilCompleted(t *testing.T) {
	job := processingJob(t)
	job.Tracks = map[string]string{"vocals": "u"}

	resp := NewStatusResponse(job)
	assert.Nil(t, resp.Tracks)
	assert.Empty(t, resp.Error)

	require.NoError(t, job.Fail(t0, "boom", ""))
	resp = NewStatusResponse(job)
	assert.Equal(t, "boom", resp.Error)
	assert.Nil(t, resp.Tracks)
}
