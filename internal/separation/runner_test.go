package separation

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/stemsplit/internal/jobs"
	"github.com/makeasinger/stemsplit/internal/model"
	"github.com/makeasinger/stemsplit/internal/store"
)

// argsPrelude leaves the -o value in $out and the input stem in $stem.
const argsPrelude = `#!/bin/sh
out=""
prev=""
input=""
for a in "$@"; do
  if [ "$prev" = "-o" ]; then out="$a"; fi
  prev="$a"
  input="$a"
done
stem=$(basename "$input")
stem="${stem%.*}"
`

func writeTool(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell tool fixtures need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-demucs")
	require.NoError(t, os.WriteFile(path, []byte(argsPrelude+body), 0o755))
	return path
}

func stemsTool(t *testing.T, modelDir string, stems ...string) string {
	var b strings.Builder
	b.WriteString(`mkdir -p "$out/` + modelDir + `/$stem"` + "\n")
	for _, s := range stems {
		b.WriteString(`echo fake > "$out/` + modelDir + `/$stem/` + s + `.mp3"` + "\n")
	}
	b.WriteString(`echo "$OMP_NUM_THREADS $MKL_NUM_THREADS" > "$out/threads.txt"` + "\n")
	b.WriteString(`echo "$@" > "$out/args.txt"` + "\n")
	return writeTool(t, b.String())
}

type fakeAnalyzer struct {
	duration float64
	bpm      *int
}

func (a fakeAnalyzer) Duration(context.Context, string) float64 { return a.duration }
func (a fakeAnalyzer) Tempo(context.Context, string) *int       { return a.bpm }

type progressRecorder struct {
	mu   sync.Mutex
	seen []model.Job
}

func (r *progressRecorder) JobChanged(job model.Job) {
	r.mu.Lock()
	r.seen = append(r.seen, job)
	r.mu.Unlock()
}

func (r *progressRecorder) jobs() []model.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Job(nil), r.seen...)
}

type fixture struct {
	manager  *jobs.Manager
	recorder *progressRecorder
	outputs  string
	input    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	rec := &progressRecorder{}
	m := jobs.NewManager(st, jobs.WithNotifier(rec))

	input := filepath.Join(t.TempDir(), "job-1_my_song.mp3")
	require.NoError(t, os.WriteFile(input, []byte("audio"), 0o644))
	require.NoError(t, m.Create(context.Background(), model.NewJob("job-1", "my_song.mp3", input, time.Now())))

	return &fixture{manager: m, recorder: rec, outputs: t.TempDir(), input: input}
}

func (f *fixture) runner(python string, a Analyzer) *Runner {
	return NewRunner(Config{
		Python:           python,
		OutputRoot:       f.outputs,
		BackendURL:       "http://stems.up.railway.app",
		PublicHostSuffix: "railway.app",
		ProgressInterval: 10 * time.Millisecond,
	}, f.manager, a, nil)
}

func (f *fixture) job(t *testing.T) model.Job {
	t.Helper()
	job, err := f.manager.Get(context.Background(), "job-1")
	require.NoError(t, err)
	return job
}

func TestRunCompletesJob(t *testing.T) {
	f := newFixture(t)
	bpm := 128
	r := f.runner(stemsTool(t, ModelName, "vocals", "drums", "bass"), fakeAnalyzer{duration: 42.5, bpm: &bpm})

	require.NoError(t, r.Run(context.Background(), "job-1", f.input))

	job := f.job(t)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, model.MessageCompleted, job.Message)
	assert.Equal(t, map[string]string{
		"vocals": "https://stems.up.railway.app/api/tracks/job-1/vocals.mp3",
		"drums":  "https://stems.up.railway.app/api/tracks/job-1/drums.mp3",
		"bass":   "https://stems.up.railway.app/api/tracks/job-1/bass.mp3",
	}, job.Tracks)
	require.NotNil(t, job.BPM)
	assert.Equal(t, 128, *job.BPM)
	assert.InDelta(t, 42.5, job.Duration, 1e-9)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
	assert.False(t, f.manager.IsActive("job-1"))

	threads, err := os.ReadFile(filepath.Join(f.outputs, "job-1", "threads.txt"))
	require.NoError(t, err)
	assert.Equal(t, "1 1", strings.TrimSpace(string(threads)))

	args, err := os.ReadFile(filepath.Join(f.outputs, "job-1", "args.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(args), "-n htdemucs_6s")
	assert.Contains(t, string(args), "--device cpu")
}

func TestRunProgressIsMonotonic(t *testing.T) {
	f := newFixture(t)
	python := writeTool(t, "sleep 0.2\n"+
		`mkdir -p "$out/`+ModelName+`/$stem"`+"\n"+
		`echo fake > "$out/`+ModelName+`/$stem/vocals.mp3"`+"\n")
	r := f.runner(python, fakeAnalyzer{duration: 10})

	require.NoError(t, r.Run(context.Background(), "job-1", f.input))

	last := -1
	var statuses []model.JobStatus
	for _, job := range f.recorder.jobs() {
		assert.GreaterOrEqual(t, job.Progress, last)
		last = job.Progress
		if len(statuses) == 0 || statuses[len(statuses)-1] != job.Status {
			statuses = append(statuses, job.Status)
		}
	}
	assert.Equal(t, 100, last)
	assert.Equal(t, []model.JobStatus{model.JobStatusPending, model.JobStatusProcessing, model.JobStatusCompleted}, statuses)
}

func TestRunAlternativeLayout(t *testing.T) {
	f := newFixture(t)
	r := f.runner(stemsTool(t, "htdemucs", "vocals", "other"), fakeAnalyzer{duration: 30})

	require.NoError(t, r.Run(context.Background(), "job-1", f.input))

	job := f.job(t)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Len(t, job.Tracks, 2)
	assert.Contains(t, job.Tracks, "other")
	assert.Nil(t, job.BPM)
}

func TestRunToolFailure(t *testing.T) {
	f := newFixture(t)
	python := writeTool(t, "echo 'RuntimeError: model weights missing' >&2\nexit 3\n")
	r := f.runner(python, fakeAnalyzer{duration: 30})

	err := r.Run(context.Background(), "job-1", f.input)
	require.Error(t, err)

	job := f.job(t)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "model weights missing")
	assert.True(t, strings.HasPrefix(job.Message, "Processing failed: "))
	assert.Empty(t, job.Tracks)
}

func TestRunTimeout(t *testing.T) {
	f := newFixture(t)
	python := writeTool(t, "sleep 5\n")
	r := f.runner(python, fakeAnalyzer{duration: 30})
	r.timeout = func(float64) time.Duration { return 200 * time.Millisecond }

	started := time.Now()
	err := r.Run(context.Background(), "job-1", f.input)
	require.Error(t, err)
	assert.Less(t, time.Since(started), 4*time.Second)

	job := f.job(t)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "timed out")
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t)
	python := writeTool(t, "sleep 5\n")
	r := f.runner(python, fakeAnalyzer{duration: 30})

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), "job-1", f.input) }()

	require.Eventually(t, func() bool { return f.manager.IsActive("job-1") }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.job(t).Progress >= 20 && f.manager.CancelAll() > 0 }, 2*time.Second, 5*time.Millisecond)

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(4 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	job := f.job(t)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "cancel")
}

func TestRunNoTracks(t *testing.T) {
	f := newFixture(t)
	python := writeTool(t, `mkdir -p "$out/`+ModelName+`/$stem"`+"\n")
	r := f.runner(python, fakeAnalyzer{duration: 30})

	require.Error(t, r.Run(context.Background(), "job-1", f.input))
	job := f.job(t)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "no separated tracks")
}

func TestRunMissingOutput(t *testing.T) {
	f := newFixture(t)
	r := f.runner(writeTool(t, "exit 0\n"), fakeAnalyzer{duration: 30})

	err := r.Run(context.Background(), "job-1", f.input)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutputNotFound))
	assert.Equal(t, model.JobStatusFailed, f.job(t).Status)
}

func TestRunMissingInput(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.Remove(f.input))
	r := f.runner(stemsTool(t, ModelName, "vocals"), fakeAnalyzer{duration: 30})

	require.Error(t, r.Run(context.Background(), "job-1", f.input))
	job := f.job(t)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "input file unavailable")
}

func TestRunRejectsStartedJob(t *testing.T) {
	f := newFixture(t)
	r := f.runner(stemsTool(t, ModelName, "vocals"), fakeAnalyzer{duration: 30})
	require.NoError(t, r.Run(context.Background(), "job-1", f.input))

	err := r.Run(context.Background(), "job-1", f.input)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotPending))
	assert.Equal(t, model.JobStatusCompleted, f.job(t).Status)

	err = r.Run(context.Background(), "missing", f.input)
	assert.True(t, errors.Is(err, ErrNotPending))
}
