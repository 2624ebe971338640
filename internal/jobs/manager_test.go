package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/stemsplit/internal/model"
	"github.com/makeasinger/stemsplit/internal/store"
)

type recordingNotifier struct {
	mu      sync.Mutex
	changes []model.Job
}

func (n *recordingNotifier) JobChanged(job model.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, job)
}

func (n *recordingNotifier) all() []model.Job {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.Job(nil), n.changes...)
}

// failingStore wraps a store and fails every Put while failPut is set.
type failingStore struct {
	store.Store
	mu      sync.Mutex
	failPut bool
}

func (s *failingStore) setFailPut(v bool) {
	s.mu.Lock()
	s.failPut = v
	s.mu.Unlock()
}

func (s *failingStore) Put(ctx context.Context, job model.Job) error {
	s.mu.Lock()
	fail := s.failPut
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.Store.Put(ctx, job)
}

func newFileStore(t *testing.T) *store.FileStore {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	return st
}

func TestManager_CreateWritesThrough(t *testing.T) {
	st := newFileStore(t)
	m := NewManager(st)
	ctx := context.Background()

	job := model.NewJob("j1", "a.mp3", "", time.Now())
	require.NoError(t, m.Create(ctx, job))

	stored, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, stored.Status)

	cached, ok := m.Index().Get("j1")
	require.True(t, ok)
	assert.Equal(t, "a.mp3", cached.Filename)
}

func TestManager_GetFallsBackToStore(t *testing.T) {
	st := newFileStore(t)
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, model.NewJob("disk-only", "a.mp3", "", time.Now())))

	m := NewManager(st)
	job, err := m.Get(ctx, "disk-only")
	require.NoError(t, err)
	assert.Equal(t, "disk-only", job.ID)
	assert.Equal(t, 1, m.Count())

	_, err = m.Get(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, err = m.Get(ctx, "../escape")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestManager_UpdatePersistsAndNotifies(t *testing.T) {
	st := newFileStore(t)
	n := &recordingNotifier{}
	m := NewManager(st, WithNotifier(n))
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, model.NewJob("j1", "a.mp3", "", time.Now())))

	_, err := m.Update(ctx, "j1", func(j *model.Job) error { return j.Start(time.Now(), "Initializing...") })
	require.NoError(t, err)
	_, err = m.Update(ctx, "j1", func(j *model.Job) error { return j.SetProgress(30, "Separating vocals...") })
	require.NoError(t, err)

	stored, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, stored.Status)
	assert.Equal(t, 30, stored.Progress)

	changes := n.all()
	require.Len(t, changes, 3)
	assert.Equal(t, 30, changes[2].Progress)
}

func TestManager_UpdateRejectedLeavesRecordUntouched(t *testing.T) {
	st := newFileStore(t)
	m := NewManager(st)
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, model.NewJob("j1", "a.mp3", "", time.Now())))

	_, err := m.Update(ctx, "j1", func(j *model.Job) error {
		j.Progress = 99
		return j.Fail(time.Now(), "boom", "")
	})
	assert.True(t, errors.Is(err, model.ErrInvalidTransition))

	job, err := m.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, 0, job.Progress)
}

func TestManager_StoreFailureDoesNotAbortUpdate(t *testing.T) {
	st := &failingStore{Store: newFileStore(t)}
	m := NewManager(st)
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, model.NewJob("j1", "a.mp3", "", time.Now())))

	st.setFailPut(true)
	job, err := m.Update(ctx, "j1", func(j *model.Job) error { return j.Start(time.Now(), "Initializing...") })
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, job.Status)

	cached, err := m.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, cached.Status)

	stored, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, stored.Status)
}

func TestManager_UpdateLoadsStoreOnlyRecord(t *testing.T) {
	st := newFileStore(t)
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, model.NewJob("j1", "a.mp3", "", time.Now())))

	m := NewManager(st)
	job, err := m.Update(ctx, "j1", func(j *model.Job) error { return j.Start(time.Now(), "go") })
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, job.Status)
}

func TestManager_ConcurrentUpdatesAreSerialized(t *testing.T) {
	st := newFileStore(t)
	m := NewManager(st)
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, model.NewJob("j1", "a.mp3", "", time.Now())))
	_, err := m.Update(ctx, "j1", func(j *model.Job) error { return j.Start(time.Now(), "go") })
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			_, _ = m.Update(ctx, "j1", func(j *model.Job) error { return j.SetProgress(p, "") })
		}(i)
	}
	wg.Wait()

	job, err := m.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 50, job.Progress)

	stored, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 50, stored.Progress)
}

func TestManager_TrackAndCancelAll(t *testing.T) {
	m := NewManager(newFileStore(t))
	ctx, release := m.Track(context.Background(), "j1")
	assert.True(t, m.IsActive("j1"))
	assert.Equal(t, 1, m.ActiveCount())

	assert.Equal(t, 1, m.CancelAll())
	assert.Error(t, ctx.Err())

	release()
	assert.False(t, m.IsActive("j1"))
}

func TestManager_Counts(t *testing.T) {
	m := NewManager(newFileStore(t))
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, model.NewJob("a", "a.mp3", "", time.Now())))
	require.NoError(t, m.Create(ctx, model.NewJob("b", "b.mp3", "", time.Now())))
	_, err := m.Update(ctx, "b", func(j *model.Job) error { return j.Start(time.Now(), "") })
	require.NoError(t, err)

	counts := m.Counts()
	assert.Equal(t, 1, counts[model.JobStatusPending])
	assert.Equal(t, 1, counts[model.JobStatusProcessing])
	assert.Equal(t, 0, counts[model.JobStatusCompleted])
}
