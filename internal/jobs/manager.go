package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/makeasinger/stemsplit/internal/model"
	"github.com/makeasinger/stemsplit/internal/store"
)

// Notifier is told about every committed change to a job.
type Notifier interface {
	JobChanged(job model.Job)
}

// Manager is the single write path for job records. Each change is applied
// to the index and written to the durable store under the index lock, so
// the store sees the changes for a job in the order they happened.
type Manager struct {
	index    *Index
	store    store.Store
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time

	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

type Option func(*Manager)

func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(st store.Store, opts ...Option) *Manager {
	m := &Manager{
		index:  NewIndex(),
		store:  st,
		logger: zap.NewNop(),
		now:    time.Now,
		active: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time { return m.now() }

// Index exposes the in-memory view for read-only reporting.
func (m *Manager) Index() *Index { return m.index }

// Create registers a new job in memory and in the durable store before any
// work on it starts.
func (m *Manager) Create(ctx context.Context, job model.Job) error {
	if err := store.ValidateID(job.ID); err != nil {
		return err
	}
	m.index.Put(job)
	m.persist(ctx, job)
	m.notify(job)
	return nil
}

// Get answers from memory and falls back to the durable store on a miss,
// re-caching what it finds.
func (m *Manager) Get(ctx context.Context, id string) (model.Job, error) {
	if job, ok := m.index.Get(id); ok {
		return job, nil
	}
	if err := store.ValidateID(id); err != nil {
		return model.Job{}, store.ErrNotFound
	}
	job, err := m.store.Get(ctx, id)
	if err != nil {
		return model.Job{}, err
	}
	m.logger.Info("job restored from store", zap.String("job_id", id), zap.String("status", string(job.Status)))
	return m.index.PutIfAbsent(job), nil
}

// Update applies fn to the job and persists the full record.
func (m *Manager) Update(ctx context.Context, id string, fn func(*model.Job) error) (model.Job, error) {
	load := func() (model.Job, error) { return m.store.Get(ctx, id) }
	job, err := m.index.Update(id, load, fn, func(job model.Job) error {
		m.persist(ctx, job)
		return nil
	})
	if err != nil {
		return model.Job{}, err
	}
	m.notify(job)
	return job, nil
}

// Delete removes the job from memory and from the durable store.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.index.Delete(id)
	if err := m.store.Delete(ctx, id); err != nil {
		return errors.Wrapf(err, "delete job %s", id)
	}
	return nil
}

// List returns the in-memory records.
func (m *Manager) List() []model.Job { return m.index.List() }

// ListStored returns every record in the durable store.
func (m *Manager) ListStored(ctx context.Context) ([]model.Job, error) {
	return m.store.List(ctx)
}

// Stored reads one record straight from the durable store.
func (m *Manager) Stored(ctx context.Context, id string) (model.Job, error) {
	return m.store.Get(ctx, id)
}

// Count returns the number of in-memory records.
func (m *Manager) Count() int { return m.index.Len() }

// Counts returns the number of in-memory records per status.
func (m *Manager) Counts() map[model.JobStatus]int {
	counts := make(map[model.JobStatus]int, len(model.AllStatuses))
	for _, s := range model.AllStatuses {
		counts[s] = 0
	}
	for _, job := range m.index.List() {
		counts[job.Status]++
	}
	return counts
}

// Track registers a run for id and returns a context cancelled by
// CancelAll together with the function that ends the registration.
func (m *Manager) Track(ctx context.Context, id string) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(ctx)
	m.activeMu.Lock()
	m.active[id] = cancel
	m.activeMu.Unlock()
	return runCtx, func() {
		m.activeMu.Lock()
		delete(m.active, id)
		m.activeMu.Unlock()
		cancel()
	}
}

// IsActive reports whether a run for id is in progress in this process.
func (m *Manager) IsActive(id string) bool {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	_, ok := m.active[id]
	return ok
}

// ActiveCount returns the number of runs in progress.
func (m *Manager) ActiveCount() int {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	return len(m.active)
}

// CancelAll cancels every tracked run and returns how many there were.
func (m *Manager) CancelAll() int {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	for _, cancel := range m.active {
		cancel()
	}
	return len(m.active)
}

func (m *Manager) persist(ctx context.Context, job model.Job) {
	if err := m.store.Put(ctx, job); err != nil {
		m.logger.Error("failed to persist job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (m *Manager) notify(job model.Job) {
	if m.notifier != nil {
		m.notifier.JobChanged(job)
	}
}
