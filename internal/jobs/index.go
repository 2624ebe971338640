// Package jobs holds the live job records and keeps them in step with the
// durable store.
package jobs

import (
	"sort"
	"sync"

	"github.com/makeasinger/stemsplit/internal/model"
	"github.com/makeasinger/stemsplit/internal/store"
)

// Index is the in-memory view of job records. Every read returns a copy, so
// callers never observe a record while it is being changed.
type Index struct {
	mu   sync.Mutex
	jobs map[string]model.Job
}

func NewIndex() *Index {
	return &Index{jobs: make(map[string]model.Job)}
}

func (ix *Index) Get(id string) (model.Job, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	job, ok := ix.jobs[id]
	if !ok {
		return model.Job{}, false
	}
	return job.Clone(), true
}

// Put replaces the record for job.ID.
func (ix *Index) Put(job model.Job) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.jobs[job.ID] = job.Clone()
}

// PutIfAbsent stores job unless a record with its id is already cached and
// returns whichever record is cached afterwards.
func (ix *Index) PutIfAbsent(job model.Job) model.Job {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if existing, ok := ix.jobs[job.ID]; ok {
		return existing.Clone()
	}
	ix.jobs[job.ID] = job.Clone()
	return job.Clone()
}

// Update runs fn on a working copy of the record. When fn succeeds, commit
// sees the result before the lock is released and the copy replaces the
// cached record only if commit succeeds too. A nil load is used to fetch
// records missing from the cache.
func (ix *Index) Update(id string, load func() (model.Job, error), fn func(*model.Job) error, commit func(model.Job) error) (model.Job, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	job, ok := ix.jobs[id]
	if !ok {
		if load == nil {
			return model.Job{}, store.ErrNotFound
		}
		loaded, err := load()
		if err != nil {
			return model.Job{}, err
		}
		job = loaded
	}
	working := job.Clone()
	if err := fn(&working); err != nil {
		return model.Job{}, err
	}
	if commit != nil {
		if err := commit(working.Clone()); err != nil {
			return model.Job{}, err
		}
	}
	ix.jobs[id] = working
	return working.Clone(), nil
}

func (ix *Index) Delete(id string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	_, ok := ix.jobs[id]
	delete(ix.jobs, id)
	return ok
}

// List returns copies of every record ordered by creation time.
func (ix *Index) List() []model.Job {
	ix.mu.Lock()
	out := make([]model.Job, 0, len(ix.jobs))
	for _, job := range ix.jobs {
		out = append(out, job.Clone())
	}
	ix.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt.Time) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt.Time)
	})
	return out
}

func (ix *Index) IDs() []string {
	ix.mu.Lock()
	ids := make([]string, 0, len(ix.jobs))
	for id := range ix.jobs {
		ids = append(ids, id)
	}
	ix.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.jobs)
}

// Clear drops every record and returns how many were held.
func (ix *Index) Clear() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	n := len(ix.jobs)
	ix.jobs = make(map[string]model.Job)
	return n
}
