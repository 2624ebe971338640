package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/makeasinger/stemsplit/internal/model"
)

const (
	recordExt = ".json"
	lockName  = ".lock"
)

// FileStore keeps one JSON file per job in a directory.
type FileStore struct {
	dir    string
	lock   *flock.Flock
	logger *zap.Logger
}

// NewFileStore creates dir if needed. Call Lock before serving traffic.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create job directory %s", dir)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{
		dir:    dir,
		lock:   flock.New(filepath.Join(dir, lockName)),
		logger: logger,
	}, nil
}

// Dir returns the directory holding the records.
func (s *FileStore) Dir() string { return s.dir }

// Lock takes an exclusive lock on the job directory.
func (s *FileStore) Lock() error {
	locked, err := s.lock.TryLock()
	if err != nil {
		return errors.Wrap(err, "lock job directory")
	}
	if !locked {
		return errors.Wrapf(ErrLocked, "%s", s.dir)
	}
	return nil
}

// Close releases the directory lock.
func (s *FileStore) Close() error {
	if !s.lock.Locked() {
		return nil
	}
	return s.lock.Unlock()
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+recordExt)
}

func (s *FileStore) Put(_ context.Context, job model.Job) error {
	if err := ValidateID(job.ID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode job %s", job.ID)
	}
	if err := writeFileAtomic(s.path(job.ID), data, 0o644); err != nil {
		return errors.Wrapf(err, "save job %s", job.ID)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, id string) (model.Job, error) {
	if err := ValidateID(id); err != nil {
		return model.Job{}, err
	}
	return s.read(s.path(id))
}

func (s *FileStore) read(path string) (model.Job, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return model.Job{}, ErrNotFound
	}
	if err != nil {
		return model.Job{}, errors.Wrapf(err, "read %s", path)
	}
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return model.Job{}, errors.Wrapf(err, "decode %s", path)
	}
	return job, nil
}

// List returns every readable record ordered by creation time. Files that
// fail to decode are logged and skipped.
func (s *FileStore) List(_ context.Context) ([]model.Job, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", s.dir)
	}
	jobs := make([]model.Job, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordExt) || strings.HasPrefix(name, ".") {
			continue
		}
		job, err := s.read(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Warn("skipping unreadable job record", zap.String("file", name), zap.Error(err))
			continue
		}
		if job.ID == "" {
			job.ID = strings.TrimSuffix(name, recordExt)
		}
		jobs = append(jobs, job)
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt.Time)
	})
	return jobs, nil
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	err := os.Remove(s.path(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "delete job %s", id)
	}
	return nil
}

// writeFileAtomic writes to a temp file in the target directory and renames
// it over path, so readers see either the old or the new record.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".job-*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "chmod temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "rename temp file")
	}
	return nil
}
