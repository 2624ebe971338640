// Package store persists job records so they survive a restart.
package store

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/makeasinger/stemsplit/internal/model"
)

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidID is returned for ids that cannot name a record.
	ErrInvalidID = errors.New("invalid job id")
	// ErrLocked is returned when another process holds the job directory.
	ErrLocked = errors.New("job directory is locked by another process")
)

// Store is the durable home of job records. Every Put replaces the whole
// record.
type Store interface {
	Put(ctx context.Context, job model.Job) error
	Get(ctx context.Context, id string) (model.Job, error)
	List(ctx context.Context) ([]model.Job, error)
	Delete(ctx context.Context, id string) error
}

// ValidateID rejects ids that are empty or could escape the record namespace.
func ValidateID(id string) error {
	if id == "" || len(id) > 128 {
		return errors.Wrapf(ErrInvalidID, "%q", id)
	}
	if strings.ContainsAny(id, `/\.:`) || strings.ContainsRune(id, 0) {
		return errors.Wrapf(ErrInvalidID, "%q", id)
	}
	return nil
}
