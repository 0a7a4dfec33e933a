package storage

import "github.com/cockroachdb/errors"

var (
	// ErrDuplicateID is returned when a job with the same ID already exists
	ErrDuplicateID = errors.New("duplicate job id")

	// ErrNotFound is returned when a job is not in the store
	ErrNotFound = errors.New("job not found")

	// ErrVersionConflict is returned when a job was modified since it was read,
	// typically because another poll tick already claimed the same firing
	ErrVersionConflict = errors.New("job version conflict")

	// ErrStoreUnavailable marks infrastructure failures of the backing store
	ErrStoreUnavailable = errors.New("job store unavailable")
)

// unavailable wraps a driver error and marks it as ErrStoreUnavailable
func unavailable(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrStoreUnavailable)
}
