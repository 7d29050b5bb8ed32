package persistence

import "errors"

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("persistence: not found")
	// ErrDuplicate is returned when an insert collides with an existing key.
	ErrDuplicate = errors.New("persistence: duplicate record")
	// ErrConstraintViolation is returned when a CHECK constraint rejects a write.
	ErrConstraintViolation = errors.New("persistence: constraint violation")
	// ErrForeignKeyViolation is returned when a write references a missing row.
	ErrForeignKeyViolation = errors.New("persistence: foreign key violation")
	// ErrGuardFailed is returned when a guarded update matched no row because
	// the expected state no longer holds.
	ErrGuardFailed = errors.New("persistence: guarded update matched no row")
	// ErrAppendOnly is returned when something tries to rewrite the activity log.
	ErrAppendOnly = errors.New("persistence: activity log is append-only")
)
