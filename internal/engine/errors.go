package engine

import "errors"

var (
	// ErrNotFound is returned when a key is absent or tombstoned at the
	// requested version. Expected outcome, not a failure.
	ErrNotFound = errors.New("key not found")

	// ErrConflict is returned when a guard's version check fails at
	// commit. The caller should re-read and retry.
	ErrConflict = errors.New("transaction conflict")

	// ErrLockConflict is returned when a write intent cannot be
	// acquired within the configured timeout. Retry with backoff.
	ErrLockConflict = errors.New("write intent timeout")

	// ErrClosed is returned for operations on a closed engine.
	ErrClosed = errors.New("engine is closed")

	// ErrSnapshotNotFound is returned when reading through a snapshot
	// handle that was never issued or already ended.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)
