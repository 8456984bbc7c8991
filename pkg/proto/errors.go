package proto

import (
	"errors"
)

var (
	// ErrMirrorNotFound is returned when a mirror is not found.
	ErrMirrorNotFound = errors.New("mirror not found")
	// ErrMirrorExist is returned when a mirror already exists.
	ErrMirrorExist = errors.New("mirror already exists")
	// ErrAttemptNotFound is returned when a sync attempt is not found.
	ErrAttemptNotFound = errors.New("sync attempt not found")
	// ErrAttemptFinalized is returned when finalizing an already finalized
	// attempt.
	ErrAttemptFinalized = errors.New("sync attempt already finalized")
	// ErrAlreadyRunning is returned when a sync is requested for a mirror
	// that is being synced.
	ErrAlreadyRunning = errors.New("sync already running")
	// ErrNotRunning is returned when cancelling a mirror with no sync in
	// flight.
	ErrNotRunning = errors.New("no sync running")
)
