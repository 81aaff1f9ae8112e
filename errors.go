package jobservice

import "errors"

var (
	// Store errors.
	ErrNoStore          = errors.New("jobservice: no store configured")
	ErrStoreClosed      = errors.New("jobservice: store closed")
	ErrStoreUnavailable = errors.New("jobservice: store unavailable")
	ErrMigrationFailed  = errors.New("jobservice: migration failed")

	// Not found errors.
	ErrJobNotFound = errors.New("jobservice: job not found")
	ErrNoHandler   = errors.New("jobservice: no handler registered for job type")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("jobservice: job already exists")

	// ErrStaleState is returned by conditional writes whose expected
	// revision no longer matches the stored record. It means another
	// actor won the race; callers treat it as "already handled".
	ErrStaleState = errors.New("jobservice: stale job revision")

	// ErrScopeLocked is returned when leasing an exclusive job while a
	// sibling of the same scope holds a live exclusive lease.
	ErrScopeLocked = errors.New("jobservice: scope locked by exclusive job")

	// ErrLeaseExpired is returned when a worker reports the outcome of a
	// job whose lease it no longer holds. The report is discarded.
	ErrLeaseExpired = errors.New("jobservice: job lease expired")

	// State errors.
	ErrInvalidShape  = errors.New("jobservice: invalid shape transition")
	ErrJobRejected   = errors.New("jobservice: job rejected by processor")
	ErrInvalidRepeat = errors.New("jobservice: invalid repeat expression")
)
