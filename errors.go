package sombra

import "errors"

// Sentinel errors matching the taxonomy in spec section 7. Wrap with
// %w so errors.Is still matches through added context.
var (
	// ErrNotFound signals a missing entity id, pointer, or page id.
	// Non-fatal; callers typically treat it as "absent" rather than
	// propagating it as a failure.
	ErrNotFound = errors.New("sombra: not found")

	// ErrInvalidArgument signals caller misuse: bad config, unknown
	// kind, malformed property value, etc.
	ErrInvalidArgument = errors.New("sombra: invalid argument")

	// ErrIO wraps an operating-system I/O failure; the transaction
	// that observed it is rolled back.
	ErrIO = errors.New("sombra: i/o error")

	// ErrCorruption signals a checksum mismatch, impossible on-disk
	// offset, or unknown magic. Fatal to the current open.
	ErrCorruption = errors.New("sombra: corruption detected")

	// ErrConflict is reserved for future conflict detection; Sombra's
	// current write-write policy is last-writer-wins and never
	// returns this today.
	ErrConflict = errors.New("sombra: conflict")

	// ErrTransactionLimitReached is returned by BeginTx when
	// admission control is at capacity.
	ErrTransactionLimitReached = errors.New("sombra: max_concurrent_transactions reached")

	// ErrDatabaseLocked is returned by Open when another process
	// already holds the database's advisory exclusive lock.
	ErrDatabaseLocked = errors.New("sombra: database is locked by another process")

	// ErrCancelled is returned when a transaction was marked for
	// rollback by an external cancellation request.
	ErrCancelled = errors.New("sombra: operation cancelled")

	// ErrClosed is returned by any operation attempted after Close.
	ErrClosed = errors.New("sombra: database is closed")
)
