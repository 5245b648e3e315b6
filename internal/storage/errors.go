package storage

import (
	"errors"
	"fmt"
)

// Closed error taxonomy surfaced by the engine. None of these are retried
// internally; retry policy belongs to the caller.
var (
	// ErrNoStorage means the host has no usable storage capability
	// (driver unavailable or the backing path cannot be created).
	// Permanent; retrying will not help.
	ErrNoStorage = errors.New("storage: no database capability available")

	// ErrBlocked means an open or upgrade could not proceed because
	// another connection holds the database. Recoverable once the other
	// handle is closed.
	ErrBlocked = errors.New("storage: open blocked by another connection")

	// ErrMissingMigration means the schema version gap has no defined
	// migration step. This is a programmer/configuration error and aborts
	// the upgrade, leaving the schema unchanged.
	ErrMissingMigration = errors.New("storage: missing migration step")

	// ErrInvalidCall means the caller supplied null or contradictory
	// parameters. Rejected before any I/O is attempted.
	ErrInvalidCall = errors.New("storage: invalid call")

	// ErrClosed means the engine was shut down or destroyed.
	ErrClosed = errors.New("storage: engine closed")
)

// TxError wraps an underlying database error that aborted (or, with
// ContinueOnError, degraded) a transaction.
type TxError struct {
	Op    string
	Store string
	Err   error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("storage: %s on %q failed: %v", e.Op, e.Store, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

func txErr(op, store string, err error) error {
	if err == nil {
		return nil
	}
	return &TxError{Op: op, Store: store, Err: err}
}

func invalidCall(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidCall, fmt.Sprintf(format, args...))
}
