package session

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by session and pool operations.
var (
	// ErrBusy means another blocking operation (exec, snapshot,
	// restore, reset) is outstanding on the session.
	ErrBusy = errors.New("session busy: another operation is in flight")

	// ErrCancelled means the caller dropped the operation handle; the
	// kernel performs no further action beyond cleanup.
	ErrCancelled = errors.New("operation cancelled")

	// ErrSnapshotUnsupported means the interpreter reported it cannot
	// serialize its namespace. Recoverable by the caller.
	ErrSnapshotUnsupported = errors.New("snapshot unsupported by interpreter")

	// ErrInitTimeout means the interpreter never sent ready.
	ErrInitTimeout = errors.New("interpreter never sent ready")

	// ErrClosed marks a clean, caller-requested shutdown.
	ErrClosed = errors.New("session closed")

	// ErrPoolExhausted means the manager could not grant a session
	// within its deadline.
	ErrPoolExhausted = errors.New("session pool exhausted")
)

// DeadError wraps the original cause of a session's death. Every
// operation on (or pending during the death of) a dead session fails
// with this error.
type DeadError struct {
	Cause error
}

func (e *DeadError) Error() string {
	return fmt.Sprintf("session dead: %v", e.Cause)
}

func (e *DeadError) Unwrap() error { return e.Cause }

// ChildExitError records the subprocess exit status when it dies under
// the session.
type ChildExitError struct {
	Status int
}

func (e *ChildExitError) Error() string {
	return fmt.Sprintf("child exited with status %d", e.Status)
}

// RestoreError reports an interpreter-side restore failure.
type RestoreError struct {
	Reason string
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore failed: %s", e.Reason)
}
