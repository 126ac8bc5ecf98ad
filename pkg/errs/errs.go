// Package errs defines the structured error taxonomy shared by every
// component of the volume driver. Components return these values instead
// of panicking or using exceptions for control flow; background workers
// convert them to a task status at the task boundary.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can decide whether to retry,
// surface it to the user, or halt the volume.
type Kind string

const (
	// InvalidArgument covers bad alignment, bad length, unknown snapshot,
	// empty IDs. Reported to the caller, never retried.
	InvalidArgument Kind = "invalid_argument"

	// BackendTransient covers timeouts and 5xx-like backend responses.
	// Retried with exponential backoff by BackendTaskRunner and
	// GarbageCollector.
	BackendTransient Kind = "backend_transient"

	// BackendPermanent covers object-not-found, namespace-vanished, and
	// checksum-mismatch conditions. Fatal to the specific operation.
	BackendPermanent Kind = "backend_permanent"

	// FailOverCache marks an error from the DTL bridge. The operation
	// still succeeds locally; the volume transitions to Degraded.
	FailOverCache Kind = "failover_cache"

	// Halting marks an invariant breach (TLog write failure, DataStore
	// corruption). The volume halts and rejects further I/O.
	Halting Kind = "halting"

	// ScrubApply covers ScrubIdMismatch, SnapshotGone, and
	// MetaDataStoreCorrupt conditions raised while applying scrub work.
	ScrubApply Kind = "scrub_apply"
)

// Error is the structured error value every component returns.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind for operation op.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind carried by err, or "" if err does not wrap an
// *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether a component may retry the operation that
// produced err. Only BackendTransient errors are retryable; everything
// else is either permanent or requires operator/caller intervention.
func IsRetryable(err error) bool {
	return KindOf(err) == BackendTransient
}

// Sentinel errors for conditions named explicitly by the spec that do not
// carry component-specific context.
var (
	ErrVolumeHalted      = errors.New("volume halted")
	ErrScrubIdMismatch   = errors.New("scrub id mismatch")
	ErrSnapshotGone      = errors.New("snapshot gone")
	ErrMetaDataCorrupt   = errors.New("metadata store corrupt")
	ErrInvalidAlignment  = errors.New("invalid alignment")
	ErrInvalidLength     = errors.New("invalid length")
	ErrUnknownSnapshot   = errors.New("unknown snapshot")
	ErrOwnerTagMismatch  = errors.New("owner tag mismatch")
	ErrNotRegistered     = errors.New("namespace not registered")
	ErrPoisonedBacklog   = errors.New("backend task runner blocked on poisoned task")
)
