// Package errors provides the structured error types used across the sync engine.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a sync failure. The engine routes control flow on Kind:
// critical kinds abort the current phase, KindLockHeld and KindBlocked are
// benign short-circuits, KindSchema feeds the drift circuit breaker.
type Kind string

const (
	KindTransient        Kind = "TRANSIENT"
	KindAuth             Kind = "AUTH"
	KindRateLimit        Kind = "RATE_LIMIT"
	KindServer           Kind = "SERVER"
	KindBadRequest       Kind = "BAD_REQUEST"
	KindSchema           Kind = "SCHEMA"
	KindStorage          Kind = "STORAGE"
	KindIdentityMismatch Kind = "IDENTITY_MISMATCH"
	KindLockHeld         Kind = "LOCK_HELD"
	KindBlocked          Kind = "BLOCKED"
)

// Operation names the sync operation in flight when an error occurred.
type Operation string

const (
	OpSync      Operation = "sync"
	OpPush      Operation = "push"
	OpPull      Operation = "pull"
	OpStore     Operation = "store"
	OpLoad      Operation = "load"
	OpResolve   Operation = "resolve"
	OpTransport Operation = "transport"
	OpLock      Operation = "lock"
	OpCursor    Operation = "cursor"
	OpBlock     Operation = "block"
	OpClose     Operation = "close"
)

// SyncError is the error type produced by every component of the engine.
type SyncError struct {
	// Op is the operation during which the error occurred.
	Op Operation

	// Component that generated the error (e.g. "storage/sqlite", "gateway").
	Component string

	// Kind classifies the failure for control-flow decisions.
	Kind Kind

	// Entity is the collection being synced when the error occurred, if any.
	Entity string

	// Err is the underlying cause.
	Err error

	// Retryable reports whether the next scheduled run may succeed without
	// operator intervention.
	Retryable bool
}

func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s operation failed", e.Op)
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s", e.Op, e.Component)
	}
	if e.Entity != "" {
		msg += fmt.Sprintf(" (entity=%s)", e.Entity)
	}
	if e.Kind != "" {
		msg += fmt.Sprintf(" [%s]", e.Kind)
	}
	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// E builds a SyncError from the given arguments. Arguments are matched by
// type: Operation, Kind, string (component), error. Later arguments of the
// same type overwrite earlier ones.
func E(args ...interface{}) *SyncError {
	e := &SyncError{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Operation:
			e.Op = a
		case Kind:
			e.Kind = a
		case string:
			e.Component = a
		case *SyncError:
			e.Err = a
		case error:
			e.Err = a
		}
	}
	e.Retryable = e.Kind == KindTransient
	return e
}

// New creates a minimal SyncError.
func New(op Operation, err error) *SyncError {
	return &SyncError{Op: op, Err: err}
}

// NewTransient creates a retryable transport-level SyncError. Transient errors
// carry no state change; the next scheduled run retries them.
func NewTransient(op Operation, cause error) *SyncError {
	return &SyncError{Op: op, Component: "gateway", Kind: KindTransient, Err: cause, Retryable: true}
}

// NewStorage creates a local-store SyncError.
func NewStorage(op Operation, cause error) *SyncError {
	return &SyncError{Op: op, Component: "storage", Kind: KindStorage, Err: cause, Retryable: true}
}

// NewSchema creates a per-record validation SyncError.
func NewSchema(op Operation, cause error) *SyncError {
	return &SyncError{Op: op, Kind: KindSchema, Err: cause}
}

// KindOf extracts the Kind from err, or "" if err is not a SyncError.
func KindOf(err error) Kind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsCritical reports whether err belongs to the critical-backend class:
// expired auth, rate limiting, server failure, or a malformed request. A
// critical error aborts the remaining batches of the current phase with no
// in-run retry.
func IsCritical(err error) bool {
	switch KindOf(err) {
	case KindAuth, KindRateLimit, KindServer, KindBadRequest:
		return true
	}
	return false
}

// IsRetryable reports whether err is a retryable SyncError.
func IsRetryable(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// WrapOpComponent wraps err with Op and Component propagation. Returns nil
// for a nil err so call sites can wrap unconditionally.
func WrapOpComponent(err error, op Operation, component string) error {
	if err == nil {
		return nil
	}
	return E(op, component, err)
}
