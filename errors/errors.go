// Package errors provides the structured error types used across the sync engine.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind string

const (
	// KindNetwork covers connection failures and timeouts. Retryable.
	KindNetwork Kind = "network"

	// KindValidation means the payload is malformed. Terminal.
	KindValidation Kind = "validation"

	// KindPermission means the remote refused the operation. Terminal,
	// but the mutation is retained in the ledger for inspection.
	KindPermission Kind = "permission"

	// KindConflict is a control-flow outcome, not a failure: a pull found
	// remote state diverging from a pending local mutation.
	KindConflict Kind = "conflict"

	// KindCorruption means the local store returned state that cannot be
	// decoded. Fatal: the orchestrator halts rather than fabricate data.
	KindCorruption Kind = "corruption"
)

// Operation identifies the engine step during which an error occurred.
type Operation string

const (
	OpSync      Operation = "sync"
	OpPush      Operation = "push"
	OpPull      Operation = "pull"
	OpStore     Operation = "store"
	OpLoad      Operation = "load"
	OpResolve   Operation = "resolve"
	OpTransport Operation = "transport"
	OpProbe     Operation = "probe"
	OpClose     Operation = "close"
)

// SyncError is the engine-wide error type. It records where an error
// happened and whether resubmission can succeed unchanged.
type SyncError struct {
	// Op is the operation during which the error occurred.
	Op Operation

	// Component that generated the error (e.g. "store", "transport").
	Component string

	// Kind classifies the failure.
	Kind Kind

	// Err is the underlying cause.
	Err error

	// Retryable reports whether a later attempt may succeed unchanged.
	Retryable bool
}

func (e *SyncError) Error() string {
	msg := string(e.Op) + " operation failed"
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	}
	if e.Kind != "" {
		msg += fmt.Sprintf(" [%s]", e.Kind)
	}
	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a retryable network-related SyncError.
func NewNetworkError(op Operation, cause error) *SyncError {
	return &SyncError{Op: op, Component: "transport", Kind: KindNetwork, Err: cause, Retryable: true}
}

// NewValidationError creates a terminal validation SyncError.
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{Op: op, Kind: KindValidation, Err: cause}
}

// NewPermissionError creates a terminal permission SyncError.
func NewPermissionError(op Operation, cause error) *SyncError {
	return &SyncError{Op: op, Component: "transport", Kind: KindPermission, Err: cause}
}

// NewStorageError creates a storage SyncError. Storage failures are
// retryable unless they indicate corruption.
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{Op: op, Component: "store", Kind: "", Err: cause, Retryable: true}
}

// NewCorruptionError creates a fatal corruption SyncError.
func NewCorruptionError(op Operation, cause error) *SyncError {
	return &SyncError{Op: op, Component: "store", Kind: KindCorruption, Err: cause}
}

// New creates a plain SyncError without classification.
func New(op Operation, err error) *SyncError {
	return &SyncError{Op: op, Err: err}
}

// NewWithComponent creates a SyncError carrying component information.
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{Op: op, Component: component, Err: err}
}

// IsRetryable reports whether err is a SyncError that may succeed on a
// later attempt without any change to the data.
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// IsTerminal reports whether err is a SyncError that will not succeed on
// resubmission without a data or permission change.
func IsTerminal(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return !syncErr.Retryable && syncErr.Kind != KindCorruption
	}
	return false
}

// IsCorruption reports whether err indicates local store corruption.
func IsCorruption(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind == KindCorruption
	}
	return false
}

// KindOf returns the Kind of err, or the empty Kind for non-SyncErrors.
func KindOf(err error) Kind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	return ""
}
