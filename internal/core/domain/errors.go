// Package domain defines the error taxonomy shared by the undo core.
package domain

import (
	"errors"
	"fmt"
)

// DomainError represents an undo-core error with a structured error code.
type DomainError struct {
	Code    string // Error code (e.g., "UC-CKPT-5001")
	Message string // Human-readable message
	Details string // Optional additional details
	Cause   error  // Underlying error (if any)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is() support for error comparison.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// WithDetailf is WithDetails with a format string.
func (e *DomainError) WithDetailf(format string, args ...any) *DomainError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// Wrap wraps an error with this domain error as the cause.
func (e *DomainError) Wrap(cause error) *DomainError {
	return e.WithCause(cause)
}

// IsDomainError checks if an error is a DomainError with the given code.
// If code is empty, it only checks if the error is a DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		if code == "" {
			return true
		}
		return de.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error if it's a DomainError.
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// ============================================================================
// Checkpoint Errors (CKPT)
// ============================================================================

var (
	// ErrFileAccess indicates a checkpoint file could not be opened, synced,
	// closed or unlinked.
	ErrFileAccess = NewDomainError("UC-CKPT-5001", "could not access checkpoint file")

	// ErrShortTransfer indicates fewer bytes were read or written than requested.
	ErrShortTransfer = NewDomainError("UC-CKPT-5002", "short checkpoint transfer")

	// ErrCorruptedCheckpoint indicates the checkpoint checksum did not match.
	ErrCorruptedCheckpoint = NewDomainError("UC-CKPT-5003", "checkpoint file contains incorrect checksum")

	// ErrCheckpointIO indicates the underlying read or write call failed.
	ErrCheckpointIO = NewDomainError("UC-CKPT-5004", "checkpoint i/o error")
)

// ============================================================================
// Undo Record Set Errors (UNDO)
// ============================================================================

var (
	// ErrInvalidArgument indicates an invalid argument, such as an unknown
	// persistence level.
	ErrInvalidArgument = NewDomainError("UC-UNDO-4000", "invalid argument")

	// ErrNoActiveSet indicates there is no open record set in the slot.
	ErrNoActiveSet = NewDomainError("UC-UNDO-4040", "no active undo record set")

	// ErrAlreadyActive indicates a record set is already open in the slot.
	ErrAlreadyActive = NewDomainError("UC-UNDO-4090", "an undo record set is already active")

	// ErrInvalidState indicates a record set operation out of protocol order.
	ErrInvalidState = NewDomainError("UC-UNDO-4091", "undo record set in wrong state")

	// ErrSpaceExhausted indicates no undo log space could be reserved.
	ErrSpaceExhausted = NewDomainError("UC-UNDO-5070", "undo log space exhausted")

	// ErrShmemExhausted indicates a shared memory region is too small.
	ErrShmemExhausted = NewDomainError("UC-UNDO-5071", "out of shared memory")
)

// ============================================================================
// Replay Errors (REDO)
// ============================================================================

var (
	// ErrUnknownOperation indicates a log record carries an op code the
	// resource manager does not know.
	ErrUnknownOperation = NewDomainError("UC-REDO-5000", "unknown op code during replay")

	// ErrUnknownResourceManager indicates a log record names no registered
	// resource manager.
	ErrUnknownResourceManager = NewDomainError("UC-REDO-5001", "unknown resource manager")
)

// ============================================================================
// Control File Errors (CTRL)
// ============================================================================

var (
	// ErrControlCorrupted indicates the control file failed verification.
	ErrControlCorrupted = NewDomainError("UC-CTRL-5001", "control file corrupted")
)

// ============================================================================
// Backup Errors (BKUP)
// ============================================================================

var (
	// ErrBackupInProgress indicates a backup is already running.
	ErrBackupInProgress = NewDomainError("UC-BKUP-4090", "a backup is already in progress")

	// ErrNoBackup indicates no backup is running.
	ErrNoBackup = NewDomainError("UC-BKUP-4040", "no backup in progress")
)
