// Package errors provides centralized error definitions and error handling utilities
// for concord. It defines the coordination error taxonomy, typed errors with
// context wrapping, and classification helpers.
//
// # Error Taxonomy
//
// Coordination outcomes fall into four categories:
//
//   - Contention (a lock denied, a release by a non-owner): routine, returned
//     as typed results by the filelock package, never as errors.
//   - Staleness (a reclaimed lock, sweep results): informational, returned as
//     typed results and logged at WARN.
//   - Integrity (corrupt record, corrupt log, non-atomic filesystem): fatal to
//     the operation in progress. These are the only errors that abort.
//   - Absence (record already gone): success for idempotent operations.
//
// The typed errors below carry integrity and invariant failures:
//   - StorageError: a read or write against the coordination store failed
//   - InstanceError: an operation referenced an instance that cannot act
//   - LockError: a lock operation failed outside of normal contention
//   - ValidationError: invalid input
//
// # Usage
//
//	err := errors.NewStorageError("decode record", errors.ErrCorruptRecord).WithKey("locks/a.json")
//
//	if errors.IsIntegrity(err) { ... }
//	if errors.Is(err, errors.ErrNoInstance) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is   = errors.Is
	As   = errors.As
	New  = errors.New
	Join = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Integrity sentinel errors. Any error wrapping one of these aborts the
// calling operation.
var (
	// ErrCorruptRecord indicates a stored record could not be decoded.
	ErrCorruptRecord = New("corrupt record")
	// ErrCorruptLog indicates the decision log contains an unreadable entry.
	ErrCorruptLog = New("corrupt decision log")
	// ErrAtomicRenameUnsupported indicates the coordination directory lives on
	// a filesystem without atomic rename or hard link support.
	ErrAtomicRenameUnsupported = New("filesystem does not support atomic rename")
)

// Instance-related sentinel errors
var (
	// ErrInstanceNotFound indicates that an instance record does not exist.
	ErrInstanceNotFound = New("instance not found")
	// ErrNoInstance indicates that no instance ID was supplied for an
	// operation that needs one.
	ErrNoInstance = New("no instance id; run 'concord instance register' first")
)

// General sentinel errors
var (
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// ConcordError is the base interface for all concord errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type ConcordError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// formatPrefixed renders "<kind> [k=v, ...]: message: cause".
func formatPrefixed(kind string, parts []string, message string, cause error) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// StorageError represents a failed read or write against the coordination store.
//
// Example:
//
//	err := errors.NewStorageError("decode record", errors.ErrCorruptRecord).WithKey("instances/a.json")
//	fmt.Println(err) // "storage error [key=instances/a.json]: decode record: corrupt record"
type StorageError struct {
	baseError
	Key string
}

// NewStorageError creates a new StorageError. Errors wrapping an integrity
// sentinel are marked critical.
func NewStorageError(message string, cause error) *StorageError {
	severity := SeverityError
	if isIntegritySentinel(cause) {
		severity = SeverityCritical
	}
	return &StorageError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: severity,
		},
	}
}

// WithKey adds the storage key to the error context.
func (e *StorageError) WithKey(key string) *StorageError {
	e.Key = key
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *StorageError) WithRetryable(r bool) *StorageError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *StorageError) Error() string {
	var parts []string
	if e.Key != "" {
		parts = append(parts, fmt.Sprintf("key=%s", e.Key))
	}
	return formatPrefixed("storage error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *StorageError) Is(target error) bool {
	if _, ok := target.(*StorageError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// InstanceError represents an operation against an instance that cannot act,
// typically because its registry record is gone.
type InstanceError struct {
	baseError
	InstanceID string
}

// NewInstanceError creates a new InstanceError.
func NewInstanceError(message string, cause error) *InstanceError {
	return &InstanceError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityWarning,
		},
	}
}

// WithInstanceID adds an instance ID to the error context.
func (e *InstanceError) WithInstanceID(id string) *InstanceError {
	e.InstanceID = id
	return e
}

// Error returns the formatted error message.
func (e *InstanceError) Error() string {
	var parts []string
	if e.InstanceID != "" {
		parts = append(parts, fmt.Sprintf("instance=%s", e.InstanceID))
	}
	return formatPrefixed("instance error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *InstanceError) Is(target error) bool {
	if _, ok := target.(*InstanceError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// LockError represents a lock operation that failed for reasons other than
// ordinary contention, such as a lost reclaim race surfaced to a waiting caller.
type LockError struct {
	baseError
	Resource string
	Owner    string
	Reason   string
}

// NewLockError creates a new LockError.
func NewLockError(message string, cause error) *LockError {
	return &LockError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityWarning,
			retryable: true,
		},
	}
}

// WithResource adds the resource key to the error context.
func (e *LockError) WithResource(resource string) *LockError {
	e.Resource = resource
	return e
}

// WithOwner adds the current owner and its declared reason.
func (e *LockError) WithOwner(owner, reason string) *LockError {
	e.Owner = owner
	e.Reason = reason
	return e
}

// Error returns the formatted error message.
func (e *LockError) Error() string {
	var parts []string
	if e.Resource != "" {
		parts = append(parts, fmt.Sprintf("resource=%s", e.Resource))
	}
	if e.Owner != "" {
		parts = append(parts, fmt.Sprintf("owner=%s", e.Owner))
	}
	if e.Reason != "" {
		parts = append(parts, fmt.Sprintf("reason=%q", e.Reason))
	}
	return formatPrefixed("lock error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *LockError) Is(target error) bool {
	if _, ok := target.(*LockError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("category cannot be empty")
//	err = err.WithField("category").WithValue("")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:   message,
			severity:  SeverityWarning,
			retryable: false,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return formatPrefixed("validation error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

func isIntegritySentinel(err error) bool {
	return err != nil && (Is(err, ErrCorruptRecord) ||
		Is(err, ErrCorruptLog) ||
		Is(err, ErrAtomicRenameUnsupported))
}

// IsIntegrity returns true if err signals an integrity failure: a corrupt
// record, a corrupt decision log, or a filesystem that cannot provide atomic
// rename. Callers must abort rather than guess at recovery.
func IsIntegrity(err error) bool {
	return isIntegritySentinel(err)
}

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var concordErr ConcordError
	if As(err, &concordErr) {
		return concordErr.IsRetryable()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement ConcordError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var concordErr ConcordError
	if As(err, &concordErr) {
		return concordErr.Severity()
	}
	if isIntegritySentinel(err) {
		return SeverityCritical
	}
	return SeverityError
}
