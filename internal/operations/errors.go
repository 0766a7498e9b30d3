package operations

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an asset failure.
type ErrorKind string

const (
	KindExtractionFailed      ErrorKind = "extraction_failed"
	KindSchemaBootstrapFailed ErrorKind = "schema_bootstrap_failed"
	KindLoadFailed            ErrorKind = "load_failed"
	KindModelUnavailable      ErrorKind = "model_unavailable"
	KindValidation            ErrorKind = "validation"
	KindInternal              ErrorKind = "internal"
)

var (
	// ErrDependencyUnsatisfied is returned by Trigger when an upstream key is
	// not yet Success. It describes scheduler state; no record is written.
	ErrDependencyUnsatisfied = errors.New("dependency unsatisfied")

	// ErrCycle is returned by Registry.Build when dependencies form a cycle.
	ErrCycle = errors.New("dependency cycle")

	ErrUnknownAsset     = errors.New("unknown asset")
	ErrInvalidPartition = errors.New("invalid partition")
	ErrNotStarted       = errors.New("scheduler not started")
)

// OperationError is the error type produced by asset bodies and the stages
// they call.
type OperationError struct {
	Kind      ErrorKind `json:"kind"`
	Asset     string    `json:"asset,omitempty"`
	Partition string    `json:"partition,omitempty"`
	Message   string    `json:"message"`
	// Detail carries raw diagnostic output, e.g. process stderr or an HTTP
	// response body, unmodified.
	Detail    string `json:"detail,omitempty"`
	Cause     error  `json:"-"`
	Retryable bool   `json:"retryable"`
}

// Error implements the error interface
func (e *OperationError) Error() string {
	if e == nil {
		return "unknown operation error"
	}
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Asset != "" {
		key := e.Asset
		if e.Partition != "" {
			key += "/" + e.Partition
		}
		msg = fmt.Sprintf("[%s] %s: %s", e.Kind, key, e.Message)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewExtractionError reports a failed source read. detail is stored verbatim.
func NewExtractionError(message, detail string, cause error) *OperationError {
	return &OperationError{
		Kind:      KindExtractionFailed,
		Message:   message,
		Detail:    detail,
		Cause:     cause,
		Retryable: true,
	}
}

// NewSchemaBootstrapError reports a table that could not be created.
func NewSchemaBootstrapError(table string, cause error) *OperationError {
	return &OperationError{
		Kind:      KindSchemaBootstrapFailed,
		Message:   fmt.Sprintf("create table %s", table),
		Cause:     cause,
		Retryable: false,
	}
}

// NewLoadError reports a failed delete+insert transaction.
func NewLoadError(table string, cause error) *OperationError {
	return &OperationError{
		Kind:      KindLoadFailed,
		Message:   fmt.Sprintf("load %s", table),
		Cause:     cause,
		Retryable: true,
	}
}

// NewModelUnavailableError reports a missing model artifact. The scheduler
// treats it as a skip.
func NewModelUnavailableError(key string, cause error) *OperationError {
	return &OperationError{
		Kind:      KindModelUnavailable,
		Message:   fmt.Sprintf("model artifact %s not found", key),
		Cause:     cause,
		Retryable: false,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string) *OperationError {
	return &OperationError{
		Kind:      KindValidation,
		Message:   message,
		Retryable: false,
	}
}

// NewInternalError wraps an unexpected failure
func NewInternalError(message string, cause error) *OperationError {
	return &OperationError{
		Kind:      KindInternal,
		Message:   message,
		Cause:     cause,
		Retryable: false,
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Retryable
	}
	return false
}

// KindOf returns the kind of err. Errors that are not OperationErrors are
// internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	return KindInternal
}

// attach fills in the asset key on err, wrapping foreign errors as internal.
func attach(err error, asset, partition string) *OperationError {
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		opErr = NewInternalError("materialize failed", err)
	} else {
		cp := *opErr
		opErr = &cp
	}
	if opErr.Asset == "" {
		opErr.Asset = asset
	}
	if opErr.Partition == "" {
		opErr.Partition = partition
	}
	return opErr
}

// DependencyError explains why a key is not eligible to run.
type DependencyError struct {
	Asset     string
	Partition string
	Reason    string
}

func (e *DependencyError) Error() string {
	key := e.Asset
	if e.Partition != "" {
		key += "/" + e.Partition
	}
	return fmt.Sprintf("%s: %s: %s", key, ErrDependencyUnsatisfied, e.Reason)
}

func (e *DependencyError) Unwrap() error { return ErrDependencyUnsatisfied }
