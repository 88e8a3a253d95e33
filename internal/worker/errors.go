package worker

import (
	"errors"
	"fmt"
)

// SchedulerError represents an error surfaced by the overlap scheduler.
//
// Scheduler errors fall into three groups:
//   - Usage errors: duplicate or unknown batch ids, unknown logits handles,
//     invalid batch shapes. Local, synchronous, never retried.
//   - Compute failure: the backend failed mid-batch. Fatal to the worker;
//     every affected waiter receives the error instead of hanging.
//   - Worker stopped: the consumer loop is no longer running and the batch
//     was either rejected at submission or drained unprocessed.
type SchedulerError struct {
	// Code identifies the error category.
	Code SchedulerErrorCode

	// Message is a human-readable description.
	Message string

	// BatchID identifies the affected batch, when known.
	BatchID BatchID

	// Ref is the offending placeholder reference (for UNRESOLVED_REFERENCE).
	Ref Token

	// Err is the underlying cause (for COMPUTE_FAILED and WORKER_STOPPED).
	Err error
}

// SchedulerErrorCode categorizes scheduler errors.
type SchedulerErrorCode string

const (
	// ErrCodeDuplicateBatchID indicates a batch id was submitted while its
	// previous completion entry is still live.
	ErrCodeDuplicateBatchID SchedulerErrorCode = "DUPLICATE_BATCH_ID"

	// ErrCodeUnknownBatchID indicates a signal or pickup for a batch id
	// with no live completion entry (never registered, or already consumed).
	ErrCodeUnknownBatchID SchedulerErrorCode = "UNKNOWN_BATCH_ID"

	// ErrCodeUnknownLogitsHandle indicates a logits pickup for a handle
	// with no published output.
	ErrCodeUnknownLogitsHandle SchedulerErrorCode = "UNKNOWN_LOGITS_HANDLE"

	// ErrCodeUnresolvedReference indicates a resolution-table read of a slot
	// never written. This is a scheduling-order bug, not a runtime condition.
	ErrCodeUnresolvedReference SchedulerErrorCode = "UNRESOLVED_REFERENCE"

	// ErrCodeComputeFailed indicates the backend failed during the forward
	// pass. Fatal to the worker's consumer loop.
	ErrCodeComputeFailed SchedulerErrorCode = "COMPUTE_FAILED"

	// ErrCodeWorkerStopped indicates the consumer loop is not running.
	ErrCodeWorkerStopped SchedulerErrorCode = "WORKER_STOPPED"

	// ErrCodeInvalidBatch indicates a malformed batch (size < 1, empty id).
	ErrCodeInvalidBatch SchedulerErrorCode = "INVALID_BATCH"
)

// Error implements the error interface.
func (e *SchedulerError) Error() string {
	if e.BatchID != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s (batch=%s): %v", e.Code, e.Message, e.BatchID, e.Err)
	}
	if e.BatchID != "" {
		return fmt.Sprintf("%s: %s (batch=%s)", e.Code, e.Message, e.BatchID)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *SchedulerError) Unwrap() error {
	return e.Err
}

// hasCode reports whether err is a SchedulerError with the given code.
// Uses errors.As to handle wrapped errors.
func hasCode(err error, code SchedulerErrorCode) bool {
	var se *SchedulerError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsDuplicateBatchID reports whether the error is a duplicate batch id error.
func IsDuplicateBatchID(err error) bool { return hasCode(err, ErrCodeDuplicateBatchID) }

// IsUnknownBatchID reports whether the error is an unknown batch id error.
func IsUnknownBatchID(err error) bool { return hasCode(err, ErrCodeUnknownBatchID) }

// IsUnknownLogitsHandle reports whether the error is an unknown logits handle error.
func IsUnknownLogitsHandle(err error) bool { return hasCode(err, ErrCodeUnknownLogitsHandle) }

// IsUnresolvedReference reports whether the error is an unresolved reference error.
func IsUnresolvedReference(err error) bool { return hasCode(err, ErrCodeUnresolvedReference) }

// IsComputeFailed reports whether the error is a backend compute failure.
func IsComputeFailed(err error) bool { return hasCode(err, ErrCodeComputeFailed) }

// IsWorkerStopped reports whether the error indicates a stopped worker.
func IsWorkerStopped(err error) bool { return hasCode(err, ErrCodeWorkerStopped) }

// NewDuplicateBatchIDError creates a SchedulerError for batch id reuse.
func NewDuplicateBatchIDError(bid BatchID) *SchedulerError {
	return &SchedulerError{
		Code:    ErrCodeDuplicateBatchID,
		Message: "batch id already registered and unconsumed",
		BatchID: bid,
	}
}

// NewUnknownBatchIDError creates a SchedulerError for a missing completion entry.
func NewUnknownBatchIDError(bid BatchID) *SchedulerError {
	return &SchedulerError{
		Code:    ErrCodeUnknownBatchID,
		Message: "no live completion entry for batch id",
		BatchID: bid,
	}
}

// NewUnknownLogitsHandleError creates a SchedulerError for a missing logits entry.
func NewUnknownLogitsHandleError(handle LogitsHandle) *SchedulerError {
	return &SchedulerError{
		Code:    ErrCodeUnknownLogitsHandle,
		Message: fmt.Sprintf("no published logits for handle %s", handle),
	}
}

// NewUnresolvedReferenceError creates a SchedulerError for a read-before-write.
func NewUnresolvedReferenceError(ref Token) *SchedulerError {
	return &SchedulerError{
		Code:    ErrCodeUnresolvedReference,
		Message: fmt.Sprintf("resolution table slot %d read before write", -ref),
		Ref:     ref,
	}
}

// NewComputeError creates a SchedulerError wrapping a backend failure.
func NewComputeError(bid BatchID, err error) *SchedulerError {
	return &SchedulerError{
		Code:    ErrCodeComputeFailed,
		Message: "backend forward pass failed",
		BatchID: bid,
		Err:     err,
	}
}

// NewWorkerStoppedError creates a SchedulerError for a stopped consumer loop.
func NewWorkerStoppedError(bid BatchID, cause error) *SchedulerError {
	return &SchedulerError{
		Code:    ErrCodeWorkerStopped,
		Message: "worker consumer loop is not running",
		BatchID: bid,
		Err:     cause,
	}
}

// NewInvalidBatchError creates a SchedulerError for a malformed batch.
func NewInvalidBatchError(bid BatchID, reason string) *SchedulerError {
	return &SchedulerError{
		Code:    ErrCodeInvalidBatch,
		Message: reason,
		BatchID: bid,
	}
}
