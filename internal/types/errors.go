package types

import (
	"errors"
	"fmt"
)

const (
	CodeValidation        = "VALIDATION"
	CodeTransientDelivery = "TRANSIENT_DELIVERY"
	CodeWorkerCreation    = "WORKER_CREATION"
	CodeStaleCheckpoint   = "STALE_CHECKPOINT"
	CodeLockTimeout       = "LOCK_TIMEOUT"
	CodeQuotaExceeded     = "QUOTA_EXCEEDED"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeSessionBusy       = "SESSION_BUSY"
	CodeTabNotFound       = "TAB_NOT_FOUND"
	CodeCDPUnavailable    = "CDP_UNAVAILABLE"
	CodeEvalFailure       = "EVAL_FAILURE"
	CodeEvalTimeout       = "EVAL_TIMEOUT"
	CodeExportFailed      = "EXPORT_FAILED"
	CodeCheckpointMissing = "CHECKPOINT_MISSING"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// NewError builds a *CodedError.
func NewError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// HasCode reports whether any error in err's chain is a *CodedError with code.
func HasCode(err error, code string) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}
	return coded.Code == code
}
