package maas

import (
	"errors"
	"fmt"
)

// ErrorKind is the tagged-sum of error kinds from spec.md §7.
type ErrorKind string

const (
	// Validation
	ErrInvalidArgument ErrorKind = "InvalidArgument"
	ErrDuplicate       ErrorKind = "Duplicate"
	ErrNotFound        ErrorKind = "NotFound"

	// State
	ErrWrongStatus     ErrorKind = "WrongStatus"
	ErrBundleStale     ErrorKind = "BundleStale"
	ErrCapacityDenied  ErrorKind = "CapacityDenied"

	// Concurrency
	ErrCancelled ErrorKind = "Cancelled"
	ErrTimeout   ErrorKind = "Timeout"

	// Ledger
	ErrConnectFail   ErrorKind = "ConnectFail"
	ErrRevert        ErrorKind = "Revert"
	ErrGasExceeds    ErrorKind = "GasExceeds"
	ErrNonceGap      ErrorKind = "NonceGap"
	ErrRpcTransient  ErrorKind = "RpcTransient"
	ErrRpcFailed     ErrorKind = "RpcFailed"

	// Export
	ErrExportFailed ErrorKind = "ExportFailed"
	ErrDuplicateRun ErrorKind = "DuplicateRun"
)

// Error is the structured result type every public operation returns on
// failure: kind, human message, optional cause. Store-internal invariant
// violations panic instead of returning an Error (spec.md §7).
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an *Error with no cause.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an *Error carrying a cause.
func WrapError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the ErrorKind from err if it is (or wraps) a *Error.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
