package mailhost

import (
	"errors"
	"fmt"

	"github.com/rbaliyan/mailhost/store"
)

// Sentinel errors for the mailhost package.
// Use errors.Is() to check for these errors.
//
// These errors wrap corresponding store-level errors where applicable,
// so errors.Is(err, mailhost.ErrNotFound) matches both levels.
var (
	// ErrNotFound is returned when a record cannot be found.
	ErrNotFound = fmt.Errorf("mailhost: %w", store.ErrNotFound)

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = fmt.Errorf("mailhost: %w", store.ErrNotConnected)

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = fmt.Errorf("mailhost: %w", store.ErrAlreadyConnected)

	// ErrInvalidID is returned when an invalid ID is provided.
	ErrInvalidID = fmt.Errorf("mailhost: %w", store.ErrInvalidID)

	// ErrDuplicateEntry is returned when a unique constraint is violated.
	ErrDuplicateEntry = fmt.Errorf("mailhost: %w", store.ErrDuplicateEntry)

	// ErrStoreRequired is returned when no store is configured.
	ErrStoreRequired = errors.New("mailhost: store is required")

	// ErrClientRequired is returned when a delegating ingestor has no RPC client.
	ErrClientRequired = errors.New("mailhost: rpc client is required")

	// ErrSessionRequired is returned when a request has no authenticated session.
	ErrSessionRequired = errors.New("mailhost: session with user is required")

	// ErrInvalidRequest is returned for request validation failures.
	ErrInvalidRequest = errors.New("mailhost: invalid request")

	// ErrInternal wraps failures that are neither user-actionable nor
	// protocol conditions.
	ErrInternal = errors.New("mailhost: internal error")
)

// Protocol response codes carried by *ResponseError.
const (
	CodeOverQuota       = "OVERQUOTA"
	CodeTryCreate       = "TRYCREATE"
	CodeNonexistent     = "NONEXISTENT"
	CodeAlreadyExists   = "ALREADYEXISTS"
	CodeMessageTooLarge = "MESSAGETOOLARGE"
	CodeUnsupported     = "UNSUPPORTED"
)

// ResponseError is a condition reported to the client as a protocol
// response code rather than a server failure.
type ResponseError struct {
	Code    string
	Message string
	Err     error
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return "mailhost: [" + e.Code + "]"
	}
	return "mailhost: [" + e.Code + "] " + e.Message
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}

// NewResponseError creates a response error with the given code.
func NewResponseError(code, message string) *ResponseError {
	return &ResponseError{Code: code, Message: message}
}

// ResponseCode returns the protocol response code of err, or "".
func ResponseCode(err error) string {
	var re *ResponseError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsOverQuota reports whether err is an OVERQUOTA response.
func IsOverQuota(err error) bool { return ResponseCode(err) == CodeOverQuota }

// IsTryCreate reports whether err is a TRYCREATE response.
func IsTryCreate(err error) bool { return ResponseCode(err) == CodeTryCreate }

// IsNonexistent reports whether err is a NONEXISTENT response.
func IsNonexistent(err error) bool { return ResponseCode(err) == CodeNonexistent }

// IsAlreadyExists reports whether err is an ALREADYEXISTS response.
func IsAlreadyExists(err error) bool { return ResponseCode(err) == CodeAlreadyExists }

// IsMessageTooLarge reports whether err is a MESSAGETOOLARGE response.
func IsMessageTooLarge(err error) bool { return ResponseCode(err) == CodeMessageTooLarge }

// IsRetryableError determines if an error is retryable.
// Returns true for temporary/transient errors, false for permanent errors.
// Response codes are never retryable: the client has to act first.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if ResponseCode(err) != "" {
		return false
	}

	permanentErrors := []error{
		ErrNotFound,
		ErrInvalidID,
		ErrDuplicateEntry,
		ErrStoreRequired,
		ErrClientRequired,
		ErrSessionRequired,
		ErrInvalidRequest,
		store.ErrNotFound,
		store.ErrInvalidID,
		store.ErrDuplicateEntry,
	}
	for _, permErr := range permanentErrors {
		if errors.Is(err, permErr) {
			return false
		}
	}

	retryableErrors := []error{
		ErrNotConnected,
		store.ErrNotConnected,
		store.ErrTransactionFailed,
	}
	for _, retryErr := range retryableErrors {
		if errors.Is(err, retryErr) {
			return true
		}
	}

	// Unknown errors are usually transient network or timeout issues.
	return true
}

// ValidationError provides details about a validation failure.
type ValidationError struct {
	Field   string // The field that failed validation
	Message string // Human-readable error message
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("mailhost: validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}

// internalError wraps err so that errors.Is(err, ErrInternal) holds while
// the cause stays inspectable.
func internalError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInternal, op, err)
}
