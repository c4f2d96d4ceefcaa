package errors

import (
	"errors"
	"fmt"
)

// Error codes for programmatic handling.
const (
	CodeConfigInvalid        = "CONFIG_INVALID"
	CodeNoOpenPair           = "NO_OPEN_PAIR"
	CodeAllocatorUnavailable = "ALLOCATOR_UNAVAILABLE"
	CodeBatchWriteFailed     = "BATCH_WRITE_FAILED"
	CodeStoreUnavailable     = "STORE_UNAVAILABLE"
	CodeProviderError        = "PROVIDER_ERROR"
	CodeAPIKeyMissing        = "API_KEY_MISSING"
	CodeSearchIncomplete     = "SEARCH_INCOMPLETE"
)

// TicketError is a structured error with a code and actionable suggestion.
type TicketError struct {
	Code       string // machine-readable code (e.g. NO_OPEN_PAIR)
	Message    string // human-readable description
	Suggestion string // actionable fix
	ThreadID   string // conversation thread, when the error is thread-scoped
	Attempts   int    // retry attempts made, when the error followed retries
	Err        error  // wrapped underlying error
}

// Error implements the error interface.
func (e *TicketError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.ThreadID != "" {
		msg += fmt.Sprintf(" (thread %s)", e.ThreadID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap supports errors.Is / errors.As.
func (e *TicketError) Unwrap() error {
	return e.Err
}

// New creates a TicketError with the given code and message.
func New(code, message string) *TicketError {
	return &TicketError{Code: code, Message: message}
}

// Wrap creates a TicketError wrapping an existing error.
func Wrap(code, message string, err error) *TicketError {
	return &TicketError{Code: code, Message: message, Err: err}
}

// WithSuggestion returns the error with the suggestion set.
func (e *TicketError) WithSuggestion(suggestion string) *TicketError {
	e.Suggestion = suggestion
	return e
}

// WithThread returns the error with the thread identifier set.
func (e *TicketError) WithThread(threadID string) *TicketError {
	e.ThreadID = threadID
	return e
}

// WithAttempts returns the error with the retry attempt count set.
func (e *TicketError) WithAttempts(n int) *TicketError {
	e.Attempts = n
	return e
}

// Is checks whether target matches this error's code.
func (e *TicketError) Is(target error) bool {
	var te *TicketError
	if errors.As(target, &te) {
		return e.Code == te.Code
	}
	return false
}

// AsCode extracts the TicketError code from an error, or "" if not a TicketError.
func AsCode(err error) string {
	var te *TicketError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// Suggestion extracts the suggestion from an error, or "" if not a TicketError.
func Suggestion(err error) string {
	var te *TicketError
	if errors.As(err, &te) {
		return te.Suggestion
	}
	return ""
}
