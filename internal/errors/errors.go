package errors

import (
	stderrors "errors"
	"fmt"
)

// CtxError is the structured error type for crossctx.
// It carries enough context to decide between retrying, skipping and failing a job.
type CtxError struct {
	// Code is the unique error code (e.g., "ERR_301_PARSE_FAILED").
	Code string

	// Message is the human-readable error message.
	Message string

	Category Category
	Severity Severity

	// Details contains additional context as key-value pairs (repo, path, batch).
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the operator.
	Suggestion string
}

// Error implements the error interface.
func (e *CtxError) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *CtxError) Unwrap() error {
	return e.Cause
}

// Is matches by code so errors.Is(err, New(code, "", nil)) works.
func (e *CtxError) Is(target error) bool {
	if t, ok := target.(*CtxError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *CtxError) WithDetail(key, value string) *CtxError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the operator.
func (e *CtxError) WithSuggestion(suggestion string) *CtxError {
	e.Suggestion = suggestion
	return e
}

// AsRetryable overrides the retryable flag derived from the code.
func (e *CtxError) AsRetryable(retryable bool) *CtxError {
	e.Retryable = retryable
	return e
}

// New creates a new CtxError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *CtxError {
	return &CtxError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a CtxError from an existing error.
func Wrap(code string, err error) *CtxError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// FetchError creates an error for the git-hosting collaborator.
// Fetch errors are retryable unless the code says otherwise.
func FetchError(message string, cause error) *CtxError {
	return New(ErrCodeFetchUnavailable, message, cause)
}

// ParseError creates a per-file parse error.
func ParseError(path string, cause error) *CtxError {
	return New(ErrCodeParseFailed, "failed to parse file", cause).WithDetail("path", path)
}

// EmbeddingError creates a per-batch embedding error.
func EmbeddingError(code string, message string, cause error) *CtxError {
	return New(code, message, cause)
}

// StoreError creates a fragment store error.
func StoreError(message string, cause error) *CtxError {
	return New(ErrCodeStoreWrite, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *CtxError {
	return New(ErrCodeInvalidInput, message, cause)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *CtxError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *CtxError {
	return New(ErrCodeInternal, message, cause)
}

// As finds the first CtxError in err's chain.
func As(err error) (*CtxError, bool) {
	var ce *CtxError
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsRetryable reports whether any CtxError in the chain is retryable.
func IsRetryable(err error) bool {
	if ce, ok := As(err); ok {
		return ce.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
func IsFatal(err error) bool {
	if ce, ok := As(err); ok {
		return ce.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code, or "" when err is not a CtxError.
func GetCode(err error) string {
	if ce, ok := As(err); ok {
		return ce.Code
	}
	return ""
}

// GetCategory extracts the category, or "" when err is not a CtxError.
func GetCategory(err error) Category {
	if ce, ok := As(err); ok {
		return ce.Category
	}
	return ""
}

// IsCategory reports whether err carries a CtxError of the given category.
func IsCategory(err error, c Category) bool {
	return GetCategory(err) == c
}
