// Package errors provides the structured error taxonomy for crossctx.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Fetch errors (git hosting, clone, diff)
//   - 3XX: Parse errors (per file, never fatal to a job)
//   - 4XX: Embedding errors (per batch)
//   - 5XX: Store errors (per file transaction)
//   - 6XX: Validation errors (malformed requests)
//   - 9XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryFetch indicates failures talking to the git-hosting side.
	CategoryFetch Category = "FETCH"
	// CategoryParse indicates that a single file could not be parsed.
	CategoryParse Category = "PARSE"
	// CategoryEmbedding indicates embedding provider failures.
	CategoryEmbedding Category = "EMBEDDING"
	// CategoryStore indicates fragment store failures.
	CategoryStore Category = "STORE"
	// CategoryValidation indicates malformed input.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Fetch errors (200-299)
	ErrCodeFetchTimeout     = "ERR_201_FETCH_TIMEOUT"
	ErrCodeFetchUnavailable = "ERR_202_FETCH_UNAVAILABLE"
	ErrCodeFetchAuth        = "ERR_203_FETCH_AUTH"
	ErrCodeRefNotFound      = "ERR_204_REF_NOT_FOUND"
	ErrCodeFileNotFound     = "ERR_205_FILE_NOT_FOUND"

	// Parse errors (300-399)
	ErrCodeParseFailed   = "ERR_301_PARSE_FAILED"
	ErrCodeParseTimeout  = "ERR_302_PARSE_TIMEOUT"
	ErrCodeFileTooLarge  = "ERR_303_FILE_TOO_LARGE"
	ErrCodeBinaryContent = "ERR_304_BINARY_CONTENT"

	// Embedding errors (400-499)
	ErrCodeEmbeddingRateLimited = "ERR_401_EMBEDDING_RATE_LIMITED"
	ErrCodeEmbeddingUnavailable = "ERR_402_EMBEDDING_UNAVAILABLE"
	ErrCodeEmbeddingTimeout     = "ERR_403_EMBEDDING_TIMEOUT"
	ErrCodeEmbeddingRejected    = "ERR_404_EMBEDDING_REJECTED"
	ErrCodeDimensionMismatch    = "ERR_405_DIMENSION_MISMATCH"
	ErrCodeEmbeddingExhausted   = "ERR_406_EMBEDDING_EXHAUSTED"

	// Store errors (500-599)
	ErrCodeStoreBusy      = "ERR_501_STORE_BUSY"
	ErrCodeStoreWrite     = "ERR_502_STORE_WRITE"
	ErrCodeStoreRead      = "ERR_503_STORE_READ"
	ErrCodeStoreMigration = "ERR_504_STORE_MIGRATION"
	ErrCodeNotFound       = "ERR_505_NOT_FOUND"

	// Validation errors (600-699)
	ErrCodeInvalidInput  = "ERR_601_INVALID_INPUT"
	ErrCodeInvalidRepoID = "ERR_602_INVALID_REPO_ID"
	ErrCodeInvalidPath   = "ERR_603_INVALID_PATH"

	// Internal errors (900-999)
	ErrCodeInternal       = "ERR_901_INTERNAL"
	ErrCodeErrorRate      = "ERR_902_ERROR_RATE_EXCEEDED"
	ErrCodeJobCancelled   = "ERR_903_JOB_CANCELLED"
	ErrCodeCoordinatorOff = "ERR_904_COORDINATOR_CLOSED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// "101" from "ERR_101_CONFIG_NOT_FOUND"
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryFetch
	case '3':
		return CategoryParse
	case '4':
		return CategoryEmbedding
	case '5':
		return CategoryStore
	case '6':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeStoreMigration, ErrCodeFetchAuth, ErrCodeErrorRate, ErrCodeConfigInvalid:
		return SeverityFatal
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	switch categoryFromCode(code) {
	case CategoryParse, CategoryEmbedding:
		// Skipped and counted; the job keeps going.
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeFetchTimeout, ErrCodeFetchUnavailable,
		ErrCodeEmbeddingRateLimited, ErrCodeEmbeddingUnavailable, ErrCodeEmbeddingTimeout,
		ErrCodeStoreBusy, ErrCodeStoreWrite:
		return true
	default:
		return false
	}
}
