// Package errors defines the categorized error type shared by all engine
// components. Every error that crosses a package boundary is an *EngineError
// carrying a category, a stable code, optional context values and a stack
// trace captured at creation time.
package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	// CategoryMapping covers per-record normalization failures. These are
	// recoverable: the row is skipped and counted toward the skip ratio.
	CategoryMapping ErrorCategory = "mapping"
	// CategoryDataQuality covers run-level failures caused by too many bad
	// rows. Fatal for the run.
	CategoryDataQuality ErrorCategory = "data_quality"
	// CategoryRuleConfig covers invalid rule parameters, rejected at rule-set
	// load time before any run starts.
	CategoryRuleConfig ErrorCategory = "rule_config"
	// CategoryCancellation marks a run stopped by external request. Not an
	// engine failure.
	CategoryCancellation ErrorCategory = "cancellation"
	// CategoryIngest covers file access and CSV structure problems.
	CategoryIngest ErrorCategory = "ingest"
	// CategoryInternal covers unexpected engine errors.
	CategoryInternal ErrorCategory = "internal"
)

// ErrorCode represents specific error codes within categories
type ErrorCode string

const (
	// Mapping errors
	CodeMissingColumn   ErrorCode = "missing_column"
	CodeInvalidAmount   ErrorCode = "invalid_amount"
	CodeInvalidDate     ErrorCode = "invalid_date"
	CodeInvalidCurrency ErrorCode = "invalid_currency"
	CodeMissingField    ErrorCode = "missing_field"

	// Data quality errors
	CodeSkipRatioExceeded ErrorCode = "skip_ratio_exceeded"
	CodeEmptyInput        ErrorCode = "empty_input"

	// Rule configuration errors
	CodeInvalidRuleParameter ErrorCode = "invalid_rule_parameter"
	CodeInvalidRuleField     ErrorCode = "invalid_rule_field"
	CodeInvalidRulePattern   ErrorCode = "invalid_rule_pattern"
	CodeDuplicateRuleID      ErrorCode = "duplicate_rule_id"
	CodeEmptyRuleSet         ErrorCode = "empty_rule_set"

	// Cancellation errors
	CodeRunCancelled ErrorCode = "run_cancelled"

	// Ingest errors
	CodeFileNotFound  ErrorCode = "file_not_found"
	CodeInvalidFormat ErrorCode = "invalid_format"
	CodeMissingHeader ErrorCode = "missing_header"

	// Internal errors
	CodeUnexpectedError ErrorCode = "unexpected_error"
	CodeJobNotFound     ErrorCode = "job_not_found"
	CodeJobAlreadyRun   ErrorCode = "job_already_run"
)

// EngineError is the base error type for all engine errors
type EngineError struct {
	Category   ErrorCategory     `json:"category"`
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Context provides additional information about the error
type Context map[string]interface{}

// Error implements the error interface
func (e *EngineError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s (suggestion: %s)", e.Message, e.Suggestion)
	}
	return e.Message
}

// Unwrap returns the underlying cause error
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// GetExitCode returns an appropriate process exit code for the error
func (e *EngineError) GetExitCode() int {
	switch e.Category {
	case CategoryIngest:
		return 2
	case CategoryMapping, CategoryDataQuality:
		return 3
	case CategoryRuleConfig:
		return 4
	case CategoryInternal:
		return 5
	case CategoryCancellation:
		return 6
	default:
		return 1
	}
}

// IsRecoverable reports whether the error may be skipped at row level
// instead of aborting the run.
func (e *EngineError) IsRecoverable() bool {
	return e.Category == CategoryMapping
}

// WithContext adds context information to the error
func (e *EngineError) WithContext(key string, value interface{}) *EngineError {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for fixing the error
func (e *EngineError) WithSuggestion(suggestion string) *EngineError {
	e.Suggestion = suggestion
	return e
}

// New creates a new EngineError
func New(category ErrorCategory, code ErrorCode, message string) *EngineError {
	return &EngineError{
		Category:   category,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Wrap wraps an existing error with EngineError context
func Wrap(err error, category ErrorCategory, code ErrorCode, message string) *EngineError {
	if err == nil {
		return nil
	}

	return &EngineError{
		Category:   category,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

// stackTracer interface for extracting stack traces
type stackTracer interface {
	StackTrace() errors.StackTrace
}

// MappingError creates a per-record normalization error. The row carrying
// it is skipped and counted toward the run's skip ratio.
func MappingError(code ErrorCode, field string, value interface{}, err error) *EngineError {
	var message string
	var suggestion string

	switch code {
	case CodeMissingColumn:
		message = fmt.Sprintf("no source column mapped for required field '%s'", field)
		suggestion = "add a column mapping for this field in the mapping spec"
	case CodeInvalidAmount:
		message = fmt.Sprintf("cannot parse amount in field '%s': %v", field, value)
		suggestion = "check the number format configuration (decimal and thousands separators)"
	case CodeInvalidDate:
		message = fmt.Sprintf("cannot parse date in field '%s': %v", field, value)
		suggestion = "add the source's date layout to the mapping spec"
	case CodeInvalidCurrency:
		message = fmt.Sprintf("unknown currency code in field '%s': %v", field, value)
		suggestion = "use an ISO 4217 currency code or set a default currency for the source"
	case CodeMissingField:
		message = fmt.Sprintf("required field '%s' is missing or empty", field)
		suggestion = "provide a value for this required field"
	default:
		message = fmt.Sprintf("cannot normalize field '%s': %v", field, value)
		suggestion = "check the field value against the mapping spec"
	}

	var result *EngineError
	if err != nil {
		result = Wrap(err, CategoryMapping, code, message)
	} else {
		result = New(CategoryMapping, code, message)
	}

	return result.
		WithSuggestion(suggestion).
		WithContext("field", field).
		WithContext("value", value)
}

// DataQualityError creates a run-fatal data quality error.
func DataQualityError(code ErrorCode, skipped, total int) *EngineError {
	var message string
	var suggestion string

	switch code {
	case CodeSkipRatioExceeded:
		message = fmt.Sprintf("skipped %d of %d rows, exceeding the configured ceiling", skipped, total)
		suggestion = "fix the malformed rows or raise the skip ceiling if the data is expected to be dirty"
	case CodeEmptyInput:
		message = "no usable rows remained after normalization"
		suggestion = "check the input files and mapping configuration"
	default:
		message = fmt.Sprintf("data quality check failed (%d of %d rows skipped)", skipped, total)
		suggestion = "review the skip log for per-row details"
	}

	return New(CategoryDataQuality, code, message).
		WithSuggestion(suggestion).
		WithContext("skipped_rows", skipped).
		WithContext("total_rows", total)
}

// RuleConfigurationError creates a rule-set load error. Rule sets with
// invalid parameters are rejected before any run starts.
func RuleConfigurationError(code ErrorCode, ruleID string, detail string) *EngineError {
	var message string
	var suggestion string

	switch code {
	case CodeInvalidRuleParameter:
		message = fmt.Sprintf("rule '%s' has an invalid parameter: %s", ruleID, detail)
		suggestion = "fuzzy thresholds must be within [0,1] and tolerances must be non-negative"
	case CodeInvalidRuleField:
		message = fmt.Sprintf("rule '%s' references an invalid field: %s", ruleID, detail)
		suggestion = "use one of: amount, date, reference_id, custom"
	case CodeInvalidRulePattern:
		message = fmt.Sprintf("rule '%s' has an invalid regex pattern: %s", ruleID, detail)
		suggestion = "check the pattern against Go regexp syntax"
	case CodeDuplicateRuleID:
		message = fmt.Sprintf("duplicate rule id '%s'", ruleID)
		suggestion = "rule ids must be unique within a rule set"
	case CodeEmptyRuleSet:
		message = "rule set contains no active rules"
		suggestion = "add at least one active rule before starting a run"
	default:
		message = fmt.Sprintf("invalid configuration for rule '%s': %s", ruleID, detail)
		suggestion = "check the rule set definition"
	}

	return New(CategoryRuleConfig, code, message).
		WithSuggestion(suggestion).
		WithContext("rule_id", ruleID)
}

// CancellationError creates an error for a run stopped by external request.
func CancellationError(jobID string, stage string) *EngineError {
	return New(CategoryCancellation, CodeRunCancelled,
		fmt.Sprintf("run for job '%s' cancelled during %s", jobID, stage)).
		WithSuggestion("results for partitions completed before cancellation were retained").
		WithContext("job_id", jobID).
		WithContext("stage", stage)
}

// IngestError creates a file ingestion error.
func IngestError(code ErrorCode, path string, err error) *EngineError {
	var message string
	var suggestion string

	switch code {
	case CodeFileNotFound:
		message = fmt.Sprintf("file not found: %s", path)
		suggestion = "check if the file path is correct and the file exists"
	case CodeInvalidFormat:
		message = fmt.Sprintf("file is not valid CSV: %s", path)
		suggestion = "check the delimiter configuration and file encoding"
	case CodeMissingHeader:
		message = fmt.Sprintf("file has no header row: %s", path)
		suggestion = "the first row must name the source columns"
	default:
		message = fmt.Sprintf("cannot read file: %s", path)
		suggestion = "check the file and try again"
	}

	var result *EngineError
	if err != nil {
		result = Wrap(err, CategoryIngest, code, message)
	} else {
		result = New(CategoryIngest, code, message)
	}

	return result.
		WithSuggestion(suggestion).
		WithContext("file_path", path)
}

// InternalError creates an internal error
func InternalError(code ErrorCode, operation string, err error) *EngineError {
	var message string
	var suggestion string

	switch code {
	case CodeJobNotFound:
		message = fmt.Sprintf("no run registered for job during %s", operation)
		suggestion = "start the run before querying status, events or exceptions"
	case CodeJobAlreadyRun:
		message = fmt.Sprintf("a run already exists for this job (%s)", operation)
		suggestion = "use a new job id; completed runs are immutable"
	default:
		message = fmt.Sprintf("unexpected error during %s", operation)
		suggestion = "this is likely a bug - please report it with the error details"
	}

	var result *EngineError
	if err != nil {
		result = Wrap(err, CategoryInternal, code, message)
	} else {
		result = New(CategoryInternal, code, message)
	}

	return result.
		WithSuggestion(suggestion).
		WithContext("operation", operation)
}

// SkipLog accumulates recoverable per-row errors during normalization.
// It is the audit record for rows excluded from the canonical sets.
type SkipLog struct {
	Entries []SkipEntry `json:"entries"`
}

// SkipEntry records one skipped row.
type SkipEntry struct {
	Source string       `json:"source"`
	Row    int          `json:"row"`
	Err    *EngineError `json:"error"`
}

// Add appends a skipped row to the log.
func (sl *SkipLog) Add(source string, row int, err *EngineError) {
	sl.Entries = append(sl.Entries, SkipEntry{Source: source, Row: row, Err: err})
}

// Len returns the number of skipped rows.
func (sl *SkipLog) Len() int {
	return len(sl.Entries)
}

// Summary returns a short description of the skipped rows grouped by code.
func (sl *SkipLog) Summary() string {
	if len(sl.Entries) == 0 {
		return "no rows skipped"
	}

	byCode := make(map[ErrorCode]int)
	for _, entry := range sl.Entries {
		byCode[entry.Err.Code]++
	}

	parts := make([]string, 0, len(byCode))
	for code, count := range byCode {
		parts = append(parts, fmt.Sprintf("%s: %d", code, count))
	}

	return fmt.Sprintf("%d rows skipped (%s)", len(sl.Entries), strings.Join(parts, ", "))
}

// IsEngineError checks if an error is an EngineError
func IsEngineError(err error) bool {
	_, ok := err.(*EngineError)
	return ok
}

// AsEngineError extracts an EngineError from an error chain
func AsEngineError(err error) (*EngineError, bool) {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr, true
	}
	return nil, false
}

// HasCategory reports whether err is an EngineError of the given category.
func HasCategory(err error, category ErrorCategory) bool {
	if engineErr, ok := AsEngineError(err); ok {
		return engineErr.Category == category
	}
	return false
}
