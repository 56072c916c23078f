package models

import "fmt"

// ErrorLayer identifies which stage of the pipeline produced an error.
type ErrorLayer string

const (
	LayerSchema    ErrorLayer = "schema"
	LayerSecurity  ErrorLayer = "security"
	LayerSemantic  ErrorLayer = "semantic"
	LayerExecution ErrorLayer = "execution"
	LayerQuota     ErrorLayer = "quota"
)

// ErrorCode is a machine-readable validation error code.
type ErrorCode string

const (
	CodeMissingMetrics        ErrorCode = "MISSING_METRICS"
	CodeUnknownMetric         ErrorCode = "UNKNOWN_METRIC"
	CodeUnknownDimension      ErrorCode = "UNKNOWN_DIMENSION"
	CodeUnknownLevel          ErrorCode = "UNKNOWN_LEVEL"
	CodeUnknownOperator       ErrorCode = "UNKNOWN_OPERATOR"
	CodeUnknownValue          ErrorCode = "UNKNOWN_VALUE"
	CodeValueOutOfRange       ErrorCode = "VALUE_OUT_OF_RANGE"
	CodeValueTooLong          ErrorCode = "VALUE_TOO_LONG"
	CodeInvalidTimeRange      ErrorCode = "INVALID_TIME_RANGE"
	CodeDimensionNotFilter    ErrorCode = "DIMENSION_NOT_FILTERABLE"
	CodeDimensionNoBreakdown  ErrorCode = "DIMENSION_NOT_BREAKABLE"
	CodeIncompatibleDimension ErrorCode = "INCOMPATIBLE_DIMENSION"
	CodeUnboundedComparison   ErrorCode = "UNBOUNDED_COMPARISON"
	CodeQueryTooExpensive     ErrorCode = "QUERY_TOO_EXPENSIVE"
)

// ValidationError is a single validation failure with enough context for
// an actionable user-facing message.
type ValidationError struct {
	Code    ErrorCode  `json:"code"`
	Layer   ErrorLayer `json:"layer"`
	Field   string     `json:"field"`
	Message string     `json:"message"`

	// Suggestion carries the nearest valid alternative when one is
	// computable (e.g. "roas" for an unknown metric "roa"). It is a
	// correction offered to the caller, never a silently applied default.
	Suggestion string `json:"suggestion,omitempty"`
}

// ValidationResult aggregates the outcome of one or more validation
// layers. Validators never return Go errors for rule violations; they
// accumulate them here so the caller can present everything at once.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationError `json:"errors,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

// OK returns a passing result.
func OK() ValidationResult {
	return ValidationResult{Valid: true}
}

// AddError appends an error and marks the result invalid.
func (r *ValidationResult) AddError(e ValidationError) {
	r.Errors = append(r.Errors, e)
	r.Valid = false
}

// AddWarning appends a non-fatal warning.
func (r *ValidationResult) AddWarning(w string) {
	r.Warnings = append(r.Warnings, w)
}

// HasCode reports whether any accumulated error carries the given code.
func (r ValidationResult) HasCode(code ErrorCode) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// Merge concatenates the given results into one. The merged result is
// valid only if every input is.
func Merge(results ...ValidationResult) ValidationResult {
	out := OK()
	for _, r := range results {
		out.Errors = append(out.Errors, r.Errors...)
		out.Warnings = append(out.Warnings, r.Warnings...)
		if !r.Valid {
			out.Valid = false
		}
	}
	return out
}

// CompileError wraps a compilation or execution failure with its taxonomy
// layer. UserMessage is safe to surface to the end user; the wrapped cause
// stays operator-facing.
type CompileError struct {
	Layer       ErrorLayer
	Stage       string
	UserMessage string
	Err         error
}

func (e *CompileError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s: %v", e.Layer, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s/%s: %s", e.Layer, e.Stage, e.UserMessage)
}

func (e *CompileError) Unwrap() error { return e.Err }

// NewExecutionError tags a downstream fetch failure.
func NewExecutionError(stage string, err error) *CompileError {
	return &CompileError{
		Layer:       LayerExecution,
		Stage:       stage,
		UserMessage: "the query could not be executed, please try again",
		Err:         err,
	}
}
