package models

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
)

// Bounds enforced by the security layer. Out-of-range values are rejected,
// never clamped, so user intent is never silently changed.
const (
	MinBreakdownLimit = 1
	MaxBreakdownLimit = 50

	MinRelativeDays = 1
	MaxRelativeDays = 365

	MaxFilterValueLength = 500

	// Numeric filter values outside this magnitude are rejected.
	MaxNumericFilterValue = 1e12
)

var allowedOperators = map[FilterOperator]bool{
	OpEq: true, OpNe: true,
	OpGt: true, OpLt: true, OpGte: true, OpLte: true,
	OpIn: true, OpContains: true,
}

var numericOperators = map[FilterOperator]bool{
	OpGt: true, OpLt: true, OpGte: true, OpLte: true,
}

// SecurityValidator enforces the allowlist over a candidate query: every
// metric, dimension, operator and literal value must appear in an explicit
// permitted set. It never infers intent — unknowns are rejected, with a
// nearest-match suggestion where one is computable.
//
// Validation is a pure function of the registry and the query; it returns
// a result object and never raises, so the caller can aggregate it with
// the semantic layer.
type SecurityValidator struct {
	reg   *Registry
	clock clockwork.Clock
}

// NewSecurityValidator builds a validator over the given registry. The
// clock defines "today" for time-range checks.
func NewSecurityValidator(reg *Registry, clock clockwork.Clock) *SecurityValidator {
	return &SecurityValidator{reg: reg, clock: clock}
}

// Validate checks every value in the query against the allowlists and
// bounds. All violations are accumulated; nothing short-circuits.
func (v *SecurityValidator) Validate(q SemanticQuery) ValidationResult {
	res := OK()

	v.validateMetrics(q, &res)
	v.validateTimeRange(q.TimeRange, "timeRange", &res)
	if q.Breakdown != nil {
		v.validateBreakdown(*q.Breakdown, &res)
	}
	if q.Comparison != nil {
		v.validateComparison(*q.Comparison, &res)
	}
	for i, f := range q.Filters {
		v.validateFilter(f, fmt.Sprintf("filters[%d]", i), &res)
	}

	return res
}

func (v *SecurityValidator) validateMetrics(q SemanticQuery, res *ValidationResult) {
	if len(q.Metrics) == 0 {
		res.AddError(ValidationError{
			Code:    CodeMissingMetrics,
			Layer:   LayerSchema,
			Field:   "metrics",
			Message: "at least one metric is required",
		})
		return
	}
	for _, key := range q.Metrics {
		if _, ok := v.reg.Metric(key); ok {
			continue
		}
		res.AddError(ValidationError{
			Code:       CodeUnknownMetric,
			Layer:      LayerSecurity,
			Field:      "metrics",
			Message:    fmt.Sprintf("unknown metric %q", key),
			Suggestion: closestMatch(key, v.reg.MetricKeys()),
		})
	}
}

func (v *SecurityValidator) validateTimeRange(t TimeRange, field string, res *ValidationResult) {
	switch {
	case t.IsRelative() && t.IsExplicit():
		res.AddError(ValidationError{
			Code:    CodeInvalidTimeRange,
			Layer:   LayerSchema,
			Field:   field,
			Message: "time range must be relative or explicit, not both",
		})
	case t.IsRelative():
		if t.LastNDays < MinRelativeDays || t.LastNDays > MaxRelativeDays {
			res.AddError(ValidationError{
				Code:  CodeValueOutOfRange,
				Layer: LayerSecurity,
				Field: field + ".lastNDays",
				Message: fmt.Sprintf("lastNDays must be between %d and %d, got %d",
					MinRelativeDays, MaxRelativeDays, t.LastNDays),
			})
		}
	case t.IsExplicit():
		v.validateExplicitRange(t.Start, t.End, field, res)
	default:
		res.AddError(ValidationError{
			Code:    CodeInvalidTimeRange,
			Layer:   LayerSchema,
			Field:   field,
			Message: "time range is required",
		})
	}
}

func (v *SecurityValidator) validateExplicitRange(startStr, endStr, field string, res *ValidationResult) {
	start, errStart := time.ParseInLocation(DateLayout, startStr, time.UTC)
	end, errEnd := time.ParseInLocation(DateLayout, endStr, time.UTC)
	if errStart != nil || errEnd != nil {
		res.AddError(ValidationError{
			Code:    CodeInvalidTimeRange,
			Layer:   LayerSchema,
			Field:   field,
			Message: "start and end must be YYYY-MM-DD dates",
		})
		return
	}
	if end.Before(start) {
		res.AddError(ValidationError{
			Code:    CodeInvalidTimeRange,
			Layer:   LayerSecurity,
			Field:   field,
			Message: fmt.Sprintf("start %s is after end %s", startStr, endStr),
		})
	}
	today := truncateToDay(v.clock.Now())
	if end.After(today) {
		res.AddError(ValidationError{
			Code:    CodeInvalidTimeRange,
			Layer:   LayerSecurity,
			Field:   field + ".end",
			Message: fmt.Sprintf("end %s is in the future", endStr),
		})
	}
}

func (v *SecurityValidator) validateBreakdown(b Breakdown, res *ValidationResult) {
	dim, ok := v.reg.Dimension(b.Dimension)
	if !ok {
		res.AddError(ValidationError{
			Code:    CodeUnknownDimension,
			Layer:   LayerSecurity,
			Field:   "breakdown.dimension",
			Message: fmt.Sprintf("unknown dimension %q", b.Dimension),
		})
		return
	}
	if !dim.Breakdown {
		res.AddError(ValidationError{
			Code:    CodeDimensionNoBreakdown,
			Layer:   LayerSecurity,
			Field:   "breakdown.dimension",
			Message: fmt.Sprintf("dimension %q does not support breakdown", b.Dimension),
		})
	}
	if len(dim.Levels) > 0 {
		if !dim.HasLevel(b.Level) {
			res.AddError(ValidationError{
				Code:       CodeUnknownLevel,
				Layer:      LayerSecurity,
				Field:      "breakdown.level",
				Message:    fmt.Sprintf("unknown level %q for dimension %q", b.Level, b.Dimension),
				Suggestion: closestMatch(b.Level, dim.Levels),
			})
		}
	} else if b.Level != "" {
		res.AddError(ValidationError{
			Code:    CodeUnknownLevel,
			Layer:   LayerSecurity,
			Field:   "breakdown.level",
			Message: fmt.Sprintf("dimension %q has no levels", b.Dimension),
		})
	}
	if b.Limit < MinBreakdownLimit || b.Limit > MaxBreakdownLimit {
		res.AddError(ValidationError{
			Code:  CodeValueOutOfRange,
			Layer: LayerSecurity,
			Field: "breakdown.limit",
			Message: fmt.Sprintf("limit must be between %d and %d, got %d",
				MinBreakdownLimit, MaxBreakdownLimit, b.Limit),
		})
	}
	if b.Sort != "" && b.Sort != SortAsc && b.Sort != SortDesc {
		res.AddError(ValidationError{
			Code:    CodeUnknownValue,
			Layer:   LayerSecurity,
			Field:   "breakdown.sort",
			Message: fmt.Sprintf("sort must be %q or %q", SortAsc, SortDesc),
		})
	}
}

func (v *SecurityValidator) validateComparison(c Comparison, res *ValidationResult) {
	switch c.Type {
	case ComparePreviousPeriod:
		// Window math is checked by the semantic layer.
	case CompareCustom:
		v.validateExplicitRange(c.Start, c.End, "comparison", res)
	default:
		res.AddError(ValidationError{
			Code:    CodeUnknownValue,
			Layer:   LayerSecurity,
			Field:   "comparison.type",
			Message: fmt.Sprintf("unknown comparison type %q", c.Type),
		})
	}
}

func (v *SecurityValidator) validateFilter(f Filter, field string, res *ValidationResult) {
	dim, ok := v.reg.Dimension(f.Dimension)
	if !ok {
		res.AddError(ValidationError{
			Code:    CodeUnknownDimension,
			Layer:   LayerSecurity,
			Field:   field + ".dimension",
			Message: fmt.Sprintf("unknown dimension %q", f.Dimension),
		})
		return
	}
	if !dim.Filterable {
		res.AddError(ValidationError{
			Code:    CodeDimensionNotFilter,
			Layer:   LayerSecurity,
			Field:   field + ".dimension",
			Message: fmt.Sprintf("dimension %q does not support filtering", f.Dimension),
		})
	}
	if !allowedOperators[f.Operator] {
		res.AddError(ValidationError{
			Code:    CodeUnknownOperator,
			Layer:   LayerSecurity,
			Field:   field + ".operator",
			Message: fmt.Sprintf("unknown operator %q", f.Operator),
		})
		return
	}
	if len(f.Value) > MaxFilterValueLength {
		res.AddError(ValidationError{
			Code:    CodeValueTooLong,
			Layer:   LayerSecurity,
			Field:   field + ".value",
			Message: fmt.Sprintf("value exceeds %d characters", MaxFilterValueLength),
		})
		return
	}
	if numericOperators[f.Operator] {
		n, err := strconv.ParseFloat(f.Value, 64)
		if err != nil || n > MaxNumericFilterValue || n < -MaxNumericFilterValue {
			res.AddError(ValidationError{
				Code:    CodeValueOutOfRange,
				Layer:   LayerSecurity,
				Field:   field + ".value",
				Message: fmt.Sprintf("operator %q requires a bounded numeric value", f.Operator),
			})
		}
		return
	}
	// Enumerated dimensions accept only allowlisted values for eq/ne/in.
	if len(dim.Values) > 0 {
		for _, val := range f.SplitValues() {
			if dim.HasValue(val) {
				continue
			}
			res.AddError(ValidationError{
				Code:       CodeUnknownValue,
				Layer:      LayerSecurity,
				Field:      field + ".value",
				Message:    fmt.Sprintf("unknown value %q for dimension %q", val, f.Dimension),
				Suggestion: closestMatch(val, dim.Values),
			})
		}
	}
}

// closestMatch returns the candidate with the smallest edit distance to
// the input, or "" when nothing is close enough to be a plausible typo.
// Ties are broken by longest shared prefix, so "roi" suggests "roas"
// rather than an equally distant but unrelated key.
func closestMatch(input string, candidates []string) string {
	maxDist := len(input)/2 + 1 // farther than this is not a typo
	best := ""
	bestDist := maxDist + 1
	bestPrefix := -1
	for _, c := range candidates {
		d := levenshtein(input, c)
		if d > maxDist || d > bestDist {
			continue
		}
		p := commonPrefix(input, c)
		if d < bestDist || p > bestPrefix {
			best = c
			bestDist = d
			bestPrefix = p
		}
	}
	return best
}

func commonPrefix(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
