package models

import (
	"fmt"

	"github.com/jonboulle/clockwork"
)

// DefaultCostCeiling bounds the breakdown×timeseries fan-out: breakdown
// limit multiplied by the expected number of timeseries points must stay
// under it. The ceiling is a tunable policy, not a hard protocol constant.
const DefaultCostCeiling = 1000

// SemanticValidator layers business rules on top of the security
// allowlist: composition legality, time-range sanity and metric/dimension
// compatibility. Like the security layer it accumulates errors instead of
// failing fast, so a caller sees every problem at once.
type SemanticValidator struct {
	reg      *Registry
	security *SecurityValidator
	clock    clockwork.Clock

	// CostCeiling overrides DefaultCostCeiling when positive.
	CostCeiling int
}

// NewSemanticValidator builds the combined validator. Security validation
// always runs first.
func NewSemanticValidator(reg *Registry, clock clockwork.Clock) *SemanticValidator {
	return &SemanticValidator{
		reg:      reg,
		security: NewSecurityValidator(reg, clock),
		clock:    clock,
	}
}

// Validate runs the security layer, then the business rules, and merges
// the outcomes. Business rules are skipped only when a security failure
// structurally breaks composition (an unknown metric or dimension makes
// compatibility checks meaningless).
func (v *SemanticValidator) Validate(q SemanticQuery) ValidationResult {
	secRes := v.security.Validate(q)

	if secRes.HasCode(CodeUnknownMetric) ||
		secRes.HasCode(CodeUnknownDimension) ||
		secRes.HasCode(CodeMissingMetrics) {
		return secRes
	}

	semRes := OK()
	v.validateCompatibility(q, &semRes)
	v.validateComparisonWindow(q, &semRes)
	v.validateCost(q, &semRes)

	return Merge(secRes, semRes)
}

// validateCompatibility requires every requested metric to list the
// breakdown dimension among its compatible dimensions. Incompatible
// combinations are errors, never silently dropped.
func (v *SemanticValidator) validateCompatibility(q SemanticQuery, res *ValidationResult) {
	if q.Breakdown == nil {
		return
	}
	for _, key := range q.Metrics {
		m, ok := v.reg.Metric(key)
		if !ok {
			continue // reported by the security layer
		}
		if !m.SupportsDimension(q.Breakdown.Dimension) {
			res.AddError(ValidationError{
				Code:  CodeIncompatibleDimension,
				Layer: LayerSemantic,
				Field: "breakdown.dimension",
				Message: fmt.Sprintf("metric %q cannot be broken down by %q",
					key, q.Breakdown.Dimension),
			})
		}
	}
}

// validateComparisonWindow requires previous_period comparisons to have a
// bounded current window so a symmetric prior window can be computed.
func (v *SemanticValidator) validateComparisonWindow(q SemanticQuery, res *ValidationResult) {
	if q.Comparison == nil || q.Comparison.Type != ComparePreviousPeriod {
		return
	}
	if _, ok := q.TimeRange.Resolve(v.clock.Now()); !ok {
		res.AddError(ValidationError{
			Code:    CodeUnboundedComparison,
			Layer:   LayerSemantic,
			Field:   "comparison",
			Message: "previous_period comparison requires a bounded time range",
		})
	}
}

// validateCost bounds the downstream fan-out of breakdown+timeseries
// queries. Exceeding the ceiling is an error, not a silent truncation.
func (v *SemanticValidator) validateCost(q SemanticQuery, res *ValidationResult) {
	if q.Breakdown == nil || !q.IncludeTimeseries {
		return
	}
	window, ok := q.TimeRange.Resolve(v.clock.Now())
	if !ok {
		return // reported elsewhere
	}
	ceiling := v.CostCeiling
	if ceiling <= 0 {
		ceiling = DefaultCostCeiling
	}
	cost := q.Breakdown.Limit * window.Days()
	if cost > ceiling {
		res.AddError(ValidationError{
			Code:  CodeQueryTooExpensive,
			Layer: LayerSemantic,
			Field: "breakdown.limit",
			Message: fmt.Sprintf("breakdown of %d entities over %d days exceeds the query cost ceiling",
				q.Breakdown.Limit, window.Days()),
		})
	}
}
