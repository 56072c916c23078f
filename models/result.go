package models

// Strategy names the compilation path selected for a query. Selection is
// a pure function of which optional query fields are present.
type Strategy string

const (
	StrategySummary                 Strategy = "summary"
	StrategyComparison              Strategy = "comparison"
	StrategyBreakdown               Strategy = "breakdown"
	StrategyProviderBreakdown       Strategy = "provider_breakdown"
	StrategyEntityComparison        Strategy = "entity_comparison"
	StrategyTimeseries              Strategy = "timeseries"
	StrategyEntityTimeseries        Strategy = "entity_timeseries"
	StrategyEntityTimeseriesCompare Strategy = "entity_timeseries_comparison"
)

// SummaryValue is one aggregate scalar.
type SummaryValue struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
}

// BreakdownItem is one ranked row of a breakdown.
type BreakdownItem struct {
	EntityID   string             `json:"entityId"`
	EntityName string             `json:"entityName,omitempty"`
	Values     map[string]float64 `json:"values"`
}

// SortValue returns the item's value for the given metric.
func (b BreakdownItem) SortValue(metric string) float64 {
	return b.Values[metric]
}

// ComparisonPair is a current-vs-previous scalar pair for one metric.
// DeltaPct is nil when the previous value is zero or absent.
type ComparisonPair struct {
	Metric   string   `json:"metric"`
	Current  float64  `json:"current"`
	Previous float64  `json:"previous"`
	DeltaPct *float64 `json:"deltaPct,omitempty"`
}

// EntityComparisonItem pairs one entity's current and previous values.
// Previous is nil when the entity has no data in the previous period; it
// is never substituted with zero.
type EntityComparisonItem struct {
	EntityID   string   `json:"entityId"`
	EntityName string   `json:"entityName,omitempty"`
	Metric     string   `json:"metric"`
	Current    float64  `json:"current"`
	Previous   *float64 `json:"previous,omitempty"`
	DeltaPct   *float64 `json:"deltaPct,omitempty"`
}

// TimeseriesPoint is one (date, value) observation.
type TimeseriesPoint struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// EntityTimeseriesItem is one entity's ordered series, optionally with a
// previous-period comparison attached.
type EntityTimeseriesItem struct {
	EntityID   string            `json:"entityId"`
	EntityName string            `json:"entityName,omitempty"`
	Metric     string            `json:"metric"`
	Points     []TimeseriesPoint `json:"points"`
	Current    float64           `json:"current"`
	Previous   *float64          `json:"previous,omitempty"`
	DeltaPct   *float64          `json:"deltaPct,omitempty"`
}

// CompilationResult is the unified result shape. Which collections are
// populated depends on the selected strategy. An empty collection is a
// valid result, not an error.
type CompilationResult struct {
	Strategy Strategy     `json:"strategy"`
	Format   OutputFormat `json:"format"`

	Summary          []SummaryValue         `json:"summary,omitempty"`
	Breakdown        []BreakdownItem        `json:"breakdown,omitempty"`
	Comparison       []ComparisonPair       `json:"comparison,omitempty"`
	EntityComparison []EntityComparisonItem `json:"entityComparison,omitempty"`
	Timeseries       []TimeseriesPoint      `json:"timeseries,omitempty"`
	EntityTimeseries []EntityTimeseriesItem `json:"entityTimeseries,omitempty"`
}

// DeltaPercent computes the percentage change from previous to current.
// Returns nil when previous is absent or zero — a delta against nothing is
// undefined, never zero or infinity.
func DeltaPercent(current float64, previous *float64) *float64 {
	if previous == nil || *previous == 0 {
		return nil
	}
	d := (current - *previous) / *previous * 100
	return &d
}
