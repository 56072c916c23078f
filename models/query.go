package models

import (
	"strings"
	"time"
)

// SortOrder is the direction a breakdown is ranked in.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// OutputFormat is a hint for downstream result rendering.
type OutputFormat string

const (
	FormatAuto  OutputFormat = "auto"
	FormatChart OutputFormat = "chart"
	FormatTable OutputFormat = "table"
	FormatText  OutputFormat = "text"
)

// ComparisonType selects how the previous period is derived.
type ComparisonType string

const (
	// ComparePreviousPeriod derives a symmetric window immediately before
	// the current one.
	ComparePreviousPeriod ComparisonType = "previous_period"

	// CompareCustom uses an explicitly supplied second range.
	CompareCustom ComparisonType = "custom"
)

// DateLayout is the wire format for calendar dates.
const DateLayout = "2006-01-02"

// TimeRange is either a relative last-N-days window or an explicit
// start/end date pair (inclusive, YYYY-MM-DD).
type TimeRange struct {
	LastNDays int    `json:"lastNDays,omitempty"`
	Start     string `json:"start,omitempty"`
	End       string `json:"end,omitempty"`
}

// IsRelative reports whether the range is expressed as last-N-days.
func (t TimeRange) IsRelative() bool { return t.LastNDays != 0 }

// IsExplicit reports whether the range carries explicit dates.
func (t TimeRange) IsExplicit() bool { return t.Start != "" || t.End != "" }

// Window is a resolved, inclusive date window.
type Window struct {
	Start time.Time
	End   time.Time
}

// Days returns the number of calendar days the window spans.
func (w Window) Days() int {
	return int(w.End.Sub(w.Start).Hours()/24) + 1
}

// Previous returns the symmetric window immediately preceding this one.
func (w Window) Previous() Window {
	span := w.End.Sub(w.Start)
	end := w.Start.AddDate(0, 0, -1)
	return Window{Start: end.Add(-span), End: end}
}

// Resolve turns the range into a concrete window. Relative ranges end at
// today (inclusive); explicit ranges are parsed as UTC dates. Returns false
// when the range is empty or unparseable — validation reports the cause.
func (t TimeRange) Resolve(today time.Time) (Window, bool) {
	today = truncateToDay(today)
	if t.IsRelative() {
		if t.LastNDays < 1 {
			return Window{}, false
		}
		return Window{Start: today.AddDate(0, 0, -(t.LastNDays - 1)), End: today}, true
	}
	if t.Start == "" || t.End == "" {
		return Window{}, false
	}
	start, err := time.ParseInLocation(DateLayout, t.Start, time.UTC)
	if err != nil {
		return Window{}, false
	}
	end, err := time.ParseInLocation(DateLayout, t.End, time.UTC)
	if err != nil {
		return Window{}, false
	}
	if end.Before(start) {
		return Window{}, false
	}
	return Window{Start: start, End: end}, true
}

func truncateToDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Breakdown asks for results grouped and ranked by a dimension.
type Breakdown struct {
	Dimension string    `json:"dimension"`
	Level     string    `json:"level,omitempty"`
	Limit     int       `json:"limit"`
	Sort      SortOrder `json:"sort,omitempty"`
}

// Comparison asks for current-vs-previous values and their delta.
type Comparison struct {
	Type ComparisonType `json:"type"`

	// Start/End define the second range for CompareCustom.
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// FilterOperator is one of the fixed permitted filter operators. No
// arbitrary expression evaluation exists anywhere in the query layer.
type FilterOperator string

const (
	OpEq       FilterOperator = "eq"
	OpNe       FilterOperator = "ne"
	OpGt       FilterOperator = "gt"
	OpLt       FilterOperator = "lt"
	OpGte      FilterOperator = "gte"
	OpLte      FilterOperator = "lte"
	OpIn       FilterOperator = "in"
	OpContains FilterOperator = "contains"
)

// Filter restricts a query along one dimension. Values are always passed
// to the storage layer as bound parameters, never interpolated.
type Filter struct {
	Dimension string         `json:"dimension"`
	Operator  FilterOperator `json:"operator"`
	Value     string         `json:"value"`
}

// SplitValues returns the filter's value list: "in" values are split on
// commas with surrounding spaces trimmed and empties dropped, any other
// operator yields the single value. Both the validator and the storage
// layer parse list filters through here so they cannot disagree.
func (f Filter) SplitValues() []string {
	if f.Operator != OpIn {
		return []string{f.Value}
	}
	var out []string
	for _, v := range strings.Split(f.Value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// SemanticQuery is the composable analytics request produced by the
// external natural-language layer.
//
// Breakdown, Comparison and IncludeTimeseries are orthogonal: any subset
// may be set simultaneously. The struct is treated as immutable once it
// enters validation — stages produce result objects, never mutate the
// query in place.
type SemanticQuery struct {
	Metrics           []string     `json:"metrics"`
	TimeRange         TimeRange    `json:"timeRange"`
	Breakdown         *Breakdown   `json:"breakdown,omitempty"`
	Comparison        *Comparison  `json:"comparison,omitempty"`
	IncludeTimeseries bool         `json:"includeTimeseries,omitempty"`
	Filters           []Filter     `json:"filters,omitempty"`
	Format            OutputFormat `json:"format,omitempty"`
}

// SortMetric returns the metric a breakdown is ranked by: the first metric
// in the query.
func (q SemanticQuery) SortMetric() string {
	if len(q.Metrics) == 0 {
		return ""
	}
	return q.Metrics[0]
}

// ComparisonWindows resolves the current and previous windows for a query
// with a comparison set. Returns false when either window cannot be
// resolved.
func (q SemanticQuery) ComparisonWindows(today time.Time) (current, previous Window, ok bool) {
	current, ok = q.TimeRange.Resolve(today)
	if !ok || q.Comparison == nil {
		return Window{}, Window{}, false
	}
	switch q.Comparison.Type {
	case ComparePreviousPeriod:
		return current, current.Previous(), true
	case CompareCustom:
		prevRange := TimeRange{Start: q.Comparison.Start, End: q.Comparison.End}
		previous, ok = prevRange.Resolve(today)
		if !ok {
			return Window{}, Window{}, false
		}
		return current, previous, true
	default:
		return Window{}, Window{}, false
	}
}
