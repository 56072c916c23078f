package models

import (
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

var testNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestValidator() *SecurityValidator {
	return NewSecurityValidator(DefaultRegistry(), clockwork.NewFakeClockAt(testNow))
}

func validQuery() SemanticQuery {
	return SemanticQuery{
		Metrics:   []string{"spend"},
		TimeRange: TimeRange{LastNDays: 7},
	}
}

func TestSecurityValidateMetrics(t *testing.T) {
	tests := []struct {
		name       string
		metrics    []string
		wantValid  bool
		wantCode   ErrorCode
		suggestion string
	}{
		{
			name:      "known metric passes",
			metrics:   []string{"spend"},
			wantValid: true,
		},
		{
			name:      "multiple known metrics pass",
			metrics:   []string{"spend", "roas", "cpc"},
			wantValid: true,
		},
		{
			name:      "no metrics rejected",
			metrics:   nil,
			wantValid: false,
			wantCode:  CodeMissingMetrics,
		},
		{
			name:       "unknown metric suggests nearest",
			metrics:    []string{"roi"},
			wantValid:  false,
			wantCode:   CodeUnknownMetric,
			suggestion: "roas",
		},
		{
			name:       "typo suggests nearest",
			metrics:    []string{"spendd"},
			wantValid:  false,
			wantCode:   CodeUnknownMetric,
			suggestion: "spend",
		},
		{
			name:      "garbage gets no suggestion",
			metrics:   []string{"xyzzyplugh"},
			wantValid: false,
			wantCode:  CodeUnknownMetric,
		},
	}

	v := newTestValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := validQuery()
			q.Metrics = tt.metrics
			res := v.Validate(q)
			assert.Equal(t, tt.wantValid, res.Valid)
			if tt.wantCode != "" {
				assert.True(t, res.HasCode(tt.wantCode))
			}
			if tt.suggestion != "" {
				assert.Equal(t, tt.suggestion, res.Errors[0].Suggestion)
			}
		})
	}
}

func TestSecurityValidateTimeRange(t *testing.T) {
	tests := []struct {
		name      string
		timeRange TimeRange
		wantValid bool
		wantCode  ErrorCode
	}{
		{name: "one day", timeRange: TimeRange{LastNDays: 1}, wantValid: true},
		{name: "full year", timeRange: TimeRange{LastNDays: 365}, wantValid: true},
		{name: "zero days", timeRange: TimeRange{LastNDays: 0}, wantValid: false, wantCode: CodeInvalidTimeRange},
		{name: "over a year", timeRange: TimeRange{LastNDays: 366}, wantValid: false, wantCode: CodeValueOutOfRange},
		{name: "negative days", timeRange: TimeRange{LastNDays: -5}, wantValid: false, wantCode: CodeValueOutOfRange},
		{
			name:      "explicit range",
			timeRange: TimeRange{Start: "2024-06-01", End: "2024-06-14"},
			wantValid: true,
		},
		{
			name:      "relative and explicit together",
			timeRange: TimeRange{LastNDays: 7, Start: "2024-06-01", End: "2024-06-14"},
			wantValid: false,
			wantCode:  CodeInvalidTimeRange,
		},
		{
			name:      "start after end",
			timeRange: TimeRange{Start: "2024-06-14", End: "2024-06-01"},
			wantValid: false,
			wantCode:  CodeInvalidTimeRange,
		},
		{
			name:      "end in the future",
			timeRange: TimeRange{Start: "2024-06-01", End: "2024-06-16"},
			wantValid: false,
			wantCode:  CodeInvalidTimeRange,
		},
		{
			name:      "unparseable dates",
			timeRange: TimeRange{Start: "June 1st", End: "2024-06-14"},
			wantValid: false,
			wantCode:  CodeInvalidTimeRange,
		},
	}

	v := newTestValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := validQuery()
			q.TimeRange = tt.timeRange
			res := v.Validate(q)
			assert.Equal(t, tt.wantValid, res.Valid)
			if tt.wantCode != "" {
				assert.True(t, res.HasCode(tt.wantCode))
			}
		})
	}
}

func TestSecurityValidateBreakdown(t *testing.T) {
	tests := []struct {
		name       string
		breakdown  Breakdown
		wantValid  bool
		wantCode   ErrorCode
		suggestion string
	}{
		{
			name:      "minimum limit",
			breakdown: Breakdown{Dimension: DimensionEntity, Level: LevelCampaign, Limit: 1},
			wantValid: true,
		},
		{
			name:      "maximum limit",
			breakdown: Breakdown{Dimension: DimensionEntity, Level: LevelCampaign, Limit: 50},
			wantValid: true,
		},
		{
			name:      "zero limit rejected",
			breakdown: Breakdown{Dimension: DimensionEntity, Level: LevelCampaign, Limit: 0},
			wantValid: false,
			wantCode:  CodeValueOutOfRange,
		},
		{
			name:      "limit over maximum rejected",
			breakdown: Breakdown{Dimension: DimensionEntity, Level: LevelCampaign, Limit: 51},
			wantValid: false,
			wantCode:  CodeValueOutOfRange,
		},
		{
			name:      "unknown dimension",
			breakdown: Breakdown{Dimension: "channel", Limit: 5},
			wantValid: false,
			wantCode:  CodeUnknownDimension,
		},
		{
			name:       "unknown level suggests nearest",
			breakdown:  Breakdown{Dimension: DimensionEntity, Level: "campain", Limit: 5},
			wantValid:  false,
			wantCode:   CodeUnknownLevel,
			suggestion: LevelCampaign,
		},
		{
			name:      "level on level-less dimension",
			breakdown: Breakdown{Dimension: DimensionProvider, Level: LevelCampaign, Limit: 5},
			wantValid: false,
			wantCode:  CodeUnknownLevel,
		},
		{
			name:      "bad sort order",
			breakdown: Breakdown{Dimension: DimensionEntity, Level: LevelCampaign, Limit: 5, Sort: "sideways"},
			wantValid: false,
			wantCode:  CodeUnknownValue,
		},
	}

	v := newTestValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := validQuery()
			b := tt.breakdown
			q.Breakdown = &b
			res := v.Validate(q)
			assert.Equal(t, tt.wantValid, res.Valid)
			if tt.wantCode != "" {
				assert.True(t, res.HasCode(tt.wantCode))
			}
			if tt.suggestion != "" {
				assert.Equal(t, tt.suggestion, res.Errors[0].Suggestion)
			}
		})
	}
}

func TestSecurityValidateFilters(t *testing.T) {
	tests := []struct {
		name       string
		filter     Filter
		wantValid  bool
		wantCode   ErrorCode
		suggestion string
	}{
		{
			name:      "provider equality",
			filter:    Filter{Dimension: DimensionProvider, Operator: OpEq, Value: "meta"},
			wantValid: true,
		},
		{
			name:      "provider in list",
			filter:    Filter{Dimension: DimensionProvider, Operator: OpIn, Value: "meta, google"},
			wantValid: true,
		},
		{
			name:      "entity name contains",
			filter:    Filter{Dimension: DimensionEntity, Operator: OpContains, Value: "summer sale"},
			wantValid: true,
		},
		{
			name:      "unknown operator",
			filter:    Filter{Dimension: DimensionProvider, Operator: "like", Value: "meta"},
			wantValid: false,
			wantCode:  CodeUnknownOperator,
		},
		{
			name:      "unknown dimension",
			filter:    Filter{Dimension: "campaign_name", Operator: OpEq, Value: "x"},
			wantValid: false,
			wantCode:  CodeUnknownDimension,
		},
		{
			name:       "unknown provider value suggests nearest",
			filter:     Filter{Dimension: DimensionProvider, Operator: OpEq, Value: "gogle"},
			wantValid:  false,
			wantCode:   CodeUnknownValue,
			suggestion: "google",
		},
		{
			name:      "unknown value inside in list",
			filter:    Filter{Dimension: DimensionProvider, Operator: OpIn, Value: "meta, tiktok"},
			wantValid: false,
			wantCode:  CodeUnknownValue,
		},
		{
			name:      "value over length cap",
			filter:    Filter{Dimension: DimensionEntity, Operator: OpContains, Value: strings.Repeat("a", 501)},
			wantValid: false,
			wantCode:  CodeValueTooLong,
		},
		{
			name:      "value at length cap",
			filter:    Filter{Dimension: DimensionEntity, Operator: OpContains, Value: strings.Repeat("a", 500)},
			wantValid: true,
		},
		{
			name:      "numeric operator with non-numeric value",
			filter:    Filter{Dimension: DimensionEntity, Operator: OpGt, Value: "lots"},
			wantValid: false,
			wantCode:  CodeValueOutOfRange,
		},
		{
			name:      "numeric operator beyond magnitude bound",
			filter:    Filter{Dimension: DimensionEntity, Operator: OpGt, Value: "1e15"},
			wantValid: false,
			wantCode:  CodeValueOutOfRange,
		},
	}

	v := newTestValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := validQuery()
			q.Filters = []Filter{tt.filter}
			res := v.Validate(q)
			assert.Equal(t, tt.wantValid, res.Valid)
			if tt.wantCode != "" {
				assert.True(t, res.HasCode(tt.wantCode))
			}
			if tt.suggestion != "" {
				assert.Equal(t, tt.suggestion, res.Errors[0].Suggestion)
			}
		})
	}
}

func TestSecurityAccumulatesAllErrors(t *testing.T) {
	v := newTestValidator()
	q := SemanticQuery{
		Metrics:   []string{"roi", "bogus"},
		TimeRange: TimeRange{LastNDays: 400},
		Breakdown: &Breakdown{Dimension: DimensionEntity, Level: "campain", Limit: 99},
		Filters: []Filter{
			{Dimension: DimensionProvider, Operator: "like", Value: "meta"},
		},
	}
	res := v.Validate(q)
	assert.False(t, res.Valid)
	// Every violation is reported, nothing short-circuits.
	assert.Len(t, res.Errors, 6)
	assert.True(t, res.HasCode(CodeUnknownMetric))
	assert.True(t, res.HasCode(CodeValueOutOfRange))
	assert.True(t, res.HasCode(CodeUnknownLevel))
	assert.True(t, res.HasCode(CodeUnknownOperator))
}

func TestClosestMatch(t *testing.T) {
	keys := DefaultRegistry().MetricKeys()
	tests := []struct {
		input string
		want  string
	}{
		{"roi", "roas"},
		{"spendd", "spend"},
		{"click", "clicks"},
		{"cpx", "cpa"},
		{"zzzzzz", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, closestMatch(tt.input, keys))
		})
	}
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, levenshtein("spend", "spend"))
	assert.Equal(t, 1, levenshtein("spend", "spendd"))
	assert.Equal(t, 2, levenshtein("roi", "roas"))
	assert.Equal(t, 5, levenshtein("", "spend"))
}
