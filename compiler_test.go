package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/adlens/adlens/models"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

var compilerNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

// fakeProvider serves canned values and records what the compiler asked
// for.
type fakeProvider struct {
	summary      map[string]float64
	breakdown    []models.BreakdownItem
	timeseries   []models.TimeseriesPoint
	entityValues map[string]float64
	entitySeries map[string][]models.TimeseriesPoint
	err          error

	summaryWindows  []models.Window
	breakdownOrder  models.SortOrder
	breakdownLimit  int
	entityValuesIDs []string
	groupDimension  string
	filters         []models.Filter
}

func (f *fakeProvider) GetSummary(ctx context.Context, workspaceID string, metrics []string, window models.Window, filters []models.Filter) (map[string]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.summaryWindows = append(f.summaryWindows, window)
	f.filters = filters
	return f.summary, nil
}

func (f *fakeProvider) GetBreakdown(ctx context.Context, workspaceID string, metrics []string, dimension, level string, limit int, sortMetric string, order models.SortOrder, window models.Window, filters []models.Filter) ([]models.BreakdownItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.breakdownOrder = order
	f.breakdownLimit = limit
	return f.breakdown, nil
}

func (f *fakeProvider) GetTimeseries(ctx context.Context, workspaceID string, metric string, window models.Window, filters []models.Filter) ([]models.TimeseriesPoint, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.timeseries, nil
}

func (f *fakeProvider) GetGroupValues(ctx context.Context, workspaceID, dimension string, ids []string, metric string, window models.Window) (map[string]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.entityValuesIDs = ids
	f.groupDimension = dimension
	return f.entityValues, nil
}

func (f *fakeProvider) GetGroupTimeseries(ctx context.Context, workspaceID, dimension string, ids []string, metric string, window models.Window) (map[string][]models.TimeseriesPoint, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.groupDimension = dimension
	return f.entitySeries, nil
}

func newTestCompiler(p models.MetricValueProvider) *Compiler {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCompiler(p, models.DefaultRegistry(), clockwork.NewFakeClockAt(compilerNow), log)
}

func TestSelectStrategy(t *testing.T) {
	breakdown := &models.Breakdown{Dimension: models.DimensionEntity, Level: models.LevelCampaign, Limit: 3}
	providerBreakdown := &models.Breakdown{Dimension: models.DimensionProvider, Limit: 3}
	comparison := &models.Comparison{Type: models.ComparePreviousPeriod}

	tests := []struct {
		name  string
		query models.SemanticQuery
		want  models.Strategy
	}{
		{
			name:  "bare query",
			query: models.SemanticQuery{},
			want:  models.StrategySummary,
		},
		{
			name:  "comparison only",
			query: models.SemanticQuery{Comparison: comparison},
			want:  models.StrategyComparison,
		},
		{
			name:  "breakdown only",
			query: models.SemanticQuery{Breakdown: breakdown},
			want:  models.StrategyBreakdown,
		},
		{
			name:  "provider breakdown",
			query: models.SemanticQuery{Breakdown: providerBreakdown},
			want:  models.StrategyProviderBreakdown,
		},
		{
			name:  "breakdown and comparison",
			query: models.SemanticQuery{Breakdown: breakdown, Comparison: comparison},
			want:  models.StrategyEntityComparison,
		},
		{
			name:  "timeseries only",
			query: models.SemanticQuery{IncludeTimeseries: true},
			want:  models.StrategyTimeseries,
		},
		{
			name:  "timeseries with comparison",
			query: models.SemanticQuery{IncludeTimeseries: true, Comparison: comparison},
			want:  models.StrategyTimeseries,
		},
		{
			name:  "breakdown and timeseries",
			query: models.SemanticQuery{Breakdown: breakdown, IncludeTimeseries: true},
			want:  models.StrategyEntityTimeseries,
		},
		{
			name:  "all three",
			query: models.SemanticQuery{Breakdown: breakdown, Comparison: comparison, IncludeTimeseries: true},
			want:  models.StrategyEntityTimeseriesCompare,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectStrategy(tt.query))
		})
	}
}

func TestCompileRequiresWorkspace(t *testing.T) {
	c := newTestCompiler(&fakeProvider{})
	q := models.SemanticQuery{Metrics: []string{"spend"}, TimeRange: models.TimeRange{LastNDays: 7}}

	_, err := c.Compile(context.Background(), "", q)
	var ce *models.CompileError
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, models.LayerSchema, ce.Layer)
	assert.ErrorIs(t, err, ErrWorkspaceRequired)
}

func TestCompileUnresolvableWindow(t *testing.T) {
	c := newTestCompiler(&fakeProvider{})
	q := models.SemanticQuery{Metrics: []string{"spend"}}

	_, err := c.Compile(context.Background(), "ws1", q)
	var ce *models.CompileError
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, models.LayerSchema, ce.Layer)
}

func TestCompileSummary(t *testing.T) {
	p := &fakeProvider{summary: map[string]float64{"spend": 1234.5, "clicks": 890}}
	c := newTestCompiler(p)
	q := models.SemanticQuery{
		Metrics:   []string{"spend", "clicks"},
		TimeRange: models.TimeRange{LastNDays: 7},
		Filters:   []models.Filter{{Dimension: models.DimensionProvider, Operator: models.OpEq, Value: "meta"}},
	}

	res, err := c.Compile(context.Background(), "ws1", q)
	assert.NoError(t, err)
	assert.Equal(t, models.StrategySummary, res.Strategy)
	assert.Equal(t, models.FormatAuto, res.Format)
	assert.Equal(t, []models.SummaryValue{
		{Metric: "spend", Value: 1234.5},
		{Metric: "clicks", Value: 890},
	}, res.Summary)
	assert.Equal(t, q.Filters, p.filters, "filters reach the provider unchanged")
}

func TestCompileComparison(t *testing.T) {
	p := &fakeProvider{summary: map[string]float64{"spend": 150}}
	c := newTestCompiler(p)
	q := models.SemanticQuery{
		Metrics:    []string{"spend"},
		TimeRange:  models.TimeRange{LastNDays: 7},
		Comparison: &models.Comparison{Type: models.ComparePreviousPeriod},
	}

	res, err := c.Compile(context.Background(), "ws1", q)
	assert.NoError(t, err)
	assert.Equal(t, models.StrategyComparison, res.Strategy)
	assert.Len(t, res.Comparison, 1)
	pair := res.Comparison[0]
	assert.Equal(t, 150.0, pair.Current)
	assert.Equal(t, 150.0, pair.Previous)
	assert.NotNil(t, pair.DeltaPct)
	assert.InDelta(t, 0, *pair.DeltaPct, 1e-9)

	// Current window first, symmetric previous window second.
	assert.Len(t, p.summaryWindows, 2)
	assert.Equal(t, time.Date(2024, 6, 9, 0, 0, 0, 0, time.UTC), p.summaryWindows[0].Start)
	assert.Equal(t, time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC), p.summaryWindows[1].Start)
	assert.Equal(t, time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC), p.summaryWindows[1].End)
}

func TestCompileEntityComparisonFixedSet(t *testing.T) {
	p := &fakeProvider{
		breakdown: []models.BreakdownItem{
			{EntityID: "e1", EntityName: "Summer Sale", Values: map[string]float64{"cpc": 1.20}},
			{EntityID: "e2", EntityName: "Brand", Values: map[string]float64{"cpc": 2.00}},
			{EntityID: "e3", EntityName: "New Launch", Values: map[string]float64{"cpc": 3.50}},
		},
		entityValues: map[string]float64{"e1": 0.60, "e2": 0},
	}
	c := newTestCompiler(p)
	q := models.SemanticQuery{
		Metrics:    []string{"cpc"},
		TimeRange:  models.TimeRange{LastNDays: 7},
		Breakdown:  &models.Breakdown{Dimension: models.DimensionEntity, Level: models.LevelCampaign, Limit: 3},
		Comparison: &models.Comparison{Type: models.ComparePreviousPeriod},
	}

	res, err := c.Compile(context.Background(), "ws1", q)
	assert.NoError(t, err)
	assert.Equal(t, models.StrategyEntityComparison, res.Strategy)
	assert.Len(t, res.EntityComparison, 3)

	// The previous-period lookup is for exactly the current top-N set.
	assert.Equal(t, []string{"e1", "e2", "e3"}, p.entityValuesIDs)

	e1 := res.EntityComparison[0]
	assert.Equal(t, 1.20, e1.Current)
	assert.NotNil(t, e1.Previous)
	assert.Equal(t, 0.60, *e1.Previous)
	assert.NotNil(t, e1.DeltaPct)
	assert.InDelta(t, 100, *e1.DeltaPct, 1e-9)

	// Previous of zero: present, but no delta is computable.
	e2 := res.EntityComparison[1]
	assert.NotNil(t, e2.Previous)
	assert.Nil(t, e2.DeltaPct)

	// Absent from the previous period: nil, never substituted with zero.
	e3 := res.EntityComparison[2]
	assert.Nil(t, e3.Previous)
	assert.Nil(t, e3.DeltaPct)
}

func TestCompileProviderBreakdownComparison(t *testing.T) {
	p := &fakeProvider{
		breakdown: []models.BreakdownItem{
			{EntityID: "meta", EntityName: "meta", Values: map[string]float64{"spend": 800}},
			{EntityID: "google", EntityName: "google", Values: map[string]float64{"spend": 400}},
		},
		entityValues: map[string]float64{"meta": 400, "google": 500},
	}
	c := newTestCompiler(p)
	q := models.SemanticQuery{
		Metrics:    []string{"spend"},
		TimeRange:  models.TimeRange{LastNDays: 7},
		Breakdown:  &models.Breakdown{Dimension: models.DimensionProvider, Limit: 5},
		Comparison: &models.Comparison{Type: models.ComparePreviousPeriod},
	}

	res, err := c.Compile(context.Background(), "ws1", q)
	assert.NoError(t, err)

	// The previous-period lookup follows the breakdown dimension, so
	// provider rows match previous-period data keyed by provider name.
	assert.Equal(t, models.DimensionProvider, p.groupDimension)
	assert.Equal(t, []string{"meta", "google"}, p.entityValuesIDs)

	assert.Len(t, res.EntityComparison, 2)
	meta := res.EntityComparison[0]
	assert.NotNil(t, meta.Previous)
	assert.Equal(t, 400.0, *meta.Previous)
	assert.NotNil(t, meta.DeltaPct)
	assert.InDelta(t, 100, *meta.DeltaPct, 1e-9)

	google := res.EntityComparison[1]
	assert.NotNil(t, google.Previous)
	assert.InDelta(t, -20, *google.DeltaPct, 1e-9)
}

func TestCompileProviderBreakdownTimeseries(t *testing.T) {
	p := &fakeProvider{
		breakdown: []models.BreakdownItem{
			{EntityID: "meta", EntityName: "meta", Values: map[string]float64{"spend": 800}},
		},
		entitySeries: map[string][]models.TimeseriesPoint{
			"meta": {{Date: "2024-06-15", Value: 800}},
		},
	}
	c := newTestCompiler(p)
	q := models.SemanticQuery{
		Metrics:           []string{"spend"},
		TimeRange:         models.TimeRange{LastNDays: 7},
		Breakdown:         &models.Breakdown{Dimension: models.DimensionProvider, Limit: 5},
		IncludeTimeseries: true,
	}

	res, err := c.Compile(context.Background(), "ws1", q)
	assert.NoError(t, err)
	assert.Equal(t, models.DimensionProvider, p.groupDimension)
	assert.Len(t, res.EntityTimeseries, 1)
	assert.Len(t, res.EntityTimeseries[0].Points, 1)
}

func TestValidateAndCompileRoundTrip(t *testing.T) {
	q := models.SemanticQuery{
		Metrics:    []string{"cpc"},
		TimeRange:  models.TimeRange{LastNDays: 7},
		Breakdown:  &models.Breakdown{Dimension: models.DimensionEntity, Level: models.LevelAd, Limit: 3},
		Comparison: &models.Comparison{Type: models.ComparePreviousPeriod},
	}

	validator := models.NewSemanticValidator(models.DefaultRegistry(), clockwork.NewFakeClockAt(compilerNow))
	assert.True(t, validator.Validate(q).Valid)

	p := &fakeProvider{
		breakdown: []models.BreakdownItem{
			{EntityID: "a1", Values: map[string]float64{"cpc": 0.80}},
			{EntityID: "a2", Values: map[string]float64{"cpc": 1.10}},
			{EntityID: "a3", Values: map[string]float64{"cpc": 1.45}},
		},
		entityValues: map[string]float64{"a1": 0.90, "a2": 1.00, "a3": 1.45},
	}
	res, err := newTestCompiler(p).Compile(context.Background(), "ws1", q)
	assert.NoError(t, err)
	assert.Equal(t, models.StrategyEntityComparison, res.Strategy)
	assert.Len(t, res.EntityComparison, 3)
	assert.Equal(t, 3, p.breakdownLimit)
}

func TestCompileBreakdownDefaultSort(t *testing.T) {
	tests := []struct {
		name      string
		metric    string
		sort      models.SortOrder
		wantOrder models.SortOrder
	}{
		{name: "higher is better sorts desc", metric: "clicks", wantOrder: models.SortDesc},
		{name: "spend ranks biggest spenders first", metric: "spend", wantOrder: models.SortDesc},
		{name: "lower is better sorts asc", metric: "cpc", wantOrder: models.SortAsc},
		{name: "explicit sort wins", metric: "cpc", sort: models.SortDesc, wantOrder: models.SortDesc},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{}
			c := newTestCompiler(p)
			q := models.SemanticQuery{
				Metrics:   []string{tt.metric},
				TimeRange: models.TimeRange{LastNDays: 7},
				Breakdown: &models.Breakdown{Dimension: models.DimensionEntity, Level: models.LevelCampaign, Limit: 5, Sort: tt.sort},
			}
			_, err := c.Compile(context.Background(), "ws1", q)
			assert.NoError(t, err)
			assert.Equal(t, tt.wantOrder, p.breakdownOrder)
		})
	}
}

func TestCompileEmptyResultsAreValid(t *testing.T) {
	p := &fakeProvider{} // provider has no data at all
	c := newTestCompiler(p)
	q := models.SemanticQuery{
		Metrics:    []string{"spend"},
		TimeRange:  models.TimeRange{LastNDays: 7},
		Breakdown:  &models.Breakdown{Dimension: models.DimensionEntity, Level: models.LevelCampaign, Limit: 5},
		Comparison: &models.Comparison{Type: models.ComparePreviousPeriod},
	}

	res, err := c.Compile(context.Background(), "ws1", q)
	assert.NoError(t, err)
	assert.Empty(t, res.EntityComparison)
	assert.Empty(t, p.entityValuesIDs, "no previous-period lookup for an empty entity set")
}

func TestCompileTimeseriesWithComparison(t *testing.T) {
	p := &fakeProvider{
		summary: map[string]float64{"spend": 700},
		timeseries: []models.TimeseriesPoint{
			{Date: "2024-06-14", Value: 300},
			{Date: "2024-06-15", Value: 400},
		},
	}
	c := newTestCompiler(p)
	q := models.SemanticQuery{
		Metrics:           []string{"spend"},
		TimeRange:         models.TimeRange{LastNDays: 2},
		Comparison:        &models.Comparison{Type: models.ComparePreviousPeriod},
		IncludeTimeseries: true,
	}

	res, err := c.Compile(context.Background(), "ws1", q)
	assert.NoError(t, err)
	assert.Equal(t, models.StrategyTimeseries, res.Strategy)
	assert.Len(t, res.Timeseries, 2)
	assert.Len(t, res.Comparison, 1, "scalar comparison travels alongside the series")
}

func TestCompileEntityTimeseriesComparison(t *testing.T) {
	p := &fakeProvider{
		breakdown: []models.BreakdownItem{
			{EntityID: "e1", Values: map[string]float64{"spend": 500}},
			{EntityID: "e2", Values: map[string]float64{"spend": 300}},
		},
		entitySeries: map[string][]models.TimeseriesPoint{
			"e1": {{Date: "2024-06-15", Value: 500}},
			"e2": {{Date: "2024-06-15", Value: 300}},
		},
		entityValues: map[string]float64{"e1": 250},
	}
	c := newTestCompiler(p)
	q := models.SemanticQuery{
		Metrics:           []string{"spend"},
		TimeRange:         models.TimeRange{LastNDays: 7},
		Breakdown:         &models.Breakdown{Dimension: models.DimensionEntity, Level: models.LevelCampaign, Limit: 2},
		Comparison:        &models.Comparison{Type: models.ComparePreviousPeriod},
		IncludeTimeseries: true,
	}

	res, err := c.Compile(context.Background(), "ws1", q)
	assert.NoError(t, err)
	assert.Equal(t, models.StrategyEntityTimeseriesCompare, res.Strategy)
	assert.Len(t, res.EntityTimeseries, 2)

	e1 := res.EntityTimeseries[0]
	assert.NotNil(t, e1.Previous)
	assert.InDelta(t, 100, *e1.DeltaPct, 1e-9)

	e2 := res.EntityTimeseries[1]
	assert.Nil(t, e2.Previous)
	assert.Nil(t, e2.DeltaPct)
}

func TestCompileWrapsProviderErrors(t *testing.T) {
	boom := errors.New("connection refused")
	c := newTestCompiler(&fakeProvider{err: boom})
	q := models.SemanticQuery{Metrics: []string{"spend"}, TimeRange: models.TimeRange{LastNDays: 7}}

	_, err := c.Compile(context.Background(), "ws1", q)
	var ce *models.CompileError
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, models.LayerExecution, ce.Layer)
	assert.ErrorIs(t, err, boom)
	assert.NotContains(t, ce.UserMessage, "connection refused")
}
