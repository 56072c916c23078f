package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/adlens/adlens/models"
	"github.com/jonboulle/clockwork"
)

// Compiler turns a validated SemanticQuery into concrete data fetches
// against the metric-value provider and assembles the unified result.
//
// Compiler instances hold no mutable state beyond the injected registry
// and provider, so they are safe to share across request handlers.
type Compiler struct {
	provider models.MetricValueProvider
	reg      *models.Registry
	clock    clockwork.Clock
	log      *slog.Logger
}

// NewCompiler creates a Compiler over the given provider and registry.
func NewCompiler(provider models.MetricValueProvider, reg *models.Registry, clock clockwork.Clock, log *slog.Logger) *Compiler {
	return &Compiler{provider: provider, reg: reg, clock: clock, log: log}
}

// ErrWorkspaceRequired is returned when Compile is called without a
// workspace identifier. Workspace scoping is enforced here in addition to
// the provider layer.
var ErrWorkspaceRequired = errors.New("workspace id is required")

// SelectStrategy maps the presence of the three orthogonal optional
// fields to a compilation strategy.
func SelectStrategy(q models.SemanticQuery) models.Strategy {
	hasBreakdown := q.Breakdown != nil
	hasComparison := q.Comparison != nil

	switch {
	case hasBreakdown && hasComparison && q.IncludeTimeseries:
		return models.StrategyEntityTimeseriesCompare
	case hasBreakdown && q.IncludeTimeseries:
		return models.StrategyEntityTimeseries
	case hasBreakdown && hasComparison:
		return models.StrategyEntityComparison
	case hasBreakdown && q.Breakdown.Dimension == models.DimensionProvider:
		return models.StrategyProviderBreakdown
	case hasBreakdown:
		return models.StrategyBreakdown
	case q.IncludeTimeseries:
		// With a comparison also set, the timeseries strategy carries
		// the scalar comparison pairs alongside the series.
		return models.StrategyTimeseries
	case hasComparison:
		return models.StrategyComparison
	default:
		return models.StrategySummary
	}
}

// Compile executes the query against the provider. The query must already
// have passed validation; Compile still refuses structurally unusable
// input (empty workspace, unresolvable window) rather than guessing.
func (c *Compiler) Compile(ctx context.Context, workspaceID string, q models.SemanticQuery) (*models.CompilationResult, error) {
	if workspaceID == "" {
		return nil, &models.CompileError{
			Layer:       models.LayerSchema,
			Stage:       "compile",
			UserMessage: "workspace is missing from the request",
			Err:         ErrWorkspaceRequired,
		}
	}

	window, ok := q.TimeRange.Resolve(c.clock.Now())
	if !ok {
		return nil, &models.CompileError{
			Layer:       models.LayerSchema,
			Stage:       "compile",
			UserMessage: "the time range could not be resolved",
			Err:         fmt.Errorf("unresolvable time range %+v", q.TimeRange),
		}
	}

	strategy := SelectStrategy(q)
	done := beginStage(c.log, "compiler", string(strategy),
		slog.String("workspace", workspaceID),
		slog.Any("metrics", q.Metrics))

	res := &models.CompilationResult{Strategy: strategy, Format: q.Format}
	if res.Format == "" {
		res.Format = models.FormatAuto
	}

	var err error
	switch strategy {
	case models.StrategySummary:
		err = c.compileSummary(ctx, workspaceID, q, window, res)
	case models.StrategyComparison:
		err = c.compileComparison(ctx, workspaceID, q, res)
	case models.StrategyBreakdown, models.StrategyProviderBreakdown:
		err = c.compileBreakdown(ctx, workspaceID, q, window, res)
	case models.StrategyEntityComparison:
		err = c.compileEntityComparison(ctx, workspaceID, q, res)
	case models.StrategyTimeseries:
		err = c.compileTimeseries(ctx, workspaceID, q, window, res)
	case models.StrategyEntityTimeseries:
		err = c.compileEntityTimeseries(ctx, workspaceID, q, window, res)
	case models.StrategyEntityTimeseriesCompare:
		err = c.compileEntityTimeseriesComparison(ctx, workspaceID, q, res)
	}
	done(err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Compiler) compileSummary(ctx context.Context, workspaceID string, q models.SemanticQuery, window models.Window, res *models.CompilationResult) error {
	values, err := c.provider.GetSummary(ctx, workspaceID, q.Metrics, window, q.Filters)
	if err != nil {
		return models.NewExecutionError("summary", err)
	}
	for _, m := range q.Metrics {
		res.Summary = append(res.Summary, models.SummaryValue{Metric: m, Value: values[m]})
	}
	return nil
}

func (c *Compiler) compileComparison(ctx context.Context, workspaceID string, q models.SemanticQuery, res *models.CompilationResult) error {
	current, previous, ok := q.ComparisonWindows(c.clock.Now())
	if !ok {
		return &models.CompileError{
			Layer:       models.LayerSemantic,
			Stage:       "comparison",
			UserMessage: "the comparison windows could not be resolved",
			Err:         errors.New("unresolvable comparison windows"),
		}
	}
	currentVals, err := c.provider.GetSummary(ctx, workspaceID, q.Metrics, current, q.Filters)
	if err != nil {
		return models.NewExecutionError("comparison/current", err)
	}
	previousVals, err := c.provider.GetSummary(ctx, workspaceID, q.Metrics, previous, q.Filters)
	if err != nil {
		return models.NewExecutionError("comparison/previous", err)
	}
	for _, m := range q.Metrics {
		cur := currentVals[m]
		prev := previousVals[m]
		res.Comparison = append(res.Comparison, models.ComparisonPair{
			Metric:   m,
			Current:  cur,
			Previous: prev,
			DeltaPct: models.DeltaPercent(cur, &prev),
		})
	}
	return nil
}

func (c *Compiler) compileBreakdown(ctx context.Context, workspaceID string, q models.SemanticQuery, window models.Window, res *models.CompilationResult) error {
	items, err := c.fetchBreakdown(ctx, workspaceID, q, window)
	if err != nil {
		return err
	}
	res.Breakdown = items
	return nil
}

// fetchBreakdown resolves the ranked top-N entity rows for the current
// window. Shared by every breakdown-bearing strategy so the entity set is
// computed exactly one way.
func (c *Compiler) fetchBreakdown(ctx context.Context, workspaceID string, q models.SemanticQuery, window models.Window) ([]models.BreakdownItem, error) {
	b := q.Breakdown
	order := b.Sort
	if order == "" {
		order = models.SortDesc
		if m, ok := c.reg.Metric(q.SortMetric()); ok && m.Inverse {
			order = models.SortAsc
		}
	}
	items, err := c.provider.GetBreakdown(ctx, workspaceID, q.Metrics, b.Dimension, b.Level, b.Limit, q.SortMetric(), order, window, q.Filters)
	if err != nil {
		return nil, models.NewExecutionError("breakdown", err)
	}
	return items, nil
}

// compileEntityComparison is breakdown+comparison combined: the top-N
// entity set is resolved once, for the current period, and the previous
// period is a lookup for that same fixed set. "Top 3 vs last week" means
// what today's top 3 were doing last week, not last week's own top 3.
func (c *Compiler) compileEntityComparison(ctx context.Context, workspaceID string, q models.SemanticQuery, res *models.CompilationResult) error {
	current, previous, ok := q.ComparisonWindows(c.clock.Now())
	if !ok {
		return &models.CompileError{
			Layer:       models.LayerSemantic,
			Stage:       "entity_comparison",
			UserMessage: "the comparison windows could not be resolved",
			Err:         errors.New("unresolvable comparison windows"),
		}
	}

	items, err := c.fetchBreakdown(ctx, workspaceID, q, current)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil // empty result sets are valid
	}

	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.EntityID)
	}
	metric := q.SortMetric()
	prevVals, err := c.provider.GetGroupValues(ctx, workspaceID, q.Breakdown.Dimension, ids, metric, previous)
	if err != nil {
		return models.NewExecutionError("entity_comparison/previous", err)
	}

	for _, it := range items {
		item := models.EntityComparisonItem{
			EntityID:   it.EntityID,
			EntityName: it.EntityName,
			Metric:     metric,
			Current:    it.SortValue(metric),
		}
		if prev, found := prevVals[it.EntityID]; found {
			p := prev
			item.Previous = &p
		}
		item.DeltaPct = models.DeltaPercent(item.Current, item.Previous)
		res.EntityComparison = append(res.EntityComparison, item)
	}
	return nil
}

func (c *Compiler) compileTimeseries(ctx context.Context, workspaceID string, q models.SemanticQuery, window models.Window, res *models.CompilationResult) error {
	points, err := c.provider.GetTimeseries(ctx, workspaceID, q.SortMetric(), window, q.Filters)
	if err != nil {
		return models.NewExecutionError("timeseries", err)
	}
	res.Timeseries = points
	if q.Comparison != nil {
		return c.compileComparison(ctx, workspaceID, q, res)
	}
	return c.compileSummary(ctx, workspaceID, q, window, res)
}

func (c *Compiler) compileEntityTimeseries(ctx context.Context, workspaceID string, q models.SemanticQuery, window models.Window, res *models.CompilationResult) error {
	items, err := c.fetchBreakdown(ctx, workspaceID, q, window)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.EntityID)
	}
	metric := q.SortMetric()
	series, err := c.provider.GetGroupTimeseries(ctx, workspaceID, q.Breakdown.Dimension, ids, metric, window)
	if err != nil {
		return models.NewExecutionError("entity_timeseries", err)
	}
	for _, it := range items {
		res.EntityTimeseries = append(res.EntityTimeseries, models.EntityTimeseriesItem{
			EntityID:   it.EntityID,
			EntityName: it.EntityName,
			Metric:     metric,
			Points:     series[it.EntityID],
			Current:    it.SortValue(metric),
		})
	}
	return nil
}

// compileEntityTimeseriesComparison layers a per-entity previous-period
// comparison onto entity timeseries. The entity set is the current
// period's top-N throughout.
func (c *Compiler) compileEntityTimeseriesComparison(ctx context.Context, workspaceID string, q models.SemanticQuery, res *models.CompilationResult) error {
	current, previous, ok := q.ComparisonWindows(c.clock.Now())
	if !ok {
		return &models.CompileError{
			Layer:       models.LayerSemantic,
			Stage:       "entity_timeseries_comparison",
			UserMessage: "the comparison windows could not be resolved",
			Err:         errors.New("unresolvable comparison windows"),
		}
	}
	if err := c.compileEntityTimeseries(ctx, workspaceID, q, current, res); err != nil {
		return err
	}
	if len(res.EntityTimeseries) == 0 {
		return nil
	}
	ids := make([]string, 0, len(res.EntityTimeseries))
	for _, it := range res.EntityTimeseries {
		ids = append(ids, it.EntityID)
	}
	prevVals, err := c.provider.GetGroupValues(ctx, workspaceID, q.Breakdown.Dimension, ids, q.SortMetric(), previous)
	if err != nil {
		return models.NewExecutionError("entity_timeseries_comparison/previous", err)
	}
	for i := range res.EntityTimeseries {
		it := &res.EntityTimeseries[i]
		if prev, found := prevVals[it.EntityID]; found {
			p := prev
			it.Previous = &p
		}
		it.DeltaPct = models.DeltaPercent(it.Current, it.Previous)
	}
	return nil
}
