package main

import (
	"strings"
	"testing"
	"time"

	"github.com/adlens/adlens/models"
	"github.com/stretchr/testify/assert"
)

func testWindow() models.Window {
	return models.Window{
		Start: time.Date(2024, 6, 9, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC),
	}
}

func TestDailyFinal(t *testing.T) {
	q, args := dailyFinal("ws1", testWindow(), []string{"provider = ?"}, []any{"meta"})

	assert.Contains(t, q, "argMax(spend, captured_at)")
	assert.Contains(t, q, "GROUP BY entity_id, provider, metrics_date")
	assert.Contains(t, q, "workspace_id = ?")
	assert.Contains(t, q, "provider = ?")
	assert.Equal(t, []any{"ws1", "2024-06-09", "2024-06-15", "meta"}, args)

	// Caller values never appear in the SQL text, only in the args.
	assert.NotContains(t, q, "ws1")
	assert.NotContains(t, q, "meta")
}

func TestFilterConds(t *testing.T) {
	tests := []struct {
		name     string
		filter   models.Filter
		wantCond string
		wantArg  any
	}{
		{
			name:     "provider equality",
			filter:   models.Filter{Dimension: models.DimensionProvider, Operator: models.OpEq, Value: "meta"},
			wantCond: "provider = ?",
			wantArg:  "meta",
		},
		{
			name:     "provider not equal",
			filter:   models.Filter{Dimension: models.DimensionProvider, Operator: models.OpNe, Value: "shopify"},
			wantCond: "provider != ?",
			wantArg:  "shopify",
		},
		{
			name:     "provider in list splits values",
			filter:   models.Filter{Dimension: models.DimensionProvider, Operator: models.OpIn, Value: "meta, google"},
			wantCond: "provider IN (?)",
			wantArg:  []string{"meta", "google"},
		},
		{
			name:     "entity id equality",
			filter:   models.Filter{Dimension: models.DimensionEntity, Operator: models.OpEq, Value: "e1"},
			wantCond: "entity_id = ?",
			wantArg:  "e1",
		},
		{
			name:     "entity contains matches name",
			filter:   models.Filter{Dimension: models.DimensionEntity, Operator: models.OpContains, Value: "sale"},
			wantCond: "positionCaseInsensitive(entity_name, ?) > 0",
			wantArg:  "sale",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conds, args, err := filterConds([]models.Filter{tt.filter})
			assert.NoError(t, err)
			assert.Equal(t, []string{tt.wantCond}, conds)
			assert.Equal(t, []any{tt.wantArg}, args)
		})
	}
}

func TestFilterCondsRejectsUnknowns(t *testing.T) {
	_, _, err := filterConds([]models.Filter{{Dimension: "channel", Operator: models.OpEq, Value: "x"}})
	assert.Error(t, err)

	_, _, err = filterConds([]models.Filter{{Dimension: models.DimensionEntity, Operator: "like", Value: "x"}})
	assert.Error(t, err)
}

func TestGroupColumn(t *testing.T) {
	assert.Equal(t, "provider", groupColumn(models.DimensionProvider))
	assert.Equal(t, "entity_id", groupColumn(models.DimensionEntity))
	assert.Equal(t, "entity_id", groupColumn(""))
}

func TestMetricExprsCoverRegistry(t *testing.T) {
	reg := models.DefaultRegistry()
	for _, key := range reg.MetricKeys() {
		expr, err := exprFor(key)
		assert.NoError(t, err, key)
		assert.NotEmpty(t, expr, key)
	}
	_, err := exprFor("roi")
	assert.Error(t, err)
}

func TestDerivedExprsDivideAggregates(t *testing.T) {
	// Derived metrics are ratios of summed bases, never averages of
	// per-row ratios.
	for _, key := range []string{"cpc", "cpm", "ctr", "cpa", "cpl", "cpi", "roas", "aov", "conversion_rate"} {
		expr := metricExprs[key]
		assert.True(t, strings.Contains(expr, "sum("), key)
		assert.True(t, strings.Contains(expr, "nullIf("), key)
	}
}
