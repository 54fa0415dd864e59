package analytics

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcx-hq/kcx-01-sub007/internal/aggregation"
	"github.com/kcx-hq/kcx-01-sub007/internal/anomaly"
	"github.com/kcx-hq/kcx-01-sub007/internal/drivers"
	"github.com/kcx-hq/kcx-01-sub007/internal/filter"
	"github.com/kcx-hq/kcx-01-sub007/internal/memstore"
	"github.com/kcx-hq/kcx-01-sub007/internal/names"
	"github.com/kcx-hq/kcx-01-sub007/internal/period"
	"github.com/kcx-hq/kcx-01-sub007/internal/quality"
	"github.com/kcx-hq/kcx-01-sub007/pkg/models"
)

func newSampleEngine(t *testing.T) *Engine {
	t.Helper()
	store := memstore.New(memstore.SampleDataset())
	return newEngineWith(store, store, DefaultSettings())
}

func newEngineWith(store *memstore.Store, lookup filter.DimensionLookup, settings Settings) *Engine {
	e := NewEngine(
		filter.NewResolver(lookup),
		aggregation.NewPipeline(store, nil),
		names.NewResolver(store, nil, 0, nil),
		settings,
		nil,
	)
	e.now = func() time.Time { return memstore.SampleStart.AddDate(0, 0, 13) }
	return e
}

type countingLookup struct {
	inner filter.DimensionLookup
	calls atomic.Int64
}

func (l *countingLookup) LookupKeys(ctx context.Context, dim models.Dimension, name string) ([]int64, error) {
	l.calls.Add(1)
	return l.inner.LookupKeys(ctx, dim, name)
}

func window(t *testing.T, fromDay, toDay int) period.Window {
	t.Helper()
	w, err := period.FromRange(memstore.SampleStart.AddDate(0, 0, fromDay), memstore.SampleStart.AddDate(0, 0, toDay))
	require.NoError(t, err)
	return w
}

func acme(t *testing.T, fromDay, toDay int) Query {
	return Query{
		Filter: filter.Request{UploadIDs: []string{"u-acme-1", "u-acme-2"}},
		Window: window(t, fromDay, toDay),
	}
}

func TestCostAnalysis_CurrentWeek(t *testing.T) {
	e := newSampleEngine(t)

	res, err := e.CostAnalysis(context.Background(), acme(t, 7, 13))
	require.NoError(t, err)

	assert.Equal(t, CostKPIs{
		TotalSpend:    208,
		ListCost:      236,
		EffectiveCost: 194,
		Savings:       42,
		SavingsPct:    17.8,
		AvgDailySpend: 29.71,
		Forecast:      208,
	}, res.KPIs)
	assert.Equal(t, []models.NamedValue{
		{Name: "Amazon EC2", Value: 140},
		{Name: "Virtual Machines", Value: 68},
	}, res.Breakdown)
}

func TestCostAnalysis_FailClosed(t *testing.T) {
	e := newSampleEngine(t)

	tests := []struct {
		name string
		req  filter.Request
	}{
		{"no uploads", filter.Request{Provider: "AWS"}},
		{"unknown provider", filter.Request{Provider: "GCP", UploadIDs: []string{"u-acme-1", "u-acme-2"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.CostAnalysis(context.Background(), Query{Filter: tt.req, Window: window(t, 0, 13)})
			require.NoError(t, err)
			assert.Equal(t, 0.0, res.KPIs.TotalSpend)
			assert.NotNil(t, res.Breakdown)
			assert.Empty(t, res.Breakdown)

			drv, err := e.CostDrivers(context.Background(), Query{Filter: tt.req, Window: window(t, 7, 13)})
			require.NoError(t, err)
			assert.Equal(t, drivers.Empty(), drv)
		})
	}
}

func TestCostAnalysis_DimensionFilterAndGroupBy(t *testing.T) {
	e := newSampleEngine(t)
	q := acme(t, 7, 13)
	q.Filter.Provider = "Azure"
	q.GroupBy = "not-a-dimension"

	res, err := e.CostAnalysis(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 68.0, res.KPIs.TotalSpend)
	assert.Equal(t, []models.NamedValue{{Name: "Virtual Machines", Value: 68}}, res.Breakdown)

	q = acme(t, 0, 13)
	q.GroupBy = models.DimensionProvider
	res, err = e.CostAnalysis(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []models.NamedValue{{Name: "AWS", Value: 257}, {Name: "Azure", Value: 68}}, res.Breakdown)
}

func TestCostAnalysis_TenantIsolation(t *testing.T) {
	e := newSampleEngine(t)

	res, err := e.CostAnalysis(context.Background(), Query{
		Filter: filter.Request{UploadIDs: []string{"u-globex-1"}},
		Window: window(t, 0, 13),
	})
	require.NoError(t, err)
	assert.Equal(t, 14000.0, res.KPIs.TotalSpend)

	res, err = e.CostAnalysis(context.Background(), acme(t, 0, 13))
	require.NoError(t, err)
	assert.Equal(t, 325.0, res.KPIs.TotalSpend)
}

func TestCostAnalysis_DefaultWindow(t *testing.T) {
	e := newSampleEngine(t)

	res, err := e.CostAnalysis(context.Background(), Query{Filter: filter.Request{UploadIDs: []string{"u-acme-1", "u-acme-2"}}})
	require.NoError(t, err)
	assert.Equal(t, 325.0, res.KPIs.TotalSpend)
	assert.Equal(t, 10.83, res.KPIs.AvgDailySpend)
}

func TestCostDrivers_WeekOverWeek(t *testing.T) {
	e := newSampleEngine(t)

	res, err := e.CostDrivers(context.Background(), acme(t, 7, 13))
	require.NoError(t, err)

	require.Len(t, res.Increases, 2)
	assert.Equal(t, "Virtual Machines", res.Increases[0].Name)
	assert.True(t, res.Increases[0].IsNew)
	assert.Equal(t, "Amazon EC2", res.Increases[1].Name)
	assert.Equal(t, 58.0, res.Increases[1].Diff)

	require.Len(t, res.Decreases, 1)
	assert.Equal(t, "Amazon S3", res.Decreases[0].Name)
	assert.True(t, res.Decreases[0].IsRemoved)

	assert.Equal(t, drivers.Dynamics{NewSpend: 68, Deleted: 35, Expansion: 58}, res.Dynamics)
	assert.Equal(t, 91.0, res.OverallStats.Diff)
	assert.InDelta(t, 77.78, res.OverallStats.Pct, 0.01)
}

func TestTimeSeries(t *testing.T) {
	e := newSampleEngine(t)

	q := acme(t, 12, 13)
	q.GroupBy = models.DimensionProvider
	got, err := e.TimeSeries(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []models.NamedSeriesPoint{
		{Date: "2024-03-13", Name: "AWS", Cost: 20},
		{Date: "2024-03-13", Name: "Azure", Cost: 8},
		{Date: "2024-03-14", Name: "AWS", Cost: 20},
		{Date: "2024-03-14", Name: "Azure", Cost: 20},
	}, got)
}

func TestUnitEconomics(t *testing.T) {
	e := newSampleEngine(t)

	res, err := e.UnitEconomics(context.Background(), acme(t, 7, 13))
	require.NoError(t, err)
	assert.Equal(t, UnitKPIs{TotalCost: 208, TotalQuantity: 104, AvgUnitPrice: 2}, res.KPIs)
	assert.Len(t, res.Trend, 7)
	assert.Equal(t, anomaly.StatusStable, res.Drift.Status)

	q := acme(t, 0, 13)
	q.Sku = "ec2-m5"
	res, err = e.UnitEconomics(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, "ec2-m5", res.Drift.Sku)
	assert.Equal(t, 1.0, res.Drift.BaselineUnitPrice)
	assert.Equal(t, 2.0, res.Drift.CurrentUnitPrice)
	assert.Equal(t, 100.0, res.Drift.ChangePct)
	assert.Equal(t, anomaly.StatusDrift, res.Drift.Status)
}

func TestUnitEconomics_AgreesWithSkuDriftBaseline(t *testing.T) {
	store := memstore.New(memstore.SampleDataset())
	settings := DefaultSettings()
	settings.DriftBaselineWindow = 3
	e := newEngineWith(store, store, settings)

	q := acme(t, 0, 13)
	q.Sku = "ec2-m5"
	ue, err := e.UnitEconomics(context.Background(), q)
	require.NoError(t, err)

	drifts, err := e.SkuDrift(context.Background(), acme(t, 0, 13))
	require.NoError(t, err)
	var sku anomaly.Drift
	for _, d := range drifts {
		if d.Sku == "ec2-m5" {
			sku = d
		}
	}
	require.Equal(t, "ec2-m5", sku.Sku)

	assert.Equal(t, sku, ue.Drift)
	assert.Equal(t, 2.0, ue.Drift.BaselineUnitPrice)
	assert.Equal(t, 0.0, ue.Drift.ChangePct)
	assert.Equal(t, anomaly.StatusStable, ue.Drift.Status)
}

func TestSkuDrift(t *testing.T) {
	e := newSampleEngine(t)

	got, err := e.SkuDrift(context.Background(), acme(t, 0, 13))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "ec2-m5", got[0].Sku)
	assert.Equal(t, anomaly.StatusDrift, got[0].Status)
	assert.Equal(t, anomaly.StatusStable, got[1].Status)
	assert.Equal(t, anomaly.StatusStable, got[2].Status)
}

func TestAnomalies(t *testing.T) {
	e := newSampleEngine(t)

	res, err := e.Anomalies(context.Background(), acme(t, 7, 13))
	require.NoError(t, err)
	require.Len(t, res.Series, 7)
	assert.Equal(t, 29.71, res.Mean)
	assert.Equal(t, []int{6}, res.Anomalies)
	assert.Equal(t, 40.0, res.Series[6].Cost)
	assert.Empty(t, res.Spikes)
}

func TestInventory(t *testing.T) {
	e := newSampleEngine(t)

	got, err := e.Inventory(context.Background(), acme(t, 0, 13))
	require.NoError(t, err)

	states := map[string]anomaly.LifecycleState{}
	for _, r := range got {
		states[r.ResourceID] = r.State
	}
	assert.Equal(t, map[string]anomaly.LifecycleState{
		"bucket-1": anomaly.StateStable,
		"i-1":      anomaly.StateStable,
		"i-zombie": anomaly.StateZombie,
		"vm-1":     anomaly.StateNew,
	}, states)
}

func TestDataQuality(t *testing.T) {
	e := newSampleEngine(t)

	s, err := e.DataQuality(context.Background(), acme(t, 7, 13))
	require.NoError(t, err)
	assert.Equal(t, 67.31, s.CompliancePct)
	assert.Equal(t, 32.69, s.UntaggedPct)
	assert.Equal(t, quality.RiskMedium, s.RiskLevel)
}

func TestInsights(t *testing.T) {
	e := newSampleEngine(t)

	got, err := e.Insights(context.Background(), acme(t, 0, 13))
	require.NoError(t, err)
	require.NotEmpty(t, got)

	assert.Equal(t, InsightPriceDrift, got[0].Type)
	assert.Equal(t, SeverityCritical, got[0].Severity)
	assert.Equal(t, "ec2-m5", got[0].AffectedEntity)

	types := map[InsightType]bool{}
	for _, in := range got {
		types[in.Type] = true
		assert.Equal(t, e.now(), in.CreatedAt)
	}
	assert.True(t, types[InsightCostSpike])
	assert.True(t, types[InsightIdleResource])
	assert.True(t, types[InsightTagCompliance])
}

func TestInsights_EmptyScope(t *testing.T) {
	e := newSampleEngine(t)

	got, err := e.Insights(context.Background(), Query{Window: window(t, 0, 13)})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestGenerateReport(t *testing.T) {
	e := newSampleEngine(t)

	r, err := e.GenerateReport(context.Background(), acme(t, 7, 13))
	require.NoError(t, err)
	assert.Equal(t, memstore.SampleStart.AddDate(0, 0, 7), r.From)
	assert.Equal(t, memstore.SampleStart.AddDate(0, 0, 13), r.To)
	assert.Equal(t, 208.0, r.Analysis.KPIs.TotalSpend)
	assert.Equal(t, 91.0, r.Drivers.OverallStats.Diff)
	assert.Equal(t, []int{6}, r.Anomalies.Anomalies)
	assert.Equal(t, quality.RiskMedium, r.Quality.RiskLevel)
}

func TestGenerateReport_ResolvesFilterOnce(t *testing.T) {
	store := memstore.New(memstore.SampleDataset())
	lookup := &countingLookup{inner: store}
	e := newEngineWith(store, lookup, DefaultSettings())

	q := acme(t, 7, 13)
	q.Filter.Provider = "AWS"
	r, err := e.GenerateReport(context.Background(), q)
	require.NoError(t, err)

	assert.Equal(t, int64(1), lookup.calls.Load())
	assert.Equal(t, 140.0, r.Analysis.KPIs.TotalSpend)
	assert.Equal(t, []models.NamedValue{{Name: "Amazon EC2", Value: 140}}, r.Analysis.Breakdown)
	assert.NotNil(t, r.Insights)
}
