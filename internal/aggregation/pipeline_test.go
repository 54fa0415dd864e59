package aggregation

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcx-hq/kcx-01-sub007/internal/filter"
	"github.com/kcx-hq/kcx-01-sub007/internal/memstore"
	"github.com/kcx-hq/kcx-01-sub007/internal/period"
	"github.com/kcx-hq/kcx-01-sub007/pkg/models"
)

var currentWeek = period.Window{
	Start: memstore.SampleStart.AddDate(0, 0, 7),
	End:   memstore.SampleStart.AddDate(0, 0, 13),
}

func sampleConstraint(t *testing.T, s *memstore.Store, req filter.Request) filter.Constraint {
	t.Helper()
	if req.UploadIDs == nil {
		req.UploadIDs = s.UploadIDsForClient(memstore.SampleClient)
	}
	c, err := filter.NewResolver(s).Resolve(context.Background(), req)
	require.NoError(t, err)
	return c
}

// failingStore fails every call, proving empty constraints never reach the store.
type failingStore struct{ err error }

func (f failingStore) SumSpend(context.Context, filter.Constraint, period.Window) (models.SpendTotals, error) {
	return models.SpendTotals{}, f.err
}
func (f failingStore) SumByDimension(context.Context, filter.Constraint, period.Window, models.Dimension, int) ([]models.AggregateRow, error) {
	return nil, f.err
}
func (f failingStore) DailyByDimension(context.Context, filter.Constraint, period.Window, models.Dimension) ([]models.TimeSeriesRow, error) {
	return nil, f.err
}
func (f failingStore) DailyUsage(context.Context, filter.Constraint, period.Window, string) ([]models.UsagePoint, error) {
	return nil, f.err
}
func (f failingStore) DailySkuPrices(context.Context, filter.Constraint, period.Window) ([]models.SkuPricePoint, error) {
	return nil, f.err
}
func (f failingStore) DailyResourceCosts(context.Context, filter.Constraint, period.Window) ([]models.ResourceCostPoint, error) {
	return nil, f.err
}
func (f failingStore) ResourceTags(context.Context, filter.Constraint, period.Window) ([]models.TaggedCost, error) {
	return nil, f.err
}

func TestEmptyConstraintShortCircuits(t *testing.T) {
	p := NewPipeline(failingStore{err: errors.New("must not be called")}, nil)
	ctx := context.Background()
	none := filter.None()

	total, err := p.TotalSpend(ctx, none, currentWeek)
	require.NoError(t, err)
	assert.Zero(t, total)

	breakdown, err := p.Breakdown(ctx, none, currentWeek, models.DimensionService)
	require.NoError(t, err)
	assert.NotNil(t, breakdown)
	assert.Empty(t, breakdown)

	series, err := p.TimeSeries(ctx, none, currentWeek, models.DimensionRegion)
	require.NoError(t, err)
	assert.NotNil(t, series)
	assert.Empty(t, series)

	usage, err := p.UsageSeries(ctx, none, currentWeek, "")
	require.NoError(t, err)
	assert.Empty(t, usage)

	skus, err := p.SkuPrices(ctx, none, currentWeek)
	require.NoError(t, err)
	assert.Empty(t, skus)

	resources, err := p.ResourceCosts(ctx, none, currentWeek)
	require.NoError(t, err)
	assert.Empty(t, resources)

	tags, err := p.TaggedCosts(ctx, none, currentWeek)
	require.NoError(t, err)
	assert.Empty(t, tags)
}

func TestEmptyUploadsYieldZero(t *testing.T) {
	s := memstore.New(memstore.SampleDataset())
	p := NewPipeline(s, nil)
	c := sampleConstraint(t, s, filter.Request{Provider: "AWS", UploadIDs: []string{}})

	total, err := p.TotalSpend(context.Background(), c, period.Window{})
	require.NoError(t, err)
	assert.Zero(t, total)

	rows, err := p.Breakdown(context.Background(), c, period.Window{}, models.DimensionService)
	require.NoError(t, err)
	assert.Equal(t, []models.AggregateRow{}, rows)
}

func TestStoreErrorsPropagate(t *testing.T) {
	storeErr := errors.New("connection reset")
	s := memstore.New(memstore.SampleDataset())
	c := sampleConstraint(t, s, filter.Request{})
	p := NewPipeline(failingStore{err: storeErr}, nil)

	_, err := p.TotalSpend(context.Background(), c, currentWeek)
	assert.ErrorIs(t, err, storeErr)
	_, err = p.Breakdown(context.Background(), c, currentWeek, models.DimensionService)
	assert.ErrorIs(t, err, storeErr)
	_, err = p.TimeSeries(context.Background(), c, currentWeek, models.DimensionService)
	assert.ErrorIs(t, err, storeErr)
}

func TestTotalSpendAndTotals(t *testing.T) {
	s := memstore.New(memstore.SampleDataset())
	p := NewPipeline(s, nil)
	c := sampleConstraint(t, s, filter.Request{})

	total, err := p.TotalSpend(context.Background(), c, currentWeek)
	require.NoError(t, err)
	assert.InDelta(t, 208.0, total, 1e-9)

	totals, err := p.Totals(context.Background(), c, currentWeek)
	require.NoError(t, err)
	assert.InDelta(t, 168+68.0, totals.List, 1e-9)
	assert.InDelta(t, 126+68.0, totals.Effective, 1e-9)
}

func TestBreakdown_FilteredByProvider(t *testing.T) {
	s := memstore.New(memstore.SampleDataset())
	p := NewPipeline(s, nil)
	c := sampleConstraint(t, s, filter.Request{Provider: "AWS"})

	rows, err := p.Breakdown(context.Background(), c, period.Window{}, models.DimensionService)
	require.NoError(t, err)
	assert.Equal(t, []models.AggregateRow{{Key: 10, Value: 222}, {Key: 11, Value: 35}}, rows)
}

type manyGroupsStore struct{ failingStore }

func (manyGroupsStore) SumByDimension(_ context.Context, _ filter.Constraint, _ period.Window, _ models.Dimension, _ int) ([]models.AggregateRow, error) {
	var rows []models.AggregateRow
	for i := 0; i < 80; i++ {
		rows = append(rows, models.AggregateRow{Key: int64(i), Value: float64(i % 7)})
	}
	rows = append(rows, models.AggregateRow{Key: 999, Value: math.NaN()})
	return rows, nil
}

func TestBreakdown_SortedAndCapped(t *testing.T) {
	s := memstore.New(memstore.SampleDataset())
	c := sampleConstraint(t, s, filter.Request{})
	p := NewPipeline(manyGroupsStore{}, nil)

	rows, err := p.Breakdown(context.Background(), c, period.Window{}, models.DimensionService)
	require.NoError(t, err)
	require.Len(t, rows, BreakdownLimit)
	for i := 1; i < len(rows); i++ {
		assert.GreaterOrEqual(t, rows[i-1].Value, rows[i].Value)
		if rows[i-1].Value == rows[i].Value {
			assert.Less(t, rows[i-1].Key, rows[i].Key, "ties keep store order")
		}
	}
	for _, r := range rows {
		assert.NotEqual(t, int64(999), r.Key)
	}
}

func TestTimeSeries_AscendingByDay(t *testing.T) {
	s := memstore.New(memstore.SampleDataset())
	p := NewPipeline(s, nil)
	c := sampleConstraint(t, s, filter.Request{})

	rows, err := p.TimeSeries(context.Background(), c, currentWeek, models.DimensionProvider)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	for i := 1; i < len(rows); i++ {
		assert.False(t, rows[i].Date.Before(rows[i-1].Date))
	}
	assert.Equal(t, currentWeek.Start, rows[0].Date)
}

func TestDailyTotals_FillsGaps(t *testing.T) {
	s := memstore.New(memstore.SampleDataset())
	p := NewPipeline(s, nil)
	c := sampleConstraint(t, s, filter.Request{Service: "Amazon S3"})

	days, err := p.DailyTotals(context.Background(), c, period.Window{
		Start: memstore.SampleStart.AddDate(0, 0, 5),
		End:   memstore.SampleStart.AddDate(0, 0, 9),
	})
	require.NoError(t, err)
	require.Len(t, days, 5)
	got := make([]float64, len(days))
	for i, d := range days {
		got[i] = d.Cost
	}
	assert.Equal(t, []float64{5, 5, 0, 0, 0}, got)
}

func TestCollapseDaily_Unbounded(t *testing.T) {
	d1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 2)
	rows := []models.TimeSeriesRow{{Date: d1, Key: 1, Cost: 1}, {Date: d1, Key: 2, Cost: 2}, {Date: d2, Key: 1, Cost: 4}}

	out := collapseDaily(rows, period.Window{})
	assert.Equal(t, []models.DailyCost{{Date: d1, Cost: 3}, {Date: d2, Cost: 4}}, out)
	assert.Equal(t, []models.DailyCost{}, collapseDaily(nil, period.Window{}))
}

func TestUsageSeries_SkuFilter(t *testing.T) {
	s := memstore.New(memstore.SampleDataset())
	p := NewPipeline(s, nil)
	c := sampleConstraint(t, s, filter.Request{})

	rows, err := p.UsageSeries(context.Background(), c, period.Window{}, "ec2-m5")
	require.NoError(t, err)
	require.Len(t, rows, 14)
	assert.Equal(t, models.UsagePoint{Date: memstore.SampleStart, Cost: 13, Quantity: 13}, rows[0])
	assert.Equal(t, 20.0, rows[13].Cost)
}
