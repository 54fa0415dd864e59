// Package aggregation executes grouped and time-bucketed spend sums against the
// billing fact store.
//
// Every operation takes the resolved filter.Constraint by value. An empty
// constraint short-circuits to a zero result without touching the store, and
// rows with billed cost <= 0 (credits, refunds) never count towards spend.
package aggregation

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kcx-hq/kcx-01-sub007/internal/filter"
	"github.com/kcx-hq/kcx-01-sub007/internal/formula"
	"github.com/kcx-hq/kcx-01-sub007/internal/period"
	"github.com/kcx-hq/kcx-01-sub007/pkg/models"
)

// BreakdownLimit caps the number of groups a breakdown returns.
const BreakdownLimit = 50

// Store is the read-only fact store. Implementations must apply every key set
// in the constraint and the billed_cost > 0 predicate.
type Store interface {
	SumSpend(ctx context.Context, c filter.Constraint, w period.Window) (models.SpendTotals, error)
	SumByDimension(ctx context.Context, c filter.Constraint, w period.Window, dim models.Dimension, limit int) ([]models.AggregateRow, error)
	DailyByDimension(ctx context.Context, c filter.Constraint, w period.Window, dim models.Dimension) ([]models.TimeSeriesRow, error)
	DailyUsage(ctx context.Context, c filter.Constraint, w period.Window, sku string) ([]models.UsagePoint, error)
	DailySkuPrices(ctx context.Context, c filter.Constraint, w period.Window) ([]models.SkuPricePoint, error)
	DailyResourceCosts(ctx context.Context, c filter.Constraint, w period.Window) ([]models.ResourceCostPoint, error)
	ResourceTags(ctx context.Context, c filter.Constraint, w period.Window) ([]models.TaggedCost, error)
}

// Pipeline runs aggregations against a Store.
type Pipeline struct {
	store  Store
	logger *zap.Logger
	tracer trace.Tracer
}

// NewPipeline creates a Pipeline. A nil logger disables logging.
func NewPipeline(store Store, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:  store,
		logger: logger.Named("aggregation"),
		tracer: otel.Tracer("aggregation"),
	}
}

func (p *Pipeline) start(ctx context.Context, op string, c filter.Constraint, w period.Window) (context.Context, trace.Span) {
	ctx, span := p.tracer.Start(ctx, "aggregation."+op)
	span.SetAttributes(
		attribute.Int("uploads", len(c.UploadIDs())),
		attribute.Int("window_days", w.Days()),
	)
	return ctx, span
}

func (p *Pipeline) fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.logger.Warn("aggregation failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%s: %w", op, err)
}

// TotalSpend returns the positive billed cost for the constraint.
func (p *Pipeline) TotalSpend(ctx context.Context, c filter.Constraint, w period.Window) (float64, error) {
	totals, err := p.Totals(ctx, c, w)
	if err != nil {
		return 0, err
	}
	return totals.Billed, nil
}

// Totals returns the billed, effective and list cost sums for the constraint.
func (p *Pipeline) Totals(ctx context.Context, c filter.Constraint, w period.Window) (models.SpendTotals, error) {
	if c.IsEmpty() {
		return models.SpendTotals{}, nil
	}
	ctx, span := p.start(ctx, "total_spend", c, w)
	defer span.End()

	totals, err := p.store.SumSpend(ctx, c, w)
	if err != nil {
		return models.SpendTotals{}, p.fail(span, "total spend", err)
	}
	return models.SpendTotals{
		Billed:    formula.CoerceFinite(totals.Billed),
		Effective: formula.CoerceFinite(totals.Effective),
		List:      formula.CoerceFinite(totals.List),
	}, nil
}

// Breakdown returns spend grouped by dim, largest first, capped at BreakdownLimit.
func (p *Pipeline) Breakdown(ctx context.Context, c filter.Constraint, w period.Window, dim models.Dimension) ([]models.AggregateRow, error) {
	if c.IsEmpty() {
		return []models.AggregateRow{}, nil
	}
	ctx, span := p.start(ctx, "breakdown", c, w)
	defer span.End()
	span.SetAttributes(attribute.String("dimension", string(dim)))

	rows, err := p.store.SumByDimension(ctx, c, w, dim, BreakdownLimit)
	if err != nil {
		return nil, p.fail(span, "breakdown", err)
	}

	out := make([]models.AggregateRow, 0, len(rows))
	for _, r := range rows {
		r.Value = formula.CoerceFinite(r.Value)
		if r.Value > 0 {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Value > out[j].Value })
	if len(out) > BreakdownLimit {
		out = out[:BreakdownLimit]
	}
	return out, nil
}

// TimeSeries returns spend per (day, dim key), ascending by day.
func (p *Pipeline) TimeSeries(ctx context.Context, c filter.Constraint, w period.Window, dim models.Dimension) ([]models.TimeSeriesRow, error) {
	if c.IsEmpty() {
		return []models.TimeSeriesRow{}, nil
	}
	ctx, span := p.start(ctx, "time_series", c, w)
	defer span.End()
	span.SetAttributes(attribute.String("dimension", string(dim)))

	rows, err := p.store.DailyByDimension(ctx, c, w, dim)
	if err != nil {
		return nil, p.fail(span, "time series", err)
	}
	out := make([]models.TimeSeriesRow, 0, len(rows))
	for _, r := range rows {
		r.Date = formula.TruncateDay(r.Date)
		r.Cost = formula.CoerceFinite(r.Cost)
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// DailyTotals collapses the per-dimension time series into one cost per day,
// filling days without spend with 0 when the window is bounded.
func (p *Pipeline) DailyTotals(ctx context.Context, c filter.Constraint, w period.Window) ([]models.DailyCost, error) {
	rows, err := p.TimeSeries(ctx, c, w, models.DimensionProvider)
	if err != nil {
		return nil, err
	}
	return collapseDaily(rows, w), nil
}

func collapseDaily(rows []models.TimeSeriesRow, w period.Window) []models.DailyCost {
	if len(rows) == 0 && w.IsZero() {
		return []models.DailyCost{}
	}
	byDay := make(map[int64]float64, len(rows))
	for _, r := range rows {
		byDay[r.Date.Unix()] += r.Cost
	}

	if w.IsZero() {
		out := make([]models.DailyCost, 0, len(byDay))
		for _, r := range rows {
			k := r.Date.Unix()
			if v, ok := byDay[k]; ok {
				out = append(out, models.DailyCost{Date: r.Date, Cost: v})
				delete(byDay, k)
			}
		}
		return out
	}

	out := make([]models.DailyCost, 0, w.Days())
	for d := w.Start; !d.After(w.End); d = d.AddDate(0, 0, 1) {
		out = append(out, models.DailyCost{Date: d, Cost: byDay[d.Unix()]})
	}
	return out
}

// UsageSeries returns daily cost and pricing quantity, optionally for one SKU.
func (p *Pipeline) UsageSeries(ctx context.Context, c filter.Constraint, w period.Window, sku string) ([]models.UsagePoint, error) {
	if c.IsEmpty() {
		return []models.UsagePoint{}, nil
	}
	ctx, span := p.start(ctx, "usage_series", c, w)
	defer span.End()

	rows, err := p.store.DailyUsage(ctx, c, w, sku)
	if err != nil {
		return nil, p.fail(span, "usage series", err)
	}
	for i := range rows {
		rows[i].Date = formula.TruncateDay(rows[i].Date)
		rows[i].Cost = formula.CoerceFinite(rows[i].Cost)
		rows[i].Quantity = formula.CoerceFinite(rows[i].Quantity)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Date.Before(rows[j].Date) })
	return rows, nil
}

// SkuPrices returns daily cost and quantity per SKU.
func (p *Pipeline) SkuPrices(ctx context.Context, c filter.Constraint, w period.Window) ([]models.SkuPricePoint, error) {
	if c.IsEmpty() {
		return []models.SkuPricePoint{}, nil
	}
	ctx, span := p.start(ctx, "sku_prices", c, w)
	defer span.End()

	rows, err := p.store.DailySkuPrices(ctx, c, w)
	if err != nil {
		return nil, p.fail(span, "sku prices", err)
	}
	return rows, nil
}

// ResourceCosts returns daily cost per resource.
func (p *Pipeline) ResourceCosts(ctx context.Context, c filter.Constraint, w period.Window) ([]models.ResourceCostPoint, error) {
	if c.IsEmpty() {
		return []models.ResourceCostPoint{}, nil
	}
	ctx, span := p.start(ctx, "resource_costs", c, w)
	defer span.End()

	rows, err := p.store.DailyResourceCosts(ctx, c, w)
	if err != nil {
		return nil, p.fail(span, "resource costs", err)
	}
	return rows, nil
}

// TaggedCosts returns per-resource spend with tags for compliance scoring.
func (p *Pipeline) TaggedCosts(ctx context.Context, c filter.Constraint, w period.Window) ([]models.TaggedCost, error) {
	if c.IsEmpty() {
		return []models.TaggedCost{}, nil
	}
	ctx, span := p.start(ctx, "tagged_costs", c, w)
	defer span.End()

	rows, err := p.store.ResourceTags(ctx, c, w)
	if err != nil {
		return nil, p.fail(span, "tagged costs", err)
	}
	return rows, nil
}
