// Package analytics implements the cost analytics engine.
//
// The engine resolves a caller filter into a single request-scoped
// constraint and fans it out to the aggregation pipeline, then shapes the
// results into the dashboard payloads: cost analysis, cost drivers, unit
// economics, anomalies, resource inventory, tag quality and insights.
package analytics

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kcx-hq/kcx-01-sub007/internal/aggregation"
	"github.com/kcx-hq/kcx-01-sub007/internal/anomaly"
	"github.com/kcx-hq/kcx-01-sub007/internal/drivers"
	"github.com/kcx-hq/kcx-01-sub007/internal/filter"
	"github.com/kcx-hq/kcx-01-sub007/internal/formula"
	"github.com/kcx-hq/kcx-01-sub007/internal/names"
	"github.com/kcx-hq/kcx-01-sub007/internal/period"
	"github.com/kcx-hq/kcx-01-sub007/internal/quality"
	"github.com/kcx-hq/kcx-01-sub007/pkg/models"
)

// Settings holds the tunable detection thresholds.
type Settings struct {
	Sigma               float64
	SpikeMultiplier     float64
	DriftThresholdPct   float64
	DriftBaselineWindow int
	ZombieMinZeroDays   int
	MandatoryTags       []string
}

// DefaultSettings returns the built-in thresholds.
func DefaultSettings() Settings {
	return Settings{
		Sigma:             formula.DefaultSigma,
		SpikeMultiplier:   formula.DefaultSpikeMultiplier,
		DriftThresholdPct: anomaly.DefaultDriftThresholdPct,
		ZombieMinZeroDays: anomaly.DefaultZombieMinZeroDays,
		MandatoryTags:     quality.DefaultMandatoryTags,
	}
}

// Query is one analytics request. The upload ids in Filter must already be
// verified as owned by the caller.
type Query struct {
	Filter  filter.Request
	GroupBy models.Dimension
	Window  period.Window
	Sku     string
}

// Engine runs analytics queries. It holds no per-request state and is safe
// for concurrent use.
type Engine struct {
	resolver *filter.Resolver
	pipeline *aggregation.Pipeline
	names    *names.Resolver
	settings Settings
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine creates an Engine. A nil logger disables logging.
func NewEngine(resolver *filter.Resolver, pipeline *aggregation.Pipeline, nameResolver *names.Resolver, settings Settings, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		resolver: resolver,
		pipeline: pipeline,
		names:    nameResolver,
		settings: settings,
		logger:   logger.Named("analytics"),
		now:      time.Now,
	}
}

func (e *Engine) scope(ctx context.Context, q Query) (filter.Constraint, period.Window, error) {
	c, err := e.resolver.Resolve(ctx, q.Filter)
	if err != nil {
		return filter.None(), period.Window{}, fmt.Errorf("resolving filter: %w", err)
	}
	w := q.Window
	if w.IsZero() {
		w = period.LastDays(period.DefaultDays, e.now())
	}
	return c, w, nil
}

func dimension(q Query) models.Dimension {
	return models.ParseDimension(string(q.GroupBy))
}

// CostKPIs are the headline figures of a cost analysis.
type CostKPIs struct {
	TotalSpend    float64 `json:"totalSpend"`
	ListCost      float64 `json:"listCost"`
	EffectiveCost float64 `json:"effectiveCost"`
	Savings       float64 `json:"savings"`
	SavingsPct    float64 `json:"savingsPct"`
	AvgDailySpend float64 `json:"avgDailySpend"`
	Forecast      float64 `json:"forecast"`
}

// CostAnalysis is the cost analysis payload.
type CostAnalysis struct {
	KPIs      CostKPIs            `json:"kpis"`
	Breakdown []models.NamedValue `json:"breakdown"`
}

// CostAnalysis returns spend KPIs and the breakdown by q.GroupBy. KPI and
// breakdown share one constraint.
func (e *Engine) CostAnalysis(ctx context.Context, q Query) (*CostAnalysis, error) {
	c, w, err := e.scope(ctx, q)
	if err != nil {
		return nil, err
	}
	return e.costAnalysis(ctx, c, w, dimension(q))
}

func (e *Engine) costAnalysis(ctx context.Context, c filter.Constraint, w period.Window, dim models.Dimension) (*CostAnalysis, error) {
	var totals models.SpendTotals
	var rows []models.AggregateRow
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		totals, err = e.pipeline.Totals(gctx, c, w)
		return err
	})
	g.Go(func() error {
		var err error
		rows, err = e.pipeline.Breakdown(gctx, c, w, dim)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	breakdown, err := e.names.Label(ctx, dim, rows)
	if err != nil {
		return nil, err
	}

	forecast := totals.Billed
	if w.IsMonthToDate() {
		forecast = formula.ForecastPeriodEnd(totals.Billed, w.Days(), period.MonthDays(w.Start))
	}
	return &CostAnalysis{
		KPIs: CostKPIs{
			TotalSpend:    formula.Round2(totals.Billed),
			ListCost:      formula.Round2(totals.List),
			EffectiveCost: formula.Round2(totals.Effective),
			Savings:       formula.Round2(formula.Savings(totals.List, totals.Effective)),
			SavingsPct:    formula.Round2(formula.SavingsPct(totals.List, totals.Effective)),
			AvgDailySpend: formula.Round2(formula.DailyRunRate(totals.Billed, w.Days())),
			Forecast:      formula.Round2(forecast),
		},
		Breakdown: breakdown,
	}, nil
}

// CostDrivers compares the breakdown of q.Window with the equal-length
// window immediately before it.
func (e *Engine) CostDrivers(ctx context.Context, q Query) (drivers.Result, error) {
	c, w, err := e.scope(ctx, q)
	if err != nil {
		return drivers.Result{}, err
	}
	return e.costDrivers(ctx, c, w, dimension(q))
}

func (e *Engine) costDrivers(ctx context.Context, c filter.Constraint, w period.Window, dim models.Dimension) (drivers.Result, error) {
	if c.IsEmpty() {
		return drivers.Empty(), nil
	}

	var current, previous []models.NamedValue
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		current, err = e.labelledBreakdown(gctx, c, w, dim)
		return err
	})
	g.Go(func() error {
		var err error
		previous, err = e.labelledBreakdown(gctx, c, w.Previous(), dim)
		return err
	})
	if err := g.Wait(); err != nil {
		return drivers.Result{}, err
	}
	return drivers.Compare(current, previous), nil
}

func (e *Engine) labelledBreakdown(ctx context.Context, c filter.Constraint, w period.Window, dim models.Dimension) ([]models.NamedValue, error) {
	rows, err := e.pipeline.Breakdown(ctx, c, w, dim)
	if err != nil {
		return nil, err
	}
	return e.names.Label(ctx, dim, rows)
}

// TimeSeries returns daily spend per q.GroupBy name.
func (e *Engine) TimeSeries(ctx context.Context, q Query) ([]models.NamedSeriesPoint, error) {
	c, w, err := e.scope(ctx, q)
	if err != nil {
		return nil, err
	}
	rows, err := e.pipeline.TimeSeries(ctx, c, w, dimension(q))
	if err != nil {
		return nil, err
	}
	return e.names.LabelSeries(ctx, dimension(q), rows)
}

// UnitKPIs summarise cost per unit over the window.
type UnitKPIs struct {
	TotalCost     float64 `json:"totalCost"`
	TotalQuantity float64 `json:"totalQuantity"`
	AvgUnitPrice  float64 `json:"avgUnitPrice"`
}

// UnitTrendPoint is one day of unit economics.
type UnitTrendPoint struct {
	Date      string  `json:"date"`
	UnitPrice float64 `json:"unitPrice"`
	Quantity  float64 `json:"quantity"`
	Cost      float64 `json:"cost"`
}

// UnitEconomics is the unit economics payload.
type UnitEconomics struct {
	KPIs  UnitKPIs         `json:"kpis"`
	Trend []UnitTrendPoint `json:"trend"`
	Drift anomaly.Drift    `json:"drift"`
}

// UnitEconomics returns cost per unit of pricing quantity, optionally for
// q.Sku. Drift compares the last priced day with the same baseline SkuDrift
// uses.
func (e *Engine) UnitEconomics(ctx context.Context, q Query) (*UnitEconomics, error) {
	c, w, err := e.scope(ctx, q)
	if err != nil {
		return nil, err
	}
	return e.unitEconomics(ctx, c, w, q.Sku)
}

func (e *Engine) unitEconomics(ctx context.Context, c filter.Constraint, w period.Window, sku string) (*UnitEconomics, error) {
	points, err := e.pipeline.UsageSeries(ctx, c, w, sku)
	if err != nil {
		return nil, err
	}

	res := &UnitEconomics{Trend: make([]UnitTrendPoint, 0, len(points))}
	var priced []float64
	for _, p := range points {
		res.KPIs.TotalCost += p.Cost
		res.KPIs.TotalQuantity += p.Quantity
		unit := formula.CostPerUnit(p.Cost, p.Quantity)
		if p.Quantity > 0 {
			priced = append(priced, unit)
		}
		res.Trend = append(res.Trend, UnitTrendPoint{
			Date:      p.Date.Format("2006-01-02"),
			UnitPrice: unit,
			Quantity:  p.Quantity,
			Cost:      formula.Round2(p.Cost),
		})
	}
	res.KPIs.AvgUnitPrice = formula.CostPerUnit(res.KPIs.TotalCost, res.KPIs.TotalQuantity)
	res.KPIs.TotalCost = formula.Round2(res.KPIs.TotalCost)

	var baseline, current float64
	if len(priced) > 0 {
		baseline = anomaly.BaselinePrice(priced, e.settings.DriftBaselineWindow)
		current = priced[len(priced)-1]
	}
	res.Drift = anomaly.EvaluateDrift(sku, baseline, current, e.settings.DriftThresholdPct)
	return res, nil
}

// SkuDrift evaluates unit-price drift for every SKU in scope.
func (e *Engine) SkuDrift(ctx context.Context, q Query) ([]anomaly.Drift, error) {
	c, w, err := e.scope(ctx, q)
	if err != nil {
		return nil, err
	}
	return e.skuDrift(ctx, c, w)
}

func (e *Engine) skuDrift(ctx context.Context, c filter.Constraint, w period.Window) ([]anomaly.Drift, error) {
	points, err := e.pipeline.SkuPrices(ctx, c, w)
	if err != nil {
		return nil, err
	}
	return anomaly.DetectSkuDrift(points, e.driftOptions()), nil
}

func (e *Engine) driftOptions() anomaly.DriftOptions {
	return anomaly.DriftOptions{
		ThresholdPct:   e.settings.DriftThresholdPct,
		BaselineWindow: e.settings.DriftBaselineWindow,
	}
}

// AnomalyReport is sigma detection plus the spike scan over daily spend.
type AnomalyReport struct {
	anomaly.Result
	Series []models.DailyCost `json:"series"`
	Spikes []anomaly.Spike    `json:"spikes"`
}

// Anomalies runs sigma detection and the spike scan over daily total spend.
func (e *Engine) Anomalies(ctx context.Context, q Query) (*AnomalyReport, error) {
	c, w, err := e.scope(ctx, q)
	if err != nil {
		return nil, err
	}
	return e.anomalies(ctx, c, w)
}

func (e *Engine) anomalies(ctx context.Context, c filter.Constraint, w period.Window) (*AnomalyReport, error) {
	series, err := e.pipeline.DailyTotals(ctx, c, w)
	if err != nil {
		return nil, err
	}
	return e.anomalyReport(series), nil
}

func (e *Engine) anomalyReport(series []models.DailyCost) *AnomalyReport {
	values := make([]float64, len(series))
	for i, p := range series {
		values[i] = p.Cost
	}
	return &AnomalyReport{
		Result: anomaly.Detect(values, e.settings.Sigma),
		Series: series,
		Spikes: anomaly.DetectSpikes(series, e.settings.SpikeMultiplier),
	}
}

// Inventory classifies every resource in scope by lifecycle state.
func (e *Engine) Inventory(ctx context.Context, q Query) ([]anomaly.ResourceLifecycle, error) {
	c, w, err := e.scope(ctx, q)
	if err != nil {
		return nil, err
	}
	return e.inventory(ctx, c, w)
}

func (e *Engine) inventory(ctx context.Context, c filter.Constraint, w period.Window) ([]anomaly.ResourceLifecycle, error) {
	points, err := e.pipeline.ResourceCosts(ctx, c, w)
	if err != nil {
		return nil, err
	}
	return anomaly.ClassifyResources(points, e.lifecycleOptions()), nil
}

func (e *Engine) lifecycleOptions() anomaly.LifecycleOptions {
	return anomaly.LifecycleOptions{
		ZombieMinZeroDays: e.settings.ZombieMinZeroDays,
		SpikeRatio:        e.settings.SpikeMultiplier,
	}
}

// DataQuality scores tag compliance of the spend in scope.
func (e *Engine) DataQuality(ctx context.Context, q Query) (quality.Score, error) {
	c, w, err := e.scope(ctx, q)
	if err != nil {
		return quality.Score{}, err
	}
	return e.dataQuality(ctx, c, w)
}

func (e *Engine) dataQuality(ctx context.Context, c filter.Constraint, w period.Window) (quality.Score, error) {
	resources, err := e.pipeline.TaggedCosts(ctx, c, w)
	if err != nil {
		return quality.Score{}, err
	}
	return quality.Evaluate(resources, e.settings.MandatoryTags), nil
}

// Report bundles every view of one query, used by the CLI.
type Report struct {
	From      time.Time                   `json:"from"`
	To        time.Time                   `json:"to"`
	Analysis  *CostAnalysis               `json:"analysis"`
	Drivers   drivers.Result              `json:"drivers"`
	Anomalies *AnomalyReport              `json:"anomalies"`
	Drift     []anomaly.Drift             `json:"drift"`
	Inventory []anomaly.ResourceLifecycle `json:"inventory"`
	Quality   quality.Score               `json:"quality"`
	Insights  []Insight                   `json:"insights"`
}

// GenerateReport runs every view concurrently for q. The filter is resolved
// once and every view shares the resulting constraint and window.
func (e *Engine) GenerateReport(ctx context.Context, q Query) (*Report, error) {
	c, w, err := e.scope(ctx, q)
	if err != nil {
		return nil, err
	}
	dim := dimension(q)
	report := &Report{From: w.Start, To: w.End}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		report.Analysis, err = e.costAnalysis(gctx, c, w, dim)
		return err
	})
	g.Go(func() (err error) {
		report.Drivers, err = e.costDrivers(gctx, c, w, dim)
		return err
	})
	g.Go(func() (err error) {
		report.Anomalies, err = e.anomalies(gctx, c, w)
		return err
	})
	g.Go(func() (err error) {
		report.Drift, err = e.skuDrift(gctx, c, w)
		return err
	})
	g.Go(func() (err error) {
		report.Inventory, err = e.inventory(gctx, c, w)
		return err
	})
	g.Go(func() (err error) {
		report.Quality, err = e.dataQuality(gctx, c, w)
		return err
	})
	g.Go(func() (err error) {
		report.Insights, err = e.insights(gctx, c, w)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("generating report: %w", err)
	}
	return report, nil
}
