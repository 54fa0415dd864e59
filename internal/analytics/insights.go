package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kcx-hq/kcx-01-sub007/internal/anomaly"
	"github.com/kcx-hq/kcx-01-sub007/internal/filter"
	"github.com/kcx-hq/kcx-01-sub007/internal/formula"
	"github.com/kcx-hq/kcx-01-sub007/internal/period"
	"github.com/kcx-hq/kcx-01-sub007/internal/quality"
	"github.com/kcx-hq/kcx-01-sub007/pkg/models"
)

// InsightType categorizes the kind of insight generated.
type InsightType string

const (
	InsightCostSpike       InsightType = "cost_spike"
	InsightAnomalyDetected InsightType = "anomaly_detected"
	InsightPriceDrift      InsightType = "price_drift"
	InsightIdleResource    InsightType = "idle_resource"
	InsightTagCompliance   InsightType = "tag_compliance"
)

// Severity indicates the urgency of an insight.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// CriticalSpikeRatio marks a spike as critical when the day exceeds the
// trailing average by more than this factor.
const CriticalSpikeRatio = 5.0

// Insight represents an actionable recommendation or alert.
type Insight struct {
	ID              string      `json:"id"`
	Type            InsightType `json:"type"`
	Severity        Severity    `json:"severity"`
	Title           string      `json:"title"`
	Description     string      `json:"description"`
	EstimatedSaving float64     `json:"estimated_saving"`
	AffectedEntity  string      `json:"affected_entity"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Insights turns the anomaly, drift, lifecycle and tag-quality views of q into
// insights, most severe first.
func (e *Engine) Insights(ctx context.Context, q Query) ([]Insight, error) {
	c, w, err := e.scope(ctx, q)
	if err != nil {
		return nil, err
	}
	return e.insights(ctx, c, w)
}

func (e *Engine) insights(ctx context.Context, c filter.Constraint, w period.Window) ([]Insight, error) {
	var (
		daily     []models.DailyCost
		prices    []models.SkuPricePoint
		resources []models.ResourceCostPoint
		tagged    []models.TaggedCost
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		daily, err = e.pipeline.DailyTotals(gctx, c, w)
		return err
	})
	g.Go(func() (err error) {
		prices, err = e.pipeline.SkuPrices(gctx, c, w)
		return err
	})
	g.Go(func() (err error) {
		resources, err = e.pipeline.ResourceCosts(gctx, c, w)
		return err
	})
	g.Go(func() (err error) {
		tagged, err = e.pipeline.TaggedCosts(gctx, c, w)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := e.now()
	report := e.anomalyReport(daily)
	var insights []Insight
	insights = append(insights, spikeInsights(report.Spikes, now)...)
	insights = append(insights, sigmaInsights(report, now)...)
	insights = append(insights, driftInsights(anomaly.DetectSkuDrift(prices, e.driftOptions()), now)...)
	insights = append(insights, idleInsights(anomaly.ClassifyResources(resources, e.lifecycleOptions()), now)...)
	if in, ok := tagInsight(quality.Evaluate(tagged, e.settings.MandatoryTags), now); ok {
		insights = append(insights, in)
	}

	sort.SliceStable(insights, func(i, j int) bool {
		return severityRank(insights[i].Severity) > severityRank(insights[j].Severity)
	})
	e.logger.Debug("insights generated", zap.Int("count", len(insights)), zap.Int("window_days", w.Days()))
	if insights == nil {
		insights = []Insight{}
	}
	return insights, nil
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	}
	return 0
}

func spikeInsights(spikes []anomaly.Spike, now time.Time) []Insight {
	out := make([]Insight, 0, len(spikes))
	for _, s := range spikes {
		severity := SeverityWarning
		if s.Ratio > CriticalSpikeRatio {
			severity = SeverityCritical
		}
		day := s.Date.Format("2006-01-02")
		out = append(out, Insight{
			ID:       "spike-" + day,
			Type:     InsightCostSpike,
			Severity: severity,
			Title:    fmt.Sprintf("Cost spike on %s", s.Date.Format("Jan 2")),
			Description: fmt.Sprintf(
				"On %s spend was $%.2f, which is %.1fx the trailing %d-day average of $%.2f.",
				s.Date.Format("Jan 2"), s.Cost, s.Ratio, anomaly.SpikeLookback, s.TrailingAvg,
			),
			EstimatedSaving: formula.Round2(s.Cost - s.TrailingAvg),
			AffectedEntity:  day,
			CreatedAt:       now,
		})
	}
	return out
}

func sigmaInsights(r *AnomalyReport, now time.Time) []Insight {
	out := make([]Insight, 0, len(r.Anomalies))
	for _, i := range r.Anomalies {
		p := r.Series[i]
		day := p.Date.Format("2006-01-02")
		out = append(out, Insight{
			ID:       "anomaly-" + day,
			Type:     InsightAnomalyDetected,
			Severity: SeverityWarning,
			Title:    fmt.Sprintf("Unusual spend on %s", p.Date.Format("Jan 2")),
			Description: fmt.Sprintf(
				"Spend of $%.2f is above the anomaly threshold of $%.2f (mean $%.2f, std dev $%.2f).",
				p.Cost, r.Threshold, r.Mean, r.StdDev,
			),
			EstimatedSaving: formula.Round2(math.Max(p.Cost-r.Mean, 0)),
			AffectedEntity:  day,
			CreatedAt:       now,
		})
	}
	return out
}

func driftInsights(drifts []anomaly.Drift, now time.Time) []Insight {
	var out []Insight
	for _, d := range drifts {
		if d.Status != anomaly.StatusDrift {
			continue
		}
		severity := SeverityWarning
		if math.Abs(d.ChangePct) > 2*d.ThresholdPct {
			severity = SeverityCritical
		}
		direction := "increased"
		if d.ChangePct < 0 {
			severity = SeverityInfo
			direction = "decreased"
		}
		out = append(out, Insight{
			ID:       "drift-" + d.Sku,
			Type:     InsightPriceDrift,
			Severity: severity,
			Title:    fmt.Sprintf("Unit price of %s %s %.1f%%", d.Sku, direction, math.Abs(d.ChangePct)),
			Description: fmt.Sprintf(
				"Unit price moved from %.4f to %.4f, beyond the %.0f%% drift threshold.",
				d.BaselineUnitPrice, d.CurrentUnitPrice, d.ThresholdPct,
			),
			AffectedEntity: d.Sku,
			CreatedAt:      now,
		})
	}
	return out
}

func idleInsights(resources []anomaly.ResourceLifecycle, now time.Time) []Insight {
	var out []Insight
	for _, r := range resources {
		if r.State != anomaly.StateZombie {
			continue
		}
		out = append(out, Insight{
			ID:       "idle-" + r.ResourceID,
			Type:     InsightIdleResource,
			Severity: SeverityInfo,
			Title:    fmt.Sprintf("Resource %s has stopped incurring cost", r.ResourceID),
			Description: fmt.Sprintf(
				"%s reported zero cost for the last %d days after $%.2f of spend. Consider decommissioning it.",
				r.ResourceID, r.ZeroDays, r.TotalCost,
			),
			AffectedEntity: r.ResourceID,
			CreatedAt:      now,
		})
	}
	return out
}

func tagInsight(s quality.Score, now time.Time) (Insight, bool) {
	var severity Severity
	switch s.RiskLevel {
	case quality.RiskHigh:
		severity = SeverityWarning
	case quality.RiskMedium:
		severity = SeverityInfo
	default:
		return Insight{}, false
	}
	return Insight{
		ID:       "tags-compliance",
		Type:     InsightTagCompliance,
		Severity: severity,
		Title:    fmt.Sprintf("%.1f%% of spend is missing mandatory tags", s.UntaggedPct),
		Description: fmt.Sprintf(
			"$%.2f of $%.2f is on %d resources lacking one of %v.",
			s.UntaggedCost, s.TotalCost, s.TotalResources-s.TaggedResources, s.RequiredKeys,
		),
		AffectedEntity: "tags",
		CreatedAt:      now,
	}, true
}
