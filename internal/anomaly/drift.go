package anomaly

import (
	"math"
	"sort"

	"github.com/kcx-hq/kcx-01-sub007/internal/formula"
	"github.com/kcx-hq/kcx-01-sub007/pkg/models"
)

// DefaultDriftThresholdPct is the absolute unit-price change, in percent,
// above which a SKU is reported as drifting.
const DefaultDriftThresholdPct = 15.0

// Status is the drift verdict for one SKU.
type Status string

const (
	StatusStable Status = "stable"
	StatusDrift  Status = "drift"
)

// Drift compares a current unit price against its baseline.
type Drift struct {
	Sku               string  `json:"sku,omitempty"`
	BaselineUnitPrice float64 `json:"baselineUnitPrice"`
	CurrentUnitPrice  float64 `json:"currentUnitPrice"`
	ChangePct         float64 `json:"changePct"`
	ThresholdPct      float64 `json:"thresholdPct"`
	Status            Status  `json:"status"`
}

// EvaluateDrift reports drift iff |changePct| exceeds thresholdPct.
// A non-positive threshold uses DefaultDriftThresholdPct.
func EvaluateDrift(sku string, baseline, current, thresholdPct float64) Drift {
	if thresholdPct <= 0 || math.IsNaN(thresholdPct) || math.IsInf(thresholdPct, 0) {
		thresholdPct = DefaultDriftThresholdPct
	}
	baseline, current = formula.CoerceFinite(baseline), formula.CoerceFinite(current)
	change := formula.PeriodOverPeriodPct(current, baseline)

	status := StatusStable
	if math.Abs(change) > thresholdPct {
		status = StatusDrift
	}
	return Drift{
		Sku:               sku,
		BaselineUnitPrice: baseline,
		CurrentUnitPrice:  current,
		ChangePct:         formula.Round2(change),
		ThresholdPct:      thresholdPct,
		Status:            status,
	}
}

// DriftOptions tunes DetectSkuDrift.
type DriftOptions struct {
	ThresholdPct float64
	// BaselineWindow averages up to this many points before the latest one.
	// Zero uses the first observed unit price as the baseline.
	BaselineWindow int
}

// DetectSkuDrift evaluates every SKU in points. Points without a positive
// quantity carry no unit price and are skipped. The current price is the
// latest priced day. Results are ordered drifting first, then by the size of
// the change, then by SKU.
func DetectSkuDrift(points []models.SkuPricePoint, opts DriftOptions) []Drift {
	bySku := map[string][]models.SkuPricePoint{}
	for _, p := range points {
		if p.Sku == "" || formula.CoerceFinite(p.Quantity) <= 0 {
			continue
		}
		bySku[p.Sku] = append(bySku[p.Sku], p)
	}

	out := make([]Drift, 0, len(bySku))
	for sku, series := range bySku {
		sort.SliceStable(series, func(i, j int) bool { return series[i].Date.Before(series[j].Date) })
		prices := make([]float64, len(series))
		for i, p := range series {
			prices[i] = formula.CostPerUnit(p.Cost, p.Quantity)
		}
		current := prices[len(prices)-1]
		out = append(out, EvaluateDrift(sku, BaselinePrice(prices, opts.BaselineWindow), current, opts.ThresholdPct))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Status != out[j].Status {
			return out[i].Status == StatusDrift
		}
		ai, aj := math.Abs(out[i].ChangePct), math.Abs(out[j].ChangePct)
		if ai != aj {
			return ai > aj
		}
		return out[i].Sku < out[j].Sku
	})
	return out
}

// BaselinePrice is the reference unit price for a chronological series. With
// a positive window it averages up to window prices before the latest one,
// otherwise it is the first price. An empty series has a zero baseline.
func BaselinePrice(prices []float64, window int) float64 {
	if len(prices) == 0 {
		return 0
	}
	if window <= 0 || len(prices) < 2 {
		return prices[0]
	}
	prior := prices[max(0, len(prices)-1-window) : len(prices)-1]
	var sum float64
	for _, p := range prior {
		sum += p
	}
	return sum / float64(len(prior))
}
