// Package anomaly flags unusual spend: sigma outliers in a cost series, daily
// spikes against a trailing average, unit-price drift per SKU and resource
// lifecycle states.
package anomaly

import (
	"math"
	"slices"
	"sort"
	"time"

	"github.com/kcx-hq/kcx-01-sub007/internal/formula"
	"github.com/kcx-hq/kcx-01-sub007/pkg/models"
)

// SpikeLookback is the number of preceding days averaged by DetectSpikes.
const SpikeLookback = 7

// Result is the outcome of sigma detection over a cost series.
type Result struct {
	Mean      float64 `json:"mean"`
	StdDev    float64 `json:"stdDev"`
	Threshold float64 `json:"threshold"`
	Anomalies []int   `json:"anomalies"`
}

// Detect returns the indices of values strictly above mean + sigma*stdDev,
// where stdDev is the population standard deviation. Non-positive sigma uses
// formula.DefaultSigma. The reported statistics are rounded to two decimals;
// comparison uses the unrounded threshold.
func Detect(series []float64, sigma float64) Result {
	res := Result{Anomalies: []int{}}
	if len(series) == 0 {
		return res
	}
	if sigma <= 0 || math.IsNaN(sigma) || math.IsInf(sigma, 0) {
		sigma = formula.DefaultSigma
	}

	values := make([]float64, len(series))
	for i, v := range series {
		values[i] = formula.CoerceFinite(v)
	}

	mean, stdDev := meanStdDev(values)
	threshold := formula.AnomalyThreshold(mean, stdDev, sigma)
	for i, v := range values {
		if v > threshold {
			res.Anomalies = append(res.Anomalies, i)
		}
	}

	res.Mean = formula.Round2(mean)
	res.StdDev = formula.Round2(stdDev)
	res.Threshold = formula.Round2(threshold)
	return res
}

func meanStdDev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, formula.CoerceFinite(math.Sqrt(sq / float64(len(values))))
}

// Spike is a day whose cost exceeded the trailing average by the multiplier.
type Spike struct {
	Date        time.Time `json:"date"`
	Cost        float64   `json:"cost"`
	TrailingAvg float64   `json:"trailingAvg"`
	Ratio       float64   `json:"ratio"`
}

// DetectSpikes compares each day against the mean of up to SpikeLookback
// preceding days. Points are sorted by date first; the first day is never a
// spike. Non-positive multiplier uses formula.DefaultSpikeMultiplier.
func DetectSpikes(points []models.DailyCost, multiplier float64) []Spike {
	if multiplier <= 0 || math.IsNaN(multiplier) || math.IsInf(multiplier, 0) {
		multiplier = formula.DefaultSpikeMultiplier
	}
	sorted := slices.Clone(points)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	spikes := []Spike{}
	for i := 1; i < len(sorted); i++ {
		window := sorted[max(0, i-SpikeLookback):i]
		var sum float64
		for _, p := range window {
			sum += formula.CoerceFinite(p.Cost)
		}
		avg := sum / float64(len(window))
		cost := formula.CoerceFinite(sorted[i].Cost)
		if !formula.IsSpike(cost, avg, multiplier) {
			continue
		}
		spikes = append(spikes, Spike{
			Date:        sorted[i].Date,
			Cost:        cost,
			TrailingAvg: formula.Round2(avg),
			Ratio:       formula.Round2(cost / avg),
		})
	}
	return spikes
}
