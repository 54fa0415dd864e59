// Package formula holds the pure numeric functions every dashboard widget shares.
//
// All functions treat non-finite inputs as 0 and return 0 whenever a
// denominator is invalid, so callers never see NaN or Inf. Percentages are on
// a 0-100 scale.
package formula

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DefaultSigma is the number of standard deviations above the mean that
	// marks a value as anomalous.
	DefaultSigma = 2.0

	// DefaultSpikeMultiplier is the factor over the trailing 7-day average
	// that marks a day as a spike.
	DefaultSpikeMultiplier = 1.5
)

// CoerceFinite returns v, or 0 when v is NaN or infinite.
func CoerceFinite(v float64) float64 {
	return CoerceFiniteOr(v, 0)
}

// CoerceFiniteOr returns v, or fallback when v is NaN or infinite.
func CoerceFiniteOr(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}

// FromNullable dereferences a nullable value from the store, treating nil as 0.
func FromNullable(v *float64) float64 {
	if v == nil {
		return 0
	}
	return CoerceFinite(*v)
}

// Savings is list minus effective cost.
func Savings(list, effective float64) float64 {
	return CoerceFinite(list) - CoerceFinite(effective)
}

// SavingsPct is savings as a percentage of list cost, 0 when list <= 0.
func SavingsPct(list, effective float64) float64 {
	list = CoerceFinite(list)
	if list <= 0 {
		return 0
	}
	return CoerceFinite(Savings(list, effective) / list * 100)
}

// PeriodOverPeriodPct is the change from prev to curr in percent, 0 when prev <= 0.
func PeriodOverPeriodPct(curr, prev float64) float64 {
	curr, prev = CoerceFinite(curr), CoerceFinite(prev)
	if prev <= 0 {
		return 0
	}
	return CoerceFinite((curr - prev) / prev * 100)
}

// Percent is part as a percentage of total, 0 when total <= 0.
func Percent(part, total float64) float64 {
	part, total = CoerceFinite(part), CoerceFinite(total)
	if total <= 0 {
		return 0
	}
	return CoerceFinite(part / total * 100)
}

// CostPerUnit divides cost by quantity, 0 when qty <= 0.
func CostPerUnit(cost, qty float64) float64 {
	cost, qty = CoerceFinite(cost), CoerceFinite(qty)
	if qty <= 0 {
		return 0
	}
	return CoerceFinite(cost / qty)
}

// AnomalyThreshold is mean + sigma*stdDev.
func AnomalyThreshold(mean, stdDev, sigma float64) float64 {
	return CoerceFinite(CoerceFinite(mean) + CoerceFinite(sigma)*CoerceFinite(stdDev))
}

// IsSpike reports whether currentDay exceeds avgLast7 by more than multiplier.
// A zero or negative average never spikes.
func IsSpike(currentDay, avgLast7, multiplier float64) bool {
	currentDay, avgLast7 = CoerceFinite(currentDay), CoerceFinite(avgLast7)
	return avgLast7 > 0 && currentDay > avgLast7*CoerceFinite(multiplier)
}

// InclusiveDayCount counts calendar days from start to end inclusive after
// truncating both to UTC midnight. Zero times and inverted ranges yield 0.
func InclusiveDayCount(start, end time.Time) int {
	if start.IsZero() || end.IsZero() {
		return 0
	}
	s, e := dayNumber(start), dayNumber(end)
	if e < s {
		return 0
	}
	return int(e-s) + 1
}

// dayNumber is the count of days since the Unix epoch of t's UTC day. Unix
// seconds do not saturate the way time.Duration does.
func dayNumber(t time.Time) int64 {
	return TruncateDay(t).Unix() / secondsPerDay
}

const secondsPerDay = 24 * 60 * 60

// TruncateDay returns UTC midnight of t's UTC calendar day.
func TruncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DailyRunRate is spend divided by the number of elapsed days, 0 when days <= 0.
func DailyRunRate(spend float64, days int) float64 {
	return CostPerUnit(spend, float64(days))
}

// ForecastPeriodEnd projects spend linearly from elapsedDays to totalDays.
func ForecastPeriodEnd(spend float64, elapsedDays, totalDays int) float64 {
	if totalDays <= 0 {
		return 0
	}
	return CoerceFinite(DailyRunRate(spend, elapsedDays) * float64(totalDays))
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return decimal.NewFromFloat(CoerceFinite(v)).Round(2).InexactFloat64()
}
