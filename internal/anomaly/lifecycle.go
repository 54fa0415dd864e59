package anomaly

import (
	"math"
	"sort"
	"time"

	"github.com/kcx-hq/kcx-01-sub007/internal/formula"
	"github.com/kcx-hq/kcx-01-sub007/pkg/models"
)

// LifecycleState is the inferred state of a resource over a window.
type LifecycleState string

const (
	StateNew     LifecycleState = "New"
	StateZombie  LifecycleState = "Zombie"
	StateSpiking LifecycleState = "Spiking"
	StateStable  LifecycleState = "Stable"
)

// DefaultZombieMinZeroDays is the number of trailing zero-cost days that
// make a previously billed resource a zombie.
const DefaultZombieMinZeroDays = 3

// LifecycleOptions tunes ClassifyResources.
type LifecycleOptions struct {
	ZombieMinZeroDays int
	SpikeRatio        float64
}

func (o LifecycleOptions) withDefaults() LifecycleOptions {
	if o.ZombieMinZeroDays <= 0 {
		o.ZombieMinZeroDays = DefaultZombieMinZeroDays
	}
	if o.SpikeRatio <= 0 || math.IsNaN(o.SpikeRatio) || math.IsInf(o.SpikeRatio, 0) {
		o.SpikeRatio = formula.DefaultSpikeMultiplier
	}
	return o
}

// ResourceLifecycle is the classification of one resource.
type ResourceLifecycle struct {
	ResourceID string         `json:"resourceId"`
	State      LifecycleState `json:"state"`
	FirstSeen  time.Time      `json:"firstSeen"`
	LastSeen   time.Time      `json:"lastSeen"`
	TotalCost  float64        `json:"totalCost"`
	LatestCost float64        `json:"latestCost"`
	ZeroDays   int            `json:"trailingZeroDays"`
}

// ClassifyResources groups points per resource, orders each group by date and
// classifies it. Zombie wins over New, New over Spiking:
//
//   - Zombie: billed earlier, then at least ZombieMinZeroDays trailing zero days.
//   - New: the earliest observed cost is zero and a later cost is positive.
//   - Spiking: the latest day exceeds the previous calendar day by more than
//     SpikeRatio. A gap between the last two observed days never spikes.
//
// Results are ordered by resource id.
func ClassifyResources(points []models.ResourceCostPoint, opts LifecycleOptions) []ResourceLifecycle {
	opts = opts.withDefaults()

	byResource := map[string][]models.ResourceCostPoint{}
	for _, p := range points {
		if p.ResourceID == "" {
			continue
		}
		byResource[p.ResourceID] = append(byResource[p.ResourceID], p)
	}

	out := make([]ResourceLifecycle, 0, len(byResource))
	for id, series := range byResource {
		sort.SliceStable(series, func(i, j int) bool { return series[i].Date.Before(series[j].Date) })
		out = append(out, classify(id, series, opts))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out
}

func classify(id string, series []models.ResourceCostPoint, opts LifecycleOptions) ResourceLifecycle {
	costs := make([]float64, len(series))
	var total float64
	for i, p := range series {
		costs[i] = formula.CoerceFinite(p.Cost)
		total += costs[i]
	}
	last := len(costs) - 1

	rl := ResourceLifecycle{
		ResourceID: id,
		State:      StateStable,
		FirstSeen:  series[0].Date,
		LastSeen:   series[last].Date,
		TotalCost:  formula.Round2(total),
		LatestCost: costs[last],
		ZeroDays:   trailingZeros(costs),
	}

	positiveBeforeZeros := rl.ZeroDays < len(costs) && anyPositive(costs[:len(costs)-rl.ZeroDays])
	switch {
	case positiveBeforeZeros && rl.ZeroDays >= opts.ZombieMinZeroDays:
		rl.State = StateZombie
	case costs[0] == 0 && anyPositive(costs[1:]):
		rl.State = StateNew
	case last >= 1 && consecutive(series[last-1].Date, series[last].Date) &&
		costs[last-1] > 0 && costs[last] > costs[last-1]*opts.SpikeRatio:
		rl.State = StateSpiking
	}
	return rl
}

func consecutive(prev, next time.Time) bool {
	return formula.TruncateDay(next).Sub(formula.TruncateDay(prev)) == 24*time.Hour
}

func trailingZeros(costs []float64) int {
	n := 0
	for i := len(costs) - 1; i >= 0 && costs[i] <= 0; i-- {
		n++
	}
	return n
}

func anyPositive(costs []float64) bool {
	for _, c := range costs {
		if c > 0 {
			return true
		}
	}
	return false
}
