// Package drivers compares two breakdowns of the same dimension and classifies
// each name as new spend, expansion, contraction or eliminated spend.
package drivers

import (
	"sort"

	"github.com/samber/lo"

	"github.com/kcx-hq/kcx-01-sub007/internal/formula"
	"github.com/kcx-hq/kcx-01-sub007/pkg/models"
)

// Row is the comparison of one name between the previous and current period.
type Row struct {
	Name      string  `json:"name"`
	Prev      float64 `json:"prev"`
	Curr      float64 `json:"curr"`
	Diff      float64 `json:"diff"`
	Pct       float64 `json:"pct"`
	IsNew     bool    `json:"isNew"`
	IsRemoved bool    `json:"isRemoved"`
}

// Stats are the period totals.
type Stats struct {
	TotalCurr float64 `json:"totalCurr"`
	TotalPrev float64 `json:"totalPrev"`
	Diff      float64 `json:"diff"`
	Pct       float64 `json:"pct"`
}

// Dynamics splits the net change into its four components.
type Dynamics struct {
	NewSpend     float64 `json:"newSpend"`
	Deleted      float64 `json:"deleted"`
	Expansion    float64 `json:"expansion"`
	Optimization float64 `json:"optimization"`
}

// Result is the cost drivers payload.
type Result struct {
	Increases    []Row    `json:"increases"`
	Decreases    []Row    `json:"decreases"`
	OverallStats Stats    `json:"overallStats"`
	Dynamics     Dynamics `json:"dynamics"`
}

// Empty returns the zero result with non-nil slices.
func Empty() Result {
	return Result{Increases: []Row{}, Decreases: []Row{}}
}

// Compare aligns current and previous by name. The union is iterated in
// current order followed by names only present in previous; equal diffs keep
// that order. Duplicate names within one side are summed.
func Compare(current, previous []models.NamedValue) Result {
	curr, currOrder := index(current)
	prev, prevOrder := index(previous)
	union := lo.Uniq(append(currOrder, prevOrder...))

	res := Empty()
	rows := make([]Row, 0, len(union))
	for _, name := range union {
		row := compareOne(name, curr[name], prev[name])
		rows = append(rows, row)

		res.OverallStats.TotalCurr += row.Curr
		res.OverallStats.TotalPrev += row.Prev

		if row.IsNew {
			res.Dynamics.NewSpend += row.Curr
		} else {
			res.Dynamics.Expansion += max(row.Diff, 0)
		}
		if row.IsRemoved {
			res.Dynamics.Deleted += row.Prev
		} else {
			res.Dynamics.Optimization += max(-row.Diff, 0)
		}
	}

	for _, row := range rows {
		switch {
		case row.Diff > 0:
			res.Increases = append(res.Increases, row)
		case row.Diff < 0:
			res.Decreases = append(res.Decreases, row)
		}
	}
	sort.SliceStable(res.Increases, func(i, j int) bool { return res.Increases[i].Diff > res.Increases[j].Diff })
	sort.SliceStable(res.Decreases, func(i, j int) bool { return res.Decreases[i].Diff < res.Decreases[j].Diff })

	s := &res.OverallStats
	s.Diff = s.TotalCurr - s.TotalPrev
	s.Pct = formula.PeriodOverPeriodPct(s.TotalCurr, s.TotalPrev)
	return res
}

// CompareMaps compares two name->value maps. Names are visited in sorted
// order so the result is deterministic.
func CompareMaps(current, previous map[string]float64) Result {
	return Compare(toSorted(current), toSorted(previous))
}

func compareOne(name string, curr, prev float64) Row {
	return Row{
		Name:      name,
		Prev:      prev,
		Curr:      curr,
		Diff:      curr - prev,
		Pct:       formula.PeriodOverPeriodPct(curr, prev),
		IsNew:     prev == 0 && curr > 0,
		IsRemoved: prev > 0 && curr == 0,
	}
}

func index(values []models.NamedValue) (map[string]float64, []string) {
	sums := make(map[string]float64, len(values))
	order := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := sums[v.Name]; !ok {
			order = append(order, v.Name)
		}
		sums[v.Name] += formula.CoerceFinite(v.Value)
	}
	return sums, order
}

func toSorted(m map[string]float64) []models.NamedValue {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return lo.Map(keys, func(k string, _ int) models.NamedValue {
		return models.NamedValue{Name: k, Value: m[k]}
	})
}
