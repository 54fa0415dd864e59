package database

import (
	"fmt"
	"strings"

	"github.com/kcx-hq/kcx-01-sub007/internal/filter"
	"github.com/kcx-hq/kcx-01-sub007/internal/period"
	"github.com/kcx-hq/kcx-01-sub007/pkg/models"
)

// dimensionColumn maps a dimension to its fact column and reference table.
// Only these identifiers are ever interpolated into SQL.
func dimensionColumn(dim models.Dimension) (column, table string) {
	switch models.ParseDimension(string(dim)) {
	case models.DimensionProvider:
		return "provider_key", "providers"
	case models.DimensionRegion:
		return "region_key", "regions"
	default:
		return "service_key", "services"
	}
}

// where accumulates the conjunctive predicate of a fact query.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *where) raw(cond string) {
	w.conds = append(w.conds, cond)
}

func (w *where) String() string {
	return strings.Join(w.conds, " AND ")
}

// factWhere translates a non-empty constraint and window into SQL. The upload
// predicate is always present. positiveOnly adds the billed_cost > 0 spend rule.
func factWhere(c filter.Constraint, w period.Window, positiveOnly bool) *where {
	q := &where{}
	q.add("upload_id = ANY($%d)", c.UploadIDs())
	if keys := c.ProviderKeys(); keys != nil {
		q.add("provider_key = ANY($%d)", keys)
	}
	if keys := c.ServiceKeys(); keys != nil {
		q.add("service_key = ANY($%d)", keys)
	}
	if keys := c.RegionKeys(); keys != nil {
		q.add("region_key = ANY($%d)", keys)
	}
	if !w.IsZero() {
		q.add("charge_period_start >= $%d", w.Start)
		q.add("charge_period_start < $%d", w.EndExclusive())
	}
	if positiveOnly {
		q.raw("billed_cost > 0")
	}
	return q
}

const dayExpr = "date_trunc('day', charge_period_start AT TIME ZONE 'UTC')"
