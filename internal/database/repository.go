package database

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/kcx-hq/kcx-01-sub007/internal/aggregation"
	"github.com/kcx-hq/kcx-01-sub007/internal/filter"
	"github.com/kcx-hq/kcx-01-sub007/internal/formula"
	"github.com/kcx-hq/kcx-01-sub007/internal/names"
	"github.com/kcx-hq/kcx-01-sub007/internal/period"
	"github.com/kcx-hq/kcx-01-sub007/pkg/models"
)

var (
	_ aggregation.Store      = (*DB)(nil)
	_ filter.DimensionLookup = (*DB)(nil)
	_ names.Lookup           = (*DB)(nil)
)

// unattributed groups spend that carries no resource id.
const unattributed = "(unattributed)"

// SumSpend returns the billed, effective and list cost of positive rows.
func (db *DB) SumSpend(ctx context.Context, c filter.Constraint, w period.Window) (models.SpendTotals, error) {
	if c.IsEmpty() {
		return models.SpendTotals{}, nil
	}
	q := factWhere(c, w, true)
	var billed, effective, list *float64
	err := db.Pool.QueryRow(ctx, `
		SELECT SUM(billed_cost), SUM(effective_cost), SUM(list_cost)
		FROM billing_facts
		WHERE `+q.String(), q.args...).Scan(&billed, &effective, &list)
	if err != nil {
		return models.SpendTotals{}, fmt.Errorf("querying spend totals: %w", err)
	}
	return models.SpendTotals{
		Billed:    formula.FromNullable(billed),
		Effective: formula.FromNullable(effective),
		List:      formula.FromNullable(list),
	}, nil
}

// SumByDimension returns billed cost grouped by dim, largest first.
// The dimension column comes from a fixed whitelist.
func (db *DB) SumByDimension(ctx context.Context, c filter.Constraint, w period.Window, dim models.Dimension, limit int) ([]models.AggregateRow, error) {
	if c.IsEmpty() {
		return nil, nil
	}
	col, _ := dimensionColumn(dim)
	q := factWhere(c, w, true)
	sql := fmt.Sprintf(`
		SELECT %s, SUM(billed_cost) AS total
		FROM billing_facts
		WHERE %s
		GROUP BY %s
		ORDER BY total DESC, %s`, col, q.String(), col, col)
	if limit > 0 {
		q.args = append(q.args, limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(q.args))
	}

	rows, err := db.Pool.Query(ctx, sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("querying breakdown: %w", err)
	}
	defer rows.Close()

	var results []models.AggregateRow
	for rows.Next() {
		var r models.AggregateRow
		var v *float64
		if err := rows.Scan(&r.Key, &v); err != nil {
			return nil, fmt.Errorf("scanning breakdown: %w", err)
		}
		r.Value = formula.FromNullable(v)
		results = append(results, r)
	}
	return results, rows.Err()
}

// DailyByDimension returns billed cost grouped by UTC day and dim.
func (db *DB) DailyByDimension(ctx context.Context, c filter.Constraint, w period.Window, dim models.Dimension) ([]models.TimeSeriesRow, error) {
	if c.IsEmpty() {
		return nil, nil
	}
	col, _ := dimensionColumn(dim)
	q := factWhere(c, w, true)
	rows, err := db.Pool.Query(ctx, fmt.Sprintf(`
		SELECT %s AS day, %s, SUM(billed_cost)
		FROM billing_facts
		WHERE %s
		GROUP BY day, %s
		ORDER BY day, %s`, dayExpr, col, q.String(), col, col), q.args...)
	if err != nil {
		return nil, fmt.Errorf("querying time series: %w", err)
	}
	defer rows.Close()

	var results []models.TimeSeriesRow
	for rows.Next() {
		var r models.TimeSeriesRow
		var v *float64
		if err := rows.Scan(&r.Date, &r.Key, &v); err != nil {
			return nil, fmt.Errorf("scanning time series: %w", err)
		}
		r.Date = formula.TruncateDay(r.Date)
		r.Cost = formula.FromNullable(v)
		results = append(results, r)
	}
	return results, rows.Err()
}

// DailyUsage returns billed cost and pricing quantity per UTC day, for one SKU
// when sku is set.
func (db *DB) DailyUsage(ctx context.Context, c filter.Constraint, w period.Window, sku string) ([]models.UsagePoint, error) {
	if c.IsEmpty() {
		return nil, nil
	}
	q := factWhere(c, w, true)
	if sku != "" {
		q.add("sku_id = $%d", sku)
	}
	rows, err := db.Pool.Query(ctx, fmt.Sprintf(`
		SELECT %s AS day, SUM(billed_cost), SUM(COALESCE(pricing_quantity, 0))
		FROM billing_facts
		WHERE %s
		GROUP BY day
		ORDER BY day`, dayExpr, q.String()), q.args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage: %w", err)
	}
	defer rows.Close()

	var results []models.UsagePoint
	for rows.Next() {
		var p models.UsagePoint
		var cost, qty *float64
		if err := rows.Scan(&p.Date, &cost, &qty); err != nil {
			return nil, fmt.Errorf("scanning usage: %w", err)
		}
		p.Date = formula.TruncateDay(p.Date)
		p.Cost, p.Quantity = formula.FromNullable(cost), formula.FromNullable(qty)
		results = append(results, p)
	}
	return results, rows.Err()
}

// DailySkuPrices returns billed cost and pricing quantity per SKU and UTC day.
func (db *DB) DailySkuPrices(ctx context.Context, c filter.Constraint, w period.Window) ([]models.SkuPricePoint, error) {
	if c.IsEmpty() {
		return nil, nil
	}
	q := factWhere(c, w, true)
	q.raw("sku_id <> ''")
	rows, err := db.Pool.Query(ctx, fmt.Sprintf(`
		SELECT sku_id, %s AS day, SUM(billed_cost), SUM(COALESCE(pricing_quantity, 0))
		FROM billing_facts
		WHERE %s
		GROUP BY sku_id, day
		ORDER BY sku_id, day`, dayExpr, q.String()), q.args...)
	if err != nil {
		return nil, fmt.Errorf("querying sku prices: %w", err)
	}
	defer rows.Close()

	var results []models.SkuPricePoint
	for rows.Next() {
		var p models.SkuPricePoint
		var cost, qty *float64
		if err := rows.Scan(&p.Sku, &p.Date, &cost, &qty); err != nil {
			return nil, fmt.Errorf("scanning sku prices: %w", err)
		}
		p.Date = formula.TruncateDay(p.Date)
		p.Cost, p.Quantity = formula.FromNullable(cost), formula.FromNullable(qty)
		results = append(results, p)
	}
	return results, rows.Err()
}

// DailyResourceCosts returns positive billed cost per resource and UTC day.
// Days on which a resource was billed nothing are kept with cost 0.
func (db *DB) DailyResourceCosts(ctx context.Context, c filter.Constraint, w period.Window) ([]models.ResourceCostPoint, error) {
	if c.IsEmpty() {
		return nil, nil
	}
	q := factWhere(c, w, false)
	q.raw("resource_id <> ''")
	rows, err := db.Pool.Query(ctx, fmt.Sprintf(`
		SELECT resource_id, %s AS day, SUM(CASE WHEN billed_cost > 0 THEN billed_cost ELSE 0 END)
		FROM billing_facts
		WHERE %s
		GROUP BY resource_id, day
		ORDER BY resource_id, day`, dayExpr, q.String()), q.args...)
	if err != nil {
		return nil, fmt.Errorf("querying resource costs: %w", err)
	}
	defer rows.Close()

	var results []models.ResourceCostPoint
	for rows.Next() {
		var p models.ResourceCostPoint
		var cost *float64
		if err := rows.Scan(&p.ResourceID, &p.Date, &cost); err != nil {
			return nil, fmt.Errorf("scanning resource costs: %w", err)
		}
		p.Date = formula.TruncateDay(p.Date)
		p.Cost = formula.FromNullable(cost)
		results = append(results, p)
	}
	return results, rows.Err()
}

// ResourceTags returns spend per resource with the tags of its latest fact.
func (db *DB) ResourceTags(ctx context.Context, c filter.Constraint, w period.Window) ([]models.TaggedCost, error) {
	if c.IsEmpty() {
		return nil, nil
	}
	q := factWhere(c, w, true)
	q.args = append(q.args, unattributed)
	rows, err := db.Pool.Query(ctx, fmt.Sprintf(`
		SELECT COALESCE(NULLIF(resource_id, ''), $%d) AS rid,
		       SUM(billed_cost),
		       (ARRAY_AGG(tags ORDER BY charge_period_start DESC))[1]
		FROM billing_facts
		WHERE %s
		GROUP BY rid
		ORDER BY rid`, len(q.args), q.String()), q.args...)
	if err != nil {
		return nil, fmt.Errorf("querying resource tags: %w", err)
	}
	defer rows.Close()

	var results []models.TaggedCost
	for rows.Next() {
		var tc models.TaggedCost
		var cost *float64
		if err := rows.Scan(&tc.ResourceID, &cost, &tc.Tags); err != nil {
			return nil, fmt.Errorf("scanning resource tags: %w", err)
		}
		tc.Cost = formula.FromNullable(cost)
		results = append(results, tc)
	}
	return results, rows.Err()
}

// LookupKeys returns the keys of reference rows named name.
func (db *DB) LookupKeys(ctx context.Context, dim models.Dimension, name string) ([]int64, error) {
	_, table := dimensionColumn(dim)
	rows, err := db.Pool.Query(ctx, fmt.Sprintf(`SELECT key FROM %s WHERE name = $1 ORDER BY key`, table), name)
	if err != nil {
		return nil, fmt.Errorf("looking up %s keys: %w", dim, err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scanning %s keys: %w", dim, err)
	}
	return keys, nil
}

// NamesByKeys returns the display names for keys in one round trip.
func (db *DB) NamesByKeys(ctx context.Context, dim models.Dimension, keys []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	_, table := dimensionColumn(dim)
	rows, err := db.Pool.Query(ctx, fmt.Sprintf(`SELECT key, name FROM %s WHERE key = ANY($1)`, table), keys)
	if err != nil {
		return nil, fmt.Errorf("querying %s names: %w", dim, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key int64
		var name string
		if err := rows.Scan(&key, &name); err != nil {
			return nil, fmt.Errorf("scanning %s name: %w", dim, err)
		}
		out[key] = name
	}
	return out, rows.Err()
}

// AssertUploadScope verifies every upload id belongs to clientID. It returns
// an error wrapping models.ErrUploadScope for the first foreign or unknown id.
func (db *DB) AssertUploadScope(ctx context.Context, clientID string, uploadIDs []string) error {
	if len(uploadIDs) == 0 {
		return nil
	}
	rows, err := db.Pool.Query(ctx, `SELECT id FROM uploads WHERE client_id = $1 AND id = ANY($2)`, clientID, uploadIDs)
	if err != nil {
		return fmt.Errorf("checking upload scope: %w", err)
	}
	owned, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("scanning upload scope: %w", err)
	}
	for _, id := range uploadIDs {
		if !slices.Contains(owned, id) {
			return fmt.Errorf("upload %s is not owned by client %s: %w", id, clientID, models.ErrUploadScope)
		}
	}
	return nil
}

// ListUploads returns the uploads of clientID, newest first.
func (db *DB) ListUploads(ctx context.Context, clientID string) ([]models.Upload, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, client_id, uploaded_at, status
		FROM uploads WHERE client_id = $1
		ORDER BY uploaded_at DESC`, clientID)
	if err != nil {
		return nil, fmt.Errorf("querying uploads: %w", err)
	}
	defer rows.Close()

	var results []models.Upload
	for rows.Next() {
		var u models.Upload
		if err := rows.Scan(&u.ID, &u.ClientID, &u.UploadedAt, &u.Status); err != nil {
			return nil, fmt.Errorf("scanning upload: %w", err)
		}
		results = append(results, u)
	}
	return results, rows.Err()
}

// Seed loads reference rows, uploads and facts in one transaction. It is used
// to populate development databases; existing reference rows and uploads are
// updated in place.
func (db *DB) Seed(ctx context.Context, refs map[models.Dimension][]models.DimensionReference, uploads []models.Upload, facts []models.BillingFact) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning seed transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for dim, rows := range refs {
		_, table := dimensionColumn(dim)
		for _, r := range rows {
			batch.Queue(fmt.Sprintf(`
				INSERT INTO %s (key, name) VALUES ($1, $2)
				ON CONFLICT (key) DO UPDATE SET name = EXCLUDED.name`, table), r.Key, r.Name)
		}
	}
	for _, u := range uploads {
		uploadedAt := u.UploadedAt
		if uploadedAt.IsZero() {
			uploadedAt = time.Now().UTC()
		}
		batch.Queue(`
			INSERT INTO uploads (id, client_id, uploaded_at, status) VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status`, u.ID, u.ClientID, uploadedAt, u.Status)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("seeding references: %w", err)
	}

	columns := []string{
		"upload_id", "provider_key", "service_key", "region_key", "resource_id", "sku_id",
		"billed_cost", "effective_cost", "list_cost", "contracted_cost",
		"consumed_quantity", "pricing_quantity", "charge_period_start", "charge_period_end", "tags",
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"billing_facts"}, columns,
		pgx.CopyFromSlice(len(facts), func(i int) ([]any, error) {
			f := facts[i]
			tags := f.Tags
			if tags == nil {
				tags = map[string]string{}
			}
			return []any{
				f.UploadID, f.ProviderKey, f.ServiceKey, f.RegionKey, f.ResourceID, f.SkuID,
				f.BilledCost, f.EffectiveCost, f.ListCost, f.ContractedCost,
				f.ConsumedQuantity, f.PricingQuantity, f.ChargePeriodStart, f.ChargePeriodEnd, tags,
			}, nil
		}))
	if err != nil {
		return fmt.Errorf("copying facts: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing seed: %w", err)
	}
	db.logger.Info("seeded database", zap.Int("uploads", len(uploads)), zap.Int64("facts", n))
	return nil
}
