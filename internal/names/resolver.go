// Package names batch-resolves opaque dimension keys back to display names.
package names

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/kcx-hq/kcx-01-sub007/pkg/models"
)

// Unknown labels keys with no reference row.
const Unknown = "Unknown"

// DefaultTTL is how long resolved names stay cached.
const DefaultTTL = 10 * time.Minute

// Lookup loads names for a batch of keys from the reference tables.
type Lookup interface {
	NamesByKeys(ctx context.Context, dim models.Dimension, keys []int64) (map[int64]string, error)
}

// Cache is the read-through store for resolved names. *cache.Cache
// satisfies it.
type Cache interface {
	MGet(ctx context.Context, keys ...string) (map[string]string, error)
	SetMany(ctx context.Context, values map[string]string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Resolver resolves keys through an optional Redis read-through cache.
// Reference rows are global lookups, so cached names are safe to share between tenants.
type Resolver struct {
	lookup Lookup
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewResolver creates a Resolver. c may be nil.
func NewResolver(lookup Lookup, c Cache, ttl time.Duration, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{lookup: lookup, cache: c, ttl: ttl, logger: logger.Named("names")}
}

func cacheKey(dim models.Dimension, key int64) string {
	return fmt.Sprintf("dimname:%s:%d", dim, key)
}

// Resolve returns a name for every requested key. Keys without a reference
// row map to Unknown.
func (r *Resolver) Resolve(ctx context.Context, dim models.Dimension, keys []int64) (map[int64]string, error) {
	keys = lo.Uniq(keys)
	out := make(map[int64]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	missing := keys
	if r.cache != nil {
		cacheKeys := lo.Map(keys, func(k int64, _ int) string { return cacheKey(dim, k) })
		hits, err := r.cache.MGet(ctx, cacheKeys...)
		if err != nil {
			r.logger.Warn("name cache read failed, falling back to store", zap.Error(err))
		} else {
			missing = missing[:0:0]
			for _, k := range keys {
				if name, ok := hits[cacheKey(dim, k)]; ok {
					out[k] = name
				} else {
					missing = append(missing, k)
				}
			}
		}
	}

	if len(missing) == 0 {
		return out, nil
	}

	slices.Sort(missing)
	loaded, err := r.lookup.NamesByKeys(ctx, dim, missing)
	if err != nil {
		return nil, fmt.Errorf("resolving %s names: %w", dim, err)
	}

	fresh := make(map[string]string, len(loaded))
	for _, k := range missing {
		name, ok := loaded[k]
		if !ok || name == "" {
			out[k] = Unknown
			continue
		}
		out[k] = name
		fresh[cacheKey(dim, k)] = name
	}

	if r.cache != nil && len(fresh) > 0 {
		if err := r.cache.SetMany(ctx, fresh, r.ttl); err != nil {
			r.logger.Warn("name cache write failed", zap.Error(err))
		}
	}
	return out, nil
}

// Invalidate drops cached names for refs so renamed reference rows are
// picked up on the next lookup. It is a no-op without a cache.
func (r *Resolver) Invalidate(ctx context.Context, refs map[models.Dimension][]models.DimensionReference) error {
	if r.cache == nil {
		return nil
	}
	var keys []string
	for dim, rows := range refs {
		for _, ref := range rows {
			keys = append(keys, cacheKey(dim, ref.Key))
		}
	}
	if len(keys) == 0 {
		return nil
	}
	slices.Sort(keys)
	if err := r.cache.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("invalidating cached names: %w", err)
	}
	r.logger.Debug("cached names invalidated", zap.Int("keys", len(keys)))
	return nil
}

// Label resolves an aggregate breakdown into named values, largest first.
// Rows whose keys share a display name are merged.
func (r *Resolver) Label(ctx context.Context, dim models.Dimension, rows []models.AggregateRow) ([]models.NamedValue, error) {
	names, err := r.Resolve(ctx, dim, lo.Map(rows, func(row models.AggregateRow, _ int) int64 { return row.Key }))
	if err != nil {
		return nil, err
	}
	out := MergeByName(rows, names)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Value > out[j].Value })
	return out, nil
}

// LabelSeries resolves a time series into named points.
func (r *Resolver) LabelSeries(ctx context.Context, dim models.Dimension, rows []models.TimeSeriesRow) ([]models.NamedSeriesPoint, error) {
	names, err := r.Resolve(ctx, dim, lo.Map(rows, func(row models.TimeSeriesRow, _ int) int64 { return row.Key }))
	if err != nil {
		return nil, err
	}
	out := make([]models.NamedSeriesPoint, 0, len(rows))
	index := map[string]int{}
	for _, row := range rows {
		date := row.Date.Format("2006-01-02")
		name := nameFor(names, row.Key)
		k := date + "\x00" + name
		if i, ok := index[k]; ok {
			out[i].Cost += row.Cost
			continue
		}
		index[k] = len(out)
		out = append(out, models.NamedSeriesPoint{Date: date, Name: name, Cost: row.Cost})
	}
	return out, nil
}

// MergeByName converts keyed rows to named values, summing duplicate names.
func MergeByName(rows []models.AggregateRow, names map[int64]string) []models.NamedValue {
	out := make([]models.NamedValue, 0, len(rows))
	index := map[string]int{}
	for _, row := range rows {
		name := nameFor(names, row.Key)
		if i, ok := index[name]; ok {
			out[i].Value += row.Value
			continue
		}
		index[name] = len(out)
		out = append(out, models.NamedValue{Name: name, Value: row.Value})
	}
	return out
}

func nameFor(names map[int64]string, key int64) string {
	if n, ok := names[key]; ok && n != "" {
		return n
	}
	return Unknown
}
