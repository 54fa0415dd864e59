// Package memstore is an in-memory billing fact store. It backs the offline
// CLI report and the package tests, and applies exactly the same predicates
// as the Postgres store.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/kcx-hq/kcx-01-sub007/internal/filter"
	"github.com/kcx-hq/kcx-01-sub007/internal/formula"
	"github.com/kcx-hq/kcx-01-sub007/internal/period"
	"github.com/kcx-hq/kcx-01-sub007/pkg/models"
)

// Dataset is the serialised form read by Load.
type Dataset struct {
	Providers []models.DimensionReference `json:"providers"`
	Services  []models.DimensionReference `json:"services"`
	Regions   []models.DimensionReference `json:"regions"`
	Uploads   []models.Upload             `json:"uploads"`
	Facts     []models.BillingFact        `json:"facts"`
}

// Store holds a Dataset. It is read-only after construction and safe for
// concurrent use.
type Store struct {
	data Dataset
}

// New wraps a dataset.
func New(data Dataset) *Store {
	return &Store{data: data}
}

// Load reads a JSON dataset from path.
func Load(path string) (*Store, error) {
	data, err := ReadDataset(path)
	if err != nil {
		return nil, err
	}
	return New(data), nil
}

// ReadDataset decodes the JSON dataset at path.
func ReadDataset(path string) (Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Dataset{}, fmt.Errorf("reading dataset: %w", err)
	}
	var data Dataset
	if err := json.Unmarshal(raw, &data); err != nil {
		return Dataset{}, fmt.Errorf("decoding dataset %s: %w", path, err)
	}
	return data, nil
}

// References returns the dimension reference rows keyed by dimension.
func (d Dataset) References() map[models.Dimension][]models.DimensionReference {
	return map[models.Dimension][]models.DimensionReference{
		models.DimensionProvider: d.Providers,
		models.DimensionService:  d.Services,
		models.DimensionRegion:   d.Regions,
	}
}

// UploadIDsForClient lists the uploads owned by clientID.
func (s *Store) UploadIDsForClient(clientID string) []string {
	var ids []string
	for _, u := range s.data.Uploads {
		if u.ClientID == clientID {
			ids = append(ids, u.ID)
		}
	}
	return ids
}

func (s *Store) refs(dim models.Dimension) []models.DimensionReference {
	switch dim {
	case models.DimensionProvider:
		return s.data.Providers
	case models.DimensionRegion:
		return s.data.Regions
	default:
		return s.data.Services
	}
}

// LookupKeys implements filter.DimensionLookup.
func (s *Store) LookupKeys(_ context.Context, dim models.Dimension, name string) ([]int64, error) {
	var keys []int64
	for _, r := range s.refs(dim) {
		if r.Name == name {
			keys = append(keys, r.Key)
		}
	}
	return keys, nil
}

// NamesByKeys implements names.Lookup.
func (s *Store) NamesByKeys(_ context.Context, dim models.Dimension, keys []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(keys))
	for _, r := range s.refs(dim) {
		if slices.Contains(keys, r.Key) {
			out[r.Key] = r.Name
		}
	}
	return out, nil
}

func keyOf(f models.BillingFact, dim models.Dimension) int64 {
	switch dim {
	case models.DimensionProvider:
		return f.ProviderKey
	case models.DimensionRegion:
		return f.RegionKey
	default:
		return f.ServiceKey
	}
}

func matchKeys(keys []int64, k int64) bool {
	return keys == nil || slices.Contains(keys, k)
}

// match applies the constraint, the window and the positive billed cost predicate.
func (s *Store) match(c filter.Constraint, w period.Window) []models.BillingFact {
	if c.IsEmpty() {
		return nil
	}
	uploads := c.UploadIDs()
	providers, services, regions := c.ProviderKeys(), c.ServiceKeys(), c.RegionKeys()

	var out []models.BillingFact
	for _, f := range s.data.Facts {
		if !slices.Contains(uploads, f.UploadID) {
			continue
		}
		if !matchKeys(providers, f.ProviderKey) || !matchKeys(services, f.ServiceKey) || !matchKeys(regions, f.RegionKey) {
			continue
		}
		if !w.IsZero() && !w.Contains(f.ChargePeriodStart) {
			continue
		}
		if f.BilledCost <= 0 {
			continue
		}
		out = append(out, f)
	}
	return out
}

// SumSpend implements aggregation.Store.
func (s *Store) SumSpend(_ context.Context, c filter.Constraint, w period.Window) (models.SpendTotals, error) {
	var t models.SpendTotals
	for _, f := range s.match(c, w) {
		t.Billed += f.BilledCost
		t.Effective += f.EffectiveCost
		t.List += f.ListCost
	}
	return t, nil
}

// SumByDimension implements aggregation.Store.
func (s *Store) SumByDimension(_ context.Context, c filter.Constraint, w period.Window, dim models.Dimension, limit int) ([]models.AggregateRow, error) {
	sums := map[int64]float64{}
	var order []int64
	for _, f := range s.match(c, w) {
		k := keyOf(f, dim)
		if _, ok := sums[k]; !ok {
			order = append(order, k)
		}
		sums[k] += f.BilledCost
	}
	out := make([]models.AggregateRow, 0, len(order))
	for _, k := range order {
		out = append(out, models.AggregateRow{Key: k, Value: sums[k]})
	}
	// Matches the SQL ordering: total descending, then key.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value > out[j].Value
		}
		return out[i].Key < out[j].Key
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type dayKey struct {
	day int64
	key string
}

// DailyByDimension implements aggregation.Store.
func (s *Store) DailyByDimension(_ context.Context, c filter.Constraint, w period.Window, dim models.Dimension) ([]models.TimeSeriesRow, error) {
	sums := map[dayKey]*models.TimeSeriesRow{}
	var out []*models.TimeSeriesRow
	for _, f := range s.match(c, w) {
		d := formula.TruncateDay(f.ChargePeriodStart)
		k := keyOf(f, dim)
		dk := dayKey{d.Unix(), fmt.Sprint(k)}
		row, ok := sums[dk]
		if !ok {
			row = &models.TimeSeriesRow{Date: d, Key: k}
			sums[dk] = row
			out = append(out, row)
		}
		row.Cost += f.BilledCost
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	rows := make([]models.TimeSeriesRow, len(out))
	for i, r := range out {
		rows[i] = *r
	}
	return rows, nil
}

// DailyUsage implements aggregation.Store.
func (s *Store) DailyUsage(_ context.Context, c filter.Constraint, w period.Window, sku string) ([]models.UsagePoint, error) {
	sums := map[int64]*models.UsagePoint{}
	var out []*models.UsagePoint
	for _, f := range s.match(c, w) {
		if sku != "" && f.SkuID != sku {
			continue
		}
		d := formula.TruncateDay(f.ChargePeriodStart)
		p, ok := sums[d.Unix()]
		if !ok {
			p = &models.UsagePoint{Date: d}
			sums[d.Unix()] = p
			out = append(out, p)
		}
		p.Cost += f.BilledCost
		p.Quantity += f.PricingQuantity
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	rows := make([]models.UsagePoint, len(out))
	for i, p := range out {
		rows[i] = *p
	}
	return rows, nil
}

// DailySkuPrices implements aggregation.Store.
func (s *Store) DailySkuPrices(_ context.Context, c filter.Constraint, w period.Window) ([]models.SkuPricePoint, error) {
	sums := map[dayKey]*models.SkuPricePoint{}
	var out []*models.SkuPricePoint
	for _, f := range s.match(c, w) {
		if strings.TrimSpace(f.SkuID) == "" {
			continue
		}
		d := formula.TruncateDay(f.ChargePeriodStart)
		dk := dayKey{d.Unix(), f.SkuID}
		p, ok := sums[dk]
		if !ok {
			p = &models.SkuPricePoint{Sku: f.SkuID, Date: d}
			sums[dk] = p
			out = append(out, p)
		}
		p.Cost += f.BilledCost
		p.Quantity += f.PricingQuantity
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Sku != out[j].Sku {
			return out[i].Sku < out[j].Sku
		}
		return out[i].Date.Before(out[j].Date)
	})
	rows := make([]models.SkuPricePoint, len(out))
	for i, p := range out {
		rows[i] = *p
	}
	return rows, nil
}

// DailyResourceCosts implements aggregation.Store. Unlike spend sums it keeps
// zero-cost rows, which lifecycle classification depends on.
func (s *Store) DailyResourceCosts(_ context.Context, c filter.Constraint, w period.Window) ([]models.ResourceCostPoint, error) {
	if c.IsEmpty() {
		return nil, nil
	}
	uploads := c.UploadIDs()
	providers, services, regions := c.ProviderKeys(), c.ServiceKeys(), c.RegionKeys()

	sums := map[dayKey]*models.ResourceCostPoint{}
	var out []*models.ResourceCostPoint
	for _, f := range s.data.Facts {
		if !slices.Contains(uploads, f.UploadID) || f.ResourceID == "" {
			continue
		}
		if !matchKeys(providers, f.ProviderKey) || !matchKeys(services, f.ServiceKey) || !matchKeys(regions, f.RegionKey) {
			continue
		}
		if !w.IsZero() && !w.Contains(f.ChargePeriodStart) {
			continue
		}
		d := formula.TruncateDay(f.ChargePeriodStart)
		dk := dayKey{d.Unix(), f.ResourceID}
		p, ok := sums[dk]
		if !ok {
			p = &models.ResourceCostPoint{ResourceID: f.ResourceID, Date: d}
			sums[dk] = p
			out = append(out, p)
		}
		if f.BilledCost > 0 {
			p.Cost += f.BilledCost
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ResourceID != out[j].ResourceID {
			return out[i].ResourceID < out[j].ResourceID
		}
		return out[i].Date.Before(out[j].Date)
	})
	rows := make([]models.ResourceCostPoint, len(out))
	for i, p := range out {
		rows[i] = *p
	}
	return rows, nil
}

// ResourceTags implements aggregation.Store. Tags of the latest fact win.
func (s *Store) ResourceTags(_ context.Context, c filter.Constraint, w period.Window) ([]models.TaggedCost, error) {
	byResource := map[string]*models.TaggedCost{}
	latest := map[string]int64{}
	var out []*models.TaggedCost
	for _, f := range s.match(c, w) {
		id := f.ResourceID
		if id == "" {
			id = "(unattributed)"
		}
		tc, ok := byResource[id]
		if !ok {
			tc = &models.TaggedCost{ResourceID: id}
			byResource[id] = tc
			out = append(out, tc)
		}
		tc.Cost += f.BilledCost
		if ts := f.ChargePeriodStart.Unix(); !ok || ts >= latest[id] {
			latest[id] = ts
			tc.Tags = f.Tags
		}
	}
	rows := make([]models.TaggedCost, len(out))
	for i, tc := range out {
		rows[i] = *tc
	}
	return rows, nil
}

// AssertUploadScope verifies every upload id belongs to clientID.
func (s *Store) AssertUploadScope(_ context.Context, clientID string, uploadIDs []string) error {
	owned := s.UploadIDsForClient(clientID)
	for _, id := range uploadIDs {
		if !slices.Contains(owned, id) {
			return fmt.Errorf("upload %s is not owned by client %s: %w", id, clientID, models.ErrUploadScope)
		}
	}
	return nil
}
