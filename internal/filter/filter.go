// Package filter resolves human readable filter values into the tenant-scoped
// key constraint every fact query is bound by.
//
// Resolution fails closed: no uploads, or a filter value that matches no
// dimension rows, yields the empty constraint rather than a broader query.
package filter

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/kcx-hq/kcx-01-sub007/pkg/models"
)

// Wildcard is the filter value that disables a dimension filter.
const Wildcard = "All"

// Request is the caller supplied filter. UploadIDs must already be verified as
// belonging to the requesting tenant.
type Request struct {
	Provider  string   `json:"provider"`
	Service   string   `json:"service"`
	Region    string   `json:"region"`
	UploadIDs []string `json:"uploadIds"`
}

// DimensionLookup resolves a display name to the keys of matching reference rows.
type DimensionLookup interface {
	LookupKeys(ctx context.Context, dim models.Dimension, name string) ([]int64, error)
}

// Constraint is the resolved, immutable conjunction of key filters. Accessors
// return copies so a Constraint can be shared between sibling queries of one
// request without risk of mutation. Constraints are request scoped and must
// never be cached across tenants.
type Constraint struct {
	uploadIDs    []string
	providerKeys []int64
	serviceKeys  []int64
	regionKeys   []int64
	empty        bool
}

// None returns the fail-closed constraint that matches no rows.
func None() Constraint {
	return Constraint{empty: true}
}

// IsEmpty reports whether the constraint can match no rows. Aggregations
// short-circuit to zero results without touching the store.
func (c Constraint) IsEmpty() bool {
	return c.empty || len(c.uploadIDs) == 0
}

// UploadIDs returns the sorted upload ids the query is bound to.
func (c Constraint) UploadIDs() []string { return slices.Clone(c.uploadIDs) }

// ProviderKeys returns the provider keys, or nil when unfiltered.
func (c Constraint) ProviderKeys() []int64 { return slices.Clone(c.providerKeys) }

// ServiceKeys returns the service keys, or nil when unfiltered.
func (c Constraint) ServiceKeys() []int64 { return slices.Clone(c.serviceKeys) }

// RegionKeys returns the region keys, or nil when unfiltered.
func (c Constraint) RegionKeys() []int64 { return slices.Clone(c.regionKeys) }

// Equal reports whether two constraints select the same rows.
func (c Constraint) Equal(o Constraint) bool {
	if c.IsEmpty() || o.IsEmpty() {
		return c.IsEmpty() == o.IsEmpty()
	}
	return slices.Equal(c.uploadIDs, o.uploadIDs) &&
		slices.Equal(c.providerKeys, o.providerKeys) &&
		slices.Equal(c.serviceKeys, o.serviceKeys) &&
		slices.Equal(c.regionKeys, o.regionKeys)
}

// String renders the constraint for logs.
func (c Constraint) String() string {
	if c.IsEmpty() {
		return "constraint{none}"
	}
	return fmt.Sprintf("constraint{uploads=%d providers=%v services=%v regions=%v}",
		len(c.uploadIDs), c.providerKeys, c.serviceKeys, c.regionKeys)
}

// Resolver turns filter requests into constraints.
type Resolver struct {
	lookup DimensionLookup
}

// NewResolver creates a Resolver backed by the given dimension lookup.
func NewResolver(lookup DimensionLookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// Resolve builds the constraint for req. Store failures are returned as errors;
// every "no match" outcome is the empty constraint with a nil error.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Constraint, error) {
	uploads := normalizeUploads(req.UploadIDs)
	if len(uploads) == 0 {
		return None(), nil
	}

	c := Constraint{uploadIDs: uploads}

	targets := []struct {
		dim   models.Dimension
		value string
		dst   *[]int64
	}{
		{models.DimensionProvider, req.Provider, &c.providerKeys},
		{models.DimensionService, req.Service, &c.serviceKeys},
		{models.DimensionRegion, req.Region, &c.regionKeys},
	}

	for _, t := range targets {
		if !IsActive(t.value) {
			continue
		}
		if r.lookup == nil {
			return None(), nil
		}
		keys, err := r.lookup.LookupKeys(ctx, t.dim, strings.TrimSpace(t.value))
		if err != nil {
			return None(), fmt.Errorf("resolving %s %q: %w", t.dim, t.value, err)
		}
		keys = lo.Uniq(keys)
		if len(keys) == 0 {
			return None(), nil
		}
		slices.Sort(keys)
		*t.dst = keys
	}

	return c, nil
}

// IsActive reports whether a filter value constrains its dimension.
func IsActive(v string) bool {
	v = strings.TrimSpace(v)
	return v != "" && !strings.EqualFold(v, Wildcard)
}

func normalizeUploads(ids []string) []string {
	out := lo.Uniq(lo.FilterMap(ids, func(id string, _ int) (string, bool) {
		id = strings.TrimSpace(id)
		return id, id != ""
	}))
	slices.Sort(out)
	return out
}
