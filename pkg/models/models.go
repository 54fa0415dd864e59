// Package models defines the core data structures shared across the analytics service.
package models

import (
	"errors"
	"strings"
	"time"
)

// ErrUploadScope is returned when a requested upload is not owned by the caller's tenant.
var ErrUploadScope = errors.New("upload outside tenant scope")

// Dimension is a groupable attribute of a billing fact.
type Dimension string

const (
	DimensionService  Dimension = "ServiceName"
	DimensionRegion   Dimension = "RegionName"
	DimensionProvider Dimension = "ProviderName"
)

// DefaultDimension is used whenever a caller supplies an unknown groupBy value.
const DefaultDimension = DimensionService

// ParseDimension maps a user supplied groupBy value onto the allow-list.
// Values outside the allow-list are coerced to DefaultDimension, never passed through.
func ParseDimension(s string) Dimension {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "servicename", "service":
		return DimensionService
	case "regionname", "region":
		return DimensionRegion
	case "providername", "provider":
		return DimensionProvider
	default:
		return DefaultDimension
	}
}

// Upload is a tenant-scoped ingestion batch. It is the unit of tenant isolation.
type Upload struct {
	ID         string    `json:"upload_id" db:"id"`
	ClientID   string    `json:"client_id" db:"client_id"`
	UploadedAt time.Time `json:"uploaded_at" db:"uploaded_at"`
	Status     string    `json:"status" db:"status"`
}

// BillingFact is a single usage/charge line. Immutable once ingested.
type BillingFact struct {
	UploadID          string            `json:"upload_id" db:"upload_id"`
	ProviderKey       int64             `json:"provider_key" db:"provider_key"`
	ServiceKey        int64             `json:"service_key" db:"service_key"`
	RegionKey         int64             `json:"region_key" db:"region_key"`
	ResourceID        string            `json:"resource_id" db:"resource_id"`
	SkuID             string            `json:"sku_id" db:"sku_id"`
	BilledCost        float64           `json:"billed_cost" db:"billed_cost"`
	EffectiveCost     float64           `json:"effective_cost" db:"effective_cost"`
	ListCost          float64           `json:"list_cost" db:"list_cost"`
	ContractedCost    float64           `json:"contracted_cost" db:"contracted_cost"`
	ConsumedQuantity  float64           `json:"consumed_quantity" db:"consumed_quantity"`
	PricingQuantity   float64           `json:"pricing_quantity" db:"pricing_quantity"`
	ChargePeriodStart time.Time         `json:"charge_period_start" db:"charge_period_start"`
	ChargePeriodEnd   time.Time         `json:"charge_period_end" db:"charge_period_end"`
	Tags              map[string]string `json:"tags" db:"tags"`
}

// DimensionReference maps a display name to the primitive key facts are grouped by.
type DimensionReference struct {
	Key  int64  `json:"key" db:"key"`
	Name string `json:"name" db:"name"`
}

// AggregateRow is one grouped sum keyed by an opaque dimension key.
type AggregateRow struct {
	Key   int64   `json:"key"`
	Value float64 `json:"value"`
}

// TimeSeriesRow is one (day, dimension key) bucket.
type TimeSeriesRow struct {
	Date time.Time `json:"date"`
	Key  int64     `json:"key"`
	Cost float64   `json:"cost"`
}

// NamedValue is an aggregate whose key has been resolved to a display name.
type NamedValue struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// NamedSeriesPoint is a time series bucket with a resolved display name.
type NamedSeriesPoint struct {
	Date string  `json:"date"`
	Name string  `json:"name"`
	Cost float64 `json:"cost"`
}

// SpendTotals carries the cost set summed over a constraint.
type SpendTotals struct {
	Billed    float64 `json:"billed_cost"`
	Effective float64 `json:"effective_cost"`
	List      float64 `json:"list_cost"`
}

// UsagePoint is the daily cost and quantity used by unit economics.
type UsagePoint struct {
	Date     time.Time `json:"date"`
	Cost     float64   `json:"cost"`
	Quantity float64   `json:"quantity"`
}

// DailyCost is one day of total spend.
type DailyCost struct {
	Date time.Time `json:"date"`
	Cost float64   `json:"cost"`
}

// SkuPricePoint is one day of cost and quantity for a single SKU.
type SkuPricePoint struct {
	Sku      string    `json:"sku"`
	Date     time.Time `json:"date"`
	Cost     float64   `json:"cost"`
	Quantity float64   `json:"quantity"`
}

// ResourceCostPoint is one day of cost for a single resource.
type ResourceCostPoint struct {
	ResourceID string    `json:"resource_id"`
	Date       time.Time `json:"date"`
	Cost       float64   `json:"cost"`
}

// TaggedCost is the spend of one resource together with its tags.
type TaggedCost struct {
	ResourceID string            `json:"resource_id"`
	Tags       map[string]string `json:"tags"`
	Cost       float64           `json:"cost"`
}
