// Package quality scores tag compliance of billed resources.
package quality

import (
	"sort"
	"strings"

	"github.com/kcx-hq/kcx-01-sub007/internal/formula"
	"github.com/kcx-hq/kcx-01-sub007/pkg/models"
)

// DefaultMandatoryTags are required on every resource unless configured otherwise.
var DefaultMandatoryTags = []string{"environment", "owner", "application"}

// RiskLevel buckets the untagged share of spend.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// TagValue looks key up trying the exact key, then lowercase, then uppercase.
func TagValue(tags map[string]string, key string) (string, bool) {
	if tags == nil {
		return "", false
	}
	for _, k := range []string{key, strings.ToLower(key), strings.ToUpper(key)} {
		if v, ok := tags[k]; ok {
			return v, true
		}
	}
	return "", false
}

func hasValue(tags map[string]string, key string) bool {
	v, ok := TagValue(tags, key)
	return ok && strings.TrimSpace(v) != ""
}

// IsResourceTagged reports whether every required key has a non-blank value.
// No required keys means every resource is tagged.
func IsResourceTagged(tags map[string]string, required []string) bool {
	for _, k := range required {
		if !hasValue(tags, k) {
			return false
		}
	}
	return true
}

// HasMissingMandatoryTag reports whether any of keys is absent or blank. An
// empty keys list checks DefaultMandatoryTags.
func HasMissingMandatoryTag(tags map[string]string, keys []string) bool {
	if len(keys) == 0 {
		keys = DefaultMandatoryTags
	}
	return !IsResourceTagged(tags, keys)
}

// Score is the tag-compliance summary for a set of resources.
type Score struct {
	TotalCost        float64        `json:"totalCost"`
	TaggedCost       float64        `json:"taggedCost"`
	UntaggedCost     float64        `json:"untaggedCost"`
	CompliancePct    float64        `json:"compliancePct"`
	UntaggedPct      float64        `json:"untaggedPct"`
	TotalResources   int            `json:"totalResources"`
	TaggedResources  int            `json:"taggedResources"`
	ResourceCoverage float64        `json:"resourceCoveragePct"`
	MissingByKey     map[string]int `json:"missingByKey"`
	RequiredKeys     []string       `json:"requiredKeys"`
	RiskLevel        RiskLevel      `json:"riskLevel"`
	TopUntagged      []UntaggedItem `json:"topUntagged"`
}

// UntaggedItem is an untagged resource and the keys it lacks.
type UntaggedItem struct {
	ResourceID  string   `json:"resourceId"`
	Cost        float64  `json:"cost"`
	MissingKeys []string `json:"missingKeys"`
}

// TopUntaggedLimit caps Score.TopUntagged.
const TopUntaggedLimit = 10

// Evaluate scores resources against required keys (DefaultMandatoryTags when
// empty). Only positive cost counts towards spend. UntaggedPct is the
// complement of CompliancePct whenever there is spend.
func Evaluate(resources []models.TaggedCost, required []string) Score {
	if len(required) == 0 {
		required = DefaultMandatoryTags
	}
	s := Score{
		MissingByKey: make(map[string]int, len(required)),
		RequiredKeys: append([]string(nil), required...),
		TopUntagged:  []UntaggedItem{},
	}
	for _, k := range required {
		s.MissingByKey[k] = 0
	}

	for _, r := range resources {
		cost := formula.CoerceFinite(r.Cost)
		if cost < 0 {
			cost = 0
		}
		s.TotalResources++
		s.TotalCost += cost

		var missing []string
		for _, k := range required {
			if !hasValue(r.Tags, k) {
				missing = append(missing, k)
				s.MissingByKey[k]++
			}
		}
		if len(missing) == 0 {
			s.TaggedResources++
			s.TaggedCost += cost
			continue
		}
		s.UntaggedCost += cost
		s.TopUntagged = append(s.TopUntagged, UntaggedItem{ResourceID: r.ResourceID, Cost: cost, MissingKeys: missing})
	}

	sort.SliceStable(s.TopUntagged, func(i, j int) bool { return s.TopUntagged[i].Cost > s.TopUntagged[j].Cost })
	if len(s.TopUntagged) > TopUntaggedLimit {
		s.TopUntagged = s.TopUntagged[:TopUntaggedLimit]
	}

	compliance := formula.Percent(s.TaggedCost, s.TotalCost)
	var untagged float64
	if s.TotalCost > 0 {
		untagged = 100 - compliance
	}
	s.CompliancePct = formula.Round2(compliance)
	s.UntaggedPct = formula.Round2(untagged)
	s.ResourceCoverage = formula.Round2(formula.Percent(float64(s.TaggedResources), float64(s.TotalResources)))
	s.RiskLevel = Risk(untagged)
	return s
}

// Risk maps the untagged share of spend to a level: under 20% is low, under
// 50% medium, otherwise high.
func Risk(untaggedPct float64) RiskLevel {
	switch {
	case untaggedPct < 20:
		return RiskLow
	case untaggedPct < 50:
		return RiskMedium
	default:
		return RiskHigh
	}
}
