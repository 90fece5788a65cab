// Package domain contains the plan catalog model.
package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Limits maps a usage type to the units allowed per billing period.
// A usage type missing from the map is not entitled.
type Limits map[string]int64

// Plan is a catalog entry. Plans are written only by catalog seeding.
type Plan struct {
	ID           snowflake.ID               `gorm:"primaryKey" json:"id"`
	Code         string                     `gorm:"size:64;not null;uniqueIndex:ux_plans_code" json:"code"`
	Name         string                     `gorm:"size:255;not null" json:"name"`
	Description  string                     `gorm:"type:text" json:"description"`
	Limits       datatypes.JSONType[Limits] `gorm:"not null" json:"limits"`
	AllowOverage bool                       `gorm:"not null;default:false" json:"allowOverage"`
	HardStop     bool                       `gorm:"not null;default:false" json:"hardStop"`
	CreatedAt    time.Time                  `gorm:"not null" json:"createdAt"`
	UpdatedAt    time.Time                  `gorm:"not null" json:"updatedAt"`
}

func (Plan) TableName() string { return "plans" }

// LimitFor returns the quota for usageType and whether the plan entitles it at all.
func (p Plan) LimitFor(usageType string) (int64, bool) {
	limits := p.Limits.Data()
	if limits == nil {
		return 0, false
	}
	limit, ok := limits[NormalizeUsageType(usageType)]
	return limit, ok
}

// UsageTypes returns the entitled usage types in stable order.
func (p Plan) UsageTypes() []string {
	limits := p.Limits.Data()
	out := make([]string, 0, len(limits))
	for usageType := range limits {
		out = append(out, usageType)
	}
	sort.Strings(out)
	return out
}

// OverageRules mirrors the two policy flags of a plan.
type OverageRules struct {
	AllowOverage bool `json:"allowOverage"`
	HardStop     bool `json:"hardStop"`
}

func (p Plan) OverageRules() OverageRules {
	return OverageRules{AllowOverage: p.AllowOverage, HardStop: p.HardStop}
}

// NormalizeUsageType is the canonical form of a usage-type identifier.
// The catalog file loader lower-cases map keys, so lookups do the same.
func NormalizeUsageType(usageType string) string {
	return strings.ToLower(strings.TrimSpace(usageType))
}
