// Package domain contains the usage ledger: append-only events and the
// per-period aggregates derived from them.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// UsageEvent is one metered action. Events are never updated or deleted;
// corrections are recorded as events with a negative quantity.
type UsageEvent struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID       string       `gorm:"size:64;not null;index:ix_usage_events_tenant_subscription,priority:1" json:"tenantId"`
	SubscriptionID snowflake.ID `gorm:"not null;index:ix_usage_events_tenant_subscription,priority:2" json:"subscriptionId"`
	UsageType      string       `gorm:"size:64;not null;uniqueIndex:ux_usage_events_source,priority:3" json:"usageType"`
	Quantity       int64        `gorm:"not null" json:"quantity"`
	SourceService  string       `gorm:"size:128;not null;uniqueIndex:ux_usage_events_source,priority:1" json:"sourceService"`
	SourceEntityID string       `gorm:"size:255;not null;uniqueIndex:ux_usage_events_source,priority:2" json:"sourceEntityId"`
	OccurredAt     time.Time    `gorm:"not null" json:"timestamp"`
	CreatedAt      time.Time    `gorm:"not null" json:"createdAt"`
}

func (UsageEvent) TableName() string { return "usage_events" }

// UsageAggregate is the running total of one usage type within one billing period.
type UsageAggregate struct {
	ID                 snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID           string       `gorm:"size:64;not null;index" json:"tenantId"`
	SubscriptionID     snowflake.ID `gorm:"not null;uniqueIndex:ux_usage_aggregates_period,priority:1" json:"subscriptionId"`
	UsageType          string       `gorm:"size:64;not null;uniqueIndex:ux_usage_aggregates_period,priority:2" json:"usageType"`
	BillingPeriodStart time.Time    `gorm:"not null;uniqueIndex:ux_usage_aggregates_period,priority:3" json:"billingPeriodStart"`
	BillingPeriodEnd   time.Time    `gorm:"not null" json:"billingPeriodEnd"`
	TotalQuantity      int64        `gorm:"not null;default:0" json:"totalQuantity"`
	CreatedAt          time.Time    `gorm:"not null" json:"createdAt"`
	UpdatedAt          time.Time    `gorm:"not null" json:"updatedAt"`
}

func (UsageAggregate) TableName() string { return "usage_aggregates" }
