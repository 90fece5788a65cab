// Package domain contains the subscription model and resolver contracts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusTrialing  SubscriptionStatus = "TRIALING"
	SubscriptionStatusActive    SubscriptionStatus = "ACTIVE"
	SubscriptionStatusCancelled SubscriptionStatus = "CANCELLED"
	SubscriptionStatusEnded     SubscriptionStatus = "ENDED"
)

// CurrentStatuses are the statuses that can make a subscription "the active one".
var CurrentStatuses = []SubscriptionStatus{
	SubscriptionStatusActive,
	SubscriptionStatusTrialing,
}

// Subscription is one tenant's enrollment in a plan for one billing period.
// Rows are never mutated after their period ends; a new period is a new row.
type Subscription struct {
	ID                 snowflake.ID       `gorm:"primaryKey" json:"id"`
	TenantID           string             `gorm:"size:64;not null;index:ix_subscriptions_tenant_period,priority:1;index:ix_subscriptions_tenant_period_end,priority:1" json:"tenantId"`
	PlanID             snowflake.ID       `gorm:"not null" json:"planId"`
	PlanCode           string             `gorm:"size:64;not null" json:"planCode"`
	Status             SubscriptionStatus `gorm:"size:16;not null;index:ix_subscriptions_tenant_period,priority:2" json:"status"`
	BillingPeriodStart time.Time          `gorm:"not null;index:ix_subscriptions_tenant_period,priority:3" json:"billingPeriodStart"`
	BillingPeriodEnd   time.Time          `gorm:"not null;index:ix_subscriptions_tenant_period_end,priority:2" json:"billingPeriodEnd"`
	TrialEndsAt        *time.Time         `json:"trialEndsAt,omitempty"`
	CancelledAt        *time.Time         `json:"cancelledAt,omitempty"`
	CreatedAt          time.Time          `gorm:"not null" json:"createdAt"`
	UpdatedAt          time.Time          `gorm:"not null" json:"updatedAt"`
}

func (Subscription) TableName() string { return "subscriptions" }

// Covers reports whether at falls in [BillingPeriodStart, BillingPeriodEnd).
func (s Subscription) Covers(at time.Time) bool {
	return !at.Before(s.BillingPeriodStart) && at.Before(s.BillingPeriodEnd)
}

func (s Subscription) IsCurrent(at time.Time) bool {
	switch s.Status {
	case SubscriptionStatusActive, SubscriptionStatusTrialing:
		return s.Covers(at)
	default:
		return false
	}
}
