// Package domain contains the entitlement decision model.
package domain

import (
	"time"

	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
)

// Reason explains an entitlement decision to the caller.
type Reason string

const (
	ReasonWithinPlan           Reason = "within_plan"
	ReasonLimitExceeded        Reason = "limit_exceeded"
	ReasonSubscriptionInactive Reason = "subscription_inactive"
)

// Result is returned for both allowed and denied checks.
type Result struct {
	Allowed         bool       `json:"allowed"`
	Limit           int64      `json:"limit"`
	Remaining       int64      `json:"remaining"`
	Usage           int64      `json:"usage"`
	PeriodEndsAt    *time.Time `json:"periodEndsAt,omitempty"`
	Reason          Reason     `json:"reason"`
	UpgradeRequired bool       `json:"upgradeRequired"`
}

// Inactive is the decision for a tenant with no current subscription.
func Inactive() Result {
	return Result{
		Allowed:         false,
		Reason:          ReasonSubscriptionInactive,
		UpgradeRequired: true,
	}
}

// NotEntitled is the decision for a usage type the plan does not list.
func NotEntitled(periodEndsAt time.Time) Result {
	return Result{
		Allowed:         false,
		PeriodEndsAt:    &periodEndsAt,
		Reason:          ReasonLimitExceeded,
		UpgradeRequired: true,
	}
}

// MaxQuantity bounds a single check or usage event.
const MaxQuantity int64 = 1_000_000_000

// Decide applies the plan limit and overage rules to the period usage plus
// the requested quantity. A hard stop always wins over allowed overage.
func Decide(limit, usage, quantity int64, rules plandomain.OverageRules) Result {
	// Compared without summing so huge quantities cannot wrap.
	withinLimit := usage <= limit && quantity <= limit-usage

	allowed := withinLimit
	if !withinLimit && rules.AllowOverage {
		allowed = true
	}
	if !withinLimit && rules.HardStop {
		allowed = false
	}

	var remaining int64
	if withinLimit {
		remaining = limit - usage - quantity
	}

	reason := ReasonLimitExceeded
	if allowed {
		reason = ReasonWithinPlan
	}

	return Result{
		Allowed:         allowed,
		Limit:           limit,
		Remaining:       remaining,
		Usage:           usage,
		Reason:          reason,
		UpgradeRequired: !allowed,
	}
}
