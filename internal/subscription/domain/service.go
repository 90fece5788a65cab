package domain

import (
	"context"
	"errors"
)

type ProvisionRequest struct {
	TenantID string `json:"tenantId" binding:"required,max=64"`
	PlanCode string `json:"planCode" binding:"required,max=64"`
	IsTrial  bool   `json:"isTrial"`
}

type Service interface {
	// ResolveActive returns the tenant's current subscription or ErrSubscriptionInactive.
	ResolveActive(ctx context.Context, tenantID string) (*Subscription, error)
	Provision(ctx context.Context, req ProvisionRequest) (*Subscription, error)
	Cancel(ctx context.Context, tenantID string) (*Subscription, error)
	List(ctx context.Context, tenantID string) ([]Subscription, error)
}

var (
	ErrInvalidTenant        = errors.New("invalid_tenant")
	ErrInvalidPlanCode      = errors.New("invalid_plan_code")
	ErrSubscriptionInactive = errors.New("subscription_inactive")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrProvisionConflict    = errors.New("provision_conflict")
	ErrInvalidBillingPeriod = errors.New("invalid_billing_period")
)
