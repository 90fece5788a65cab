package service

import (
	"context"
	"errors"
	"strings"

	entitlementdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/entitlements/internal/observability/metrics"
	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/entitlements/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	SubSvc     subscriptiondomain.Service
	PlanSvc    plandomain.Service
	UsageRepo  usagedomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	subSvc     subscriptiondomain.Service
	planSvc    plandomain.Service
	usageRepo  usagedomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) entitlementdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("entitlement.service"),
		subSvc:     p.SubSvc,
		planSvc:    p.PlanSvc,
		usageRepo:  p.UsageRepo,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Check(ctx context.Context, req entitlementdomain.CheckRequest) (entitlementdomain.Result, error) {
	usageType := plandomain.NormalizeUsageType(req.UsageType)
	if usageType == "" {
		return entitlementdomain.Result{}, entitlementdomain.ErrInvalidUsageType
	}
	quantity := req.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 0 || quantity > entitlementdomain.MaxQuantity {
		return entitlementdomain.Result{}, entitlementdomain.ErrInvalidQuantity
	}

	result, err := s.evaluate(ctx, strings.TrimSpace(req.TenantID), usageType, quantity)
	if err != nil {
		return entitlementdomain.Result{}, err
	}

	s.obsMetrics.RecordEntitlementCheck(ctx, usageType, string(result.Reason))
	return result, nil
}

func (s *Service) evaluate(ctx context.Context, tenantID, usageType string, quantity int64) (entitlementdomain.Result, error) {
	subscription, err := s.subSvc.ResolveActive(ctx, tenantID)
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrSubscriptionInactive) {
			return entitlementdomain.Inactive(), nil
		}
		return entitlementdomain.Result{}, err
	}
	periodEndsAt := subscription.BillingPeriodEnd

	plan, err := s.planSvc.GetByID(ctx, subscription.PlanID)
	if err != nil {
		if errors.Is(err, plandomain.ErrPlanNotFound) {
			s.log.Warn("subscription references a missing plan",
				zap.String("tenant_id", tenantID),
				zap.String("subscription_id", subscription.ID.String()),
				zap.String("plan_id", subscription.PlanID.String()),
			)
			return entitlementdomain.NotEntitled(periodEndsAt), nil
		}
		return entitlementdomain.Result{}, err
	}

	limit, ok := plan.LimitFor(usageType)
	if !ok {
		return entitlementdomain.NotEntitled(periodEndsAt), nil
	}

	var usage int64
	aggregate, err := s.usageRepo.FindAggregate(ctx, s.db, subscription.ID, usageType, subscription.BillingPeriodStart)
	if err != nil {
		return entitlementdomain.Result{}, err
	}
	if aggregate != nil {
		usage = aggregate.TotalQuantity
	}

	result := entitlementdomain.Decide(limit, usage, quantity, plan.OverageRules())
	result.PeriodEndsAt = &periodEndsAt
	return result, nil
}
