package service

import (
	"context"
	"errors"

	"github.com/smallbiznis/entitlements/internal/clock"
	forecastdomain "github.com/smallbiznis/entitlements/internal/forecast/domain"
	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/entitlements/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	SubSvc    subscriptiondomain.Service
	PlanSvc   plandomain.Service
	UsageRepo usagedomain.Repository
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	subSvc    subscriptiondomain.Service
	planSvc   plandomain.Service
	usageRepo usagedomain.Repository
}

func NewService(p ServiceParam) forecastdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("forecast.service"),
		clock:     p.Clock,
		subSvc:    p.SubSvc,
		planSvc:   p.PlanSvc,
		usageRepo: p.UsageRepo,
	}
}

func (s *Service) Summarize(ctx context.Context, tenantID string) (*forecastdomain.Summary, error) {
	subscription, err := s.subSvc.ResolveActive(ctx, tenantID)
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrSubscriptionInactive) {
			return nil, nil
		}
		return nil, err
	}

	now := s.clock.Now()
	summary := &forecastdomain.Summary{
		Subscription: *subscription,
		Plan:         forecastdomain.PlanSummary{Code: subscription.PlanCode},
		Usage:        []forecastdomain.UsageForecast{},
		GeneratedAt:  now,
	}

	plan, err := s.planSvc.GetByID(ctx, subscription.PlanID)
	if err != nil {
		if errors.Is(err, plandomain.ErrPlanNotFound) {
			s.log.Warn("subscription references a missing plan",
				zap.String("tenant_id", subscription.TenantID),
				zap.String("plan_id", subscription.PlanID.String()),
			)
			return summary, nil
		}
		return nil, err
	}
	summary.Plan = forecastdomain.PlanSummary{
		Code:         plan.Code,
		Name:         plan.Name,
		AllowOverage: plan.AllowOverage,
		HardStop:     plan.HardStop,
	}

	aggregates, err := s.usageRepo.ListAggregates(ctx, s.db, subscription.ID)
	if err != nil {
		return nil, err
	}
	totals := make(map[string]int64, len(aggregates))
	for _, aggregate := range aggregates {
		if !aggregate.BillingPeriodStart.Equal(subscription.BillingPeriodStart) {
			continue
		}
		totals[aggregate.UsageType] = aggregate.TotalQuantity
	}

	for _, usageType := range plan.UsageTypes() {
		limit, _ := plan.LimitFor(usageType)
		summary.Usage = append(summary.Usage, forecastdomain.Project(
			usageType,
			totals[usageType],
			limit,
			subscription.BillingPeriodStart,
			subscription.BillingPeriodEnd,
			now,
		))
	}
	return summary, nil
}
