package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	obsmetrics "github.com/smallbiznis/entitlements/internal/observability/metrics"
	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	"github.com/smallbiznis/entitlements/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxTenantIDLength = 64

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config
	Repo       subscriptiondomain.Repository
	PlanSvc    plandomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       subscriptiondomain.Repository
	planSvc    plandomain.Service
	obsMetrics *obsmetrics.Metrics

	trialDays    int
	periodMonths int
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	trialDays := p.Cfg.Subscription.TrialDays
	if trialDays <= 0 {
		trialDays = 14
	}
	periodMonths := p.Cfg.Subscription.PeriodMonths
	if periodMonths <= 0 {
		periodMonths = 1
	}

	return &Service{
		db:           p.DB,
		log:          p.Log.Named("subscription.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		repo:         p.Repo,
		planSvc:      p.PlanSvc,
		obsMetrics:   p.ObsMetrics,
		trialDays:    trialDays,
		periodMonths: periodMonths,
	}
}

// ResolveActive is a pure read evaluated on every call so that period
// rollovers are visible immediately.
func (s *Service) ResolveActive(ctx context.Context, tenantID string) (*subscriptiondomain.Subscription, error) {
	tenantID, err := normalizeTenantID(tenantID)
	if err != nil {
		return nil, err
	}

	subscription, err := s.repo.FindCurrent(ctx, s.db, tenantID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, subscriptiondomain.ErrSubscriptionInactive
	}
	return subscription, nil
}

// Provision cancels whatever the tenant currently has and starts a new period
// on the requested plan, atomically.
func (s *Service) Provision(ctx context.Context, req subscriptiondomain.ProvisionRequest) (*subscriptiondomain.Subscription, error) {
	tenantID, err := normalizeTenantID(req.TenantID)
	if err != nil {
		return nil, err
	}
	planCode := strings.TrimSpace(req.PlanCode)
	if planCode == "" {
		return nil, subscriptiondomain.ErrInvalidPlanCode
	}

	plan, err := s.planSvc.GetByCode(ctx, planCode)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	subscription := &subscriptiondomain.Subscription{
		ID:                 s.genID.Generate(),
		TenantID:           tenantID,
		PlanID:             plan.ID,
		PlanCode:           plan.Code,
		Status:             subscriptiondomain.SubscriptionStatusActive,
		BillingPeriodStart: now,
		BillingPeriodEnd:   now.AddDate(0, s.periodMonths, 0),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if req.IsTrial {
		trialEndsAt := now.AddDate(0, 0, s.trialDays)
		subscription.Status = subscriptiondomain.SubscriptionStatusTrialing
		subscription.TrialEndsAt = &trialEndsAt
	}
	if !subscription.BillingPeriodEnd.After(subscription.BillingPeriodStart) {
		return nil, subscriptiondomain.ErrInvalidBillingPeriod
	}

	var cancelled int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.LockTenant(ctx, tx, tenantID); err != nil {
			return err
		}
		n, err := s.repo.CancelCurrent(ctx, tx, tenantID, now)
		if err != nil {
			return err
		}
		cancelled = n
		if err := s.repo.Insert(ctx, tx, subscription); err != nil {
			return err
		}
		current, err := s.repo.CountCurrent(ctx, tx, tenantID, now)
		if err != nil {
			return err
		}
		if current != 1 {
			return subscriptiondomain.ErrProvisionConflict
		}
		return nil
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, subscriptiondomain.ErrProvisionConflict
		}
		return nil, err
	}

	s.obsMetrics.RecordProvision(ctx, plan.Code, string(subscription.Status))
	s.log.Info("subscription provisioned",
		zap.String("tenant_id", tenantID),
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("plan_code", plan.Code),
		zap.String("status", string(subscription.Status)),
		zap.Int64("cancelled_previous", cancelled),
	)
	return subscription, nil
}

func (s *Service) Cancel(ctx context.Context, tenantID string) (*subscriptiondomain.Subscription, error) {
	current, err := s.ResolveActive(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := s.repo.CancelCurrent(ctx, tx, current.TenantID, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	cancelled, err := s.repo.FindByID(ctx, s.db, current.TenantID, current.ID)
	if err != nil {
		return nil, err
	}
	if cancelled == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	s.log.Info("subscription cancelled",
		zap.String("tenant_id", current.TenantID),
		zap.String("subscription_id", current.ID.String()),
	)
	return cancelled, nil
}

func (s *Service) List(ctx context.Context, tenantID string) ([]subscriptiondomain.Subscription, error) {
	tenantID, err := normalizeTenantID(tenantID)
	if err != nil {
		return nil, err
	}
	return s.repo.List(ctx, s.db, tenantID)
}

func normalizeTenantID(tenantID string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" || len(tenantID) > maxTenantIDLength {
		return "", subscriptiondomain.ErrInvalidTenant
	}
	return tenantID, nil
}
