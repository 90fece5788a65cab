package service

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	entitlementdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
	planrepository "github.com/smallbiznis/entitlements/internal/plan/repository"
	planservice "github.com/smallbiznis/entitlements/internal/plan/service"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/entitlements/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/entitlements/internal/subscription/service"
	usagedomain "github.com/smallbiznis/entitlements/internal/usage/domain"
	usagerepository "github.com/smallbiznis/entitlements/internal/usage/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db        *gorm.DB
	clock     *clock.FakeClock
	node      *snowflake.Node
	subSvc    subscriptiondomain.Service
	usageRepo usagedomain.Repository
	svc       entitlementdomain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&plandomain.Plan{},
		&subscriptiondomain.Subscription{},
		&usagedomain.UsageEvent{},
		&usagedomain.UsageAggregate{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fakeClock := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	planSvc := planservice.NewService(planservice.ServiceParam{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: fakeClock,
		Repo:  planrepository.Provide(),
	})
	require.NoError(t, planSvc.Sync(context.Background(), []plandomain.Definition{
		{
			Code:         "BASIC",
			Limits:       plandomain.Limits{"photo_analysis": 100, "report_generation": 10},
			OverageRules: plandomain.OverageRules{HardStop: true},
		},
		{
			Code:         "PRO",
			Limits:       plandomain.Limits{"photo_analysis": 2000, "ai_analysis": 500},
			OverageRules: plandomain.OverageRules{AllowOverage: true},
		},
		{
			Code:         "MIXED",
			Limits:       plandomain.Limits{"photo_analysis": 10},
			OverageRules: plandomain.OverageRules{AllowOverage: true, HardStop: true},
		},
	}))

	cfg := config.Config{}
	cfg.Subscription.PeriodMonths = 1

	subSvc := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:      db,
		Log:     log,
		GenID:   node,
		Clock:   fakeClock,
		Cfg:     cfg,
		Repo:    subscriptionrepository.Provide(),
		PlanSvc: planSvc,
	})
	usageRepo := usagerepository.Provide()

	svc := NewService(ServiceParam{
		DB:        db,
		Log:       log,
		SubSvc:    subSvc,
		PlanSvc:   planSvc,
		UsageRepo: usageRepo,
	})

	return &fixture{db: db, clock: fakeClock, node: node, subSvc: subSvc, usageRepo: usageRepo, svc: svc}
}

func (f *fixture) provision(t *testing.T, tenantID, planCode string) *subscriptiondomain.Subscription {
	t.Helper()
	sub, err := f.subSvc.Provision(context.Background(), subscriptiondomain.ProvisionRequest{TenantID: tenantID, PlanCode: planCode})
	require.NoError(t, err)
	return sub
}

func (f *fixture) seedUsage(t *testing.T, sub *subscriptiondomain.Subscription, usageType string, total int64) {
	t.Helper()
	now := f.clock.Now()
	require.NoError(t, f.usageRepo.UpsertAggregate(context.Background(), f.db, &usagedomain.UsageAggregate{
		ID:                 f.node.Generate(),
		TenantID:           sub.TenantID,
		SubscriptionID:     sub.ID,
		UsageType:          usageType,
		BillingPeriodStart: sub.BillingPeriodStart,
		BillingPeriodEnd:   sub.BillingPeriodEnd,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, total))
}

func check(tenantID, usageType string, quantity int64) entitlementdomain.CheckRequest {
	return entitlementdomain.CheckRequest{TenantID: tenantID, UsageType: usageType, Quantity: quantity}
}

func TestCheck_NoSubscription(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.Check(context.Background(), check("tenant-a", "photo_analysis", 1))
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.True(t, result.UpgradeRequired)
	assert.Equal(t, entitlementdomain.ReasonSubscriptionInactive, result.Reason)
}

func TestCheck_WithinPlan(t *testing.T) {
	f := newFixture(t)
	sub := f.provision(t, "tenant-a", "BASIC")
	f.seedUsage(t, sub, "photo_analysis", 40)

	result, err := f.svc.Check(context.Background(), check("tenant-a", "PHOTO_ANALYSIS", 0))
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, entitlementdomain.ReasonWithinPlan, result.Reason)
	assert.Equal(t, int64(100), result.Limit)
	assert.Equal(t, int64(40), result.Usage)
	assert.Equal(t, int64(59), result.Remaining)
	assert.False(t, result.UpgradeRequired)
	require.NotNil(t, result.PeriodEndsAt)
	assert.True(t, result.PeriodEndsAt.Equal(sub.BillingPeriodEnd))
}

func TestCheck_UnlistedUsageTypeFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "tenant-a", "BASIC")

	result, err := f.svc.Check(context.Background(), check("tenant-a", "ai_analysis", 1))
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, entitlementdomain.ReasonLimitExceeded, result.Reason)
	assert.True(t, result.UpgradeRequired)
}

func TestCheck_HardStop(t *testing.T) {
	f := newFixture(t)
	sub := f.provision(t, "tenant-a", "BASIC")
	f.seedUsage(t, sub, "report_generation", 10)

	result, err := f.svc.Check(context.Background(), check("tenant-a", "report_generation", 1))
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, entitlementdomain.ReasonLimitExceeded, result.Reason)
	assert.Equal(t, int64(0), result.Remaining)
}

func TestCheck_SoftOverage(t *testing.T) {
	f := newFixture(t)
	sub := f.provision(t, "tenant-a", "PRO")
	f.seedUsage(t, sub, "ai_analysis", 500)

	result, err := f.svc.Check(context.Background(), check("tenant-a", "ai_analysis", 3))
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, entitlementdomain.ReasonWithinPlan, result.Reason)
	assert.Equal(t, int64(0), result.Remaining)
	assert.False(t, result.UpgradeRequired)
}

func TestCheck_HardStopWinsOverOverage(t *testing.T) {
	f := newFixture(t)
	sub := f.provision(t, "tenant-a", "MIXED")
	f.seedUsage(t, sub, "photo_analysis", 10)

	result, err := f.svc.Check(context.Background(), check("tenant-a", "photo_analysis", 1))
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}

func TestCheck_DanglingPlanFailsClosed(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	require.NoError(t, subscriptionrepository.Provide().Insert(context.Background(), f.db, &subscriptiondomain.Subscription{
		ID:                 f.node.Generate(),
		TenantID:           "tenant-a",
		PlanID:             f.node.Generate(),
		PlanCode:           "GONE",
		Status:             subscriptiondomain.SubscriptionStatusActive,
		BillingPeriodStart: now,
		BillingPeriodEnd:   now.AddDate(0, 1, 0),
		CreatedAt:          now,
		UpdatedAt:          now,
	}))

	result, err := f.svc.Check(context.Background(), check("tenant-a", "photo_analysis", 1))
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, entitlementdomain.ReasonLimitExceeded, result.Reason)
}

func TestCheck_PeriodRolloverResetsUsage(t *testing.T) {
	f := newFixture(t)
	sub := f.provision(t, "tenant-a", "BASIC")
	f.seedUsage(t, sub, "report_generation", 10)

	f.clock.Set(sub.BillingPeriodEnd)
	result, err := f.svc.Check(context.Background(), check("tenant-a", "report_generation", 1))
	require.NoError(t, err)
	assert.Equal(t, entitlementdomain.ReasonSubscriptionInactive, result.Reason)

	f.provision(t, "tenant-a", "BASIC")
	result, err = f.svc.Check(context.Background(), check("tenant-a", "report_generation", 1))
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, int64(0), result.Usage)
}

func TestCheck_InvalidInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Check(context.Background(), check("tenant-a", " ", 1))
	assert.ErrorIs(t, err, entitlementdomain.ErrInvalidUsageType)

	_, err = f.svc.Check(context.Background(), check("tenant-a", "photo_analysis", -1))
	assert.ErrorIs(t, err, entitlementdomain.ErrInvalidQuantity)

	_, err = f.svc.Check(context.Background(), check("tenant-a", "photo_analysis", math.MaxInt64))
	assert.ErrorIs(t, err, entitlementdomain.ErrInvalidQuantity)

	_, err = f.svc.Check(context.Background(), check("", "photo_analysis", 1))
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTenant)
}
