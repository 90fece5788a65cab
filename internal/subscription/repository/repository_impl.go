package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, tenant_id, plan_id, plan_code, status, billing_period_start,
	billing_period_end, trial_ends_at, cancelled_at, created_at, updated_at`

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.TenantID,
		subscription.PlanID,
		subscription.PlanCode,
		subscription.Status,
		subscription.BillingPeriodStart,
		subscription.BillingPeriodEnd,
		subscription.TrialEndsAt,
		subscription.CancelledAt,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, tenantID string, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions WHERE tenant_id = ? AND id = ?`,
		tenantID,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

// FindCurrent selects the subscription whose half-open period contains at.
func (r *repo) FindCurrent(ctx context.Context, db *gorm.DB, tenantID string, at time.Time) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE tenant_id = ?
		   AND status IN ?
		   AND billing_period_start <= ?
		   AND billing_period_end > ?
		 ORDER BY billing_period_start DESC, id DESC
		 LIMIT 1`,
		tenantID,
		subscriptiondomain.CurrentStatuses,
		at,
		at,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, tenantID string) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE tenant_id = ?
		 ORDER BY created_at DESC, id DESC`,
		tenantID,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) CancelCurrent(ctx context.Context, db *gorm.DB, tenantID string, at time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, cancelled_at = ?, updated_at = ?
		 WHERE tenant_id = ? AND status IN ? AND billing_period_end > ?`,
		subscriptiondomain.SubscriptionStatusCancelled,
		at,
		at,
		tenantID,
		subscriptiondomain.CurrentStatuses,
		at,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) CountCurrent(ctx context.Context, db *gorm.DB, tenantID string, at time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*)
		 FROM subscriptions
		 WHERE tenant_id = ?
		   AND status IN ?
		   AND billing_period_start <= ?
		   AND billing_period_end > ?`,
		tenantID,
		subscriptiondomain.CurrentStatuses,
		at,
		at,
	).Scan(&count).Error
	return count, err
}

// LockTenant takes a transaction-scoped advisory lock on PostgreSQL. sqlite
// already serializes writers; mysql is left to the post-insert count.
func (r *repo) LockTenant(ctx context.Context, tx *gorm.DB, tenantID string) error {
	if !strings.EqualFold(tx.Dialector.Name(), "postgres") {
		return nil
	}
	return tx.WithContext(ctx).Exec(
		`SELECT pg_advisory_xact_lock(hashtext('subscriptions:' || ?))`,
		tenantID,
	).Error
}
