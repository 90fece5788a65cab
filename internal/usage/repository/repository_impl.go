package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/entitlements/internal/usage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const aggregateColumns = `id, tenant_id, subscription_id, usage_type, billing_period_start,
	billing_period_end, total_quantity, created_at, updated_at`

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *usagedomain.UsageEvent) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "source_service"},
				{Name: "source_entity_id"},
				{Name: "usage_type"},
			},
			DoNothing: true,
		}).
		Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) UpsertAggregate(ctx context.Context, db *gorm.DB, aggregate *usagedomain.UsageAggregate, delta int64) error {
	aggregate.TotalQuantity = delta
	aggregate.BillingPeriodStart = aggregate.BillingPeriodStart.UTC()
	aggregate.BillingPeriodEnd = aggregate.BillingPeriodEnd.UTC()
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "subscription_id"},
				{Name: "usage_type"},
				{Name: "billing_period_start"},
			},
			DoUpdates: clause.Assignments(map[string]any{
				"total_quantity": gorm.Expr("total_quantity + ?", delta),
				"updated_at":     aggregate.UpdatedAt,
			}),
		}).
		Create(aggregate).Error
}

func (r *repo) FindAggregate(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, usageType string, periodStart time.Time) (*usagedomain.UsageAggregate, error) {
	var aggregate usagedomain.UsageAggregate
	err := db.WithContext(ctx).Raw(
		`SELECT `+aggregateColumns+`
		 FROM usage_aggregates
		 WHERE subscription_id = ? AND usage_type = ? AND billing_period_start = ?`,
		subscriptionID,
		usageType,
		periodStart.UTC(),
	).Scan(&aggregate).Error
	if err != nil {
		return nil, err
	}
	if aggregate.ID == 0 {
		return nil, nil
	}
	return &aggregate, nil
}

func (r *repo) ListAggregates(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]usagedomain.UsageAggregate, error) {
	var aggregates []usagedomain.UsageAggregate
	err := db.WithContext(ctx).Raw(
		`SELECT `+aggregateColumns+`
		 FROM usage_aggregates
		 WHERE subscription_id = ?
		 ORDER BY usage_type ASC`,
		subscriptionID,
	).Scan(&aggregates).Error
	if err != nil {
		return nil, err
	}
	return aggregates, nil
}
