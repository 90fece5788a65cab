package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// InsertEvent reports false when the source key already exists.
	InsertEvent(ctx context.Context, db *gorm.DB, event *UsageEvent) (bool, error)
	// UpsertAggregate adds delta to the period total, creating the row on first use.
	UpsertAggregate(ctx context.Context, db *gorm.DB, aggregate *UsageAggregate, delta int64) error
	FindAggregate(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, usageType string, periodStart time.Time) (*UsageAggregate, error)
	ListAggregates(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]UsageAggregate, error)
}
