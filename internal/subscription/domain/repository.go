package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, tenantID string, id snowflake.ID) (*Subscription, error)
	FindCurrent(ctx context.Context, db *gorm.DB, tenantID string, at time.Time) (*Subscription, error)
	List(ctx context.Context, db *gorm.DB, tenantID string) ([]Subscription, error)
	// CancelCurrent moves the tenant's ACTIVE or TRIALING rows whose period has
	// not ended by at to CANCELLED. Ended rows are never touched.
	CancelCurrent(ctx context.Context, db *gorm.DB, tenantID string, at time.Time) (int64, error)
	CountCurrent(ctx context.Context, db *gorm.DB, tenantID string, at time.Time) (int64, error)
	LockTenant(ctx context.Context, tx *gorm.DB, tenantID string) error
}
