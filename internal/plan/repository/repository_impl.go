package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
	"github.com/smallbiznis/entitlements/pkg/db/option"
	"github.com/smallbiznis/entitlements/pkg/repository"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() plandomain.Repository {
	return &repo{}
}

func (r *repo) store(db *gorm.DB) repository.Repository[plandomain.Plan] {
	return repository.ProvideStore[plandomain.Plan](db)
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*plandomain.Plan, error) {
	return r.store(db).FindOne(ctx, &plandomain.Plan{ID: id})
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, code string) (*plandomain.Plan, error) {
	return r.store(db).FindOne(ctx, &plandomain.Plan{Code: code})
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]plandomain.Plan, error) {
	rows, err := r.store(db).Find(ctx, nil, option.WithSortBy("code", "asc"))
	if err != nil {
		return nil, err
	}
	plans := make([]plandomain.Plan, 0, len(rows))
	for _, row := range rows {
		plans = append(plans, *row)
	}
	return plans, nil
}

// Upsert inserts the plan or refreshes every administered column keyed by code.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, plan *plandomain.Plan) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "description", "limits", "allow_overage", "hard_stop", "updated_at",
		}),
	}).Create(plan).Error
}
