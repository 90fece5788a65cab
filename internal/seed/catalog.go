// Package seed keeps the plans table in step with the administered catalog.
package seed

import (
	"context"
	"time"

	"github.com/smallbiznis/entitlements/internal/config"
	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const reloadTimeout = 30 * time.Second

var Module = fx.Module("seed",
	fx.Invoke(Register),
)

// Register seeds the catalog once and again after every catalog reload.
func Register(holder *config.CatalogHolder, planSvc plandomain.Service, log *zap.Logger) error {
	log = log.Named("seed.catalog")

	if err := SyncCatalog(context.Background(), planSvc, holder.Get(), log); err != nil {
		return err
	}

	holder.OnChange(func(catalog config.Catalog) {
		ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
		defer cancel()
		if err := SyncCatalog(ctx, planSvc, catalog, log); err != nil {
			log.Error("catalog reload sync failed", zap.Error(err))
		}
	})
	return nil
}

func SyncCatalog(ctx context.Context, planSvc plandomain.Service, catalog config.Catalog, log *zap.Logger) error {
	for _, code := range config.ContradictoryOverage(catalog) {
		log.Warn("plan sets both allowOverage and hardStop; hardStop takes precedence",
			zap.String("plan_code", code),
		)
	}
	return planSvc.Sync(ctx, Definitions(catalog))
}

func Definitions(catalog config.Catalog) []plandomain.Definition {
	definitions := make([]plandomain.Definition, 0, len(catalog.Plans))
	for _, plan := range catalog.Plans {
		definitions = append(definitions, plandomain.Definition{
			Code:        plan.Code,
			Name:        plan.Name,
			Description: plan.Description,
			Limits:      plandomain.Limits(plan.Limits),
			OverageRules: plandomain.OverageRules{
				AllowOverage: plan.OverageRules.AllowOverage,
				HardStop:     plan.OverageRules.HardStop,
			},
		})
	}
	return definitions
}
