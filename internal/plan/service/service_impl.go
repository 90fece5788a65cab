package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/cache"
	"github.com/smallbiznis/entitlements/internal/clock"
	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  plandomain.Repository
	Cache cache.PlanCache `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  plandomain.Repository
	cache cache.PlanCache
}

func NewService(p ServiceParam) plandomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("plan.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
		cache: p.Cache,
	}
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*plandomain.Plan, error) {
	if id == 0 {
		return nil, plandomain.ErrPlanNotFound
	}
	if s.cache != nil {
		if plan, ok := s.cache.GetByID(id); ok {
			return &plan, nil
		}
	}

	plan, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, plandomain.ErrPlanNotFound
	}
	s.remember(plan)
	return plan, nil
}

func (s *Service) GetByCode(ctx context.Context, code string) (*plandomain.Plan, error) {
	code = normalizeCode(code)
	if code == "" {
		return nil, plandomain.ErrInvalidPlanCode
	}
	if s.cache != nil {
		if plan, ok := s.cache.GetByCode(code); ok {
			return &plan, nil
		}
	}

	plan, err := s.repo.FindByCode(ctx, s.db, code)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, plandomain.ErrPlanNotFound
	}
	s.remember(plan)
	return plan, nil
}

func (s *Service) List(ctx context.Context) ([]plandomain.Plan, error) {
	return s.repo.List(ctx, s.db)
}

// Sync upserts every definition in one transaction and drops cached plans.
func (s *Service) Sync(ctx context.Context, definitions []plandomain.Definition) error {
	plans := make([]*plandomain.Plan, 0, len(definitions))
	for _, def := range definitions {
		plan, err := s.buildPlan(def)
		if err != nil {
			return err
		}
		plans = append(plans, plan)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, plan := range plans {
			if err := s.repo.Upsert(ctx, tx, plan); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.cache != nil {
		s.cache.Purge()
	}
	s.log.Info("plan catalog synced", zap.Int("plans", len(plans)))
	return nil
}

func (s *Service) buildPlan(def plandomain.Definition) (*plandomain.Plan, error) {
	code := normalizeCode(def.Code)
	if code == "" {
		return nil, plandomain.ErrInvalidPlanCode
	}
	name := strings.TrimSpace(def.Name)
	if name == "" {
		name = code
	}

	limits := make(plandomain.Limits, len(def.Limits))
	for usageType, limit := range def.Limits {
		key := plandomain.NormalizeUsageType(usageType)
		if key == "" || limit < 0 {
			return nil, plandomain.ErrInvalidLimit
		}
		limits[key] = limit
	}

	now := s.clock.Now()
	return &plandomain.Plan{
		ID:           s.genID.Generate(),
		Code:         code,
		Name:         name,
		Description:  strings.TrimSpace(def.Description),
		Limits:       datatypes.NewJSONType(limits),
		AllowOverage: def.OverageRules.AllowOverage,
		HardStop:     def.OverageRules.HardStop,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (s *Service) remember(plan *plandomain.Plan) {
	if s.cache == nil || plan == nil {
		return
	}
	s.cache.Set(*plan)
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
