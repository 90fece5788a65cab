package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	entitlementdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/entitlements/internal/observability/metrics"
	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/entitlements/internal/usage/domain"
	"github.com/smallbiznis/entitlements/pkg/db"
	"github.com/smallbiznis/entitlements/pkg/db/option"
	"github.com/smallbiznis/entitlements/pkg/db/pagination"
	"github.com/smallbiznis/entitlements/pkg/repository"
	"github.com/smallbiznis/entitlements/pkg/rls"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxTenantIDLength       = 64
	maxUsageTypeLength      = 64
	maxSourceServiceLength  = 128
	maxSourceEntityIDLength = 255
)

var errDuplicateEvent = errors.New("duplicate_usage_event")

type ServiceParam struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	Cfg            config.Config
	Repo           usagedomain.Repository
	SubSvc         subscriptiondomain.Service
	EntitlementSvc entitlementdomain.Service
	ObsMetrics     *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID          *snowflake.Node
	clock          clock.Clock
	repo           usagedomain.Repository
	eventStore     repository.Repository[usagedomain.UsageEvent]
	subSvc         subscriptiondomain.Service
	entitlementSvc entitlementdomain.Service
	obsMetrics     *obsmetrics.Metrics
	strictMode     bool
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		genID:          p.GenID,
		clock:          p.Clock,
		repo:           p.Repo,
		eventStore:     repository.ProvideStore[usagedomain.UsageEvent](p.DB),
		subSvc:         p.SubSvc,
		entitlementSvc: p.EntitlementSvc,
		obsMetrics:     p.ObsMetrics,
		strictMode:     p.Cfg.Usage.StrictMode,
	}
}

// Record appends a usage event and folds it into the period aggregate in one
// transaction. Replays of the same source key leave both untouched.
func (s *Service) Record(ctx context.Context, req usagedomain.RecordRequest) (*usagedomain.RecordResult, error) {
	req, err := normalizeRecordRequest(req)
	if err != nil {
		return nil, err
	}

	subscription, err := s.subSvc.ResolveActive(ctx, req.TenantID)
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrInvalidTenant) {
			return nil, usagedomain.ErrInvalidTenant
		}
		return nil, err
	}

	// Corrections must always land, so only increments are gated.
	if (req.Strict || s.strictMode) && req.Quantity > 0 {
		result, err := s.entitlementSvc.Check(ctx, entitlementdomain.CheckRequest{
			TenantID:  req.TenantID,
			UsageType: req.UsageType,
			Quantity:  req.Quantity,
		})
		if err != nil {
			return nil, err
		}
		if !result.Allowed {
			s.obsMetrics.RecordUsage(ctx, req.UsageType, "denied", req.Quantity)
			return nil, &usagedomain.DeniedError{Result: result}
		}
	}

	now := s.clock.Now()
	occurredAt := now
	if req.Timestamp != nil && !req.Timestamp.IsZero() {
		occurredAt = req.Timestamp.UTC()
	}

	event := &usagedomain.UsageEvent{
		ID:             s.genID.Generate(),
		TenantID:       req.TenantID,
		SubscriptionID: subscription.ID,
		UsageType:      req.UsageType,
		Quantity:       req.Quantity,
		SourceService:  req.SourceService,
		SourceEntityID: req.SourceEntityID,
		OccurredAt:     occurredAt,
		CreatedAt:      now,
	}

	var aggregate *usagedomain.UsageAggregate
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rls.WithTenant(tx, req.TenantID); err != nil {
			return err
		}

		inserted, err := s.repo.InsertEvent(ctx, tx, event)
		if err != nil {
			if db.IsDuplicateKeyErr(err) {
				return errDuplicateEvent
			}
			return err
		}
		if !inserted {
			return errDuplicateEvent
		}

		if err := s.repo.UpsertAggregate(ctx, tx, &usagedomain.UsageAggregate{
			ID:                 s.genID.Generate(),
			TenantID:           req.TenantID,
			SubscriptionID:     subscription.ID,
			UsageType:          req.UsageType,
			BillingPeriodStart: subscription.BillingPeriodStart,
			BillingPeriodEnd:   subscription.BillingPeriodEnd,
			CreatedAt:          now,
			UpdatedAt:          now,
		}, req.Quantity); err != nil {
			return err
		}

		aggregate, err = s.repo.FindAggregate(ctx, tx, subscription.ID, req.UsageType, subscription.BillingPeriodStart)
		return err
	})
	if err != nil {
		if errors.Is(err, errDuplicateEvent) {
			s.obsMetrics.RecordUsage(ctx, req.UsageType, string(usagedomain.RecordStatusSkippedDuplicate), 0)
			s.log.Debug("usage replay skipped",
				zap.String("tenant_id", req.TenantID),
				zap.String("usage_type", req.UsageType),
				zap.String("source_service", req.SourceService),
			)
			return &usagedomain.RecordResult{Status: usagedomain.RecordStatusSkippedDuplicate}, nil
		}
		return nil, err
	}

	s.obsMetrics.RecordUsage(ctx, req.UsageType, string(usagedomain.RecordStatusRecorded), req.Quantity)
	return &usagedomain.RecordResult{
		Status:    usagedomain.RecordStatusRecorded,
		Event:     event,
		Aggregate: aggregate,
	}, nil
}

// ListEvents pages the current period's events, newest first.
func (s *Service) ListEvents(ctx context.Context, req usagedomain.ListEventsRequest) (usagedomain.ListEventsResponse, error) {
	subscription, err := s.subSvc.ResolveActive(ctx, req.TenantID)
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrInvalidTenant) {
			return usagedomain.ListEventsResponse{}, usagedomain.ErrInvalidTenant
		}
		return usagedomain.ListEventsResponse{}, err
	}

	filter := &usagedomain.UsageEvent{
		TenantID:       subscription.TenantID,
		SubscriptionID: subscription.ID,
		UsageType:      plandomain.NormalizeUsageType(req.UsageType),
	}
	pageSize := pagination.NormalizePageSize(req.PageSize)

	opts := []option.QueryOption{
		option.WithSortBy("occurred_at", "desc"),
		option.WithSortBy("id", "desc"),
		option.WithLimit(pageSize + 1),
	}
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return usagedomain.ListEventsResponse{}, err
		}
		cursorID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return usagedomain.ListEventsResponse{}, pagination.ErrInvalidPageToken
		}
		opts = append(opts, option.WithWhere(
			"(occurred_at < ? OR (occurred_at = ? AND id < ?))",
			cursor.Timestamp.UTC(), cursor.Timestamp.UTC(), cursorID,
		))
	}

	items, err := s.eventStore.Find(ctx, filter, opts...)
	if err != nil {
		return usagedomain.ListEventsResponse{}, err
	}

	items, pageInfo, err := pagination.BuildCursorPage(items, pageSize, func(event *usagedomain.UsageEvent) pagination.Cursor {
		return pagination.Cursor{ID: event.ID.String(), Timestamp: event.OccurredAt}
	})
	if err != nil {
		return usagedomain.ListEventsResponse{}, err
	}

	events := make([]usagedomain.UsageEvent, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		events = append(events, *item)
	}
	return usagedomain.ListEventsResponse{PageInfo: pageInfo, Events: events}, nil
}

func normalizeRecordRequest(req usagedomain.RecordRequest) (usagedomain.RecordRequest, error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	if req.TenantID == "" || len(req.TenantID) > maxTenantIDLength {
		return req, usagedomain.ErrInvalidTenant
	}
	req.UsageType = plandomain.NormalizeUsageType(req.UsageType)
	if req.UsageType == "" || len(req.UsageType) > maxUsageTypeLength {
		return req, usagedomain.ErrInvalidUsageType
	}
	if req.Quantity == 0 || req.Quantity > entitlementdomain.MaxQuantity || req.Quantity < -entitlementdomain.MaxQuantity {
		return req, usagedomain.ErrInvalidQuantity
	}
	req.SourceService = strings.TrimSpace(req.SourceService)
	if req.SourceService == "" || len(req.SourceService) > maxSourceServiceLength {
		return req, usagedomain.ErrInvalidSourceService
	}
	req.SourceEntityID = strings.TrimSpace(req.SourceEntityID)
	if req.SourceEntityID == "" || len(req.SourceEntityID) > maxSourceEntityIDLength {
		return req, usagedomain.ErrInvalidSourceEntityID
	}
	return req, nil
}
