package domain

import (
	"context"
	"errors"
	"time"

	entitlementdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/pkg/db/pagination"
)

type RecordStatus string

const (
	RecordStatusRecorded         RecordStatus = "recorded"
	RecordStatusSkippedDuplicate RecordStatus = "skipped_duplicate"
)

type RecordRequest struct {
	TenantID       string     `json:"tenantId" binding:"required,max=64"`
	UsageType      string     `json:"usageType" binding:"required,max=64"`
	Quantity       int64      `json:"quantity" binding:"required,min=-1000000000,max=1000000000"`
	SourceService  string     `json:"sourceService" binding:"required,max=128"`
	SourceEntityID string     `json:"sourceEntityId" binding:"required,max=255"`
	Timestamp      *time.Time `json:"timestamp"`
	Strict         bool       `json:"strict"`
}

type RecordResult struct {
	Status    RecordStatus    `json:"status"`
	Event     *UsageEvent     `json:"event,omitempty"`
	Aggregate *UsageAggregate `json:"aggregate,omitempty"`
}

type ListEventsRequest struct {
	TenantID  string
	UsageType string
	PageToken string
	PageSize  int
}

type ListEventsResponse struct {
	pagination.PageInfo
	Events []UsageEvent `json:"events"`
}

type Service interface {
	Record(ctx context.Context, req RecordRequest) (*RecordResult, error)
	ListEvents(ctx context.Context, req ListEventsRequest) (ListEventsResponse, error)
}

var (
	ErrInvalidTenant         = errors.New("invalid_tenant")
	ErrInvalidUsageType      = errors.New("invalid_usage_type")
	ErrInvalidQuantity       = errors.New("invalid_quantity")
	ErrInvalidSourceService  = errors.New("invalid_source_service")
	ErrInvalidSourceEntityID = errors.New("invalid_source_entity_id")
	ErrEntitlementDenied     = errors.New("entitlement_denied")
)

// DeniedError is returned by a strict record that the evaluator refused.
type DeniedError struct {
	Result entitlementdomain.Result
}

func (e *DeniedError) Error() string {
	return ErrEntitlementDenied.Error() + ": " + string(e.Result.Reason)
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrEntitlementDenied
}
