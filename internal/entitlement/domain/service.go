package domain

import (
	"context"
	"errors"
)

type CheckRequest struct {
	TenantID  string `json:"tenantId" binding:"required,max=64"`
	UsageType string `json:"usageType" binding:"required,max=64"`
	Quantity  int64  `json:"quantity" binding:"omitempty,gte=1,lte=1000000000"`
}

type Service interface {
	// Check never returns an error for a business denial; see Result.Allowed.
	Check(ctx context.Context, req CheckRequest) (Result, error)
}

var (
	ErrInvalidUsageType = errors.New("invalid_usage_type")
	ErrInvalidQuantity  = errors.New("invalid_quantity")
)
