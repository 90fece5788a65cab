package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Definition is the administered shape of a plan before it is persisted.
type Definition struct {
	Code         string
	Name         string
	Description  string
	Limits       Limits
	OverageRules OverageRules
}

type Service interface {
	GetByID(ctx context.Context, id snowflake.ID) (*Plan, error)
	GetByCode(ctx context.Context, code string) (*Plan, error)
	List(ctx context.Context) ([]Plan, error)
	Sync(ctx context.Context, definitions []Definition) error
}

var (
	ErrPlanNotFound    = errors.New("plan_not_found")
	ErrInvalidPlanCode = errors.New("invalid_plan_code")
	ErrInvalidPlanName = errors.New("invalid_plan_name")
	ErrInvalidLimit    = errors.New("invalid_limit")
)
