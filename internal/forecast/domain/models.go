// Package domain contains the period usage forecast model.
package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
)

var day = decimal.NewFromInt(int64(24 * time.Hour))

// UsageForecast is the linear projection of one usage type over the current period.
type UsageForecast struct {
	UsageType         string  `json:"usageType"`
	Usage             int64   `json:"usage"`
	Limit             int64   `json:"limit"`
	Remaining         int64   `json:"remaining"`
	DaysElapsed       float64 `json:"daysElapsed"`
	TotalPeriodDays   float64 `json:"totalPeriodDays"`
	DailyRate         float64 `json:"dailyRate"`
	ProjectedUsage    int64   `json:"projectedUsage"`
	IsExceeded        bool    `json:"isExceeded"`
	DaysUntilExceeded *int64  `json:"daysUntilExceeded"`
}

type PlanSummary struct {
	Code         string `json:"code"`
	Name         string `json:"name"`
	AllowOverage bool   `json:"allowOverage"`
	HardStop     bool   `json:"hardStop"`
}

type Summary struct {
	Subscription subscriptiondomain.Subscription `json:"subscription"`
	Plan         PlanSummary                     `json:"plan"`
	Usage        []UsageForecast                 `json:"usage"`
	GeneratedAt  time.Time                       `json:"generatedAt"`
}

type Service interface {
	// Summarize returns nil without error when the tenant has no current subscription.
	Summarize(ctx context.Context, tenantID string) (*Summary, error)
}

// Project computes the forecast at now for a period [start, end).
// Durations are kept in nanoseconds so that the floors are exact.
func Project(usageType string, usage, limit int64, start, end, now time.Time) UsageForecast {
	elapsed := decimal.NewFromInt(int64(now.Sub(start)))
	total := decimal.NewFromInt(int64(end.Sub(start)))
	used := decimal.NewFromInt(usage)

	forecast := UsageForecast{
		UsageType:       usageType,
		Usage:           usage,
		Limit:           limit,
		Remaining:       max(0, limit-usage),
		DaysElapsed:     elapsed.Div(day).Round(4).InexactFloat64(),
		TotalPeriodDays: total.Div(day).Round(4).InexactFloat64(),
		ProjectedUsage:  usage,
		IsExceeded:      usage > limit,
	}
	if elapsed.Sign() <= 0 {
		return forecast
	}

	// usage + rate*(total-elapsed) reduces to usage*total/elapsed.
	forecast.DailyRate = used.Mul(day).Div(elapsed).Round(4).InexactFloat64()
	forecast.ProjectedUsage = floorDiv(used.Mul(total), elapsed).IntPart()

	if usage > 0 && usage < limit {
		// (limit-usage)/rate with rate = usage*day/elapsed.
		days := floorDiv(decimal.NewFromInt(limit-usage).Mul(elapsed), used.Mul(day)).IntPart()
		forecast.DaysUntilExceeded = &days
	}
	return forecast
}

func floorDiv(num, den decimal.Decimal) decimal.Decimal {
	q, r := num.QuoRem(den, 0)
	if !r.IsZero() && num.Sign() != den.Sign() {
		q = q.Sub(decimal.NewFromInt(1))
	}
	return q
}
