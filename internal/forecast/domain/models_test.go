package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProject_LinearRate(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)
	now := start.AddDate(0, 0, 10)

	forecast := Project("photo_analysis", 40, 100, start, end, now)

	assert.Equal(t, int64(60), forecast.Remaining)
	assert.Equal(t, 10.0, forecast.DaysElapsed)
	assert.Equal(t, 30.0, forecast.TotalPeriodDays)
	assert.Equal(t, 4.0, forecast.DailyRate)
	assert.Equal(t, int64(120), forecast.ProjectedUsage)
	assert.False(t, forecast.IsExceeded)
	require.NotNil(t, forecast.DaysUntilExceeded)
	assert.Equal(t, int64(15), *forecast.DaysUntilExceeded)
}

func TestProject_FloorsFractionalResults(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)
	now := start.AddDate(0, 0, 7)

	forecast := Project("report_generation", 3, 10, start, end, now)

	// 3 * 30 / 7 = 12.857...
	assert.Equal(t, int64(12), forecast.ProjectedUsage)
	// (10 - 3) * 7 / 3 = 16.33...
	require.NotNil(t, forecast.DaysUntilExceeded)
	assert.Equal(t, int64(16), *forecast.DaysUntilExceeded)
	assert.InDelta(t, 0.4286, forecast.DailyRate, 0.0001)
}

func TestProject_AtPeriodStart(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	forecast := Project("photo_analysis", 5, 100, start, end, start)

	assert.Equal(t, 0.0, forecast.DailyRate)
	assert.Equal(t, int64(5), forecast.ProjectedUsage)
	assert.Nil(t, forecast.DaysUntilExceeded)
}

func TestProject_ExceededAndIdle(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)
	now := start.AddDate(0, 0, 15)

	exceeded := Project("photo_analysis", 150, 100, start, end, now)
	assert.True(t, exceeded.IsExceeded)
	assert.Equal(t, int64(0), exceeded.Remaining)
	assert.Nil(t, exceeded.DaysUntilExceeded)
	assert.Equal(t, int64(300), exceeded.ProjectedUsage)

	atLimit := Project("photo_analysis", 100, 100, start, end, now)
	assert.False(t, atLimit.IsExceeded)
	assert.Nil(t, atLimit.DaysUntilExceeded)

	idle := Project("photo_analysis", 0, 100, start, end, now)
	assert.Equal(t, 0.0, idle.DailyRate)
	assert.Equal(t, int64(0), idle.ProjectedUsage)
	assert.Nil(t, idle.DaysUntilExceeded)
}

func TestFloorDiv_Negative(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)
	now := start.AddDate(0, 0, 7)

	forecast := Project("photo_analysis", -3, 10, start, end, now)
	// -3 * 30 / 7 = -12.857... floors to -13.
	assert.Equal(t, int64(-13), forecast.ProjectedUsage)
	assert.Nil(t, forecast.DaysUntilExceeded)
}
