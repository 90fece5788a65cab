package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/authorization"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/entitlement"
	"github.com/smallbiznis/entitlements/internal/forecast"
	"github.com/smallbiznis/entitlements/internal/migration"
	"github.com/smallbiznis/entitlements/internal/observability"
	"github.com/smallbiznis/entitlements/internal/plan"
	"github.com/smallbiznis/entitlements/internal/ratelimit"
	"github.com/smallbiznis/entitlements/internal/seed"
	"github.com/smallbiznis/entitlements/internal/server"
	"github.com/smallbiznis/entitlements/internal/subscription"
	"github.com/smallbiznis/entitlements/internal/usage"
	"github.com/smallbiznis/entitlements/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional Domains
		plan.Module,
		seed.Module,
		subscription.Module,
		entitlement.Module,
		usage.Module,
		forecast.Module,

		authorization.Module,
		ratelimit.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
