package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/lunachat/luna/internal/clock"
	"github.com/lunachat/luna/internal/config"
	"github.com/lunachat/luna/internal/migration"
	"github.com/lunachat/luna/internal/observability"
	"github.com/lunachat/luna/internal/payment"
	"github.com/lunachat/luna/internal/plan"
	"github.com/lunachat/luna/internal/ratelimit"
	"github.com/lunachat/luna/internal/scheduler"
	"github.com/lunachat/luna/internal/server"
	"github.com/lunachat/luna/internal/subscription"
	"github.com/lunachat/luna/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		plan.Module,
		subscription.Module,
		payment.Module,
		ratelimit.Module,
		scheduler.Module,
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
