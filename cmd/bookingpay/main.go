package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookingpay/internal/clock"
	"github.com/smallbiznis/bookingpay/internal/config"
	"github.com/smallbiznis/bookingpay/internal/migration"
	"github.com/smallbiznis/bookingpay/internal/observability"
	"github.com/smallbiznis/bookingpay/internal/server"
	"github.com/smallbiznis/bookingpay/pkg/db"
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

		// gateway, ledger, notifier, engine, sweep and the HTTP edge
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
