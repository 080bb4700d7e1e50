package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/forgeapp/meterd/internal/clock"
	"github.com/forgeapp/meterd/internal/config"
	"github.com/forgeapp/meterd/internal/logger"
	"github.com/forgeapp/meterd/internal/migration"
	"github.com/forgeapp/meterd/internal/observability"
	"github.com/forgeapp/meterd/internal/retention"
	"github.com/forgeapp/meterd/internal/server"
	"github.com/forgeapp/meterd/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		server.Module,
		retention.Module,
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
