package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/walletledger/internal/clock"
	"github.com/smallbiznis/walletledger/internal/config"
	"github.com/smallbiznis/walletledger/internal/observability"
	"github.com/smallbiznis/walletledger/internal/server"
	"github.com/smallbiznis/walletledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// No scheduler; billing runs in apps/scheduler.
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
