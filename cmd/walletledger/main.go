package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/walletledger/internal/clock"
	"github.com/smallbiznis/walletledger/internal/config"
	"github.com/smallbiznis/walletledger/internal/migration"
	"github.com/smallbiznis/walletledger/internal/observability"
	"github.com/smallbiznis/walletledger/internal/scheduler"
	"github.com/smallbiznis/walletledger/internal/server"
	"github.com/smallbiznis/walletledger/pkg/db"
	"go.uber.org/fx"
)

// Monolith: HTTP API and the billing scheduler in one process.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		server.Module,
		migration.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
