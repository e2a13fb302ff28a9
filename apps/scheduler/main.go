package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/walletledger/internal/audit"
	"github.com/smallbiznis/walletledger/internal/catalog"
	"github.com/smallbiznis/walletledger/internal/clock"
	"github.com/smallbiznis/walletledger/internal/config"
	"github.com/smallbiznis/walletledger/internal/migration"
	"github.com/smallbiznis/walletledger/internal/observability"
	"github.com/smallbiznis/walletledger/internal/ratelimit"
	"github.com/smallbiznis/walletledger/internal/scheduler"
	"github.com/smallbiznis/walletledger/internal/subscription"
	"github.com/smallbiznis/walletledger/internal/usage"
	"github.com/smallbiznis/walletledger/internal/wallet"
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

		// Domain services required by scheduler
		audit.Module,
		catalog.Module,
		wallet.Module,
		usage.Module,
		subscription.Module,
		ratelimit.Module,
		migration.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
