package migration

import (
	"context"

	catalogdomain "github.com/smallbiznis/walletledger/internal/catalog/domain"
	"github.com/smallbiznis/walletledger/internal/config"
	"github.com/smallbiznis/walletledger/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module migrates the schema before the catalog service is resolved, then
// seeds the default catalog when enabled.
var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !cfg.RunMigrations {
			return nil
		}
		if err := Apply(conn); err != nil {
			return err
		}
		log.Named("migration").Info("schema up to date", zap.String("dialect", conn.Dialector.Name()))
		return nil
	}),
	fx.Invoke(func(cfg config.Config, catalog catalogdomain.Service, log *zap.Logger) error {
		if !cfg.SeedCatalog {
			return nil
		}
		return seed.EnsureCatalog(context.Background(), catalog, log)
	}),
)
