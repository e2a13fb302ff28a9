package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/walletledger/internal/catalog/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() catalogdomain.Repository {
	return &repo{}
}

func (r *repo) InsertRequirements(ctx context.Context, db *gorm.DB, rows []catalogdomain.AppRequirement) error {
	if len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

func (r *repo) ListRequiredAppIDs(ctx context.Context, db *gorm.DB, appID snowflake.ID) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT required_app_id FROM app_requirements WHERE app_id = ? ORDER BY required_app_id ASC`,
		appID,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) InsertBundleApps(ctx context.Context, db *gorm.DB, rows []catalogdomain.BundleApp) error {
	if len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

func (r *repo) ListBundleApps(ctx context.Context, db *gorm.DB, bundleID snowflake.ID) ([]catalogdomain.App, error) {
	var apps []catalogdomain.App
	err := db.WithContext(ctx).Raw(
		`SELECT a.id, a.slug, a.name, a.pricing_model, a.monthly_price, a.currency, a.trial_days,
			a.requires_payment_to_exit_trial, a.created_at, a.updated_at
		FROM bundle_apps ba
		JOIN apps a ON a.id = ba.app_id
		WHERE ba.bundle_id = ?
		ORDER BY a.slug ASC`,
		bundleID,
	).Scan(&apps).Error
	if err != nil {
		return nil, err
	}
	return apps, nil
}
