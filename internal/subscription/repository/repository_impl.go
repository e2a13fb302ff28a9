package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/walletledger/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

const appColumns = `id, company_id, app_id, status, monthly_fee, currency, bundle_subscription_id,
	subscribed_at, trial_ends_at, next_billing_at, retry_at, last_billing_at, billing_anchor_day,
	total_spent, failed_attempts, past_due_since, cancelled_at, version, created_at, updated_at`

const bundleColumns = `id, company_id, bundle_id, status, monthly_fee, currency, subscribed_at,
	next_billing_at, retry_at, last_billing_at, billing_anchor_day, total_spent, failed_attempts,
	past_due_since, cancelled_at, version, created_at, updated_at`

const platformColumns = `id, company_id, plan, monthly_fee, currency, status, billing_day,
	next_billing_date, retry_at, last_billing_date, total_spent, failed_attempts, past_due_since,
	cancelled_at, version, created_at, updated_at`

var (
	billableAppStatuses = []subscriptiondomain.Status{
		subscriptiondomain.StatusTrial,
		subscriptiondomain.StatusActive,
		subscriptiondomain.StatusPastDue,
	}
	billableRecurringStatuses = []subscriptiondomain.Status{
		subscriptiondomain.StatusActive,
		subscriptiondomain.StatusPastDue,
	}
)

func first[T any](rows []T) *T {
	if len(rows) == 0 {
		return nil
	}
	return &rows[0]
}

func (r *repo) FindApp(ctx context.Context, db *gorm.DB, companyID, appID snowflake.ID) (*subscriptiondomain.CompanyAppSubscription, error) {
	var rows []subscriptiondomain.CompanyAppSubscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+appColumns+` FROM company_app_subscriptions WHERE company_id = ? AND app_id = ?`,
		companyID, appID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return first(rows), nil
}

func (r *repo) FindAppForUpdate(ctx context.Context, db *gorm.DB, companyID, appID snowflake.ID) (*subscriptiondomain.CompanyAppSubscription, error) {
	var rows []subscriptiondomain.CompanyAppSubscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+appColumns+` FROM company_app_subscriptions WHERE company_id = ? AND app_id = ? FOR UPDATE`,
		companyID, appID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return first(rows), nil
}

func (r *repo) FindAppByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.CompanyAppSubscription, error) {
	var rows []subscriptiondomain.CompanyAppSubscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+appColumns+` FROM company_app_subscriptions WHERE id = ? FOR UPDATE`,
		id,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return first(rows), nil
}

func (r *repo) InsertApp(ctx context.Context, db *gorm.DB, sub *subscriptiondomain.CompanyAppSubscription) error {
	return db.WithContext(ctx).Create(sub).Error
}

func (r *repo) UpdateApp(ctx context.Context, db *gorm.DB, sub *subscriptiondomain.CompanyAppSubscription, expectedVersion int64) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE company_app_subscriptions SET
			status = ?, monthly_fee = ?, bundle_subscription_id = ?, subscribed_at = ?,
			trial_ends_at = ?, next_billing_at = ?, retry_at = ?, last_billing_at = ?, billing_anchor_day = ?,
			total_spent = ?, failed_attempts = ?, past_due_since = ?, cancelled_at = ?,
			version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		sub.Status,
		sub.MonthlyFee,
		sub.BundleSubscriptionID,
		sub.SubscribedAt,
		sub.TrialEndsAt,
		sub.NextBillingAt,
		sub.RetryAt,
		sub.LastBillingAt,
		sub.BillingAnchorDay,
		sub.TotalSpent,
		sub.FailedAttempts,
		sub.PastDueSince,
		sub.CancelledAt,
		sub.Version,
		sub.UpdatedAt,
		sub.ID,
		expectedVersion,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ListApps(ctx context.Context, db *gorm.DB, companyID snowflake.ID) ([]subscriptiondomain.CompanyAppSubscription, error) {
	var rows []subscriptiondomain.CompanyAppSubscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+appColumns+` FROM company_app_subscriptions WHERE company_id = ? ORDER BY created_at ASC, id ASC`,
		companyID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ListBundleMembersForUpdate(ctx context.Context, db *gorm.DB, bundleSubscriptionID snowflake.ID) ([]subscriptiondomain.CompanyAppSubscription, error) {
	var rows []subscriptiondomain.CompanyAppSubscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+appColumns+` FROM company_app_subscriptions
		WHERE bundle_subscription_id = ?
		ORDER BY id ASC
		FOR UPDATE`,
		bundleSubscriptionID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) FindBundleForUpdate(ctx context.Context, db *gorm.DB, companyID, bundleID snowflake.ID) (*subscriptiondomain.CompanyBundleSubscription, error) {
	var rows []subscriptiondomain.CompanyBundleSubscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+bundleColumns+` FROM company_bundle_subscriptions WHERE company_id = ? AND bundle_id = ? FOR UPDATE`,
		companyID, bundleID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return first(rows), nil
}

func (r *repo) FindBundleByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.CompanyBundleSubscription, error) {
	var rows []subscriptiondomain.CompanyBundleSubscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+bundleColumns+` FROM company_bundle_subscriptions WHERE id = ? FOR UPDATE`,
		id,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return first(rows), nil
}

func (r *repo) InsertBundle(ctx context.Context, db *gorm.DB, sub *subscriptiondomain.CompanyBundleSubscription) error {
	return db.WithContext(ctx).Create(sub).Error
}

func (r *repo) UpdateBundle(ctx context.Context, db *gorm.DB, sub *subscriptiondomain.CompanyBundleSubscription, expectedVersion int64) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE company_bundle_subscriptions SET
			status = ?, monthly_fee = ?, subscribed_at = ?, next_billing_at = ?, retry_at = ?, last_billing_at = ?,
			billing_anchor_day = ?, total_spent = ?, failed_attempts = ?, past_due_since = ?,
			cancelled_at = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		sub.Status,
		sub.MonthlyFee,
		sub.SubscribedAt,
		sub.NextBillingAt,
		sub.RetryAt,
		sub.LastBillingAt,
		sub.BillingAnchorDay,
		sub.TotalSpent,
		sub.FailedAttempts,
		sub.PastDueSince,
		sub.CancelledAt,
		sub.Version,
		sub.UpdatedAt,
		sub.ID,
		expectedVersion,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ListBundles(ctx context.Context, db *gorm.DB, companyID snowflake.ID) ([]subscriptiondomain.CompanyBundleSubscription, error) {
	var rows []subscriptiondomain.CompanyBundleSubscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+bundleColumns+` FROM company_bundle_subscriptions WHERE company_id = ? ORDER BY created_at ASC, id ASC`,
		companyID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) FindPlatform(ctx context.Context, db *gorm.DB, companyID snowflake.ID) (*subscriptiondomain.PlatformSubscription, error) {
	var rows []subscriptiondomain.PlatformSubscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+platformColumns+` FROM platform_subscriptions WHERE company_id = ?`,
		companyID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return first(rows), nil
}

func (r *repo) FindPlatformForUpdate(ctx context.Context, db *gorm.DB, companyID snowflake.ID) (*subscriptiondomain.PlatformSubscription, error) {
	var rows []subscriptiondomain.PlatformSubscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+platformColumns+` FROM platform_subscriptions WHERE company_id = ? FOR UPDATE`,
		companyID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return first(rows), nil
}

func (r *repo) FindPlatformByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.PlatformSubscription, error) {
	var rows []subscriptiondomain.PlatformSubscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+platformColumns+` FROM platform_subscriptions WHERE id = ? FOR UPDATE`,
		id,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return first(rows), nil
}

func (r *repo) InsertPlatform(ctx context.Context, db *gorm.DB, sub *subscriptiondomain.PlatformSubscription) error {
	return db.WithContext(ctx).Create(sub).Error
}

func (r *repo) UpdatePlatform(ctx context.Context, db *gorm.DB, sub *subscriptiondomain.PlatformSubscription, expectedVersion int64) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE platform_subscriptions SET
			plan = ?, monthly_fee = ?, status = ?, billing_day = ?, next_billing_date = ?,
			retry_at = ?, last_billing_date = ?, total_spent = ?, failed_attempts = ?, past_due_since = ?,
			cancelled_at = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		sub.Plan,
		sub.MonthlyFee,
		sub.Status,
		sub.BillingDay,
		sub.NextBillingDate,
		sub.RetryAt,
		sub.LastBillingDate,
		sub.TotalSpent,
		sub.FailedAttempts,
		sub.PastDueSince,
		sub.CancelledAt,
		sub.Version,
		sub.UpdatedAt,
		sub.ID,
		expectedVersion,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]subscriptiondomain.DueSubscription, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []subscriptiondomain.DueSubscription
	err := db.WithContext(ctx).Raw(
		`SELECT kind, id, company_id FROM (
			SELECT 'app' AS kind, id, company_id FROM company_app_subscriptions
			WHERE status IN ? AND bundle_subscription_id IS NULL
			  AND next_billing_at IS NOT NULL AND COALESCE(retry_at, next_billing_at) <= ?
			UNION ALL
			SELECT 'bundle' AS kind, id, company_id FROM company_bundle_subscriptions
			WHERE status IN ? AND next_billing_at IS NOT NULL AND COALESCE(retry_at, next_billing_at) <= ?
			UNION ALL
			SELECT 'platform' AS kind, id, company_id FROM platform_subscriptions
			WHERE status IN ? AND COALESCE(retry_at, next_billing_date) <= ?
		) due
		ORDER BY company_id ASC, kind ASC, id ASC
		LIMIT ?`,
		billableAppStatuses, now,
		billableRecurringStatuses, now,
		billableRecurringStatuses, now,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
