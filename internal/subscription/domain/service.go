package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/walletledger/internal/catalog/domain"
	"gorm.io/gorm"
)

type Service interface {
	InstallApp(ctx context.Context, companyID, appID snowflake.ID) (CompanyAppSubscription, error)
	// UpgradeTrial ends the trial now and charges the first period.
	UpgradeTrial(ctx context.Context, companyID, appID snowflake.ID) (CompanyAppSubscription, error)
	// Resubscribe reactivates a cancelled or expired app and charges the
	// first period.
	Resubscribe(ctx context.Context, companyID, appID snowflake.ID) (CompanyAppSubscription, error)
	CancelSubscription(ctx context.Context, companyID snowflake.ID, target Target) error

	SubscribePlatform(ctx context.Context, companyID snowflake.ID, plan catalogdomain.PlanCode, billingDay int) (PlatformSubscription, error)
	UpgradePlan(ctx context.Context, companyID snowflake.ID, plan catalogdomain.PlanCode) (PlatformSubscription, error)

	SubscribeToBundle(ctx context.Context, companyID snowflake.ID, bundleSlug string) ([]CompanyAppSubscription, error)

	// RunBillingCycle charges every subscription due at now. Running it
	// twice for the same now charges nothing the second time.
	RunBillingCycle(ctx context.Context, now time.Time) ([]BillingOutcome, error)
	// ApplyUsageSettlement moves the company's pay-per-use apps through the
	// grace window when its usage could not be settled, and back to ACTIVE
	// once it is.
	ApplyUsageSettlement(ctx context.Context, companyID snowflake.ID, settled bool) ([]BillingOutcome, error)
	GetSubscriptionStatus(ctx context.Context, companyID snowflake.ID) (SubscriptionOverview, error)
}

type Repository interface {
	FindApp(ctx context.Context, db *gorm.DB, companyID, appID snowflake.ID) (*CompanyAppSubscription, error)
	FindAppForUpdate(ctx context.Context, db *gorm.DB, companyID, appID snowflake.ID) (*CompanyAppSubscription, error)
	FindAppByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*CompanyAppSubscription, error)
	InsertApp(ctx context.Context, db *gorm.DB, sub *CompanyAppSubscription) error
	// UpdateApp writes sub when the stored version equals expectedVersion.
	UpdateApp(ctx context.Context, db *gorm.DB, sub *CompanyAppSubscription, expectedVersion int64) (bool, error)
	ListApps(ctx context.Context, db *gorm.DB, companyID snowflake.ID) ([]CompanyAppSubscription, error)
	ListBundleMembersForUpdate(ctx context.Context, db *gorm.DB, bundleSubscriptionID snowflake.ID) ([]CompanyAppSubscription, error)

	FindBundleForUpdate(ctx context.Context, db *gorm.DB, companyID, bundleID snowflake.ID) (*CompanyBundleSubscription, error)
	FindBundleByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*CompanyBundleSubscription, error)
	InsertBundle(ctx context.Context, db *gorm.DB, sub *CompanyBundleSubscription) error
	UpdateBundle(ctx context.Context, db *gorm.DB, sub *CompanyBundleSubscription, expectedVersion int64) (bool, error)
	ListBundles(ctx context.Context, db *gorm.DB, companyID snowflake.ID) ([]CompanyBundleSubscription, error)

	FindPlatform(ctx context.Context, db *gorm.DB, companyID snowflake.ID) (*PlatformSubscription, error)
	FindPlatformForUpdate(ctx context.Context, db *gorm.DB, companyID snowflake.ID) (*PlatformSubscription, error)
	FindPlatformByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PlatformSubscription, error)
	InsertPlatform(ctx context.Context, db *gorm.DB, sub *PlatformSubscription) error
	UpdatePlatform(ctx context.Context, db *gorm.DB, sub *PlatformSubscription, expectedVersion int64) (bool, error)

	// ListDue returns billable rows due at now, ordered by company. A pending
	// retry_at replaces the period due date when deciding what is due.
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]DueSubscription, error)
}
