package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type CreateAppRequest struct {
	Slug                       string       `json:"slug"`
	Name                       string       `json:"name"`
	PricingModel               PricingModel `json:"pricing_model"`
	MonthlyPrice               int64        `json:"monthly_price"`
	TrialDays                  *int         `json:"trial_days"`
	RequiresPaymentToExitTrial bool         `json:"requires_payment_to_exit_trial"`
	RequiredAppSlugs           []string     `json:"required_app_slugs"`
}

type CreateBundleRequest struct {
	Slug     string   `json:"slug"`
	Name     string   `json:"name"`
	Price    int64    `json:"price"`
	Discount int64    `json:"discount"`
	AppSlugs []string `json:"app_slugs"`
}

type Service interface {
	CreateApp(ctx context.Context, req CreateAppRequest) (App, error)
	GetApp(ctx context.Context, id snowflake.ID) (App, error)
	GetAppBySlug(ctx context.Context, slug string) (App, error)
	ListApps(ctx context.Context) ([]App, error)
	RequiredApps(ctx context.Context, appID snowflake.ID) ([]snowflake.ID, error)

	CreateBundle(ctx context.Context, req CreateBundleRequest) (BundleWithApps, error)
	GetBundleBySlug(ctx context.Context, slug string) (BundleWithApps, error)
	GetBundle(ctx context.Context, id snowflake.ID) (BundleWithApps, error)

	UpsertPlan(ctx context.Context, code PlanCode, monthlyFee int64) (Plan, error)
	GetPlan(ctx context.Context, code PlanCode) (Plan, error)
	ListPlans(ctx context.Context) ([]Plan, error)
}

// Repository covers the link tables; entity rows go through the generic store.
type Repository interface {
	InsertRequirements(ctx context.Context, db *gorm.DB, rows []AppRequirement) error
	ListRequiredAppIDs(ctx context.Context, db *gorm.DB, appID snowflake.ID) ([]snowflake.ID, error)
	InsertBundleApps(ctx context.Context, db *gorm.DB, rows []BundleApp) error
	ListBundleApps(ctx context.Context, db *gorm.DB, bundleID snowflake.ID) ([]App, error)
}
