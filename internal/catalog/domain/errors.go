package domain

import "github.com/smallbiznis/walletledger/pkg/ledgererr"

var (
	ErrInvalidSlug         = ledgererr.New(ledgererr.KindValidation, "invalid_slug")
	ErrInvalidName         = ledgererr.New(ledgererr.KindValidation, "invalid_name")
	ErrInvalidPricingModel = ledgererr.New(ledgererr.KindValidation, "invalid_pricing_model")
	ErrInvalidPrice        = ledgererr.New(ledgererr.KindValidation, "invalid_price")
	ErrInvalidTrialDays    = ledgererr.New(ledgererr.KindValidation, "invalid_trial_days")
	ErrInvalidPlan         = ledgererr.New(ledgererr.KindValidation, "invalid_plan")
	ErrEmptyBundle         = ledgererr.New(ledgererr.KindValidation, "empty_bundle")
	ErrSelfRequirement     = ledgererr.New(ledgererr.KindValidation, "app_requires_itself")
	ErrSlugTaken           = ledgererr.New(ledgererr.KindConflict, "slug_taken")
	ErrAppNotFound         = ledgererr.New(ledgererr.KindNotFound, "app_not_found")
	ErrBundleNotFound      = ledgererr.New(ledgererr.KindNotFound, "bundle_not_found")
	ErrPlanNotFound        = ledgererr.New(ledgererr.KindNotFound, "plan_not_found")
)
