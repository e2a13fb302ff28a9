// Package seed installs the default catalog on a fresh database.
package seed

import (
	"context"
	"errors"
	"fmt"

	catalogdomain "github.com/smallbiznis/walletledger/internal/catalog/domain"
	"go.uber.org/zap"
)

var DefaultPlans = map[catalogdomain.PlanCode]int64{
	catalogdomain.PlanBasic:      99_000,
	catalogdomain.PlanPro:        299_000,
	catalogdomain.PlanEnterprise: 999_000,
}

func intPtr(v int) *int { return &v }

// DefaultApps is ordered so every requirement precedes its dependents.
var DefaultApps = []catalogdomain.CreateAppRequest{
	{
		Slug:         "accounting",
		Name:         "Accounting",
		PricingModel: catalogdomain.PricingModelMonthly,
		MonthlyPrice: 150_000,
		TrialDays:    intPtr(14),
	},
	{
		Slug:             "inventory",
		Name:             "Inventory",
		PricingModel:     catalogdomain.PricingModelMonthly,
		MonthlyPrice:     100_000,
		RequiredAppSlugs: []string{"accounting"},
	},
	{
		Slug:                       "payroll",
		Name:                       "Payroll",
		PricingModel:               catalogdomain.PricingModelMonthly,
		MonthlyPrice:               200_000,
		TrialDays:                  intPtr(7),
		RequiresPaymentToExitTrial: true,
		RequiredAppSlugs:           []string{"accounting"},
	},
	{
		Slug:         "messaging",
		Name:         "Messaging",
		PricingModel: catalogdomain.PricingModelPayPerUse,
	},
	{
		Slug:         "directory",
		Name:         "Directory",
		PricingModel: catalogdomain.PricingModelFree,
	},
}

var DefaultBundles = []catalogdomain.CreateBundleRequest{
	{
		Slug:     "back-office",
		Name:     "Back Office",
		Price:    400_000,
		Discount: 50_000,
		AppSlugs: []string{"accounting", "inventory", "payroll"},
	},
}

// EnsureCatalog upserts the platform plans and creates any default app or
// bundle whose slug is not taken yet. Running it again changes nothing.
func EnsureCatalog(ctx context.Context, catalog catalogdomain.Service, log *zap.Logger) error {
	if catalog == nil {
		return errors.New("seed catalog service is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("seed")

	for _, code := range []catalogdomain.PlanCode{catalogdomain.PlanBasic, catalogdomain.PlanPro, catalogdomain.PlanEnterprise} {
		if _, err := catalog.GetPlan(ctx, code); err == nil {
			continue
		} else if !errors.Is(err, catalogdomain.ErrPlanNotFound) {
			return fmt.Errorf("seed plan %s: %w", code, err)
		}
		if _, err := catalog.UpsertPlan(ctx, code, DefaultPlans[code]); err != nil {
			return fmt.Errorf("seed plan %s: %w", code, err)
		}
		log.Info("seeded plan", zap.String("plan", string(code)))
	}

	for _, req := range DefaultApps {
		_, err := catalog.CreateApp(ctx, req)
		switch {
		case err == nil:
			log.Info("seeded app", zap.String("slug", req.Slug))
		case errors.Is(err, catalogdomain.ErrSlugTaken):
		default:
			return fmt.Errorf("seed app %s: %w", req.Slug, err)
		}
	}

	for _, req := range DefaultBundles {
		_, err := catalog.CreateBundle(ctx, req)
		switch {
		case err == nil:
			log.Info("seeded bundle", zap.String("slug", req.Slug))
		case errors.Is(err, catalogdomain.ErrSlugTaken):
		default:
			return fmt.Errorf("seed bundle %s: %w", req.Slug, err)
		}
	}
	return nil
}
