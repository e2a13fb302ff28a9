package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/walletledger/internal/catalog/domain"
	"github.com/smallbiznis/walletledger/internal/catalog/repository"
	"github.com/smallbiznis/walletledger/internal/clock"
	"github.com/smallbiznis/walletledger/internal/config"
	"github.com/smallbiznis/walletledger/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) catalogdomain.Service {
	t.Helper()
	conn := testutil.OpenDB(t,
		&catalogdomain.App{},
		&catalogdomain.AppRequirement{},
		&catalogdomain.Bundle{},
		&catalogdomain.BundleApp{},
		&catalogdomain.Plan{},
	)
	return NewService(Params{
		DB:     conn,
		Log:    zap.NewNop(),
		GenID:  testutil.Node(t),
		Clock:  clock.NewFakeClock(time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)),
		Config: config.Config{Currency: "IDR"},
		Repo:   repository.Provide(),
	})
}

func TestCreateAppNormalizesSlugAndRequirements(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	crm, err := svc.CreateApp(ctx, catalogdomain.CreateAppRequest{
		Name:         "CRM Pro",
		PricingModel: catalogdomain.PricingModelMonthly,
		MonthlyPrice: 150,
	})
	require.NoError(t, err)
	assert.Equal(t, "crm-pro", crm.Slug)
	assert.Equal(t, "IDR", crm.Currency)
	assert.Equal(t, int64(150), crm.CycleFee())

	mail, err := svc.CreateApp(ctx, catalogdomain.CreateAppRequest{
		Slug:             "Email Campaigns",
		Name:             "Email Campaigns",
		PricingModel:     catalogdomain.PricingModelPayPerUse,
		RequiredAppSlugs: []string{"CRM Pro"},
	})
	require.NoError(t, err)
	assert.Zero(t, mail.CycleFee())

	required, err := svc.RequiredApps(ctx, mail.ID)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{crm.ID}, required)

	_, err = svc.CreateApp(ctx, catalogdomain.CreateAppRequest{
		Name:         "crm pro",
		PricingModel: catalogdomain.PricingModelMonthly,
		MonthlyPrice: 1,
	})
	assert.ErrorIs(t, err, catalogdomain.ErrSlugTaken)

	byID, err := svc.GetApp(ctx, crm.ID)
	require.NoError(t, err)
	assert.Equal(t, crm.Slug, byID.Slug)

	apps, err := svc.ListApps(ctx)
	require.NoError(t, err)
	require.Len(t, apps, 2)
	assert.Equal(t, "crm-pro", apps[0].Slug)
	assert.Equal(t, "email-campaigns", apps[1].Slug)
}

func TestCreateAppValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	negative := -1

	cases := []struct {
		name string
		req  catalogdomain.CreateAppRequest
		want error
	}{
		{"no name", catalogdomain.CreateAppRequest{Slug: "x", PricingModel: catalogdomain.PricingModelFree}, catalogdomain.ErrInvalidName},
		{"bad model", catalogdomain.CreateAppRequest{Name: "x", PricingModel: "YEARLY"}, catalogdomain.ErrInvalidPricingModel},
		{"priced free app", catalogdomain.CreateAppRequest{Name: "x", PricingModel: catalogdomain.PricingModelFree, MonthlyPrice: 5}, catalogdomain.ErrInvalidPrice},
		{"negative trial", catalogdomain.CreateAppRequest{Name: "x", PricingModel: catalogdomain.PricingModelFree, TrialDays: &negative}, catalogdomain.ErrInvalidTrialDays},
		{"unknown requirement", catalogdomain.CreateAppRequest{Name: "x", PricingModel: catalogdomain.PricingModelFree, RequiredAppSlugs: []string{"ghost"}}, catalogdomain.ErrAppNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateApp(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestBundleFeeAndMembers(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, name := range []string{"CRM", "Inventory"} {
		_, err := svc.CreateApp(ctx, catalogdomain.CreateAppRequest{
			Name: name, PricingModel: catalogdomain.PricingModelMonthly, MonthlyPrice: 100,
		})
		require.NoError(t, err)
	}

	created, err := svc.CreateBundle(ctx, catalogdomain.CreateBundleRequest{
		Name:     "Retail Starter",
		Price:    180,
		Discount: 30,
		AppSlugs: []string{"crm", "inventory", "CRM"},
	})
	require.NoError(t, err)
	assert.Equal(t, "retail-starter", created.Slug)
	assert.Equal(t, int64(150), created.Fee())
	assert.Len(t, created.Apps, 2)

	loaded, err := svc.GetBundleBySlug(ctx, "Retail Starter")
	require.NoError(t, err)
	assert.Equal(t, created.ID, loaded.ID)
	require.Len(t, loaded.Apps, 2)
	assert.Equal(t, "crm", loaded.Apps[0].Slug)

	_, err = svc.GetBundleBySlug(ctx, "missing")
	assert.ErrorIs(t, err, catalogdomain.ErrBundleNotFound)

	_, err = svc.CreateBundle(ctx, catalogdomain.CreateBundleRequest{Name: "Empty"})
	assert.ErrorIs(t, err, catalogdomain.ErrEmptyBundle)

	assert.Zero(t, catalogdomain.Bundle{Price: 10, Discount: 20}.Fee())
}

func TestUpsertPlan(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.UpsertPlan(ctx, catalogdomain.PlanBasic, 100)
	require.NoError(t, err)
	_, err = svc.UpsertPlan(ctx, "pro", 300)
	require.NoError(t, err)
	updated, err := svc.UpsertPlan(ctx, catalogdomain.PlanBasic, 120)
	require.NoError(t, err)
	assert.Equal(t, int64(120), updated.MonthlyFee)

	plans, err := svc.ListPlans(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, catalogdomain.PlanBasic, plans[0].Code)

	_, err = svc.GetPlan(ctx, catalogdomain.PlanEnterprise)
	assert.ErrorIs(t, err, catalogdomain.ErrPlanNotFound)
	_, err = svc.UpsertPlan(ctx, "GOLD", 1)
	assert.ErrorIs(t, err, catalogdomain.ErrInvalidPlan)
}
