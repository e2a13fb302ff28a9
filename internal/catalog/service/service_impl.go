package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	catalogdomain "github.com/smallbiznis/walletledger/internal/catalog/domain"
	"github.com/smallbiznis/walletledger/internal/clock"
	"github.com/smallbiznis/walletledger/internal/config"
	"github.com/smallbiznis/walletledger/pkg/db/option"
	"github.com/smallbiznis/walletledger/pkg/money"
	"github.com/smallbiznis/walletledger/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Config config.Config
	Repo   catalogdomain.Repository
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	currency string
	repo     catalogdomain.Repository

	apps    repository.Repository[catalogdomain.App]
	bundles repository.Repository[catalogdomain.Bundle]
	plans   repository.Repository[catalogdomain.Plan]
}

func NewService(p Params) catalogdomain.Service {
	currency := money.NormalizeCurrency(p.Config.Currency)
	if currency == "" {
		currency = "IDR"
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("catalog.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		currency: currency,
		repo:     p.Repo,
		apps:     repository.ProvideStore[catalogdomain.App](p.DB),
		bundles:  repository.ProvideStore[catalogdomain.Bundle](p.DB),
		plans:    repository.ProvideStore[catalogdomain.Plan](p.DB),
	}
}

func (s *Service) CreateApp(ctx context.Context, req catalogdomain.CreateAppRequest) (catalogdomain.App, error) {
	appSlug, err := normalizeSlug(req.Slug, req.Name)
	if err != nil {
		return catalogdomain.App{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return catalogdomain.App{}, catalogdomain.ErrInvalidName
	}
	if !req.PricingModel.Valid() {
		return catalogdomain.App{}, catalogdomain.ErrInvalidPricingModel
	}
	if req.MonthlyPrice < 0 || (req.PricingModel != catalogdomain.PricingModelMonthly && req.MonthlyPrice != 0) {
		return catalogdomain.App{}, catalogdomain.ErrInvalidPrice
	}
	if req.TrialDays != nil && *req.TrialDays < 0 {
		return catalogdomain.App{}, catalogdomain.ErrInvalidTrialDays
	}

	existing, err := s.apps.FindOne(ctx, &catalogdomain.App{Slug: appSlug})
	if err != nil {
		return catalogdomain.App{}, fmt.Errorf("create app: %w", err)
	}
	if existing != nil {
		return catalogdomain.App{}, catalogdomain.ErrSlugTaken
	}

	now := s.clock.Now().UTC()
	app := catalogdomain.App{
		ID:                         s.genID.Generate(),
		Slug:                       appSlug,
		Name:                       name,
		PricingModel:               req.PricingModel,
		MonthlyPrice:               req.MonthlyPrice,
		Currency:                   s.currency,
		TrialDays:                  req.TrialDays,
		RequiresPaymentToExitTrial: req.RequiresPaymentToExitTrial,
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}

	requirements := make([]catalogdomain.AppRequirement, 0, len(req.RequiredAppSlugs))
	for _, raw := range req.RequiredAppSlugs {
		required, err := s.GetAppBySlug(ctx, raw)
		if err != nil {
			return catalogdomain.App{}, err
		}
		requirements = append(requirements, catalogdomain.AppRequirement{AppID: app.ID, RequiredAppID: required.ID})
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.apps.WithTrx(tx).Create(ctx, &app); err != nil {
			return err
		}
		return s.repo.InsertRequirements(ctx, tx, requirements)
	})
	if err != nil {
		return catalogdomain.App{}, fmt.Errorf("create app: %w", err)
	}

	s.log.Info("app created", zap.String("slug", app.Slug), zap.String("pricing_model", string(app.PricingModel)))
	return app, nil
}

func (s *Service) GetApp(ctx context.Context, id snowflake.ID) (catalogdomain.App, error) {
	if id == 0 {
		return catalogdomain.App{}, catalogdomain.ErrAppNotFound
	}
	app, err := s.apps.FindOne(ctx, &catalogdomain.App{ID: id})
	if err != nil {
		return catalogdomain.App{}, fmt.Errorf("get app: %w", err)
	}
	if app == nil {
		return catalogdomain.App{}, catalogdomain.ErrAppNotFound
	}
	return *app, nil
}

func (s *Service) GetAppBySlug(ctx context.Context, raw string) (catalogdomain.App, error) {
	appSlug := slug.Make(raw)
	if appSlug == "" {
		return catalogdomain.App{}, catalogdomain.ErrInvalidSlug
	}
	app, err := s.apps.FindOne(ctx, &catalogdomain.App{Slug: appSlug})
	if err != nil {
		return catalogdomain.App{}, fmt.Errorf("get app: %w", err)
	}
	if app == nil {
		return catalogdomain.App{}, catalogdomain.ErrAppNotFound
	}
	return *app, nil
}

func (s *Service) ListApps(ctx context.Context) ([]catalogdomain.App, error) {
	items, err := s.apps.Find(ctx, nil, option.WithSortBy(option.QuerySortBy{
		Column: "slug",
		Allow:  map[string]bool{"slug": true},
	}))
	if err != nil {
		return nil, fmt.Errorf("list apps: %w", err)
	}
	return deref(items), nil
}

func (s *Service) RequiredApps(ctx context.Context, appID snowflake.ID) ([]snowflake.ID, error) {
	ids, err := s.repo.ListRequiredAppIDs(ctx, s.db, appID)
	if err != nil {
		return nil, fmt.Errorf("required apps: %w", err)
	}
	return ids, nil
}

func (s *Service) CreateBundle(ctx context.Context, req catalogdomain.CreateBundleRequest) (catalogdomain.BundleWithApps, error) {
	bundleSlug, err := normalizeSlug(req.Slug, req.Name)
	if err != nil {
		return catalogdomain.BundleWithApps{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return catalogdomain.BundleWithApps{}, catalogdomain.ErrInvalidName
	}
	if req.Price < 0 || req.Discount < 0 {
		return catalogdomain.BundleWithApps{}, catalogdomain.ErrInvalidPrice
	}
	if len(req.AppSlugs) == 0 {
		return catalogdomain.BundleWithApps{}, catalogdomain.ErrEmptyBundle
	}

	count, err := s.bundles.Count(ctx, &catalogdomain.Bundle{Slug: bundleSlug})
	if err != nil {
		return catalogdomain.BundleWithApps{}, fmt.Errorf("create bundle: %w", err)
	}
	if count > 0 {
		return catalogdomain.BundleWithApps{}, catalogdomain.ErrSlugTaken
	}

	now := s.clock.Now().UTC()
	bundle := catalogdomain.Bundle{
		ID:        s.genID.Generate(),
		Slug:      bundleSlug,
		Name:      name,
		Price:     req.Price,
		Discount:  req.Discount,
		Currency:  s.currency,
		CreatedAt: now,
		UpdatedAt: now,
	}

	members := make([]catalogdomain.App, 0, len(req.AppSlugs))
	links := make([]catalogdomain.BundleApp, 0, len(req.AppSlugs))
	seen := make(map[snowflake.ID]bool, len(req.AppSlugs))
	for _, raw := range req.AppSlugs {
		app, err := s.GetAppBySlug(ctx, raw)
		if err != nil {
			return catalogdomain.BundleWithApps{}, err
		}
		if seen[app.ID] {
			continue
		}
		seen[app.ID] = true
		members = append(members, app)
		links = append(links, catalogdomain.BundleApp{BundleID: bundle.ID, AppID: app.ID})
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.bundles.WithTrx(tx).Create(ctx, &bundle); err != nil {
			return err
		}
		return s.repo.InsertBundleApps(ctx, tx, links)
	})
	if err != nil {
		return catalogdomain.BundleWithApps{}, fmt.Errorf("create bundle: %w", err)
	}

	return catalogdomain.BundleWithApps{Bundle: bundle, Apps: members}, nil
}

func (s *Service) GetBundleBySlug(ctx context.Context, raw string) (catalogdomain.BundleWithApps, error) {
	bundleSlug := slug.Make(raw)
	if bundleSlug == "" {
		return catalogdomain.BundleWithApps{}, catalogdomain.ErrInvalidSlug
	}
	return s.loadBundle(ctx, &catalogdomain.Bundle{Slug: bundleSlug})
}

func (s *Service) GetBundle(ctx context.Context, id snowflake.ID) (catalogdomain.BundleWithApps, error) {
	if id == 0 {
		return catalogdomain.BundleWithApps{}, catalogdomain.ErrBundleNotFound
	}
	return s.loadBundle(ctx, &catalogdomain.Bundle{ID: id})
}

func (s *Service) loadBundle(ctx context.Context, filter *catalogdomain.Bundle) (catalogdomain.BundleWithApps, error) {
	bundle, err := s.bundles.FindOne(ctx, filter)
	if err != nil {
		return catalogdomain.BundleWithApps{}, fmt.Errorf("get bundle: %w", err)
	}
	if bundle == nil {
		return catalogdomain.BundleWithApps{}, catalogdomain.ErrBundleNotFound
	}
	apps, err := s.repo.ListBundleApps(ctx, s.db, bundle.ID)
	if err != nil {
		return catalogdomain.BundleWithApps{}, fmt.Errorf("get bundle apps: %w", err)
	}
	return catalogdomain.BundleWithApps{Bundle: *bundle, Apps: apps}, nil
}

func (s *Service) UpsertPlan(ctx context.Context, code catalogdomain.PlanCode, monthlyFee int64) (catalogdomain.Plan, error) {
	code = catalogdomain.PlanCode(strings.ToUpper(strings.TrimSpace(string(code))))
	if !code.Valid() {
		return catalogdomain.Plan{}, catalogdomain.ErrInvalidPlan
	}
	if monthlyFee < 0 {
		return catalogdomain.Plan{}, catalogdomain.ErrInvalidPrice
	}

	now := s.clock.Now().UTC()
	plan := catalogdomain.Plan{
		Code:       code,
		MonthlyFee: monthlyFee,
		Currency:   s.currency,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{"monthly_fee", "currency", "updated_at"}),
	}).Create(&plan).Error
	if err != nil {
		return catalogdomain.Plan{}, fmt.Errorf("upsert plan: %w", err)
	}
	return s.GetPlan(ctx, code)
}

func (s *Service) GetPlan(ctx context.Context, code catalogdomain.PlanCode) (catalogdomain.Plan, error) {
	code = catalogdomain.PlanCode(strings.ToUpper(strings.TrimSpace(string(code))))
	if !code.Valid() {
		return catalogdomain.Plan{}, catalogdomain.ErrInvalidPlan
	}
	plan, err := s.plans.FindOne(ctx, &catalogdomain.Plan{Code: code})
	if err != nil {
		return catalogdomain.Plan{}, fmt.Errorf("get plan: %w", err)
	}
	if plan == nil {
		return catalogdomain.Plan{}, catalogdomain.ErrPlanNotFound
	}
	return *plan, nil
}

func (s *Service) ListPlans(ctx context.Context) ([]catalogdomain.Plan, error) {
	items, err := s.plans.Find(ctx, nil, option.WithSortBy(option.QuerySortBy{
		Column: "monthly_fee",
		Allow:  map[string]bool{"monthly_fee": true},
	}))
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	return deref(items), nil
}

// normalizeSlug prefers the explicit slug and falls back to the name.
func normalizeSlug(raw, name string) (string, error) {
	source := strings.TrimSpace(raw)
	if source == "" {
		source = strings.TrimSpace(name)
	}
	out := slug.Make(source)
	if out == "" || !slug.IsSlug(out) {
		return "", catalogdomain.ErrInvalidSlug
	}
	return out, nil
}

func deref[T any](items []*T) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if item != nil {
			out = append(out, *item)
		}
	}
	return out
}
