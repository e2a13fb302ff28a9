package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	auditdomain "github.com/smallbiznis/walletledger/internal/audit/domain"
	catalogdomain "github.com/smallbiznis/walletledger/internal/catalog/domain"
	"github.com/smallbiznis/walletledger/internal/clock"
	"github.com/smallbiznis/walletledger/internal/config"
	"github.com/smallbiznis/walletledger/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/walletledger/internal/subscription/domain"
	walletdomain "github.com/smallbiznis/walletledger/internal/wallet/domain"
	"github.com/smallbiznis/walletledger/pkg/db"
	"github.com/smallbiznis/walletledger/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID    *snowflake.Node
	clock    clock.Clock
	currency string
	policy   *config.BillingConfigHolder
	repo     subscriptiondomain.Repository

	catalog catalogdomain.Service
	wallet  walletdomain.Service
	audit   auditdomain.Service
	metrics *metrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Config  config.Config
	Policy  *config.BillingConfigHolder
	Repo    subscriptiondomain.Repository
	Catalog catalogdomain.Service
	Wallet  walletdomain.Service
	Audit   auditdomain.Service
	Metrics *metrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	currency := money.NormalizeCurrency(p.Config.Currency)
	if currency == "" {
		currency = "IDR"
	}
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:    p.GenID,
		clock:    p.Clock,
		currency: currency,
		policy:   p.Policy,
		repo:     p.Repo,

		catalog: p.Catalog,
		wallet:  p.Wallet,
		audit:   p.Audit,
		metrics: p.Metrics,
	}
}

func (s *Service) InstallApp(ctx context.Context, companyID, appID snowflake.ID) (subscriptiondomain.CompanyAppSubscription, error) {
	if companyID == 0 {
		return subscriptiondomain.CompanyAppSubscription{}, subscriptiondomain.ErrInvalidCompany
	}
	if appID == 0 {
		return subscriptiondomain.CompanyAppSubscription{}, subscriptiondomain.ErrInvalidApp
	}
	app, err := s.catalog.GetApp(ctx, appID)
	if err != nil {
		return subscriptiondomain.CompanyAppSubscription{}, err
	}
	required, err := s.catalog.RequiredApps(ctx, appID)
	if err != nil {
		return subscriptiondomain.CompanyAppSubscription{}, err
	}

	var out subscriptiondomain.CompanyAppSubscription
	err = s.withTx(ctx, "install_app", func(tx *gorm.DB) error {
		existing, err := s.repo.FindAppForUpdate(ctx, tx, companyID, appID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.Status == subscriptiondomain.StatusCancelled || existing.Status == subscriptiondomain.StatusExpired {
				return subscriptiondomain.ErrResubscribeRequired
			}
			out = *existing
			return nil
		}
		if err := s.checkRequirements(ctx, tx, companyID, required, nil); err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		sub := subscriptiondomain.CompanyAppSubscription{
			ID:               s.genID.Generate(),
			CompanyID:        companyID,
			AppID:            appID,
			MonthlyFee:       app.CycleFee(),
			Currency:         s.currency,
			SubscribedAt:     now,
			BillingAnchorDay: now.Day(),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if app.IsFree() {
			sub.Status = subscriptiondomain.StatusActive
		} else {
			trialEnds := now.AddDate(0, 0, s.trialDays(app))
			sub.Status = subscriptiondomain.StatusTrial
			sub.TrialEndsAt = &trialEnds
			sub.NextBillingAt = &trialEnds
			sub.BillingAnchorDay = trialEnds.Day()
		}
		if err := s.repo.InsertApp(ctx, tx, &sub); err != nil {
			return err
		}
		out = sub
		return nil
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			// A concurrent install won; return its row.
			existing, findErr := s.repo.FindApp(ctx, s.db, companyID, appID)
			if findErr == nil && existing != nil {
				return *existing, nil
			}
		}
		return subscriptiondomain.CompanyAppSubscription{}, err
	}

	s.metrics.RecordSubscriptionEvent(ctx, string(subscriptiondomain.KindApp), "installed")
	s.log.Info("app installed",
		zap.String("company_id", companyID.String()),
		zap.String("app_id", appID.String()),
		zap.String("status", string(out.Status)),
	)
	return out, nil
}

func (s *Service) trialDays(app catalogdomain.App) int {
	if app.TrialDays != nil {
		return *app.TrialDays
	}
	return s.policy.Get().TrialDays
}

// checkRequirements fails unless every required app is live for the
// company or contained in provided.
func (s *Service) checkRequirements(ctx context.Context, tx *gorm.DB, companyID snowflake.ID, required []snowflake.ID, provided map[snowflake.ID]struct{}) error {
	for _, requiredID := range required {
		if _, ok := provided[requiredID]; ok {
			continue
		}
		sub, err := s.repo.FindApp(ctx, tx, companyID, requiredID)
		if err != nil {
			return err
		}
		if sub == nil || !sub.Status.Live() {
			return subscriptiondomain.ErrPrerequisiteNotMet
		}
	}
	return nil
}

func (s *Service) UpgradeTrial(ctx context.Context, companyID, appID snowflake.ID) (subscriptiondomain.CompanyAppSubscription, error) {
	if companyID == 0 {
		return subscriptiondomain.CompanyAppSubscription{}, subscriptiondomain.ErrInvalidCompany
	}
	if appID == 0 {
		return subscriptiondomain.CompanyAppSubscription{}, subscriptiondomain.ErrInvalidApp
	}

	var out subscriptiondomain.CompanyAppSubscription
	err := s.withTx(ctx, "upgrade_trial", func(tx *gorm.DB) error {
		sub, err := s.repo.FindAppForUpdate(ctx, tx, companyID, appID)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if sub.Status != subscriptiondomain.StatusTrial {
			return subscriptiondomain.ErrInvalidTransition
		}

		now := s.clock.Now().UTC()
		expected := sub.Version
		if err := s.chargeFirstPeriod(ctx, tx, sub, now, "App subscription"); err != nil {
			return err
		}
		sub.TrialEndsAt = &now
		sub.Version = expected + 1
		sub.UpdatedAt = now
		if err := s.updateApp(ctx, tx, sub, expected); err != nil {
			return err
		}
		out = *sub
		return nil
	})
	if err != nil {
		return subscriptiondomain.CompanyAppSubscription{}, err
	}
	s.metrics.RecordSubscriptionEvent(ctx, string(subscriptiondomain.KindApp), "trial_upgraded")
	return out, nil
}

func (s *Service) Resubscribe(ctx context.Context, companyID, appID snowflake.ID) (subscriptiondomain.CompanyAppSubscription, error) {
	if companyID == 0 {
		return subscriptiondomain.CompanyAppSubscription{}, subscriptiondomain.ErrInvalidCompany
	}
	if appID == 0 {
		return subscriptiondomain.CompanyAppSubscription{}, subscriptiondomain.ErrInvalidApp
	}
	app, err := s.catalog.GetApp(ctx, appID)
	if err != nil {
		return subscriptiondomain.CompanyAppSubscription{}, err
	}
	required, err := s.catalog.RequiredApps(ctx, appID)
	if err != nil {
		return subscriptiondomain.CompanyAppSubscription{}, err
	}

	var out subscriptiondomain.CompanyAppSubscription
	err = s.withTx(ctx, "resubscribe", func(tx *gorm.DB) error {
		sub, err := s.repo.FindAppForUpdate(ctx, tx, companyID, appID)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if sub.Status != subscriptiondomain.StatusCancelled && sub.Status != subscriptiondomain.StatusExpired {
			return subscriptiondomain.ErrInvalidTransition
		}
		if err := s.checkRequirements(ctx, tx, companyID, required, nil); err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		expected := sub.Version
		sub.MonthlyFee = app.CycleFee()
		sub.BundleSubscriptionID = nil
		sub.SubscribedAt = now
		sub.TrialEndsAt = nil
		sub.CancelledAt = nil
		if err := s.chargeFirstPeriod(ctx, tx, sub, now, "App resubscription"); err != nil {
			return err
		}
		if app.IsFree() {
			sub.NextBillingAt = nil
		}
		sub.Version = expected + 1
		sub.UpdatedAt = now
		if err := s.updateApp(ctx, tx, sub, expected); err != nil {
			return err
		}
		out = *sub
		return nil
	})
	if err != nil {
		return subscriptiondomain.CompanyAppSubscription{}, err
	}
	s.metrics.RecordSubscriptionEvent(ctx, string(subscriptiondomain.KindApp), "resubscribed")
	return out, nil
}

// chargeFirstPeriod debits one period now and moves sub to ACTIVE anchored
// on today. Insufficient funds surface as ErrPaymentRequired.
func (s *Service) chargeFirstPeriod(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.CompanyAppSubscription, now time.Time, description string) error {
	if sub.MonthlyFee > 0 {
		if _, err := s.wallet.DeductTx(ctx, tx, walletdomain.DeductRequest{
			CompanyID:   sub.CompanyID,
			Amount:      sub.MonthlyFee,
			Description: description,
			Metadata:    map[string]any{"app_id": sub.AppID.String()},
			Source:      &walletdomain.Source{Type: walletdomain.SourceTypeAppSubscription, ID: sub.ID},
		}); err != nil {
			if errors.Is(err, walletdomain.ErrInsufficientFunds) {
				return subscriptiondomain.ErrPaymentRequired
			}
			return err
		}
		sub.TotalSpent += sub.MonthlyFee
	}

	anchor := now.Day()
	next := subscriptiondomain.AddMonthsClamped(now, 1, anchor)
	sub.Status = subscriptiondomain.StatusActive
	sub.BillingAnchorDay = anchor
	sub.LastBillingAt = &now
	sub.NextBillingAt = &next
	sub.FailedAttempts = 0
	sub.PastDueSince = nil
	sub.RetryAt = nil
	return nil
}

func (s *Service) CancelSubscription(ctx context.Context, companyID snowflake.ID, target subscriptiondomain.Target) error {
	if companyID == 0 {
		return subscriptiondomain.ErrInvalidCompany
	}
	if !target.Kind.Valid() || target.ID == 0 {
		return subscriptiondomain.ErrInvalidTarget
	}

	err := s.withTx(ctx, "cancel", func(tx *gorm.DB) error {
		now := s.clock.Now().UTC()
		var changed bool
		var err error
		switch target.Kind {
		case subscriptiondomain.KindApp:
			changed, err = s.cancelApp(ctx, tx, companyID, target.ID, now)
		case subscriptiondomain.KindBundle:
			changed, err = s.cancelBundle(ctx, tx, companyID, target.ID, now)
		case subscriptiondomain.KindPlatform:
			changed, err = s.cancelPlatform(ctx, tx, companyID, target.ID, now)
		}
		if err != nil || !changed {
			return err
		}
		return s.audit.RecordTx(ctx, tx, auditdomain.Entry{
			CompanyID:  companyID,
			Action:     auditdomain.ActionSubscriptionCancelled,
			TargetType: string(target.Kind) + "_subscription",
			TargetID:   target.ID.String(),
		})
	})
	if err != nil {
		return err
	}

	s.metrics.RecordSubscriptionEvent(ctx, string(target.Kind), "cancelled")
	s.log.Info("subscription cancelled",
		zap.String("company_id", companyID.String()),
		zap.String("kind", string(target.Kind)),
		zap.String("subscription_id", target.ID.String()),
	)
	return nil
}

// canCancel reports whether status may move to CANCELLED. Cancelling twice
// is a no-op.
func canCancel(status subscriptiondomain.Status) (bool, error) {
	switch status {
	case subscriptiondomain.StatusCancelled:
		return false, nil
	case subscriptiondomain.StatusTrial, subscriptiondomain.StatusActive, subscriptiondomain.StatusPastDue, subscriptiondomain.StatusSuspended:
		return true, nil
	}
	return false, subscriptiondomain.ErrInvalidTransition
}

func (s *Service) cancelApp(ctx context.Context, tx *gorm.DB, companyID, id snowflake.ID, now time.Time) (bool, error) {
	sub, err := s.repo.FindAppByIDForUpdate(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if sub == nil || sub.CompanyID != companyID {
		return false, subscriptiondomain.ErrSubscriptionNotFound
	}
	ok, err := canCancel(sub.Status)
	if !ok {
		return false, err
	}
	expected := sub.Version
	markAppCancelled(sub, now)
	sub.Version = expected + 1
	return true, s.updateApp(ctx, tx, sub, expected)
}

func markAppCancelled(sub *subscriptiondomain.CompanyAppSubscription, now time.Time) {
	sub.Status = subscriptiondomain.StatusCancelled
	sub.CancelledAt = &now
	sub.NextBillingAt = nil
	sub.RetryAt = nil
	sub.UpdatedAt = now
}

func (s *Service) cancelBundle(ctx context.Context, tx *gorm.DB, companyID, id snowflake.ID, now time.Time) (bool, error) {
	sub, err := s.repo.FindBundleByIDForUpdate(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if sub == nil || sub.CompanyID != companyID {
		return false, subscriptiondomain.ErrSubscriptionNotFound
	}
	ok, err := canCancel(sub.Status)
	if !ok {
		return false, err
	}

	expected := sub.Version
	sub.Status = subscriptiondomain.StatusCancelled
	sub.CancelledAt = &now
	sub.NextBillingAt = nil
	sub.RetryAt = nil
	sub.Version = expected + 1
	sub.UpdatedAt = now
	if err := s.updateBundle(ctx, tx, sub, expected); err != nil {
		return false, err
	}
	return true, s.endBundleMembers(ctx, tx, sub.ID, now, markAppCancelled)
}

// endBundleMembers applies end to every member still billed through the
// bundle.
func (s *Service) endBundleMembers(ctx context.Context, tx *gorm.DB, bundleSubscriptionID snowflake.ID, now time.Time, end func(*subscriptiondomain.CompanyAppSubscription, time.Time)) error {
	members, err := s.repo.ListBundleMembersForUpdate(ctx, tx, bundleSubscriptionID)
	if err != nil {
		return err
	}
	for i := range members {
		member := &members[i]
		if !member.Status.Billable() {
			continue
		}
		expected := member.Version
		end(member, now)
		member.Version = expected + 1
		if err := s.updateApp(ctx, tx, member, expected); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) cancelPlatform(ctx context.Context, tx *gorm.DB, companyID, id snowflake.ID, now time.Time) (bool, error) {
	sub, err := s.repo.FindPlatformByIDForUpdate(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if sub == nil || sub.CompanyID != companyID {
		return false, subscriptiondomain.ErrSubscriptionNotFound
	}
	ok, err := canCancel(sub.Status)
	if !ok {
		return false, err
	}
	expected := sub.Version
	sub.Status = subscriptiondomain.StatusCancelled
	sub.CancelledAt = &now
	sub.Version = expected + 1
	sub.UpdatedAt = now
	return true, s.updatePlatform(ctx, tx, sub, expected)
}

func (s *Service) SubscribePlatform(ctx context.Context, companyID snowflake.ID, code catalogdomain.PlanCode, billingDay int) (subscriptiondomain.PlatformSubscription, error) {
	if companyID == 0 {
		return subscriptiondomain.PlatformSubscription{}, subscriptiondomain.ErrInvalidCompany
	}
	if billingDay < 1 || billingDay > 31 {
		return subscriptiondomain.PlatformSubscription{}, subscriptiondomain.ErrInvalidBillingDay
	}
	if !code.Valid() {
		return subscriptiondomain.PlatformSubscription{}, catalogdomain.ErrInvalidPlan
	}
	plan, err := s.catalog.GetPlan(ctx, code)
	if err != nil {
		return subscriptiondomain.PlatformSubscription{}, err
	}

	var out subscriptiondomain.PlatformSubscription
	err = s.withTx(ctx, "subscribe_platform", func(tx *gorm.DB) error {
		now := s.clock.Now().UTC()
		existing, err := s.repo.FindPlatformForUpdate(ctx, tx, companyID)
		if err != nil {
			return err
		}
		if existing == nil {
			sub := subscriptiondomain.PlatformSubscription{
				ID:              s.genID.Generate(),
				CompanyID:       companyID,
				Plan:            string(plan.Code),
				MonthlyFee:      plan.MonthlyFee,
				Currency:        s.currency,
				Status:          subscriptiondomain.StatusActive,
				BillingDay:      billingDay,
				NextBillingDate: subscriptiondomain.NextBillingDate(now, billingDay),
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := s.repo.InsertPlatform(ctx, tx, &sub); err != nil {
				return err
			}
			out = sub
			return nil
		}

		// Re-subscribing revives a cancelled or suspended row in place.
		if existing.Status != subscriptiondomain.StatusCancelled && existing.Status != subscriptiondomain.StatusSuspended {
			return subscriptiondomain.ErrAlreadySubscribed
		}
		expected := existing.Version
		existing.Plan = string(plan.Code)
		existing.MonthlyFee = plan.MonthlyFee
		existing.Status = subscriptiondomain.StatusActive
		existing.BillingDay = billingDay
		existing.NextBillingDate = subscriptiondomain.NextBillingDate(now, billingDay)
		existing.FailedAttempts = 0
		existing.PastDueSince = nil
		existing.RetryAt = nil
		existing.CancelledAt = nil
		existing.Version = expected + 1
		existing.UpdatedAt = now
		if err := s.updatePlatform(ctx, tx, existing, expected); err != nil {
			return err
		}
		out = *existing
		return nil
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return subscriptiondomain.PlatformSubscription{}, subscriptiondomain.ErrAlreadySubscribed
		}
		return subscriptiondomain.PlatformSubscription{}, err
	}
	s.metrics.RecordSubscriptionEvent(ctx, string(subscriptiondomain.KindPlatform), "subscribed")
	return out, nil
}

func (s *Service) UpgradePlan(ctx context.Context, companyID snowflake.ID, code catalogdomain.PlanCode) (subscriptiondomain.PlatformSubscription, error) {
	if companyID == 0 {
		return subscriptiondomain.PlatformSubscription{}, subscriptiondomain.ErrInvalidCompany
	}
	if !code.Valid() {
		return subscriptiondomain.PlatformSubscription{}, catalogdomain.ErrInvalidPlan
	}
	plan, err := s.catalog.GetPlan(ctx, code)
	if err != nil {
		return subscriptiondomain.PlatformSubscription{}, err
	}
	prorate := s.policy.Get().ProrationMode == config.ProrationModeImmediate

	var out subscriptiondomain.PlatformSubscription
	var previousPlan string
	err = s.withTx(ctx, "upgrade_plan", func(tx *gorm.DB) error {
		sub, err := s.repo.FindPlatformForUpdate(ctx, tx, companyID)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if sub.Status != subscriptiondomain.StatusActive && sub.Status != subscriptiondomain.StatusPastDue {
			return subscriptiondomain.ErrInvalidTransition
		}
		if sub.Plan == string(plan.Code) {
			out = *sub
			return nil
		}

		now := s.clock.Now().UTC()
		var charged int64
		if prorate && plan.MonthlyFee > sub.MonthlyFee {
			charge, err := ProratedCharge(sub.MonthlyFee, plan.MonthlyFee, sub.Currency, now, sub.NextBillingDate, sub.BillingDay)
			if err != nil {
				return err
			}
			if charge > 0 {
				if _, err := s.wallet.DeductTx(ctx, tx, walletdomain.DeductRequest{
					CompanyID:   companyID,
					Amount:      charge,
					Description: fmt.Sprintf("Plan change %s to %s", sub.Plan, plan.Code),
					Metadata: map[string]any{
						"from_plan": sub.Plan,
						"to_plan":   string(plan.Code),
					},
					Source: &walletdomain.Source{Type: walletdomain.SourceTypePlanProration, ID: sub.ID},
				}); err != nil {
					if errors.Is(err, walletdomain.ErrInsufficientFunds) {
						return subscriptiondomain.ErrPaymentRequired
					}
					return err
				}
				charged = charge
			}
		}

		previousPlan = sub.Plan
		expected := sub.Version
		sub.Plan = string(plan.Code)
		sub.MonthlyFee = plan.MonthlyFee
		sub.TotalSpent += charged
		sub.Version = expected + 1
		sub.UpdatedAt = now
		if err := s.updatePlatform(ctx, tx, sub, expected); err != nil {
			return err
		}
		if err := s.audit.RecordTx(ctx, tx, auditdomain.Entry{
			CompanyID:  companyID,
			Action:     auditdomain.ActionPlatformPlanChanged,
			TargetType: "platform_subscription",
			TargetID:   sub.ID.String(),
			Metadata: map[string]any{
				"from_plan":       previousPlan,
				"to_plan":         sub.Plan,
				"prorated_charge": charged,
			},
		}); err != nil {
			return err
		}
		out = *sub
		return nil
	})
	if err != nil {
		return subscriptiondomain.PlatformSubscription{}, err
	}
	if previousPlan != "" {
		s.metrics.RecordSubscriptionEvent(ctx, string(subscriptiondomain.KindPlatform), "plan_changed")
		s.log.Info("platform plan changed",
			zap.String("company_id", companyID.String()),
			zap.String("from_plan", previousPlan),
			zap.String("to_plan", out.Plan),
		)
	}
	return out, nil
}

// ProratedCharge is (newFee - oldFee) x remainingDays / daysInPeriod,
// floored, for the period ending at next. Downgrades cost nothing.
func ProratedCharge(oldFee, newFee int64, currency string, now, next time.Time, billingDay int) (int64, error) {
	if newFee <= oldFee {
		return 0, nil
	}
	periodStart := subscriptiondomain.PreviousBillingDate(next, billingDay)
	daysInPeriod := int64(next.Sub(periodStart) / (24 * time.Hour))
	if daysInPeriod <= 0 {
		return 0, nil
	}
	remaining := int64(next.Sub(now) / (24 * time.Hour))
	if remaining <= 0 {
		return 0, nil
	}
	if remaining > daysInPeriod {
		remaining = daysInPeriod
	}
	charge, err := money.New(newFee-oldFee, currency).MulDivFloor(remaining, daysInPeriod)
	if err != nil {
		return 0, err
	}
	return charge.Amount, nil
}

func (s *Service) SubscribeToBundle(ctx context.Context, companyID snowflake.ID, bundleSlug string) ([]subscriptiondomain.CompanyAppSubscription, error) {
	if companyID == 0 {
		return nil, subscriptiondomain.ErrInvalidCompany
	}
	bundle, err := s.catalog.GetBundleBySlug(ctx, bundleSlug)
	if err != nil {
		return nil, err
	}
	members := make(map[snowflake.ID]struct{}, len(bundle.Apps))
	for _, app := range bundle.Apps {
		members[app.ID] = struct{}{}
	}
	requirements := make(map[snowflake.ID][]snowflake.ID, len(bundle.Apps))
	for _, app := range bundle.Apps {
		required, err := s.catalog.RequiredApps(ctx, app.ID)
		if err != nil {
			return nil, err
		}
		requirements[app.ID] = required
	}

	var out []subscriptiondomain.CompanyAppSubscription
	var bundleSubID snowflake.ID
	err = s.withTx(ctx, "subscribe_bundle", func(tx *gorm.DB) error {
		out = nil
		for _, app := range bundle.Apps {
			if err := s.checkRequirements(ctx, tx, companyID, requirements[app.ID], members); err != nil {
				return err
			}
		}

		now := s.clock.Now().UTC()
		existing, err := s.repo.FindBundleForUpdate(ctx, tx, companyID, bundle.ID)
		if err != nil {
			return err
		}
		if existing != nil && existing.Status.Billable() {
			return subscriptiondomain.ErrAlreadySubscribed
		}

		sub := existing
		if sub == nil {
			sub = &subscriptiondomain.CompanyBundleSubscription{
				ID:        s.genID.Generate(),
				CompanyID: companyID,
				BundleID:  bundle.ID,
				CreatedAt: now,
			}
		}
		fee := bundle.Fee()
		if fee > 0 {
			if _, err := s.wallet.DeductTx(ctx, tx, walletdomain.DeductRequest{
				CompanyID:   companyID,
				Amount:      fee,
				Description: fmt.Sprintf("Bundle %s", bundle.Name),
				Metadata:    map[string]any{"bundle_slug": bundle.Slug},
				Source:      &walletdomain.Source{Type: walletdomain.SourceTypeBundleSubscription, ID: sub.ID},
			}); err != nil {
				if errors.Is(err, walletdomain.ErrInsufficientFunds) {
					return subscriptiondomain.ErrPaymentRequired
				}
				return err
			}
		}

		anchor := now.Day()
		next := subscriptiondomain.AddMonthsClamped(now, 1, anchor)
		sub.Status = subscriptiondomain.StatusActive
		sub.MonthlyFee = fee
		sub.Currency = s.currency
		sub.SubscribedAt = now
		sub.NextBillingAt = &next
		sub.LastBillingAt = &now
		sub.BillingAnchorDay = anchor
		sub.TotalSpent += fee
		sub.FailedAttempts = 0
		sub.PastDueSince = nil
		sub.RetryAt = nil
		sub.CancelledAt = nil
		sub.UpdatedAt = now
		if existing == nil {
			if err := s.repo.InsertBundle(ctx, tx, sub); err != nil {
				return err
			}
		} else {
			expected := sub.Version
			sub.Version = expected + 1
			if err := s.updateBundle(ctx, tx, sub, expected); err != nil {
				return err
			}
		}
		bundleSubID = sub.ID

		for _, app := range bundle.Apps {
			member, err := s.attachBundleMember(ctx, tx, companyID, app.ID, sub.ID, now)
			if err != nil {
				return err
			}
			out = append(out, member)
		}

		return s.audit.RecordTx(ctx, tx, auditdomain.Entry{
			CompanyID:  companyID,
			Action:     auditdomain.ActionBundleSubscribed,
			TargetType: "bundle_subscription",
			TargetID:   sub.ID.String(),
			Metadata: map[string]any{
				"bundle_slug": bundle.Slug,
				"fee":         fee,
				"apps":        len(bundle.Apps),
			},
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordSubscriptionEvent(ctx, string(subscriptiondomain.KindBundle), "subscribed")
	s.log.Info("bundle subscribed",
		zap.String("company_id", companyID.String()),
		zap.String("bundle", bundle.Slug),
		zap.String("bundle_subscription_id", bundleSubID.String()),
	)
	return out, nil
}

// attachBundleMember creates or upgrades the member subscription so the
// bundle pays for it. An app already ACTIVE on its own is left as is.
func (s *Service) attachBundleMember(ctx context.Context, tx *gorm.DB, companyID, appID, bundleSubID snowflake.ID, now time.Time) (subscriptiondomain.CompanyAppSubscription, error) {
	existing, err := s.repo.FindAppForUpdate(ctx, tx, companyID, appID)
	if err != nil {
		return subscriptiondomain.CompanyAppSubscription{}, err
	}
	if existing != nil && existing.Status == subscriptiondomain.StatusActive && !existing.BundleCovered() {
		return *existing, nil
	}

	if existing == nil {
		sub := subscriptiondomain.CompanyAppSubscription{
			ID:                   s.genID.Generate(),
			CompanyID:            companyID,
			AppID:                appID,
			Status:               subscriptiondomain.StatusActive,
			Currency:             s.currency,
			BundleSubscriptionID: &bundleSubID,
			SubscribedAt:         now,
			BillingAnchorDay:     now.Day(),
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := s.repo.InsertApp(ctx, tx, &sub); err != nil {
			return subscriptiondomain.CompanyAppSubscription{}, err
		}
		return sub, nil
	}

	expected := existing.Version
	existing.Status = subscriptiondomain.StatusActive
	existing.MonthlyFee = 0
	existing.BundleSubscriptionID = &bundleSubID
	existing.SubscribedAt = now
	existing.TrialEndsAt = nil
	existing.NextBillingAt = nil
	existing.BillingAnchorDay = now.Day()
	existing.FailedAttempts = 0
	existing.PastDueSince = nil
	existing.RetryAt = nil
	existing.CancelledAt = nil
	existing.Version = expected + 1
	existing.UpdatedAt = now
	if err := s.updateApp(ctx, tx, existing, expected); err != nil {
		return subscriptiondomain.CompanyAppSubscription{}, err
	}
	return *existing, nil
}

func (s *Service) GetSubscriptionStatus(ctx context.Context, companyID snowflake.ID) (subscriptiondomain.SubscriptionOverview, error) {
	if companyID == 0 {
		return subscriptiondomain.SubscriptionOverview{}, subscriptiondomain.ErrInvalidCompany
	}
	apps, err := s.repo.ListApps(ctx, s.db, companyID)
	if err != nil {
		return subscriptiondomain.SubscriptionOverview{}, fmt.Errorf("list app subscriptions: %w", err)
	}
	bundles, err := s.repo.ListBundles(ctx, s.db, companyID)
	if err != nil {
		return subscriptiondomain.SubscriptionOverview{}, fmt.Errorf("list bundle subscriptions: %w", err)
	}
	platform, err := s.repo.FindPlatform(ctx, s.db, companyID)
	if err != nil {
		return subscriptiondomain.SubscriptionOverview{}, fmt.Errorf("find platform subscription: %w", err)
	}
	if apps == nil {
		apps = []subscriptiondomain.CompanyAppSubscription{}
	}
	if bundles == nil {
		bundles = []subscriptiondomain.CompanyBundleSubscription{}
	}
	return subscriptiondomain.SubscriptionOverview{
		CompanyID: companyID,
		Apps:      apps,
		Bundles:   bundles,
		Platform:  platform,
	}, nil
}

func (s *Service) updateApp(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.CompanyAppSubscription, expected int64) error {
	ok, err := s.repo.UpdateApp(ctx, tx, sub, expected)
	if err != nil {
		return err
	}
	if !ok {
		return subscriptiondomain.ErrConcurrentUpdate
	}
	return nil
}

func (s *Service) updateBundle(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.CompanyBundleSubscription, expected int64) error {
	ok, err := s.repo.UpdateBundle(ctx, tx, sub, expected)
	if err != nil {
		return err
	}
	if !ok {
		return subscriptiondomain.ErrConcurrentUpdate
	}
	return nil
}

func (s *Service) updatePlatform(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.PlatformSubscription, expected int64) error {
	ok, err := s.repo.UpdatePlatform(ctx, tx, sub, expected)
	if err != nil {
		return err
	}
	if !ok {
		return subscriptiondomain.ErrConcurrentUpdate
	}
	return nil
}

// withTx runs fn in a transaction and retries lost races with backoff.
func (s *Service) withTx(ctx context.Context, operation string, fn func(tx *gorm.DB) error) error {
	attempts := s.policy.Get().OptimisticRetries
	if attempts <= 0 {
		attempts = 1
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return struct{}{}, nil
		}
		if isRetryable(err) {
			s.metrics.RecordOptimisticRetry(ctx, "subscription."+operation)
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(attempts)))
	return err
}

func isRetryable(err error) bool {
	return errors.Is(err, subscriptiondomain.ErrConcurrentUpdate) ||
		errors.Is(err, walletdomain.ErrConflict) ||
		db.IsRetryableTxErr(err)
}
