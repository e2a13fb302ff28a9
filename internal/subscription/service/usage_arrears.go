package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/walletledger/internal/catalog/domain"
	"github.com/smallbiznis/walletledger/internal/config"
	subscriptiondomain "github.com/smallbiznis/walletledger/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *Service) ApplyUsageSettlement(ctx context.Context, companyID snowflake.ID, settled bool) ([]subscriptiondomain.BillingOutcome, error) {
	if companyID == 0 {
		return nil, subscriptiondomain.ErrInvalidCompany
	}
	apps, err := s.catalog.ListApps(ctx)
	if err != nil {
		return nil, err
	}
	metered := make(map[snowflake.ID]bool, len(apps))
	for _, app := range apps {
		if app.PricingModel == catalogdomain.PricingModelPayPerUse {
			metered[app.ID] = true
		}
	}

	rows, err := s.repo.ListApps(ctx, s.db, companyID)
	if err != nil {
		return nil, err
	}
	var ids []snowflake.ID
	for _, row := range rows {
		if metered[row.AppID] && row.Status.Billable() && !row.BundleCovered() {
			ids = append(ids, row.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	policy := s.policy.Get()
	var outcomes []subscriptiondomain.BillingOutcome
	err = s.withTx(ctx, "usage_settlement", func(tx *gorm.DB) error {
		outcomes = outcomes[:0]
		now := s.clock.Now().UTC()
		for _, id := range ids {
			outcome, err := s.applyUsageOutcome(ctx, tx, id, settled, now, policy)
			if err != nil {
				return err
			}
			if outcome.Result != subscriptiondomain.OutcomeSkipped {
				outcomes = append(outcomes, outcome)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, outcome := range outcomes {
		s.metrics.RecordSubscriptionEvent(ctx, string(outcome.Kind), strings.ToLower(string(outcome.Result)))
		s.log.Info("usage settlement applied",
			zap.String("company_id", companyID.String()),
			zap.String("subscription_id", outcome.SubscriptionID.String()),
			zap.String("result", string(outcome.Result)),
		)
	}
	return outcomes, nil
}

func (s *Service) applyUsageOutcome(ctx context.Context, tx *gorm.DB, id snowflake.ID, settled bool, now time.Time, policy config.BillingConfig) (subscriptiondomain.BillingOutcome, error) {
	sub, err := s.repo.FindAppByIDForUpdate(ctx, tx, id)
	if err != nil {
		return subscriptiondomain.BillingOutcome{}, err
	}
	outcome := subscriptiondomain.BillingOutcome{Result: subscriptiondomain.OutcomeSkipped}
	if sub == nil || !sub.Status.Billable() || sub.BundleCovered() {
		return outcome, nil
	}
	outcome.Kind = subscriptiondomain.KindApp
	outcome.SubscriptionID = sub.ID
	outcome.CompanyID = sub.CompanyID

	expected := sub.Version
	switch {
	case settled && sub.Status == subscriptiondomain.StatusPastDue:
		sub.Status = subscriptiondomain.StatusActive
		sub.FailedAttempts = 0
		sub.PastDueSince = nil
		sub.RetryAt = nil
		outcome.Result = subscriptiondomain.OutcomeRecovered
	case settled:
		return outcome, nil
	default:
		result, counted := markUsageUnpaid(sub, now, policy)
		if !counted {
			return outcome, nil
		}
		outcome.Result = result
	}

	if outcome.Result == subscriptiondomain.OutcomeExpired {
		if err := s.recordExpiry(ctx, tx, sub.CompanyID, "app_subscription", sub.ID, sub.FailedAttempts); err != nil {
			return subscriptiondomain.BillingOutcome{}, err
		}
	}
	sub.Version = expected + 1
	sub.UpdatedAt = now
	if err := s.updateApp(ctx, tx, sub, expected); err != nil {
		return subscriptiondomain.BillingOutcome{}, err
	}
	return outcome, nil
}

// markUsageUnpaid applies the grace policy to a pay-per-use app whose usage
// could not be settled. At most one attempt is counted per retry interval
// since the first failure, however often settlement runs. Settlement drives
// the retries, so no retry_at is left for the billing cycle.
func markUsageUnpaid(sub *subscriptiondomain.CompanyAppSubscription, now time.Time, policy config.BillingConfig) (subscriptiondomain.OutcomeResult, bool) {
	if sub.Status == subscriptiondomain.StatusPastDue && sub.PastDueSince != nil {
		nextAttempt := sub.PastDueSince.Add(time.Duration(sub.FailedAttempts) * policy.RetryInterval)
		if now.Before(nextAttempt) {
			return subscriptiondomain.OutcomePastDue, false
		}
	}
	result := markAppUnpaid(sub, now, policy)
	sub.RetryAt = nil
	return result, true
}
