package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/walletledger/internal/audit/domain"
	catalogdomain "github.com/smallbiznis/walletledger/internal/catalog/domain"
	"github.com/smallbiznis/walletledger/internal/config"
	obsmetrics "github.com/smallbiznis/walletledger/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/walletledger/internal/subscription/domain"
	walletdomain "github.com/smallbiznis/walletledger/internal/wallet/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const dueBatchSize = 500

// chargeResult is what a single period charge attempt produced.
type chargeResult struct {
	paid          bool
	transactionID *snowflake.ID
}

func (s *Service) RunBillingCycle(ctx context.Context, now time.Time) ([]subscriptiondomain.BillingOutcome, error) {
	now = now.UTC()
	policy := s.policy.Get()

	apps, err := s.catalog.ListApps(ctx)
	if err != nil {
		return nil, err
	}
	appsByID := make(map[snowflake.ID]catalogdomain.App, len(apps))
	for _, app := range apps {
		appsByID[app.ID] = app
	}

	var outcomes []subscriptiondomain.BillingOutcome
	for {
		due, err := s.repo.ListDue(ctx, s.db, now, dueBatchSize)
		if err != nil {
			return outcomes, err
		}
		if len(due) == 0 {
			break
		}

		batch, err := s.billBatch(ctx, due, now, policy, appsByID)
		outcomes = append(outcomes, batch...)
		if err != nil {
			return outcomes, err
		}
		if len(due) < dueBatchSize || !anyProgress(batch) {
			break
		}
	}

	s.log.Info("billing cycle finished",
		zap.Time("now", now),
		zap.Int("outcomes", len(outcomes)),
	)
	return outcomes, nil
}

// anyProgress reports whether a batch moved at least one row out of the
// due set; rows that keep failing are left for the next run.
func anyProgress(batch []subscriptiondomain.BillingOutcome) bool {
	for _, outcome := range batch {
		if outcome.Err == nil {
			return true
		}
	}
	return false
}

// billBatch bills companies in parallel and each company's rows in order.
func (s *Service) billBatch(ctx context.Context, due []subscriptiondomain.DueSubscription, now time.Time, policy config.BillingConfig, apps map[snowflake.ID]catalogdomain.App) ([]subscriptiondomain.BillingOutcome, error) {
	var companies [][]subscriptiondomain.DueSubscription
	for i, row := range due {
		if i == 0 || due[i-1].CompanyID != row.CompanyID {
			companies = append(companies, nil)
		}
		companies[len(companies)-1] = append(companies[len(companies)-1], row)
	}

	workers := policy.MaxWorkers
	if workers <= 0 {
		workers = 1
	}
	results := make([][]subscriptiondomain.BillingOutcome, len(companies))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, rows := range companies {
		g.Go(func() error {
			out := make([]subscriptiondomain.BillingOutcome, 0, len(rows))
			for _, row := range rows {
				if err := gctx.Err(); err != nil {
					return err
				}
				out = append(out, s.billOne(gctx, row, now, policy, apps))
			}
			results[i] = out
			return nil
		})
	}
	err := g.Wait()

	var outcomes []subscriptiondomain.BillingOutcome
	for _, out := range results {
		outcomes = append(outcomes, out...)
	}
	return outcomes, err
}

func (s *Service) billOne(ctx context.Context, row subscriptiondomain.DueSubscription, now time.Time, policy config.BillingConfig, apps map[snowflake.ID]catalogdomain.App) subscriptiondomain.BillingOutcome {
	var outcome subscriptiondomain.BillingOutcome
	err := s.withTx(ctx, "bill_"+string(row.Kind), func(tx *gorm.DB) error {
		var err error
		switch row.Kind {
		case subscriptiondomain.KindApp:
			outcome, err = s.billApp(ctx, tx, row.ID, now, policy, apps)
		case subscriptiondomain.KindBundle:
			outcome, err = s.billBundle(ctx, tx, row.ID, now, policy)
		case subscriptiondomain.KindPlatform:
			outcome, err = s.billPlatform(ctx, tx, row.ID, now, policy)
		default:
			err = subscriptiondomain.ErrInvalidTarget
		}
		return err
	})
	if err != nil {
		s.log.Error("billing attempt failed",
			zap.String("kind", string(row.Kind)),
			zap.String("subscription_id", row.ID.String()),
			zap.String("company_id", row.CompanyID.String()),
			zap.Error(err),
		)
		outcome = subscriptiondomain.BillingOutcome{Result: subscriptiondomain.OutcomeSkipped, Err: err}
	}
	outcome.Kind = row.Kind
	outcome.SubscriptionID = row.ID
	outcome.CompanyID = row.CompanyID

	if outcome.Result != subscriptiondomain.OutcomeSkipped {
		s.metrics.RecordSubscriptionEvent(ctx, string(row.Kind), strings.ToLower(string(outcome.Result)))
	}
	return outcome
}

// charge debits fee for one period. Only insufficient funds count as an
// unpaid attempt; every other error aborts the row.
func (s *Service) charge(ctx context.Context, tx *gorm.DB, companyID snowflake.ID, fee int64, source walletdomain.Source, description string, metadata map[string]any) (chargeResult, error) {
	if fee <= 0 {
		return chargeResult{paid: true}, nil
	}
	entry, err := s.wallet.DeductTx(ctx, tx, walletdomain.DeductRequest{
		CompanyID:   companyID,
		Amount:      fee,
		Description: description,
		Metadata:    metadata,
		Source:      &source,
	})
	if err != nil {
		if errors.Is(err, walletdomain.ErrInsufficientFunds) {
			return chargeResult{}, nil
		}
		return chargeResult{}, err
	}
	id := entry.ID
	return chargeResult{paid: true, transactionID: &id}, nil
}

// nextAnchored advances from by whole months on anchorDay until the result
// lies after now. Missed periods are skipped, not back-charged.
func nextAnchored(from time.Time, anchorDay int, now time.Time) time.Time {
	next := subscriptiondomain.AddMonthsClamped(from, 1, anchorDay)
	for !next.After(now) {
		next = subscriptiondomain.AddMonthsClamped(next, 1, anchorDay)
	}
	return next
}

func isDue(next *time.Time, now time.Time) bool {
	return next != nil && !next.After(now)
}

// attemptAt is when the row is next tried: a pending retry wins over the
// period due date, which stays put until the period is paid.
func attemptAt(next, retry *time.Time) *time.Time {
	if next != nil && retry != nil {
		return retry
	}
	return next
}

func (s *Service) billApp(ctx context.Context, tx *gorm.DB, id snowflake.ID, now time.Time, policy config.BillingConfig, apps map[snowflake.ID]catalogdomain.App) (subscriptiondomain.BillingOutcome, error) {
	lockStart := time.Now()
	sub, err := s.repo.FindAppByIDForUpdate(ctx, tx, id)
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceSubscriptionsForBilling, time.Since(lockStart))
	if err != nil {
		return subscriptiondomain.BillingOutcome{}, err
	}
	if sub == nil || !sub.Status.Billable() || sub.BundleCovered() || !isDue(attemptAt(sub.NextBillingAt, sub.RetryAt), now) {
		return subscriptiondomain.BillingOutcome{Result: subscriptiondomain.OutcomeSkipped}, nil
	}

	expected := sub.Version
	inTrial := sub.Status == subscriptiondomain.StatusTrial
	res, err := s.charge(ctx, tx, sub.CompanyID, sub.MonthlyFee,
		walletdomain.Source{Type: walletdomain.SourceTypeAppSubscription, ID: sub.ID},
		"App subscription",
		map[string]any{
			"app_id":       sub.AppID.String(),
			"period_start": sub.NextBillingAt.UTC().Format(time.RFC3339),
		},
	)
	if err != nil {
		return subscriptiondomain.BillingOutcome{}, err
	}

	outcome := subscriptiondomain.BillingOutcome{}
	switch {
	case res.paid && sub.Status == subscriptiondomain.StatusPastDue && apps[sub.AppID].PricingModel == catalogdomain.PricingModelPayPerUse:
		// Usage arrears keep the row past due until settlement clears them.
		next := nextAnchored(*sub.NextBillingAt, sub.BillingAnchorDay, now)
		sub.NextBillingAt = &next
		sub.RetryAt = nil
		outcome.Result = subscriptiondomain.OutcomePastDue
	case res.paid:
		next := nextAnchored(*sub.NextBillingAt, sub.BillingAnchorDay, now)
		sub.Status = subscriptiondomain.StatusActive
		sub.NextBillingAt = &next
		sub.RetryAt = nil
		sub.LastBillingAt = &now
		sub.TotalSpent += sub.MonthlyFee
		sub.FailedAttempts = 0
		sub.PastDueSince = nil
		outcome.Amount = sub.MonthlyFee
		outcome.TransactionID = res.transactionID
		outcome.Result = subscriptiondomain.OutcomeCharged
		if inTrial {
			outcome.Result = subscriptiondomain.OutcomeActivated
		}
	case inTrial && apps[sub.AppID].RequiresPaymentToExitTrial:
		sub.Status = subscriptiondomain.StatusExpired
		sub.NextBillingAt = nil
		sub.RetryAt = nil
		outcome.Result = subscriptiondomain.OutcomeExpired
	default:
		outcome.Result = markAppUnpaid(sub, now, policy)
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

// markAppUnpaid records a failed attempt and schedules the retry, or
// expires the row once the grace retries are used up. NextBillingAt keeps
// the due date of the unpaid period.
func markAppUnpaid(sub *subscriptiondomain.CompanyAppSubscription, now time.Time, policy config.BillingConfig) subscriptiondomain.OutcomeResult {
	sub.FailedAttempts++
	if sub.PastDueSince == nil {
		sub.PastDueSince = &now
	}
	if sub.FailedAttempts > policy.GraceRetries {
		sub.Status = subscriptiondomain.StatusExpired
		sub.NextBillingAt = nil
		sub.RetryAt = nil
		return subscriptiondomain.OutcomeExpired
	}
	retryAt := now.Add(policy.RetryInterval)
	sub.Status = subscriptiondomain.StatusPastDue
	sub.RetryAt = &retryAt
	return subscriptiondomain.OutcomePastDue
}

// markBundleUnpaid is markAppUnpaid for bundle rows.
func markBundleUnpaid(sub *subscriptiondomain.CompanyBundleSubscription, now time.Time, policy config.BillingConfig) subscriptiondomain.OutcomeResult {
	sub.FailedAttempts++
	if sub.PastDueSince == nil {
		sub.PastDueSince = &now
	}
	if sub.FailedAttempts > policy.GraceRetries {
		sub.Status = subscriptiondomain.StatusExpired
		sub.NextBillingAt = nil
		sub.RetryAt = nil
		return subscriptiondomain.OutcomeExpired
	}
	retryAt := now.Add(policy.RetryInterval)
	sub.Status = subscriptiondomain.StatusPastDue
	sub.RetryAt = &retryAt
	return subscriptiondomain.OutcomePastDue
}

func (s *Service) billBundle(ctx context.Context, tx *gorm.DB, id snowflake.ID, now time.Time, policy config.BillingConfig) (subscriptiondomain.BillingOutcome, error) {
	lockStart := time.Now()
	sub, err := s.repo.FindBundleByIDForUpdate(ctx, tx, id)
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceSubscriptionsForBilling, time.Since(lockStart))
	if err != nil {
		return subscriptiondomain.BillingOutcome{}, err
	}
	if sub == nil || !sub.Status.Billable() || !isDue(attemptAt(sub.NextBillingAt, sub.RetryAt), now) {
		return subscriptiondomain.BillingOutcome{Result: subscriptiondomain.OutcomeSkipped}, nil
	}

	expected := sub.Version
	res, err := s.charge(ctx, tx, sub.CompanyID, sub.MonthlyFee,
		walletdomain.Source{Type: walletdomain.SourceTypeBundleSubscription, ID: sub.ID},
		"Bundle subscription",
		map[string]any{
			"bundle_id":    sub.BundleID.String(),
			"period_start": sub.NextBillingAt.UTC().Format(time.RFC3339),
		},
	)
	if err != nil {
		return subscriptiondomain.BillingOutcome{}, err
	}

	outcome := subscriptiondomain.BillingOutcome{}
	if res.paid {
		next := nextAnchored(*sub.NextBillingAt, sub.BillingAnchorDay, now)
		sub.Status = subscriptiondomain.StatusActive
		sub.NextBillingAt = &next
		sub.RetryAt = nil
		sub.LastBillingAt = &now
		sub.TotalSpent += sub.MonthlyFee
		sub.FailedAttempts = 0
		sub.PastDueSince = nil
		outcome.Amount = sub.MonthlyFee
		outcome.TransactionID = res.transactionID
		outcome.Result = subscriptiondomain.OutcomeCharged
	} else {
		outcome.Result = markBundleUnpaid(sub, now, policy)
	}

	sub.Version = expected + 1
	sub.UpdatedAt = now
	if err := s.updateBundle(ctx, tx, sub, expected); err != nil {
		return subscriptiondomain.BillingOutcome{}, err
	}
	if outcome.Result == subscriptiondomain.OutcomeExpired {
		if err := s.endBundleMembers(ctx, tx, sub.ID, now, markAppExpired); err != nil {
			return subscriptiondomain.BillingOutcome{}, err
		}
		if err := s.recordExpiry(ctx, tx, sub.CompanyID, "bundle_subscription", sub.ID, sub.FailedAttempts); err != nil {
			return subscriptiondomain.BillingOutcome{}, err
		}
	}
	return outcome, nil
}

func markAppExpired(sub *subscriptiondomain.CompanyAppSubscription, now time.Time) {
	sub.Status = subscriptiondomain.StatusExpired
	sub.NextBillingAt = nil
	sub.RetryAt = nil
	sub.UpdatedAt = now
}

func (s *Service) billPlatform(ctx context.Context, tx *gorm.DB, id snowflake.ID, now time.Time, policy config.BillingConfig) (subscriptiondomain.BillingOutcome, error) {
	lockStart := time.Now()
	sub, err := s.repo.FindPlatformByIDForUpdate(ctx, tx, id)
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceSubscriptionsForBilling, time.Since(lockStart))
	if err != nil {
		return subscriptiondomain.BillingOutcome{}, err
	}
	if sub == nil || (sub.Status != subscriptiondomain.StatusActive && sub.Status != subscriptiondomain.StatusPastDue) || platformAttemptAt(sub).After(now) {
		return subscriptiondomain.BillingOutcome{Result: subscriptiondomain.OutcomeSkipped}, nil
	}

	expected := sub.Version
	res, err := s.charge(ctx, tx, sub.CompanyID, sub.MonthlyFee,
		walletdomain.Source{Type: walletdomain.SourceTypePlatformSubscription, ID: sub.ID},
		"Platform plan "+sub.Plan,
		map[string]any{
			"plan":         sub.Plan,
			"period_start": sub.NextBillingDate.UTC().Format(time.RFC3339),
		},
	)
	if err != nil {
		return subscriptiondomain.BillingOutcome{}, err
	}

	outcome := subscriptiondomain.BillingOutcome{}
	if res.paid {
		next := subscriptiondomain.NextBillingDate(sub.NextBillingDate, sub.BillingDay)
		for !next.After(now) {
			next = subscriptiondomain.NextBillingDate(next, sub.BillingDay)
		}
		sub.Status = subscriptiondomain.StatusActive
		sub.LastBillingDate = &now
		sub.NextBillingDate = next
		sub.RetryAt = nil
		sub.TotalSpent += sub.MonthlyFee
		sub.FailedAttempts = 0
		sub.PastDueSince = nil
		outcome.Amount = sub.MonthlyFee
		outcome.TransactionID = res.transactionID
		outcome.Result = subscriptiondomain.OutcomeCharged
	} else {
		sub.FailedAttempts++
		if sub.PastDueSince == nil {
			sub.PastDueSince = &now
		}
		if sub.FailedAttempts > policy.GraceRetries {
			sub.Status = subscriptiondomain.StatusSuspended
			sub.RetryAt = nil
			outcome.Result = subscriptiondomain.OutcomeSuspended
		} else {
			retryAt := now.Add(policy.RetryInterval)
			sub.Status = subscriptiondomain.StatusPastDue
			sub.RetryAt = &retryAt
			outcome.Result = subscriptiondomain.OutcomePastDue
		}
	}

	if outcome.Result == subscriptiondomain.OutcomeSuspended {
		if err := s.audit.RecordTx(ctx, tx, auditdomain.Entry{
			CompanyID:  sub.CompanyID,
			Action:     auditdomain.ActionPlatformSuspended,
			TargetType: "platform_subscription",
			TargetID:   sub.ID.String(),
			Metadata:   map[string]any{"failed_attempts": sub.FailedAttempts, "plan": sub.Plan},
		}); err != nil {
			return subscriptiondomain.BillingOutcome{}, err
		}
	}
	sub.Version = expected + 1
	sub.UpdatedAt = now
	if err := s.updatePlatform(ctx, tx, sub, expected); err != nil {
		return subscriptiondomain.BillingOutcome{}, err
	}
	return outcome, nil
}

func platformAttemptAt(sub *subscriptiondomain.PlatformSubscription) time.Time {
	if sub.RetryAt != nil {
		return *sub.RetryAt
	}
	return sub.NextBillingDate
}

func (s *Service) recordExpiry(ctx context.Context, tx *gorm.DB, companyID snowflake.ID, targetType string, id snowflake.ID, failedAttempts int) error {
	return s.audit.RecordTx(ctx, tx, auditdomain.Entry{
		CompanyID:  companyID,
		Action:     auditdomain.ActionSubscriptionExpired,
		TargetType: targetType,
		TargetID:   id.String(),
		Metadata:   map[string]any{"failed_attempts": failedAttempts},
	})
}
