package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/walletledger/internal/clock"
	obsmetrics "github.com/smallbiznis/walletledger/internal/observability/metrics"
	"github.com/smallbiznis/walletledger/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/walletledger/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/walletledger/internal/usage/domain"
	"github.com/smallbiznis/walletledger/pkg/ledgererr"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobBillingCycle    = "billing_cycle"
	JobUsageSettlement = "usage_settlement"

	lockKeyPrefix = "walletledger:scheduler:"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	SubscriptionSvc subscriptiondomain.Service
	UsageSvc        usagedomain.Service
	Locker          *ratelimit.Locker            `optional:"true"`
	Metrics         *obsmetrics.SchedulerMetrics `optional:"true"`
	Config          Config                       `optional:"true"`
}

type Scheduler struct {
	log             *zap.Logger
	cfg             Config
	genID           *snowflake.Node
	clock           clock.Clock
	subscriptionSvc subscriptiondomain.Service
	usageSvc        usagedomain.Service
	locker          *ratelimit.Locker
	metrics         *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.SubscriptionSvc == nil || p.UsageSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             p.Config.withDefaults(),
		genID:           p.GenID,
		clock:           p.Clock,
		subscriptionSvc: p.SubscriptionSvc,
		usageSvc:        p.UsageSvc,
		locker:          p.Locker,
		metrics:         p.Metrics,
	}, nil
}

// runJob runs fn under a timeout and the cluster lock for name. A timeout
// is logged and counted but not returned, so the next tick retries.
func (s *Scheduler) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name)
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)

	release, acquired, err := s.acquire(ctx, name)
	if err != nil {
		s.metrics.IncJobError(name, err)
		return fmt.Errorf("%s: lock: %w", name, err)
	}
	if !acquired {
		s.metrics.IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		log.Debug("job skipped, lock held by another replica")
		return nil
	}
	defer release()

	if owner {
		s.logJobStart(ctx, run)
	}
	s.metrics.IncJobRun(name)

	err = fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// acquire takes the Redis lease for job and keeps it alive while the job
// runs. Without a locker every call wins.
func (s *Scheduler) acquire(ctx context.Context, job string) (func(), bool, error) {
	if s.locker == nil {
		return func() {}, true, nil
	}
	lease, err := s.locker.TryAcquire(ctx, lockKeyPrefix+job, s.cfg.LockTTL)
	if err != nil || lease == nil {
		return nil, false, err
	}
	stop := lease.KeepAlive(ctx, s.cfg.LockTTL, func(err error) {
		if errors.Is(err, ratelimit.ErrLeaseLost) {
			s.metrics.IncLeaseLost(job)
		}
		s.log.Warn("scheduler lease extension failed", zap.String("job", job), zap.Error(err))
	})
	return func() {
		stop()
		// the job context may already be done
		if err := lease.Release(context.Background()); err != nil {
			s.log.Warn("release scheduler lock failed", zap.String("job", job), zap.Error(err))
		}
	}, true, nil
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobBillingCycle, s.BillingCycleJob},
		{JobUsageSettlement, s.UsageSettlementJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.JobTimeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now()

	for {
		if lag := time.Since(nextRun); lag > 0 {
			s.metrics.ObserveRunLoopLag(lag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// BillingCycleJob charges every subscription due now. Per-subscription
// failures are reported by the outcomes and joined into the job error.
func (s *Scheduler) BillingCycleJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobBillingCycle)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	outcomes, err := s.subscriptionSvc.RunBillingCycle(ctx, s.clock.Now())
	var outcomeErr error
	processed := 0
	for _, outcome := range outcomes {
		s.metrics.IncBillingOutcome(string(outcome.Kind), string(outcome.Result))
		if outcome.Err != nil {
			s.logSchedulerError(ctx, run, "billing.subscription.failed", JobBillingCycle, outcome.CompanyID, outcome.Err,
				zap.String("subscription_id", idString(outcome.SubscriptionID)),
				zap.String("kind", string(outcome.Kind)),
			)
			outcomeErr = errors.Join(outcomeErr, outcome.Err)
			continue
		}
		if outcome.Result != subscriptiondomain.OutcomeSkipped {
			processed++
			s.logOutcome(ctx, outcome)
		}
	}
	run.AddProcessed(processed)
	s.metrics.AddBatchProcessed(JobBillingCycle, "subscriptions", processed)

	if err != nil {
		return err
	}
	return outcomeErr
}

// UsageSettlementJob debits all unsettled usage recorded before the start
// of the current month. A company without funds is left for the next run.
func (s *Scheduler) UsageSettlementJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobUsageSettlement)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	start, end := settlementWindow(s.clock.Now())
	companies, err := s.usageSvc.CompaniesWithUnsettledUsage(ctx, end)
	if err != nil {
		return err
	}

	var jobErr error
	settled := 0
	for _, companyID := range companies {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		tx, err := s.usageSvc.SettlePeriodUsage(ctx, companyID, start, end)
		switch {
		case err == nil:
			if tx != nil {
				settled++
				s.logger(s.withLogContext(ctx, companyID)).Info("usage.settled",
					zap.String("company_id", companyID.String()),
					zap.String("transaction_id", tx.ID.String()),
					zap.Int64("amount", tx.Amount),
				)
			}
			jobErr = errors.Join(jobErr, s.applyUsageSettlement(ctx, run, companyID, true))
		case ledgererr.KindOf(err) == ledgererr.KindInsufficientFunds:
			s.metrics.IncBatchDeferred(JobUsageSettlement, string(ledgererr.KindInsufficientFunds))
			s.logger(s.withLogContext(ctx, companyID)).Warn("usage.settlement.deferred",
				zap.String("company_id", companyID.String()),
				zap.String("reason", ledgererr.CodeOf(err)),
			)
			jobErr = errors.Join(jobErr, s.applyUsageSettlement(ctx, run, companyID, false))
		default:
			s.logSchedulerError(ctx, run, "usage.settlement.failed", JobUsageSettlement, companyID, err)
			jobErr = errors.Join(jobErr, err)
		}
	}
	run.AddProcessed(settled)
	s.metrics.AddBatchProcessed(JobUsageSettlement, "companies", settled)
	return jobErr
}

// applyUsageSettlement moves the company's pay-per-use subscriptions to
// match the settlement result.
func (s *Scheduler) applyUsageSettlement(ctx context.Context, run *jobRun, companyID snowflake.ID, settled bool) error {
	outcomes, err := s.subscriptionSvc.ApplyUsageSettlement(ctx, companyID, settled)
	if err != nil {
		s.logSchedulerError(ctx, run, "usage.settlement.subscriptions_failed", JobUsageSettlement, companyID, err)
		return err
	}
	for _, outcome := range outcomes {
		s.metrics.IncBillingOutcome(string(outcome.Kind), string(outcome.Result))
		s.logOutcome(ctx, outcome)
	}
	return nil
}

// settlementWindow covers everything before the first instant of the
// current UTC month.
func settlementWindow(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	end := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return time.Unix(0, 0).UTC(), end
}
