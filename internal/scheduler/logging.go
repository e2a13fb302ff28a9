package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/walletledger/internal/companycontext"
	obslogger "github.com/smallbiznis/walletledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/walletledger/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/walletledger/internal/subscription/domain"
	"go.uber.org/zap"
)

type jobRun struct {
	job            string
	runID          string
	startedAt      time.Time
	processedCount int
	errorCount     int
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount += count
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

// ensureJobRun attaches a run to ctx unless one is already there. owner
// is true for the caller that created it.
func (s *Scheduler) ensureJobRun(ctx context.Context, job string) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = companycontext.WithRequestID(ctx, run.runID)
	ctx = s.withLogContext(ctx, 0)
	return ctx, run, true
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok {
		return run
	}
	return nil
}

func (s *Scheduler) withLogContext(ctx context.Context, companyID snowflake.ID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = companycontext.WithActor(ctx, companycontext.Actor{Type: companycontext.ActorTypeSystem, ID: "scheduler"})
	if companyID != 0 {
		ctx = companycontext.WithCompanyID(ctx, companyID)
	}
	return ctx
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processedCount),
		zap.Int("error_count", run.errorCount),
	}
	log := s.logger(ctx)
	if run.errorCount > 0 {
		log.Warn("scheduler.job.finish", fields...)
		return
	}
	log.Info("scheduler.job.finish", fields...)
}

func (s *Scheduler) logSchedulerError(ctx context.Context, run *jobRun, msg string, job string, companyID snowflake.ID, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	run.IncError()
	ctx = s.withLogContext(ctx, companyID)
	baseFields := []zap.Field{
		zap.String("job", job),
		zap.String("reason", obsmetrics.ClassifySchedulerJobReason(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	}
	s.logger(ctx).Error(msg, append(baseFields, fields...)...)
}

func (s *Scheduler) logOutcome(ctx context.Context, outcome subscriptiondomain.BillingOutcome) {
	ctx = s.withLogContext(ctx, outcome.CompanyID)
	fields := []zap.Field{
		zap.String("kind", string(outcome.Kind)),
		zap.String("subscription_id", idString(outcome.SubscriptionID)),
		zap.String("result", string(outcome.Result)),
		zap.Int64("amount", outcome.Amount),
	}
	if outcome.TransactionID != nil {
		fields = append(fields, zap.String("transaction_id", outcome.TransactionID.String()))
	}
	log := s.logger(ctx)
	switch outcome.Result {
	case subscriptiondomain.OutcomeExpired, subscriptiondomain.OutcomeSuspended, subscriptiondomain.OutcomePastDue:
		log.Warn("billing.subscription.unpaid", fields...)
	default:
		log.Info("billing.subscription.charged", fields...)
	}
}

func idString(id snowflake.ID) string {
	if id == 0 {
		return ""
	}
	return id.String()
}
