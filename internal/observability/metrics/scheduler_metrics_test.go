package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/walletledger/pkg/ledgererr"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: SchedulerJobReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: SchedulerJobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: SchedulerJobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: SchedulerJobReasonUniqueViolation},
		{name: "conflict", err: fmt.Errorf("wrap: %w", ledgererr.New(ledgererr.KindConflict, "version_conflict")), want: SchedulerJobReasonConflict},
		{name: "business_rule", err: ledgererr.New(ledgererr.KindInsufficientFunds, "insufficient_funds"), want: SchedulerJobReasonBusinessRule},
		{name: "unknown", err: errors.New("boom"), want: SchedulerJobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifySchedulerJobReason(tc.err))
		})
	}
}

func TestIsSchedulerErrorRetryable(t *testing.T) {
	assert.True(t, IsSchedulerErrorRetryable(context.DeadlineExceeded))
	assert.True(t, IsSchedulerErrorRetryable(ledgererr.New(ledgererr.KindConflict, "version_conflict")))
	assert.False(t, IsSchedulerErrorRetryable(errors.New("boom")))
	assert.False(t, IsSchedulerErrorRetryable(nil))
}

func TestSchedulerMetricsRecordOnIsolatedRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newSchedulerMetrics(registry, Config{ServiceName: "test", Environment: "test"})

	m.IncJobRun("billing_cycle")
	m.IncBillingOutcome("app", "CHARGED")
	m.IncBillingOutcome("app", "CHARGED")
	m.IncJobError("billing_cycle", context.DeadlineExceeded)
	m.ObserveJobDuration("billing_cycle", 150*time.Millisecond)
	m.IncLeaseLost("usage_settlement")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.jobRuns.WithLabelValues("billing_cycle")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.billingOutcomes.WithLabelValues("app", "CHARGED")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.jobErrors.WithLabelValues("billing_cycle", SchedulerJobReasonDeadlineExceeded)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.leaseLost.WithLabelValues("usage_settlement")))
}

func TestNilSchedulerMetricsAreSafe(t *testing.T) {
	var m *SchedulerMetrics
	assert.NotPanics(t, func() {
		m.IncJobRun("x")
		m.IncBillingOutcome("app", "SKIPPED")
		m.ObserveRunLoopLag(-time.Second)
		m.IncLeaseLost("x")
	})
}
