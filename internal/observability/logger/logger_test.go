package logger

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/walletledger/internal/companycontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsPresentFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core)

	ctx := companycontext.WithCompanyID(context.Background(), snowflake.ID(42))
	ctx = companycontext.WithActor(ctx, companycontext.Actor{Type: companycontext.ActorTypeOperator, ID: "ops-7"})
	WithContext(ctx, base).Info("deposit")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "42", fields["company_id"])
	assert.Equal(t, "operator", fields["actor_type"])
	assert.Equal(t, "ops-7", fields["actor_id"])
	assert.NotContains(t, fields, "request_id")
	assert.NotContains(t, fields, "trace_id")
}

func TestWithContextDefaultsToSystemActor(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	WithContext(context.Background(), zap.New(core)).Info("billing cycle")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "system", fields["actor_type"])
	assert.NotContains(t, fields, "company_id")
}

type countingSyncer struct{ lines int }

func (c *countingSyncer) Write(p []byte) (int, error) {
	c.lines++
	return len(p), nil
}

func (c *countingSyncer) Sync() error { return nil }

func TestErrorsBypassSampling(t *testing.T) {
	out := &countingSyncer{}
	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	core := newCore(enc, out, zapcore.InfoLevel, sampling{window: time.Minute, initial: 1, thereafter: 1000})
	log := zap.New(core)

	for i := 0; i < 10; i++ {
		log.Info("usage recorded")
	}
	assert.Equal(t, 1, out.lines)

	for i := 0; i < 10; i++ {
		log.Error("wallet invariant violation")
	}
	assert.Equal(t, 11, out.lines)

	log.Debug("dropped by level")
	assert.Equal(t, 11, out.lines)
}

func TestNormalizeFormat(t *testing.T) {
	assert.Equal(t, "console", normalizeFormat(" Console "))
	assert.Equal(t, "json", normalizeFormat("logfmt"))
}
