package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestOperationFromSQL(t *testing.T) {
	assert.Equal(t, "SELECT", operationFromSQL("select * from wallets"))
	assert.Equal(t, "SELECT", operationFromSQL("WITH x AS (SELECT 1) UPDATE wallets SET version = 2"))
	assert.Equal(t, "UNKNOWN", operationFromSQL(""))
}

func TestTableFromSQL(t *testing.T) {
	assert.Equal(t, "wallets", tableFromSQL(`SELECT * FROM "wallets" WHERE id = 1`))
	assert.Equal(t, "wallet_transactions", tableFromSQL("INSERT INTO wallet_transactions (id) VALUES (1)"))
	assert.Equal(t, "usage_records", tableFromSQL("UPDATE usage_records SET settled_at = now()"))
	assert.Equal(t, "", tableFromSQL("BEGIN"))
}

func observeGlobal(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(restore)
	return logs
}

func TestTraceDuplicateKeyLogsAtWarn(t *testing.T) {
	logs := observeGlobal(t)
	l := NewGormLogger(DefaultGormLoggerConfig())

	l.Trace(context.Background(), time.Now(), func() (string, int64) {
		return "INSERT INTO wallet_transactions (id) VALUES (?)", 0
	}, gorm.ErrDuplicatedKey)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "duplicate_key", entry.ContextMap()["db_error"])
	assert.Equal(t, "wallet_transactions", entry.ContextMap()["table"])
}

func TestTraceFatalErrorAndRecordNotFound(t *testing.T) {
	logs := observeGlobal(t)
	l := NewGormLogger(DefaultGormLoggerConfig())
	query := func() (string, int64) { return "SELECT * FROM wallets WHERE company_id = ? FOR UPDATE", 0 }

	l.Trace(context.Background(), time.Now(), query, gorm.ErrRecordNotFound)
	assert.Zero(t, logs.Len())

	l.Trace(context.Background(), time.Now(), query, errors.New("connection reset"))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.ErrorLevel, entry.Level)
	assert.Equal(t, true, entry.ContextMap()["row_lock"])
}

func TestTraceSilentAndSlow(t *testing.T) {
	logs := observeGlobal(t)
	l := NewGormLogger(GormLoggerConfig{Level: gormlogger.Warn, SlowThreshold: time.Millisecond})
	query := func() (string, int64) { return "UPDATE wallets SET version = version + 1", 1 }

	l.LogMode(gormlogger.Silent).Trace(context.Background(), time.Now().Add(-time.Second), query, nil)
	assert.Zero(t, logs.Len())

	l.Trace(context.Background(), time.Now().Add(-time.Second), query, nil)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, true, logs.All()[0].ContextMap()["slow"])
}
