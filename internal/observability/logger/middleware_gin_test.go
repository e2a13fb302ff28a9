package logger

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestRequestLevel(t *testing.T) {
	cases := []struct {
		name   string
		route  string
		status int
		kind   string
		want   zapcore.Level
	}{
		{"scrape", "/metrics", http.StatusOK, "", zapcore.DebugLevel},
		{"health", "/health", http.StatusOK, "", zapcore.DebugLevel},
		{"server error", "/v1/wallet", http.StatusInternalServerError, "fatal", zapcore.ErrorLevel},
		{"ingest validation", usageIngestRoute, http.StatusBadRequest, "validation", zapcore.DebugLevel},
		{"other validation", "/v1/wallet/deposits", http.StatusBadRequest, "validation", zapcore.InfoLevel},
		{"insufficient funds", "/v1/apps/:app_id/upgrade", http.StatusPaymentRequired, "insufficient_funds", zapcore.WarnLevel},
		{"conflict", "/v1/wallet/adjustments", http.StatusConflict, "conflict", zapcore.WarnLevel},
		{"forbidden", "/v1/wallet/archive", http.StatusForbidden, "forbidden", zapcore.WarnLevel},
		{"ok", "/v1/wallet", http.StatusOK, "", zapcore.InfoLevel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, requestLevel(tc.route, tc.status, tc.kind))
		})
	}
}
