package statement

import (
	"bytes"
	"testing"
	"time"

	billingreport "github.com/smallbiznis/walletledger/internal/billingreport/domain"
	subscriptiondomain "github.com/smallbiznis/walletledger/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/walletledger/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sampleSummary() billingreport.BillingSummary {
	return billingreport.BillingSummary{
		CompanyID:         42,
		PeriodStart:       time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:         time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		Currency:          "IDR",
		SubscriptionsCost: 150000,
		UsageCost:         2400,
		Total:             152400,
		WalletBalance:     97600,
		ActiveAppCount:    1,
		Subscriptions: []billingreport.SubscriptionLine{
			{Kind: subscriptiondomain.KindPlatform, SubscriptionID: 1, Reference: "pro", Status: subscriptiondomain.StatusActive, Amount: 100000},
			{Kind: subscriptiondomain.KindApp, SubscriptionID: 2, Reference: "crm", Status: subscriptiondomain.StatusActive, Amount: 50000},
		},
		UsageBreakdown: []usagedomain.FeatureUsage{
			{Feature: "api_calls", Quantity: 120, Cost: 2400},
		},
	}
}

func TestRenderProducesPDF(t *testing.T) {
	r := NewRenderer(zap.NewNop())

	out, err := r.Render(sampleSummary())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
}

func TestRenderEmptySummary(t *testing.T) {
	r := NewRenderer(zap.NewNop())

	summary := sampleSummary()
	summary.Subscriptions = nil
	summary.UsageBreakdown = nil
	out, err := r.Render(summary)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestFilenameAndPeriodLabel(t *testing.T) {
	summary := sampleSummary()
	assert.Equal(t, "statement-42-2026-03.pdf", Filename(summary))
	assert.Equal(t, "2026-03-01 to 2026-03-31", periodLabel(summary))
}
