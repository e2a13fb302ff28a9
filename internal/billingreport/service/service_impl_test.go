package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	billingreport "github.com/smallbiznis/walletledger/internal/billingreport/domain"
	subscriptiondomain "github.com/smallbiznis/walletledger/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/walletledger/internal/usage/domain"
	walletdomain "github.com/smallbiznis/walletledger/internal/wallet/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type walletStub struct {
	walletdomain.Service
	wallet walletdomain.Wallet
}

func (s walletStub) GetBalance(context.Context, snowflake.ID) (walletdomain.Wallet, error) {
	return s.wallet, nil
}

type usageStub struct {
	usagedomain.Service
	usage      usagedomain.MonthlyUsage
	start, end time.Time
}

func (s *usageStub) GetMonthlyUsage(_ context.Context, _ snowflake.ID, start, end time.Time) (usagedomain.MonthlyUsage, error) {
	s.start, s.end = start, end
	return s.usage, nil
}

type subscriptionStub struct {
	subscriptiondomain.Service
	overview subscriptiondomain.SubscriptionOverview
}

func (s subscriptionStub) GetSubscriptionStatus(context.Context, snowflake.ID) (subscriptiondomain.SubscriptionOverview, error) {
	return s.overview, nil
}

var (
	periodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
)

func ptr[T any](v T) *T { return &v }

func TestBuildSummary(t *testing.T) {
	bundleSubID := snowflake.ID(90)
	overview := subscriptiondomain.SubscriptionOverview{
		CompanyID: 7,
		Apps: []subscriptiondomain.CompanyAppSubscription{
			{ID: 1, AppID: 11, Status: subscriptiondomain.StatusActive, MonthlyFee: 150, SubscribedAt: periodStart.AddDate(0, -2, 0)},
			{ID: 2, AppID: 12, Status: subscriptiondomain.StatusTrial, MonthlyFee: 80, SubscribedAt: periodStart.AddDate(0, 0, 3)},
			{ID: 3, AppID: 13, Status: subscriptiondomain.StatusActive, BundleSubscriptionID: &bundleSubID, SubscribedAt: periodStart},
			{ID: 4, AppID: 14, Status: subscriptiondomain.StatusCancelled, MonthlyFee: 500, SubscribedAt: periodStart},
			{ID: 5, AppID: 15, Status: subscriptiondomain.StatusActive, MonthlyFee: 60, SubscribedAt: periodEnd},
		},
		Bundles: []subscriptiondomain.CompanyBundleSubscription{
			{ID: bundleSubID, BundleID: 20, Status: subscriptiondomain.StatusActive, MonthlyFee: 200, SubscribedAt: periodStart},
		},
		Platform: &subscriptiondomain.PlatformSubscription{
			ID: 30, Plan: "PRO", Status: subscriptiondomain.StatusActive, MonthlyFee: 300,
			LastBillingDate: ptr(periodStart.AddDate(0, 0, 4)),
			NextBillingDate: periodEnd.AddDate(0, 0, 4),
		},
	}
	usage := &usageStub{usage: usagedomain.MonthlyUsage{
		Features: []usagedomain.FeatureUsage{{Feature: "sms", Quantity: 3, Cost: 60}},
		Total:    60,
	}}
	svc := NewService(Params{
		Log:           zap.NewNop(),
		Wallet:        walletStub{wallet: walletdomain.Wallet{Currency: "IDR", Balance: 990}},
		Usage:         usage,
		Subscriptions: subscriptionStub{overview: overview},
	})

	summary, err := svc.BuildSummary(context.Background(), 7, periodStart, periodEnd)
	require.NoError(t, err)

	assert.Equal(t, int64(150+80+200+300), summary.SubscriptionsCost)
	assert.Equal(t, int64(60), summary.UsageCost)
	assert.Equal(t, summary.SubscriptionsCost+summary.UsageCost, summary.Total)
	assert.Equal(t, int64(990), summary.WalletBalance)
	assert.Equal(t, 3, summary.ActiveAppCount)
	assert.Len(t, summary.Subscriptions, 4)
	assert.Equal(t, "IDR", summary.Currency)
	require.Len(t, summary.UsageBreakdown, 1)
	assert.Equal(t, periodStart, usage.start)
	assert.Equal(t, periodEnd, usage.end)
}

func TestBuildSummaryPlatformOutsidePeriod(t *testing.T) {
	svc := NewService(Params{
		Log:    zap.NewNop(),
		Wallet: walletStub{wallet: walletdomain.Wallet{Currency: "IDR"}},
		Usage:  &usageStub{},
		Subscriptions: subscriptionStub{overview: subscriptiondomain.SubscriptionOverview{
			Platform: &subscriptiondomain.PlatformSubscription{
				Status:          subscriptiondomain.StatusActive,
				MonthlyFee:      300,
				NextBillingDate: periodEnd,
			},
		}},
	})

	summary, err := svc.BuildSummary(context.Background(), 7, periodStart, periodEnd)
	require.NoError(t, err)
	assert.Zero(t, summary.Total)
	assert.Empty(t, summary.Subscriptions)
	assert.NotNil(t, summary.UsageBreakdown)
}

func TestBuildSummaryValidation(t *testing.T) {
	svc := NewService(Params{Log: zap.NewNop()})
	_, err := svc.BuildSummary(context.Background(), 0, periodStart, periodEnd)
	require.ErrorIs(t, err, billingreport.ErrInvalidCompany)
	_, err = svc.BuildSummary(context.Background(), 7, periodEnd, periodStart)
	require.ErrorIs(t, err, billingreport.ErrInvalidPeriod)
}
