package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	billingreport "github.com/smallbiznis/walletledger/internal/billingreport/domain"
	subscriptiondomain "github.com/smallbiznis/walletledger/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/walletledger/internal/usage/domain"
	walletdomain "github.com/smallbiznis/walletledger/internal/wallet/domain"
	"github.com/smallbiznis/walletledger/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log           *zap.Logger
	Wallet        walletdomain.Service
	Usage         usagedomain.Service
	Subscriptions subscriptiondomain.Service
}

type Service struct {
	log           *zap.Logger
	wallet        walletdomain.Service
	usage         usagedomain.Service
	subscriptions subscriptiondomain.Service
}

func NewService(p Params) billingreport.Service {
	return &Service{
		log:           p.Log.Named("billingreport.service"),
		wallet:        p.Wallet,
		usage:         p.Usage,
		subscriptions: p.Subscriptions,
	}
}

func (s *Service) BuildSummary(ctx context.Context, companyID snowflake.ID, start, end time.Time) (billingreport.BillingSummary, error) {
	if companyID == 0 {
		return billingreport.BillingSummary{}, billingreport.ErrInvalidCompany
	}
	start, end = start.UTC(), end.UTC()
	if !start.Before(end) {
		return billingreport.BillingSummary{}, billingreport.ErrInvalidPeriod
	}

	wallet, err := s.wallet.GetBalance(ctx, companyID)
	if err != nil {
		return billingreport.BillingSummary{}, fmt.Errorf("summary balance: %w", err)
	}
	overview, err := s.subscriptions.GetSubscriptionStatus(ctx, companyID)
	if err != nil {
		return billingreport.BillingSummary{}, fmt.Errorf("summary subscriptions: %w", err)
	}
	usage, err := s.usage.GetMonthlyUsage(ctx, companyID, start, end)
	if err != nil {
		return billingreport.BillingSummary{}, fmt.Errorf("summary usage: %w", err)
	}

	summary := billingreport.BillingSummary{
		CompanyID:      companyID,
		PeriodStart:    start,
		PeriodEnd:      end,
		Currency:       wallet.Currency,
		WalletBalance:  wallet.Balance,
		Subscriptions:  subscriptionLines(overview, start, end),
		UsageBreakdown: usage.Features,
	}
	if summary.UsageBreakdown == nil {
		summary.UsageBreakdown = []usagedomain.FeatureUsage{}
	}
	for _, app := range overview.Apps {
		if app.Status.Live() && app.SubscribedAt.Before(end) {
			summary.ActiveAppCount++
		}
	}

	subscriptions := money.Zero(summary.Currency)
	for _, line := range summary.Subscriptions {
		if subscriptions, err = subscriptions.Add(money.New(line.Amount, summary.Currency)); err != nil {
			return billingreport.BillingSummary{}, err
		}
	}
	total, err := subscriptions.Add(money.New(usage.Total, summary.Currency))
	if err != nil {
		return billingreport.BillingSummary{}, err
	}
	summary.SubscriptionsCost = subscriptions.Amount
	summary.UsageCost = usage.Total
	summary.Total = total.Amount
	return summary, nil
}

// subscriptionLines picks the recurring fees that belong to [start, end).
// Bundle members are paid by their bundle and never listed twice.
func subscriptionLines(overview subscriptiondomain.SubscriptionOverview, start, end time.Time) []billingreport.SubscriptionLine {
	lines := []billingreport.SubscriptionLine{}
	for _, app := range overview.Apps {
		if !app.Status.Live() || app.BundleCovered() || !app.SubscribedAt.Before(end) || app.MonthlyFee == 0 {
			continue
		}
		lines = append(lines, billingreport.SubscriptionLine{
			Kind:           subscriptiondomain.KindApp,
			SubscriptionID: app.ID,
			Reference:      app.AppID.String(),
			Status:         app.Status,
			Amount:         app.MonthlyFee,
		})
	}
	for _, bundle := range overview.Bundles {
		if bundle.Status != subscriptiondomain.StatusActive || !bundle.SubscribedAt.Before(end) {
			continue
		}
		lines = append(lines, billingreport.SubscriptionLine{
			Kind:           subscriptiondomain.KindBundle,
			SubscriptionID: bundle.ID,
			Reference:      bundle.BundleID.String(),
			Status:         bundle.Status,
			Amount:         bundle.MonthlyFee,
		})
	}
	if p := overview.Platform; p != nil && platformBilledIn(*p, start, end) {
		lines = append(lines, billingreport.SubscriptionLine{
			Kind:           subscriptiondomain.KindPlatform,
			SubscriptionID: p.ID,
			Reference:      p.Plan,
			Status:         p.Status,
			Amount:         p.MonthlyFee,
		})
	}
	return lines
}

func platformBilledIn(p subscriptiondomain.PlatformSubscription, start, end time.Time) bool {
	within := func(t time.Time) bool { return !t.Before(start) && t.Before(end) }
	if p.LastBillingDate != nil && within(*p.LastBillingDate) {
		return true
	}
	billable := p.Status == subscriptiondomain.StatusActive || p.Status == subscriptiondomain.StatusPastDue
	return billable && within(p.NextBillingDate)
}
