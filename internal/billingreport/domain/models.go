// Package domain describes the read-only billing summary shown to a
// company for one period.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/walletledger/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/walletledger/internal/usage/domain"
	"github.com/smallbiznis/walletledger/pkg/ledgererr"
)

// SubscriptionLine is one recurring fee counted in the summary.
type SubscriptionLine struct {
	Kind           subscriptiondomain.Kind   `json:"kind"`
	SubscriptionID snowflake.ID              `json:"subscription_id"`
	Reference      string                    `json:"reference"`
	Status         subscriptiondomain.Status `json:"status"`
	Amount         int64                     `json:"amount"`
}

type BillingSummary struct {
	CompanyID         snowflake.ID               `json:"company_id"`
	PeriodStart       time.Time                  `json:"period_start"`
	PeriodEnd         time.Time                  `json:"period_end"`
	Currency          string                     `json:"currency"`
	SubscriptionsCost int64                      `json:"subscriptions_cost"`
	UsageCost         int64                      `json:"usage_cost"`
	Total             int64                      `json:"total"`
	WalletBalance     int64                      `json:"wallet_balance"`
	ActiveAppCount    int                        `json:"active_app_count"`
	Subscriptions     []SubscriptionLine         `json:"subscriptions"`
	UsageBreakdown    []usagedomain.FeatureUsage `json:"usage_breakdown"`
}

type Service interface {
	// BuildSummary aggregates the period [start, end). It never writes.
	BuildSummary(ctx context.Context, companyID snowflake.ID, start, end time.Time) (BillingSummary, error)
}

var (
	ErrInvalidCompany = ledgererr.New(ledgererr.KindValidation, "invalid_company")
	ErrInvalidPeriod  = ledgererr.New(ledgererr.KindValidation, "invalid_period")
)
