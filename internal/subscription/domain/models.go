// Package domain contains the recurring subscription models: marketplace
// apps, app bundles and the platform plan.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Status is shared by app, bundle and platform subscriptions. Apps and
// bundles never become SUSPENDED; the platform never enters TRIAL or EXPIRED.
type Status string

const (
	StatusTrial     Status = "TRIAL"
	StatusActive    Status = "ACTIVE"
	StatusPastDue   Status = "PAST_DUE"
	StatusExpired   Status = "EXPIRED"
	StatusSuspended Status = "SUSPENDED"
	StatusCancelled Status = "CANCELLED"
)

// Billable reports whether the billing cycle may still charge the row.
func (s Status) Billable() bool {
	return s == StatusTrial || s == StatusActive || s == StatusPastDue
}

// Live reports whether the subscription currently grants access.
func (s Status) Live() bool {
	return s == StatusTrial || s == StatusActive
}

type Kind string

const (
	KindApp      Kind = "app"
	KindBundle   Kind = "bundle"
	KindPlatform Kind = "platform"
)

func (k Kind) Valid() bool {
	return k == KindApp || k == KindBundle || k == KindPlatform
}

type CompanyAppSubscription struct {
	ID                   snowflake.ID  `gorm:"primaryKey" json:"id"`
	CompanyID            snowflake.ID  `gorm:"not null;uniqueIndex:ux_company_app,priority:1" json:"company_id"`
	AppID                snowflake.ID  `gorm:"not null;uniqueIndex:ux_company_app,priority:2" json:"app_id"`
	Status               Status        `gorm:"type:varchar(16);not null;index" json:"status"`
	MonthlyFee           int64         `gorm:"not null" json:"monthly_fee"`
	Currency             string        `gorm:"type:varchar(3);not null" json:"currency"`
	BundleSubscriptionID *snowflake.ID `gorm:"index" json:"bundle_subscription_id,omitempty"`
	SubscribedAt         time.Time     `gorm:"not null" json:"subscribed_at"`
	TrialEndsAt          *time.Time    `json:"trial_ends_at,omitempty"`
	NextBillingAt        *time.Time    `gorm:"index" json:"next_billing_at,omitempty"`
	RetryAt              *time.Time    `gorm:"index" json:"retry_at,omitempty"`
	LastBillingAt        *time.Time    `json:"last_billing_at,omitempty"`
	BillingAnchorDay     int           `gorm:"not null" json:"billing_anchor_day"`
	TotalSpent           int64         `gorm:"not null;default:0" json:"total_spent"`
	FailedAttempts       int           `gorm:"not null;default:0" json:"failed_attempts"`
	PastDueSince         *time.Time    `json:"past_due_since,omitempty"`
	CancelledAt          *time.Time    `json:"cancelled_at,omitempty"`
	Version              int64         `gorm:"not null;default:0" json:"version"`
	CreatedAt            time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt            time.Time     `gorm:"not null" json:"updated_at"`
}

func (CompanyAppSubscription) TableName() string { return "company_app_subscriptions" }

// BundleCovered reports whether the fee is collected by a bundle.
func (s CompanyAppSubscription) BundleCovered() bool {
	return s.BundleSubscriptionID != nil
}

type CompanyBundleSubscription struct {
	ID               snowflake.ID `gorm:"primaryKey" json:"id"`
	CompanyID        snowflake.ID `gorm:"not null;uniqueIndex:ux_company_bundle,priority:1" json:"company_id"`
	BundleID         snowflake.ID `gorm:"not null;uniqueIndex:ux_company_bundle,priority:2" json:"bundle_id"`
	Status           Status       `gorm:"type:varchar(16);not null;index" json:"status"`
	MonthlyFee       int64        `gorm:"not null" json:"monthly_fee"`
	Currency         string       `gorm:"type:varchar(3);not null" json:"currency"`
	SubscribedAt     time.Time    `gorm:"not null" json:"subscribed_at"`
	NextBillingAt    *time.Time   `gorm:"index" json:"next_billing_at,omitempty"`
	RetryAt          *time.Time   `gorm:"index" json:"retry_at,omitempty"`
	LastBillingAt    *time.Time   `json:"last_billing_at,omitempty"`
	BillingAnchorDay int          `gorm:"not null" json:"billing_anchor_day"`
	TotalSpent       int64        `gorm:"not null;default:0" json:"total_spent"`
	FailedAttempts   int          `gorm:"not null;default:0" json:"failed_attempts"`
	PastDueSince     *time.Time   `json:"past_due_since,omitempty"`
	CancelledAt      *time.Time   `json:"cancelled_at,omitempty"`
	Version          int64        `gorm:"not null;default:0" json:"version"`
	CreatedAt        time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time    `gorm:"not null" json:"updated_at"`
}

func (CompanyBundleSubscription) TableName() string { return "company_bundle_subscriptions" }

type PlatformSubscription struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	CompanyID       snowflake.ID `gorm:"not null;uniqueIndex" json:"company_id"`
	Plan            string       `gorm:"type:varchar(32);not null" json:"plan"`
	MonthlyFee      int64        `gorm:"not null" json:"monthly_fee"`
	Currency        string       `gorm:"type:varchar(3);not null" json:"currency"`
	Status          Status       `gorm:"type:varchar(16);not null;index" json:"status"`
	BillingDay      int          `gorm:"not null" json:"billing_day"`
	NextBillingDate time.Time    `gorm:"not null;index" json:"next_billing_date"`
	RetryAt         *time.Time   `gorm:"index" json:"retry_at,omitempty"`
	LastBillingDate *time.Time   `json:"last_billing_date,omitempty"`
	TotalSpent      int64        `gorm:"not null;default:0" json:"total_spent"`
	FailedAttempts  int          `gorm:"not null;default:0" json:"failed_attempts"`
	PastDueSince    *time.Time   `json:"past_due_since,omitempty"`
	CancelledAt     *time.Time   `json:"cancelled_at,omitempty"`
	Version         int64        `gorm:"not null;default:0" json:"version"`
	CreatedAt       time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"not null" json:"updated_at"`
}

func (PlatformSubscription) TableName() string { return "platform_subscriptions" }

// DueSubscription is a claimable row found by the billing cycle.
type DueSubscription struct {
	Kind      Kind         `json:"kind"`
	ID        snowflake.ID `json:"id"`
	CompanyID snowflake.ID `json:"company_id"`
}

type OutcomeResult string

const (
	OutcomeCharged   OutcomeResult = "CHARGED"
	OutcomeActivated OutcomeResult = "ACTIVATED"
	OutcomePastDue   OutcomeResult = "PAST_DUE"
	OutcomeExpired   OutcomeResult = "EXPIRED"
	OutcomeSuspended OutcomeResult = "SUSPENDED"
	OutcomeRecovered OutcomeResult = "RECOVERED"
	OutcomeSkipped   OutcomeResult = "SKIPPED"
)

// BillingOutcome reports what one billing attempt did. Err is set when the
// attempt failed for a reason other than insufficient funds and nothing
// was written.
type BillingOutcome struct {
	Kind           Kind          `json:"kind"`
	SubscriptionID snowflake.ID  `json:"subscription_id"`
	CompanyID      snowflake.ID  `json:"company_id"`
	Result         OutcomeResult `json:"result"`
	Amount         int64         `json:"amount"`
	TransactionID  *snowflake.ID `json:"transaction_id,omitempty"`
	Err            error         `json:"-"`
}

type Target struct {
	Kind Kind         `json:"kind"`
	ID   snowflake.ID `json:"id"`
}

type SubscriptionOverview struct {
	CompanyID snowflake.ID                `json:"company_id"`
	Apps      []CompanyAppSubscription    `json:"apps"`
	Bundles   []CompanyBundleSubscription `json:"bundles"`
	Platform  *PlatformSubscription       `json:"platform,omitempty"`
}
