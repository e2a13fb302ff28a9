// Package domain holds the marketplace catalog: apps, bundles and
// platform plans.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type PricingModel string

const (
	PricingModelFree      PricingModel = "FREE"
	PricingModelMonthly   PricingModel = "MONTHLY"
	PricingModelPayPerUse PricingModel = "PAY_PER_USE"
)

func (p PricingModel) Valid() bool {
	switch p {
	case PricingModelFree, PricingModelMonthly, PricingModelPayPerUse:
		return true
	}
	return false
}

type PlanCode string

const (
	PlanBasic      PlanCode = "BASIC"
	PlanPro        PlanCode = "PRO"
	PlanEnterprise PlanCode = "ENTERPRISE"
)

func (p PlanCode) Valid() bool {
	switch p {
	case PlanBasic, PlanPro, PlanEnterprise:
		return true
	}
	return false
}

type App struct {
	ID                         snowflake.ID `gorm:"primaryKey" json:"id"`
	Slug                       string       `gorm:"type:varchar(128);not null;uniqueIndex" json:"slug"`
	Name                       string       `gorm:"type:varchar(255);not null" json:"name"`
	PricingModel               PricingModel `gorm:"type:varchar(32);not null" json:"pricing_model"`
	MonthlyPrice               int64        `gorm:"not null" json:"monthly_price"`
	Currency                   string       `gorm:"type:varchar(3);not null" json:"currency"`
	TrialDays                  *int         `json:"trial_days,omitempty"`
	RequiresPaymentToExitTrial bool         `gorm:"not null;default:false" json:"requires_payment_to_exit_trial"`
	CreatedAt                  time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt                  time.Time    `gorm:"not null" json:"updated_at"`
}

func (App) TableName() string { return "apps" }

// CycleFee is what one billing period costs. Pay-per-use apps settle
// through usage instead.
func (a App) CycleFee() int64 {
	if a.PricingModel != PricingModelMonthly {
		return 0
	}
	return a.MonthlyPrice
}

func (a App) IsFree() bool {
	return a.PricingModel == PricingModelFree || (a.PricingModel == PricingModelMonthly && a.MonthlyPrice == 0)
}

type AppRequirement struct {
	AppID         snowflake.ID `gorm:"primaryKey" json:"app_id"`
	RequiredAppID snowflake.ID `gorm:"primaryKey" json:"required_app_id"`
}

func (AppRequirement) TableName() string { return "app_requirements" }

type Bundle struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	Slug      string       `gorm:"type:varchar(128);not null;uniqueIndex" json:"slug"`
	Name      string       `gorm:"type:varchar(255);not null" json:"name"`
	Price     int64        `gorm:"not null" json:"price"`
	Discount  int64        `gorm:"not null;default:0" json:"discount"`
	Currency  string       `gorm:"type:varchar(3);not null" json:"currency"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null" json:"updated_at"`
}

func (Bundle) TableName() string { return "bundles" }

// Fee is the discounted monthly bundle price, never negative.
func (b Bundle) Fee() int64 {
	fee := b.Price - b.Discount
	if fee < 0 {
		return 0
	}
	return fee
}

type BundleApp struct {
	BundleID snowflake.ID `gorm:"primaryKey" json:"bundle_id"`
	AppID    snowflake.ID `gorm:"primaryKey" json:"app_id"`
}

func (BundleApp) TableName() string { return "bundle_apps" }

// BundleWithApps is a bundle together with its member apps.
type BundleWithApps struct {
	Bundle
	Apps []App `json:"apps"`
}

type Plan struct {
	Code       PlanCode  `gorm:"type:varchar(32);primaryKey" json:"code"`
	MonthlyFee int64     `gorm:"not null" json:"monthly_fee"`
	Currency   string    `gorm:"type:varchar(3);not null" json:"currency"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time `gorm:"not null" json:"updated_at"`
}

func (Plan) TableName() string { return "platform_plans" }
