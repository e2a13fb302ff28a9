// Package domain contains the metered usage model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// UsageRecord is one consumption event. Rows are append-only apart from
// the settlement stamp.
type UsageRecord struct {
	ID                      snowflake.ID  `gorm:"primaryKey" json:"id"`
	CompanyID               snowflake.ID  `gorm:"not null;index:idx_usage_company_feature_time,priority:1;uniqueIndex:ux_usage_idempotency,priority:1" json:"company_id"`
	Feature                 string        `gorm:"type:varchar(128);not null;index:idx_usage_company_feature_time,priority:2" json:"feature"`
	Quantity                int64         `gorm:"not null" json:"quantity"`
	UnitCost                int64         `gorm:"not null" json:"unit_cost"`
	TotalCost               int64         `gorm:"not null" json:"total_cost"`
	Currency                string        `gorm:"type:varchar(3);not null" json:"currency"`
	OccurredAt              time.Time     `gorm:"not null;index:idx_usage_company_feature_time,priority:3" json:"occurred_at"`
	SettledAt               *time.Time    `json:"settled_at,omitempty"`
	SettlementTransactionID *snowflake.ID `json:"settlement_transaction_id,omitempty"`
	IdempotencyKey          *string       `gorm:"type:varchar(191);uniqueIndex:ux_usage_idempotency,priority:2" json:"idempotency_key,omitempty"`
	CreatedAt               time.Time     `gorm:"not null" json:"created_at"`
}

func (UsageRecord) TableName() string { return "usage_records" }

func (r UsageRecord) IsSettled() bool { return r.SettledAt != nil }

// FeatureUsage is the per-feature aggregate of a period.
type FeatureUsage struct {
	Feature  string `json:"feature"`
	Quantity int64  `json:"quantity"`
	Cost     int64  `json:"cost"`
}

type MonthlyUsage struct {
	CompanyID   snowflake.ID   `json:"company_id"`
	PeriodStart time.Time      `json:"period_start"`
	PeriodEnd   time.Time      `json:"period_end"`
	Currency    string         `json:"currency"`
	Features    []FeatureUsage `json:"features"`
	Total       int64          `json:"total"`
}
