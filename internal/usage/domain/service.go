package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	walletdomain "github.com/smallbiznis/walletledger/internal/wallet/domain"
	"gorm.io/gorm"
)

type RecordUsageRequest struct {
	CompanyID      snowflake.ID `json:"company_id"`
	Feature        string       `json:"feature"`
	Quantity       int64        `json:"quantity"`
	UnitCost       int64        `json:"unit_cost"`
	OccurredAt     time.Time    `json:"occurred_at"`
	IdempotencyKey string       `json:"idempotency_key"`
}

type Service interface {
	RecordUsage(ctx context.Context, req RecordUsageRequest) (UsageRecord, error)
	// GetMonthlyUsage aggregates records with occurred_at in [start, end),
	// settled or not.
	GetMonthlyUsage(ctx context.Context, companyID snowflake.ID, start, end time.Time) (MonthlyUsage, error)
	// SettlePeriodUsage debits the unsettled total of the period once. It
	// returns nil when there was nothing to settle.
	SettlePeriodUsage(ctx context.Context, companyID snowflake.ID, start, end time.Time) (*walletdomain.Transaction, error)
	// CompaniesWithUnsettledUsage lists companies that have unsettled
	// records before end.
	CompaniesWithUnsettledUsage(ctx context.Context, end time.Time) ([]snowflake.ID, error)
}

type Repository interface {
	// Insert reports false when the idempotency key already exists.
	Insert(ctx context.Context, db *gorm.DB, record *UsageRecord) (bool, error)
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, companyID snowflake.ID, key string) (*UsageRecord, error)
	AggregateByFeature(ctx context.Context, db *gorm.DB, companyID snowflake.ID, start, end time.Time) ([]FeatureUsage, error)
	LockUnsettled(ctx context.Context, db *gorm.DB, companyID snowflake.ID, start, end time.Time) ([]UsageRecord, error)
	MarkSettled(ctx context.Context, db *gorm.DB, ids []snowflake.ID, transactionID *snowflake.ID, at time.Time) (int64, error)
	ListUnsettledCompanies(ctx context.Context, db *gorm.DB, end time.Time) ([]snowflake.ID, error)
}
