package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/walletledger/internal/usage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

const usageColumns = `id, company_id, feature, quantity, unit_cost, total_cost, currency,
	occurred_at, settled_at, settlement_transaction_id, idempotency_key, created_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *usagedomain.UsageRecord) (bool, error) {
	stmt := db.WithContext(ctx)
	if record.IdempotencyKey != nil {
		stmt = stmt.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "company_id"}, {Name: "idempotency_key"}},
			DoNothing: true,
		})
	}
	result := stmt.Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, db *gorm.DB, companyID snowflake.ID, key string) (*usagedomain.UsageRecord, error) {
	var records []usagedomain.UsageRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+usageColumns+` FROM usage_records
		WHERE company_id = ? AND idempotency_key = ?
		LIMIT 1`,
		companyID, key,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func (r *repo) AggregateByFeature(ctx context.Context, db *gorm.DB, companyID snowflake.ID, start, end time.Time) ([]usagedomain.FeatureUsage, error) {
	var rows []usagedomain.FeatureUsage
	err := db.WithContext(ctx).Raw(
		`SELECT feature, COALESCE(SUM(quantity), 0) AS quantity, COALESCE(SUM(total_cost), 0) AS cost
		FROM usage_records
		WHERE company_id = ? AND occurred_at >= ? AND occurred_at < ?
		GROUP BY feature
		ORDER BY feature ASC`,
		companyID, start, end,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) LockUnsettled(ctx context.Context, db *gorm.DB, companyID snowflake.ID, start, end time.Time) ([]usagedomain.UsageRecord, error) {
	var records []usagedomain.UsageRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+usageColumns+` FROM usage_records
		WHERE company_id = ? AND settled_at IS NULL
		  AND occurred_at >= ? AND occurred_at < ?
		ORDER BY occurred_at ASC, id ASC
		FOR UPDATE`,
		companyID, start, end,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) MarkSettled(ctx context.Context, db *gorm.DB, ids []snowflake.ID, transactionID *snowflake.ID, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE usage_records
		SET settled_at = ?, settlement_transaction_id = ?
		WHERE id IN ? AND settled_at IS NULL`,
		at, transactionID, ids,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repo) ListUnsettledCompanies(ctx context.Context, db *gorm.DB, end time.Time) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT DISTINCT company_id FROM usage_records
		WHERE settled_at IS NULL AND occurred_at < ?
		ORDER BY company_id ASC`,
		end,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
