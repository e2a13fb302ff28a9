package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/smallbiznis/walletledger/internal/observability/metrics"
	walletdomain "github.com/smallbiznis/walletledger/internal/wallet/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() walletdomain.Repository {
	return &repo{}
}

const walletColumns = `id, company_id, currency, balance, total_deposited, total_bonus, total_spent,
	total_refunded, total_adjusted, version, archived_at, created_at, updated_at`

func (r *repo) FindByCompanyID(ctx context.Context, db *gorm.DB, companyID snowflake.ID) (*walletdomain.Wallet, error) {
	return r.findWallet(ctx, db, `SELECT `+walletColumns+` FROM wallets WHERE company_id = ?`, companyID)
}

func (r *repo) FindByCompanyIDForUpdate(ctx context.Context, db *gorm.DB, companyID snowflake.ID) (*walletdomain.Wallet, error) {
	lockStart := time.Now()
	wallet, err := r.findWallet(ctx, db, `SELECT `+walletColumns+` FROM wallets WHERE company_id = ? FOR UPDATE`, companyID)
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceWallet, time.Since(lockStart))
	return wallet, err
}

func (r *repo) findWallet(ctx context.Context, db *gorm.DB, query string, args ...any) (*walletdomain.Wallet, error) {
	var wallets []walletdomain.Wallet
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&wallets).Error; err != nil {
		return nil, err
	}
	if len(wallets) == 0 {
		return nil, nil
	}
	return &wallets[0], nil
}

func (r *repo) InsertIfAbsent(ctx context.Context, db *gorm.DB, wallet *walletdomain.Wallet) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "company_id"}},
			DoNothing: true,
		}).
		Create(wallet).Error
}

func (r *repo) UpdateCounters(ctx context.Context, db *gorm.DB, wallet *walletdomain.Wallet, expectedVersion int64) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE wallets SET
			balance = ?, total_deposited = ?, total_bonus = ?, total_spent = ?,
			total_refunded = ?, total_adjusted = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		wallet.Balance,
		wallet.TotalDeposited,
		wallet.TotalBonus,
		wallet.TotalSpent,
		wallet.TotalRefunded,
		wallet.TotalAdjusted,
		wallet.Version,
		wallet.UpdatedAt,
		wallet.ID,
		expectedVersion,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) Archive(ctx context.Context, db *gorm.DB, walletID snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE wallets SET archived_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND archived_at IS NULL`,
		at, at, walletID,
	).Error
}

func (r *repo) InsertTransactions(ctx context.Context, db *gorm.DB, txs []walletdomain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	for i := range txs {
		tx := txs[i]
		if err := db.WithContext(ctx).Exec(
			`INSERT INTO wallet_transactions (
				id, wallet_id, company_id, type, amount, currency, balance_before, balance_after,
				description, payment_method, reference, original_transaction_id, related_transaction_id,
				actor_id, source_type, source_id, metadata, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tx.ID,
			tx.WalletID,
			tx.CompanyID,
			tx.Type,
			tx.Amount,
			tx.Currency,
			tx.BalanceBefore,
			tx.BalanceAfter,
			tx.Description,
			tx.PaymentMethod,
			tx.Reference,
			tx.OriginalTransactionID,
			tx.RelatedTransactionID,
			tx.ActorID,
			tx.SourceType,
			tx.SourceID,
			tx.Metadata,
			tx.CreatedAt,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) FindTransactionByID(ctx context.Context, db *gorm.DB, walletID, id snowflake.ID) (*walletdomain.Transaction, error) {
	return r.findTransaction(ctx, db.Where("wallet_id = ? AND id = ?", walletID, id))
}

func (r *repo) FindTransactionByReference(ctx context.Context, db *gorm.DB, walletID snowflake.ID, reference string) (*walletdomain.Transaction, error) {
	return r.findTransaction(ctx, db.Where("wallet_id = ? AND reference = ?", walletID, reference))
}

func (r *repo) FindRelatedTransaction(ctx context.Context, db *gorm.DB, walletID, id snowflake.ID) (*walletdomain.Transaction, error) {
	return r.findTransaction(ctx, db.Where("wallet_id = ? AND related_transaction_id = ?", walletID, id))
}

func (r *repo) findTransaction(ctx context.Context, stmt *gorm.DB) (*walletdomain.Transaction, error) {
	var tx walletdomain.Transaction
	err := stmt.WithContext(ctx).Model(&walletdomain.Transaction{}).Take(&tx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &tx, nil
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, filter walletdomain.TransactionFilter) ([]walletdomain.Transaction, error) {
	var items []walletdomain.Transaction
	stmt := db.WithContext(ctx).Model(&walletdomain.Transaction{}).
		Where("wallet_id = ?", filter.WalletID)

	if len(filter.Types) > 0 {
		stmt = stmt.Where("type IN ?", filter.Types)
	}
	if filter.From != nil {
		stmt = stmt.Where("created_at >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		stmt = stmt.Where("created_at < ?", filter.To.UTC())
	}
	if filter.Cursor != nil {
		if filter.Ascending {
			stmt = stmt.Where("(created_at > ?) OR (created_at = ? AND id > ?)",
				filter.Cursor.CreatedAt, filter.Cursor.CreatedAt, filter.Cursor.ID)
		} else {
			stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
				filter.Cursor.CreatedAt, filter.Cursor.CreatedAt, filter.Cursor.ID)
		}
	}

	if filter.Ascending {
		stmt = stmt.Order("created_at asc, id asc")
	} else {
		stmt = stmt.Order("created_at desc, id desc")
	}
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListAllTransactions(ctx context.Context, db *gorm.DB, walletID snowflake.ID) ([]walletdomain.Transaction, error) {
	var items []walletdomain.Transaction
	err := db.WithContext(ctx).
		Where("wallet_id = ?", walletID).
		Order("created_at asc, id asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
