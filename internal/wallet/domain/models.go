package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/walletledger/pkg/money"
	"gorm.io/datatypes"
)

type TransactionType string

const (
	TransactionTypeDeposit    TransactionType = "DEPOSIT"
	TransactionTypeDeduct     TransactionType = "DEDUCT"
	TransactionTypeRefund     TransactionType = "REFUND"
	TransactionTypeBonus      TransactionType = "BONUS"
	TransactionTypeAdjustment TransactionType = "ADJUSTMENT"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeDeposit,
		TransactionTypeDeduct,
		TransactionTypeRefund,
		TransactionTypeBonus,
		TransactionTypeAdjustment:
		return true
	default:
		return false
	}
}

// SourceType attributes a debit to the object that caused it.
type SourceType string

const (
	SourceTypeAppSubscription      SourceType = "app_subscription"
	SourceTypePlatformSubscription SourceType = "platform_subscription"
	SourceTypeBundleSubscription   SourceType = "bundle_subscription"
	SourceTypeUsageSettlement      SourceType = "usage_settlement"
	SourceTypePlanProration        SourceType = "plan_proration"
)

// Wallet is the per-company balance. Counters are lifetime totals; the
// signed TotalAdjusted and the TotalBonus counter keep
// Balance == TotalDeposited + TotalBonus - TotalSpent + TotalRefunded + TotalAdjusted.
type Wallet struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	CompanyID      snowflake.ID `gorm:"not null;uniqueIndex:ux_wallets_company" json:"company_id"`
	Currency       string       `gorm:"type:text;not null" json:"currency"`
	Balance        int64        `gorm:"not null;default:0" json:"balance"`
	TotalDeposited int64        `gorm:"not null;default:0" json:"total_deposited"`
	TotalBonus     int64        `gorm:"not null;default:0" json:"total_bonus"`
	TotalSpent     int64        `gorm:"not null;default:0" json:"total_spent"`
	TotalRefunded  int64        `gorm:"not null;default:0" json:"total_refunded"`
	TotalAdjusted  int64        `gorm:"not null;default:0" json:"total_adjusted"`
	Version        int64        `gorm:"not null;default:0" json:"version"`
	ArchivedAt     *time.Time   `json:"archived_at,omitempty"`
	CreatedAt      time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"not null" json:"updated_at"`
}

func (Wallet) TableName() string { return "wallets" }

func (w Wallet) BalanceMoney() money.Money {
	return money.New(w.Balance, w.Currency)
}

func (w Wallet) IsArchived() bool {
	return w.ArchivedAt != nil
}

func (w Wallet) Counters() Counters {
	return Counters{
		Balance:        w.Balance,
		TotalDeposited: w.TotalDeposited,
		TotalBonus:     w.TotalBonus,
		TotalSpent:     w.TotalSpent,
		TotalRefunded:  w.TotalRefunded,
		TotalAdjusted:  w.TotalAdjusted,
	}
}

// Transaction is an append-only ledger entry. Amount is positive for every
// type except ADJUSTMENT, which carries its sign.
type Transaction struct {
	ID                    snowflake.ID      `gorm:"primaryKey" json:"id"`
	WalletID              snowflake.ID      `gorm:"not null;index:idx_wallet_transactions_wallet_created,priority:1;uniqueIndex:ux_wallet_transactions_reference,priority:1" json:"wallet_id"`
	CompanyID             snowflake.ID      `gorm:"not null;index" json:"company_id"`
	Type                  TransactionType   `gorm:"type:text;not null" json:"type"`
	Amount                int64             `gorm:"not null" json:"amount"`
	Currency              string            `gorm:"type:text;not null" json:"currency"`
	BalanceBefore         int64             `gorm:"not null" json:"balance_before"`
	BalanceAfter          int64             `gorm:"not null" json:"balance_after"`
	Description           string            `gorm:"type:text" json:"description"`
	PaymentMethod         *string           `gorm:"type:text" json:"payment_method,omitempty"`
	Reference             *string           `gorm:"type:varchar(191);uniqueIndex:ux_wallet_transactions_reference,priority:2" json:"reference,omitempty"`
	OriginalTransactionID *snowflake.ID     `json:"original_transaction_id,omitempty"`
	RelatedTransactionID  *snowflake.ID     `json:"related_transaction_id,omitempty"`
	ActorID               *string           `gorm:"type:text" json:"actor_id,omitempty"`
	SourceType            *SourceType       `gorm:"type:text" json:"source_type,omitempty"`
	SourceID              *snowflake.ID     `json:"source_id,omitempty"`
	Metadata              datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt             time.Time         `gorm:"not null;index:idx_wallet_transactions_wallet_created,priority:2" json:"created_at"`
}

func (Transaction) TableName() string { return "wallet_transactions" }

func (t Transaction) Money() money.Money {
	return money.New(t.Amount, t.Currency)
}

// Counters is the replayable projection of a wallet's transaction history.
type Counters struct {
	Balance        int64 `json:"balance"`
	TotalDeposited int64 `json:"total_deposited"`
	TotalBonus     int64 `json:"total_bonus"`
	TotalSpent     int64 `json:"total_spent"`
	TotalRefunded  int64 `json:"total_refunded"`
	TotalAdjusted  int64 `json:"total_adjusted"`
}

// Apply folds one transaction into the counters.
func (c Counters) Apply(tx Transaction) Counters {
	switch tx.Type {
	case TransactionTypeDeposit:
		c.Balance += tx.Amount
		c.TotalDeposited += tx.Amount
	case TransactionTypeBonus:
		c.Balance += tx.Amount
		c.TotalBonus += tx.Amount
	case TransactionTypeDeduct:
		c.Balance -= tx.Amount
		c.TotalSpent += tx.Amount
	case TransactionTypeRefund:
		c.Balance += tx.Amount
		c.TotalRefunded += tx.Amount
	case TransactionTypeAdjustment:
		c.Balance += tx.Amount
		c.TotalAdjusted += tx.Amount
	}
	return c
}

// Replay folds transactions, which must be ordered by (created_at, id), from zero.
func Replay(txs []Transaction) Counters {
	var c Counters
	for _, tx := range txs {
		c = c.Apply(tx)
	}
	return c
}

// Consistent reports whether the balance equals the signed sum of counters.
func (c Counters) Consistent() bool {
	return c.Balance == c.TotalDeposited+c.TotalBonus-c.TotalSpent+c.TotalRefunded+c.TotalAdjusted
}

type TransactionCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type TransactionFilter struct {
	WalletID  snowflake.ID
	Types     []TransactionType
	From      *time.Time
	To        *time.Time
	Cursor    *TransactionCursor
	Ascending bool
	Limit     int
}
