package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/walletledger/pkg/db/pagination"
	"gorm.io/gorm"
)

type DepositRequest struct {
	CompanyID     snowflake.ID
	Amount        int64
	PaymentMethod string
	Reference     string
	Metadata      map[string]any
}

// DepositResult carries the DEPOSIT entry and, when a tier applied, the
// linked BONUS entry. Duplicate is set when Reference was already recorded
// and nothing changed.
type DepositResult struct {
	Wallet      Wallet       `json:"wallet"`
	Transaction Transaction  `json:"transaction"`
	Bonus       *Transaction `json:"bonus,omitempty"`
	Duplicate   bool         `json:"duplicate"`
}

type Source struct {
	Type SourceType
	ID   snowflake.ID
}

type DeductRequest struct {
	CompanyID   snowflake.ID
	Amount      int64
	Description string
	Metadata    map[string]any
	Source      *Source
}

type RefundRequest struct {
	CompanyID             snowflake.ID
	Amount                int64
	OriginalTransactionID *snowflake.ID
	Description           string
	Metadata              map[string]any
}

type AdjustmentRequest struct {
	CompanyID   snowflake.ID
	Amount      int64
	Description string
	ActorID     string
}

type ListTransactionsRequest struct {
	CompanyID snowflake.ID
	Types     []TransactionType
	From      *time.Time
	To        *time.Time
	PageToken string
	PageSize  int
	Ascending bool
}

type ListTransactionsResponse struct {
	pagination.PageInfo
	Transactions []Transaction `json:"transactions"`
}

type ReconcileReport struct {
	WalletID         snowflake.ID `json:"wallet_id"`
	CompanyID        snowflake.ID `json:"company_id"`
	Stored           Counters     `json:"stored"`
	Replayed         Counters     `json:"replayed"`
	TransactionCount int          `json:"transaction_count"`
	Consistent       bool         `json:"consistent"`
}

type Service interface {
	Deposit(ctx context.Context, req DepositRequest) (DepositResult, error)
	Deduct(ctx context.Context, req DeductRequest) (Transaction, error)
	// DeductTx debits inside the caller's transaction. The caller owns commit
	// and retry.
	DeductTx(ctx context.Context, tx *gorm.DB, req DeductRequest) (Transaction, error)
	Refund(ctx context.Context, req RefundRequest) (Transaction, error)
	Adjust(ctx context.Context, req AdjustmentRequest) (Transaction, error)
	GetBalance(ctx context.Context, companyID snowflake.ID) (Wallet, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)
	Reconcile(ctx context.Context, companyID snowflake.ID) (ReconcileReport, error)
	ArchiveWallet(ctx context.Context, companyID snowflake.ID) (Wallet, error)
}

type Repository interface {
	FindByCompanyID(ctx context.Context, db *gorm.DB, companyID snowflake.ID) (*Wallet, error)
	FindByCompanyIDForUpdate(ctx context.Context, db *gorm.DB, companyID snowflake.ID) (*Wallet, error)
	// InsertIfAbsent creates the wallet unless one already exists for the company.
	InsertIfAbsent(ctx context.Context, db *gorm.DB, wallet *Wallet) error
	// UpdateCounters writes balance and counters when the stored version
	// still equals expectedVersion. It reports whether a row was updated.
	UpdateCounters(ctx context.Context, db *gorm.DB, wallet *Wallet, expectedVersion int64) (bool, error)
	Archive(ctx context.Context, db *gorm.DB, walletID snowflake.ID, at time.Time) error

	InsertTransactions(ctx context.Context, db *gorm.DB, txs []Transaction) error
	FindTransactionByID(ctx context.Context, db *gorm.DB, walletID, id snowflake.ID) (*Transaction, error)
	FindTransactionByReference(ctx context.Context, db *gorm.DB, walletID snowflake.ID, reference string) (*Transaction, error)
	FindRelatedTransaction(ctx context.Context, db *gorm.DB, walletID, id snowflake.ID) (*Transaction, error)
	ListTransactions(ctx context.Context, db *gorm.DB, filter TransactionFilter) ([]Transaction, error)
	ListAllTransactions(ctx context.Context, db *gorm.DB, walletID snowflake.ID) ([]Transaction, error)
}
