package domain

import "github.com/smallbiznis/walletledger/pkg/ledgererr"

var (
	ErrInvalidCompany         = ledgererr.New(ledgererr.KindValidation, "invalid_company")
	ErrInvalidAmount          = ledgererr.New(ledgererr.KindValidation, "invalid_amount")
	ErrMissingReference       = ledgererr.New(ledgererr.KindValidation, "missing_reference")
	ErrMissingActor           = ledgererr.New(ledgererr.KindValidation, "missing_actor")
	ErrInvalidTransactionType = ledgererr.New(ledgererr.KindValidation, "invalid_transaction_type")
	ErrInvalidTimeRange       = ledgererr.New(ledgererr.KindValidation, "invalid_time_range")
	ErrInvalidPageToken       = ledgererr.New(ledgererr.KindValidation, "invalid_page_token")
	ErrCurrencyMismatch       = ledgererr.New(ledgererr.KindValidation, "currency_mismatch")
	ErrInsufficientFunds      = ledgererr.New(ledgererr.KindInsufficientFunds, "insufficient_funds")
	ErrConflict               = ledgererr.New(ledgererr.KindConflict, "version_conflict")
	ErrWalletArchived         = ledgererr.New(ledgererr.KindConflict, "wallet_archived")
	ErrDuplicateReference     = ledgererr.New(ledgererr.KindDuplicateReference, "duplicate_reference")
	ErrWalletNotFound         = ledgererr.New(ledgererr.KindNotFound, "wallet_not_found")
	ErrTransactionNotFound    = ledgererr.New(ledgererr.KindNotFound, "transaction_not_found")
	ErrInvariantViolation     = ledgererr.New(ledgererr.KindFatal, "invariant_violation")
)
