package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	auditdomain "github.com/smallbiznis/walletledger/internal/audit/domain"
	"github.com/smallbiznis/walletledger/internal/clock"
	"github.com/smallbiznis/walletledger/internal/config"
	"github.com/smallbiznis/walletledger/internal/observability/metrics"
	walletdomain "github.com/smallbiznis/walletledger/internal/wallet/domain"
	"github.com/smallbiznis/walletledger/pkg/db"
	"github.com/smallbiznis/walletledger/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// errVersionMismatch marks a lost optimistic race; mutate retries it.
var errVersionMismatch = errors.New("wallet_version_mismatch")

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Config  config.Config
	Policy  *config.BillingConfigHolder
	Repo    walletdomain.Repository
	Audit   auditdomain.Service
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	currency string
	policy   *config.BillingConfigHolder
	repo     walletdomain.Repository
	audit    auditdomain.Service
	metrics  *metrics.Metrics
}

func NewService(p Params) walletdomain.Service {
	currency := money.NormalizeCurrency(p.Config.Currency)
	if currency == "" {
		currency = "IDR"
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("wallet.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		currency: currency,
		policy:   p.Policy,
		repo:     p.Repo,
		audit:    p.Audit,
		metrics:  p.Metrics,
	}
}

// walletMutation validates against the locked wallet and returns the entries
// to append. Balances, counters and identifiers are filled in by mutateTx.
type walletMutation func(tx *gorm.DB, wallet *walletdomain.Wallet, now time.Time) ([]walletdomain.Transaction, error)

type mutationResult struct {
	wallet       walletdomain.Wallet
	transactions []walletdomain.Transaction
}

// duplicateDeposit short-circuits a mutation when the reference is known.
type duplicateDeposit struct {
	existing walletdomain.Transaction
}

func (d *duplicateDeposit) Error() string { return "duplicate_deposit" }

func (s *Service) Deposit(ctx context.Context, req walletdomain.DepositRequest) (walletdomain.DepositResult, error) {
	if req.CompanyID == 0 {
		return walletdomain.DepositResult{}, walletdomain.ErrInvalidCompany
	}
	if req.Amount <= 0 {
		return walletdomain.DepositResult{}, walletdomain.ErrInvalidAmount
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return walletdomain.DepositResult{}, walletdomain.ErrMissingReference
	}

	result, err := s.mutate(ctx, req.CompanyID, "deposit", func(tx *gorm.DB, wallet *walletdomain.Wallet, now time.Time) ([]walletdomain.Transaction, error) {
		existing, err := s.repo.FindTransactionByReference(ctx, tx, wallet.ID, reference)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, &duplicateDeposit{existing: *existing}
		}

		amount := money.New(req.Amount, wallet.Currency)
		bonus, err := computeBonus(amount, s.policy.Get().BonusTiers)
		if err != nil {
			return nil, err
		}

		deposit := walletdomain.Transaction{
			ID:            s.genID.Generate(),
			Type:          walletdomain.TransactionTypeDeposit,
			Amount:        amount.Amount,
			Description:   "Wallet recharge",
			PaymentMethod: optionalString(req.PaymentMethod),
			Reference:     &reference,
			Metadata:      metadataOf(req.Metadata),
		}
		if bonus.IsZero() {
			return []walletdomain.Transaction{deposit}, nil
		}

		bonusTx := walletdomain.Transaction{
			ID:                   s.genID.Generate(),
			Type:                 walletdomain.TransactionTypeBonus,
			Amount:               bonus.Amount,
			Description:          fmt.Sprintf("Recharge bonus for %s", amount.String()),
			RelatedTransactionID: &deposit.ID,
		}
		deposit.RelatedTransactionID = &bonusTx.ID
		return []walletdomain.Transaction{deposit, bonusTx}, nil
	})
	if err != nil {
		var dup *duplicateDeposit
		if errors.As(err, &dup) {
			return s.duplicateResult(ctx, req.CompanyID, dup.existing)
		}
		if db.IsDuplicateKeyErr(err) {
			// Lost a race on the unique reference; the winner's row is committed.
			return s.depositByReference(ctx, req.CompanyID, reference)
		}
		return walletdomain.DepositResult{}, err
	}

	out := walletdomain.DepositResult{
		Wallet:      result.wallet,
		Transaction: result.transactions[0],
	}
	if len(result.transactions) > 1 {
		bonus := result.transactions[1]
		out.Bonus = &bonus
	}

	s.log.Info("wallet deposit recorded",
		zap.String("company_id", req.CompanyID.String()),
		zap.Int64("amount", out.Transaction.Amount),
		zap.Int64("balance", result.wallet.Balance),
	)
	return out, nil
}

func (s *Service) duplicateResult(ctx context.Context, companyID snowflake.ID, existing walletdomain.Transaction) (walletdomain.DepositResult, error) {
	if existing.Type != walletdomain.TransactionTypeDeposit {
		return walletdomain.DepositResult{}, walletdomain.ErrDuplicateReference
	}
	wallet, err := s.repo.FindByCompanyID(ctx, s.db, companyID)
	if err != nil {
		return walletdomain.DepositResult{}, err
	}
	if wallet == nil {
		return walletdomain.DepositResult{}, walletdomain.ErrWalletNotFound
	}

	out := walletdomain.DepositResult{Wallet: *wallet, Transaction: existing, Duplicate: true}
	if existing.RelatedTransactionID != nil {
		bonus, err := s.repo.FindTransactionByID(ctx, s.db, wallet.ID, *existing.RelatedTransactionID)
		if err != nil {
			return walletdomain.DepositResult{}, err
		}
		out.Bonus = bonus
	}
	return out, nil
}

func (s *Service) depositByReference(ctx context.Context, companyID snowflake.ID, reference string) (walletdomain.DepositResult, error) {
	wallet, err := s.repo.FindByCompanyID(ctx, s.db, companyID)
	if err != nil {
		return walletdomain.DepositResult{}, err
	}
	if wallet == nil {
		return walletdomain.DepositResult{}, walletdomain.ErrWalletNotFound
	}
	existing, err := s.repo.FindTransactionByReference(ctx, s.db, wallet.ID, reference)
	if err != nil {
		return walletdomain.DepositResult{}, err
	}
	if existing == nil {
		return walletdomain.DepositResult{}, walletdomain.ErrConflict
	}
	return s.duplicateResult(ctx, companyID, *existing)
}

func (s *Service) Deduct(ctx context.Context, req walletdomain.DeductRequest) (walletdomain.Transaction, error) {
	if err := validateDeduct(req); err != nil {
		return walletdomain.Transaction{}, err
	}

	result, err := s.mutate(ctx, req.CompanyID, "deduct", s.deductMutation(req))
	if err != nil {
		s.recordDeductFailure(ctx, req, err)
		return walletdomain.Transaction{}, err
	}
	return result.transactions[0], nil
}

func (s *Service) DeductTx(ctx context.Context, tx *gorm.DB, req walletdomain.DeductRequest) (walletdomain.Transaction, error) {
	if err := validateDeduct(req); err != nil {
		return walletdomain.Transaction{}, err
	}

	var result mutationResult
	// Savepoint so a rejected debit leaves the caller's transaction usable.
	err := tx.Transaction(func(inner *gorm.DB) error {
		var err error
		result, err = s.mutateTx(ctx, inner, req.CompanyID, s.deductMutation(req))
		return err
	})
	if err != nil {
		s.recordDeductFailure(ctx, req, err)
		if errors.Is(err, errVersionMismatch) {
			return walletdomain.Transaction{}, walletdomain.ErrConflict
		}
		return walletdomain.Transaction{}, err
	}
	return result.transactions[0], nil
}

func validateDeduct(req walletdomain.DeductRequest) error {
	if req.CompanyID == 0 {
		return walletdomain.ErrInvalidCompany
	}
	if req.Amount <= 0 {
		return walletdomain.ErrInvalidAmount
	}
	return nil
}

func (s *Service) deductMutation(req walletdomain.DeductRequest) walletMutation {
	return func(_ *gorm.DB, _ *walletdomain.Wallet, _ time.Time) ([]walletdomain.Transaction, error) {
		entry := walletdomain.Transaction{
			Type:        walletdomain.TransactionTypeDeduct,
			Amount:      req.Amount,
			Description: strings.TrimSpace(req.Description),
			Metadata:    metadataOf(req.Metadata),
		}
		if req.Source != nil {
			sourceType := req.Source.Type
			sourceID := req.Source.ID
			entry.SourceType = &sourceType
			if sourceID != 0 {
				entry.SourceID = &sourceID
			}
		}
		return []walletdomain.Transaction{entry}, nil
	}
}

func (s *Service) recordDeductFailure(ctx context.Context, req walletdomain.DeductRequest, err error) {
	if !errors.Is(err, walletdomain.ErrInsufficientFunds) {
		return
	}
	sourceType := ""
	if req.Source != nil {
		sourceType = string(req.Source.Type)
	}
	s.metrics.RecordInsufficientFunds(ctx, sourceType)
	s.log.Debug("wallet deduct rejected",
		zap.String("company_id", req.CompanyID.String()),
		zap.Int64("amount", req.Amount),
		zap.String("source_type", sourceType),
	)
}

func (s *Service) Refund(ctx context.Context, req walletdomain.RefundRequest) (walletdomain.Transaction, error) {
	if req.CompanyID == 0 {
		return walletdomain.Transaction{}, walletdomain.ErrInvalidCompany
	}
	if req.Amount <= 0 {
		return walletdomain.Transaction{}, walletdomain.ErrInvalidAmount
	}

	result, err := s.mutate(ctx, req.CompanyID, "refund", func(tx *gorm.DB, wallet *walletdomain.Wallet, _ time.Time) ([]walletdomain.Transaction, error) {
		entry := walletdomain.Transaction{
			Type:        walletdomain.TransactionTypeRefund,
			Amount:      req.Amount,
			Description: strings.TrimSpace(req.Description),
			Metadata:    metadataOf(req.Metadata),
		}
		if req.OriginalTransactionID != nil {
			original, err := s.repo.FindTransactionByID(ctx, tx, wallet.ID, *req.OriginalTransactionID)
			if err != nil {
				return nil, err
			}
			if original == nil {
				return nil, walletdomain.ErrTransactionNotFound
			}
			originalID := original.ID
			entry.OriginalTransactionID = &originalID
		}
		return []walletdomain.Transaction{entry}, nil
	})
	if err != nil {
		return walletdomain.Transaction{}, err
	}
	return result.transactions[0], nil
}

func (s *Service) Adjust(ctx context.Context, req walletdomain.AdjustmentRequest) (walletdomain.Transaction, error) {
	if req.CompanyID == 0 {
		return walletdomain.Transaction{}, walletdomain.ErrInvalidCompany
	}
	actorID := strings.TrimSpace(req.ActorID)
	if actorID == "" {
		return walletdomain.Transaction{}, walletdomain.ErrMissingActor
	}
	if req.Amount == 0 {
		return walletdomain.Transaction{}, walletdomain.ErrInvalidAmount
	}

	result, err := s.mutate(ctx, req.CompanyID, "adjust", func(tx *gorm.DB, wallet *walletdomain.Wallet, _ time.Time) ([]walletdomain.Transaction, error) {
		entry := walletdomain.Transaction{
			ID:          s.genID.Generate(),
			Type:        walletdomain.TransactionTypeAdjustment,
			Amount:      req.Amount,
			Description: strings.TrimSpace(req.Description),
			ActorID:     &actorID,
		}
		if err := s.audit.RecordTx(ctx, tx, auditdomain.Entry{
			CompanyID:  req.CompanyID,
			ActorType:  string(auditdomain.ActorTypeOperator),
			ActorID:    actorID,
			Action:     auditdomain.ActionWalletAdjusted,
			TargetType: "wallet",
			TargetID:   wallet.ID.String(),
			Metadata: map[string]any{
				"amount":         req.Amount,
				"currency":       wallet.Currency,
				"description":    entry.Description,
				"transaction_id": entry.ID.String(),
			},
		}); err != nil {
			return nil, err
		}
		return []walletdomain.Transaction{entry}, nil
	})
	if err != nil {
		return walletdomain.Transaction{}, err
	}

	s.log.Info("wallet adjusted",
		zap.String("company_id", req.CompanyID.String()),
		zap.String("actor_id", actorID),
		zap.Int64("amount", req.Amount),
	)
	return result.transactions[0], nil
}

func (s *Service) GetBalance(ctx context.Context, companyID snowflake.ID) (walletdomain.Wallet, error) {
	if companyID == 0 {
		return walletdomain.Wallet{}, walletdomain.ErrInvalidCompany
	}
	wallet, err := s.repo.FindByCompanyID(ctx, s.db, companyID)
	if err != nil {
		return walletdomain.Wallet{}, fmt.Errorf("get wallet: %w", err)
	}
	if wallet == nil {
		return walletdomain.Wallet{CompanyID: companyID, Currency: s.currency}, nil
	}
	return *wallet, nil
}

func (s *Service) ArchiveWallet(ctx context.Context, companyID snowflake.ID) (walletdomain.Wallet, error) {
	if companyID == 0 {
		return walletdomain.Wallet{}, walletdomain.ErrInvalidCompany
	}

	var archived walletdomain.Wallet
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := s.repo.FindByCompanyIDForUpdate(ctx, tx, companyID)
		if err != nil {
			return err
		}
		if wallet == nil {
			return walletdomain.ErrWalletNotFound
		}
		if wallet.IsArchived() {
			archived = *wallet
			return nil
		}

		now := s.clock.Now().UTC()
		if err := s.repo.Archive(ctx, tx, wallet.ID, now); err != nil {
			return err
		}
		if err := s.audit.RecordTx(ctx, tx, auditdomain.Entry{
			CompanyID:  companyID,
			Action:     auditdomain.ActionWalletArchived,
			TargetType: "wallet",
			TargetID:   wallet.ID.String(),
			Metadata:   map[string]any{"balance": wallet.Balance},
		}); err != nil {
			return err
		}

		wallet.ArchivedAt = &now
		wallet.UpdatedAt = now
		wallet.Version++
		archived = *wallet
		return nil
	})
	if err != nil {
		return walletdomain.Wallet{}, err
	}
	return archived, nil
}

// mutate runs fn under a row lock with optimistic version checking and
// retries lost races with exponential backoff before giving up with ErrConflict.
func (s *Service) mutate(ctx context.Context, companyID snowflake.ID, operation string, fn walletMutation) (mutationResult, error) {
	attempts := s.policy.Get().OptimisticRetries
	if attempts <= 0 {
		attempts = 1
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond

	result, err := backoff.Retry(ctx, func() (mutationResult, error) {
		var out mutationResult
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			out, err = s.mutateTx(ctx, tx, companyID, fn)
			return err
		})
		if err == nil {
			return out, nil
		}
		if isRetryable(err) {
			s.metrics.RecordOptimisticRetry(ctx, operation)
			return mutationResult{}, err
		}
		return mutationResult{}, backoff.Permanent(err)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(attempts)))
	if err != nil {
		if isRetryable(err) {
			s.log.Warn("wallet mutation exhausted retries",
				zap.String("operation", operation),
				zap.String("company_id", companyID.String()),
				zap.Error(err),
			)
			return mutationResult{}, walletdomain.ErrConflict
		}
		return mutationResult{}, err
	}
	return result, nil
}

func isRetryable(err error) bool {
	return errors.Is(err, errVersionMismatch) || db.IsRetryableTxErr(err)
}

// mutateTx locks (or lazily creates) the company wallet, applies the entries
// returned by fn and persists both with a conditional version update.
func (s *Service) mutateTx(ctx context.Context, tx *gorm.DB, companyID snowflake.ID, fn walletMutation) (mutationResult, error) {
	wallet, err := s.lockWallet(ctx, tx, companyID)
	if err != nil {
		return mutationResult{}, err
	}
	if wallet.IsArchived() {
		return mutationResult{}, walletdomain.ErrWalletArchived
	}
	if wallet.Currency != s.currency {
		return mutationResult{}, walletdomain.ErrCurrencyMismatch
	}

	now := s.clock.Now().UTC()
	entries, err := fn(tx, wallet, now)
	if err != nil {
		return mutationResult{}, err
	}

	counters := wallet.Counters()
	for i := range entries {
		entry := &entries[i]
		if entry.ID == 0 {
			entry.ID = s.genID.Generate()
		}
		entry.WalletID = wallet.ID
		entry.CompanyID = wallet.CompanyID
		entry.Currency = wallet.Currency
		entry.CreatedAt = now
		entry.BalanceBefore = counters.Balance
		counters = counters.Apply(*entry)
		entry.BalanceAfter = counters.Balance
		if counters.Balance < 0 {
			return mutationResult{}, walletdomain.ErrInsufficientFunds
		}
	}
	if !counters.Consistent() {
		return mutationResult{}, walletdomain.ErrInvariantViolation
	}

	expectedVersion := wallet.Version
	wallet.Balance = counters.Balance
	wallet.TotalDeposited = counters.TotalDeposited
	wallet.TotalBonus = counters.TotalBonus
	wallet.TotalSpent = counters.TotalSpent
	wallet.TotalRefunded = counters.TotalRefunded
	wallet.TotalAdjusted = counters.TotalAdjusted
	wallet.Version = expectedVersion + 1
	wallet.UpdatedAt = now

	updated, err := s.repo.UpdateCounters(ctx, tx, wallet, expectedVersion)
	if err != nil {
		return mutationResult{}, err
	}
	if !updated {
		return mutationResult{}, errVersionMismatch
	}
	if err := s.repo.InsertTransactions(ctx, tx, entries); err != nil {
		return mutationResult{}, err
	}

	for _, entry := range entries {
		s.metrics.RecordLedgerTransaction(ctx, string(entry.Type), entry.Currency, entry.Amount)
	}
	return mutationResult{wallet: *wallet, transactions: entries}, nil
}

func (s *Service) lockWallet(ctx context.Context, tx *gorm.DB, companyID snowflake.ID) (*walletdomain.Wallet, error) {
	wallet, err := s.repo.FindByCompanyIDForUpdate(ctx, tx, companyID)
	if err != nil {
		return nil, err
	}
	if wallet != nil {
		return wallet, nil
	}

	now := s.clock.Now().UTC()
	if err := s.repo.InsertIfAbsent(ctx, tx, &walletdomain.Wallet{
		ID:        s.genID.Generate(),
		CompanyID: companyID,
		Currency:  s.currency,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, err
	}

	wallet, err = s.repo.FindByCompanyIDForUpdate(ctx, tx, companyID)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, walletdomain.ErrWalletNotFound
	}
	return wallet, nil
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func metadataOf(input map[string]any) datatypes.JSONMap {
	if len(input) == 0 {
		return datatypes.JSONMap{}
	}
	out := make(datatypes.JSONMap, len(input))
	for key, value := range input {
		if strings.TrimSpace(key) == "" {
			continue
		}
		out[key] = value
	}
	return out
}
