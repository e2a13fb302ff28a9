package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/walletledger/internal/audit/domain"
	walletdomain "github.com/smallbiznis/walletledger/internal/wallet/domain"
	"github.com/smallbiznis/walletledger/pkg/db/pagination"
	"go.uber.org/zap"
)

func (s *Service) ListTransactions(ctx context.Context, req walletdomain.ListTransactionsRequest) (walletdomain.ListTransactionsResponse, error) {
	if req.CompanyID == 0 {
		return walletdomain.ListTransactionsResponse{}, walletdomain.ErrInvalidCompany
	}
	for _, txType := range req.Types {
		if !txType.Valid() {
			return walletdomain.ListTransactionsResponse{}, walletdomain.ErrInvalidTransactionType
		}
	}
	if req.From != nil && req.To != nil && !req.From.Before(*req.To) {
		return walletdomain.ListTransactionsResponse{}, walletdomain.ErrInvalidTimeRange
	}

	cursor, err := decodeTransactionCursor(req.PageToken)
	if err != nil {
		return walletdomain.ListTransactionsResponse{}, err
	}

	wallet, err := s.repo.FindByCompanyID(ctx, s.db, req.CompanyID)
	if err != nil {
		return walletdomain.ListTransactionsResponse{}, fmt.Errorf("list transactions: %w", err)
	}
	if wallet == nil {
		return walletdomain.ListTransactionsResponse{Transactions: []walletdomain.Transaction{}}, nil
	}

	pageSize := pagination.NormalizePageSize(req.PageSize)
	items, err := s.repo.ListTransactions(ctx, s.db, walletdomain.TransactionFilter{
		WalletID:  wallet.ID,
		Types:     req.Types,
		From:      req.From,
		To:        req.To,
		Cursor:    cursor,
		Ascending: req.Ascending,
		Limit:     pageSize,
	})
	if err != nil {
		return walletdomain.ListTransactionsResponse{}, fmt.Errorf("list transactions: %w", err)
	}

	page, pageInfo := pagination.BuildCursorPage(items, pageSize, func(item walletdomain.Transaction) pagination.Cursor {
		return pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
	})
	if page == nil {
		page = []walletdomain.Transaction{}
	}

	return walletdomain.ListTransactionsResponse{PageInfo: pageInfo, Transactions: page}, nil
}

func decodeTransactionCursor(token string) (*walletdomain.TransactionCursor, error) {
	decoded, err := pagination.DecodeCursor(token)
	if err != nil {
		return nil, walletdomain.ErrInvalidPageToken
	}
	if decoded == nil {
		return nil, nil
	}
	createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
	if err != nil {
		return nil, walletdomain.ErrInvalidPageToken
	}
	id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
	if err != nil || id == 0 {
		return nil, walletdomain.ErrInvalidPageToken
	}
	return &walletdomain.TransactionCursor{ID: id, CreatedAt: createdAt}, nil
}

// Reconcile replays the full history and compares it with the stored
// counters. It never corrects a mismatch.
func (s *Service) Reconcile(ctx context.Context, companyID snowflake.ID) (walletdomain.ReconcileReport, error) {
	if companyID == 0 {
		return walletdomain.ReconcileReport{}, walletdomain.ErrInvalidCompany
	}

	wallet, err := s.repo.FindByCompanyID(ctx, s.db, companyID)
	if err != nil {
		return walletdomain.ReconcileReport{}, fmt.Errorf("reconcile: %w", err)
	}
	if wallet == nil {
		return walletdomain.ReconcileReport{}, walletdomain.ErrWalletNotFound
	}

	txs, err := s.repo.ListAllTransactions(ctx, s.db, wallet.ID)
	if err != nil {
		return walletdomain.ReconcileReport{}, fmt.Errorf("reconcile: %w", err)
	}

	stored := wallet.Counters()
	replayed := walletdomain.Replay(txs)
	report := walletdomain.ReconcileReport{
		WalletID:         wallet.ID,
		CompanyID:        companyID,
		Stored:           stored,
		Replayed:         replayed,
		TransactionCount: len(txs),
		Consistent:       stored == replayed && stored.Consistent(),
	}
	if report.Consistent {
		return report, nil
	}

	s.log.Error("wallet invariant violation",
		zap.String("company_id", companyID.String()),
		zap.String("wallet_id", wallet.ID.String()),
		zap.Any("stored", stored),
		zap.Any("replayed", replayed),
	)
	s.metrics.RecordInvariantViolation(ctx)
	if err := s.audit.Record(ctx, auditdomain.Entry{
		CompanyID:  companyID,
		Action:     auditdomain.ActionWalletInvariantViolation,
		TargetType: "wallet",
		TargetID:   wallet.ID.String(),
		Metadata: map[string]any{
			"stored_balance":    stored.Balance,
			"replayed_balance":  replayed.Balance,
			"transaction_count": len(txs),
		},
	}); err != nil {
		s.log.Warn("failed to audit invariant violation", zap.Error(err))
	}
	return report, walletdomain.ErrInvariantViolation
}
