package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/walletledger/internal/clock"
	"github.com/smallbiznis/walletledger/internal/config"
	"github.com/smallbiznis/walletledger/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/walletledger/internal/usage/domain"
	"github.com/smallbiznis/walletledger/internal/usage/liveevents"
	walletdomain "github.com/smallbiznis/walletledger/internal/wallet/domain"
	"github.com/smallbiznis/walletledger/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxFeatureLength = 128

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Repo       usagedomain.Repository
	Wallet     walletdomain.Service
	Metrics    *metrics.Metrics `optional:"true"`
	LiveEvents *liveevents.Hub  `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	currency   string
	repo       usagedomain.Repository
	wallet     walletdomain.Service
	metrics    *metrics.Metrics
	liveEvents *liveevents.Hub
}

func NewService(p Params) usagedomain.Service {
	currency := money.NormalizeCurrency(p.Config.Currency)
	if currency == "" {
		currency = "IDR"
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("usage.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		currency:   currency,
		repo:       p.Repo,
		wallet:     p.Wallet,
		metrics:    p.Metrics,
		liveEvents: p.LiveEvents,
	}
}

func (s *Service) RecordUsage(ctx context.Context, req usagedomain.RecordUsageRequest) (usagedomain.UsageRecord, error) {
	if req.CompanyID == 0 {
		return usagedomain.UsageRecord{}, usagedomain.ErrInvalidCompany
	}
	feature := strings.TrimSpace(req.Feature)
	if feature == "" || len(feature) > maxFeatureLength {
		return usagedomain.UsageRecord{}, usagedomain.ErrInvalidFeature
	}
	if req.Quantity <= 0 {
		return usagedomain.UsageRecord{}, usagedomain.ErrInvalidQuantity
	}
	if req.UnitCost < 0 {
		return usagedomain.UsageRecord{}, usagedomain.ErrInvalidUnitCost
	}
	total, err := money.New(req.UnitCost, s.currency).Mul(req.Quantity)
	if err != nil {
		return usagedomain.UsageRecord{}, usagedomain.ErrCostOverflow
	}

	idempotencyKey := normalizeIdempotencyKey(req.IdempotencyKey)
	if idempotencyKey != nil {
		existing, err := s.repo.FindByIdempotencyKey(ctx, s.db, req.CompanyID, *idempotencyKey)
		if err != nil {
			return usagedomain.UsageRecord{}, fmt.Errorf("record usage: %w", err)
		}
		if existing != nil {
			s.publish(*existing, liveevents.StatusDeduplicated)
			return *existing, nil
		}
	}

	now := s.clock.Now().UTC()
	occurredAt := req.OccurredAt.UTC()
	if req.OccurredAt.IsZero() {
		occurredAt = now
	}

	record := usagedomain.UsageRecord{
		ID:             s.genID.Generate(),
		CompanyID:      req.CompanyID,
		Feature:        feature,
		Quantity:       req.Quantity,
		UnitCost:       req.UnitCost,
		TotalCost:      total.Amount,
		Currency:       s.currency,
		OccurredAt:     occurredAt,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
	}

	inserted, err := s.repo.Insert(ctx, s.db, &record)
	if err != nil {
		return usagedomain.UsageRecord{}, fmt.Errorf("record usage: %w", err)
	}
	if !inserted {
		// Concurrent retry with the same key won the insert.
		existing, err := s.repo.FindByIdempotencyKey(ctx, s.db, req.CompanyID, *idempotencyKey)
		if err != nil {
			return usagedomain.UsageRecord{}, fmt.Errorf("record usage: %w", err)
		}
		if existing == nil {
			return usagedomain.UsageRecord{}, usagedomain.ErrInvalidIdempotencyKey
		}
		s.publish(*existing, liveevents.StatusDeduplicated)
		return *existing, nil
	}

	s.metrics.RecordUsage(ctx, feature)
	s.publish(record, liveevents.StatusRecorded)
	return record, nil
}

func (s *Service) GetMonthlyUsage(ctx context.Context, companyID snowflake.ID, start, end time.Time) (usagedomain.MonthlyUsage, error) {
	if companyID == 0 {
		return usagedomain.MonthlyUsage{}, usagedomain.ErrInvalidCompany
	}
	if !start.Before(end) {
		return usagedomain.MonthlyUsage{}, usagedomain.ErrInvalidPeriod
	}

	features, err := s.repo.AggregateByFeature(ctx, s.db, companyID, start.UTC(), end.UTC())
	if err != nil {
		return usagedomain.MonthlyUsage{}, fmt.Errorf("monthly usage: %w", err)
	}
	if features == nil {
		features = []usagedomain.FeatureUsage{}
	}

	var total int64
	for _, feature := range features {
		total += feature.Cost
	}

	return usagedomain.MonthlyUsage{
		CompanyID:   companyID,
		PeriodStart: start.UTC(),
		PeriodEnd:   end.UTC(),
		Currency:    s.currency,
		Features:    features,
		Total:       total,
	}, nil
}

func (s *Service) SettlePeriodUsage(ctx context.Context, companyID snowflake.ID, start, end time.Time) (*walletdomain.Transaction, error) {
	if companyID == 0 {
		return nil, usagedomain.ErrInvalidCompany
	}
	if !start.Before(end) {
		return nil, usagedomain.ErrInvalidPeriod
	}
	start, end = start.UTC(), end.UTC()

	var (
		settlement *walletdomain.Transaction
		settled    int
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		records, err := s.repo.LockUnsettled(ctx, tx, companyID, start, end)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		total := money.Zero(s.currency)
		ids := make([]snowflake.ID, 0, len(records))
		for _, record := range records {
			total, err = total.Add(money.New(record.TotalCost, record.Currency))
			if err != nil {
				return err
			}
			ids = append(ids, record.ID)
		}

		var transactionID *snowflake.ID
		if total.IsPositive() {
			debit, err := s.wallet.DeductTx(ctx, tx, walletdomain.DeductRequest{
				CompanyID:   companyID,
				Amount:      total.Amount,
				Description: fmt.Sprintf("Usage %s to %s", start.Format(time.DateOnly), end.Format(time.DateOnly)),
				Metadata: map[string]any{
					"period_start": start.Format(time.RFC3339),
					"period_end":   end.Format(time.RFC3339),
					"record_count": len(records),
				},
				Source: &walletdomain.Source{Type: walletdomain.SourceTypeUsageSettlement},
			})
			if err != nil {
				return err
			}
			settlement = &debit
			transactionID = &debit.ID
		}

		updated, err := s.repo.MarkSettled(ctx, tx, ids, transactionID, s.clock.Now().UTC())
		if err != nil {
			return err
		}
		if updated != int64(len(ids)) {
			return usagedomain.ErrSettlementConflict
		}
		settled = len(ids)
		return nil
	})
	if err != nil {
		if errors.Is(err, walletdomain.ErrInsufficientFunds) {
			s.log.Info("usage settlement deferred",
				zap.String("company_id", companyID.String()),
				zap.Error(err),
			)
		}
		return nil, err
	}
	if settled == 0 {
		return nil, nil
	}

	s.metrics.RecordUsageSettled(ctx, settled)
	fields := []zap.Field{
		zap.String("company_id", companyID.String()),
		zap.Int("records", settled),
	}
	if settlement != nil {
		fields = append(fields, zap.Int64("amount", settlement.Amount), zap.String("transaction_id", settlement.ID.String()))
	}
	s.log.Info("usage settled", fields...)
	return settlement, nil
}

func (s *Service) CompaniesWithUnsettledUsage(ctx context.Context, end time.Time) ([]snowflake.ID, error) {
	ids, err := s.repo.ListUnsettledCompanies(ctx, s.db, end.UTC())
	if err != nil {
		return nil, fmt.Errorf("list unsettled companies: %w", err)
	}
	return ids, nil
}

func (s *Service) publish(record usagedomain.UsageRecord, status string) {
	if s.liveEvents == nil {
		return
	}
	s.liveEvents.Publish(record.CompanyID.String(), liveevents.LiveEvent{
		RecordID:   record.ID.String(),
		Feature:    record.Feature,
		Quantity:   record.Quantity,
		TotalCost:  record.TotalCost,
		OccurredAt: record.OccurredAt.UTC().Format(time.RFC3339Nano),
		Status:     status,
	})
}

func normalizeIdempotencyKey(key string) *string {
	value := strings.TrimSpace(key)
	if value == "" {
		return nil
	}
	return &value
}
