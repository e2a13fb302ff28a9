package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/walletledger/internal/audit/domain"
	auditrepository "github.com/smallbiznis/walletledger/internal/audit/repository"
	auditservice "github.com/smallbiznis/walletledger/internal/audit/service"
	"github.com/smallbiznis/walletledger/internal/clock"
	"github.com/smallbiznis/walletledger/internal/config"
	"github.com/smallbiznis/walletledger/internal/observability/metrics"
	"github.com/smallbiznis/walletledger/internal/testutil"
	walletdomain "github.com/smallbiznis/walletledger/internal/wallet/domain"
	"github.com/smallbiznis/walletledger/internal/wallet/repository"
	"github.com/smallbiznis/walletledger/pkg/ledgererr"
	"github.com/smallbiznis/walletledger/pkg/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testCompany = snowflake.ID(1001)

type fixture struct {
	svc   *Service
	db    *gorm.DB
	clock *clock.FakeClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	conn := testutil.OpenDB(t, &walletdomain.Wallet{}, &walletdomain.Transaction{}, &auditdomain.AuditLog{})
	node := testutil.Node(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	policy, err := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	require.NoError(t, err)

	audit := auditservice.NewService(auditservice.Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  auditrepository.Provide(),
	})

	svc := NewService(Params{
		DB:      conn,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Config:  config.Config{Currency: "IDR"},
		Policy:  policy,
		Repo:    repository.Provide(),
		Audit:   audit,
		Metrics: metrics.NewNoop(),
	})
	return fixture{svc: svc.(*Service), db: conn, clock: clk}
}

func (f fixture) deposit(t *testing.T, amount int64, reference string) walletdomain.DepositResult {
	t.Helper()
	res, err := f.svc.Deposit(context.Background(), walletdomain.DepositRequest{
		CompanyID:     testCompany,
		Amount:        amount,
		PaymentMethod: "va_bca",
		Reference:     reference,
	})
	require.NoError(t, err)
	return res
}

func TestComputeBonusTiers(t *testing.T) {
	tiers := config.DefaultBillingConfig().BonusTiers
	cases := []struct {
		amount int64
		bonus  int64
	}{
		{amount: 50, bonus: 0},
		{amount: 99, bonus: 0},
		{amount: 100, bonus: 10},
		{amount: 450, bonus: 45},
		{amount: 999, bonus: 149},
		{amount: 1000, bonus: 200},
		{amount: 4999, bonus: 999},
		{amount: 5000, bonus: 1500},
	}
	for _, tc := range cases {
		bonus, err := computeBonus(money.New(tc.amount, "IDR"), tiers)
		require.NoError(t, err)
		assert.Equal(t, tc.bonus, bonus.Amount, "amount %d", tc.amount)
	}
}

func TestComputeBonusUsesMajorUnits(t *testing.T) {
	tiers := config.DefaultBillingConfig().BonusTiers
	// 450.00 USD expressed in cents.
	bonus, err := computeBonus(money.New(45000, "USD"), tiers)
	require.NoError(t, err)
	assert.Equal(t, int64(4500), bonus.Amount)

	// 99.99 USD stays below the first tier.
	bonus, err = computeBonus(money.New(9999, "USD"), tiers)
	require.NoError(t, err)
	assert.True(t, bonus.IsZero())
}

func TestDepositCreatesLinkedBonus(t *testing.T) {
	f := newFixture(t)

	res := f.deposit(t, 1000, "r1")
	require.NotNil(t, res.Bonus)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(200), res.Bonus.Amount)
	assert.Equal(t, walletdomain.TransactionTypeBonus, res.Bonus.Type)
	assert.Equal(t, res.Transaction.ID, *res.Bonus.RelatedTransactionID)
	assert.Equal(t, res.Bonus.ID, *res.Transaction.RelatedTransactionID)
	assert.Equal(t, int64(1000), res.Transaction.BalanceAfter)
	assert.Equal(t, int64(1200), res.Bonus.BalanceAfter)

	wallet, err := f.svc.GetBalance(context.Background(), testCompany)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), wallet.Balance)
	assert.Equal(t, int64(1000), wallet.TotalDeposited)
	assert.Equal(t, int64(200), wallet.TotalBonus)
	assert.True(t, wallet.Counters().Consistent())
}

func TestDepositIsIdempotentByReference(t *testing.T) {
	f := newFixture(t)

	first := f.deposit(t, 1000, "r1")
	second := f.deposit(t, 1000, "r1")

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	require.NotNil(t, second.Bonus)
	assert.Equal(t, first.Bonus.ID, second.Bonus.ID)
	assert.Equal(t, int64(1200), second.Wallet.Balance)

	var count int64
	require.NoError(t, f.db.Model(&walletdomain.Transaction{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestDepositValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Deposit(ctx, walletdomain.DepositRequest{CompanyID: testCompany, Amount: 0, Reference: "x"})
	assert.ErrorIs(t, err, walletdomain.ErrInvalidAmount)

	_, err = f.svc.Deposit(ctx, walletdomain.DepositRequest{CompanyID: testCompany, Amount: 10, Reference: " "})
	assert.ErrorIs(t, err, walletdomain.ErrMissingReference)
	assert.Equal(t, ledgererr.KindValidation, ledgererr.KindOf(err))
}

func TestDeductInsufficientFundsLeavesWalletUnchanged(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 50, "small")

	_, err := f.svc.Deduct(context.Background(), walletdomain.DeductRequest{
		CompanyID:   testCompany,
		Amount:      100,
		Description: "too much",
	})
	require.ErrorIs(t, err, walletdomain.ErrInsufficientFunds)
	assert.Equal(t, ledgererr.KindInsufficientFunds, ledgererr.KindOf(err))

	wallet, err := f.svc.GetBalance(context.Background(), testCompany)
	require.NoError(t, err)
	assert.Equal(t, int64(50), wallet.Balance)
	assert.Zero(t, wallet.TotalSpent)

	var deducts int64
	require.NoError(t, f.db.Model(&walletdomain.Transaction{}).
		Where("type = ?", walletdomain.TransactionTypeDeduct).Count(&deducts).Error)
	assert.Zero(t, deducts)
}

func TestDeductRecordsSource(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 500, "r-src")

	tx, err := f.svc.Deduct(context.Background(), walletdomain.DeductRequest{
		CompanyID:   testCompany,
		Amount:      150,
		Description: "CRM monthly fee",
		Metadata:    map[string]any{"period": "2026-03"},
		Source:      &walletdomain.Source{Type: walletdomain.SourceTypeAppSubscription, ID: snowflake.ID(77)},
	})
	require.NoError(t, err)
	require.NotNil(t, tx.SourceType)
	assert.Equal(t, walletdomain.SourceTypeAppSubscription, *tx.SourceType)
	assert.Equal(t, snowflake.ID(77), *tx.SourceID)
	assert.Equal(t, int64(575), tx.BalanceBefore)
	assert.Equal(t, int64(425), tx.BalanceAfter)
}

func TestConcurrentDeductsNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Adjust(ctx, walletdomain.AdjustmentRequest{
		CompanyID:   testCompany,
		Amount:      100,
		Description: "opening balance",
		ActorID:     "ops-1",
	})
	require.NoError(t, err)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
		other        []error
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Deduct(ctx, walletdomain.DeductRequest{CompanyID: testCompany, Amount: 10, Description: "api call"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, walletdomain.ErrInsufficientFunds):
				insufficient++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, other)
	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 40, insufficient)

	wallet, err := f.svc.GetBalance(ctx, testCompany)
	require.NoError(t, err)
	assert.Zero(t, wallet.Balance)
	assert.Equal(t, int64(100), wallet.TotalSpent)
}

func TestReplayReproducesStoredCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.deposit(t, 1000, "r1")
	f.deposit(t, 450, "r2")
	deduct, err := f.svc.Deduct(ctx, walletdomain.DeductRequest{CompanyID: testCompany, Amount: 300, Description: "fees"})
	require.NoError(t, err)
	_, err = f.svc.Refund(ctx, walletdomain.RefundRequest{CompanyID: testCompany, Amount: 100, OriginalTransactionID: &deduct.ID, Description: "goodwill"})
	require.NoError(t, err)
	_, err = f.svc.Adjust(ctx, walletdomain.AdjustmentRequest{CompanyID: testCompany, Amount: -25, Description: "correction", ActorID: "ops-2"})
	require.NoError(t, err)

	report, err := f.svc.Reconcile(ctx, testCompany)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, report.Stored, report.Replayed)
	// 1000+200 + 450+45 - 300 + 100 - 25
	assert.Equal(t, int64(1470), report.Stored.Balance)
	assert.Equal(t, 7, report.TransactionCount)
}

func TestReconcileFlagsTamperedWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 100, "r1")

	require.NoError(t, f.db.Exec("UPDATE wallets SET balance = balance + 1").Error)

	report, err := f.svc.Reconcile(ctx, testCompany)
	require.ErrorIs(t, err, walletdomain.ErrInvariantViolation)
	assert.True(t, ledgererr.IsFatal(err))
	assert.False(t, report.Consistent)
	assert.Equal(t, int64(111), report.Stored.Balance)
	assert.Equal(t, int64(110), report.Replayed.Balance)

	var audits int64
	require.NoError(t, f.db.Model(&auditdomain.AuditLog{}).
		Where("action = ?", auditdomain.ActionWalletInvariantViolation).Count(&audits).Error)
	assert.Equal(t, int64(1), audits)
}

func TestAdjustRequiresActorAndAudits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Adjust(ctx, walletdomain.AdjustmentRequest{CompanyID: testCompany, Amount: 10})
	require.ErrorIs(t, err, walletdomain.ErrMissingActor)

	_, err = f.svc.Adjust(ctx, walletdomain.AdjustmentRequest{CompanyID: testCompany, Amount: -10, ActorID: "ops-1"})
	require.ErrorIs(t, err, walletdomain.ErrInsufficientFunds)

	tx, err := f.svc.Adjust(ctx, walletdomain.AdjustmentRequest{CompanyID: testCompany, Amount: 40, Description: "promo", ActorID: "ops-1"})
	require.NoError(t, err)
	require.NotNil(t, tx.ActorID)
	assert.Equal(t, "ops-1", *tx.ActorID)

	var logs []auditdomain.AuditLog
	require.NoError(t, f.db.Where("action = ?", auditdomain.ActionWalletAdjusted).Find(&logs).Error)
	require.Len(t, logs, 1)
	require.NotNil(t, logs[0].ActorID)
	assert.Equal(t, "ops-1", *logs[0].ActorID)

	wallet, err := f.svc.GetBalance(ctx, testCompany)
	require.NoError(t, err)
	assert.Equal(t, int64(40), wallet.Balance)
	assert.Equal(t, int64(40), wallet.TotalAdjusted)
	assert.Zero(t, wallet.TotalDeposited)
}

func TestRefundRequiresKnownOriginal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 100, "r1")

	unknown := snowflake.ID(42)
	_, err := f.svc.Refund(ctx, walletdomain.RefundRequest{CompanyID: testCompany, Amount: 5, OriginalTransactionID: &unknown})
	require.ErrorIs(t, err, walletdomain.ErrTransactionNotFound)

	tx, err := f.svc.Refund(ctx, walletdomain.RefundRequest{CompanyID: testCompany, Amount: 5, Description: "sla credit"})
	require.NoError(t, err)
	assert.Equal(t, int64(115), tx.BalanceAfter)
}

func TestGetBalanceDoesNotCreateWallet(t *testing.T) {
	f := newFixture(t)

	wallet, err := f.svc.GetBalance(context.Background(), testCompany)
	require.NoError(t, err)
	assert.Zero(t, wallet.Balance)
	assert.Equal(t, "IDR", wallet.Currency)

	var count int64
	require.NoError(t, f.db.Model(&walletdomain.Wallet{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestListTransactionsPaginatesNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, ref := range []string{"a", "b", "c", "d", "e"} {
		f.clock.Advance(time.Minute)
		f.deposit(t, int64(10+i), ref)
	}

	seen := map[snowflake.ID]bool{}
	token := ""
	pages := 0
	for {
		resp, err := f.svc.ListTransactions(ctx, walletdomain.ListTransactionsRequest{
			CompanyID: testCompany,
			PageToken: token,
			PageSize:  2,
		})
		require.NoError(t, err)
		pages++
		for i, tx := range resp.Transactions {
			assert.False(t, seen[tx.ID])
			seen[tx.ID] = true
			if i > 0 {
				assert.False(t, tx.CreatedAt.After(resp.Transactions[i-1].CreatedAt))
			}
		}
		if !resp.HasMore {
			break
		}
		token = resp.NextPageToken
	}
	assert.Equal(t, 3, pages)
	assert.Len(t, seen, 5)

	resp, err := f.svc.ListTransactions(ctx, walletdomain.ListTransactionsRequest{
		CompanyID: testCompany,
		Types:     []walletdomain.TransactionType{walletdomain.TransactionTypeBonus},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Transactions)

	_, err = f.svc.ListTransactions(ctx, walletdomain.ListTransactionsRequest{
		CompanyID: testCompany,
		Types:     []walletdomain.TransactionType{"WITHDRAWAL"},
	})
	assert.ErrorIs(t, err, walletdomain.ErrInvalidTransactionType)
}

func TestArchivedWalletRejectsMutations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 100, "r1")

	wallet, err := f.svc.ArchiveWallet(ctx, testCompany)
	require.NoError(t, err)
	assert.True(t, wallet.IsArchived())

	_, err = f.svc.Deposit(ctx, walletdomain.DepositRequest{CompanyID: testCompany, Amount: 100, Reference: "r2"})
	assert.ErrorIs(t, err, walletdomain.ErrWalletArchived)

	balance, err := f.svc.GetBalance(ctx, testCompany)
	require.NoError(t, err)
	assert.Equal(t, int64(110), balance.Balance)
}

func TestDeductTxSharesCallerTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 100, "r1")

	rollback := errors.New("caller aborted")
	err := f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.svc.DeductTx(ctx, tx, walletdomain.DeductRequest{CompanyID: testCompany, Amount: 60})
		require.NoError(t, err)
		return rollback
	})
	require.ErrorIs(t, err, rollback)

	wallet, err := f.svc.GetBalance(ctx, testCompany)
	require.NoError(t, err)
	assert.Equal(t, int64(110), wallet.Balance)

	err = f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.svc.DeductTx(ctx, tx, walletdomain.DeductRequest{CompanyID: testCompany, Amount: 500})
		require.ErrorIs(t, err, walletdomain.ErrInsufficientFunds)
		_, err = f.svc.DeductTx(ctx, tx, walletdomain.DeductRequest{CompanyID: testCompany, Amount: 10})
		return err
	})
	require.NoError(t, err)

	wallet, err = f.svc.GetBalance(ctx, testCompany)
	require.NoError(t, err)
	assert.Equal(t, int64(100), wallet.Balance)
}
