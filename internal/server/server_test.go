package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	billingreportdomain "github.com/smallbiznis/walletledger/internal/billingreport/domain"
	catalogdomain "github.com/smallbiznis/walletledger/internal/catalog/domain"
	"github.com/smallbiznis/walletledger/internal/clock"
	"github.com/smallbiznis/walletledger/internal/config"
	"github.com/smallbiznis/walletledger/internal/observability"
	subscriptiondomain "github.com/smallbiznis/walletledger/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/walletledger/internal/usage/domain"
	walletdomain "github.com/smallbiznis/walletledger/internal/wallet/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWalletService struct {
	walletdomain.Service
	deposit    walletdomain.DepositRequest
	adjustment walletdomain.AdjustmentRequest
	balanceErr error
	duplicate  bool
}

func (f *fakeWalletService) Deposit(_ context.Context, req walletdomain.DepositRequest) (walletdomain.DepositResult, error) {
	f.deposit = req
	return walletdomain.DepositResult{
		Wallet:    walletdomain.Wallet{CompanyID: req.CompanyID, Balance: 1200},
		Duplicate: f.duplicate,
	}, nil
}

func (f *fakeWalletService) Adjust(_ context.Context, req walletdomain.AdjustmentRequest) (walletdomain.Transaction, error) {
	f.adjustment = req
	return walletdomain.Transaction{CompanyID: req.CompanyID, Amount: req.Amount, Type: walletdomain.TransactionTypeAdjustment}, nil
}

func (f *fakeWalletService) GetBalance(_ context.Context, companyID snowflake.ID) (walletdomain.Wallet, error) {
	if f.balanceErr != nil {
		return walletdomain.Wallet{}, f.balanceErr
	}
	return walletdomain.Wallet{CompanyID: companyID, Balance: 990, Currency: "IDR"}, nil
}

type fakeSubscriptionService struct {
	subscriptiondomain.Service
	err    error
	target subscriptiondomain.Target
	day    int
}

func (f *fakeSubscriptionService) InstallApp(_ context.Context, companyID, appID snowflake.ID) (subscriptiondomain.CompanyAppSubscription, error) {
	return subscriptiondomain.CompanyAppSubscription{CompanyID: companyID, AppID: appID, Status: subscriptiondomain.StatusTrial}, f.err
}

func (f *fakeSubscriptionService) UpgradeTrial(_ context.Context, companyID, appID snowflake.ID) (subscriptiondomain.CompanyAppSubscription, error) {
	return subscriptiondomain.CompanyAppSubscription{}, f.err
}

func (f *fakeSubscriptionService) CancelSubscription(_ context.Context, _ snowflake.ID, target subscriptiondomain.Target) error {
	f.target = target
	return f.err
}

func (f *fakeSubscriptionService) SubscribePlatform(_ context.Context, companyID snowflake.ID, plan catalogdomain.PlanCode, billingDay int) (subscriptiondomain.PlatformSubscription, error) {
	f.day = billingDay
	return subscriptiondomain.PlatformSubscription{CompanyID: companyID, Plan: string(plan)}, f.err
}

type fakeBillingService struct {
	start, end time.Time
}

func (f *fakeBillingService) BuildSummary(_ context.Context, companyID snowflake.ID, start, end time.Time) (billingreportdomain.BillingSummary, error) {
	f.start, f.end = start, end
	return billingreportdomain.BillingSummary{CompanyID: companyID, PeriodStart: start, PeriodEnd: end, Total: 790}, nil
}

type fakeUsageService struct {
	usagedomain.Service
	recorded usagedomain.RecordUsageRequest
}

func (f *fakeUsageService) RecordUsage(_ context.Context, req usagedomain.RecordUsageRequest) (usagedomain.UsageRecord, error) {
	f.recorded = req
	return usagedomain.UsageRecord{CompanyID: req.CompanyID, Feature: req.Feature, Quantity: req.Quantity}, nil
}

type fakeCatalogService struct {
	catalogdomain.Service
}

type testServer struct {
	srv     *Server
	wallet  *fakeWalletService
	subs    *fakeSubscriptionService
	billing *fakeBillingService
	usage   *fakeUsageService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		wallet:  &fakeWalletService{},
		subs:    &fakeSubscriptionService{},
		billing: &fakeBillingService{},
		usage:   &fakeUsageService{},
	}
	ts.srv = NewServer(ServerParams{
		Gin:             NewEngine(observability.Config{LogLevel: "info"}, nil),
		Cfg:             config.Config{Environment: "test"},
		Clock:           clock.NewFakeClock(time.Date(2026, 3, 18, 10, 0, 0, 0, time.UTC)),
		WalletSvc:       ts.wallet,
		UsageSvc:        ts.usage,
		SubscriptionSvc: ts.subs,
		BillingSvc:      ts.billing,
		CatalogSvc:      &fakeCatalogService{},
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if _, ok := headers[HeaderCompany]; !ok {
		req.Header.Set(HeaderCompany, "42")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestCompanyHeaderRequired(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/wallet", nil, map[string]string{HeaderCompany: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "company_required", payload.Errors[0].Code)

	rec = ts.do(t, http.MethodGet, "/v1/wallet", nil, map[string]string{HeaderCompany: "abc"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetWallet(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/wallet", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data walletdomain.Wallet `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, snowflake.ID(42), resp.Data.CompanyID)
	assert.Equal(t, int64(990), resp.Data.Balance)
}

func TestDepositStatusReflectsDuplicate(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]any{"amount": 1000, "payment_method": "bank_transfer", "reference": " r1 "}

	rec := ts.do(t, http.MethodPost, "/v1/wallet/deposits", body, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "r1", ts.wallet.deposit.Reference)
	assert.Equal(t, int64(1000), ts.wallet.deposit.Amount)
	assert.Equal(t, snowflake.ID(42), ts.wallet.deposit.CompanyID)

	ts.wallet.duplicate = true
	rec = ts.do(t, http.MethodPost, "/v1/wallet/deposits", body, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdjustmentRequiresActor(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]any{"amount": -50, "description": "correction"}

	rec := ts.do(t, http.MethodPost, "/v1/wallet/adjustments", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "actor_required", decodeError(t, rec).Errors[0].Code)

	rec = ts.do(t, http.MethodPost, "/v1/wallet/adjustments", body, map[string]string{HeaderActor: "ops-7"})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "ops-7", ts.wallet.adjustment.ActorID)
	assert.Equal(t, int64(-50), ts.wallet.adjustment.Amount)
}

func TestLedgerErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		path   string
	}{
		{"prerequisite", subscriptiondomain.ErrPrerequisiteNotMet, http.StatusUnprocessableEntity, "/v1/apps/7/install"},
		{"payment required", subscriptiondomain.ErrPaymentRequired, http.StatusPaymentRequired, "/v1/apps/7/upgrade"},
		{"invalid transition", subscriptiondomain.ErrInvalidTransition, http.StatusConflict, "/v1/apps/7/upgrade"},
		{"not found", subscriptiondomain.ErrSubscriptionNotFound, http.StatusNotFound, "/v1/apps/7/upgrade"},
		{"fatal", errors.New("connection reset"), http.StatusInternalServerError, "/v1/apps/7/install"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.subs.err = tc.err

			rec := ts.do(t, http.MethodPost, tc.path, nil, nil)
			assert.Equal(t, tc.status, rec.Code)
			payload := decodeError(t, rec)
			assert.NotContains(t, payload.Message, "connection reset")
		})
	}
}

func TestInvalidAppID(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/v1/apps/nope/install", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelSubscriptionNormalizesKind(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/subscriptions/cancel", map[string]any{"kind": "BUNDLE", "id": "99"}, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, subscriptiondomain.KindBundle, ts.subs.target.Kind)
	assert.Equal(t, snowflake.ID(99), ts.subs.target.ID)
}

func TestSubscribePlatformDefaultsBillingDay(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/platform/subscribe", map[string]any{"plan": "pro"}, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 18, ts.subs.day)
}

func TestBillingSummaryPeriod(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/billing/summary", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), ts.billing.start)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), ts.billing.end)

	rec = ts.do(t, http.MethodGet, "/v1/billing/summary?period_start=2026-01-01", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), ts.billing.end)

	rec = ts.do(t, http.MethodGet, "/v1/billing/summary?period_end=yesterday", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordUsagePassesThroughWithoutLimiter(t *testing.T) {
	ts := newTestServer(t)

	body := map[string]any{"feature": "api_calls", "quantity": 3, "unit_cost": 20, "idempotency_key": "k-1"}
	rec := ts.do(t, http.MethodPost, "/v1/usage", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "api_calls", ts.usage.recorded.Feature)
	assert.Equal(t, int64(3), ts.usage.recorded.Quantity)
	assert.Equal(t, "k-1", ts.usage.recorded.IdempotencyKey)
	assert.True(t, ts.usage.recorded.OccurredAt.IsZero())
}

func TestUsageStreamUnavailableWithoutHub(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/v1/usage/live-events", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestClassifyErrorForLog(t *testing.T) {
	kind, code := classifyErrorForLog(walletdomain.ErrInsufficientFunds)
	assert.Equal(t, "insufficient_funds", kind)
	assert.Equal(t, "insufficient_funds", code)

	kind, code = classifyErrorForLog(errors.New("boom"))
	assert.Equal(t, "fatal", kind)
	assert.Equal(t, "internal_error", code)

	kind, _ = classifyErrorForLog(ErrRateLimited)
	assert.Equal(t, "rate_limited", kind)
}
