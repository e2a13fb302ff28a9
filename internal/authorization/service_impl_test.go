package authorization

import (
	"context"
	"testing"

	auditdomain "github.com/smallbiznis/walletledger/internal/audit/domain"
	"github.com/smallbiznis/walletledger/internal/testutil"
	"github.com/smallbiznis/walletledger/pkg/ledgererr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingAudit struct {
	auditdomain.Service
	entries []auditdomain.Entry
}

func (r *recordingAudit) Record(_ context.Context, entry auditdomain.Entry) error {
	r.entries = append(r.entries, entry)
	return nil
}

func newTestService(t *testing.T) (*ServiceImpl, *recordingAudit) {
	t.Helper()
	db := testutil.OpenDB(t)
	enforcer, err := NewEnforcer(db)
	require.NoError(t, err)

	audit := &recordingAudit{}
	svc := NewService(Params{Log: zap.NewNop(), Enforcer: enforcer, AuditSvc: audit}).(*ServiceImpl)
	return svc, audit
}

func TestRoleGrants(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		role    string
		action  string
		allowed bool
	}{
		{RoleOperator, ActionWalletArchive, true},
		{RoleFinance, ActionWalletAdjust, true},
		{RoleFinance, ActionWalletArchive, false},
		{RoleSupport, ActionWalletReconcile, true},
		{RoleSupport, ActionWalletRefund, false},
	}
	for _, tc := range cases {
		t.Run(tc.role+"/"+tc.action, func(t *testing.T) {
			err := svc.Authorize(ctx, Request{
				CompanyID: "42",
				ActorID:   "ops-" + tc.role,
				Role:      tc.role,
				Object:    ObjectWallet,
				Action:    tc.action,
			})
			if tc.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrForbidden)
			}
		})
	}
}

func TestDeniedRequestIsAudited(t *testing.T) {
	svc, audit := newTestService(t)

	err := svc.Authorize(context.Background(), Request{
		CompanyID: "42",
		ActorID:   "ops-1",
		Role:      "Support",
		Object:    ObjectWallet,
		Action:    ActionWalletAdjust,
	})
	require.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, ledgererr.KindForbidden, ledgererr.KindOf(err))

	require.Len(t, audit.entries, 1)
	entry := audit.entries[0]
	assert.Equal(t, auditdomain.ActionAuthorizationDenied, entry.Action)
	assert.Equal(t, "ops-1", entry.ActorID)
	assert.Equal(t, "support", entry.Metadata["role"])
}

func TestRoleChangeReplacesGrouping(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	req := Request{CompanyID: "42", ActorID: "ops-9", Object: ObjectWallet, Action: ActionWalletArchive}

	req.Role = RoleOperator
	require.NoError(t, svc.Authorize(ctx, req))

	req.Role = RoleSupport
	assert.ErrorIs(t, svc.Authorize(ctx, req), ErrForbidden)

	roles, err := svc.enforcer.GetFilteredGroupingPolicy(0, "operator:ops-9", "", "company:42")
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, "role:support", roles[0][1])
}

func TestRejectsMalformedRequests(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.Authorize(ctx, Request{CompanyID: "42", Role: RoleOperator}), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, Request{CompanyID: "42", ActorID: "a", Role: "root"}), ErrInvalidRole)
	assert.ErrorIs(t, svc.Authorize(ctx, Request{CompanyID: "x", ActorID: "a", Role: RoleOperator}), ErrForbidden)
}

func TestSeedIsIdempotent(t *testing.T) {
	db := testutil.OpenDB(t)
	_, err := NewEnforcer(db)
	require.NoError(t, err)
	enforcer, err := NewEnforcer(db)
	require.NoError(t, err)

	policies, err := enforcer.GetPolicy()
	require.NoError(t, err)
	assert.Len(t, policies, 8)
}
