package authorization

import (
	"context"

	"github.com/smallbiznis/walletledger/pkg/ledgererr"
)

const (
	ObjectWallet = "wallet"

	ActionWalletRefund    = "wallet.refund"
	ActionWalletAdjust    = "wallet.adjust"
	ActionWalletReconcile = "wallet.reconcile"
	ActionWalletArchive   = "wallet.archive"
)

const (
	RoleOperator = "operator"
	RoleFinance  = "finance"
	RoleSupport  = "support"
)

//go:generate mockgen -destination=mock/service.go -package=mock . Service

// Service decides whether an operator acting on a company may perform an
// administrative action.
type Service interface {
	Authorize(ctx context.Context, req Request) error
}

type Request struct {
	CompanyID string
	ActorID   string
	Role      string
	Object    string
	Action    string
}

var (
	ErrInvalidActor = ledgererr.New(ledgererr.KindValidation, "actor_required")
	ErrInvalidRole  = ledgererr.New(ledgererr.KindValidation, "invalid_actor_role")
	ErrForbidden    = ledgererr.New(ledgererr.KindForbidden, "forbidden")
)
