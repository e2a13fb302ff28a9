package domain

import "github.com/smallbiznis/walletledger/pkg/ledgererr"

var (
	ErrInvalidCompany       = ledgererr.New(ledgererr.KindValidation, "invalid_company")
	ErrInvalidApp           = ledgererr.New(ledgererr.KindValidation, "invalid_app")
	ErrInvalidBillingDay    = ledgererr.New(ledgererr.KindValidation, "invalid_billing_day")
	ErrInvalidTarget        = ledgererr.New(ledgererr.KindValidation, "invalid_subscription_target")
	ErrInvalidTransition    = ledgererr.New(ledgererr.KindConflict, "invalid_subscription_transition")
	ErrAlreadySubscribed    = ledgererr.New(ledgererr.KindConflict, "already_subscribed")
	ErrResubscribeRequired  = ledgererr.New(ledgererr.KindConflict, "resubscribe_required")
	ErrConcurrentUpdate     = ledgererr.New(ledgererr.KindConflict, "subscription_concurrent_update")
	ErrPrerequisiteNotMet   = ledgererr.New(ledgererr.KindPrerequisiteNotMet, "prerequisite_not_met")
	ErrPaymentRequired      = ledgererr.New(ledgererr.KindPaymentRequired, "payment_required")
	ErrSubscriptionNotFound = ledgererr.New(ledgererr.KindNotFound, "subscription_not_found")
)
