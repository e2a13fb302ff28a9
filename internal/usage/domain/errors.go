package domain

import "github.com/smallbiznis/walletledger/pkg/ledgererr"

var (
	ErrInvalidCompany        = ledgererr.New(ledgererr.KindValidation, "invalid_company")
	ErrInvalidFeature        = ledgererr.New(ledgererr.KindValidation, "invalid_feature")
	ErrInvalidQuantity       = ledgererr.New(ledgererr.KindValidation, "invalid_quantity")
	ErrInvalidUnitCost       = ledgererr.New(ledgererr.KindValidation, "invalid_unit_cost")
	ErrInvalidPeriod         = ledgererr.New(ledgererr.KindValidation, "invalid_period")
	ErrInvalidIdempotencyKey = ledgererr.New(ledgererr.KindValidation, "invalid_idempotency_key")
	ErrCostOverflow          = ledgererr.New(ledgererr.KindValidation, "usage_cost_overflow")
	ErrSettlementConflict    = ledgererr.New(ledgererr.KindConflict, "usage_settlement_conflict")
)
