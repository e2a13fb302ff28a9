// Package ledgererr classifies ledger errors so host layers can decide how
// to surface them.
package ledgererr

import (
	"context"
	"errors"
)

// Kind groups errors by how a caller is expected to react.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindInsufficientFunds  Kind = "insufficient_funds"
	KindConflict           Kind = "conflict"
	KindDuplicateReference Kind = "duplicate_reference"
	KindPrerequisiteNotMet Kind = "prerequisite_not_met"
	KindPaymentRequired    Kind = "payment_required"
	KindNotFound           Kind = "not_found"
	KindForbidden          Kind = "forbidden"
	KindFatal              Kind = "fatal"
)

// Error is a sentinel carrying its classification. Domain packages declare
// their sentinels with New and compare with errors.Is as usual.
type Error struct {
	Kind Kind
	Code string
}

func (e *Error) Error() string { return e.Code }

// New declares a classified sentinel error.
func New(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

// KindOf returns the classification of err. Unclassified errors, including
// storage failures, are Fatal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindConflict
	}
	return KindFatal
}

// CodeOf returns the stable snake_case code of a classified error, or
// "internal_error" for anything that must not leak detail.
func CodeOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) && classified.Kind != KindFatal {
		return classified.Code
	}
	return "internal_error"
}

// IsFatal reports whether err must stop the caller from serving a result.
func IsFatal(err error) bool {
	return err != nil && KindOf(err) == KindFatal
}
