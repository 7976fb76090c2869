package core

import (
	"errors"
	"fmt"

	"EnergyLedger/internal/ledger"
	"EnergyLedger/internal/offer"
	"EnergyLedger/internal/store"
)

// Kind is the stable error category callers switch on.
type Kind string

const (
	KindValidation              Kind = "ValidationError"
	KindInsufficientBalance     Kind = "InsufficientBalance"
	KindNotFound                Kind = "NotFound"
	KindForbidden               Kind = "Forbidden"
	KindInvalidState            Kind = "InvalidState"
	KindUnitsExceedRemaining    Kind = "UnitsExceedRemaining"
	KindSettlementFailed        Kind = "SettlementFailed"
	KindSettlementIndeterminate Kind = "SettlementIndeterminate"
	KindInternal                Kind = "InternalError"
)

// Error is returned by every coordinator operation that fails.
type Error struct {
	Kind   Kind
	Detail string
	// OfferID names the offer left held when Kind is SettlementIndeterminate
	// (or when a settled fill could not be mirrored yet).
	OfferID string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches kind sentinels, so errors.Is(err, core.ErrNotFound) works for
// any *Error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Detail == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrValidation              = &Error{Kind: KindValidation}
	ErrInsufficientBalance     = &Error{Kind: KindInsufficientBalance}
	ErrNotFound                = &Error{Kind: KindNotFound}
	ErrForbidden               = &Error{Kind: KindForbidden}
	ErrInvalidState            = &Error{Kind: KindInvalidState}
	ErrUnitsExceedRemaining    = &Error{Kind: KindUnitsExceedRemaining}
	ErrSettlementFailed        = &Error{Kind: KindSettlementFailed}
	ErrSettlementIndeterminate = &Error{Kind: KindSettlementIndeterminate}
	ErrInternal                = &Error{Kind: KindInternal}
)

func newError(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: cause}
}

// KindOf returns the kind of err, InternalError for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// classify maps package sentinels raised inside a transaction to kinds.
func classify(detail string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ledger.ErrUnknownAccount):
		return newError(KindNotFound, detail, err)
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, ledger.ErrInsufficientReserved):
		return newError(KindInsufficientBalance, detail, err)
	case errors.Is(err, ledger.ErrInvalidAmount):
		return newError(KindValidation, detail, err)
	case errors.Is(err, offer.ErrUnitsExceedRemaining):
		return newError(KindUnitsExceedRemaining, detail, err)
	case errors.Is(err, offer.ErrInvalidTransition):
		return newError(KindInvalidState, detail, err)
	}
	return newError(KindInternal, detail, err)
}
