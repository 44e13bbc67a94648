// Package apperr defines the settlement error taxonomy. Each error carries a Kind that
// drives retry and HTTP behavior, and a stable Reason code surfaced to callers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation is bad input or failed eligibility. Not retryable without changing input.
	KindValidation
	// KindConflict is an already-done outcome (already drawn, already claimed).
	KindConflict
	// KindNotFound is a missing subject, claim or round.
	KindNotFound
	// KindExternal is an unavailable collaborator (entropy, chain). Retryable with backoff.
	KindExternal
	// KindCorruption is a broken invariant. Fatal for the round it occurred in.
	KindCorruption
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindExternal:
		return "external_service"
	case KindCorruption:
		return "state_corruption"
	default:
		return "unknown"
	}
}

const (
	ReasonNotOwner            = "not_owner"
	ReasonAlreadyClaimed      = "already_claimed"
	ReasonZeroAmount          = "zero_amount"
	ReasonNotReleased         = "not_released"
	ReasonAlreadyDrawn        = "already_drawn"
	ReasonDrawInProgress      = "draw_in_progress"
	ReasonRoundHalted         = "round_halted"
	ReasonClaimCompleted      = "claim_completed"
	ReasonClaimNotPending     = "claim_not_pending"
	ReasonTransactionMismatch = "transaction_mismatch"
	ReasonInvalidSignature    = "invalid_signature"
	ReasonFeePayerMismatch    = "fee_payer_mismatch"
	ReasonSelfReferral        = "self_referral"
	ReasonUnknownReferralCode = "unknown_referral_code"
	ReasonEntropyUnavailable  = "entropy_unavailable"
	ReasonChainUnavailable    = "chain_unavailable"
	ReasonDerivationExhausted = "derivation_exhausted"
	ReasonAllocationInvariant = "allocation_invariant"
	ReasonInvalidInput        = "invalid_input"
	ReasonNotFound            = "not_found"
	ReasonInvalidSeed         = "invalid_seed"
	ReasonAlreadyRegistered   = "already_registered"
	ReasonRoundClosed         = "round_closed"
	ReasonClaimInFlight       = "claim_in_flight"
	ReasonTransactionFailed   = "transaction_failed"
	ReasonAmountChanged       = "amount_changed"
)

type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same Kind and Reason, so sentinel values work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind && (t.Reason == "" || e.Reason == t.Reason)
}

// Retryable reports whether the operation may succeed if repeated unchanged.
func (e *Error) Retryable() bool {
	return e.Kind == KindExternal
}

func Validation(reason, message string) *Error {
	return &Error{Kind: KindValidation, Reason: reason, Message: message}
}

func Conflict(reason, message string) *Error {
	return &Error{Kind: KindConflict, Reason: reason, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Reason: ReasonNotFound, Message: message}
}

func External(reason string, err error) *Error {
	return &Error{Kind: KindExternal, Reason: reason, Message: "external service unavailable", Err: err}
}

func Corruption(reason, message string) *Error {
	return &Error{Kind: KindCorruption, Reason: reason, Message: message}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ReasonOf returns the reason code of the first *Error in err's chain, or "".
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

func IsConflict(err error) bool   { return KindOf(err) == KindConflict }
func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsNotFound(err error) bool   { return KindOf(err) == KindNotFound }
func IsExternal(err error) bool   { return KindOf(err) == KindExternal }
func IsCorruption(err error) bool { return KindOf(err) == KindCorruption }

// HTTPStatus maps an error to the status code returned by the API.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
