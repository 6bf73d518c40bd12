package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure, with no infrastructure dependency.

var (
	// Validation errors
	ErrInvalidAmount   = errors.New("credit amount must be positive")
	ErrInvalidDuration = errors.New("duration hours must be positive")
	ErrMissingTitle    = errors.New("offer title is required")
	ErrMissingUser     = errors.New("user id is required")
	ErrInvalidDecision = errors.New("decision must be accept or reject")
	ErrInvalidStatus   = errors.New("unknown offer status")
	ErrMissingFilter   = errors.New("offer id or applicant id is required")

	// Ledger errors
	ErrInsufficientFunds = errors.New("insufficient available credits")

	// Lookup errors
	ErrAccountNotFound     = errors.New("account not found")
	ErrOfferNotFound       = errors.New("offer not found")
	ErrApplicationNotFound = errors.New("application not found")
	ErrEntryNotFound       = errors.New("journal entry not found")

	// Authorization errors
	ErrForbidden       = errors.New("actor is not allowed to perform this operation")
	ErrSelfApplication = errors.New("owners cannot apply to their own offer")

	// State machine errors
	ErrOfferNotAvailable = errors.New("offer is not accepting applications")
	ErrOfferNotBooked    = errors.New("offer has no accepted applicant")
	ErrOfferClosed       = errors.New("offer is completed or cancelled")
	ErrNotPending        = errors.New("application is not pending")
	ErrAlreadyClaimed    = errors.New("journal entry already claimed")
	ErrInvalidTransition = errors.New("invalid state transition")

	// Conflict errors
	ErrAlreadyBooked        = errors.New("offer already has an accepted application")
	ErrDuplicateApplication = errors.New("applicant already has an active application on this offer")
	ErrAlreadySettled       = errors.New("offer already settled")
	ErrConflict             = errors.New("concurrent modification, re-fetch and retry")

	// Audit errors (internal: never caused by the caller)
	ErrLedgerMismatch = errors.New("ledger movements do not reproduce balance")
)

// Kind classifies an error for callers that map failures to responses.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindNotFound          Kind = "not_found"
	KindForbidden         Kind = "forbidden"
	KindInvalidState      Kind = "invalid_state_transition"
	KindConflict          Kind = "conflict"
	KindInternal          Kind = "internal"
)

// kinds is checked in order; an error wrapping several sentinels takes the
// kind of the first listed.
var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidAmount, KindValidation},
	{ErrInvalidDuration, KindValidation},
	{ErrMissingTitle, KindValidation},
	{ErrMissingUser, KindValidation},
	{ErrInvalidDecision, KindValidation},
	{ErrInvalidStatus, KindValidation},
	{ErrMissingFilter, KindValidation},
	{ErrInsufficientFunds, KindInsufficientFunds},
	{ErrAccountNotFound, KindNotFound},
	{ErrOfferNotFound, KindNotFound},
	{ErrApplicationNotFound, KindNotFound},
	{ErrEntryNotFound, KindNotFound},
	{ErrForbidden, KindForbidden},
	{ErrSelfApplication, KindForbidden},
	{ErrOfferNotAvailable, KindInvalidState},
	{ErrOfferNotBooked, KindInvalidState},
	{ErrOfferClosed, KindInvalidState},
	{ErrNotPending, KindInvalidState},
	{ErrAlreadyClaimed, KindInvalidState},
	{ErrInvalidTransition, KindInvalidState},
	{ErrAlreadyBooked, KindConflict},
	{ErrDuplicateApplication, KindConflict},
	{ErrAlreadySettled, KindConflict},
	{ErrConflict, KindConflict},
}

// KindOf returns the kind of the first sentinel in kinds that err wraps,
// or KindInternal for anything else.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
