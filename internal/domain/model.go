// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture: it depends on nothing.
package domain

import (
	"math"
	"strings"
	"time"
)

// ─── Balance ────────────────────────────────────────────────────────────────

// Balance is a user's credit position. Available is spendable; Reserved is
// held against the user's open offers.
type Balance struct {
	UserID    string    `json:"user_id"`
	Available int64     `json:"available"`
	Reserved  int64     `json:"reserved"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Total returns available plus reserved credits.
func (b Balance) Total() int64 { return b.Available + b.Reserved }

// ─── Offer Types ────────────────────────────────────────────────────────────

// OfferStatus is the lifecycle state of an offer.
type OfferStatus string

const (
	OfferAvailable OfferStatus = "AVAILABLE"
	// OfferPending is accepted on the wire but never entered by the engine:
	// an offer stays AVAILABLE while applications accumulate.
	OfferPending   OfferStatus = "PENDING"
	OfferBooked    OfferStatus = "BOOKED"
	OfferCompleted OfferStatus = "COMPLETED"
	OfferCancelled OfferStatus = "CANCELLED"
)

var offerTransitions = map[OfferStatus][]OfferStatus{
	OfferAvailable: {OfferBooked, OfferCancelled},
	OfferPending:   {OfferBooked, OfferCancelled},
	OfferBooked:    {OfferCompleted, OfferCancelled},
}

// CanTransitionTo reports whether the offer state machine allows s → next.
func (s OfferStatus) CanTransitionTo(next OfferStatus) bool {
	for _, allowed := range offerTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Open reports whether the offer still holds a credit reservation.
func (s OfferStatus) Open() bool {
	return s == OfferAvailable || s == OfferPending || s == OfferBooked
}

// Terminal reports whether no transition leaves s.
func (s OfferStatus) Terminal() bool {
	return s == OfferCompleted || s == OfferCancelled
}

// Valid reports whether s is a known status.
func (s OfferStatus) Valid() bool {
	switch s {
	case OfferAvailable, OfferPending, OfferBooked, OfferCompleted, OfferCancelled:
		return true
	}
	return false
}

// ParseOfferStatus parses a case-insensitive status name.
func ParseOfferStatus(s string) (OfferStatus, error) {
	st := OfferStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", ErrInvalidStatus
	}
	return st, nil
}

// Offer is one postable unit of requested work.
type Offer struct {
	ID                  string      `json:"id"`
	OwnerID             string      `json:"owner_id"`
	Title               string      `json:"title"`
	Description         string      `json:"description,omitempty"`
	ServiceType         string      `json:"service_type"`
	DurationHours       float64     `json:"duration_hours"`
	CreditCost          int64       `json:"credit_cost"`
	Status              OfferStatus `json:"status"`
	AcceptedApplicantID string      `json:"accepted_applicant_id,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// PostOfferInput holds the caller-supplied fields of a new offer.
type PostOfferInput struct {
	OwnerID       string  `json:"owner_id"`
	Title         string  `json:"title"`
	Description   string  `json:"description"`
	ServiceType   string  `json:"service_type"`
	DurationHours float64 `json:"duration_hours"`
	CreditCost    int64   `json:"credit_cost"`
}

// Validate rejects malformed input before any side effect.
func (in PostOfferInput) Validate() error {
	switch {
	case strings.TrimSpace(in.OwnerID) == "":
		return ErrMissingUser
	case strings.TrimSpace(in.Title) == "":
		return ErrMissingTitle
	case in.CreditCost <= 0:
		return ErrInvalidAmount
	case math.IsNaN(in.DurationHours) || math.IsInf(in.DurationHours, 0) || in.DurationHours <= 0:
		return ErrInvalidDuration
	}
	return nil
}

// OfferFilter narrows ListOffers. Zero values match everything.
type OfferFilter struct {
	Statuses    []OfferStatus
	OwnerID     string
	PerformerID string // accepted applicant
	ServiceType string
	Search      string // case-insensitive title substring
	Limit       int
	Offset      int
}

// DefaultListLimit caps list queries that do not set a limit.
const DefaultListLimit = 100

// EffectiveLimit returns the limit clamped to (0, DefaultListLimit*10].
func (f OfferFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > DefaultListLimit*10:
		return DefaultListLimit * 10
	}
	return f.Limit
}

// ─── Application Types ──────────────────────────────────────────────────────

// ApplicationStatus is the decision state of an application.
type ApplicationStatus string

const (
	ApplicationPending  ApplicationStatus = "PENDING"
	ApplicationAccepted ApplicationStatus = "ACCEPTED"
	ApplicationRejected ApplicationStatus = "REJECTED"
)

// Active reports whether the application blocks a duplicate from the same applicant.
func (s ApplicationStatus) Active() bool {
	return s == ApplicationPending || s == ApplicationAccepted
}

// Application is one user's request to perform an offer.
type Application struct {
	ID          string            `json:"id"`
	OfferID     string            `json:"offer_id"`
	ApplicantID string            `json:"applicant_id"`
	Status      ApplicationStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ApplicationFilter selects applications by offer or by applicant.
type ApplicationFilter struct {
	OfferID     string
	ApplicantID string
}

// Validate requires at least one selector.
func (f ApplicationFilter) Validate() error {
	if f.OfferID == "" && f.ApplicantID == "" {
		return ErrMissingFilter
	}
	return nil
}

// Decision is the owner's verdict on an application.
type Decision string

const (
	DecisionAccept Decision = "ACCEPT"
	DecisionReject Decision = "REJECT"
)

// ParseDecision parses "accept"/"reject" case-insensitively.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToUpper(strings.TrimSpace(s))); d {
	case DecisionAccept, DecisionReject:
		return d, nil
	}
	return "", ErrInvalidDecision
}

// ─── Stats ──────────────────────────────────────────────────────────────────

// UserStats summarizes a user's exchange activity.
type UserStats struct {
	UserID               string  `json:"user_id"`
	ActiveOffers         int     `json:"active_offers"`
	CompletedAsOwner     int     `json:"completed_as_owner"`
	CompletedAsPerformer int     `json:"completed_as_performer"`
	HoursExchanged       float64 `json:"hours_exchanged"`
	CreditsSpent         int64   `json:"credits_spent"`
	CreditsEarned        int64   `json:"credits_earned"`
	UnclaimedCredits     int64   `json:"unclaimed_credits"`
}

// TotalExchanges returns completed exchanges on either side.
func (s UserStats) TotalExchanges() int {
	return s.CompletedAsOwner + s.CompletedAsPerformer
}
