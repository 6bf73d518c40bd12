package marketplace

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/timebank-network/timebank/internal/domain"
)

// ─── Accounts ───────────────────────────────────────────────────────────────

// OpenAccount creates the user's balance with the initial grant. Opening an
// existing account returns it unchanged.
func (s *Service) OpenAccount(ctx context.Context, userID string) (*domain.Balance, error) {
	if userID == "" {
		return nil, domain.ErrMissingUser
	}
	var out *domain.Balance
	err := s.mutate(ctx, "open_account", map[string]string{"user_id": userID}, func(tx domain.Tx, fx *effects) error {
		b, created, err := tx.OpenAccount(ctx, userID, s.initialCredits)
		if err != nil {
			return err
		}
		if created {
			fx.balance(b)
			if s.initialCredits > 0 {
				fx.moved(domain.MoveIssue, s.initialCredits)
			}
		}
		out = b
		return nil
	})
	return out, err
}

// IssueCredits grants amount to an existing account.
func (s *Service) IssueCredits(ctx context.Context, userID string, amount int64) (*domain.Balance, error) {
	if userID == "" {
		return nil, domain.ErrMissingUser
	}
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	attrs := map[string]string{"user_id": userID, "amount": strconv.FormatInt(amount, 10)}
	var out *domain.Balance
	err := s.mutate(ctx, "issue_credits", attrs, func(tx domain.Tx, fx *effects) error {
		b, err := tx.Issue(ctx, userID, amount)
		if err != nil {
			return err
		}
		fx.balance(b)
		fx.moved(domain.MoveIssue, amount)
		out = b
		return nil
	})
	return out, err
}

// ─── Offers ─────────────────────────────────────────────────────────────────

// PostOffer reserves the offer's cost from the owner's available credits and
// creates the offer. Either both happen or neither does.
func (s *Service) PostOffer(ctx context.Context, in domain.PostOfferInput) (*domain.Offer, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.ServiceType = strings.TrimSpace(in.ServiceType)
	if err := in.Validate(); err != nil {
		return nil, err
	}

	offer := &domain.Offer{
		ID:            s.newID(),
		OwnerID:       in.OwnerID,
		Title:         in.Title,
		Description:   in.Description,
		ServiceType:   in.ServiceType,
		DurationHours: in.DurationHours,
		CreditCost:    in.CreditCost,
		Status:        domain.OfferAvailable,
	}
	attrs := map[string]string{"user_id": in.OwnerID, "offer_id": offer.ID}
	err := s.mutate(ctx, "post_offer", attrs, func(tx domain.Tx, fx *effects) error {
		b, err := tx.Reserve(ctx, in.OwnerID, in.CreditCost, offer.ID)
		if err != nil {
			return err
		}
		if err := tx.InsertOffer(ctx, offer); err != nil {
			return err
		}
		fx.balance(b)
		fx.emit(domain.EntityOffer, offer.ID, string(offer.Status))
		fx.moved(domain.MoveReserve, in.CreditCost)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return offer, nil
}

// CancelOffer withdraws an open offer and returns its reservation to the
// owner. Pending applications on it become void.
func (s *Service) CancelOffer(ctx context.Context, offerID, actorID string) (*domain.Offer, error) {
	if actorID == "" {
		return nil, domain.ErrMissingUser
	}
	attrs := map[string]string{"user_id": actorID, "offer_id": offerID}
	var out *domain.Offer
	err := s.mutate(ctx, "cancel_offer", attrs, func(tx domain.Tx, fx *effects) error {
		o, err := tx.Offer(ctx, offerID)
		if err != nil {
			return err
		}
		if o.OwnerID != actorID {
			return domain.ErrForbidden
		}
		if o.Status.Terminal() {
			return domain.ErrOfferClosed
		}

		cancelled, err := tx.UpdateOfferStatus(ctx, o.ID, o.Status, domain.OfferCancelled, "")
		if err != nil {
			return err
		}
		b, err := tx.Release(ctx, o.OwnerID, o.CreditCost, o.ID)
		if err != nil {
			return err
		}
		fx.emit(domain.EntityOffer, o.ID, string(cancelled.Status))
		fx.balance(b)
		fx.moved(domain.MoveRelease, o.CreditCost)
		out = cancelled
		return nil
	})
	return out, err
}

// CompleteOffer settles a booked offer: the owner's reservation leaves the
// ledger as an unclaimed journal entry for the accepted applicant.
func (s *Service) CompleteOffer(ctx context.Context, offerID, actorID string) (*domain.Offer, error) {
	if actorID == "" {
		return nil, domain.ErrMissingUser
	}
	attrs := map[string]string{"user_id": actorID, "offer_id": offerID}
	var out *domain.Offer
	err := s.mutate(ctx, "complete_offer", attrs, func(tx domain.Tx, fx *effects) error {
		o, err := tx.Offer(ctx, offerID)
		if err != nil {
			return err
		}
		if o.OwnerID != actorID {
			return domain.ErrForbidden
		}
		switch {
		case o.Status.Terminal():
			return domain.ErrOfferClosed
		case o.Status != domain.OfferBooked:
			return domain.ErrOfferNotBooked
		}

		entry, err := tx.Settle(ctx, o.ID, o.OwnerID, o.AcceptedApplicantID, o.CreditCost)
		if err != nil {
			return err
		}
		completed, err := tx.UpdateOfferStatus(ctx, o.ID, domain.OfferBooked, domain.OfferCompleted, "")
		if err != nil {
			return err
		}
		b, err := tx.Balance(ctx, o.OwnerID)
		if err != nil {
			return err
		}
		fx.emit(domain.EntityOffer, o.ID, string(completed.Status))
		fx.emit(domain.EntityJournalEntry, entry.ID, "UNCLAIMED")
		fx.balance(b)
		fx.moved(domain.MoveSettle, o.CreditCost)
		out = completed
		return nil
	})
	return out, err
}

// ─── Applications ───────────────────────────────────────────────────────────

// Apply records a pending application by applicantID on an available offer.
func (s *Service) Apply(ctx context.Context, offerID, applicantID string) (*domain.Application, error) {
	if applicantID == "" {
		return nil, domain.ErrMissingUser
	}
	app := &domain.Application{
		ID:          s.newID(),
		OfferID:     offerID,
		ApplicantID: applicantID,
		Status:      domain.ApplicationPending,
	}
	attrs := map[string]string{"user_id": applicantID, "offer_id": offerID}
	err := s.mutate(ctx, "apply", attrs, func(tx domain.Tx, fx *effects) error {
		o, err := tx.Offer(ctx, offerID)
		if err != nil {
			return err
		}
		if o.OwnerID == applicantID {
			return domain.ErrSelfApplication
		}
		if o.Status != domain.OfferAvailable && o.Status != domain.OfferPending {
			return domain.ErrOfferNotAvailable
		}
		if _, err := tx.ActiveApplication(ctx, offerID, applicantID); err == nil {
			return domain.ErrDuplicateApplication
		} else if !errors.Is(err, domain.ErrApplicationNotFound) {
			return err
		}
		if err := tx.InsertApplication(ctx, app); err != nil {
			return err
		}
		fx.emit(domain.EntityApplication, app.ID, string(app.Status))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// Decide accepts or rejects a pending application. Only the offer owner may
// decide. Accepting books the offer for the applicant and rejects every
// other pending application on it; only the first accept on an offer wins.
func (s *Service) Decide(ctx context.Context, applicationID string, decision domain.Decision, actorID string) (*domain.Application, error) {
	if actorID == "" {
		return nil, domain.ErrMissingUser
	}
	if decision != domain.DecisionAccept && decision != domain.DecisionReject {
		return nil, domain.ErrInvalidDecision
	}
	attrs := map[string]string{"user_id": actorID, "application_id": applicationID, "decision": string(decision)}
	var out *domain.Application
	err := s.mutate(ctx, "decide", attrs, func(tx domain.Tx, fx *effects) error {
		app, err := tx.Application(ctx, applicationID)
		if err != nil {
			return err
		}
		o, err := tx.Offer(ctx, app.OfferID)
		if err != nil {
			return err
		}
		if o.OwnerID != actorID {
			return domain.ErrForbidden
		}
		if o.Status.Terminal() {
			return domain.ErrOfferClosed
		}
		if decision == domain.DecisionAccept && o.Status == domain.OfferBooked {
			return domain.ErrAlreadyBooked
		}
		if app.Status != domain.ApplicationPending {
			return domain.ErrNotPending
		}

		if decision == domain.DecisionReject {
			rejected, err := tx.SetApplicationStatus(ctx, app.ID, domain.ApplicationPending, domain.ApplicationRejected)
			if err != nil {
				return err
			}
			fx.emit(domain.EntityApplication, rejected.ID, string(rejected.Status))
			out = rejected
			return nil
		}

		accepted, err := tx.SetApplicationStatus(ctx, app.ID, domain.ApplicationPending, domain.ApplicationAccepted)
		if err != nil {
			return err
		}
		others, err := tx.RejectPending(ctx, o.ID, app.ID)
		if err != nil {
			return err
		}
		booked, err := tx.UpdateOfferStatus(ctx, o.ID, o.Status, domain.OfferBooked, app.ApplicantID)
		if err != nil {
			return err
		}
		fx.emit(domain.EntityApplication, accepted.ID, string(accepted.Status))
		for _, id := range others {
			fx.emit(domain.EntityApplication, id, string(domain.ApplicationRejected))
		}
		fx.emit(domain.EntityOffer, booked.ID, string(booked.Status))
		out = accepted
		return nil
	})
	return out, err
}

// ─── Journal ────────────────────────────────────────────────────────────────

// Claim moves a settled entry into the payee's available credits. Only the
// payee may claim, and only once.
func (s *Service) Claim(ctx context.Context, entryID, actorID string) (*domain.JournalEntry, error) {
	if actorID == "" {
		return nil, domain.ErrMissingUser
	}
	attrs := map[string]string{"user_id": actorID, "entry_id": entryID}
	var out *domain.JournalEntry
	err := s.mutate(ctx, "claim", attrs, func(tx domain.Tx, fx *effects) error {
		e, err := tx.JournalEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if e.PayeeID != actorID {
			return domain.ErrForbidden
		}
		if e.Claimed {
			return domain.ErrAlreadyClaimed
		}
		claimed, b, err := tx.Claim(ctx, entryID)
		if err != nil {
			return err
		}
		fx.emit(domain.EntityJournalEntry, claimed.ID, "CLAIMED")
		fx.balance(b)
		fx.moved(domain.MoveClaim, claimed.Amount)
		out = claimed
		return nil
	})
	return out, err
}
