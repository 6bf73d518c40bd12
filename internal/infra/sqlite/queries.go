package sqlite

import (
	"context"
	"fmt"

	"github.com/timebank-network/timebank/internal/domain"
)

// ─── Read Queries ───────────────────────────────────────────────────────────

// GetBalance reads a committed balance.
func (d *DB) GetBalance(ctx context.Context, userID string) (*domain.Balance, error) {
	return scanBalance(d.db.QueryRowContext(ctx, selectBalance+` WHERE user_id = ?`, userID))
}

// ListMovements returns the user's movement log, oldest first.
func (d *DB) ListMovements(ctx context.Context, userID string) ([]domain.Movement, error) {
	return queryMovements(ctx, d.db, userID)
}

// Stats aggregates a user's exchange activity in a single round trip.
func (d *DB) Stats(ctx context.Context, userID string) (*domain.UserStats, error) {
	s := domain.UserStats{UserID: userID}
	err := d.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM offers WHERE owner_id = ?1 AND status IN ('AVAILABLE', 'PENDING', 'BOOKED')),
			(SELECT COUNT(*) FROM offers WHERE owner_id = ?1 AND status = 'COMPLETED'),
			(SELECT COUNT(*) FROM offers WHERE accepted_applicant_id = ?1 AND status = 'COMPLETED'),
			(SELECT COALESCE(SUM(duration_hours), 0) FROM offers
			  WHERE status = 'COMPLETED' AND (owner_id = ?1 OR accepted_applicant_id = ?1)),
			(SELECT COALESCE(SUM(amount), 0) FROM journal_entries WHERE payer_id = ?1),
			(SELECT COALESCE(SUM(amount), 0) FROM journal_entries WHERE payee_id = ?1 AND claimed = 1),
			(SELECT COALESCE(SUM(amount), 0) FROM journal_entries WHERE payee_id = ?1 AND claimed = 0)
	`, userID).Scan(
		&s.ActiveOffers,
		&s.CompletedAsOwner,
		&s.CompletedAsPerformer,
		&s.HoursExchanged,
		&s.CreditsSpent,
		&s.CreditsEarned,
		&s.UnclaimedCredits,
	)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	return &s, nil
}
