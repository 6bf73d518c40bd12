package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/timebank-network/timebank/internal/domain"
)

// ─── Offer Registry ─────────────────────────────────────────────────────────

const selectOffer = `
	SELECT id, owner_id, title, description, service_type, duration_hours, credit_cost,
	       status, COALESCE(accepted_applicant_id, ''), created_at, updated_at
	FROM offers`

func scanOffer(row rowScanner) (*domain.Offer, error) {
	var o domain.Offer
	var status, created, updated string
	if err := row.Scan(&o.ID, &o.OwnerID, &o.Title, &o.Description, &o.ServiceType,
		&o.DurationHours, &o.CreditCost, &status, &o.AcceptedApplicantID, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrOfferNotFound
		}
		return nil, fmt.Errorf("scan offer: %w", err)
	}
	o.Status = domain.OfferStatus(status)
	o.CreatedAt = parseTS(created)
	o.UpdatedAt = parseTS(updated)
	return &o, nil
}

// InsertOffer stores a new offer. CreatedAt/UpdatedAt default to the
// transaction time.
func (t *Tx) InsertOffer(ctx context.Context, o *domain.Offer) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = t.now
	}
	o.UpdatedAt = o.CreatedAt
	if o.Status == "" {
		o.Status = domain.OfferAvailable
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO offers (id, owner_id, title, description, service_type, duration_hours,
		                    credit_cost, status, accepted_applicant_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)
	`, o.ID, o.OwnerID, o.Title, o.Description, o.ServiceType, o.DurationHours,
		o.CreditCost, string(o.Status), o.AcceptedApplicantID, ts(o.CreatedAt), ts(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert offer: %w", err)
	}
	return nil
}

// Offer reads an offer inside the transaction.
func (t *Tx) Offer(ctx context.Context, id string) (*domain.Offer, error) {
	return scanOffer(t.tx.QueryRowContext(ctx, selectOffer+` WHERE id = ?`, id))
}

// UpdateOfferStatus moves the offer from → to if, and only if, it is still
// in from. acceptedApplicantID is recorded when non-empty.
func (t *Tx) UpdateOfferStatus(ctx context.Context, id string, from, to domain.OfferStatus, acceptedApplicantID string) (*domain.Offer, error) {
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("offer %s: %s → %s: %w", id, from, to, domain.ErrInvalidTransition)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE offers
		SET status = ?, accepted_applicant_id = COALESCE(NULLIF(?, ''), accepted_applicant_id), updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), acceptedApplicantID, ts(t.now), id, string(from))
	if err != nil {
		return nil, fmt.Errorf("update offer status: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := t.Offer(ctx, id); err != nil {
			return nil, err
		}
		return nil, domain.ErrConflict
	}
	return t.Offer(ctx, id)
}

// ─── Offer Queries ──────────────────────────────────────────────────────────

// GetOffer reads a committed offer.
func (d *DB) GetOffer(ctx context.Context, id string) (*domain.Offer, error) {
	return scanOffer(d.db.QueryRowContext(ctx, selectOffer+` WHERE id = ?`, id))
}

// ListOffers returns offers matching f, newest first. All matching offers are
// fetched in one query.
func (d *DB) ListOffers(ctx context.Context, f domain.OfferFilter) ([]domain.Offer, error) {
	var where []string
	var args []any

	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.PerformerID != "" {
		where = append(where, "accepted_applicant_id = ?")
		args = append(args, f.PerformerID)
	}
	if f.ServiceType != "" {
		where = append(where, "service_type = ?")
		args = append(args, f.ServiceType)
	}
	if f.Search != "" {
		where = append(where, "title LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(f.Search)+"%")
	}

	query := selectOffer
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, f.EffectiveLimit(), offset)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer rows.Close()

	out := []domain.Offer{}
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
