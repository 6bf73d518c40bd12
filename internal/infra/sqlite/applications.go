package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/timebank-network/timebank/internal/domain"
)

// ─── Application Registry ───────────────────────────────────────────────────

const selectApplication = `
	SELECT a.id, a.offer_id, a.applicant_id, a.status, a.created_at, a.updated_at
	FROM applications a`

func scanApplication(row rowScanner) (*domain.Application, error) {
	var a domain.Application
	var status, created, updated string
	if err := row.Scan(&a.ID, &a.OfferID, &a.ApplicantID, &status, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrApplicationNotFound
		}
		return nil, fmt.Errorf("scan application: %w", err)
	}
	a.Status = domain.ApplicationStatus(status)
	a.CreatedAt = parseTS(created)
	a.UpdatedAt = parseTS(updated)
	return &a, nil
}

// InsertApplication stores a new application. The partial unique index on
// active applications turns a duplicate into ErrDuplicateApplication.
func (t *Tx) InsertApplication(ctx context.Context, a *domain.Application) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = t.now
	}
	a.UpdatedAt = a.CreatedAt
	if a.Status == "" {
		a.Status = domain.ApplicationPending
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO applications (id, offer_id, applicant_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.OfferID, a.ApplicantID, string(a.Status), ts(a.CreatedAt), ts(a.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateApplication
		}
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

// Application reads an application inside the transaction.
func (t *Tx) Application(ctx context.Context, id string) (*domain.Application, error) {
	return scanApplication(t.tx.QueryRowContext(ctx, selectApplication+` WHERE a.id = ?`, id))
}

// ActiveApplication returns the applicant's pending or accepted application
// on the offer, or ErrApplicationNotFound.
func (t *Tx) ActiveApplication(ctx context.Context, offerID, applicantID string) (*domain.Application, error) {
	return scanApplication(t.tx.QueryRowContext(ctx, selectApplication+`
		WHERE a.offer_id = ? AND a.applicant_id = ? AND a.status IN ('PENDING', 'ACCEPTED')
	`, offerID, applicantID))
}

// SetApplicationStatus moves the application from → to if it is still in from.
func (t *Tx) SetApplicationStatus(ctx context.Context, id string, from, to domain.ApplicationStatus) (*domain.Application, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE applications SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, string(to), ts(t.now), id, string(from))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyBooked
		}
		return nil, fmt.Errorf("update application status: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := t.Application(ctx, id); err != nil {
			return nil, err
		}
		if from == domain.ApplicationPending {
			return nil, domain.ErrNotPending
		}
		return nil, domain.ErrConflict
	}
	return t.Application(ctx, id)
}

// RejectPending rejects every pending application on offerID except keepID.
func (t *Tx) RejectPending(ctx context.Context, offerID, keepID string) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id FROM applications WHERE offer_id = ? AND status = 'PENDING' AND id <> ? ORDER BY created_at, id
	`, offerID, keepID)
	if err != nil {
		return nil, fmt.Errorf("select pending applications: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan application id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := t.tx.ExecContext(ctx, `
		UPDATE applications SET status = 'REJECTED', updated_at = ?
		WHERE offer_id = ? AND status = 'PENDING' AND id <> ?
	`, ts(t.now), offerID, keepID); err != nil {
		return nil, fmt.Errorf("reject pending applications: %w", err)
	}
	return ids, nil
}

// ─── Application Queries ────────────────────────────────────────────────────

// ListApplications returns applications by offer and/or applicant, oldest
// first. Pending applications on a closed offer are void and never returned.
func (d *DB) ListApplications(ctx context.Context, f domain.ApplicationFilter) ([]domain.Application, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	where := []string{`NOT (a.status = 'PENDING' AND o.status IN ('CANCELLED', 'COMPLETED'))`}
	var args []any
	if f.OfferID != "" {
		where = append(where, "a.offer_id = ?")
		args = append(args, f.OfferID)
	}
	if f.ApplicantID != "" {
		where = append(where, "a.applicant_id = ?")
		args = append(args, f.ApplicantID)
	}

	rows, err := d.db.QueryContext(ctx, selectApplication+`
		JOIN offers o ON o.id = a.offer_id
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY a.created_at, a.id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()

	out := []domain.Application{}
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
