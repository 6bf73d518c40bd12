package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/timebank-network/timebank/internal/domain"
)

// ─── Transaction Journal ────────────────────────────────────────────────────

const selectEntry = `
	SELECT id, offer_id, payer_id, payee_id, amount, settled_at, claimed, claimed_at
	FROM journal_entries`

func scanEntry(row rowScanner) (*domain.JournalEntry, error) {
	var e domain.JournalEntry
	var settled string
	var claimed int
	var claimedAt sql.NullString
	if err := row.Scan(&e.ID, &e.OfferID, &e.PayerID, &e.PayeeID, &e.Amount, &settled, &claimed, &claimedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrEntryNotFound
		}
		return nil, fmt.Errorf("scan journal entry: %w", err)
	}
	e.SettledAt = parseTS(settled)
	e.Claimed = claimed == 1
	if claimedAt.Valid {
		t := parseTS(claimedAt.String)
		e.ClaimedAt = &t
	}
	return &e, nil
}

// JournalEntry reads an entry inside the transaction.
func (t *Tx) JournalEntry(ctx context.Context, id string) (*domain.JournalEntry, error) {
	return scanEntry(t.tx.QueryRowContext(ctx, selectEntry+` WHERE id = ?`, id))
}

// ListUnclaimed returns the payee's unclaimed entries, oldest first.
func (d *DB) ListUnclaimed(ctx context.Context, payeeID string) ([]domain.JournalEntry, error) {
	return d.queryEntries(ctx, selectEntry+` WHERE payee_id = ? AND claimed = 0 ORDER BY settled_at, id`, payeeID)
}

// ListJournal returns every entry the user paid or earned, newest first.
func (d *DB) ListJournal(ctx context.Context, userID string) ([]domain.JournalEntry, error) {
	return d.queryEntries(ctx, selectEntry+` WHERE payer_id = ? OR payee_id = ? ORDER BY settled_at DESC, id`, userID, userID)
}

func (d *DB) queryEntries(ctx context.Context, query string, args ...any) ([]domain.JournalEntry, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	out := []domain.JournalEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
