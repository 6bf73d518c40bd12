package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/timebank-network/timebank/internal/domain"
)

// ─── Ledger Store ───────────────────────────────────────────────────────────

const selectBalance = `SELECT user_id, available, reserved, version, updated_at FROM balances`

func scanBalance(row rowScanner) (*domain.Balance, error) {
	var b domain.Balance
	var updated string
	if err := row.Scan(&b.UserID, &b.Available, &b.Reserved, &b.Version, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("scan balance: %w", err)
	}
	b.UpdatedAt = parseTS(updated)
	return &b, nil
}

// Balance reads a balance inside the transaction.
func (t *Tx) Balance(ctx context.Context, userID string) (*domain.Balance, error) {
	return scanBalance(t.tx.QueryRowContext(ctx, selectBalance+` WHERE user_id = ?`, userID))
}

// OpenAccount creates the user's balance, issuing initial credits. Opening an
// existing account is a no-op.
func (t *Tx) OpenAccount(ctx context.Context, userID string, initial int64) (*domain.Balance, bool, error) {
	if userID == "" {
		return nil, false, domain.ErrMissingUser
	}
	if initial < 0 {
		return nil, false, domain.ErrInvalidAmount
	}
	existing, err := t.Balance(ctx, userID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, domain.ErrAccountNotFound) {
		return nil, false, err
	}

	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, available, reserved, version, created_at, updated_at)
		VALUES (?, 0, 0, 0, ?, ?)
	`, userID, ts(t.now), ts(t.now)); err != nil {
		return nil, false, fmt.Errorf("insert balance: %w", err)
	}
	if initial == 0 {
		b, err := t.Balance(ctx, userID)
		return b, true, err
	}
	b, err := t.move(ctx, userID, domain.MoveIssue, initial, "", "")
	return b, true, err
}

// Issue grants credits to available.
func (t *Tx) Issue(ctx context.Context, userID string, amount int64) (*domain.Balance, error) {
	return t.move(ctx, userID, domain.MoveIssue, amount, "", "")
}

// Reserve moves amount from available to reserved against offerID.
func (t *Tx) Reserve(ctx context.Context, userID string, amount int64, offerID string) (*domain.Balance, error) {
	return t.move(ctx, userID, domain.MoveReserve, amount, offerID, "")
}

// Release returns a reservation to available.
func (t *Tx) Release(ctx context.Context, userID string, amount int64, offerID string) (*domain.Balance, error) {
	return t.move(ctx, userID, domain.MoveRelease, amount, offerID, "")
}

// Settle removes amount from the payer's reservation and journals it as an
// unclaimed entry for the payee.
func (t *Tx) Settle(ctx context.Context, offerID, payerID, payeeID string, amount int64) (*domain.JournalEntry, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	var exists int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM journal_entries WHERE offer_id = ?`, offerID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check settlement: %w", err)
	}
	if exists > 0 {
		return nil, domain.ErrAlreadySettled
	}

	entry := &domain.JournalEntry{
		ID:        uuid.NewString(),
		OfferID:   offerID,
		PayerID:   payerID,
		PayeeID:   payeeID,
		Amount:    amount,
		SettledAt: t.now,
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO journal_entries (id, offer_id, payer_id, payee_id, amount, settled_at, claimed)
		VALUES (?, ?, ?, ?, ?, ?, 0)
	`, entry.ID, entry.OfferID, entry.PayerID, entry.PayeeID, entry.Amount, ts(entry.SettledAt)); err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadySettled
		}
		return nil, fmt.Errorf("insert journal entry: %w", err)
	}

	if _, err := t.move(ctx, payerID, domain.MoveSettle, amount, offerID, entry.ID); err != nil {
		return nil, err
	}
	return entry, nil
}

// Claim marks the entry claimed and credits the payee. The guarded update
// makes a second claim fail with ErrAlreadyClaimed.
func (t *Tx) Claim(ctx context.Context, entryID string) (*domain.JournalEntry, *domain.Balance, error) {
	entry, err := t.JournalEntry(ctx, entryID)
	if err != nil {
		return nil, nil, err
	}
	if entry.Claimed {
		return nil, nil, domain.ErrAlreadyClaimed
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE journal_entries SET claimed = 1, claimed_at = ?
		WHERE id = ? AND claimed = 0
	`, ts(t.now), entryID)
	if err != nil {
		return nil, nil, fmt.Errorf("claim journal entry: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return nil, nil, err
	}
	if n == 0 {
		return nil, nil, domain.ErrAlreadyClaimed
	}

	if _, _, err := t.OpenAccount(ctx, entry.PayeeID, 0); err != nil {
		return nil, nil, err
	}
	b, err := t.move(ctx, entry.PayeeID, domain.MoveClaim, entry.Amount, entry.OfferID, entry.ID)
	if err != nil {
		return nil, nil, err
	}

	claimedAt := t.now
	entry.Claimed = true
	entry.ClaimedAt = &claimedAt
	return entry, b, nil
}

// Movements returns the user's movement log, oldest first.
func (t *Tx) Movements(ctx context.Context, userID string) ([]domain.Movement, error) {
	return queryMovements(ctx, t.tx, userID)
}

// move applies one movement with an optimistic version check and appends
// it to the log. It never lets available or reserved go negative.
func (t *Tx) move(ctx context.Context, userID string, typ domain.MovementType, amount int64, offerID, entryID string) (*domain.Balance, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	b, err := t.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}

	dAvail, dRes := typ.Apply(amount)
	if b.Available+dAvail < 0 {
		return nil, domain.ErrInsufficientFunds
	}
	if b.Reserved+dRes < 0 {
		return nil, fmt.Errorf("%s %d for %s exceeds reserved %d: %w", typ, amount, userID, b.Reserved, domain.ErrInvalidTransition)
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE balances
		SET available = available + ?, reserved = reserved + ?, version = version + 1, updated_at = ?
		WHERE user_id = ? AND version = ?
	`, dAvail, dRes, ts(t.now), userID, b.Version)
	if err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, domain.ErrConflict
	}

	b.Available += dAvail
	b.Reserved += dRes
	b.Version++
	b.UpdatedAt = t.now

	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_movements (user_id, type, amount, offer_id, entry_id, available_after, reserved_after, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?)
	`, userID, string(typ), amount, offerID, entryID, b.Available, b.Reserved, ts(t.now)); err != nil {
		return nil, fmt.Errorf("append movement: %w", err)
	}
	return b, nil
}

// ─── Shared Ledger Queries ──────────────────────────────────────────────────

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryMovements(ctx context.Context, q querier, userID string) ([]domain.Movement, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, user_id, type, amount, COALESCE(offer_id, ''), COALESCE(entry_id, ''),
		       available_after, reserved_after, created_at
		FROM ledger_movements WHERE user_id = ? ORDER BY id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query movements: %w", err)
	}
	defer rows.Close()

	var out []domain.Movement
	for rows.Next() {
		var m domain.Movement
		var typ, created string
		if err := rows.Scan(&m.ID, &m.UserID, &typ, &m.Amount, &m.OfferID, &m.EntryID,
			&m.AvailableAfter, &m.ReservedAfter, &created); err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		m.Type = domain.MovementType(typ)
		m.CreatedAt = parseTS(created)
		out = append(out, m)
	}
	return out, rows.Err()
}
