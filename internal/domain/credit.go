package domain

import "time"

// ─── Ledger Types ───────────────────────────────────────────────────────────
// Every balance mutation appends one Movement. Replaying a user's movements
// reproduces their Balance.

// MovementType is the business reason for a balance mutation.
type MovementType string

const (
	MoveIssue   MovementType = "ISSUE"   // credits granted to available
	MoveReserve MovementType = "RESERVE" // available → reserved
	MoveRelease MovementType = "RELEASE" // reserved → available
	MoveSettle  MovementType = "SETTLE"  // reserved → journal entry (leaves payer)
	MoveClaim   MovementType = "CLAIM"   // journal entry → payee available
)

// Apply returns the balance deltas (available, reserved) of a movement of amount.
func (t MovementType) Apply(amount int64) (dAvailable, dReserved int64) {
	switch t {
	case MoveIssue, MoveClaim:
		return amount, 0
	case MoveReserve:
		return -amount, amount
	case MoveRelease:
		return amount, -amount
	case MoveSettle:
		return 0, -amount
	}
	return 0, 0
}

// Movement is a single row in the append-only ledger movement log.
type Movement struct {
	ID             int64        `json:"id"`
	UserID         string       `json:"user_id"`
	Type           MovementType `json:"type"`
	Amount         int64        `json:"amount"`
	OfferID        string       `json:"offer_id,omitempty"`
	EntryID        string       `json:"entry_id,omitempty"`
	AvailableAfter int64        `json:"available_after"`
	ReservedAfter  int64        `json:"reserved_after"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Replay folds movements into the balance they describe.
func Replay(userID string, moves []Movement) Balance {
	b := Balance{UserID: userID}
	for _, m := range moves {
		da, dr := m.Type.Apply(m.Amount)
		b.Available += da
		b.Reserved += dr
		b.UpdatedAt = m.CreatedAt
	}
	return b
}

// JournalEntry is the immutable record of one settled offer. Only Claimed
// changes, false → true, exactly once.
type JournalEntry struct {
	ID        string     `json:"id"`
	OfferID   string     `json:"offer_id"`
	PayerID   string     `json:"payer_id"`
	PayeeID   string     `json:"payee_id"`
	Amount    int64      `json:"amount"`
	SettledAt time.Time  `json:"settled_at"`
	Claimed   bool       `json:"claimed"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

// ─── Change Events ──────────────────────────────────────────────────────────

// EntityType names the kind of entity a ChangeEvent refers to.
type EntityType string

const (
	EntityBalance      EntityType = "balance"
	EntityOffer        EntityType = "offer"
	EntityApplication  EntityType = "application"
	EntityJournalEntry EntityType = "journal_entry"
)

// ChangeEvent is published after a committed mutation. Consumers treat it as
// a hint to re-fetch, never as the authoritative state.
type ChangeEvent struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	NewState   string     `json:"new_state"`
	OccurredAt time.Time  `json:"occurred_at"`
}
