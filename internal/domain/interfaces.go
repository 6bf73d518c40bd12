package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// LedgerStore mutates balances. Every method appends a Movement and never
// leaves Available or Reserved negative.
type LedgerStore interface {
	Balance(ctx context.Context, userID string) (*Balance, error)

	// OpenAccount creates the balance with initial credits. Returns created=false
	// and the existing balance if the account is already open.
	OpenAccount(ctx context.Context, userID string, initial int64) (b *Balance, created bool, err error)
	Issue(ctx context.Context, userID string, amount int64) (*Balance, error)

	// Reserve fails with ErrInsufficientFunds, without side effect, when
	// Available < amount.
	Reserve(ctx context.Context, userID string, amount int64, offerID string) (*Balance, error)
	Release(ctx context.Context, userID string, amount int64, offerID string) (*Balance, error)

	// Settle removes amount from the payer's reservation and appends an
	// unclaimed journal entry for the payee. A second settle of the same
	// offer fails with ErrAlreadySettled.
	Settle(ctx context.Context, offerID, payerID, payeeID string, amount int64) (*JournalEntry, error)

	// Claim flips the entry to claimed and credits the payee, exactly once.
	Claim(ctx context.Context, entryID string) (*JournalEntry, *Balance, error)

	Movements(ctx context.Context, userID string) ([]Movement, error)
}

// OfferRegistry persists offers.
type OfferRegistry interface {
	InsertOffer(ctx context.Context, o *Offer) error
	Offer(ctx context.Context, id string) (*Offer, error)

	// UpdateOfferStatus is a compare-and-set on from; it fails with
	// ErrConflict if the stored status is no longer from.
	UpdateOfferStatus(ctx context.Context, id string, from, to OfferStatus, acceptedApplicantID string) (*Offer, error)
}

// ApplicationRegistry persists applications.
type ApplicationRegistry interface {
	InsertApplication(ctx context.Context, a *Application) error
	Application(ctx context.Context, id string) (*Application, error)
	ActiveApplication(ctx context.Context, offerID, applicantID string) (*Application, error)

	// SetApplicationStatus is a compare-and-set on from.
	SetApplicationStatus(ctx context.Context, id string, from, to ApplicationStatus) (*Application, error)

	// RejectPending rejects every pending application on the offer except
	// keepID and returns the ids it rejected.
	RejectPending(ctx context.Context, offerID, keepID string) ([]string, error)
}

// Journal reads settled entries.
type Journal interface {
	JournalEntry(ctx context.Context, id string) (*JournalEntry, error)
}

// Tx is the unit of atomicity: every mutation made through it commits or
// rolls back together.
type Tx interface {
	LedgerStore
	OfferRegistry
	ApplicationRegistry
	Journal
}

// Store is the durable backing of the marketplace.
type Store interface {
	// InTx runs fn in a serializable transaction. fn's error rolls back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetBalance(ctx context.Context, userID string) (*Balance, error)
	GetOffer(ctx context.Context, id string) (*Offer, error)
	ListOffers(ctx context.Context, f OfferFilter) ([]Offer, error)
	ListApplications(ctx context.Context, f ApplicationFilter) ([]Application, error)
	ListUnclaimed(ctx context.Context, payeeID string) ([]JournalEntry, error)
	ListJournal(ctx context.Context, userID string) ([]JournalEntry, error)
	ListMovements(ctx context.Context, userID string) ([]Movement, error)
	Stats(ctx context.Context, userID string) (*UserStats, error)
}

// Notifier receives change events after commit.
type Notifier interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}
