package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timebank-network/timebank/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err, "open db")
	t.Cleanup(func() { db.Close() })
	return db
}

func inTx(t *testing.T, db *DB, fn func(tx domain.Tx) error) {
	t.Helper()
	require.NoError(t, db.InTx(context.Background(), fn))
}

func openAccount(t *testing.T, db *DB, user string, credits int64) {
	t.Helper()
	inTx(t, db, func(tx domain.Tx) error {
		_, _, err := tx.OpenAccount(context.Background(), user, credits)
		return err
	})
}

func insertOffer(t *testing.T, db *DB, owner string, cost int64, title string) *domain.Offer {
	t.Helper()
	o := &domain.Offer{
		ID:            uuid.NewString(),
		OwnerID:       owner,
		Title:         title,
		ServiceType:   "gardening",
		DurationHours: 2,
		CreditCost:    cost,
	}
	inTx(t, db, func(tx domain.Tx) error {
		ctx := context.Background()
		if _, err := tx.Reserve(ctx, owner, cost, o.ID); err != nil {
			return err
		}
		return tx.InsertOffer(ctx, o)
	})
	return o
}

// ─── Schema ─────────────────────────────────────────────────────────────────

func TestOpen_AppliesMigrationsOnce(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	require.NoError(t, err)
	v, err := db.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(migrations()), v)
	require.NoError(t, db.Close())

	db, err = OpenPath(filepath.Join(dir, FileName), DefaultOptions())
	require.NoError(t, err, "reopen")
	defer db.Close()
	v, err = db.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(migrations()), v)
}

// ─── Ledger ─────────────────────────────────────────────────────────────────

func TestOpenAccount_IssuesInitialCreditsOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	inTx(t, db, func(tx domain.Tx) error {
		b, created, err := tx.OpenAccount(ctx, "alice", 10)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, int64(10), b.Available)

		b, created, err = tx.OpenAccount(ctx, "alice", 10)
		require.NoError(t, err)
		assert.False(t, created, "second open is a no-op")
		assert.Equal(t, int64(10), b.Available)
		return nil
	})

	moves, err := db.ListMovements(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.Equal(t, domain.MoveIssue, moves[0].Type)
}

func TestGetBalance_NotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetBalance(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestReserve_InsufficientFundsHasNoSideEffect(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	openAccount(t, db, "alice", 3)

	err := db.InTx(ctx, func(tx domain.Tx) error {
		_, err := tx.Reserve(ctx, "alice", 5, "offer-1")
		return err
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	b, err := db.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), b.Available)
	assert.Equal(t, int64(0), b.Reserved)
	assert.Equal(t, int64(1), b.Version)

	moves, err := db.ListMovements(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, moves, 1, "only the issue movement")
}

func TestReserveRelease_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	openAccount(t, db, "alice", 10)

	inTx(t, db, func(tx domain.Tx) error {
		b, err := tx.Reserve(ctx, "alice", 4, "offer-1")
		require.NoError(t, err)
		assert.Equal(t, int64(6), b.Available)
		assert.Equal(t, int64(4), b.Reserved)

		b, err = tx.Release(ctx, "alice", 4, "offer-1")
		require.NoError(t, err)
		assert.Equal(t, int64(10), b.Available)
		assert.Equal(t, int64(0), b.Reserved)
		return nil
	})

	moves, err := db.ListMovements(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, moves, 3)
	assert.Equal(t, "offer-1", moves[1].OfferID)
	replayed := domain.Replay("alice", moves)
	assert.Equal(t, int64(10), replayed.Available)
}

func TestRelease_MoreThanReservedFails(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	openAccount(t, db, "alice", 10)

	err := db.InTx(ctx, func(tx domain.Tx) error {
		_, err := tx.Release(ctx, "alice", 1, "offer-1")
		return err
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestInTx_RollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	openAccount(t, db, "alice", 10)
	boom := errors.New("boom")

	err := db.InTx(ctx, func(tx domain.Tx) error {
		if _, err := tx.Reserve(ctx, "alice", 4, "offer-1"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	b, err := db.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.Available)
	assert.Equal(t, int64(0), b.Reserved)
}

func TestInTx_CancelledContextCommitsNothing(t *testing.T) {
	db := newTestDB(t)
	openAccount(t, db, "alice", 10)
	ctx, cancel := context.WithCancel(context.Background())

	err := db.InTx(ctx, func(tx domain.Tx) error {
		if _, err := tx.Reserve(ctx, "alice", 4, "offer-1"); err != nil {
			return err
		}
		cancel()
		return ctx.Err()
	})
	require.Error(t, err)

	b, err := db.GetBalance(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.Available)
}

func TestSettleAndClaim(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	openAccount(t, db, "alice", 10)
	o := insertOffer(t, db, "alice", 4, "Walk the dog")

	var entry *domain.JournalEntry
	inTx(t, db, func(tx domain.Tx) error {
		var err error
		entry, err = tx.Settle(ctx, o.ID, "alice", "bob", 4)
		return err
	})
	assert.False(t, entry.Claimed)

	alice, err := db.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(6), alice.Available)
	assert.Equal(t, int64(0), alice.Reserved)

	err = db.InTx(ctx, func(tx domain.Tx) error {
		_, err := tx.Settle(ctx, o.ID, "alice", "bob", 4)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)

	unclaimed, err := db.ListUnclaimed(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, unclaimed, 1)

	inTx(t, db, func(tx domain.Tx) error {
		e, b, err := tx.Claim(ctx, entry.ID)
		require.NoError(t, err)
		assert.True(t, e.Claimed)
		assert.NotNil(t, e.ClaimedAt)
		assert.Equal(t, int64(4), b.Available)
		return nil
	})

	err = db.InTx(ctx, func(tx domain.Tx) error {
		_, _, err := tx.Claim(ctx, entry.ID)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)

	bob, err := db.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(4), bob.Available, "credited exactly once")

	unclaimed, err = db.ListUnclaimed(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, unclaimed)

	journal, err := db.ListJournal(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, journal, 1)
}

func TestClaim_UnknownEntry(t *testing.T) {
	db := newTestDB(t)
	err := db.InTx(context.Background(), func(tx domain.Tx) error {
		_, _, err := tx.Claim(context.Background(), "missing")
		return err
	})
	assert.ErrorIs(t, err, domain.ErrEntryNotFound)
}

// ─── Offers ─────────────────────────────────────────────────────────────────

func TestUpdateOfferStatus_CompareAndSet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	openAccount(t, db, "alice", 10)
	o := insertOffer(t, db, "alice", 2, "Paint fence")

	inTx(t, db, func(tx domain.Tx) error {
		got, err := tx.UpdateOfferStatus(ctx, o.ID, domain.OfferAvailable, domain.OfferBooked, "bob")
		require.NoError(t, err)
		assert.Equal(t, domain.OfferBooked, got.Status)
		assert.Equal(t, "bob", got.AcceptedApplicantID)

		_, err = tx.UpdateOfferStatus(ctx, o.ID, domain.OfferAvailable, domain.OfferBooked, "carol")
		assert.ErrorIs(t, err, domain.ErrConflict, "stale from-status")

		_, err = tx.UpdateOfferStatus(ctx, o.ID, domain.OfferBooked, domain.OfferAvailable, "")
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		_, err = tx.UpdateOfferStatus(ctx, "missing", domain.OfferAvailable, domain.OfferCancelled, "")
		assert.ErrorIs(t, err, domain.ErrOfferNotFound)
		return nil
	})
}

func TestListOffers_Filters(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	openAccount(t, db, "alice", 20)
	openAccount(t, db, "carol", 20)
	bike := insertOffer(t, db, "alice", 2, "Fix my bike")
	insertOffer(t, db, "alice", 2, "Bake bread")
	insertOffer(t, db, "carol", 2, "Bike lessons")

	inTx(t, db, func(tx domain.Tx) error {
		_, err := tx.UpdateOfferStatus(ctx, bike.ID, domain.OfferAvailable, domain.OfferBooked, "bob")
		return err
	})

	tests := []struct {
		name   string
		filter domain.OfferFilter
		want   int
	}{
		{"all", domain.OfferFilter{}, 3},
		{"by owner", domain.OfferFilter{OwnerID: "alice"}, 2},
		{"available only", domain.OfferFilter{Statuses: []domain.OfferStatus{domain.OfferAvailable}}, 2},
		{"by performer", domain.OfferFilter{PerformerID: "bob"}, 1},
		{"search is case-insensitive", domain.OfferFilter{Search: "BIKE"}, 2},
		{"search escapes wildcards", domain.OfferFilter{Search: "%"}, 0},
		{"limit", domain.OfferFilter{Limit: 1}, 1},
		{"offset past end", domain.OfferFilter{Offset: 10}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.ListOffers(ctx, tt.filter)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

// ─── Ordering ───────────────────────────────────────────────────────────────

// sameSecond holds three instants within one second whose RFC3339Nano forms
// differ in width: 03:04:05Z, 03:04:05.1Z and 03:04:05.12Z.
var sameSecond = []time.Time{
	time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	time.Date(2024, 1, 2, 3, 4, 5, 100_000_000, time.UTC),
	time.Date(2024, 1, 2, 3, 4, 5, 120_000_000, time.UTC),
}

// setClock pins the time used by the next transactions.
func setClock(db *DB, at time.Time) {
	db.now = func() time.Time { return at }
}

func offerTitles(offers []domain.Offer) []string {
	out := make([]string, len(offers))
	for i, o := range offers {
		out[i] = o.Title
	}
	return out
}

func TestTimestamps_FixedWidth(t *testing.T) {
	for _, at := range sameSecond {
		got := ts(at)
		assert.Len(t, got, tsWidth, got)
		assert.True(t, parseTS(got).Equal(at))
	}
	assert.Less(t, ts(sameSecond[0]), ts(sameSecond[1]))
	assert.Less(t, ts(sameSecond[1]), ts(sameSecond[2]))
}

func TestListOffers_NewestFirstWithinOneSecond(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	openAccount(t, db, "alice", 20)

	for i, at := range sameSecond {
		setClock(db, at)
		insertOffer(t, db, "alice", 1, []string{"whole", "tenth", "twelve-hundredths"}[i])
	}

	got, err := db.ListOffers(ctx, domain.OfferFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"twelve-hundredths", "tenth", "whole"}, offerTitles(got))
}

func TestJournal_OrderWithinOneSecond(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	openAccount(t, db, "alice", 20)

	// Settle out of time order so insertion order cannot mask the sort.
	order := []int{2, 0, 1}
	entries := make([]string, len(sameSecond))
	for _, i := range order {
		o := insertOffer(t, db, "alice", 1, "job")
		setClock(db, sameSecond[i])
		inTx(t, db, func(tx domain.Tx) error {
			e, err := tx.Settle(ctx, o.ID, "alice", "bob", 1)
			if err != nil {
				return err
			}
			entries[i] = e.ID
			return nil
		})
	}

	unclaimed, err := db.ListUnclaimed(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, unclaimed, 3)
	for i, e := range unclaimed {
		assert.Equal(t, entries[i], e.ID, "unclaimed oldest first, position %d", i)
	}

	journal, err := db.ListJournal(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, journal, 3)
	for i, e := range journal {
		assert.Equal(t, entries[len(entries)-1-i], e.ID, "journal newest first, position %d", i)
	}
}

func TestApplications_OrderWithinOneSecond(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	openAccount(t, db, "alice", 10)
	o := insertOffer(t, db, "alice", 2, "Tutoring")

	apps := []*domain.Application{newApplication(o.ID, "bob"), newApplication(o.ID, "carol"), newApplication(o.ID, "dave")}
	for _, i := range []int{2, 0, 1} {
		setClock(db, sameSecond[i])
		inTx(t, db, func(tx domain.Tx) error { return tx.InsertApplication(ctx, apps[i]) })
	}

	got, err := db.ListApplications(ctx, domain.ApplicationFilter{OfferID: o.ID})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, a := range got {
		assert.Equal(t, apps[i].ID, a.ID, "oldest first, position %d", i)
	}

	inTx(t, db, func(tx domain.Tx) error {
		ids, err := tx.RejectPending(ctx, o.ID, "")
		require.NoError(t, err)
		assert.Equal(t, []string{apps[0].ID, apps[1].ID, apps[2].ID}, ids)
		return nil
	})
}

func TestMigration_PadsVariableWidthTimestamps(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	require.NoError(t, err)
	ctx := context.Background()

	// Rows as written by the RFC3339Nano layout, then roll back migration 2.
	raw := []string{"2024-01-02T03:04:05Z", "2024-01-02T03:04:05.1Z", "2024-01-02T03:04:05.12Z"}
	_, err = db.db.ExecContext(ctx, `INSERT INTO balances (user_id, available, reserved, version, created_at, updated_at)
		VALUES ('alice', 0, 0, 0, ?, ?)`, raw[0], raw[0])
	require.NoError(t, err)
	for i, at := range raw {
		_, err = db.db.ExecContext(ctx, `INSERT INTO offers (id, owner_id, title, duration_hours, credit_cost, status, created_at, updated_at)
			VALUES (?, 'alice', ?, 1, 1, 'AVAILABLE', ?, ?)`, uuid.NewString(), raw[i], at, at)
		require.NoError(t, err)
	}
	_, err = db.db.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = 2`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = OpenPath(filepath.Join(dir, FileName), DefaultOptions())
	require.NoError(t, err, "reopen applies migration 2")
	defer db.Close()

	var created []string
	rows, err := db.db.QueryContext(ctx, `SELECT created_at FROM offers ORDER BY created_at`)
	require.NoError(t, err)
	for rows.Next() {
		var s string
		require.NoError(t, rows.Scan(&s))
		created = append(created, s)
	}
	require.NoError(t, rows.Err())
	rows.Close()
	assert.Equal(t, []string{
		"2024-01-02T03:04:05.000000000Z",
		"2024-01-02T03:04:05.100000000Z",
		"2024-01-02T03:04:05.120000000Z",
	}, created)

	got, err := db.ListOffers(ctx, domain.OfferFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{raw[2], raw[1], raw[0]}, offerTitles(got))
	for _, o := range got {
		assert.True(t, o.CreatedAt.Equal(parseTS(o.Title)), "parsed value unchanged for %s", o.Title)
	}
}

// ─── Applications ───────────────────────────────────────────────────────────

func newApplication(offerID, applicant string) *domain.Application {
	return &domain.Application{ID: uuid.NewString(), OfferID: offerID, ApplicantID: applicant}
}

func TestInsertApplication_DuplicateActiveRejected(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	openAccount(t, db, "alice", 10)
	o := insertOffer(t, db, "alice", 2, "Tutoring")

	first := newApplication(o.ID, "bob")
	inTx(t, db, func(tx domain.Tx) error { return tx.InsertApplication(ctx, first) })

	err := db.InTx(ctx, func(tx domain.Tx) error { return tx.InsertApplication(ctx, newApplication(o.ID, "bob")) })
	assert.ErrorIs(t, err, domain.ErrDuplicateApplication)

	// A rejected application frees the slot.
	inTx(t, db, func(tx domain.Tx) error {
		_, err := tx.SetApplicationStatus(ctx, first.ID, domain.ApplicationPending, domain.ApplicationRejected)
		return err
	})
	inTx(t, db, func(tx domain.Tx) error { return tx.InsertApplication(ctx, newApplication(o.ID, "bob")) })
}

func TestSetApplicationStatus_SecondAcceptHitsUniqueIndex(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	openAccount(t, db, "alice", 10)
	o := insertOffer(t, db, "alice", 2, "Tutoring")
	bob := newApplication(o.ID, "bob")
	carol := newApplication(o.ID, "carol")
	inTx(t, db, func(tx domain.Tx) error {
		require.NoError(t, tx.InsertApplication(ctx, bob))
		return tx.InsertApplication(ctx, carol)
	})

	inTx(t, db, func(tx domain.Tx) error {
		_, err := tx.SetApplicationStatus(ctx, bob.ID, domain.ApplicationPending, domain.ApplicationAccepted)
		return err
	})
	err := db.InTx(ctx, func(tx domain.Tx) error {
		_, err := tx.SetApplicationStatus(ctx, carol.ID, domain.ApplicationPending, domain.ApplicationAccepted)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyBooked)

	err = db.InTx(ctx, func(tx domain.Tx) error {
		_, err := tx.SetApplicationStatus(ctx, bob.ID, domain.ApplicationPending, domain.ApplicationRejected)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNotPending)
}

func TestRejectPending_KeepsChosenApplication(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	openAccount(t, db, "alice", 10)
	o := insertOffer(t, db, "alice", 2, "Tutoring")
	apps := []*domain.Application{newApplication(o.ID, "bob"), newApplication(o.ID, "carol"), newApplication(o.ID, "dave")}
	inTx(t, db, func(tx domain.Tx) error {
		for _, a := range apps {
			require.NoError(t, tx.InsertApplication(ctx, a))
		}
		return nil
	})

	inTx(t, db, func(tx domain.Tx) error {
		ids, err := tx.RejectPending(ctx, o.ID, apps[0].ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{apps[1].ID, apps[2].ID}, ids)
		return nil
	})

	got, err := db.ListApplications(ctx, domain.ApplicationFilter{OfferID: o.ID})
	require.NoError(t, err)
	require.Len(t, got, 3)
	statuses := map[string]domain.ApplicationStatus{}
	for _, a := range got {
		statuses[a.ID] = a.Status
	}
	assert.Equal(t, domain.ApplicationPending, statuses[apps[0].ID])
	assert.Equal(t, domain.ApplicationRejected, statuses[apps[1].ID])
}

func TestListApplications_HidesVoidApplications(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	openAccount(t, db, "alice", 10)
	o := insertOffer(t, db, "alice", 2, "Tutoring")
	inTx(t, db, func(tx domain.Tx) error { return tx.InsertApplication(ctx, newApplication(o.ID, "bob")) })

	inTx(t, db, func(tx domain.Tx) error {
		_, err := tx.UpdateOfferStatus(ctx, o.ID, domain.OfferAvailable, domain.OfferCancelled, "")
		return err
	})

	got, err := db.ListApplications(ctx, domain.ApplicationFilter{ApplicantID: "bob"})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = db.ListApplications(ctx, domain.ApplicationFilter{})
	assert.ErrorIs(t, err, domain.ErrMissingFilter)
}

// ─── Stats ──────────────────────────────────────────────────────────────────

func TestStats(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	openAccount(t, db, "alice", 20)
	done := insertOffer(t, db, "alice", 4, "Done job")
	insertOffer(t, db, "alice", 3, "Open job")

	inTx(t, db, func(tx domain.Tx) error {
		if _, err := tx.UpdateOfferStatus(ctx, done.ID, domain.OfferAvailable, domain.OfferBooked, "bob"); err != nil {
			return err
		}
		if _, err := tx.Settle(ctx, done.ID, "alice", "bob", 4); err != nil {
			return err
		}
		_, err := tx.UpdateOfferStatus(ctx, done.ID, domain.OfferBooked, domain.OfferCompleted, "")
		return err
	})

	alice, err := db.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, alice.ActiveOffers)
	assert.Equal(t, 1, alice.CompletedAsOwner)
	assert.Equal(t, float64(2), alice.HoursExchanged)
	assert.Equal(t, int64(4), alice.CreditsSpent)

	bob, err := db.Stats(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, bob.CompletedAsPerformer)
	assert.Equal(t, 1, bob.TotalExchanges())
	assert.Equal(t, int64(4), bob.UnclaimedCredits)
	assert.Equal(t, int64(0), bob.CreditsEarned)
}
