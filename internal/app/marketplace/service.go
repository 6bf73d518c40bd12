// Package marketplace orchestrates the time-credit exchange: posting offers,
// applying, deciding, cancelling, completing and claiming.
//
// Every mutation runs as one store transaction. Change events are collected
// while the transaction runs and published only after it commits, so no
// observer is told about state that was rolled back.
package marketplace

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/timebank-network/timebank/internal/domain"
	"github.com/timebank-network/timebank/internal/infra/observability"
)

// DefaultInitialCredits is granted to every newly opened account.
const DefaultInitialCredits int64 = 5

// Service is the marketplace engine. It is safe for concurrent use; all
// serialization happens in the store.
type Service struct {
	store          domain.Store
	notifier       domain.Notifier
	logger         *zap.Logger
	tracer         *observability.Tracer
	initialCredits int64
	newID          func() string
	now            func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithInitialCredits sets the credits granted on account opening.
func WithInitialCredits(n int64) Option {
	return func(s *Service) { s.initialCredits = n }
}

// WithTracer records a span per operation.
func WithTracer(t *observability.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithIDGenerator overrides uuid generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// New creates the engine. A nil notifier discards events; a nil logger is
// replaced with a no-op logger.
func New(store domain.Store, notifier domain.Notifier, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:          store,
		notifier:       notifier,
		logger:         logger,
		initialCredits: DefaultInitialCredits,
		newID:          uuid.NewString,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.initialCredits < 0 {
		s.initialCredits = 0
	}
	return s
}

// InitialCredits returns the opening grant.
func (s *Service) InitialCredits() int64 { return s.initialCredits }

// ─── Transaction Runner ─────────────────────────────────────────────────────

// effects accumulates what a transaction did, applied after commit.
type effects struct {
	events  []domain.ChangeEvent
	credits map[domain.MovementType]int64
}

func (e *effects) emit(typ domain.EntityType, id, state string) {
	e.events = append(e.events, domain.ChangeEvent{EntityType: typ, EntityID: id, NewState: state})
}

func (e *effects) balance(b *domain.Balance) {
	e.emit(domain.EntityBalance, b.UserID, "UPDATED")
}

func (e *effects) moved(typ domain.MovementType, amount int64) {
	if e.credits == nil {
		e.credits = make(map[domain.MovementType]int64)
	}
	e.credits[typ] += amount
}

// mutate runs fn in one transaction and, once committed, publishes its
// events. The returned error is fn's or the store's, never a publish error.
func (s *Service) mutate(ctx context.Context, op string, attrs map[string]string, fn func(tx domain.Tx, fx *effects) error) error {
	span := s.tracer.StartSpan(ctx, op, attrs)
	start := time.Now()

	var fx effects
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		fx = effects{}
		return fn(tx, &fx)
	})

	s.observe(op, start, err)
	s.tracer.EndSpan(span, err)
	if err != nil {
		s.logFailure(op, attrs, err)
		return err
	}

	for typ, amount := range fx.credits {
		observability.Credits.WithLabelValues(string(typ)).Add(float64(amount))
	}
	s.publish(context.WithoutCancel(ctx), op, fx.events)
	return nil
}

// read wraps a query with the same metrics as mutations.
func (s *Service) read(ctx context.Context, op string, fn func() error) error {
	span := s.tracer.StartSpan(ctx, op, nil)
	start := time.Now()
	err := fn()
	s.observe(op, start, err)
	s.tracer.EndSpan(span, err)
	return err
}

func (s *Service) observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = string(domain.KindOf(err))
	}
	observability.Operations.WithLabelValues(op, result).Inc()
	observability.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (s *Service) logFailure(op string, attrs map[string]string, err error) {
	fields := make([]zap.Field, 0, len(attrs)+3)
	fields = append(fields, zap.String("op", op), zap.String("kind", string(domain.KindOf(err))), zap.Error(err))
	for k, v := range attrs {
		fields = append(fields, zap.String(k, v))
	}
	if domain.KindOf(err) == domain.KindInternal {
		s.logger.Error("operation failed", fields...)
		return
	}
	s.logger.Debug("operation rejected", fields...)
}

func (s *Service) publish(ctx context.Context, op string, events []domain.ChangeEvent) {
	if s.notifier == nil {
		return
	}
	now := s.now().UTC()
	for _, ev := range events {
		ev.OccurredAt = now
		if err := s.notifier.Publish(ctx, ev); err != nil {
			s.logger.Warn("publish change event",
				zap.String("op", op),
				zap.String("entity_type", string(ev.EntityType)),
				zap.String("entity_id", ev.EntityID),
				zap.Error(err),
			)
		}
	}
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// Balance returns the user's committed balance.
func (s *Service) Balance(ctx context.Context, userID string) (*domain.Balance, error) {
	if userID == "" {
		return nil, domain.ErrMissingUser
	}
	var b *domain.Balance
	err := s.read(ctx, "get_balance", func() (err error) {
		b, err = s.store.GetBalance(ctx, userID)
		return err
	})
	return b, err
}

// Offer returns one offer.
func (s *Service) Offer(ctx context.Context, offerID string) (*domain.Offer, error) {
	var o *domain.Offer
	err := s.read(ctx, "get_offer", func() (err error) {
		o, err = s.store.GetOffer(ctx, offerID)
		return err
	})
	return o, err
}

// ListOffers returns offers matching f, newest first.
func (s *Service) ListOffers(ctx context.Context, f domain.OfferFilter) ([]domain.Offer, error) {
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, domain.ErrInvalidStatus
		}
	}
	var out []domain.Offer
	err := s.read(ctx, "list_offers", func() (err error) {
		out, err = s.store.ListOffers(ctx, f)
		return err
	})
	return out, err
}

// ListApplications returns applications by offer and/or applicant. Pending
// applications on cancelled or completed offers are void and omitted.
func (s *Service) ListApplications(ctx context.Context, f domain.ApplicationFilter) ([]domain.Application, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var out []domain.Application
	err := s.read(ctx, "list_applications", func() (err error) {
		out, err = s.store.ListApplications(ctx, f)
		return err
	})
	return out, err
}

// ListUnclaimedEntries returns settled credits the user has yet to claim.
func (s *Service) ListUnclaimedEntries(ctx context.Context, userID string) ([]domain.JournalEntry, error) {
	if userID == "" {
		return nil, domain.ErrMissingUser
	}
	var out []domain.JournalEntry
	err := s.read(ctx, "list_unclaimed", func() (err error) {
		out, err = s.store.ListUnclaimed(ctx, userID)
		return err
	})
	return out, err
}

// ListJournal returns every settlement the user paid or earned.
func (s *Service) ListJournal(ctx context.Context, userID string) ([]domain.JournalEntry, error) {
	if userID == "" {
		return nil, domain.ErrMissingUser
	}
	var out []domain.JournalEntry
	err := s.read(ctx, "list_journal", func() (err error) {
		out, err = s.store.ListJournal(ctx, userID)
		return err
	})
	return out, err
}

// Movements returns the user's ledger movement log.
func (s *Service) Movements(ctx context.Context, userID string) ([]domain.Movement, error) {
	if userID == "" {
		return nil, domain.ErrMissingUser
	}
	var out []domain.Movement
	err := s.read(ctx, "list_movements", func() (err error) {
		out, err = s.store.ListMovements(ctx, userID)
		if out == nil {
			out = []domain.Movement{}
		}
		return err
	})
	return out, err
}

// Stats summarizes the user's exchange activity.
func (s *Service) Stats(ctx context.Context, userID string) (*domain.UserStats, error) {
	if userID == "" {
		return nil, domain.ErrMissingUser
	}
	var st *domain.UserStats
	err := s.read(ctx, "get_stats", func() (err error) {
		st, err = s.store.Stats(ctx, userID)
		return err
	})
	return st, err
}

// Reconciliation compares a stored balance with its movement log.
type Reconciliation struct {
	Stored    domain.Balance `json:"stored"`
	Replayed  domain.Balance `json:"replayed"`
	Movements int            `json:"movements"`
}

// Consistent reports whether the log reproduces the stored balance.
func (r Reconciliation) Consistent() bool {
	return r.Stored.Available == r.Replayed.Available && r.Stored.Reserved == r.Replayed.Reserved
}

// Reconcile replays the user's movements against their balance in one
// snapshot. A mismatch returns the report and ErrLedgerMismatch.
func (s *Service) Reconcile(ctx context.Context, userID string) (*Reconciliation, error) {
	if userID == "" {
		return nil, domain.ErrMissingUser
	}
	var rec *Reconciliation
	err := s.read(ctx, "reconcile", func() error {
		return s.store.InTx(ctx, func(tx domain.Tx) error {
			b, err := tx.Balance(ctx, userID)
			if err != nil {
				return err
			}
			moves, err := tx.Movements(ctx, userID)
			if err != nil {
				return err
			}
			rec = &Reconciliation{Stored: *b, Replayed: domain.Replay(userID, moves), Movements: len(moves)}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if !rec.Consistent() {
		s.logger.Error("ledger mismatch",
			zap.String("user_id", userID),
			zap.Int64("available", rec.Stored.Available),
			zap.Int64("replayed_available", rec.Replayed.Available),
			zap.Int64("reserved", rec.Stored.Reserved),
			zap.Int64("replayed_reserved", rec.Replayed.Reserved),
		)
		return rec, domain.ErrLedgerMismatch
	}
	return rec, nil
}
