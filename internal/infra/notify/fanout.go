package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/timebank-network/timebank/internal/domain"
	"github.com/timebank-network/timebank/internal/infra/observability"
)

// Fanout publishes every event to each sink in order. One failing sink
// does not stop the others; failures are counted per sink and joined.
type Fanout struct {
	sinks []Sink
}

var _ domain.Notifier = (*Fanout)(nil)

// NewFanout combines sinks.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

// Publish implements domain.Notifier.
func (f *Fanout) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			observability.NotifyFailures.WithLabelValues(s.Name()).Inc()
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of sinks.
func (f *Fanout) Len() int { return len(f.sinks) }
