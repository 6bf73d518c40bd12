package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/timebank-network/timebank/internal/domain"
	"github.com/timebank-network/timebank/internal/infra/observability"
)

// DefaultChannel is the Redis channel events are published to.
const DefaultChannel = "timebank:events"

// BreakerConfig tunes the circuit breaker around the broker.
type BreakerConfig struct {
	ConsecutiveFailures uint32
	Timeout             time.Duration // how long the breaker stays open
	MaxRequests         uint32        // trial requests allowed while half-open
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		Timeout:             30 * time.Second,
		MaxRequests:         1,
	}
}

// RedisPublisher publishes events to a Redis pub/sub channel. While the
// broker is down the breaker is open and Publish fails immediately.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	breaker *gobreaker.CircuitBreaker
}

var _ Sink = (*RedisPublisher)(nil)

// NewRedisPublisher wraps client. An empty channel means DefaultChannel.
func NewRedisPublisher(client redis.UniversalClient, channel string, cfg BreakerConfig, logger *zap.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := gobreaker.Settings{
		Name:        "notify-redis",
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Name implements Sink.
func (p *RedisPublisher) Name() string { return "redis" }

// Channel returns the pub/sub channel.
func (p *RedisPublisher) Channel() string { return p.channel }

// State reports the breaker state.
func (p *RedisPublisher) State() gobreaker.State { return p.breaker.State() }

// Publish sends ev as JSON.
func (p *RedisPublisher) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.client.Publish(ctx, p.channel, data).Err()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("redis publish: broker unavailable: %w", err)
	}
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Ping checks the broker connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
