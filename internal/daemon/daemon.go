package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/timebank-network/timebank/internal/api"
	"github.com/timebank-network/timebank/internal/app/marketplace"
	"github.com/timebank-network/timebank/internal/infra/notify"
	"github.com/timebank-network/timebank/internal/infra/observability"
	"github.com/timebank-network/timebank/internal/infra/sqlite"
)

// ShutdownTimeout bounds graceful HTTP shutdown.
const ShutdownTimeout = 10 * time.Second

// Daemon owns every long-lived component of the process.
type Daemon struct {
	Config Config
	Home   string

	DB     *sqlite.DB
	Market *marketplace.Service
	Hub    *notify.Hub
	Redis  *notify.RedisPublisher
	Tracer *observability.Tracer

	logger      *zap.Logger
	redisClient *redis.Client
	api         *api.Server
}

// New opens the store and wires the notification sinks, engine and API.
func New(home string, cfg Config, logger *zap.Logger) (*Daemon, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(home, 0o700); err != nil {
		return nil, fmt.Errorf("create home: %w", err)
	}

	busy, err := parseDuration(cfg.Database.BusyTimeout, sqlite.DefaultOptions().BusyTimeout)
	if err != nil {
		return nil, fmt.Errorf("database.busy_timeout: %w", err)
	}
	dbPath := cfg.DBPath(home)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sqlite.OpenPath(dbPath, sqlite.Options{BusyTimeout: busy})
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		Config: cfg,
		Home:   home,
		DB:     db,
		logger: logger,
		Tracer: observability.NewTracer(observability.TracerConfig{
			Enabled:  cfg.Metrics.Enabled,
			MaxSpans: cfg.Metrics.TraceSpans,
		}),
	}

	var sinks []notify.Sink
	if cfg.Notify.LiveFeed {
		d.Hub = notify.NewHub()
		sinks = append(sinks, d.Hub)
	}
	if cfg.Notify.RedisAddr != "" {
		breakerTimeout, err := parseDuration(cfg.Notify.BreakerTimeout, notify.DefaultBreakerConfig().Timeout)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("notify.breaker_timeout: %w", err)
		}
		d.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Notify.RedisAddr,
			Password: cfg.Notify.RedisPassword,
			DB:       cfg.Notify.RedisDB,
		})
		d.Redis = notify.NewRedisPublisher(d.redisClient, cfg.Notify.Channel, notify.BreakerConfig{
			ConsecutiveFailures: cfg.Notify.BreakerFailures,
			Timeout:             breakerTimeout,
			MaxRequests:         1,
		}, logger)
		sinks = append(sinks, d.Redis)
	}

	d.Market = marketplace.New(db, notify.NewFanout(sinks...), logger,
		marketplace.WithInitialCredits(cfg.Ledger.InitialCredits),
		marketplace.WithTracer(d.Tracer),
	)

	timeout, err := parseDuration(cfg.API.RequestTimeout, api.DefaultRequestTimeout)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("api.request_timeout: %w", err)
	}
	d.api = api.NewServer(d.Market, logger)
	d.api.SetRequestTimeout(timeout)
	d.api.SetHealthCheck(db.Ping)
	if d.Hub != nil {
		d.api.SetEventHub(d.Hub)
	}
	if cfg.Metrics.Enabled {
		d.api.EnableMetrics()
		d.api.SetTracer(d.Tracer)
	}

	logger.Info("daemon initialized",
		zap.String("home", home),
		zap.String("db", dbPath),
		zap.Int64("initial_credits", cfg.Ledger.InitialCredits),
		zap.Bool("live_feed", d.Hub != nil),
		zap.Bool("redis", d.Redis != nil),
	)
	return d, nil
}

// Handler returns the HTTP handler for the API.
func (d *Daemon) Handler() http.Handler { return d.api.Handler() }

// Serve listens on the configured address until ctx is cancelled.
func (d *Daemon) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.Config.API.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.Config.API.Addr(), err)
	}
	return d.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is cancelled, then shuts down
// gracefully.
func (d *Daemon) ServeListener(ctx context.Context, ln net.Listener) error {
	// Cancelled on shutdown so open event streams return.
	baseCtx, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()
	srv := &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelBase)

	if d.Redis != nil {
		if err := d.Redis.Ping(ctx); err != nil {
			d.logger.Warn("redis unreachable, events will be dropped until it recovers",
				zap.String("addr", d.Config.Notify.RedisAddr), zap.Error(err))
		}
	}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("api listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	d.logger.Info("shutting down api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close releases the store and the Redis client.
func (d *Daemon) Close() error {
	var errs []error
	if d.redisClient != nil {
		errs = append(errs, d.redisClient.Close())
	}
	if d.DB != nil {
		errs = append(errs, d.DB.Close())
	}
	return errors.Join(errs...)
}
