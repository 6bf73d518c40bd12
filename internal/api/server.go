// Package api provides the HTTP server for the timebank marketplace.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/timebank-network/timebank/internal/app/marketplace"
	"github.com/timebank-network/timebank/internal/domain"
	"github.com/timebank-network/timebank/internal/infra/notify"
	"github.com/timebank-network/timebank/internal/infra/observability"
)

// DefaultRequestTimeout bounds every non-streaming request.
const DefaultRequestTimeout = 30 * time.Second

// Server is the timebank HTTP API server.
type Server struct {
	market         *marketplace.Service
	logger         *zap.Logger
	hub            *notify.Hub           // live change feed (nil disables /api/events)
	tracer         *observability.Tracer // nil disables /api/debug/spans
	health         func(ctx context.Context) error
	metricsEnabled bool
	timeout        time.Duration
}

// NewServer creates a new API server.
func NewServer(market *marketplace.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{market: market, logger: logger, timeout: DefaultRequestTimeout}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetEventHub sets the live change-feed hub.
func (s *Server) SetEventHub(h *notify.Hub) { s.hub = h }

// SetTracer exposes recent spans at /api/debug/spans.
func (s *Server) SetTracer(t *observability.Tracer) { s.tracer = t }

// SetHealthCheck sets the check behind /health.
func (s *Server) SetHealthCheck(fn func(ctx context.Context) error) { s.health = fn }

// SetRequestTimeout overrides DefaultRequestTimeout.
func (s *Server) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(identity)

		// Streams outlive the request timeout.
		if s.hub != nil {
			r.Get("/events", s.handleEvents)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.timeout))

			r.Post("/accounts", s.handleOpenAccount)
			r.Get("/balance", s.handleBalance)
			r.Get("/stats", s.handleStats)
			r.Get("/movements", s.handleMovements)

			r.Route("/offers", func(r chi.Router) {
				r.Post("/", s.handlePostOffer)
				r.Get("/", s.handleListOffers)
				r.Route("/{offerID}", func(r chi.Router) {
					r.Get("/", s.handleGetOffer)
					r.Post("/cancel", s.handleCancelOffer)
					r.Post("/complete", s.handleCompleteOffer)
					r.Post("/applications", s.handleApply)
					r.Get("/applications", s.handleOfferApplications)
				})
			})

			r.Get("/applications", s.handleMyApplications)
			r.Post("/applications/{applicationID}/decision", s.handleDecide)

			r.Get("/journal", s.handleJournal)
			r.Get("/journal/unclaimed", s.handleUnclaimed)
			r.Post("/journal/{entryID}/claim", s.handleClaim)

			if s.tracer != nil {
				r.Get("/debug/spans", s.handleSpans)
			}
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "unavailable", "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Middleware ─────────────────────────────────────────────────────────────

type ctxKey string

const userKey ctxKey = "timebank-user"

// UserHeader carries the authenticated user id set by the identity proxy.
const UserHeader = "X-User-ID"

// identity rejects requests that arrive without an authenticated user.
func identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(UserHeader)
		if user == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing "+UserHeader+" header")
			return
		}
		ctx := context.WithValue(r.Context(), userKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFrom(r *http.Request) string {
	u, _ := r.Context().Value(userKey).(string)
	return u
}

// requestLogger logs one line per request and tags the context with the
// request id as trace id.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())
		ctx := observability.WithTraceID(r.Context(), reqID)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(ctx))

		s.logger.Info("http request",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// ─── Responses ──────────────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    kind,
		},
	})
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindInvalidState, domain.KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeDomainError renders err by kind. Internal errors are logged and
// never echoed to the client.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, status, string(kind), "internal error")
		return
	}
	writeError(w, status, string(kind), err.Error())
}
