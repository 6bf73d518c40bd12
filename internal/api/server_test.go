package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/timebank-network/timebank/internal/app/marketplace"
	"github.com/timebank-network/timebank/internal/domain"
	"github.com/timebank-network/timebank/internal/infra/notify"
	"github.com/timebank-network/timebank/internal/infra/observability"
	"github.com/timebank-network/timebank/internal/infra/sqlite"
)

type testEnv struct {
	srv     *Server
	handler http.Handler
	hub     *notify.Hub
	tracer  *observability.Tracer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zaptest.NewLogger(t)
	hub := notify.NewHub()
	tracer := observability.NewTracer(observability.DefaultTracerConfig())
	market := marketplace.New(db, hub, logger,
		marketplace.WithInitialCredits(10),
		marketplace.WithTracer(tracer),
	)

	srv := NewServer(market, logger)
	srv.SetEventHub(hub)
	srv.SetTracer(tracer)
	srv.SetHealthCheck(db.Ping)
	srv.EnableMetrics()
	return &testEnv{srv: srv, handler: srv.Handler(), hub: hub, tracer: tracer}
}

func (e *testEnv) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), "body: %s", w.Body.String())
}

func errorType(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	decode(t, w, &body)
	return body.Error.Type
}

func (e *testEnv) postOffer(t *testing.T, owner string, cost int64) domain.Offer {
	t.Helper()
	body := fmt.Sprintf(`{"title":"Fix bike","service_type":"repair","duration_hours":1.5,"credit_cost":%d}`, cost)
	w := e.do(t, http.MethodPost, "/api/offers", owner, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var o domain.Offer
	decode(t, w, &o)
	return o
}

// ─── Health & Middleware ────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	env.srv.SetHealthCheck(func(context.Context) error { return errors.New("db gone") })
	w = env.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/accounts", "alice", "")

	w := env.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "timebank_engine_operations_total")
}

func TestIdentityRequired(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/balance", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthenticated", errorType(t, w))
}

// ─── Exchange Flow ──────────────────────────────────────────────────────────

func TestExchangeFlow(t *testing.T) {
	env := newTestEnv(t)

	for _, u := range []string{"alice", "bob"} {
		w := env.do(t, http.MethodPost, "/api/accounts", u, "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	offer := env.postOffer(t, "alice", 4)
	assert.Equal(t, domain.OfferAvailable, offer.Status)
	assert.Equal(t, "alice", offer.OwnerID)

	w := env.do(t, http.MethodGet, "/api/balance", "alice", "")
	var bal map[string]interface{}
	decode(t, w, &bal)
	assert.Equal(t, float64(6), bal["available"])
	assert.Equal(t, float64(4), bal["reserved"])
	assert.Equal(t, float64(10), bal["total"])

	w = env.do(t, http.MethodGet, "/api/offers?status=available", "bob", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Offers []domain.Offer `json:"offers"`
		Count  int            `json:"count"`
	}
	decode(t, w, &list)
	assert.Equal(t, 1, list.Count)

	w = env.do(t, http.MethodPost, "/api/offers/"+offer.ID+"/applications", "bob", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var app domain.Application
	decode(t, w, &app)
	assert.Equal(t, domain.ApplicationPending, app.Status)

	w = env.do(t, http.MethodGet, "/api/applications", "bob", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), app.ID)

	w = env.do(t, http.MethodPost, "/api/applications/"+app.ID+"/decision", "alice", `{"decision":"accept"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/offers/"+offer.ID+"/complete", "alice", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var done domain.Offer
	decode(t, w, &done)
	assert.Equal(t, domain.OfferCompleted, done.Status)
	assert.Equal(t, "bob", done.AcceptedApplicantID)

	w = env.do(t, http.MethodGet, "/api/journal/unclaimed", "bob", "")
	var unclaimed struct {
		Entries []domain.JournalEntry `json:"entries"`
		Total   int64                 `json:"total"`
	}
	decode(t, w, &unclaimed)
	require.Len(t, unclaimed.Entries, 1)
	assert.Equal(t, int64(4), unclaimed.Total)

	entryID := unclaimed.Entries[0].ID
	w = env.do(t, http.MethodPost, "/api/journal/"+entryID+"/claim", "bob", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/journal/"+entryID+"/claim", "bob", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(domain.KindInvalidState), errorType(t, w))

	w = env.do(t, http.MethodGet, "/api/balance", "bob", "")
	decode(t, w, &bal)
	assert.Equal(t, float64(14), bal["available"])

	w = env.do(t, http.MethodGet, "/api/stats", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats map[string]interface{}
	decode(t, w, &stats)
	assert.Equal(t, float64(1), stats["total_exchanges"])

	w = env.do(t, http.MethodGet, "/api/movements", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"SETTLE"`)

	w = env.do(t, http.MethodGet, "/api/journal", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), entryID)
}

// ─── Error Mapping ──────────────────────────────────────────────────────────

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/accounts", "alice", "")
	env.do(t, http.MethodPost, "/api/accounts", "bob", "")
	offer := env.postOffer(t, "alice", 2)
	w := env.do(t, http.MethodPost, "/api/offers/"+offer.ID+"/applications", "bob", "")
	require.Equal(t, http.StatusCreated, w.Code)
	var app domain.Application
	decode(t, w, &app)

	tests := []struct {
		name       string
		method     string
		path       string
		user       string
		body       string
		wantStatus int
		wantType   domain.Kind
	}{
		{"insufficient funds", http.MethodPost, "/api/offers", "alice",
			`{"title":"Big job","duration_hours":1,"credit_cost":50}`, http.StatusPaymentRequired, domain.KindInsufficientFunds},
		{"zero cost", http.MethodPost, "/api/offers", "alice",
			`{"title":"Free","duration_hours":1,"credit_cost":0}`, http.StatusBadRequest, domain.KindValidation},
		{"malformed json", http.MethodPost, "/api/offers", "alice",
			`{"title":`, http.StatusBadRequest, domain.KindValidation},
		{"no account", http.MethodPost, "/api/offers", "zed",
			`{"title":"Job","duration_hours":1,"credit_cost":1}`, http.StatusNotFound, domain.KindNotFound},
		{"missing offer", http.MethodGet, "/api/offers/nope", "alice", "", http.StatusNotFound, domain.KindNotFound},
		{"self application", http.MethodPost, "/api/offers/" + offer.ID + "/applications", "alice", "",
			http.StatusForbidden, domain.KindForbidden},
		{"duplicate application", http.MethodPost, "/api/offers/" + offer.ID + "/applications", "bob", "",
			http.StatusConflict, domain.KindConflict},
		{"decide by stranger", http.MethodPost, "/api/applications/" + app.ID + "/decision", "bob",
			`{"decision":"accept"}`, http.StatusForbidden, domain.KindForbidden},
		{"bad decision", http.MethodPost, "/api/applications/" + app.ID + "/decision", "alice",
			`{"decision":"perhaps"}`, http.StatusBadRequest, domain.KindValidation},
		{"complete unbooked", http.MethodPost, "/api/offers/" + offer.ID + "/complete", "alice", "",
			http.StatusConflict, domain.KindInvalidState},
		{"cancel by stranger", http.MethodPost, "/api/offers/" + offer.ID + "/cancel", "bob", "",
			http.StatusForbidden, domain.KindForbidden},
		{"bad status filter", http.MethodGet, "/api/offers?status=lost", "alice", "",
			http.StatusBadRequest, domain.KindValidation},
		{"bad limit", http.MethodGet, "/api/offers?limit=-2", "alice", "",
			http.StatusBadRequest, domain.KindValidation},
		{"claim missing entry", http.MethodPost, "/api/journal/nope/claim", "bob", "",
			http.StatusNotFound, domain.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, string(tt.wantType), errorType(t, w))
		})
	}
}

func TestCancelThenDecideIsClosed(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/accounts", "alice", "")
	offer := env.postOffer(t, "alice", 3)
	w := env.do(t, http.MethodPost, "/api/offers/"+offer.ID+"/applications", "bob", "")
	var app domain.Application
	decode(t, w, &app)

	w = env.do(t, http.MethodPost, "/api/offers/"+offer.ID+"/cancel", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/offers/"+offer.ID+"/applications", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), app.ID)

	w = env.do(t, http.MethodPost, "/api/applications/"+app.ID+"/decision", "alice", `{"decision":"reject"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind domain.Kind
		want int
	}{
		{domain.KindValidation, http.StatusBadRequest},
		{domain.KindInsufficientFunds, http.StatusPaymentRequired},
		{domain.KindNotFound, http.StatusNotFound},
		{domain.KindForbidden, http.StatusForbidden},
		{domain.KindInvalidState, http.StatusConflict},
		{domain.KindConflict, http.StatusConflict},
		{domain.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.kind), "kind %s", tt.kind)
	}
}

// ─── Live Feed & Debug ──────────────────────────────────────────────────────

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/events", nil)
	require.NoError(t, err)
	req.Header.Set(UserHeader, "watcher")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return env.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	w := env.do(t, http.MethodPost, "/api/accounts", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev domain.ChangeEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		assert.Equal(t, domain.EntityBalance, ev.EntityType)
		assert.Equal(t, "alice", ev.EntityID)
		return
	}
}

func TestDebugSpans(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/accounts", "alice", "")

	w := env.do(t, http.MethodGet, "/api/debug/spans?limit=5", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Spans []observability.Span `json:"spans"`
	}
	decode(t, w, &body)
	require.NotEmpty(t, body.Spans)
	assert.Equal(t, "open_account", body.Spans[0].Operation)
	assert.NotEmpty(t, body.Spans[0].TraceID, "request id propagates as trace id")

	w = env.do(t, http.MethodGet, "/api/debug/spans?limit=x", "alice", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
