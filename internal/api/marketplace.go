package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/timebank-network/timebank/internal/domain"
)

// ─── Marketplace API ────────────────────────────────────────────────────────
// Every route acts as the user in X-User-ID.
//
// POST /api/accounts                          open the caller's account
// GET  /api/balance                           caller's balance
// POST /api/offers                            post an offer (reserves credits)
// GET  /api/offers                            browse offers
// POST /api/offers/{offerID}/applications     apply
// POST /api/applications/{id}/decision        accept or reject (owner)
// POST /api/offers/{offerID}/complete         settle a booked offer (owner)
// POST /api/journal/{entryID}/claim           claim earned credits (payee)

const maxBodyBytes = 1 << 20

// errBadRequest marks malformed input that never reached the engine.
var errBadRequest = errors.New("bad request")

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, string(domain.KindValidation), err.Error())
}

// ─── Accounts ───────────────────────────────────────────────────────────────

// POST /api/accounts
func (s *Server) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	b, err := s.market.OpenAccount(r.Context(), userFrom(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GET /api/balance
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	b, err := s.market.Balance(r.Context(), userFrom(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":    b.UserID,
		"available":  b.Available,
		"reserved":   b.Reserved,
		"total":      b.Total(),
		"updated_at": b.UpdatedAt,
	})
}

// GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.market.Stats(r.Context(), userFrom(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":           st,
		"total_exchanges": st.TotalExchanges(),
	})
}

// GET /api/movements
func (s *Server) handleMovements(w http.ResponseWriter, r *http.Request) {
	moves, err := s.market.Movements(r.Context(), userFrom(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"movements": moves,
		"count":     len(moves),
	})
}

// ─── Offers ─────────────────────────────────────────────────────────────────

type postOfferRequest struct {
	Title         string  `json:"title"`
	Description   string  `json:"description"`
	ServiceType   string  `json:"service_type"`
	DurationHours float64 `json:"duration_hours"`
	CreditCost    int64   `json:"credit_cost"`
}

// POST /api/offers
func (s *Server) handlePostOffer(w http.ResponseWriter, r *http.Request) {
	var req postOfferRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	o, err := s.market.PostOffer(r.Context(), domain.PostOfferInput{
		OwnerID:       userFrom(r),
		Title:         req.Title,
		Description:   req.Description,
		ServiceType:   req.ServiceType,
		DurationHours: req.DurationHours,
		CreditCost:    req.CreditCost,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// GET /api/offers?status=AVAILABLE,BOOKED&owner=&performer=&service_type=&q=&limit=&offset=
func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	f, err := parseOfferFilter(r)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	offers, err := s.market.ListOffers(r.Context(), f)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"offers": offers,
		"count":  len(offers),
	})
}

func parseOfferFilter(r *http.Request) (domain.OfferFilter, error) {
	q := r.URL.Query()
	f := domain.OfferFilter{
		OwnerID:     q.Get("owner"),
		PerformerID: q.Get("performer"),
		ServiceType: q.Get("service_type"),
		Search:      strings.TrimSpace(q.Get("q")),
	}
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := domain.ParseOfferStatus(part)
			if err != nil {
				return f, fmt.Errorf("%w: status %q", err, part)
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		return f, fmt.Errorf("%w: limit", err)
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		return f, fmt.Errorf("%w: offset", err)
	}
	return f, nil
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: must be a non-negative integer", errBadRequest)
	}
	return n, nil
}

// GET /api/offers/{offerID}
func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	o, err := s.market.Offer(r.Context(), chi.URLParam(r, "offerID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// POST /api/offers/{offerID}/cancel
func (s *Server) handleCancelOffer(w http.ResponseWriter, r *http.Request) {
	o, err := s.market.CancelOffer(r.Context(), chi.URLParam(r, "offerID"), userFrom(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// POST /api/offers/{offerID}/complete
func (s *Server) handleCompleteOffer(w http.ResponseWriter, r *http.Request) {
	o, err := s.market.CompleteOffer(r.Context(), chi.URLParam(r, "offerID"), userFrom(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ─── Applications ───────────────────────────────────────────────────────────

// POST /api/offers/{offerID}/applications
func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	a, err := s.market.Apply(r.Context(), chi.URLParam(r, "offerID"), userFrom(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// GET /api/offers/{offerID}/applications
func (s *Server) handleOfferApplications(w http.ResponseWriter, r *http.Request) {
	s.listApplications(w, r, domain.ApplicationFilter{OfferID: chi.URLParam(r, "offerID")})
}

// GET /api/applications
func (s *Server) handleMyApplications(w http.ResponseWriter, r *http.Request) {
	s.listApplications(w, r, domain.ApplicationFilter{ApplicantID: userFrom(r)})
}

func (s *Server) listApplications(w http.ResponseWriter, r *http.Request, f domain.ApplicationFilter) {
	apps, err := s.market.ListApplications(r.Context(), f)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"applications": apps,
		"count":        len(apps),
	})
}

type decisionRequest struct {
	Decision string `json:"decision"`
}

// POST /api/applications/{applicationID}/decision
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	d, err := domain.ParseDecision(req.Decision)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	a, err := s.market.Decide(r.Context(), chi.URLParam(r, "applicationID"), d, userFrom(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ─── Journal ────────────────────────────────────────────────────────────────

// GET /api/journal
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	entries, err := s.market.ListJournal(r.Context(), userFrom(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// GET /api/journal/unclaimed
func (s *Server) handleUnclaimed(w http.ResponseWriter, r *http.Request) {
	entries, err := s.market.ListUnclaimedEntries(r.Context(), userFrom(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	var total int64
	for _, e := range entries {
		total += e.Amount
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
		"total":   total,
	})
}

// POST /api/journal/{entryID}/claim
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	e, err := s.market.Claim(r.Context(), chi.URLParam(r, "entryID"), userFrom(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}
