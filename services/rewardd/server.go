package rewardd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"recircle/core/amount"
	"recircle/core/claims"
	"recircle/engine"
	"recircle/settlement"
	"recircle/storage"
)

// Server exposes the submission API and the operator endpoints over one
// listener. Operator routes require the configured bearer token.
type Server struct {
	engine     *engine.Engine
	store      *storage.Store
	dispatcher *settlement.Dispatcher
	classifier *Classifier
	adminToken string
	log        *slog.Logger
	router     http.Handler
}

// NewServer wires the HTTP surface.
func NewServer(eng *engine.Engine, store *storage.Store, dispatcher *settlement.Dispatcher, classifier *Classifier, adminToken string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	srv := &Server{
		engine:     eng,
		store:      store,
		dispatcher: dispatcher,
		classifier: classifier,
		adminToken: adminToken,
		log:        log,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Post("/claims", s.handleSubmitClaim)
		api.Get("/claims/{id}", s.handleGetClaim)
		api.Get("/owners/{id}/transactions", s.handleListTransactions)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.requireBearer)
		admin.Post("/claims/{id}/review", s.handleReviewAction)
		admin.Post("/pause", s.handlePause)
		admin.Post("/resume", s.handleResume)
		admin.Get("/status", s.handleStatus)
		admin.Get("/settlements/pending", s.handlePendingManual)
	})

	return r
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if s.adminToken == "" || header != "Bearer "+s.adminToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type submitClaimRequest struct {
	OwnerID     string    `json:"ownerId"`
	MerchantRef string    `json:"merchant"`
	Amount      string    `json:"amount"`
	OccurredAt  time.Time `json:"occurredAt"`
	MediaRef    string    `json:"mediaRef"`
	Fingerprint string    `json:"mediaFingerprint"`
}

type claimResponse struct {
	ClaimID         string   `json:"claimId"`
	ReviewStatus    string   `json:"reviewStatus"`
	SettlementState string   `json:"settlementState"`
	Outcome         string   `json:"outcome,omitempty"`
	ReasonCodes     []string `json:"reasonCodes,omitempty"`
	OwnerShare      string   `json:"ownerShare,omitempty"`
	PlatformShare   string   `json:"platformShare,omitempty"`
}

func (s *Server) handleSubmitClaim(w http.ResponseWriter, r *http.Request) {
	var req submitClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	amt, err := amount.Parse(req.Amount)
	if err != nil {
		http.Error(w, "invalid amount", http.StatusBadRequest)
		return
	}

	// The classifier is advisory: when it is down the claim still enters
	// the pipeline and lands in manual review on zero confidence.
	classification, err := s.classifier.Classify(r.Context(), req.MediaRef)
	if err != nil {
		s.log.Warn("classifier unavailable", "media", req.MediaRef, "error", err)
		classification = Classification{}
	}

	result, err := s.engine.SubmitClaim(r.Context(), engine.Submission{
		OwnerID:          req.OwnerID,
		MerchantRef:      req.MerchantRef,
		Amount:           amt,
		OccurredAt:       req.OccurredAt,
		MediaRef:         req.MediaRef,
		MediaFingerprint: req.Fingerprint,
		Confidence:       classification.Confidence,
		Category:         classification.Category,
		Flags:            classification.Flags,
		PaymentChannels:  classification.Channels,
	})
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toClaimResponse(result))
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	var verr *claims.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": "validation", "field": verr.Field, "reason": verr.Reason,
		})
		return
	}
	var dup *claims.DuplicateClaimError
	if errors.As(err, &dup) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":        "duplicate",
			"claimId":      dup.ClaimID,
			"collidesWith": dup.CollidesWith,
			"score":        dup.Score,
		})
		return
	}
	s.log.Error("claim submission failed", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (s *Server) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claim, err := s.store.GetClaim(r.Context(), id)
	if err != nil {
		if errors.Is(err, claims.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	resp := claimResponse{
		ClaimID:         claim.ID,
		ReviewStatus:    claim.ReviewStatus.String(),
		SettlementState: claim.SettlementState.String(),
	}
	if decision, err := s.store.GetReviewDecision(r.Context(), id); err == nil {
		resp.Outcome = decision.Outcome.String()
		for _, code := range decision.ReasonCodes {
			resp.ReasonCodes = append(resp.ReasonCodes, string(code))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type transactionResponse struct {
	Kind        string    `json:"kind"`
	Amount      string    `json:"amount"`
	ReferenceID string    `json:"referenceId"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "id")
	txs, err := s.store.ListTransactionsByOwner(r.Context(), ownerID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, transactionResponse{
			Kind:        string(tx.Kind),
			Amount:      tx.Amount.String(),
			ReferenceID: tx.ReferenceID,
			CreatedAt:   tx.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type reviewActionRequest struct {
	Approve bool   `json:"approve"`
	Note    string `json:"note"`
}

func (s *Server) handleReviewAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req reviewActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	result, err := s.engine.ApplyReviewAction(r.Context(), id, req.Approve)
	if err != nil {
		switch {
		case errors.Is(err, claims.ErrNotFound):
			http.Error(w, "not found", http.StatusNotFound)
		case claims.IsConflict(err):
			http.Error(w, "claim already resolved", http.StatusConflict)
		default:
			s.log.Error("review action failed", "claim", id, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, toClaimResponse(result))
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.dispatcher.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.dispatcher.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"paused": s.dispatcher.Paused(),
	})
}

type pendingManualResponse struct {
	ReferenceID string    `json:"referenceId"`
	ClaimID     string    `json:"claimId"`
	AttemptedAt time.Time `json:"attemptedAt"`
}

func (s *Server) handlePendingManual(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListPendingManual(r.Context())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]pendingManualResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, pendingManualResponse{
			ReferenceID: rec.ReferenceID,
			ClaimID:     rec.ClaimID,
			AttemptedAt: rec.AttemptedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func toClaimResponse(result *engine.Result) claimResponse {
	resp := claimResponse{
		ClaimID:         result.Claim.ID,
		ReviewStatus:    result.Claim.ReviewStatus.String(),
		SettlementState: result.Claim.SettlementState.String(),
	}
	if result.Decision != nil {
		resp.Outcome = result.Decision.Outcome.String()
		for _, code := range result.Decision.ReasonCodes {
			resp.ReasonCodes = append(resp.ReasonCodes, string(code))
		}
	}
	if result.Breakdown != nil {
		resp.OwnerShare = result.Breakdown.OwnerShare.String()
		resp.PlatformShare = result.Breakdown.PlatformShare.String()
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
