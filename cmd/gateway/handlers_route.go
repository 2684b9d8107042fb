package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Mohiiit/cloak-sub007/pkg/audit"
	"github.com/Mohiiit/cloak-sub007/pkg/auth"
	"github.com/Mohiiit/cloak-sub007/pkg/httpx"
	"github.com/Mohiiit/cloak-sub007/pkg/idempotency"
	"github.com/Mohiiit/cloak-sub007/pkg/models"
	"github.com/Mohiiit/cloak-sub007/pkg/router"
	"github.com/Mohiiit/cloak-sub007/pkg/twofactor"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type routeResponse struct {
	RouteID  string `json:"route_id,omitempty"`
	TxHash   string `json:"tx_hash,omitempty"`
	Path     string `json:"path,omitempty"`
	Approved bool   `json:"approved"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) routeTransaction(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, scopeRoute) {
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req router.Request
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	requestHash, err := models.RequestHash(body)
	if err != nil {
		httpx.Error(w, 400, "request body is not canonical json")
		return
	}
	actor := principalSubject(r)
	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idemKey != "" {
		outcome, rec, err := s.Idempotency.Lookup(r.Context(), scopeRoute, actor, idemKey, requestHash)
		if errors.Is(err, idempotency.ErrKeyConflict) || outcome == idempotency.Conflict {
			httpx.Error(w, 409, "idempotency key reused with a different request body")
			return
		}
		if outcome == idempotency.Replay && rec != nil {
			writeReplayedResponse(w, rec)
			return
		}
	}

	start := time.Now()
	result, routeErr := s.Router.Route(r.Context(), req)
	elapsed := time.Since(start)

	var (
		status  int
		resp    routeResponse
		outcome string
		reason  string
	)
	switch {
	case routeErr == nil:
		status = 200
		outcome = audit.OutcomeApproved
		resp = routeResponse{RouteID: result.RouteID, TxHash: result.TxHash, Path: result.Path, Approved: true}
		s.Metrics.IncRoutePath(result.Path)
		if result.Path != router.PathDirect {
			s.Metrics.ObserveApprovalWait(elapsed)
		}
	case errors.Is(routeErr, router.ErrNoWallet),
		errors.Is(routeErr, router.ErrInvalidAction),
		errors.Is(routeErr, router.ErrInvalidAmount):
		httpx.Error(w, 400, routeErr.Error())
		return
	default:
		var rejection *router.RejectionError
		if errors.As(routeErr, &rejection) {
			// A human said no (or nobody said yes in time). That is a
			// decision, not a transport failure.
			status = 200
			outcome = audit.OutcomeRejected
			reason = rejection.Message
			resp = routeResponse{Approved: false, Error: rejection.Message}
			s.Metrics.ObserveApprovalWait(elapsed)
		} else {
			status = 502
			outcome = audit.OutcomeFailed
			reason = routeErr.Error()
			resp = routeResponse{Approved: false, Error: "routing failed"}
		}
	}

	s.Metrics.IncOutcome(outcome)
	if reason != "" {
		tag := rejectionReasonTag(reason)
		s.Metrics.IncReason(tag)
		s.Metrics.IncOutcomeReason(outcome, tag)
	}
	_ = s.Audit.Append(r.Context(), audit.Record{
		DecisionID:    uuid.NewString(),
		WalletAddress: req.WalletAddress,
		Action:        req.Action,
		Path:          resp.Path,
		Outcome:       outcome,
		Reason:        reason,
		TxHash:        resp.TxHash,
		RequestRaw:    body,
		CreatedAt:     time.Now().UTC(),
	})
	if idemKey != "" && status < 500 {
		raw, err := json.Marshal(resp)
		if err == nil {
			_ = s.Idempotency.Save(r.Context(), scopeRoute, actor, idemKey, idempotency.Record{
				RequestHash: requestHash,
				Status:      status,
				Body:        raw,
			})
		}
	}
	httpx.WriteJSON(w, status, resp)
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	decisionID := strings.TrimSpace(chi.URLParam(r, "decision_id"))
	if decisionID == "" {
		httpx.Error(w, 400, "decision_id required")
		return
	}
	rec, err := s.Audit.Get(r.Context(), decisionID)
	if err != nil {
		httpx.Error(w, 404, "decision not found")
		return
	}
	httpx.WriteJSON(w, 200, rec)
}

// rejectionReasonTag folds free-form rejection messages into a small stable
// label set for counters.
func rejectionReasonTag(msg string) string {
	switch {
	case msg == twofactor.ErrTimedOut:
		return "approval_timeout"
	case msg == twofactor.ErrCancelled:
		return "cancelled"
	case strings.Contains(strings.ToLower(msg), "rejected"):
		return "declined"
	default:
		return "internal_error"
	}
}

func principalSubject(r *http.Request) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok && p.Subject != "" {
		return strings.ToLower(p.Subject)
	}
	return "anonymous"
}

func writeReplayedResponse(w http.ResponseWriter, rec *idempotency.Record) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Idempotency-Replayed", "true")
	status := rec.Status
	if status == 0 {
		status = 200
	}
	w.WriteHeader(status)
	_, _ = w.Write(rec.Body)
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}
