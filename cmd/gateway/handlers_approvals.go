package main

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/Mohiiit/cloak-sub007/pkg/approvalfsm"
	"github.com/Mohiiit/cloak-sub007/pkg/auth"
	"github.com/Mohiiit/cloak-sub007/pkg/httpx"
	"github.com/Mohiiit/cloak-sub007/pkg/models"
	"github.com/Mohiiit/cloak-sub007/pkg/twofactor"

	"github.com/go-chi/chi/v5"
)

// submitApproval inserts an approval request without waiting on it. The
// routed-transaction path submits its own rows; this endpoint serves guardian
// tooling and out-of-band flows.
func (s *Server) submitApproval(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req models.ApprovalRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.WalletAddress) == "" {
		httpx.Error(w, 400, "wallet_address required")
		return
	}
	if !models.ValidAction(req.Action) {
		httpx.Error(w, 400, "unsupported action")
		return
	}
	stored, err := s.Approvals.Submit(r.Context(), req)
	if err != nil {
		httpx.Error(w, 500, "failed to store approval request")
		return
	}
	s.Metrics.IncApprovalState(stored.Status)
	httpx.WriteJSON(w, 201, stored)
}

func (s *Server) listApprovals(w http.ResponseWriter, r *http.Request) {
	wallet := strings.TrimSpace(r.URL.Query().Get("wallet"))
	if wallet == "" {
		httpx.Error(w, 400, "wallet query parameter required")
		return
	}
	reqs, err := s.ApprovalStore.ListByWallet(r.Context(), wallet)
	if err != nil {
		httpx.Error(w, 500, "failed to list approval requests")
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"approvals": reqs})
}

func (s *Server) getApproval(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "approval_id"))
	if id == "" {
		httpx.Error(w, 400, "approval_id required")
		return
	}
	req, err := s.ApprovalStore.Get(r.Context(), id)
	if errors.Is(err, twofactor.ErrNotFound) {
		httpx.Error(w, 404, "approval request not found")
		return
	}
	if err != nil {
		httpx.Error(w, 500, "failed to read approval request")
		return
	}
	httpx.WriteJSON(w, 200, req)
}

type decideRequest struct {
	Status       string `json:"status"`
	FinalTxHash  string `json:"final_tx_hash,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Kid          string `json:"kid,omitempty"`
	Signature    string `json:"signature,omitempty"`
}

// decideApproval is what the guardian and mobile approver apps call. Moves
// are checked against the consent state machine; a terminal row never moves
// again.
func (s *Server) decideApproval(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, scopeDecide) {
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "approval_id"))
	if id == "" {
		httpx.Error(w, 400, "approval_id required")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req decideRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		httpx.Error(w, 400, "status required")
		return
	}
	if !s.verifyGuardianSignature(w, r, req) {
		return
	}
	updated, err := s.ApprovalStore.Decide(r.Context(), id, req.Status, req.FinalTxHash, req.ErrorMessage)
	switch {
	case errors.Is(err, twofactor.ErrNotFound):
		httpx.Error(w, 404, "approval request not found")
		return
	case errors.Is(err, twofactor.ErrAlreadyDecided):
		httpx.WriteJSON(w, 409, map[string]interface{}{
			"error":    "approval request already decided",
			"approval": updated,
		})
		return
	case errors.Is(err, approvalfsm.ErrInvalidTransition):
		httpx.Error(w, 422, err.Error())
		return
	case err != nil:
		httpx.Error(w, 500, "failed to update approval request")
		return
	}
	s.Metrics.IncApprovalState(updated.Status)
	httpx.WriteJSON(w, 200, updated)
}

// verifyGuardianSignature enforces signed approvals when a keystore is
// configured: the approving device signs the final tx hash with its
// registered Ed25519 key. Rejections stay unsigned.
func (s *Server) verifyGuardianSignature(w http.ResponseWriter, r *http.Request, req decideRequest) bool {
	if s.Keys == nil || req.Status != models.StatusApproved {
		return true
	}
	if strings.TrimSpace(req.Kid) == "" || strings.TrimSpace(req.Signature) == "" {
		httpx.Error(w, 403, "kid and signature required for approval")
		return false
	}
	if strings.TrimSpace(req.FinalTxHash) == "" {
		httpx.Error(w, 400, "final_tx_hash required for a signed approval")
		return false
	}
	rec, err := s.Keys.GetKey(r.Context(), req.Kid)
	if err != nil || rec == nil {
		httpx.Error(w, 403, "unknown guardian key")
		return false
	}
	if rec.Status != "active" {
		httpx.Error(w, 403, "guardian key revoked")
		return false
	}
	if err := auth.VerifyTxHash(ed25519.PublicKey(rec.PublicKey), req.FinalTxHash, req.Signature); err != nil {
		httpx.Error(w, 403, "invalid guardian signature")
		return false
	}
	return true
}
