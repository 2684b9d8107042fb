package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Mohiiit/cloak-sub007/pkg/audit"
	"github.com/Mohiiit/cloak-sub007/pkg/delegation"
	"github.com/Mohiiit/cloak-sub007/pkg/httpx"
	"github.com/Mohiiit/cloak-sub007/pkg/idempotency"
	"github.com/Mohiiit/cloak-sub007/pkg/models"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func (s *Server) grantDelegation(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, scopeGrant) {
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var d models.Delegation
	if err := json.Unmarshal(body, &d); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(d.AgentID) == "" || strings.TrimSpace(d.OperatorWallet) == "" || strings.TrimSpace(d.Token) == "" {
		httpx.Error(w, 400, "agent_id, operator_wallet, and token required")
		return
	}
	if _, err := models.ParsePositiveAmount(d.MaxPerRun); err != nil {
		httpx.Error(w, 400, "max_per_run must be a positive integer string")
		return
	}
	if _, err := models.ParsePositiveAmount(d.TotalAllowance); err != nil {
		httpx.Error(w, 400, "total_allowance must be a positive integer string")
		return
	}
	if !models.AmountLTE(d.MaxPerRun, d.TotalAllowance) {
		httpx.Error(w, 400, "max_per_run exceeds total_allowance")
		return
	}
	now := time.Now().UTC()
	if d.ValidFrom.IsZero() {
		d.ValidFrom = now
	}
	if d.ValidUntil.IsZero() || !d.ValidUntil.After(d.ValidFrom) {
		httpx.Error(w, 400, "valid_until must be after valid_from")
		return
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.ConsumedAmount = "0"
	d.Status = models.DelegationActive
	d.Nonce = 0
	created, err := s.Delegations.Create(r.Context(), d)
	if err != nil {
		httpx.Error(w, 500, "failed to store delegation")
		return
	}
	httpx.WriteJSON(w, 201, created)
}

func (s *Server) getDelegation(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "delegation_id"))
	if id == "" {
		httpx.Error(w, 400, "delegation_id required")
		return
	}
	d, err := s.Delegations.Get(r.Context(), id)
	if errors.Is(err, delegation.ErrNotFound) {
		httpx.Error(w, 404, "delegation not found")
		return
	}
	if err != nil {
		httpx.Error(w, 500, "failed to read delegation")
		return
	}
	httpx.WriteJSON(w, 200, d)
}

// revokeDelegation is idempotent: revoking an already-revoked grant returns
// the row unchanged.
func (s *Server) revokeDelegation(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, scopeGrant) {
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "delegation_id"))
	if id == "" {
		httpx.Error(w, 400, "delegation_id required")
		return
	}
	d, err := s.Delegations.Revoke(r.Context(), id)
	if errors.Is(err, delegation.ErrNotFound) {
		httpx.Error(w, 404, "delegation not found")
		return
	}
	if err != nil {
		httpx.Error(w, 500, "failed to revoke delegation")
		return
	}
	httpx.WriteJSON(w, 200, d)
}

func (s *Server) validateSpend(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, scopeVerify) {
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var spendAuth models.SpendAuthorization
	if err := json.Unmarshal(body, &spendAuth); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	result := s.Authorizer.Validate(r.Context(), spendAuth)
	if !result.Valid {
		s.Metrics.IncReason(result.Reason)
	}
	httpx.WriteJSON(w, 200, result)
}

type consumeRequest struct {
	models.SpendAuthorization
	Recipient string `json:"recipient,omitempty"`
}

type consumeResponse struct {
	Consumed bool   `json:"consumed"`
	Reason   string `json:"reason,omitempty"`
	Message  string `json:"message,omitempty"`
	models.SpendEvidence
}

func (s *Server) consumeSpend(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, scopeSettle) {
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req consumeRequest
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
		outcome, rec, err := s.Idempotency.Lookup(r.Context(), scopeSettle, actor, idemKey, requestHash)
		if errors.Is(err, idempotency.ErrKeyConflict) || outcome == idempotency.Conflict {
			httpx.Error(w, 409, "idempotency key reused with a different request body")
			return
		}
		if outcome == idempotency.Replay && rec != nil {
			writeReplayedResponse(w, rec)
			return
		}
	}

	evidence, consumeErr := s.Authorizer.Consume(r.Context(), req.SpendAuthorization, req.Recipient)

	var (
		status int
		resp   consumeResponse
	)
	if consumeErr != nil {
		reason := delegation.ReasonOf(consumeErr)
		status = spendErrorStatus(reason)
		resp = consumeResponse{Consumed: false, Reason: reason, Message: spendErrorMessage(consumeErr)}
		s.Metrics.IncReason(reason)
		s.Metrics.IncOutcomeReason(audit.OutcomeRejected, reason)
	} else {
		status = 200
		resp = consumeResponse{Consumed: true, SpendEvidence: evidence}
		s.Metrics.IncSpendConsumes()
	}
	outcome := audit.OutcomeApproved
	if consumeErr != nil {
		outcome = audit.OutcomeRejected
	}
	_ = s.Audit.Append(r.Context(), audit.Record{
		DecisionID: uuid.NewString(),
		AgentID:    req.AgentID,
		Action:     req.Action,
		Path:       "spend",
		Outcome:    outcome,
		Reason:     resp.Reason,
		TxHash:     evidence.OnChainTxHash,
		RequestRaw: body,
		CreatedAt:  time.Now().UTC(),
	})
	if idemKey != "" && status < 500 {
		raw, err := json.Marshal(resp)
		if err == nil {
			_ = s.Idempotency.Save(r.Context(), scopeSettle, actor, idemKey, idempotency.Record{
				RequestHash: requestHash,
				Status:      status,
				Body:        raw,
			})
		}
	}
	httpx.WriteJSON(w, status, resp)
}

func spendErrorStatus(reason string) int {
	switch reason {
	case delegation.ReasonMissingField, delegation.ReasonInvalidAmount:
		return 400
	case delegation.ReasonAgentMismatch:
		return 403
	case delegation.ReasonNotFound:
		return 404
	case delegation.ReasonReplayed:
		return 409
	case delegation.ReasonExpired, delegation.ReasonNotActive,
		delegation.ReasonOutsideWindow, delegation.ReasonAllowanceExceeded:
		return 422
	case delegation.ReasonOnChainReverted:
		return 502
	default:
		return 500
	}
}

func spendErrorMessage(err error) string {
	var de *delegation.Error
	if errors.As(err, &de) {
		return de.Message
	}
	return "spend authorization failed"
}
