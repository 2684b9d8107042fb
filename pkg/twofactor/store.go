package twofactor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mohiiit/cloak-sub007/pkg/approvalfsm"
	"github.com/Mohiiit/cloak-sub007/pkg/models"
	"github.com/Mohiiit/cloak-sub007/pkg/store"
)

const TableApprovalRequests = "approval_requests"

var (
	ErrNotFound       = errors.New("approval request not found")
	ErrAlreadyDecided = errors.New("approval request already decided")
)

// ApprovalStore maps ApprovalRequest rows onto the row-oriented backend. The
// guardian and mobile approver apps write the same table, so column names and
// status strings never change shape here.
type ApprovalStore struct {
	Backend store.Backend
	Table   string
}

func NewApprovalStore(b store.Backend) *ApprovalStore {
	return &ApprovalStore{Backend: b, Table: TableApprovalRequests}
}

func (s *ApprovalStore) Insert(ctx context.Context, req models.ApprovalRequest) (models.ApprovalRequest, error) {
	row, err := s.Backend.Insert(ctx, s.Table, rowFromRequest(req))
	if err != nil {
		return models.ApprovalRequest{}, fmt.Errorf("insert approval request: %w", err)
	}
	return requestFromRow(row)
}

func (s *ApprovalStore) Get(ctx context.Context, id string) (models.ApprovalRequest, error) {
	rows, err := s.Backend.Select(ctx, s.Table, store.Filter{"id": id})
	if err != nil {
		return models.ApprovalRequest{}, fmt.Errorf("select approval request: %w", err)
	}
	if len(rows) == 0 {
		return models.ApprovalRequest{}, ErrNotFound
	}
	return requestFromRow(rows[0])
}

func (s *ApprovalStore) ListByWallet(ctx context.Context, walletAddress string) ([]models.ApprovalRequest, error) {
	rows, err := s.Backend.Select(ctx, s.Table, store.Filter{"wallet_address": walletAddress})
	if err != nil {
		return nil, fmt.Errorf("select approval requests: %w", err)
	}
	out := make([]models.ApprovalRequest, 0, len(rows))
	for _, row := range rows {
		req, err := requestFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// Decide moves a request to a new status with a compare-and-swap on the
// current status, so racing deciders cannot overwrite a terminal outcome.
func (s *ApprovalStore) Decide(ctx context.Context, id, status, finalTxHash, errorMessage string) (models.ApprovalRequest, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return models.ApprovalRequest{}, err
	}
	if approvalfsm.IsTerminal(current.Status) {
		return current, ErrAlreadyDecided
	}
	if !approvalfsm.CanTransition(current.Status, status) {
		return current, fmt.Errorf("%w: %s -> %s", approvalfsm.ErrInvalidTransition, current.Status, status)
	}
	patch := store.Patch{"status": status}
	if finalTxHash != "" {
		patch["final_tx_hash"] = finalTxHash
	}
	if errorMessage != "" {
		patch["error_message"] = errorMessage
	}
	rows, err := s.Backend.Update(ctx, s.Table, store.Filter{"id": id, "status": current.Status}, patch)
	if err != nil {
		return models.ApprovalRequest{}, fmt.Errorf("update approval request: %w", err)
	}
	if len(rows) == 0 {
		// Lost the race: somebody moved the row first.
		latest, getErr := s.Get(ctx, id)
		if getErr != nil {
			return models.ApprovalRequest{}, getErr
		}
		return latest, ErrAlreadyDecided
	}
	return requestFromRow(rows[0])
}

func rowFromRequest(req models.ApprovalRequest) store.Row {
	row := store.Row{
		"id":                  req.ID,
		"wallet_address":      req.WalletAddress,
		"action":              req.Action,
		"token":               req.Token,
		"amount":              req.Amount,
		"recipient":           req.Recipient,
		"calls_payload":       payloadString(req.CallsPayload),
		"presig_payload":      payloadString(req.PresigPayload),
		"fee_bounds_payload":  payloadString(req.FeeBoundsPayload),
		"precomputed_tx_hash": req.PrecomputedTxHash,
		"needs_ward_2fa":      req.NeedsWard2FA,
		"needs_guardian":      req.NeedsGuardian,
		"needs_guardian_2fa":  req.NeedsGuardian2FA,
		"status":              req.Status,
		"final_tx_hash":       req.FinalTxHash,
		"error_message":       req.ErrorMessage,
		"created_at":          req.CreatedAt.UTC(),
	}
	if req.Nonce != nil {
		row["nonce"] = int64(*req.Nonce)
	}
	return row
}

func requestFromRow(row store.Row) (models.ApprovalRequest, error) {
	req := models.ApprovalRequest{
		ID:                rowString(row, "id"),
		WalletAddress:     rowString(row, "wallet_address"),
		Action:            rowString(row, "action"),
		Token:             rowString(row, "token"),
		Amount:            rowString(row, "amount"),
		Recipient:         rowString(row, "recipient"),
		CallsPayload:      rowPayload(row, "calls_payload"),
		PresigPayload:     rowPayload(row, "presig_payload"),
		FeeBoundsPayload:  rowPayload(row, "fee_bounds_payload"),
		PrecomputedTxHash: rowString(row, "precomputed_tx_hash"),
		NeedsWard2FA:      rowBool(row, "needs_ward_2fa"),
		NeedsGuardian:     rowBool(row, "needs_guardian"),
		NeedsGuardian2FA:  rowBool(row, "needs_guardian_2fa"),
		Status:            rowString(row, "status"),
		FinalTxHash:       rowString(row, "final_tx_hash"),
		ErrorMessage:      rowString(row, "error_message"),
	}
	if req.ID == "" {
		return models.ApprovalRequest{}, fmt.Errorf("approval row has no id")
	}
	if nonce, ok := rowNonce(row, "nonce"); ok {
		req.Nonce = &nonce
	}
	req.CreatedAt = rowTime(row, "created_at")
	return req, nil
}

func payloadString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return string(raw)
}

func rowString(row store.Row, key string) string {
	switch v := row[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func rowPayload(row store.Row, key string) json.RawMessage {
	s := rowString(row, key)
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func rowBool(row store.Row, key string) bool {
	b, _ := row[key].(bool)
	return b
}

func rowNonce(row store.Row, key string) (uint64, bool) {
	switch v := row[key].(type) {
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case uint64:
		return v, true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case float64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	default:
		return 0, false
	}
}

func rowTime(row store.Row, key string) time.Time {
	switch v := row[key].(type) {
	case time.Time:
		return v
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}
		}
		return t
	default:
		return time.Time{}
	}
}
