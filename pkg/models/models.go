package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Action vocabulary accepted by the transaction router.
const (
	ActionFund     = "fund"
	ActionTransfer = "transfer"
	ActionWithdraw = "withdraw"
	ActionRollover = "rollover"
	ActionInvoke   = "invoke"
)

func ValidAction(action string) bool {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case ActionFund, ActionTransfer, ActionWithdraw, ActionRollover, ActionInvoke:
		return true
	default:
		return false
	}
}

// Approval request statuses. The pending_* states are the in-flight consent
// stages a guardian/mobile approver walks a row through; the remaining four
// are terminal. Mobile and guardian apps read the same rows, so these strings
// are wire-stable.
const (
	StatusPending            = "pending"
	StatusPendingWardSig     = "pending_ward_sig"
	StatusPendingGuardian    = "pending_guardian"
	StatusPendingGuardianSig = "pending_guardian_sig"
	StatusApproved           = "approved"
	StatusRejected           = "rejected"
	StatusFailed             = "failed"
	StatusExpired            = "expired"
)

// Delegation lifecycle statuses.
const (
	DelegationActive  = "active"
	DelegationRevoked = "revoked"
	DelegationExpired = "expired"
)

// ApprovalRequest is one row per human-approval cycle (two-factor or
// ward/guardian). Rows are never deleted, only superseded; a terminal status
// never reverts to pending.
type ApprovalRequest struct {
	ID                string          `json:"id"`
	WalletAddress     string          `json:"wallet_address"`
	Action            string          `json:"action"`
	Token             string          `json:"token"`
	Amount            string          `json:"amount,omitempty"`
	Recipient         string          `json:"recipient,omitempty"`
	CallsPayload      json.RawMessage `json:"calls_payload"`
	PresigPayload     json.RawMessage `json:"presig_payload,omitempty"`
	Nonce             *uint64         `json:"nonce,omitempty"`
	FeeBoundsPayload  json.RawMessage `json:"fee_bounds_payload,omitempty"`
	PrecomputedTxHash string          `json:"precomputed_tx_hash,omitempty"`
	NeedsWard2FA      bool            `json:"needs_ward_2fa"`
	NeedsGuardian     bool            `json:"needs_guardian"`
	NeedsGuardian2FA  bool            `json:"needs_guardian_2fa"`
	Status            string          `json:"status"`
	FinalTxHash       string          `json:"final_tx_hash,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// TerminalApprovalStatus reports whether a persisted approval status can no
// longer change.
func TerminalApprovalStatus(status string) bool {
	switch status {
	case StatusApproved, StatusRejected, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// WardPolicySnapshot is a point-in-time read of a ward account's consent
// requirements. Derived fresh for every routing decision, never cached.
type WardPolicySnapshot struct {
	GuardianAddress string `json:"guardian_address"`
	WardHas2FA      bool   `json:"ward_has_2fa"`
	NeedsGuardian   bool   `json:"needs_guardian"`
	GuardianHas2FA  bool   `json:"guardian_has_2fa"`
}

// Delegation is a standing spend grant from an operator wallet to an agent.
// Amounts are decimal strings (see amount.go); consumed_amount never exceeds
// total_allowance and the nonce increments on every consume.
type Delegation struct {
	ID             string    `json:"id"`
	AgentID        string    `json:"agent_id"`
	OperatorWallet string    `json:"operator_wallet"`
	Token          string    `json:"token"`
	MaxPerRun      string    `json:"max_per_run"`
	TotalAllowance string    `json:"total_allowance"`
	ConsumedAmount string    `json:"consumed_amount"`
	ValidFrom      time.Time `json:"valid_from"`
	ValidUntil     time.Time `json:"valid_until"`
	Status         string    `json:"status"`
	Nonce          int64     `json:"nonce"`
}

// SpendAuthorization is a single-use token authorizing one action against one
// delegation. The (delegation_id, nonce) pair is consumed at most once.
type SpendAuthorization struct {
	DelegationID string     `json:"delegation_id"`
	RunID        string     `json:"run_id"`
	AgentID      string     `json:"agent_id"`
	Action       string     `json:"action"`
	Amount       string     `json:"amount"`
	Token        string     `json:"token"`
	Nonce        int64      `json:"nonce"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// SpendEvidence is the durable proof returned by a successful consume.
type SpendEvidence struct {
	DelegationID       string `json:"delegation_id"`
	AuthorizedAmount   string `json:"authorized_amount"`
	ConsumedAmount     string `json:"consumed_amount"`
	RemainingAllowance string `json:"remaining_allowance"`
	OnChainTxHash      string `json:"on_chain_tx_hash,omitempty"`
}

// Call is one contract invocation inside a prepared transaction.
type Call struct {
	ContractAddress string   `json:"contract_address"`
	Entrypoint      string   `json:"entrypoint"`
	Calldata        []string `json:"calldata"`
}

// FeeBounds caps what a prepared transaction may pay for execution.
type FeeBounds struct {
	MaxAmount       string `json:"max_amount"`
	MaxPricePerUnit string `json:"max_price_per_unit"`
	Unit            string `json:"unit"`
}

// Envelope is pre-computed signature material prepared locally so a remote
// approver does not need the signing key.
type Envelope struct {
	Nonce     uint64    `json:"nonce"`
	FeeBounds FeeBounds `json:"fee_bounds"`
	TxHash    string    `json:"tx_hash"`
	Signature []string  `json:"signature"`
}
