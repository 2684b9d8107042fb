package delegation

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/Mohiiit/cloak-sub007/pkg/models"
)

var (
	ErrNotFound          = errors.New("delegation not found")
	ErrNotActive         = errors.New("delegation is not active")
	ErrAllowanceExceeded = errors.New("allowance exceeded")
)

// Rejection reason codes surfaced on validate/consume failures. Callers use
// these to tell "already done" apart from "invalid".
const (
	ReasonMissingField      = "missing_field"
	ReasonInvalidAmount     = "invalid_amount"
	ReasonExpired           = "authorization_expired"
	ReasonReplayed          = "nonce_replayed"
	ReasonNotFound          = "delegation_not_found"
	ReasonAgentMismatch     = "agent_mismatch"
	ReasonNotActive         = "delegation_not_active"
	ReasonOutsideWindow     = "outside_validity_window"
	ReasonAllowanceExceeded = "allowance_exceeded"
	ReasonOnChainReverted   = "on_chain_reverted"
	ReasonInternal          = "internal_error"
)

// Error is a typed rejection carrying a machine-readable reason code.
type Error struct {
	Reason  string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func rejectf(reason, format string, args ...any) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the rejection reason from an error chain, or
// ReasonInternal when the failure is not a typed rejection.
func ReasonOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Reason
	}
	return ReasonInternal
}

// Repository is the durable allowance ledger. Consume and Credit are atomic
// per delegation id; concurrent writers never oversubscribe the allowance.
type Repository interface {
	Create(ctx context.Context, d models.Delegation) (models.Delegation, error)
	Get(ctx context.Context, id string) (models.Delegation, error)
	Revoke(ctx context.Context, id string) (models.Delegation, error)
	// Consume debits amount and bumps the nonce, rejecting with
	// ErrAllowanceExceeded or ErrNotActive instead of overwriting.
	Consume(ctx context.Context, id string, amount *big.Int) (models.Delegation, error)
	// Credit compensates a prior debit after a failed downstream step.
	Credit(ctx context.Context, id string, amount *big.Int) (models.Delegation, error)
}

// ReplaySet tracks consumed (delegation_id, nonce) pairs. Claim is a
// first-writer-wins atomic insert; Release undoes a claim whose consume
// failed before the ledger was debited.
type ReplaySet interface {
	Seen(ctx context.Context, delegationID string, nonce int64) (bool, error)
	Claim(ctx context.Context, delegationID string, nonce int64) (bool, error)
	Release(ctx context.Context, delegationID string, nonce int64) error
}
