package delegation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strconv"
	"time"

	"github.com/Mohiiit/cloak-sub007/pkg/chain"
	"github.com/Mohiiit/cloak-sub007/pkg/models"
)

// ValidationResult reports whether a spend authorization would be accepted.
type ValidationResult struct {
	Valid   bool   `json:"valid"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// Authorizer validates and consumes single-use spend authorizations against
// the allowance ledger. When a delegation-manager contract is configured and
// a recipient is supplied, consume additionally settles on chain.
type Authorizer struct {
	Repo            Repository
	Replay          ReplaySet
	Chain           chain.Client
	ManagerContract string

	now func() time.Time
}

func NewAuthorizer(repo Repository, replay ReplaySet) *Authorizer {
	return &Authorizer{Repo: repo, Replay: replay, now: time.Now}
}

func (a *Authorizer) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now()
}

// Validate runs the short-circuit check sequence without debiting anything.
func (a *Authorizer) Validate(ctx context.Context, auth models.SpendAuthorization) ValidationResult {
	if err := a.check(ctx, auth); err != nil {
		var de *Error
		if errors.As(err, &de) {
			return ValidationResult{Valid: false, Reason: de.Reason, Message: de.Message}
		}
		return ValidationResult{Valid: false, Reason: ReasonInternal, Message: err.Error()}
	}
	return ValidationResult{Valid: true}
}

func (a *Authorizer) check(ctx context.Context, auth models.SpendAuthorization) error {
	switch {
	case auth.DelegationID == "":
		return rejectf(ReasonMissingField, "delegation_id is required")
	case auth.AgentID == "":
		return rejectf(ReasonMissingField, "agent_id is required")
	case auth.Action == "":
		return rejectf(ReasonMissingField, "action is required")
	case auth.Token == "":
		return rejectf(ReasonMissingField, "token is required")
	case auth.Amount == "":
		return rejectf(ReasonMissingField, "amount is required")
	}

	amount, err := models.ParsePositiveAmount(auth.Amount)
	if err != nil {
		return rejectf(ReasonInvalidAmount, "amount %q: %v", auth.Amount, err)
	}

	now := a.clock().UTC()
	if auth.ExpiresAt != nil && now.After(auth.ExpiresAt.UTC()) {
		return rejectf(ReasonExpired, "authorization expired at %s", auth.ExpiresAt.UTC().Format(time.RFC3339))
	}

	seen, err := a.Replay.Seen(ctx, auth.DelegationID, auth.Nonce)
	if err != nil {
		return fmt.Errorf("replay set: %w", err)
	}
	if seen {
		return rejectf(ReasonReplayed, "nonce %d already consumed for delegation %s", auth.Nonce, auth.DelegationID)
	}

	d, err := a.Repo.Get(ctx, auth.DelegationID)
	if errors.Is(err, ErrNotFound) {
		return rejectf(ReasonNotFound, "delegation %s not found", auth.DelegationID)
	}
	if err != nil {
		return fmt.Errorf("ledger read: %w", err)
	}
	if d.AgentID != auth.AgentID {
		return rejectf(ReasonAgentMismatch, "delegation %s is not granted to agent %s", auth.DelegationID, auth.AgentID)
	}
	if d.Status != models.DelegationActive {
		return rejectf(ReasonNotActive, "delegation %s is %s", d.ID, d.Status)
	}
	if now.Before(d.ValidFrom.UTC()) || now.After(d.ValidUntil.UTC()) {
		return rejectf(ReasonOutsideWindow, "delegation %s valid %s..%s", d.ID,
			d.ValidFrom.UTC().Format(time.RFC3339), d.ValidUntil.UTC().Format(time.RFC3339))
	}

	maxPerRun, err := models.ParseAmount(d.MaxPerRun)
	if err != nil {
		return fmt.Errorf("ledger max_per_run: %w", err)
	}
	if amount.Cmp(maxPerRun) > 0 {
		return rejectf(ReasonInvalidAmount, "amount %s exceeds per-run cap %s", amount, maxPerRun)
	}
	remaining, err := models.ParseAmount(models.SubAmounts(d.TotalAllowance, d.ConsumedAmount))
	if err != nil {
		return fmt.Errorf("ledger allowance: %w", err)
	}
	if amount.Cmp(remaining) > 0 {
		return rejectf(ReasonAllowanceExceeded, "amount %s exceeds remaining allowance %s", amount, remaining)
	}
	return nil
}

// Consume re-validates, claims the nonce, debits the ledger, and optionally
// settles on chain. The nonce claim happens before the debit so a racing
// duplicate is rejected as a replay rather than double-debited; a claim whose
// debit fails is released again.
//
// When the on-chain call reverts, the already-applied debit is compensated
// with a best-effort credit before the typed on_chain_reverted rejection is
// returned. If that compensating credit also fails the ledger stays debited;
// the mismatch is logged and must be reconciled out-of-band.
func (a *Authorizer) Consume(ctx context.Context, auth models.SpendAuthorization, recipient string) (models.SpendEvidence, error) {
	if err := a.check(ctx, auth); err != nil {
		return models.SpendEvidence{}, err
	}

	claimed, err := a.Replay.Claim(ctx, auth.DelegationID, auth.Nonce)
	if err != nil {
		return models.SpendEvidence{}, fmt.Errorf("replay set: %w", err)
	}
	if !claimed {
		return models.SpendEvidence{}, rejectf(ReasonReplayed, "nonce %d already consumed for delegation %s", auth.Nonce, auth.DelegationID)
	}

	amount, err := models.ParsePositiveAmount(auth.Amount)
	if err != nil {
		_ = a.Replay.Release(ctx, auth.DelegationID, auth.Nonce)
		return models.SpendEvidence{}, rejectf(ReasonInvalidAmount, "amount %q: %v", auth.Amount, err)
	}

	d, err := a.Repo.Consume(ctx, auth.DelegationID, amount)
	if err != nil {
		_ = a.Replay.Release(ctx, auth.DelegationID, auth.Nonce)
		switch {
		case errors.Is(err, ErrAllowanceExceeded):
			return models.SpendEvidence{}, rejectf(ReasonAllowanceExceeded, "concurrent consume exhausted the allowance")
		case errors.Is(err, ErrNotActive):
			return models.SpendEvidence{}, rejectf(ReasonNotActive, "delegation %s is no longer active", auth.DelegationID)
		case errors.Is(err, ErrNotFound):
			return models.SpendEvidence{}, rejectf(ReasonNotFound, "delegation %s not found", auth.DelegationID)
		default:
			return models.SpendEvidence{}, fmt.Errorf("ledger debit: %w", err)
		}
	}

	evidence := models.SpendEvidence{
		DelegationID:       d.ID,
		AuthorizedAmount:   amount.String(),
		ConsumedAmount:     d.ConsumedAmount,
		RemainingAllowance: models.SubAmounts(d.TotalAllowance, d.ConsumedAmount),
	}

	if a.ManagerContract != "" && recipient != "" && a.Chain != nil {
		txHash, err := a.settleOnChain(ctx, d, amount, recipient)
		if err != nil {
			a.compensate(ctx, d.ID, amount)
			return models.SpendEvidence{}, rejectf(ReasonOnChainReverted, "on-chain consume-and-transfer failed: %v", err)
		}
		evidence.OnChainTxHash = txHash
	}
	return evidence, nil
}

func (a *Authorizer) settleOnChain(ctx context.Context, d models.Delegation, amount *big.Int, recipient string) (string, error) {
	call := models.Call{
		ContractAddress: a.ManagerContract,
		Entrypoint:      "consume_and_transfer",
		Calldata:        []string{d.ID, strconv.FormatInt(d.Nonce, 10), amount.String(), recipient, d.Token},
	}
	txHash, err := a.Chain.Execute(ctx, d.OperatorWallet, []models.Call{call})
	if err != nil {
		return "", err
	}
	if _, err := a.Chain.WaitForConfirmation(ctx, txHash); err != nil {
		return "", err
	}
	return txHash, nil
}

func (a *Authorizer) compensate(ctx context.Context, delegationID string, amount *big.Int) {
	if _, err := a.Repo.Credit(ctx, delegationID, amount); err != nil {
		log.Printf("delegation %s: compensating credit of %s failed, ledger needs reconciliation: %v", delegationID, amount, err)
	}
}
