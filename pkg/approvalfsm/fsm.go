package approvalfsm

import (
	"errors"

	"github.com/Mohiiit/cloak-sub007/pkg/models"
)

var ErrInvalidTransition = errors.New("invalid approval transition")

// Snapshot is a backend row read consumed by the pure transition function.
type Snapshot struct {
	Status      string
	FinalTxHash string
	Error       string
}

// Outcome is the folded terminal result of an approval cycle.
type Outcome struct {
	Approved bool
	TxHash   string
	Error    string
}

// InitialState picks the first in-flight stage from the consent flags carried
// on the row. A ward with its own 2FA must cosign before the guardian sees
// the request.
func InitialState(needsWard2FA, needsGuardian, needsGuardian2FA bool) string {
	switch {
	case needsWard2FA:
		return models.StatusPendingWardSig
	case needsGuardian:
		return models.StatusPendingGuardian
	case needsGuardian2FA:
		return models.StatusPendingGuardianSig
	default:
		return models.StatusPending
	}
}

func IsTerminal(status string) bool {
	return models.TerminalApprovalStatus(status)
}

// CanTransition encodes the status lattice. Terminal states absorb; every
// in-flight state can fail, expire, or be rejected at any point.
func CanTransition(from, to string) bool {
	if from == to {
		return false
	}
	switch from {
	case models.StatusPending:
		return IsTerminal(to)
	case models.StatusPendingWardSig:
		return to == models.StatusPendingGuardian || to == models.StatusPendingGuardianSig || IsTerminal(to)
	case models.StatusPendingGuardian:
		return to == models.StatusPendingGuardianSig || IsTerminal(to)
	case models.StatusPendingGuardianSig:
		return IsTerminal(to)
	default:
		return false
	}
}

// Next advances the poll-side state from a backend snapshot. Unknown or
// stale statuses leave the state unchanged so transient bad reads never
// regress the machine; a first terminal observation wins and later
// observations are no-ops.
func Next(current string, snap Snapshot) (string, error) {
	if IsTerminal(current) {
		return current, nil
	}
	observed := snap.Status
	if observed == "" || observed == current {
		return current, nil
	}
	if !CanTransition(current, observed) {
		return current, ErrInvalidTransition
	}
	return observed, nil
}

// Resolve folds a terminal state into the flow outcome. The second return is
// false while the request is still in flight.
func Resolve(state string, snap Snapshot) (Outcome, bool) {
	if !IsTerminal(state) {
		return Outcome{}, false
	}
	if state == models.StatusApproved {
		return Outcome{Approved: true, TxHash: snap.FinalTxHash}, true
	}
	reason := snap.Error
	if reason == "" {
		switch state {
		case models.StatusRejected:
			reason = "Transaction rejected on mobile device"
		case models.StatusExpired:
			reason = "approval request expired"
		default:
			reason = "approval request failed"
		}
	}
	return Outcome{Approved: false, Error: reason}, true
}
