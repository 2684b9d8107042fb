package approvalfsm

import (
	"errors"
	"testing"

	"github.com/Mohiiit/cloak-sub007/pkg/models"
)

func TestInitialState(t *testing.T) {
	cases := []struct {
		ward2fa, guardian, guardian2fa bool
		want                           string
	}{
		{true, true, true, models.StatusPendingWardSig},
		{true, false, false, models.StatusPendingWardSig},
		{false, true, true, models.StatusPendingGuardian},
		{false, true, false, models.StatusPendingGuardian},
		{false, false, true, models.StatusPendingGuardianSig},
		{false, false, false, models.StatusPending},
	}
	for _, tc := range cases {
		got := InitialState(tc.ward2fa, tc.guardian, tc.guardian2fa)
		if got != tc.want {
			t.Fatalf("InitialState(%v,%v,%v) = %s, want %s", tc.ward2fa, tc.guardian, tc.guardian2fa, got, tc.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]string{
		{models.StatusPending, models.StatusApproved},
		{models.StatusPending, models.StatusRejected},
		{models.StatusPendingWardSig, models.StatusPendingGuardian},
		{models.StatusPendingWardSig, models.StatusApproved},
		{models.StatusPendingGuardian, models.StatusPendingGuardianSig},
		{models.StatusPendingGuardian, models.StatusExpired},
		{models.StatusPendingGuardianSig, models.StatusFailed},
	}
	for _, pair := range allowed {
		if !CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s allowed", pair[0], pair[1])
		}
	}
	denied := [][2]string{
		{models.StatusApproved, models.StatusPending},
		{models.StatusRejected, models.StatusApproved},
		{models.StatusPendingGuardian, models.StatusPendingWardSig},
		{models.StatusPending, models.StatusPending},
		{models.StatusExpired, models.StatusFailed},
	}
	for _, pair := range denied {
		if CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s denied", pair[0], pair[1])
		}
	}
}

func TestNextTerminalAbsorbs(t *testing.T) {
	state, err := Next(models.StatusApproved, Snapshot{Status: models.StatusRejected})
	if err != nil || state != models.StatusApproved {
		t.Fatalf("terminal state must absorb, got %s err=%v", state, err)
	}
}

func TestNextIgnoresEmptyAndSameStatus(t *testing.T) {
	state, err := Next(models.StatusPendingGuardian, Snapshot{})
	if err != nil || state != models.StatusPendingGuardian {
		t.Fatalf("empty snapshot must be a no-op, got %s err=%v", state, err)
	}
	state, err = Next(models.StatusPendingGuardian, Snapshot{Status: models.StatusPendingGuardian})
	if err != nil || state != models.StatusPendingGuardian {
		t.Fatalf("same status must be a no-op, got %s err=%v", state, err)
	}
}

func TestNextInvalidTransition(t *testing.T) {
	state, err := Next(models.StatusPendingGuardianSig, Snapshot{Status: models.StatusPendingGuardian})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if state != models.StatusPendingGuardianSig {
		t.Fatalf("state must not regress, got %s", state)
	}
}

func TestNextWardFullPath(t *testing.T) {
	state := InitialState(true, true, true)
	for _, observed := range []string{
		models.StatusPendingGuardian,
		models.StatusPendingGuardianSig,
		models.StatusApproved,
	} {
		next, err := Next(state, Snapshot{Status: observed})
		if err != nil {
			t.Fatalf("step %s -> %s: %v", state, observed, err)
		}
		state = next
	}
	if state != models.StatusApproved {
		t.Fatalf("expected approved terminal, got %s", state)
	}
}

func TestResolve(t *testing.T) {
	if _, done := Resolve(models.StatusPendingGuardian, Snapshot{}); done {
		t.Fatal("in-flight state must not resolve")
	}
	out, done := Resolve(models.StatusApproved, Snapshot{FinalTxHash: "0xabc"})
	if !done || !out.Approved || out.TxHash != "0xabc" {
		t.Fatalf("unexpected approved outcome: %+v done=%v", out, done)
	}
	out, done = Resolve(models.StatusRejected, Snapshot{})
	if !done || out.Approved || out.Error != "Transaction rejected on mobile device" {
		t.Fatalf("unexpected rejected outcome: %+v", out)
	}
	out, _ = Resolve(models.StatusExpired, Snapshot{})
	if out.Error != "approval request expired" {
		t.Fatalf("unexpected expired reason: %q", out.Error)
	}
	out, _ = Resolve(models.StatusFailed, Snapshot{Error: "execution reverted"})
	if out.Error != "execution reverted" {
		t.Fatalf("backend error must win, got %q", out.Error)
	}
}
