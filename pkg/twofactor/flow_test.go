package twofactor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Mohiiit/cloak-sub007/pkg/approvalfsm"
	"github.com/Mohiiit/cloak-sub007/pkg/models"
	"github.com/Mohiiit/cloak-sub007/pkg/store"
)

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []string
	done     []string
}

func (n *recordingNotifier) StatusChanged(requestID, status string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, status)
}

func (n *recordingNotifier) Completed(requestID string, approved bool, txHash string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.done = append(n.done, fmt.Sprintf("%v/%s", approved, txHash))
}

func (n *recordingNotifier) snapshot() ([]string, []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.statuses...), append([]string(nil), n.done...)
}

// fakeTicks rigs the flow so each poll sleep advances a fake clock by one
// interval instead of blocking.
func fakeTicks(f *Flow, start time.Time) *time.Time {
	current := start
	f.now = func() time.Time { return current }
	f.sleep = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		current = current.Add(d)
		return nil
	}
	return &current
}

func pendingRequest() models.ApprovalRequest {
	return models.ApprovalRequest{
		WalletAddress: "0xward",
		Action:        models.ActionTransfer,
		Token:         "USDC",
		Amount:        "10",
		Recipient:     "0xr",
		CallsPayload:  json.RawMessage(`[{"contract_address":"0xc","entrypoint":"transfer","calldata":["0xr","10"]}]`),
	}
}

func TestSubmitFillsDefaults(t *testing.T) {
	backend := store.NewMemoryBackend()
	f := NewFlow(NewApprovalStore(backend), nil)
	fakeTicks(f, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	stored, err := f.Submit(context.Background(), pendingRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if stored.ID == "" {
		t.Fatal("submit must assign an id")
	}
	if stored.Status != models.StatusPending {
		t.Fatalf("status = %s, want pending", stored.Status)
	}
	if stored.CreatedAt.IsZero() {
		t.Fatal("created_at must be set")
	}

	rows, err := backend.Select(context.Background(), TableApprovalRequests, store.Filter{"id": stored.ID})
	if err != nil || len(rows) != 1 {
		t.Fatalf("row not persisted: %v %d", err, len(rows))
	}
	if rows[0]["status"] != models.StatusPending {
		t.Fatalf("persisted status = %v", rows[0]["status"])
	}
}

func TestSubmitWardFlagsPickInitialState(t *testing.T) {
	backend := store.NewMemoryBackend()
	f := NewFlow(NewApprovalStore(backend), nil)

	req := pendingRequest()
	req.NeedsWard2FA = true
	req.NeedsGuardian = true
	stored, err := f.Submit(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.StatusPendingWardSig {
		t.Fatalf("status = %s, want pending_ward_sig", stored.Status)
	}
}

func TestWaitResolvesApproval(t *testing.T) {
	backend := store.NewMemoryBackend()
	st := NewApprovalStore(backend)
	notif := &recordingNotifier{}
	f := NewFlow(st, notif)
	fakeTicks(f, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	stored, err := f.Submit(context.Background(), pendingRequest())
	if err != nil {
		t.Fatal(err)
	}
	// Approve after two polls.
	polls := 0
	baseSleep := f.sleep
	f.sleep = func(ctx context.Context, d time.Duration) error {
		polls++
		if polls == 2 {
			if _, err := st.Decide(ctx, stored.ID, models.StatusApproved, "0xfinal", ""); err != nil {
				t.Errorf("decide: %v", err)
			}
		}
		return baseSleep(ctx, d)
	}

	outcome := f.Wait(context.Background(), stored.ID, stored.Status)
	if !outcome.Approved || outcome.TxHash != "0xfinal" {
		t.Fatalf("outcome = %+v", outcome)
	}

	statuses, done := notif.snapshot()
	if len(statuses) == 0 || statuses[len(statuses)-1] != models.StatusApproved {
		t.Fatalf("status notifications = %v", statuses)
	}
	if len(done) != 1 || done[0] != "true/0xfinal" {
		t.Fatalf("completion notifications = %v", done)
	}
}

func TestWaitResolvesMobileRejection(t *testing.T) {
	backend := store.NewMemoryBackend()
	st := NewApprovalStore(backend)
	f := NewFlow(st, nil)
	fakeTicks(f, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	stored, err := f.Submit(context.Background(), pendingRequest())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Decide(context.Background(), stored.ID, models.StatusRejected, "", ""); err != nil {
		t.Fatal(err)
	}

	outcome := f.Wait(context.Background(), stored.ID, stored.Status)
	if outcome.Approved {
		t.Fatal("expected rejection")
	}
	if outcome.Error != "Transaction rejected on mobile device" {
		t.Fatalf("error = %q", outcome.Error)
	}
}

func TestWaitTimesOut(t *testing.T) {
	backend := store.NewMemoryBackend()
	f := NewFlow(NewApprovalStore(backend), nil)
	f.Interval = 2 * time.Second
	f.Timeout = 10 * time.Second
	fakeTicks(f, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	stored, err := f.Submit(context.Background(), pendingRequest())
	if err != nil {
		t.Fatal(err)
	}
	outcome := f.Wait(context.Background(), stored.ID, stored.Status)
	if outcome.Approved || outcome.Error != ErrTimedOut {
		t.Fatalf("outcome = %+v", outcome)
	}
}

func TestWaitCancelled(t *testing.T) {
	backend := store.NewMemoryBackend()
	f := NewFlow(NewApprovalStore(backend), nil)
	fakeTicks(f, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	stored, err := f.Submit(context.Background(), pendingRequest())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome := f.Wait(ctx, stored.ID, stored.Status)
	if outcome.Approved || outcome.Error != ErrCancelled {
		t.Fatalf("outcome = %+v", outcome)
	}
	// The row is not withdrawn; it stays pending for out-of-band approval.
	req, err := NewApprovalStore(backend).Get(context.Background(), stored.ID)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != models.StatusPending {
		t.Fatalf("row status = %s, want pending", req.Status)
	}
}

// flakyBackend fails the first n selects to simulate network hiccups.
type flakyBackend struct {
	store.Backend
	mu       sync.Mutex
	failures int
}

func (b *flakyBackend) Select(ctx context.Context, table string, filter store.Filter) ([]store.Row, error) {
	b.mu.Lock()
	if b.failures > 0 {
		b.failures--
		b.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	b.mu.Unlock()
	return b.Backend.Select(ctx, table, filter)
}

func TestWaitSwallowsTransientPollErrors(t *testing.T) {
	backend := store.NewMemoryBackend()
	st := NewApprovalStore(backend)
	f := NewFlow(st, nil)
	fakeTicks(f, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	stored, err := f.Submit(context.Background(), pendingRequest())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Decide(context.Background(), stored.ID, models.StatusApproved, "0xok", ""); err != nil {
		t.Fatal(err)
	}
	f.Store = NewApprovalStore(&flakyBackend{Backend: backend, failures: 3})

	outcome := f.Wait(context.Background(), stored.ID, models.StatusPending)
	if !outcome.Approved || outcome.TxHash != "0xok" {
		t.Fatalf("outcome = %+v", outcome)
	}
}

func TestWaitSharesOneLoopPerRequest(t *testing.T) {
	backend := store.NewMemoryBackend()
	st := NewApprovalStore(backend)
	f := NewFlow(st, nil)
	f.Interval = time.Millisecond
	f.Timeout = 5 * time.Second

	stored, err := f.Submit(context.Background(), pendingRequest())
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	outcomes := make([]approvalfsm.Outcome, 3)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = f.Wait(context.Background(), stored.ID, stored.Status)
		}(i)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := st.Decide(context.Background(), stored.ID, models.StatusApproved, "0xshared", ""); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	for i, o := range outcomes {
		if !o.Approved || o.TxHash != "0xshared" {
			t.Fatalf("waiter %d outcome = %+v", i, o)
		}
	}
}

func TestDecideLifecycle(t *testing.T) {
	ctx := context.Background()
	st := NewApprovalStore(store.NewMemoryBackend())
	nonce := uint64(7)
	req := pendingRequest()
	req.ID = "req-1"
	req.Status = models.StatusPendingGuardian
	req.Nonce = &nonce
	req.PresigPayload = json.RawMessage(`{"tx_hash":"0xh","signature":["a","b"]}`)
	req.CreatedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if _, err := st.Insert(ctx, req); err != nil {
		t.Fatal(err)
	}

	got, err := st.Get(ctx, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Nonce == nil || *got.Nonce != 7 {
		t.Fatalf("nonce round-trip = %v", got.Nonce)
	}
	if string(got.PresigPayload) != `{"tx_hash":"0xh","signature":["a","b"]}` {
		t.Fatalf("presig round-trip = %s", got.PresigPayload)
	}

	// pending_guardian cannot jump backwards to pending.
	if _, err := st.Decide(ctx, "req-1", models.StatusPending, "", ""); !errors.Is(err, approvalfsm.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	decided, err := st.Decide(ctx, "req-1", models.StatusRejected, "", "guardian declined")
	if err != nil {
		t.Fatal(err)
	}
	if decided.Status != models.StatusRejected || decided.ErrorMessage != "guardian declined" {
		t.Fatalf("decided = %+v", decided)
	}

	// Terminal absorbs further decisions.
	latest, err := st.Decide(ctx, "req-1", models.StatusApproved, "0xlate", "")
	if !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}
	if latest.Status != models.StatusRejected {
		t.Fatalf("status after losing race = %s", latest.Status)
	}

	if _, err := st.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing: %v", err)
	}
}

func TestListByWallet(t *testing.T) {
	ctx := context.Background()
	st := NewApprovalStore(store.NewMemoryBackend())
	for i := 0; i < 3; i++ {
		req := pendingRequest()
		req.ID = fmt.Sprintf("req-%d", i)
		req.Status = models.StatusPending
		if i == 2 {
			req.WalletAddress = "0xother"
		}
		if _, err := st.Insert(ctx, req); err != nil {
			t.Fatal(err)
		}
	}
	list, err := st.ListByWallet(ctx, "0xward")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
}
