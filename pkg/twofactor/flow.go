package twofactor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/Mohiiit/cloak-sub007/pkg/approvalfsm"
	"github.com/Mohiiit/cloak-sub007/pkg/models"

	"github.com/google/uuid"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollTimeout  = 5 * time.Minute
)

// Outcome messages for the two non-backend terminal paths.
const (
	ErrTimedOut  = "timed out"
	ErrCancelled = "cancelled"
)

// Notifier receives fire-and-forget progress events. Implementations must not
// block; failures are the notifier's problem, never the flow's.
type Notifier interface {
	StatusChanged(requestID, status string)
	Completed(requestID string, approved bool, txHash string)
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) StatusChanged(string, string)   {}
func (NopNotifier) Completed(string, bool, string) {}

// MultiNotifier fans events out to several sinks.
type MultiNotifier []Notifier

func (m MultiNotifier) StatusChanged(requestID, status string) {
	for _, n := range m {
		n.StatusChanged(requestID, status)
	}
}

func (m MultiNotifier) Completed(requestID string, approved bool, txHash string) {
	for _, n := range m {
		n.Completed(requestID, approved, txHash)
	}
}

// Flow is the shared submit-and-poll approval primitive. Submit inserts one
// ApprovalRequest row; Wait drives the pure transition machine against
// periodic backend snapshots until a terminal outcome, the timeout ceiling,
// or cancellation.
type Flow struct {
	Store    *ApprovalStore
	Notifier Notifier
	Interval time.Duration
	Timeout  time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	waiters map[string]*waiter
}

type waiter struct {
	done    chan struct{}
	outcome approvalfsm.Outcome
}

func NewFlow(store *ApprovalStore, notifier Notifier) *Flow {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Flow{
		Store:    store,
		Notifier: notifier,
		Interval: DefaultPollInterval,
		Timeout:  DefaultPollTimeout,
		now:      time.Now,
		sleep:    sleepCtx,
		waiters:  map[string]*waiter{},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Submit inserts the request row in its initial in-flight status and emits
// the first status notification. It does not wait.
func (f *Flow) Submit(ctx context.Context, req models.ApprovalRequest) (models.ApprovalRequest, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = approvalfsm.InitialState(req.NeedsWard2FA, req.NeedsGuardian, req.NeedsGuardian2FA)
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = f.now().UTC()
	}
	stored, err := f.Store.Insert(ctx, req)
	if err != nil {
		return models.ApprovalRequest{}, err
	}
	f.Notifier.StatusChanged(stored.ID, stored.Status)
	return stored, nil
}

// RequestApproval is Submit followed by Wait.
func (f *Flow) RequestApproval(ctx context.Context, req models.ApprovalRequest) (approvalfsm.Outcome, error) {
	stored, err := f.Submit(ctx, req)
	if err != nil {
		return approvalfsm.Outcome{}, err
	}
	return f.Wait(ctx, stored.ID, stored.Status), nil
}

// Wait blocks until the request reaches a terminal outcome. Only one poll
// loop runs per request id; concurrent waiters share the owner's outcome.
// Cancellation aborts the caller's wait but does not withdraw the row, which
// may still be approved out-of-band later.
func (f *Flow) Wait(ctx context.Context, requestID, initialStatus string) approvalfsm.Outcome {
	f.mu.Lock()
	if w, ok := f.waiters[requestID]; ok {
		f.mu.Unlock()
		select {
		case <-w.done:
			return w.outcome
		case <-ctx.Done():
			return approvalfsm.Outcome{Approved: false, Error: ErrCancelled}
		}
	}
	w := &waiter{done: make(chan struct{})}
	f.waiters[requestID] = w
	f.mu.Unlock()

	outcome := f.poll(ctx, requestID, initialStatus)

	f.mu.Lock()
	w.outcome = outcome
	delete(f.waiters, requestID)
	f.mu.Unlock()
	close(w.done)
	return outcome
}

func (f *Flow) poll(ctx context.Context, requestID, state string) approvalfsm.Outcome {
	deadline := f.now().Add(f.Timeout)
	for {
		req, err := f.Store.Get(ctx, requestID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return f.finish(requestID, approvalfsm.Outcome{Approved: false, Error: ErrCancelled})
			}
			// Transient backend hiccups never terminate the wait; only the
			// wall clock does.
			log.Printf("approval %s: poll error: %v", requestID, err)
		} else {
			snap := approvalfsm.Snapshot{Status: req.Status, FinalTxHash: req.FinalTxHash, Error: req.ErrorMessage}
			next, err := approvalfsm.Next(state, snap)
			if err != nil {
				log.Printf("approval %s: ignoring snapshot %q from state %q: %v", requestID, snap.Status, state, err)
			}
			if next != state {
				state = next
				f.Notifier.StatusChanged(requestID, state)
			}
			if outcome, done := approvalfsm.Resolve(state, snap); done {
				return f.finish(requestID, outcome)
			}
		}
		if f.now().After(deadline) {
			return f.finish(requestID, approvalfsm.Outcome{Approved: false, Error: ErrTimedOut})
		}
		if err := f.sleep(ctx, f.Interval); err != nil {
			return f.finish(requestID, approvalfsm.Outcome{Approved: false, Error: ErrCancelled})
		}
	}
}

func (f *Flow) finish(requestID string, outcome approvalfsm.Outcome) approvalfsm.Outcome {
	f.Notifier.Completed(requestID, outcome.Approved, outcome.TxHash)
	return outcome
}
