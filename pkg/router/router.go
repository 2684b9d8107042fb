package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mohiiit/cloak-sub007/pkg/chain"
	"github.com/Mohiiit/cloak-sub007/pkg/models"
	"github.com/Mohiiit/cloak-sub007/pkg/twofactor"
	"github.com/Mohiiit/cloak-sub007/pkg/ward"

	"github.com/google/uuid"
)

// Fatal routing failures. These are never retried by the router.
var (
	ErrNoWallet      = errors.New("no wallet connected")
	ErrInvalidAction = errors.New("unsupported action")
	ErrInvalidAmount = errors.New("amount must be a positive integer")
)

// RejectionError is a terminal human decision or timeout, distinct from an
// internal failure: the transaction was understood but not consented to.
type RejectionError struct {
	Message string
}

func (e *RejectionError) Error() string { return e.Message }

// IsTimeout reports whether a rejection came from the approval ceiling
// rather than an explicit decline.
func IsTimeout(err error) bool {
	var re *RejectionError
	return errors.As(err, &re) && re.Message == twofactor.ErrTimedOut
}

// Routing paths.
const (
	PathDirect    = "direct"
	PathWard      = "ward"
	PathTwoFactor = "two_factor"
)

// Status tags streamed while a request is in flight.
const (
	StatusPreparing      = "preparing_calls"
	StatusWardApproval   = "waiting_guardian_approval"
	StatusMobileApproval = "waiting_mobile_approval"
	StatusExecuting      = "executing"
)

// Directory answers the two classification questions: is this wallet a ward
// account, and does it have second-device 2FA enabled.
type Directory interface {
	IsWard(ctx context.Context, walletAddress string) (bool, error)
	TwoFactorEnabled(ctx context.Context, walletAddress string) (bool, error)
}

// Request is one transaction to authorize and execute.
type Request struct {
	WalletAddress string `json:"wallet_address"`
	Action        string `json:"action"`
	Token         string `json:"token"`
	Amount        string `json:"amount,omitempty"`
	Recipient     string `json:"recipient,omitempty"`
}

// Result is the single canonical outcome of an approved route.
type Result struct {
	RouteID string `json:"route_id"`
	TxHash  string `json:"tx_hash"`
	Path    string `json:"path"`
}

// Router classifies each transaction into a consent path and drives it to one
// terminal outcome. Ward status takes strict priority over 2FA.
type Router struct {
	Chain     chain.Client
	Directory Directory
	Ward      *ward.Flow
	Approvals *twofactor.Flow
	Notifier  twofactor.Notifier

	newID func() string
}

func New(chainClient chain.Client, dir Directory, wardFlow *ward.Flow, approvals *twofactor.Flow, notifier twofactor.Notifier) *Router {
	if notifier == nil {
		notifier = twofactor.NopNotifier{}
	}
	return &Router{
		Chain:     chainClient,
		Directory: dir,
		Ward:      wardFlow,
		Approvals: approvals,
		Notifier:  notifier,
		newID:     uuid.NewString,
	}
}

// Route validates the request, prepares the calls, picks the consent path,
// and returns the final transaction hash or a typed failure. Notifications
// along the way are best-effort and never fail the transaction.
func (r *Router) Route(ctx context.Context, req Request) (Result, error) {
	if req.WalletAddress == "" {
		return Result{}, ErrNoWallet
	}
	if !models.ValidAction(req.Action) {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidAction, req.Action)
	}
	if req.Amount != "" {
		if _, err := models.ParsePositiveAmount(req.Amount); err != nil {
			return Result{}, fmt.Errorf("%w: %q", ErrInvalidAmount, req.Amount)
		}
	}

	routeID := r.newID()
	r.Notifier.StatusChanged(routeID, StatusPreparing)

	calls, err := r.Chain.Prepare(ctx, req.WalletAddress, req.Action, chain.TxParams{
		Token:     req.Token,
		Amount:    req.Amount,
		Recipient: req.Recipient,
	})
	if err != nil {
		// Preparation errors are transient; the caller decides whether to
		// retry, the router does not.
		return Result{}, fmt.Errorf("prepare calls: %w", err)
	}

	isWard, err := r.Directory.IsWard(ctx, req.WalletAddress)
	if err != nil {
		return Result{}, fmt.Errorf("classify wallet: %w", err)
	}
	if isWard {
		return r.routeWard(ctx, routeID, req, calls)
	}

	has2FA, err := r.Directory.TwoFactorEnabled(ctx, req.WalletAddress)
	if err != nil {
		return Result{}, fmt.Errorf("classify wallet: %w", err)
	}
	if has2FA {
		return r.routeTwoFactor(ctx, routeID, req, calls)
	}
	return r.routeDirect(ctx, routeID, req, calls)
}

func (r *Router) routeWard(ctx context.Context, routeID string, req Request, calls []models.Call) (Result, error) {
	r.Notifier.StatusChanged(routeID, StatusWardApproval)
	outcome, err := r.Ward.Authorize(ctx, ward.Request{
		WalletAddress: req.WalletAddress,
		Action:        req.Action,
		Token:         req.Token,
		Amount:        req.Amount,
		Recipient:     req.Recipient,
		Calls:         calls,
	})
	if err != nil {
		return Result{}, err
	}
	if !outcome.Approved {
		r.Notifier.Completed(routeID, false, "")
		return Result{}, &RejectionError{Message: outcome.Error}
	}
	r.Notifier.Completed(routeID, true, outcome.TxHash)
	return Result{RouteID: routeID, TxHash: outcome.TxHash, Path: PathWard}, nil
}

func (r *Router) routeTwoFactor(ctx context.Context, routeID string, req Request, calls []models.Call) (Result, error) {
	r.Notifier.StatusChanged(routeID, StatusMobileApproval)
	approval, err := r.buildApprovalRequest(ctx, req, calls)
	if err != nil {
		return Result{}, err
	}
	outcome, err := r.Approvals.RequestApproval(ctx, approval)
	if err != nil {
		return Result{}, err
	}
	if !outcome.Approved {
		r.Notifier.Completed(routeID, false, "")
		return Result{}, &RejectionError{Message: outcome.Error}
	}
	txHash := outcome.TxHash
	if txHash == "" {
		// Older approver apps settle without writing final_tx_hash; fall
		// back to the hash we computed at submit time.
		txHash = approval.PrecomputedTxHash
	}
	r.Notifier.Completed(routeID, true, txHash)
	return Result{RouteID: routeID, TxHash: txHash, Path: PathTwoFactor}, nil
}

func (r *Router) routeDirect(ctx context.Context, routeID string, req Request, calls []models.Call) (Result, error) {
	r.Notifier.StatusChanged(routeID, StatusExecuting)
	txHash, err := r.Chain.Execute(ctx, req.WalletAddress, calls)
	if err != nil {
		return Result{}, fmt.Errorf("execute: %w", err)
	}
	r.Notifier.Completed(routeID, true, txHash)
	return Result{RouteID: routeID, TxHash: txHash, Path: PathDirect}, nil
}

func (r *Router) buildApprovalRequest(ctx context.Context, req Request, calls []models.Call) (models.ApprovalRequest, error) {
	callsPayload, err := json.Marshal(calls)
	if err != nil {
		return models.ApprovalRequest{}, fmt.Errorf("marshal calls: %w", err)
	}
	approval := models.ApprovalRequest{
		WalletAddress: req.WalletAddress,
		Action:        req.Action,
		Token:         req.Token,
		Amount:        req.Amount,
		Recipient:     req.Recipient,
		CallsPayload:  callsPayload,
		Status:        models.StatusPending,
	}
	nonce, err := r.Chain.GetNonce(ctx, req.WalletAddress)
	if err != nil {
		return approval, nil
	}
	fee, err := r.Chain.EstimateFee(ctx, req.WalletAddress, calls)
	if err != nil {
		return approval, nil
	}
	txHash, err := r.Chain.ComputeTxHash(req.WalletAddress, calls, nonce, fee)
	if err != nil {
		return approval, nil
	}
	approval.Nonce = &nonce
	approval.PrecomputedTxHash = txHash
	return approval, nil
}
