package ward

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Mohiiit/cloak-sub007/pkg/approvalfsm"
	"github.com/Mohiiit/cloak-sub007/pkg/chain"
	"github.com/Mohiiit/cloak-sub007/pkg/models"
	"github.com/Mohiiit/cloak-sub007/pkg/twofactor"
)

// Flow drives guardian consent for a ward wallet. Depending on the policy
// snapshot it either executes directly, or prepares a locally-signed envelope
// and hands the request to the shared approval poll primitive.
type Flow struct {
	Policies  PolicySource
	Chain     chain.Client
	Signer    Signer
	Approvals *twofactor.Flow
}

// Request carries one prepared transaction into the ward flow.
type Request struct {
	WalletAddress string
	Action        string
	Token         string
	Amount        string
	Recipient     string
	Calls         []models.Call
}

// Authorize resolves the consent requirements for the ward and walks the
// request to a terminal outcome. A policy read failure is fatal; nothing can
// be safely routed without knowing the guardian and 2FA requirements.
func (f *Flow) Authorize(ctx context.Context, req Request) (approvalfsm.Outcome, error) {
	snap, err := f.Policies.Snapshot(ctx, req.WalletAddress)
	if err != nil {
		return approvalfsm.Outcome{}, fmt.Errorf("ward policy for %s: %w", req.WalletAddress, err)
	}

	// A ward with its own mobile 2FA must cosign on-device first, so no
	// local envelope is produced here.
	var env *models.Envelope
	if !snap.WardHas2FA {
		env, err = f.prepareEnvelope(ctx, req.WalletAddress, req.Calls)
		if err != nil {
			return approvalfsm.Outcome{}, err
		}
	}

	if !snap.NeedsGuardian && !snap.WardHas2FA {
		txHash, err := f.Chain.Execute(ctx, req.WalletAddress, req.Calls)
		if err != nil {
			return approvalfsm.Outcome{}, fmt.Errorf("direct execute: %w", err)
		}
		return approvalfsm.Outcome{Approved: true, TxHash: txHash}, nil
	}

	approval, err := f.buildApprovalRequest(req, snap, env)
	if err != nil {
		return approvalfsm.Outcome{}, err
	}
	return f.Approvals.RequestApproval(ctx, approval)
}

func (f *Flow) prepareEnvelope(ctx context.Context, walletAddress string, calls []models.Call) (*models.Envelope, error) {
	nonce, err := f.Chain.GetNonce(ctx, walletAddress)
	if err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}
	fee, err := f.Chain.EstimateFee(ctx, walletAddress, calls)
	if err != nil {
		return nil, fmt.Errorf("estimate fee: %w", err)
	}
	txHash, err := f.Chain.ComputeTxHash(walletAddress, calls, nonce, fee)
	if err != nil {
		return nil, fmt.Errorf("compute tx hash: %w", err)
	}
	sig, err := f.Signer.Sign(ctx, walletAddress, txHash)
	if err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}
	return &models.Envelope{Nonce: nonce, FeeBounds: fee, TxHash: txHash, Signature: sig}, nil
}

func (f *Flow) buildApprovalRequest(req Request, snap models.WardPolicySnapshot, env *models.Envelope) (models.ApprovalRequest, error) {
	callsPayload, err := json.Marshal(req.Calls)
	if err != nil {
		return models.ApprovalRequest{}, fmt.Errorf("marshal calls: %w", err)
	}
	approval := models.ApprovalRequest{
		WalletAddress:    req.WalletAddress,
		Action:           req.Action,
		Token:            req.Token,
		Amount:           req.Amount,
		Recipient:        req.Recipient,
		CallsPayload:     callsPayload,
		NeedsWard2FA:     snap.WardHas2FA,
		NeedsGuardian:    snap.NeedsGuardian,
		NeedsGuardian2FA: snap.GuardianHas2FA,
	}
	if env != nil {
		presig, err := json.Marshal(env)
		if err != nil {
			return models.ApprovalRequest{}, fmt.Errorf("marshal envelope: %w", err)
		}
		feeBounds, err := json.Marshal(env.FeeBounds)
		if err != nil {
			return models.ApprovalRequest{}, fmt.Errorf("marshal fee bounds: %w", err)
		}
		nonce := env.Nonce
		approval.PresigPayload = presig
		approval.FeeBoundsPayload = feeBounds
		approval.Nonce = &nonce
		approval.PrecomputedTxHash = env.TxHash
	}
	return approval, nil
}
