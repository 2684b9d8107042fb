package chain

import (
	"context"
	"errors"

	"github.com/Mohiiit/cloak-sub007/pkg/models"
)

var (
	ErrReverted     = errors.New("transaction reverted on chain")
	ErrNotConfirmed = errors.New("transaction not confirmed in time")
)

// Receipt statuses reported by the wallet node.
const (
	ReceiptPending  = "pending"
	ReceiptAccepted = "accepted"
	ReceiptReverted = "reverted"
)

// TxParams carries the caller-supplied parameters of one routed action.
type TxParams struct {
	Token     string `json:"token"`
	Amount    string `json:"amount,omitempty"`
	Recipient string `json:"recipient,omitempty"`
}

type Receipt struct {
	TxHash      string `json:"tx_hash"`
	Status      string `json:"status"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	RevertError string `json:"revert_error,omitempty"`
}

// Client is the opaque blockchain collaborator consumed by the router and the
// consent flows. Implementations submit signed transactions, estimate fees,
// and read account state; they never hold consent-policy logic.
type Client interface {
	Prepare(ctx context.Context, walletAddress, action string, params TxParams) ([]models.Call, error)
	EstimateFee(ctx context.Context, address string, calls []models.Call) (models.FeeBounds, error)
	GetNonce(ctx context.Context, address string) (uint64, error)
	Execute(ctx context.Context, address string, calls []models.Call) (string, error)
	WaitForConfirmation(ctx context.Context, txHash string) (Receipt, error)
	ComputeTxHash(address string, calls []models.Call, nonce uint64, fee models.FeeBounds) (string, error)
}
