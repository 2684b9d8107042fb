package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/Mohiiit/cloak-sub007/pkg/models"
)

// Fake is a scripted in-memory Client for tests.
type Fake struct {
	mu sync.Mutex

	PrepareCalls []string
	ExecuteCalls []string

	PrepareErr error
	ExecuteErr error
	NonceErr   error
	FeeErr     error
	ConfirmErr error

	Nonce    uint64
	Fee      models.FeeBounds
	TxHash   string
	Receipts map[string]Receipt

	execCount int
}

func NewFake() *Fake {
	return &Fake{
		Fee:      models.FeeBounds{MaxAmount: "1000", MaxPricePerUnit: "10", Unit: "wei"},
		TxHash:   "0xfake",
		Receipts: map[string]Receipt{},
	}
}

func (f *Fake) Prepare(ctx context.Context, walletAddress, action string, params TxParams) ([]models.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PrepareCalls = append(f.PrepareCalls, walletAddress+"/"+action)
	if f.PrepareErr != nil {
		return nil, f.PrepareErr
	}
	return []models.Call{{
		ContractAddress: "0xtoken-" + params.Token,
		Entrypoint:      action,
		Calldata:        []string{params.Recipient, params.Amount},
	}}, nil
}

func (f *Fake) EstimateFee(ctx context.Context, address string, calls []models.Call) (models.FeeBounds, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FeeErr != nil {
		return models.FeeBounds{}, f.FeeErr
	}
	return f.Fee, nil
}

func (f *Fake) GetNonce(ctx context.Context, address string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NonceErr != nil {
		return 0, f.NonceErr
	}
	return f.Nonce, nil
}

func (f *Fake) Execute(ctx context.Context, address string, calls []models.Call) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ExecuteCalls = append(f.ExecuteCalls, address)
	if f.ExecuteErr != nil {
		return "", f.ExecuteErr
	}
	f.execCount++
	if f.execCount > 1 {
		return fmt.Sprintf("%s-%d", f.TxHash, f.execCount), nil
	}
	return f.TxHash, nil
}

func (f *Fake) WaitForConfirmation(ctx context.Context, txHash string) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConfirmErr != nil {
		return Receipt{TxHash: txHash, Status: ReceiptReverted}, f.ConfirmErr
	}
	if rec, ok := f.Receipts[txHash]; ok {
		if rec.Status == ReceiptReverted {
			return rec, ErrReverted
		}
		return rec, nil
	}
	return Receipt{TxHash: txHash, Status: ReceiptAccepted}, nil
}

func (f *Fake) ComputeTxHash(address string, calls []models.Call, nonce uint64, fee models.FeeBounds) (string, error) {
	return CanonicalTxHash(address, calls, nonce, fee)
}

// ExecuteCount reports how many executions succeeded.
func (f *Fake) ExecuteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execCount
}
