package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Mohiiit/cloak-sub007/pkg/httpx"
	"github.com/Mohiiit/cloak-sub007/pkg/models"
)

// Testable variables for confirmation polling.
var (
	confirmInterval = 2 * time.Second
	confirmTimeout  = 2 * time.Minute
	confirmSleep    = sleepCtx
)

// HTTPClient talks to a wallet-node RPC service over JSON HTTP. Transient
// transport failures and 5xx responses retry per the shared upstream policy.
type HTTPClient struct {
	BaseURL    string
	HTTPClient *http.Client
	AuthHeader string
	AuthToken  string
	Retries    int
	RetryDelay time.Duration
}

func NewHTTPClient(baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPClient{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: client,
		Retries:    1,
		RetryDelay: 50 * time.Millisecond,
	}
}

func (c *HTTPClient) headers() map[string]string {
	if c.AuthHeader == "" || c.AuthToken == "" {
		return nil
	}
	return map[string]string{c.AuthHeader: c.AuthToken}
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}
	status, resp, err := httpx.RequestJSON(ctx, c.HTTPClient, http.MethodPost, c.BaseURL+path, raw, c.headers(), c.Retries, c.RetryDelay)
	if err != nil {
		return fmt.Errorf("wallet node %s: %w", path, err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("wallet node %s: status=%d body=%s", path, status, strings.TrimSpace(string(resp)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	status, resp, err := httpx.RequestJSON(ctx, c.HTTPClient, http.MethodGet, c.BaseURL+path, nil, c.headers(), c.Retries, c.RetryDelay)
	if err != nil {
		return fmt.Errorf("wallet node %s: %w", path, err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("wallet node %s: status=%d body=%s", path, status, strings.TrimSpace(string(resp)))
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *HTTPClient) Prepare(ctx context.Context, walletAddress, action string, params TxParams) ([]models.Call, error) {
	var out struct {
		Calls []models.Call `json:"calls"`
	}
	req := map[string]any{
		"wallet_address": walletAddress,
		"action":         action,
		"token":          params.Token,
	}
	if params.Amount != "" {
		req["amount"] = params.Amount
	}
	if params.Recipient != "" {
		req["recipient"] = params.Recipient
	}
	if err := c.postJSON(ctx, "/v1/prepare", req, &out); err != nil {
		return nil, err
	}
	if len(out.Calls) == 0 {
		return nil, fmt.Errorf("wallet node returned no calls for action %q", action)
	}
	return out.Calls, nil
}

func (c *HTTPClient) EstimateFee(ctx context.Context, address string, calls []models.Call) (models.FeeBounds, error) {
	var out models.FeeBounds
	err := c.postJSON(ctx, "/v1/fees/estimate", map[string]any{"address": address, "calls": calls}, &out)
	return out, err
}

func (c *HTTPClient) GetNonce(ctx context.Context, address string) (uint64, error) {
	var out struct {
		Nonce uint64 `json:"nonce"`
	}
	if err := c.getJSON(ctx, "/v1/accounts/"+url.PathEscape(address)+"/nonce", &out); err != nil {
		return 0, err
	}
	return out.Nonce, nil
}

func (c *HTTPClient) Execute(ctx context.Context, address string, calls []models.Call) (string, error) {
	var out struct {
		TxHash string `json:"tx_hash"`
	}
	if err := c.postJSON(ctx, "/v1/execute", map[string]any{"address": address, "calls": calls}, &out); err != nil {
		return "", err
	}
	if out.TxHash == "" {
		return "", fmt.Errorf("wallet node returned empty tx hash")
	}
	return out.TxHash, nil
}

// WaitForConfirmation polls the receipt endpoint until the transaction leaves
// the pending state or the confirmation budget elapses.
func (c *HTTPClient) WaitForConfirmation(ctx context.Context, txHash string) (Receipt, error) {
	deadline := time.Now().Add(confirmTimeout)
	for {
		var rec Receipt
		err := c.getJSON(ctx, "/v1/tx/"+url.PathEscape(txHash), &rec)
		if err == nil {
			switch rec.Status {
			case ReceiptAccepted:
				return rec, nil
			case ReceiptReverted:
				return rec, ErrReverted
			}
		}
		if time.Now().After(deadline) {
			return Receipt{TxHash: txHash, Status: ReceiptPending}, ErrNotConfirmed
		}
		if err := confirmSleep(ctx, confirmInterval); err != nil {
			return Receipt{TxHash: txHash, Status: ReceiptPending}, err
		}
	}
}

// ComputeTxHash derives the canonical transaction hash locally so the ward
// envelope can be signed without shipping calls to the node twice.
func (c *HTTPClient) ComputeTxHash(address string, calls []models.Call, nonce uint64, fee models.FeeBounds) (string, error) {
	return CanonicalTxHash(address, calls, nonce, fee)
}

// CanonicalTxHash hashes the canonical JSON form of (address, calls, nonce,
// fee bounds). Every signer and approver device derives the same hash for the
// same prepared transaction.
func CanonicalTxHash(address string, calls []models.Call, nonce uint64, fee models.FeeBounds) (string, error) {
	payload := struct {
		Address   string           `json:"address"`
		Calls     []models.Call    `json:"calls"`
		Nonce     uint64           `json:"nonce"`
		FeeBounds models.FeeBounds `json:"fee_bounds"`
	}{Address: address, Calls: calls, Nonce: nonce, FeeBounds: fee}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal tx payload: %w", err)
	}
	canon, err := models.CanonicalizeJSON(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize tx payload: %w", err)
	}
	sum := sha256.Sum256(canon)
	return "0x" + hex.EncodeToString(sum[:]), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
