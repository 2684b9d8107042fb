package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// Testable variables for main()
var osExit = os.Exit

var httpClient = &http.Client{Timeout: 30 * time.Second}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "route":
		return routeCmd(args[1:], out)
	case "grant":
		return grantCmd(args[1:], out)
	case "revoke":
		return revokeCmd(args[1:], out)
	case "consume":
		return consumeCmd(args[1:], out)
	case "approvals":
		return approvalsCmd(args[1:], out)
	case "watch":
		return watchCmd(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "cloakctl commands:")
	fmt.Fprintln(out, "  route     --wallet 0x.. --action transfer --token USDC --amount 100 --recipient 0x..")
	fmt.Fprintln(out, "  grant     --agent a1 --operator 0x.. --token USDC --max-per-run 50 --total-allowance 100 --valid-until RFC3339")
	fmt.Fprintln(out, "  revoke    --id <delegation-id>")
	fmt.Fprintln(out, "  consume   --delegation <id> --agent a1 --action transfer --token USDC --amount 10 --nonce 1")
	fmt.Fprintln(out, "  approvals --wallet 0x.. | --id <approval-id> [--status approved --tx 0x..]")
	fmt.Fprintln(out, "  watch     [--max N]")
	fmt.Fprintln(out, "environment: CLOAK_GATEWAY_URL (default http://localhost:8080), CLOAK_TOKEN")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func gatewayURL() string {
	if v := strings.TrimSpace(os.Getenv("CLOAK_GATEWAY_URL")); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://localhost:8080"
}

// call sends one JSON request to the gateway and returns the response body.
// Any non-2xx status is an error carrying the gateway's message.
func call(method, path string, payload any, headers map[string]string) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, gatewayURL()+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := strings.TrimSpace(os.Getenv("CLOAK_TOKEN")); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call gateway: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}

func printJSON(out io.Writer, raw []byte) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Fprintln(out, strings.TrimSpace(string(raw)))
		return
	}
	fmt.Fprintln(out, pretty.String())
}

func routeCmd(args []string, out io.Writer) error {
	fs := newFlagSet("route")
	wallet := fs.String("wallet", "", "wallet address")
	action := fs.String("action", "", "fund, transfer, withdraw, rollover, or invoke")
	token := fs.String("token", "", "token symbol")
	amount := fs.String("amount", "", "decimal amount string")
	recipient := fs.String("recipient", "", "recipient address")
	idemKey := fs.String("idempotency-key", "", "idempotency key header")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *wallet == "" || *action == "" {
		return errors.New("wallet and action required")
	}
	headers := map[string]string{}
	if *idemKey != "" {
		headers["Idempotency-Key"] = *idemKey
	}
	raw, err := call(http.MethodPost, "/v1/tx/route", map[string]string{
		"wallet_address": *wallet,
		"action":         *action,
		"token":          *token,
		"amount":         *amount,
		"recipient":      *recipient,
	}, headers)
	if err != nil {
		return err
	}
	printJSON(out, raw)
	return nil
}

func grantCmd(args []string, out io.Writer) error {
	fs := newFlagSet("grant")
	agent := fs.String("agent", "", "agent id")
	operator := fs.String("operator", "", "operator wallet address")
	token := fs.String("token", "", "token symbol")
	maxPerRun := fs.String("max-per-run", "", "per-run cap, integer string")
	totalAllowance := fs.String("total-allowance", "", "total allowance, integer string")
	validFrom := fs.String("valid-from", "", "RFC3339 start of validity window")
	validUntil := fs.String("valid-until", "", "RFC3339 end of validity window")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *agent == "" || *operator == "" || *token == "" || *maxPerRun == "" || *totalAllowance == "" || *validUntil == "" {
		return errors.New("agent, operator, token, max-per-run, total-allowance, valid-until required")
	}
	payload := map[string]any{
		"agent_id":        *agent,
		"operator_wallet": *operator,
		"token":           *token,
		"max_per_run":     *maxPerRun,
		"total_allowance": *totalAllowance,
	}
	until, err := time.Parse(time.RFC3339, *validUntil)
	if err != nil {
		return fmt.Errorf("parse valid-until: %w", err)
	}
	payload["valid_until"] = until.UTC().Format(time.RFC3339)
	if *validFrom != "" {
		from, err := time.Parse(time.RFC3339, *validFrom)
		if err != nil {
			return fmt.Errorf("parse valid-from: %w", err)
		}
		payload["valid_from"] = from.UTC().Format(time.RFC3339)
	}
	raw, err := call(http.MethodPost, "/v1/delegations", payload, nil)
	if err != nil {
		return err
	}
	printJSON(out, raw)
	return nil
}

func revokeCmd(args []string, out io.Writer) error {
	fs := newFlagSet("revoke")
	id := fs.String("id", "", "delegation id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("id required")
	}
	raw, err := call(http.MethodPost, "/v1/delegations/"+*id+"/revoke", nil, nil)
	if err != nil {
		return err
	}
	printJSON(out, raw)
	return nil
}

func consumeCmd(args []string, out io.Writer) error {
	fs := newFlagSet("consume")
	delegationID := fs.String("delegation", "", "delegation id")
	agent := fs.String("agent", "", "agent id")
	runID := fs.String("run", "", "run id")
	action := fs.String("action", "", "action name")
	token := fs.String("token", "", "token symbol")
	amount := fs.String("amount", "", "amount, integer string")
	nonce := fs.Int64("nonce", -1, "spend nonce")
	recipient := fs.String("recipient", "", "optional on-chain transfer recipient")
	idemKey := fs.String("idempotency-key", "", "idempotency key header")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *delegationID == "" || *agent == "" || *amount == "" || *nonce < 0 {
		return errors.New("delegation, agent, amount, nonce required")
	}
	headers := map[string]string{}
	if *idemKey != "" {
		headers["Idempotency-Key"] = *idemKey
	}
	payload := map[string]any{
		"delegation_id": *delegationID,
		"agent_id":      *agent,
		"run_id":        *runID,
		"action":        *action,
		"token":         *token,
		"amount":        *amount,
		"nonce":         *nonce,
	}
	if *recipient != "" {
		payload["recipient"] = *recipient
	}
	raw, err := call(http.MethodPost, "/v1/spend/consume", payload, headers)
	if err != nil {
		return err
	}
	printJSON(out, raw)
	return nil
}

func approvalsCmd(args []string, out io.Writer) error {
	fs := newFlagSet("approvals")
	wallet := fs.String("wallet", "", "list pending approvals for a wallet")
	id := fs.String("id", "", "approval id")
	status := fs.String("status", "", "decide: approved or rejected")
	txHash := fs.String("tx", "", "final tx hash for an approved decision")
	message := fs.String("message", "", "error message for a rejected decision")
	if err := fs.Parse(args); err != nil {
		return err
	}
	switch {
	case *id != "" && *status != "":
		raw, err := call(http.MethodPost, "/v1/approvals/"+*id+"/decide", map[string]string{
			"status":        *status,
			"final_tx_hash": *txHash,
			"error_message": *message,
		}, nil)
		if err != nil {
			return err
		}
		printJSON(out, raw)
		return nil
	case *id != "":
		raw, err := call(http.MethodGet, "/v1/approvals/"+*id, nil, nil)
		if err != nil {
			return err
		}
		printJSON(out, raw)
		return nil
	case *wallet != "":
		raw, err := call(http.MethodGet, "/v1/approvals?wallet="+*wallet, nil, nil)
		if err != nil {
			return err
		}
		printJSON(out, raw)
		return nil
	default:
		return errors.New("wallet or id required")
	}
}

// watchCmd tails the gateway event stream and prints one JSON event per line.
// With --max 0 it runs until the server closes the socket.
func watchCmd(args []string, out io.Writer) error {
	fs := newFlagSet("watch")
	maxEvents := fs.Int("max", 0, "stop after this many events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	wsURL := gatewayURL() + "/v1/stream"
	if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + strings.TrimPrefix(wsURL, "http")
	}
	opts := &websocket.DialOptions{HTTPClient: httpClient}
	if token := strings.TrimSpace(os.Getenv("CLOAK_TOKEN")); token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, wsURL, opts)
	cancel()
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	seen := 0
	for {
		_, raw, err := conn.Read(context.Background())
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		fmt.Fprintln(out, strings.TrimSpace(string(raw)))
		seen++
		if *maxEvents > 0 && seen >= *maxEvents {
			return nil
		}
	}
}
