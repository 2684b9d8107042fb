package models

import (
	"encoding/json"
	"testing"
)

func mustHash(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	h, err := RequestHash(raw)
	if err != nil {
		t.Fatalf("RequestHash: %v", err)
	}
	return h
}

func TestRequestHashStableUnderKeyOrder(t *testing.T) {
	body := json.RawMessage(`{"wallet_address":"0x04a","action":"transfer","token":"USDC","amount":"1000000","recipient":"0x07b","calls_payload":[{"contract_address":"0x049d","entrypoint":"transfer","calldata":["0x07b","0xf4240","0x0"]}]}`)
	reordered := json.RawMessage(`{"action":"transfer","wallet_address":"0x04a","token":"USDC","recipient":"0x07b","amount":"1000000","calls_payload":[{"contract_address":"0x049d","entrypoint":"transfer","calldata":["0x07b","0xf4240","0x0"]}]}`)

	canon1, err := CanonicalizeJSON(body)
	if err != nil {
		t.Fatal(err)
	}
	canon2, err := CanonicalizeJSON(reordered)
	if err != nil {
		t.Fatal(err)
	}
	if string(canon1) != string(canon2) {
		t.Fatalf("canonical forms differ:\n%s\n%s", canon1, canon2)
	}
	if mustHash(t, body) != mustHash(t, reordered) {
		t.Fatal("key order changed the request hash")
	}
}

func TestRequestHashDistinguishesBodies(t *testing.T) {
	if mustHash(t, json.RawMessage(`{"amount":"10"}`)) == mustHash(t, json.RawMessage(`{"amount":"11"}`)) {
		t.Fatal("different transfer amounts hashed identically")
	}
	if _, err := RequestHash(json.RawMessage(`{"x":bad}`)); err == nil {
		t.Fatal("expected parse error")
	}
	// nil and zero-length bodies are interchangeable for idempotency lookups.
	if mustHash(t, nil) != mustHash(t, json.RawMessage{}) {
		t.Fatal("empty bodies should hash identically")
	}
}

func TestValidateNoJSONNumbers(t *testing.T) {
	rejected := []json.RawMessage{
		json.RawMessage(`{"amount": 1.1}`),
		json.RawMessage(`{"nested": {"fee": [3e2]}}`),
	}
	for _, raw := range rejected {
		if err := ValidateNoJSONNumbers(raw); err == nil {
			t.Fatalf("expected float token rejection for %s", raw)
		}
	}
	accepted := []json.RawMessage{
		json.RawMessage(`{"amount": "1.1"}`),
		json.RawMessage(`{"nonce": 7, "calldata": [1,2,3]}`),
	}
	for _, raw := range accepted {
		if err := ValidateNoJSONNumbers(raw); err != nil {
			t.Fatalf("unexpected rejection for %s: %v", raw, err)
		}
	}
}

func TestCanonicalizeJSONFloatHandling(t *testing.T) {
	raw := json.RawMessage(`{"z":1.5,"a":[2.25,{"k":3.75}]}`)
	canon, err := CanonicalizeJSONAllowFloat(raw)
	if err != nil {
		t.Fatalf("allow-float canonicalization: %v", err)
	}
	if string(canon) != `{"a":[2.25,{"k":3.75}],"z":1.5}` {
		t.Fatalf("unexpected canonical output: %s", canon)
	}

	if _, err := CanonicalizeJSON(json.RawMessage(`{"x":1.1}`)); err == nil {
		t.Fatal("strict mode must reject float tokens")
	}
	if _, err := CanonicalizeJSON(json.RawMessage(`{"x":bad}`)); err == nil {
		t.Fatal("expected parse error for invalid json")
	}
}
