package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// Canonical JSON (RFC 8785 subset): object keys sorted, no insignificant
// whitespace, integers rendered via big.Int so 256-bit amounts survive.
// Signing envelopes and idempotency request hashes both depend on two
// semantically equal bodies producing identical bytes.

// CanonicalizeJSON renders raw into canonical form, rejecting any
// floating-point token. Amounts travel as decimal strings (see Amount).
func CanonicalizeJSON(raw json.RawMessage) ([]byte, error) {
	return canonicalize(raw, false)
}

// CanonicalizeJSONAllowFloat is the variant used for request hashing, where
// caller-supplied bodies may legitimately contain decimals and the only
// requirement is byte stability.
func CanonicalizeJSONAllowFloat(raw json.RawMessage) ([]byte, error) {
	return canonicalize(raw, true)
}

func canonicalize(raw json.RawMessage, allowFloat bool) ([]byte, error) {
	v, err := decodeWithNumbers(raw)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := appendCanonical(&buf, v, allowFloat); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeWithNumbers(raw json.RawMessage) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// ValidateNoJSONNumbers enforces that no floating-point numeric tokens appear
// anywhere in raw. Non-integers must be represented as decimal strings.
func ValidateNoJSONNumbers(raw json.RawMessage) error {
	v, err := decodeWithNumbers(raw)
	if err != nil {
		return err
	}
	if containsFloatToken(v) {
		return errors.New("floating-point JSON tokens are not allowed; use decimal strings")
	}
	return nil
}

func containsFloatToken(v interface{}) bool {
	switch t := v.(type) {
	case json.Number:
		return strings.ContainsAny(t.String(), ".eE")
	case map[string]interface{}:
		for _, vv := range t {
			if containsFloatToken(vv) {
				return true
			}
		}
	case []interface{}:
		for _, vv := range t {
			if containsFloatToken(vv) {
				return true
			}
		}
	}
	return false
}

func appendCanonical(buf *bytes.Buffer, v interface{}, allowFloat bool) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, _ := json.Marshal(t)
		buf.Write(b)
	case json.Number:
		return appendCanonicalNumber(buf, t, allowFloat)
	case []interface{}:
		buf.WriteByte('[')
		for i, vv := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := appendCanonical(buf, vv, allowFloat); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			ks, _ := json.Marshal(k)
			buf.Write(ks)
			buf.WriteByte(':')
			if err := appendCanonical(buf, t[k], allowFloat); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return errors.New("unsupported json type")
	}
	return nil
}

func appendCanonicalNumber(buf *bytes.Buffer, n json.Number, allowFloat bool) error {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		if !allowFloat {
			return errors.New("float numbers not supported in canonical form")
		}
		buf.WriteString(s)
		return nil
	}
	// big.Int normalizes leading zeros and signs without precision loss.
	i := new(big.Int)
	if _, ok := i.SetString(s, 10); !ok {
		return errors.New("invalid number")
	}
	buf.WriteString(i.String())
	return nil
}

// RequestHash computes sha256 over the canonical form of a JSON request body.
// Two requests with the same idempotency key but different hashes are a
// conflict, not a replay.
func RequestHash(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		h := sha256.Sum256(nil)
		return hex.EncodeToString(h[:]), nil
	}
	canon, err := CanonicalizeJSONAllowFloat(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize request body: %w", err)
	}
	h := sha256.Sum256(canon)
	return hex.EncodeToString(h[:]), nil
}
