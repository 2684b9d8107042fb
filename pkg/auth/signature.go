package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var ErrBadSignature = errors.New("invalid signature")

// ParsePrivateKeyBase64 decodes a base64-encoded Ed25519 private key, as
// provisioned into the gateway environment or Vault.
func ParsePrivateKeyBase64(raw string) (ed25519.PrivateKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(decoded) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length: got=%d want=%d", len(decoded), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(decoded), nil
}

// SignTxHash signs a canonical transaction hash with the ward's key. The
// resulting envelope signature lets a guardian device submit the transaction
// without ever holding the key.
func SignTxHash(priv ed25519.PrivateKey, txHash string) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", errors.New("signing key not provisioned")
	}
	if strings.TrimSpace(txHash) == "" {
		return "", errors.New("tx hash required")
	}
	sig := ed25519.Sign(priv, []byte(txHash))
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyTxHash checks an envelope signature against a transaction hash.
func VerifyTxHash(pub ed25519.PublicKey, txHash, sigB64 string) error {
	if len(pub) != ed25519.PublicKeySize {
		return errors.New("public key not provisioned")
	}
	sigBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sigB64))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !ed25519.Verify(pub, []byte(txHash), sigBytes) {
		return ErrBadSignature
	}
	return nil
}
