package ward

import (
	"context"
	"crypto/ed25519"
	"errors"

	"github.com/Mohiiit/cloak-sub007/pkg/auth"
)

var ErrNoSigningKey = errors.New("no signing key for wallet")

// Signer produces the envelope signature list for a canonical transaction
// hash on behalf of a ward wallet.
type Signer interface {
	Sign(ctx context.Context, walletAddress, txHash string) ([]string, error)
}

// LocalSigner signs with in-process Ed25519 keys, keyed by wallet address.
type LocalSigner struct {
	keys map[string]ed25519.PrivateKey
}

func NewLocalSigner() *LocalSigner {
	return &LocalSigner{keys: map[string]ed25519.PrivateKey{}}
}

// AddKeyBase64 registers a provisioned base64 private key for a wallet.
func (s *LocalSigner) AddKeyBase64(walletAddress, rawKey string) error {
	priv, err := auth.ParsePrivateKeyBase64(rawKey)
	if err != nil {
		return err
	}
	s.keys[walletAddress] = priv
	return nil
}

func (s *LocalSigner) AddKey(walletAddress string, priv ed25519.PrivateKey) {
	s.keys[walletAddress] = priv
}

func (s *LocalSigner) Sign(ctx context.Context, walletAddress, txHash string) ([]string, error) {
	priv, ok := s.keys[walletAddress]
	if !ok {
		return nil, ErrNoSigningKey
	}
	sig, err := auth.SignTxHash(priv, txHash)
	if err != nil {
		return nil, err
	}
	return []string{sig}, nil
}
