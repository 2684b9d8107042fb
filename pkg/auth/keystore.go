package auth

import "context"

// KeyRecord is the resolved public key for a guardian or agent signing
// identity. PublicKey is raw Ed25519 key material.
type KeyRecord struct {
	Kid       string
	Signer    string
	PublicKey []byte
	Status    string // active|revoked
}

// KeyStore resolves decision and envelope signing keys by key id.
type KeyStore interface {
	GetKey(ctx context.Context, kid string) (*KeyRecord, error)
}
