package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// errKeyNotFound aborts the retry loop: a missing guardian key will not
// appear on a later attempt.
type errKeyNotFound struct{ kid string }

func (e errKeyNotFound) Error() string {
	return fmt.Sprintf("kid %q not found in vault transit", e.kid)
}

// vaultParseError marks a decode failure of a successful response, which is
// not worth retrying either.
type vaultParseError struct{ cause error }

func (e *vaultParseError) Error() string { return e.cause.Error() }

// VaultTransitKeyStore resolves guardian and agent Ed25519 public keys from
// Vault's Transit engine, so envelope and decision signatures can be checked
// without distributing key material to the gateway.
type VaultTransitKeyStore struct {
	Client     *http.Client
	Addr       string
	Token      string
	Namespace  string
	Transit    string
	KeyPrefix  string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// withDefaults fills the zero-value knobs. The method receiver is a copy, so
// callers keep their configured struct untouched.
func (s VaultTransitKeyStore) withDefaults() VaultTransitKeyStore {
	if s.Client == nil {
		s.Client = http.DefaultClient
	}
	if s.Transit == "" {
		s.Transit = "transit"
	}
	if s.Timeout <= 0 {
		s.Timeout = 1500 * time.Millisecond
	}
	s.MaxRetries = max(s.MaxRetries, 0)
	return s
}

// keyEndpoint validates the store configuration and builds the Transit read
// URL for kid.
func (s VaultTransitKeyStore) keyEndpoint(kid string) (string, error) {
	addr := strings.TrimRight(strings.TrimSpace(s.Addr), "/")
	if addr == "" {
		return "", errors.New("vault addr required")
	}
	if strings.TrimSpace(s.Token) == "" {
		return "", errors.New("vault token required")
	}
	return addr + "/v1/" + strings.Trim(s.Transit, "/") + "/keys/" + url.PathEscape(s.KeyPrefix+kid), nil
}

func (s VaultTransitKeyStore) GetKey(ctx context.Context, kid string) (*KeyRecord, error) {
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return nil, errors.New("kid required")
	}
	s = s.withDefaults()
	endpoint, err := s.keyEndpoint(kid)
	if err != nil {
		return nil, err
	}
	keyName := s.KeyPrefix + kid

	var lastErr error
	for attempt := 0; attempt <= s.MaxRetries; attempt++ {
		pub, err := s.fetchPublicKey(ctx, endpoint, kid)
		if err == nil {
			return &KeyRecord{
				Kid:       kid,
				Signer:    "vault-transit:" + keyName,
				PublicKey: pub,
				Status:    "active",
			}, nil
		}
		var notFound errKeyNotFound
		if errors.As(err, &notFound) {
			return nil, err
		}
		var parseErr *vaultParseError
		if errors.As(err, &parseErr) {
			return nil, parseErr.cause
		}
		lastErr = err
		if attempt < s.MaxRetries && s.RetryDelay > 0 {
			time.Sleep(s.RetryDelay)
		}
	}
	if lastErr == nil {
		lastErr = errors.New("vault transit lookup failed")
	}
	return nil, lastErr
}

func (s VaultTransitKeyStore) fetchPublicKey(ctx context.Context, endpoint, kid string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &vaultParseError{cause: err}
	}
	req.Header.Set("X-Vault-Token", s.Token)
	if strings.TrimSpace(s.Namespace) != "" {
		req.Header.Set("X-Vault-Namespace", s.Namespace)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, errKeyNotFound{kid: kid}
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("vault transit key lookup failed status=%d", resp.StatusCode)
	}
	pub, err := parseVaultTransitPublicKey(body)
	if err != nil {
		return nil, &vaultParseError{cause: err}
	}
	return pub, nil
}

type transitKeyVersions struct {
	LatestVersion int `json:"latest_version"`
	Keys          map[string]struct {
		PublicKey string `json:"public_key"`
	} `json:"keys"`
}

// latest resolves the version to read. Responses without latest_version fall
// back to the highest numbered entry.
func (d transitKeyVersions) latest() int {
	version := d.LatestVersion
	if version <= 0 {
		for k := range d.Keys {
			if n, err := strconv.Atoi(k); err == nil && n > version {
				version = n
			}
		}
	}
	return version
}

// parseVaultTransitPublicKey extracts the latest key version's public key.
// Some Vault versions prefix the value with the key type ("ed25519:..."),
// which is stripped before decoding.
func parseVaultTransitPublicKey(body []byte) ([]byte, error) {
	var payload struct {
		Data transitKeyVersions `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid vault response: %w", err)
	}
	if len(payload.Data.Keys) == 0 {
		return nil, errors.New("vault response missing key versions")
	}
	item, ok := payload.Data.Keys[strconv.Itoa(payload.Data.latest())]
	if !ok {
		return nil, errors.New("vault response missing latest public key")
	}
	pub := strings.TrimSpace(item.PublicKey)
	if pub == "" {
		return nil, errors.New("vault response has empty public key")
	}
	if _, after, found := strings.Cut(pub, ":"); found {
		pub = strings.TrimSpace(after)
	}
	pk, err := base64.StdEncoding.DecodeString(pub)
	if err != nil {
		return nil, fmt.Errorf("vault public key decode failed: %w", err)
	}
	return pk, nil
}
