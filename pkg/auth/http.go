package auth

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Principal is the authenticated caller attached to the request context.
// Wallet carries the wallet address the token was minted for, when the
// issuer includes one.
type Principal struct {
	Subject string
	Roles   []string
	Wallet  string
}

type contextKey string

const principalContextKey contextKey = "cloak.principal"

// MiddlewareConfig holds the optional verification knobs; zero values skip
// the corresponding check.
type MiddlewareConfig struct {
	JWKSURL  string
	Issuer   string
	Audience string
	Timeout  time.Duration
}

type MiddlewareOption func(*MiddlewareConfig)

// WithJWKS sets the JWKS endpoint used to resolve RS256 signing keys.
func WithJWKS(url string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.JWKSURL = strings.TrimSpace(url)
	}
}

// WithIssuer pins the expected iss claim.
func WithIssuer(issuer string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.Issuer = strings.TrimSpace(issuer)
	}
}

// WithAudience pins the expected aud claim.
func WithAudience(audience string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.Audience = strings.TrimSpace(audience)
	}
}

// WithTimeout bounds JWKS fetches.
func WithTimeout(timeout time.Duration) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.Timeout = timeout
	}
}

// Middleware authenticates bearer tokens per AUTH_MODE: "off" stamps an
// anonymous principal for local development, "oidc_hs256" verifies against
// the shared secret, "oidc_rs256" verifies against the issuer's JWKS.
func Middleware(mode, secret string, options ...MiddlewareOption) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	cfg := MiddlewareConfig{Timeout: 5 * time.Second}
	for _, opt := range options {
		opt(&cfg)
	}
	if mode == "" || mode == "off" {
		anon := Principal{Subject: "anonymous", Roles: []string{"anonymous"}}
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), anon)))
			})
		}
	}
	var keys *jwksCache
	if mode == "oidc_rs256" {
		keys = newJWKSCache(cfg.JWKSURL, cfg.Timeout)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			var (
				claims TokenClaims
				err    error
			)
			switch mode {
			case "oidc_hs256":
				claims, err = VerifyHS256Token(token, secret, time.Now().UTC(), cfg.Issuer, cfg.Audience)
			case "oidc_rs256":
				claims, err = VerifyRS256Token(token, time.Now().UTC(), keys, cfg.Issuer, cfg.Audience)
			default:
				err = errors.New("unsupported auth mode")
			}
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{
				Subject: claims.Sub,
				Roles:   claims.Roles,
				Wallet:  claims.Wallet,
			})))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return "", false
	}
	return strings.TrimSpace(header[len("Bearer "):]), true
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

// HasAnyRole reports whether the principal holds at least one of the
// required roles. Comparison is case-insensitive; an empty requirement
// always passes.
func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	held := make(map[string]struct{}, len(p.Roles))
	for _, r := range p.Roles {
		held[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for _, want := range required {
		if _, ok := held[strings.ToLower(strings.TrimSpace(want))]; ok {
			return true
		}
	}
	return false
}

type TokenClaims struct {
	Sub    string   `json:"sub"`
	Roles  []string `json:"roles"`
	Wallet string   `json:"wallet"`
	Iss    string   `json:"iss,omitempty"`
	Aud    any      `json:"aud,omitempty"`
	Exp    int64    `json:"exp"`
	Nbf    int64    `json:"nbf,omitempty"`
	Iat    int64    `json:"iat,omitempty"`
}

// rawToken is a JWS compact token split into its decoded parts.
type rawToken struct {
	header  []byte
	payload []byte
	sig     []byte
	// signing input, i.e. base64(header) + "." + base64(payload)
	signed string
}

func splitToken(token string) (rawToken, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return rawToken{}, errors.New("invalid token format")
	}
	header, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return rawToken{}, err
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return rawToken{}, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return rawToken{}, err
	}
	return rawToken{header: header, payload: payload, sig: sig, signed: parts[0] + "." + parts[1]}, nil
}

// parseClaims decodes the payload claim by claim so a malformed optional
// claim (e.g. roles as a bare string) degrades instead of rejecting the
// token outright.
func parseClaims(payload []byte) (TokenClaims, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return TokenClaims{}, err
	}
	var claims TokenClaims
	stringClaims := map[string]*string{
		"sub":    &claims.Sub,
		"wallet": &claims.Wallet,
		"iss":    &claims.Iss,
	}
	for name, dst := range stringClaims {
		if v, ok := raw[name]; ok {
			_ = json.Unmarshal(v, dst)
		}
	}
	intClaims := map[string]*int64{
		"exp": &claims.Exp,
		"nbf": &claims.Nbf,
		"iat": &claims.Iat,
	}
	for name, dst := range intClaims {
		if v, ok := raw[name]; ok {
			_ = json.Unmarshal(v, dst)
		}
	}
	if v, ok := raw["roles"]; ok {
		if err := json.Unmarshal(v, &claims.Roles); err != nil {
			var single string
			if err2 := json.Unmarshal(v, &single); err2 == nil && single != "" {
				claims.Roles = []string{single}
			}
		}
	}
	if v, ok := raw["aud"]; ok {
		var aud any
		_ = json.Unmarshal(v, &aud)
		claims.Aud = aud
	}
	return claims, nil
}

// validateClaims applies the time-window, subject, issuer and audience
// checks shared by both token algorithms.
func validateClaims(claims TokenClaims, now time.Time, issuer, audience string) error {
	if claims.Sub == "" {
		return errors.New("subject required")
	}
	if claims.Exp == 0 || now.Unix() >= claims.Exp {
		return errors.New("token expired")
	}
	if claims.Nbf != 0 && now.Unix() < claims.Nbf {
		return errors.New("token not active")
	}
	if issuer != "" && claims.Iss != issuer {
		return errors.New("issuer mismatch")
	}
	if audience != "" && !audContains(claims.Aud, audience) {
		return errors.New("audience mismatch")
	}
	return nil
}

// VerifyHS256Token verifies a compact JWT signed with HMAC-SHA256.
func VerifyHS256Token(token, secret string, now time.Time, issuer, audience string) (TokenClaims, error) {
	if secret == "" {
		return TokenClaims{}, errors.New("secret is required")
	}
	tok, err := splitToken(token)
	if err != nil {
		return TokenClaims{}, err
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(tok.header, &header); err != nil {
		return TokenClaims{}, err
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return TokenClaims{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(tok.signed))
	if !hmac.Equal(tok.sig, mac.Sum(nil)) {
		return TokenClaims{}, errors.New("signature mismatch")
	}
	claims, err := parseClaims(tok.payload)
	if err != nil {
		return TokenClaims{}, err
	}
	if err := validateClaims(claims, now, issuer, audience); err != nil {
		return TokenClaims{}, err
	}
	return claims, nil
}

// VerifyRS256Token verifies a compact JWT against an RSA key resolved from
// the JWKS cache by the token's kid header.
func VerifyRS256Token(token string, now time.Time, cache *jwksCache, issuer, audience string) (TokenClaims, error) {
	tok, err := splitToken(token)
	if err != nil {
		return TokenClaims{}, err
	}
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(tok.header, &header); err != nil {
		return TokenClaims{}, err
	}
	if strings.ToUpper(header.Alg) != "RS256" {
		return TokenClaims{}, errors.New("unsupported alg")
	}
	if strings.TrimSpace(header.Kid) == "" {
		return TokenClaims{}, errors.New("kid required")
	}
	pub, err := cache.key(context.Background(), header.Kid, now)
	if err != nil {
		return TokenClaims{}, err
	}
	digest := sha256.Sum256([]byte(tok.signed))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], tok.sig); err != nil {
		return TokenClaims{}, err
	}
	claims, err := parseClaims(tok.payload)
	if err != nil {
		return TokenClaims{}, err
	}
	if err := validateClaims(claims, now, issuer, audience); err != nil {
		return TokenClaims{}, err
	}
	return claims, nil
}

// jwksCache caches the issuer's RSA public keys by kid, refetching the
// document after jwksTTL or when an unknown kid shows up.
type jwksCache struct {
	url    string
	client *http.Client

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
}

const jwksTTL = 5 * time.Minute

func newJWKSCache(jwksURL string, timeout time.Duration) *jwksCache {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &jwksCache{
		url:    jwksURL,
		keys:   map[string]*rsa.PublicKey{},
		client: &http.Client{Timeout: timeout},
	}
}

func (c *jwksCache) cached(kid string, now time.Time) (*rsa.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	return key, ok && now.Before(c.expiresAt)
}

func (c *jwksCache) key(ctx context.Context, kid string, now time.Time) (*rsa.PublicKey, error) {
	if c == nil {
		return nil, errors.New("jwks cache is nil")
	}
	if c.url == "" {
		return nil, errors.New("jwks url is required")
	}
	if key, ok := c.cached(kid, now); ok {
		return key, nil
	}
	if err := c.refresh(ctx, now); err != nil {
		return nil, err
	}
	key, ok := c.cached(kid, now)
	if !ok {
		return nil, errors.New("kid not found in jwks")
	}
	return key, nil
}

func (c *jwksCache) refresh(ctx context.Context, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Another goroutine may have refreshed while we waited for the lock.
	if now.Before(c.expiresAt) {
		return nil
	}
	next, err := fetchJWKS(ctx, c.client, c.url)
	if err != nil {
		return err
	}
	c.keys = next
	c.expiresAt = now.Add(jwksTTL)
	return nil
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// fetchJWKS downloads the JWKS document and converts every usable RSA entry.
// Individually malformed keys are skipped; an empty result is an error so a
// broken document never evicts a working key set for all callers at once.
func fetchJWKS(ctx context.Context, client *http.Client, jwksURL string) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("jwks fetch failed")
	}
	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, err
	}
	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if strings.ToUpper(k.Kty) != "RSA" || strings.TrimSpace(k.Kid) == "" {
			continue
		}
		if pub, err := rsaFromJWK(k.N, k.E); err == nil {
			keys[k.Kid] = pub
		}
	}
	if len(keys) == 0 {
		return nil, errors.New("jwks has no valid rsa keys")
	}
	return keys, nil
}

func rsaFromJWK(nB64, eB64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}
	// Exponents are small in practice (65537); reject anything that does not
	// fit an int or is a degenerate value.
	e := new(big.Int).SetBytes(eb)
	if !e.IsInt64() || e.Int64() <= 1 || e.Int64() > int64(^uint32(0)) {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(e.Int64())}, nil
}

func audContains(aud any, expected string) bool {
	switch v := aud.(type) {
	case string:
		return v == expected
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == expected {
				return true
			}
		}
	}
	return false
}

// IsValidURL reports whether raw parses as an absolute URL with a host.
func IsValidURL(raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	parsed, err := url.Parse(raw)
	return err == nil && parsed.Scheme != "" && parsed.Host != ""
}
