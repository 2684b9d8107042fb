package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Mohiiit/cloak-sub007/pkg/audit"
	"github.com/Mohiiit/cloak-sub007/pkg/auth"
	"github.com/Mohiiit/cloak-sub007/pkg/chain"
	"github.com/Mohiiit/cloak-sub007/pkg/delegation"
	"github.com/Mohiiit/cloak-sub007/pkg/hardening"
	"github.com/Mohiiit/cloak-sub007/pkg/httpx"
	"github.com/Mohiiit/cloak-sub007/pkg/idempotency"
	"github.com/Mohiiit/cloak-sub007/pkg/metrics"
	"github.com/Mohiiit/cloak-sub007/pkg/models"
	"github.com/Mohiiit/cloak-sub007/pkg/ratelimit"
	"github.com/Mohiiit/cloak-sub007/pkg/router"
	"github.com/Mohiiit/cloak-sub007/pkg/statebus"
	"github.com/Mohiiit/cloak-sub007/pkg/store"
	"github.com/Mohiiit/cloak-sub007/pkg/stream"
	"github.com/Mohiiit/cloak-sub007/pkg/telemetry"
	"github.com/Mohiiit/cloak-sub007/pkg/twofactor"
	"github.com/Mohiiit/cloak-sub007/pkg/ward"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	DB                  gatewayDB
	Backend             store.Backend
	Cache               store.Cache
	Redis               *redis.Client
	Metrics             *metrics.Registry
	Audit               auditStore
	Chain               chain.Client
	Approvals           *twofactor.Flow
	ApprovalStore       *twofactor.ApprovalStore
	Ward                *ward.Flow
	Router              *router.Router
	Delegations         delegation.Repository
	Authorizer          *delegation.Authorizer
	Idempotency         idempotency.Store
	Events              *stream.Hub
	Bus                 *statebus.Publisher
	PeerEvents          statebus.Consumer
	Keys                auth.KeyStore
	InstanceID          string
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimits          map[string]int
	RateLimitWindow     time.Duration
	AuthMode            string
	AuthSecret          string
	TrustedProxyCIDRs   []*net.IPNet
	MaxRequestBodyBytes int64
	ExpiryInterval      time.Duration
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
	Get(ctx context.Context, decisionID string) (audit.Record, error)
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Rate-limit scopes. Each protected operation counts against its own
// fixed-window bucket.
const (
	scopeRoute  = "route"
	scopeDecide = "decide"
	scopeGrant  = "grant"
	scopeVerify = "verify"
	scopeSettle = "settle"
)

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

// Injection points for runGateway, so startup tests can exercise the full
// wiring with fakes.
type (
	gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
	gatewayOpenDBFunc        func(ctx context.Context) (gatewayDBCloser, error)
	gatewayOpenRedisFunc     func(ctx context.Context) (*redis.Client, error)
	gatewayListenFunc        func(server *http.Server) error
	gatewayStartLoopsFunc    func(s *Server)
)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.expireDelegationsLoop(context.Background())
		go s.metricsLoop(context.Background())
		go s.bridgeEventsLoop(context.Background())
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

// runGateway wires every dependency and blocks in listen. The injected
// functions exist so startup tests can run the full wiring without network
// or database access.
func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()

	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	// Redis is optional: nonce replay sets, idempotency records and rate
	// limits all degrade to per-instance memory when it is absent.
	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	rateLimitEnabled := env("RATE_LIMIT_ENABLED", "true") == "true"
	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	trustedProxyCIDRs := parseCIDRs(env("TRUSTED_PROXY_CIDRS", ""))
	auditSalt := env("AUDIT_HASH_SALT", "")
	auditRedact := strings.EqualFold(strings.TrimSpace(env("AUDIT_REDACT", "false")), "true")
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	walletNode := chain.NewHTTPClient(
		env("WALLET_NODE_URL", "http://localhost:9545"),
		telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("WALLET_NODE_TIMEOUT_MS", 5000))}),
	)
	walletNode.AuthHeader = env("WALLET_NODE_AUTH_HEADER", "")
	walletNode.AuthToken = env("WALLET_NODE_AUTH_TOKEN", "")
	walletNode.Retries = envInt("WALLET_NODE_RETRIES", 1)
	walletNode.RetryDelay = time.Millisecond * time.Duration(envInt("WALLET_NODE_RETRY_DELAY_MS", 50))

	backend := store.NewPostgresBackend(pool,
		twofactor.TableApprovalRequests,
		ward.TableWardPolicies,
		router.TableWalletSettings,
	)

	s := &Server{
		InstanceID:          uuid.NewString(),
		DB:                  pool,
		Backend:             backend,
		Cache:               cache,
		Redis:               redisClient,
		Metrics:             metrics.NewRegistry(),
		Audit:               &audit.Writer{DB: pool, HashSalt: []byte(auditSalt), Redact: auditRedact},
		Chain:               walletNode,
		Delegations:         &delegation.PostgresRepository{DB: pool},
		Idempotency:         idempotency.NewCache(cache, envDurationSec("IDEMPOTENCY_TTL_SEC", 900)),
		Events:              stream.NewHub(),
		RateLimitEnabled:    rateLimitEnabled,
		RateLimitWindow:     rateLimitWindow,
		AuthMode:            env("AUTH_MODE", "oidc_hs256"),
		AuthSecret:          env("OIDC_HS256_SECRET", ""),
		TrustedProxyCIDRs:   trustedProxyCIDRs,
		MaxRequestBodyBytes: maxRequestBodyBytes,
		ExpiryInterval:      envDurationSec("DELEGATION_EXPIRY_INTERVAL_SEC", 60),
		RateLimits: map[string]int{
			scopeRoute:  envInt("RATE_LIMIT_ROUTE_PER_MINUTE", 60),
			scopeDecide: envInt("RATE_LIMIT_DECIDE_PER_MINUTE", 120),
			scopeGrant:  envInt("RATE_LIMIT_GRANT_PER_MINUTE", 30),
			scopeVerify: envInt("RATE_LIMIT_VERIFY_PER_MINUTE", 240),
			scopeSettle: envInt("RATE_LIMIT_SETTLE_PER_MINUTE", 60),
		},
	}

	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		topic := env("KAFKA_TOPIC", "wallet-approvals")
		bus, err := statebus.NewKafkaPublisher(statebus.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   topic,
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		s.Bus = bus
		defer bus.Close()
		if env("KAFKA_PEER_EVENTS", "true") == "true" {
			// Each replica consumes with its own group id so every instance
			// sees every notification, not a share of them.
			consumer, err := statebus.NewKafkaConsumer(statebus.KafkaConfig{
				Brokers: strings.Split(brokers, ","),
				Topic:   topic,
				GroupID: env("KAFKA_GROUP_ID", "gateway-"+s.InstanceID),
			})
			if err != nil {
				return fmt.Errorf("kafka: %w", err)
			}
			s.PeerEvents = consumer
			defer consumer.Close()
		}
	}

	notifier := twofactor.MultiNotifier{
		&router.StreamNotifier{Hub: s.Events},
	}
	if s.Bus != nil {
		notifier = append(notifier, &router.BusNotifier{Bus: s.Bus, Origin: s.InstanceID})
	}

	s.ApprovalStore = twofactor.NewApprovalStore(backend)
	s.Approvals = twofactor.NewFlow(s.ApprovalStore, notifier)
	s.Approvals.Interval = envDurationSec("APPROVAL_POLL_INTERVAL_SEC", 2)
	s.Approvals.Timeout = envDurationSec("APPROVAL_POLL_TIMEOUT_SEC", 300)

	signer := ward.NewLocalSigner()
	if err := loadSigningKeys(signer, env("WARD_SIGNING_KEYS", "")); err != nil {
		return fmt.Errorf("ward signing keys: %w", err)
	}
	s.Ward = &ward.Flow{
		Policies:  ward.NewStorePolicySource(backend),
		Chain:     s.Chain,
		Signer:    signer,
		Approvals: s.Approvals,
	}
	s.Router = router.New(s.Chain, router.NewStoreDirectory(backend), s.Ward, s.Approvals, notifier)

	if vaultAddr := env("VAULT_ADDR", ""); vaultAddr != "" {
		s.Keys = auth.VaultTransitKeyStore{
			Client:     telemetry.InstrumentClient(&http.Client{Timeout: 2 * time.Second}),
			Addr:       vaultAddr,
			Token:      env("VAULT_TOKEN", ""),
			Namespace:  env("VAULT_NAMESPACE", ""),
			Transit:    env("VAULT_TRANSIT_MOUNT", "transit"),
			KeyPrefix:  env("VAULT_KEY_PREFIX", "guardian-"),
			MaxRetries: envInt("VAULT_MAX_RETRIES", 2),
			RetryDelay: 200 * time.Millisecond,
		}
	}

	replayTTL := time.Hour * time.Duration(envInt("REPLAY_TTL_HOURS", 720))
	s.Authorizer = delegation.NewAuthorizer(s.Delegations, delegation.NewCacheReplaySet(cache, replayTTL))
	s.Authorizer.Chain = s.Chain
	s.Authorizer.ManagerContract = env("DELEGATION_MANAGER_CONTRACT", "")

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(s.AuthMode, "off") {
		if err := guardInsecureAuthOff(runtimeEnv); err != nil {
			return err
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "gateway",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		Redis: hardening.RedisOptions{
			Addr:             env("REDIS_ADDR", ""),
			RequireTLS:       env("REDIS_REQUIRE_TLS", ""),
			TLSInsecure:      env("REDIS_TLS_INSECURE", ""),
			AllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		},
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "WALLET_NODE_AUTH_HEADER", Value: walletNode.AuthHeader},
			{Name: "WALLET_NODE_AUTH_TOKEN", Value: walletNode.AuthToken},
		},
	}); err != nil {
		return err
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Get("/readyz", s.readyz)

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(time.Millisecond*time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))),
	))
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	authRouter.Post("/v1/tx/route", s.withRoles(s.routeTransaction, "wallet", "operator", "admin"))
	authRouter.Post("/v1/approvals", s.withRoles(s.submitApproval, "wallet", "operator", "admin"))
	authRouter.Get("/v1/approvals", s.withRoles(s.listApprovals, "wallet", "guardian", "admin"))
	authRouter.Get("/v1/approvals/{approval_id}", s.withRoles(s.getApproval, "wallet", "guardian", "admin"))
	authRouter.Post("/v1/approvals/{approval_id}/decide", s.withRoles(s.decideApproval, "guardian", "approver", "admin"))
	authRouter.Post("/v1/delegations", s.withRoles(s.grantDelegation, "wallet", "operator", "admin"))
	authRouter.Get("/v1/delegations/{delegation_id}", s.withRoles(s.getDelegation, "wallet", "operator", "agent", "admin"))
	authRouter.Post("/v1/delegations/{delegation_id}/revoke", s.withRoles(s.revokeDelegation, "wallet", "operator", "admin"))
	authRouter.Post("/v1/spend/validate", s.withRoles(s.validateSpend, "agent", "admin"))
	authRouter.Post("/v1/spend/consume", s.withRoles(s.consumeSpend, "agent", "admin"))
	authRouter.Get("/v1/audit/{decision_id}", s.withRoles(s.getAudit, "operator", "admin"))
	authRouter.Get("/v1/stream", s.withRoles(s.streamEvents, "wallet", "guardian", "operator", "admin"))
	r.Mount("/", authRouter)

	if startLoops != nil {
		startLoops(s)
	}
	if listen == nil {
		return errors.New("listen function required")
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	return listen(&http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if s.DB != nil {
		var one int
		if err := s.DB.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
			httpx.Error(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	httpx.WriteJSON(w, 200, map[string]string{"status": "ready"})
}

// loadSigningKeys parses WARD_SIGNING_KEYS, a comma-separated list of
// wallet=base64-ed25519-key entries provisioned at wallet creation.
func loadSigningKeys(signer *ward.LocalSigner, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		wallet, key, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(wallet) == "" || strings.TrimSpace(key) == "" {
			return fmt.Errorf("malformed entry %q, want wallet=key", part)
		}
		if err := signer.AddKeyBase64(strings.TrimSpace(wallet), strings.TrimSpace(key)); err != nil {
			return fmt.Errorf("key for %s: %w", wallet, err)
		}
	}
	return nil
}

func (s *Server) expireDelegationsLoop(ctx context.Context) {
	expirer, ok := s.Delegations.(interface {
		ExpireStale(ctx context.Context, now time.Time) (int64, error)
	})
	if !ok {
		return
	}
	interval := s.ExpiryInterval
	if interval <= 0 {
		interval = time.Minute
	}
	every(ctx, interval, func() {
		expired, err := expirer.ExpireStale(ctx, time.Now().UTC())
		if err != nil {
			log.Printf("delegation expiry failed: %v", err)
			return
		}
		if expired > 0 {
			log.Printf("expired %d stale delegations", expired)
		}
	})
}

// every invokes fn on each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// bridgeEventsLoop relays notification events published by peer replicas from
// Kafka into the local websocket hub. Without it a subscriber connected to
// one replica would miss decisions made on another.
func (s *Server) bridgeEventsLoop(ctx context.Context) {
	if s.PeerEvents == nil || s.Events == nil {
		return
	}
	for {
		msg, err := s.PeerEvents.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("peer event read failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if evt, ok := decodePeerEvent(msg.Value, s.InstanceID); ok {
			s.Events.Publish(evt)
		}
	}
}

// decodePeerEvent maps a bus notification back onto a hub event. Messages
// this instance published itself are dropped, the local hub already saw them.
func decodePeerEvent(raw []byte, selfOrigin string) (stream.Event, bool) {
	var payload struct {
		Type      string `json:"type"`
		Origin    string `json:"origin"`
		RequestID string `json:"request_id"`
		Status    string `json:"status"`
		Approved  bool   `json:"approved"`
		TxHash    string `json:"tx_hash"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return stream.Event{}, false
	}
	if payload.Origin != "" && payload.Origin == selfOrigin {
		return stream.Event{}, false
	}
	switch payload.Type {
	case stream.TypeStatusChange:
		return stream.StatusChangeEvent(payload.RequestID, payload.Status), true
	case stream.TypeCompletion:
		return stream.CompletionEvent(payload.RequestID, payload.Approved, payload.TxHash), true
	default:
		return stream.Event{}, false
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	s.updateOperationalMetrics(ctx)
	every(ctx, 30*time.Second, func() { s.updateOperationalMetrics(ctx) })
}

func (s *Server) updateOperationalMetrics(ctx context.Context) {
	if s.DB == nil || s.Metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var approvalsPending int
	_ = s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM approval_requests
		WHERE status IN ($1,$2,$3,$4)
	`, models.StatusPending, models.StatusPendingWardSig, models.StatusPendingGuardian, models.StatusPendingGuardianSig).Scan(&approvalsPending)
	s.Metrics.SetGauge("approvals_pending", float64(approvalsPending))
	var approvalsOldest float64
	_ = s.DB.QueryRow(ctx, `
		SELECT COALESCE(MAX(EXTRACT(EPOCH FROM (now() - created_at))), 0)
		FROM approval_requests WHERE status IN ($1,$2,$3,$4)
	`, models.StatusPending, models.StatusPendingWardSig, models.StatusPendingGuardian, models.StatusPendingGuardianSig).Scan(&approvalsOldest)
	s.Metrics.SetGauge("approvals_pending_oldest_seconds", approvalsOldest)
	var delegationsActive int
	_ = s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM delegations WHERE status=$1`, models.DelegationActive).Scan(&delegationsActive)
	s.Metrics.SetGauge("delegations_active", float64(delegationsActive))
}

// statusWriter remembers the response code for the metrics middleware.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// metricsMiddleware feeds every request into both the per-endpoint counters
// and the latency histograms, keyed by method and path.
func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)
		key := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(key, sw.status, elapsed)
		srv.Metrics.ObserveLatency(key, elapsed)
	})
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

// allowRate applies the per-scope fixed-window limit, keyed by actor and
// client IP. On exhaustion it writes the 429 itself.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, scope string) bool {
	if !s.RateLimitEnabled || s.RateLimiter == nil {
		return true
	}
	limit := s.RateLimits[scope]
	if limit <= 0 {
		return true
	}
	actor := "anonymous"
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok && principal.Subject != "" {
		actor = strings.ToLower(principal.Subject)
	}
	decision := s.RateLimiter.Allow(ratelimit.Key(scope, actor+":"+s.clientIP(r)), limit)
	if decision.Allowed {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
	httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

// clientIP resolves the caller address used in rate-limit keys. Forwarding
// headers are honored only when the direct peer is a trusted proxy, so a
// client cannot spoof its way into a fresh bucket.
func (s *Server) clientIP(r *http.Request) string {
	remote := hostOnly(r.RemoteAddr)
	if remote == "" {
		remote = r.RemoteAddr
	}
	if remote != "" && s.isTrustedProxy(remote) {
		if ip := forwardedIP(r.Header); ip != "" {
			return ip
		}
	}
	if remote == "" {
		return "unknown"
	}
	return remote
}

// forwardedIP takes the first X-Forwarded-For hop, falling back to X-Real-IP.
func forwardedIP(h http.Header) string {
	if xff := strings.TrimSpace(h.Get("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := hostOnly(strings.TrimSpace(first)); ip != "" {
			return ip
		}
	}
	return hostOnly(strings.TrimSpace(h.Get("X-Real-IP")))
}

func (s *Server) isTrustedProxy(ipStr string) bool {
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// hostOnly strips an optional port and returns "" for anything that is not
// an IP address.
func hostOnly(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

// parseCIDRs accepts a comma-separated mix of CIDR blocks and bare IPs;
// bare IPs become single-host networks. Unparseable entries are skipped.
func parseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []*net.IPNet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, cidr, err := net.ParseCIDR(part); err == nil {
			out = append(out, cidr)
			continue
		}
		if ipNet := singleHostNet(part); ipNet != nil {
			out = append(out, ipNet)
		}
	}
	return out
}

func singleHostNet(addr string) *net.IPNet {
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// guardInsecureAuthOff refuses to boot with authentication disabled unless
// the operator opted in explicitly and the environment is clearly not
// production.
func guardInsecureAuthOff(runtimeEnv string) error {
	if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
		return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
	}
	if isProductionLikeEnv(runtimeEnv) {
		return errors.New("AUTH_MODE=off is forbidden in production-like environments")
	}
	if !isExplicitNonProductionEnv(runtimeEnv) && !isTestBinaryProcess() {
		return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
	}
	return nil
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func isExplicitNonProductionEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "development", "dev", "local", "test":
		return true
	default:
		return false
	}
}

func isTestBinaryProcess() bool {
	return strings.HasSuffix(os.Args[0], ".test") || strings.Contains(os.Args[0], "/_test/")
}

// Env helpers. Unset, empty and malformed values all fall back to def.
func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if i, err := strconv.Atoi(os.Getenv(k)); err == nil {
		return i
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
