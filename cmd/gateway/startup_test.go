package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Mohiiit/cloak-sub007/pkg/ratelimit"

	"github.com/redis/go-redis/v9"
)

type fakeGatewayDBCloser struct {
	*fakeGatewayDB
	closed bool
}

func (f *fakeGatewayDBCloser) Close() {
	f.closed = true
}

func newFakeDB() *fakeGatewayDBCloser {
	return &fakeGatewayDBCloser{fakeGatewayDB: &fakeGatewayDB{}}
}

func okTelemetry(context.Context, string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

// startGateway runs the full wiring with working telemetry, the given fake
// database and no redis.
func startGateway(db *fakeGatewayDBCloser, listen gatewayListenFunc, loops gatewayStartLoopsFunc) error {
	return runGateway(
		okTelemetry,
		func(context.Context) (gatewayDBCloser, error) { return db, nil },
		func(context.Context) (*redis.Client, error) { return nil, nil },
		listen,
		loops,
	)
}

// noListen fails the test if the server ever reaches the listen step.
func noListen(t *testing.T, why string) gatewayListenFunc {
	return func(*http.Server) error {
		t.Fatalf("listen must not run: %s", why)
		return nil
	}
}

func TestRunGatewayDependencyErrors(t *testing.T) {
	t.Run("telemetry_error", func(t *testing.T) {
		err := runGateway(
			func(context.Context, string) (func(context.Context) error, error) {
				return nil, errors.New("otel down")
			},
			func(context.Context) (gatewayDBCloser, error) {
				t.Fatal("openDB must not be called on telemetry error")
				return nil, nil
			},
			func(context.Context) (*redis.Client, error) {
				t.Fatal("openRedis must not be called on telemetry error")
				return nil, nil
			},
			noListen(t, "telemetry failed"),
			nil,
		)
		if err == nil || !strings.Contains(err.Error(), "otel:") {
			t.Fatalf("expected wrapped telemetry error, got %v", err)
		}
	})

	t.Run("db_error", func(t *testing.T) {
		err := runGateway(
			okTelemetry,
			func(context.Context) (gatewayDBCloser, error) {
				return nil, errors.New("db down")
			},
			func(context.Context) (*redis.Client, error) {
				t.Fatal("openRedis must not be called on db error")
				return nil, nil
			},
			noListen(t, "db failed"),
			nil,
		)
		if err == nil || !strings.Contains(err.Error(), "db:") {
			t.Fatalf("expected wrapped db error, got %v", err)
		}
	})
}

func TestRunGatewayStartupGuards(t *testing.T) {
	guards := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "auth_off_requires_opt_in",
			env:     map[string]string{"AUTH_MODE": "off", "ALLOW_INSECURE_AUTH_OFF": "false"},
			wantErr: "ALLOW_INSECURE_AUTH_OFF=true",
		},
		{
			name: "auth_off_forbidden_in_production_like_env",
			env: map[string]string{
				"AUTH_MODE":               "off",
				"ALLOW_INSECURE_AUTH_OFF": "true",
				"ENVIRONMENT":             "production",
			},
			wantErr: "production-like",
		},
		{
			name: "strict_production_requires_db_tls",
			env: map[string]string{
				"AUTH_MODE":            "oidc_hs256",
				"ENVIRONMENT":          "production",
				"STRICT_PROD_SECURITY": "true",
				"DATABASE_REQUIRE_TLS": "false",
			},
			wantErr: "DATABASE_REQUIRE_TLS=true",
		},
		{
			name: "strict_production_requires_wallet_node_secrets",
			env: map[string]string{
				"AUTH_MODE":            "oidc_hs256",
				"ENVIRONMENT":          "production",
				"DATABASE_REQUIRE_TLS": "true",
				"CORS_ALLOWED_ORIGINS": "https://wallet.example",
			},
			wantErr: "WALLET_NODE_AUTH_HEADER",
		},
		{
			name: "malformed_ward_signing_keys",
			env: map[string]string{
				"AUTH_MODE":               "off",
				"ALLOW_INSECURE_AUTH_OFF": "true",
				"WARD_SIGNING_KEYS":       "not-a-pair",
			},
			wantErr: "ward signing keys",
		},
	}
	for _, tt := range guards {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			db := newFakeDB()
			err := startGateway(db, noListen(t, tt.name), nil)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected %q error, got %v", tt.wantErr, err)
			}
			if !db.closed {
				t.Fatal("db must be closed on startup failure")
			}
		})
	}

	t.Run("listen_nil", func(t *testing.T) {
		t.Setenv("AUTH_MODE", "off")
		t.Setenv("ALLOW_INSECURE_AUTH_OFF", "true")
		db := newFakeDB()
		err := startGateway(db, nil, nil)
		if err == nil || !strings.Contains(err.Error(), "listen function required") {
			t.Fatalf("expected nil-listen error, got %v", err)
		}
		if !db.closed {
			t.Fatal("db must be closed")
		}
	})
}

func TestRunGatewaySuccessWithRedisFallback(t *testing.T) {
	t.Setenv("AUTH_MODE", "off")
	t.Setenv("ALLOW_INSECURE_AUTH_OFF", "true")
	t.Setenv("RATE_LIMIT_ENABLED", "true")
	t.Setenv("RATE_LIMIT_WINDOW_SEC", "0")
	t.Setenv("MAX_REQUEST_BODY_BYTES", "-1")
	t.Setenv("APPROVAL_POLL_INTERVAL_SEC", "1")
	t.Setenv("APPROVAL_POLL_TIMEOUT_SEC", "120")
	t.Setenv("ADDR", ":18080")
	t.Setenv("HTTP_READ_HEADER_TIMEOUT_SEC", "6")
	t.Setenv("HTTP_READ_TIMEOUT_SEC", "16")
	t.Setenv("HTTP_WRITE_TIMEOUT_SEC", "31")
	t.Setenv("HTTP_IDLE_TIMEOUT_SEC", "121")
	t.Setenv("DELEGATION_MANAGER_CONTRACT", "0xmanager")

	db := newFakeDB()
	var captured *Server
	var listenCalled bool
	redisOpenCalls := 0

	get := func(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(method, path, strings.NewReader(body)))
		return rr
	}

	err := runGateway(
		okTelemetry,
		func(context.Context) (gatewayDBCloser, error) { return db, nil },
		func(context.Context) (*redis.Client, error) {
			redisOpenCalls++
			return nil, errors.New("redis down")
		},
		func(server *http.Server) error {
			listenCalled = true
			if server.Addr != ":18080" {
				t.Fatalf("unexpected addr: %s", server.Addr)
			}
			if server.ReadHeaderTimeout != 6*time.Second || server.ReadTimeout != 16*time.Second || server.WriteTimeout != 31*time.Second || server.IdleTimeout != 121*time.Second {
				t.Fatalf("unexpected timeout config: %#v", server)
			}

			health := get(server.Handler, http.MethodGet, "/healthz", "")
			if health.Code != http.StatusOK || !strings.Contains(health.Body.String(), `"service":"gateway"`) {
				t.Fatalf("unexpected health response: %d body=%s", health.Code, health.Body.String())
			}
			if code := get(server.Handler, http.MethodGet, "/metrics", "").Code; code != http.StatusOK {
				t.Fatalf("expected metrics endpoint 200, got %d", code)
			}
			prom := get(server.Handler, http.MethodGet, "/metrics/prometheus", "")
			if prom.Code != http.StatusOK || !strings.Contains(prom.Body.String(), "cloak_endpoint_count") {
				t.Fatalf("unexpected prometheus response: %d", prom.Code)
			}
			if code := get(server.Handler, http.MethodPost, "/v1/tx/route", `{`).Code; code != http.StatusBadRequest {
				t.Fatalf("expected invalid json from tx route, got %d", code)
			}
			return nil
		},
		func(s *Server) { captured = s },
	)
	if err != nil {
		t.Fatalf("expected startup success, got %v", err)
	}
	if !listenCalled {
		t.Fatal("listen was not called")
	}
	if redisOpenCalls != 1 {
		t.Fatalf("expected one redis open call, got %d", redisOpenCalls)
	}
	if captured == nil {
		t.Fatal("expected captured server")
	}
	if _, ok := captured.RateLimiter.(*ratelimit.InMemoryLimiter); !ok {
		t.Fatalf("expected in-memory limiter fallback, got %T", captured.RateLimiter)
	}
	if captured.RateLimitWindow != time.Minute {
		t.Fatalf("expected rate-limit window fallback 1m, got %s", captured.RateLimitWindow)
	}
	if captured.MaxRequestBodyBytes != 1<<20 {
		t.Fatalf("expected body-size fallback 1MiB, got %d", captured.MaxRequestBodyBytes)
	}
	if captured.RateLimits[scopeRoute] != 60 || captured.RateLimits[scopeSettle] != 60 || captured.RateLimits[scopeVerify] != 240 {
		t.Fatalf("unexpected per-scope limits: %+v", captured.RateLimits)
	}
	if captured.Approvals.Interval != time.Second || captured.Approvals.Timeout != 2*time.Minute {
		t.Fatalf("unexpected approval poll config: %s/%s", captured.Approvals.Interval, captured.Approvals.Timeout)
	}
	if captured.Authorizer.ManagerContract != "0xmanager" {
		t.Fatalf("unexpected manager contract: %q", captured.Authorizer.ManagerContract)
	}
	if captured.Bus != nil {
		t.Fatal("no kafka brokers configured, bus must be nil")
	}
	if !db.closed {
		t.Fatal("db must be closed on normal exit")
	}
}

func TestRunGatewayOptionalComponents(t *testing.T) {
	t.Run("rate_limit_disabled", func(t *testing.T) {
		t.Setenv("AUTH_MODE", "off")
		t.Setenv("ALLOW_INSECURE_AUTH_OFF", "true")
		t.Setenv("RATE_LIMIT_ENABLED", "false")
		var captured *Server

		err := startGateway(newFakeDB(), func(*http.Server) error { return nil }, func(s *Server) { captured = s })
		if err != nil {
			t.Fatalf("expected startup success, got %v", err)
		}
		if captured == nil || captured.RateLimiter != nil {
			t.Fatalf("expected no limiter when disabled, got %+v", captured)
		}
	})

	t.Run("kafka_and_vault_configured", func(t *testing.T) {
		t.Setenv("AUTH_MODE", "off")
		t.Setenv("ALLOW_INSECURE_AUTH_OFF", "true")
		t.Setenv("KAFKA_BROKERS", "localhost:9092,localhost:9093")
		t.Setenv("KAFKA_TOPIC", "wallet-approvals")
		t.Setenv("VAULT_ADDR", "https://vault.internal:8200")
		t.Setenv("VAULT_TOKEN", "s.token")
		var captured *Server

		err := startGateway(newFakeDB(), func(*http.Server) error { return nil }, func(s *Server) { captured = s })
		if err != nil {
			t.Fatalf("expected startup success, got %v", err)
		}
		if captured == nil || captured.Bus == nil {
			t.Fatal("expected kafka publisher to be configured")
		}
		if captured.PeerEvents == nil {
			t.Fatal("expected peer-event consumer to be configured")
		}
		if captured.InstanceID == "" {
			t.Fatal("expected a generated instance id")
		}
		if captured.Keys == nil {
			t.Fatal("expected vault keystore to be configured")
		}
	})

	t.Run("kafka_peer_events_disabled", func(t *testing.T) {
		t.Setenv("AUTH_MODE", "off")
		t.Setenv("ALLOW_INSECURE_AUTH_OFF", "true")
		t.Setenv("KAFKA_BROKERS", "localhost:9092")
		t.Setenv("KAFKA_PEER_EVENTS", "false")
		var captured *Server

		err := startGateway(newFakeDB(), func(*http.Server) error { return nil }, func(s *Server) { captured = s })
		if err != nil {
			t.Fatalf("expected startup success, got %v", err)
		}
		if captured == nil || captured.Bus == nil {
			t.Fatal("expected kafka publisher to be configured")
		}
		if captured.PeerEvents != nil {
			t.Fatal("peer-event consumer must be off when disabled")
		}
	})

	t.Run("listen_error_propagates", func(t *testing.T) {
		t.Setenv("AUTH_MODE", "off")
		t.Setenv("ALLOW_INSECURE_AUTH_OFF", "true")
		db := newFakeDB()
		expected := errors.New("listen failed")

		err := startGateway(db, func(*http.Server) error { return expected }, nil)
		if !errors.Is(err, expected) {
			t.Fatalf("expected listen error propagation, got %v", err)
		}
		if !db.closed {
			t.Fatal("db must be closed")
		}
	})
}
