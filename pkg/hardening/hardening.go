// Package hardening gates production startup on a minimum security posture.
package hardening

import (
	"fmt"
	"strings"
)

// EnvRequirement names a secret that must be present before the gateway may
// serve production traffic, e.g. the wallet-node credentials.
type EnvRequirement struct {
	Name  string
	Value string
}

// RedisOptions carries the TLS posture of the Redis link. Checks are skipped
// entirely when Addr is blank.
type RedisOptions struct {
	Addr             string
	RequireTLS       string
	TLSInsecure      string
	AllowInsecureTLS string
}

type Options struct {
	Service                string
	Environment            string
	StrictProdSecurity     string
	DatabaseRequireTLS     string
	Redis                  RedisOptions
	CORSAllowedOrigins     string
	RequiredServiceSecrets []EnvRequirement
}

// ValidateProduction refuses to start a production-like deployment with a
// weakened security posture: plaintext database or Redis links, wildcard or
// localhost CORS origins, or missing upstream credentials. Non-production
// environments pass unconditionally, as does an explicit strict-mode opt-out.
func ValidateProduction(o Options) error {
	if !productionLike(o.Environment) || !boolSetting(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if !boolSetting(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if err := checkRedisTLS(o.Redis, service); err != nil {
		return err
	}
	if err := checkCORSOrigins(o.CORSAllowedOrigins, service); err != nil {
		return err
	}
	return checkSecrets(o.RequiredServiceSecrets, service)
}

func checkRedisTLS(r RedisOptions, service string) error {
	if strings.TrimSpace(r.Addr) == "" {
		return nil
	}
	if !boolSetting(r.RequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
	}
	if boolSetting(r.TLSInsecure, false) || boolSetting(r.AllowInsecureTLS, false) {
		return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
	}
	return nil
}

func checkCORSOrigins(raw, service string) error {
	seen := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		seen++
		lower := strings.ToLower(o)
		switch {
		case lower == "*":
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		case isLocalhostOrigin(lower):
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
		case !strings.HasPrefix(lower, "https://"):
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	if seen == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func checkSecrets(secrets []EnvRequirement, service string) error {
	for _, req := range secrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
	}
	return nil
}

func isLocalhostOrigin(lower string) bool {
	for _, prefix := range []string{"http://localhost", "https://localhost", "http://127.0.0.1", "https://127.0.0.1"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func boolSetting(raw string, def bool) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	return strings.EqualFold(raw, "true")
}

func productionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}
