package httpx

import (
	"encoding/json"
	"net/http"
	"strings"
)

// securityHeaders are stamped on every response. Responses are API JSON,
// never documents, so framing and caching are shut off wholesale.
var securityHeaders = [...][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Permissions-Policy", "geolocation=(), camera=(), microphone=()"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'"},
	{"Strict-Transport-Security", "max-age=63072000; includeSubDomains; preload"},
	{"Cache-Control", "no-store"},
}

func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, kv := range securityHeaders {
			h.Set(kv[0], kv[1])
		}
		next.ServeHTTP(w, r)
	})
}

type originPolicy struct {
	exact    map[string]struct{}
	allowAny bool
}

func parseOrigins(raw string) originPolicy {
	p := originPolicy{exact: map[string]struct{}{}}
	for _, part := range strings.Split(raw, ",") {
		switch origin := strings.TrimSpace(part); origin {
		case "":
		case "*":
			p.allowAny = true
		default:
			p.exact[origin] = struct{}{}
		}
	}
	return p
}

func (p originPolicy) allows(origin string) bool {
	if p.allowAny {
		return true
	}
	_, ok := p.exact[origin]
	return ok
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != ""
}

// grantCORS writes the allow headers for an origin the policy accepted.
func grantCORS(h http.Header, r *http.Request, origin string) {
	for _, v := range []string{"Origin", "Access-Control-Request-Method", "Access-Control-Request-Headers"} {
		h.Add("Vary", v)
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	reqHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
	if reqHeaders == "" {
		reqHeaders = "Authorization,Content-Type,Idempotency-Key"
	}
	h.Set("Access-Control-Allow-Headers", reqHeaders)
	h.Set("Access-Control-Max-Age", "600")
}

// CORSMiddleware enforces an explicit comma-separated origin allowlist. The
// wallet popup and the guardian web app are the only intended browser
// callers; requests from unlisted origins pass through without CORS grants
// and their preflights are refused.
func CORSMiddleware(allowedOrigins string) func(http.Handler) http.Handler {
	policy := parseOrigins(allowedOrigins)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			switch {
			case origin == "":
				next.ServeHTTP(w, r)
			case !policy.allows(origin):
				if isPreflight(r) {
					http.Error(w, "origin not allowed", http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
			default:
				grantCORS(w.Header(), r, origin)
				if isPreflight(r) {
					w.WriteHeader(http.StatusNoContent)
					return
				}
				next.ServeHTTP(w, r)
			}
		})
	}
}

// WriteJSON encodes v with the JSON content type. Encoding errors are
// swallowed; the status line has already gone out.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func Error(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]interface{}{"error": msg})
}
