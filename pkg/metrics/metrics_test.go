package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func serveMetrics(t *testing.T, h http.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from %s, got %d", path, rr.Code)
	}
	return rr
}

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /healthz", 200, 15*time.Millisecond)
	r.Observe("GET /healthz", 503, 35*time.Millisecond)
	r.IncOutcome("approved")
	r.IncOutcome("approved")
	r.IncReason("nonce_replayed")
	r.IncRoutePath("ward")
	r.IncApprovalState("pending")
	r.IncSpendConsumes()
	r.ObserveApprovalWait(1200 * time.Millisecond)
	r.SetGauge("approvals_pending", 3)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["GET /healthz"]
	if !ok {
		t.Fatal("missing endpoint stat")
	}
	if ep.Count != 2 || ep.ErrorCount != 1 || ep.MaxMillis != 35 {
		t.Fatalf("endpoint stat mismatch: %+v", ep)
	}
	counters := []struct {
		name string
		got  int64
		want int64
	}{
		{"outcome approved", snap.Outcomes["approved"], 2},
		{"reason nonce_replayed", snap.Reasons["nonce_replayed"], 1},
		{"route ward", snap.RouteTotals["ward"], 1},
		{"approval pending", snap.ApprovalTotals["pending"], 1},
		{"spend consumes", snap.SpendConsumes, 1},
		{"approval wait last ms", snap.ApprovalWaitMS.LastMS, 1200},
	}
	for _, c := range counters {
		if c.got != c.want {
			t.Errorf("%s: got %d want %d", c.name, c.got, c.want)
		}
	}
	if snap.Gauges["approvals_pending"] != 3 {
		t.Fatalf("gauge approvals_pending: got %v want 3", snap.Gauges["approvals_pending"])
	}
}

func TestSnapshotIsolatedFromRegistry(t *testing.T) {
	r := NewRegistry()
	r.IncOutcome("approved")
	snap := r.Snapshot()
	r.IncOutcome("approved")
	if snap.Outcomes["approved"] != 1 {
		t.Fatalf("snapshot must be a copy, got %d", snap.Outcomes["approved"])
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /v1/tx/route", 200, 12*time.Millisecond)
	r.Observe("POST /v1/tx/route", 500, 20*time.Millisecond)
	r.IncOutcome("approved")
	r.IncOutcomeReason("rejected", "allowance_exceeded")
	r.IncReason("allowance_exceeded")
	r.IncRoutePath("two_factor")
	r.SetGauge("approvals_pending", 7)

	body := serveMetrics(t, r.PrometheusHandler(), "/metrics/prometheus").Body.String()
	for _, want := range []string{
		`cloak_endpoint_count{endpoint="POST /v1/tx/route"} 2`,
		`cloak_endpoint_error_count{endpoint="POST /v1/tx/route"} 1`,
		`cloak_outcome_total{outcome="approved"} 1`,
		`cloak_outcome_reason_total{outcome="rejected",reason="allowance_exceeded"} 1`,
		`cloak_route_total{path="two_factor"} 1`,
		`cloak_gauge{name="approvals_pending"} 7.000`,
		"# TYPE cloak_outcome_total counter",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in exposition:\n%s", want, body)
		}
	}
}

func TestJSONHandlerAndEmptyInputs(t *testing.T) {
	r := NewRegistry()
	// Empty labels are dropped rather than recorded under "".
	r.IncOutcome("")
	r.IncReason("")
	r.IncRoutePath("")
	r.IncApprovalState("")
	r.SetGauge("", 5)
	r.Observe("GET /healthz", 204, 5*time.Millisecond)

	rr := serveMetrics(t, r.Handler(), "/metrics")
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `"generated_at"`) {
		t.Fatalf("expected generated timestamp in body: %s", body)
	}
	if strings.Contains(body, `""`) {
		t.Fatalf("did not expect empty-key counters in body: %s", body)
	}
}
