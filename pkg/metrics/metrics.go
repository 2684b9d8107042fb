// Package metrics keeps the gateway's in-process counters: per-endpoint
// latency, routing outcomes with reason codes, approval lifecycle totals,
// and delegated-spend consumes. Exposed as JSON (/metrics) and in the
// Prometheus text format (/metrics/prometheus).
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	outcome       map[string]int64
	reason        map[string]int64
	gauges        map[string]float64
	outcomeReason map[string]int64
	routePath     map[string]int64
	approvalState map[string]int64
	spendConsumes int64
	approvalWait  ApprovalWaitStat
	Histograms    *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

// observe folds one request into the running stats. Caller holds the
// registry lock.
func (s *EndpointStat) observe(status int, millis int64) {
	s.Count++
	if status >= 400 {
		s.ErrorCount++
	}
	s.TotalMillis += millis
	s.MaxMillis = max(s.MaxMillis, millis)
	s.LastStatusCode = status
	s.AverageMillis = float64(s.TotalMillis) / float64(s.Count)
}

type ApprovalWaitStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt    string                  `json:"generated_at"`
	Endpoints      map[string]EndpointStat `json:"endpoints"`
	Outcomes       map[string]int64        `json:"outcomes"`
	Reasons        map[string]int64        `json:"reasons"`
	Gauges         map[string]float64      `json:"gauges"`
	OutcomeReason  map[string]int64        `json:"outcome_reason"`
	RouteTotals    map[string]int64        `json:"route_totals"`
	ApprovalTotals map[string]int64        `json:"approval_totals"`
	SpendConsumes  int64                   `json:"spend_consumes_total"`
	ApprovalWaitMS ApprovalWaitStat        `json:"approval_wait_ms"`
	Histograms     []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:      map[string]*EndpointStat{},
		outcome:       map[string]int64{},
		reason:        map[string]int64{},
		gauges:        map[string]float64{},
		outcomeReason: map[string]int64{},
		routePath:     map[string]int64{},
		approvalState: map[string]int64{},
		Histograms:    NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.observe(status, d.Milliseconds())
}

func (r *Registry) IncOutcome(outcome string) { r.inc(r.outcome, outcome) }

func (r *Registry) IncReason(reason string) { r.inc(r.reason, reason) }

func (r *Registry) inc(m map[string]int64, key string) {
	if key == "" {
		return
	}
	r.mu.Lock()
	m[key]++
	r.mu.Unlock()
}

// IncOutcomeReason records a routing decision together with why it was made,
// under a composite "outcome|reason" key.
func (r *Registry) IncOutcomeReason(outcome, reason string) {
	outcome = strings.TrimSpace(outcome)
	reason = strings.TrimSpace(reason)
	if outcome == "" {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	r.inc(r.outcomeReason, outcome+"|"+reason)
}

// ObserveApprovalWait records how long a routed request waited for its human
// approval, submit to terminal.
func (r *Registry) ObserveApprovalWait(d time.Duration) {
	ms := max(d.Milliseconds(), 0)
	r.mu.Lock()
	defer r.mu.Unlock()
	w := &r.approvalWait
	w.Count++
	w.TotalMS += ms
	w.LastMS = ms
	if ms > w.MaxMS {
		w.MaxMS = ms
	}
	w.AvgMS = float64(w.TotalMS) / float64(w.Count)
}

func (r *Registry) IncRoutePath(path string) {
	r.inc(r.routePath, strings.TrimSpace(strings.ToLower(path)))
}

func (r *Registry) AddApprovalState(state string, delta int64) {
	state = strings.TrimSpace(strings.ToLower(state))
	if state == "" || delta <= 0 {
		return
	}
	r.mu.Lock()
	r.approvalState[state] += delta
	r.mu.Unlock()
}

func (r *Registry) IncApprovalState(state string) {
	r.AddApprovalState(state, 1)
}

func (r *Registry) IncSpendConsumes() {
	r.mu.Lock()
	r.spendConsumes++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	endpoints := make(map[string]EndpointStat, len(r.endpoint))
	for k, v := range r.endpoint {
		endpoints[k] = *v
	}
	return Snapshot{
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
		Endpoints:      endpoints,
		Outcomes:       copyMap(r.outcome),
		Reasons:        copyMap(r.reason),
		Gauges:         copyMap(r.gauges),
		OutcomeReason:  copyMap(r.outcomeReason),
		RouteTotals:    copyMap(r.routePath),
		ApprovalTotals: copyMap(r.approvalState),
		SpendConsumes:  r.spendConsumes,
		ApprovalWaitMS: r.approvalWait,
		Histograms:     r.Histograms.Snapshots(),
	}
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Handler serves the JSON snapshot, indented for operators reading it raw.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(r.Snapshot())
	}
}

// promBlock writes one metric family in the Prometheus text format. rows is
// invoked once, after the HELP/TYPE header.
func promBlock(b *strings.Builder, name, kind, help string, rows func()) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, kind)
	rows()
}

func promCounter(b *strings.Builder, name, help, label string, m map[string]int64) {
	promBlock(b, name, "counter", help, func() {
		for _, k := range SortedKeys(m) {
			fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, k, m[k])
		}
	})
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}

		endpointFamily := func(name, kind, help string, value func(EndpointStat) string) {
			promBlock(b, name, kind, help, func() {
				for _, ep := range SortedKeys(snap.Endpoints) {
					fmt.Fprintf(b, "%s{endpoint=%q} %s\n", name, ep, value(snap.Endpoints[ep]))
				}
			})
		}
		endpointFamily("cloak_endpoint_count", "counter", "total requests by endpoint",
			func(s EndpointStat) string { return fmt.Sprintf("%d", s.Count) })
		endpointFamily("cloak_endpoint_error_count", "counter", "total endpoint errors",
			func(s EndpointStat) string { return fmt.Sprintf("%d", s.ErrorCount) })
		endpointFamily("cloak_endpoint_avg_millis", "gauge", "endpoint average latency in milliseconds",
			func(s EndpointStat) string { return fmt.Sprintf("%.3f", s.AverageMillis) })
		endpointFamily("cloak_endpoint_total_millis", "counter", "endpoint total time in milliseconds",
			func(s EndpointStat) string { return fmt.Sprintf("%d", s.TotalMillis) })
		endpointFamily("cloak_endpoint_max_millis", "gauge", "endpoint max latency in milliseconds",
			func(s EndpointStat) string { return fmt.Sprintf("%d", s.MaxMillis) })

		promCounter(b, "cloak_outcome_total", "total routed decisions by outcome", "outcome", snap.Outcomes)
		promCounter(b, "cloak_reason_total", "total rejections by reason code", "reason", snap.Reasons)

		promBlock(b, "cloak_gauge", "gauge", "operational gauge metrics", func() {
			for _, name := range SortedKeys(snap.Gauges) {
				fmt.Fprintf(b, "cloak_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
			}
		})

		for _, h := range snap.Histograms {
			promBlock(b, "cloak_latency_seconds", "histogram", "latency histogram", func() {
				for _, bucket := range h.Buckets {
					fmt.Fprintf(b, "cloak_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
				}
				fmt.Fprintf(b, "cloak_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
				fmt.Fprintf(b, "cloak_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
				fmt.Fprintf(b, "cloak_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
				fmt.Fprintf(b, "cloak_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
				fmt.Fprintf(b, "cloak_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
				fmt.Fprintf(b, "cloak_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
			})
		}

		promBlock(b, "cloak_outcome_reason_total", "counter", "routed decisions by outcome and reason", func() {
			for _, key := range SortedKeys(snap.OutcomeReason) {
				outcome, reason, found := strings.Cut(key, "|")
				if !found {
					reason = "unknown"
				}
				fmt.Fprintf(b, "cloak_outcome_reason_total{outcome=%q,reason=%q} %d\n", outcome, reason, snap.OutcomeReason[key])
			}
		})

		promBlock(b, "cloak_approval_wait_ms", "gauge", "time spent waiting for human approval in ms", func() {
			fmt.Fprintf(b, "cloak_approval_wait_ms{stat=%q} %d\n", "last", snap.ApprovalWaitMS.LastMS)
			fmt.Fprintf(b, "cloak_approval_wait_ms{stat=%q} %.3f\n", "avg", snap.ApprovalWaitMS.AvgMS)
			fmt.Fprintf(b, "cloak_approval_wait_ms{stat=%q} %d\n", "max", snap.ApprovalWaitMS.MaxMS)
		})

		promCounter(b, "cloak_route_total", "routed transactions by consent path", "path", snap.RouteTotals)
		promCounter(b, "cloak_approval_total", "approval request transitions by status", "status", snap.ApprovalTotals)

		promBlock(b, "cloak_spend_consumes_total", "counter", "delegated spend consumes applied", func() {
			fmt.Fprintf(b, "cloak_spend_consumes_total %d\n", snap.SpendConsumes)
		})

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
