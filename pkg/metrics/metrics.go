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

// Registry holds in-process counters exported as JSON and Prometheus text.
type Registry struct {
	mu          sync.RWMutex
	endpoint    map[string]*EndpointStat
	outcome     map[string]int64
	reason      map[string]int64
	gauges      map[string]float64
	gateResult  map[string]int64
	decisionLat LatencyStat
	Histograms  *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type LatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt       string                  `json:"generated_at"`
	Endpoints         map[string]EndpointStat `json:"endpoints"`
	Outcomes          map[string]int64        `json:"outcomes"`
	Reasons           map[string]int64        `json:"reasons"`
	Gauges            map[string]float64      `json:"gauges"`
	GateResults       map[string]int64        `json:"gate_results"`
	DecisionLatencyMS LatencyStat             `json:"decision_latency_ms"`
	Histograms        []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		outcome:    map[string]int64{},
		reason:     map[string]int64{},
		gauges:     map[string]float64{},
		gateResult: map[string]int64{},
		Histograms: NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(name string, d time.Duration) {
	r.Histograms.ObserveDuration(name, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncOutcome(outcome string) {
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.outcome[outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

// IncGate counts one gate result. status is success, failure or
// not_attempted; reason may be empty.
func (r *Registry) IncGate(gate, status, reason string) {
	gate = strings.TrimSpace(gate)
	status = strings.TrimSpace(status)
	if gate == "" || status == "" {
		return
	}
	if reason == "" {
		reason = "NONE"
	}
	key := gate + "|" + status + "|" + reason
	r.mu.Lock()
	r.gateResult[key]++
	r.mu.Unlock()
}

func (r *Registry) ObserveDecisionLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisionLat.Count++
	r.decisionLat.TotalMS += ms
	r.decisionLat.LastMS = ms
	if ms > r.decisionLat.MaxMS {
		r.decisionLat.MaxMS = ms
	}
	r.decisionLat.AvgMS = float64(r.decisionLat.TotalMS) / float64(r.decisionLat.Count)
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
	out := Snapshot{
		GeneratedAt:       time.Now().UTC().Format(time.RFC3339),
		Endpoints:         make(map[string]EndpointStat, len(r.endpoint)),
		Outcomes:          make(map[string]int64, len(r.outcome)),
		Reasons:           make(map[string]int64, len(r.reason)),
		Gauges:            make(map[string]float64, len(r.gauges)),
		GateResults:       make(map[string]int64, len(r.gateResult)),
		DecisionLatencyMS: r.decisionLat,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.outcome {
		out.Outcomes[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.gateResult {
		out.GateResults[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP quadgate_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE quadgate_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "quadgate_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP quadgate_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE quadgate_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "quadgate_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP quadgate_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE quadgate_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "quadgate_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP quadgate_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE quadgate_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "quadgate_endpoint_max_millis{endpoint=%q} %d\n", ep, snap.Endpoints[ep].MaxMillis)
		}
		b.WriteString("# HELP quadgate_decision_total authentication decisions by outcome\n")
		b.WriteString("# TYPE quadgate_decision_total counter\n")
		for _, outcome := range SortedKeys(snap.Outcomes) {
			fmt.Fprintf(b, "quadgate_decision_total{outcome=%q} %d\n", outcome, snap.Outcomes[outcome])
		}
		b.WriteString("# HELP quadgate_reason_total decisions by reason code\n")
		b.WriteString("# TYPE quadgate_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "quadgate_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP quadgate_gate_result_total gate results by gate, status and reason\n")
		b.WriteString("# TYPE quadgate_gate_result_total counter\n")
		for _, key := range SortedKeys(snap.GateResults) {
			parts := strings.SplitN(key, "|", 3)
			for len(parts) < 3 {
				parts = append(parts, "NONE")
			}
			fmt.Fprintf(b, "quadgate_gate_result_total{gate=%q,status=%q,reason=%q} %d\n", parts[0], parts[1], parts[2], snap.GateResults[key])
		}
		b.WriteString("# HELP quadgate_decision_latency_ms decision latency in ms\n")
		b.WriteString("# TYPE quadgate_decision_latency_ms gauge\n")
		fmt.Fprintf(b, "quadgate_decision_latency_ms{stat=%q} %d\n", "last", snap.DecisionLatencyMS.LastMS)
		fmt.Fprintf(b, "quadgate_decision_latency_ms{stat=%q} %.3f\n", "avg", snap.DecisionLatencyMS.AvgMS)
		fmt.Fprintf(b, "quadgate_decision_latency_ms{stat=%q} %d\n", "max", snap.DecisionLatencyMS.MaxMS)
		b.WriteString("# HELP quadgate_gauge operational gauge metrics\n")
		b.WriteString("# TYPE quadgate_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "quadgate_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		if len(snap.Histograms) > 0 {
			b.WriteString("# HELP quadgate_latency_seconds latency histogram\n")
			b.WriteString("# TYPE quadgate_latency_seconds histogram\n")
		}
		for _, h := range snap.Histograms {
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "quadgate_latency_seconds_bucket{name=%q,le=\"%g\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "quadgate_latency_seconds_bucket{name=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "quadgate_latency_seconds_sum{name=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "quadgate_latency_seconds_count{name=%q} %d\n", h.Name, h.Count)
		}
		if len(snap.Histograms) > 0 {
			b.WriteString("# HELP quadgate_latency_quantile_seconds interpolated latency quantiles\n")
			b.WriteString("# TYPE quadgate_latency_quantile_seconds gauge\n")
		}
		for _, h := range snap.Histograms {
			fmt.Fprintf(b, "quadgate_latency_quantile_seconds{name=%q,quantile=\"0.5\"} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "quadgate_latency_quantile_seconds{name=%q,quantile=\"0.95\"} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "quadgate_latency_quantile_seconds{name=%q,quantile=\"0.99\"} %.6f\n", h.Name, h.P99)
		}
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
