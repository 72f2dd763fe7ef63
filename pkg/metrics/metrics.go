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
	mu              sync.RWMutex
	endpoint        map[string]*EndpointStat
	decision        map[string]int64
	reason          map[string]int64
	gauges          map[string]float64
	approvalState   map[string]int64
	settlementState map[string]int64
	queueExpired    int64
	anchoredEntries int64
	Histograms      *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt      string                  `json:"generated_at"`
	Endpoints        map[string]EndpointStat `json:"endpoints"`
	Decisions        map[string]int64        `json:"decisions"`
	Reasons          map[string]int64        `json:"reasons"`
	Gauges           map[string]float64      `json:"gauges"`
	ApprovalTotals   map[string]int64        `json:"approval_totals"`
	SettlementTotals map[string]int64        `json:"settlement_totals"`
	QueueExpired     int64                   `json:"queue_expired_total"`
	AnchoredEntries  int64                   `json:"anchored_entries_total"`
	Histograms       []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:        map[string]*EndpointStat{},
		decision:        map[string]int64{},
		reason:          map[string]int64{},
		gauges:          map[string]float64{},
		approvalState:   map[string]int64{},
		settlementState: map[string]int64{},
		Histograms:      NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
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

// IncDecision counts admission outcomes by approval mode (auto, manual,
// blocked, queued, rate_limited).
func (r *Registry) IncDecision(mode string) {
	if mode == "" {
		return
	}
	r.mu.Lock()
	r.decision[mode]++
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

func (r *Registry) IncApprovalState(state string) {
	state = strings.TrimSpace(state)
	if state == "" {
		return
	}
	r.mu.Lock()
	r.approvalState[state]++
	r.mu.Unlock()
}

func (r *Registry) IncSettlementState(state string) {
	state = strings.TrimSpace(state)
	if state == "" {
		return
	}
	r.mu.Lock()
	r.settlementState[state]++
	r.mu.Unlock()
}

func (r *Registry) AddQueueExpired(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.queueExpired += int64(n)
	r.mu.Unlock()
}

func (r *Registry) AddAnchoredEntries(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.anchoredEntries += int64(n)
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
	out := Snapshot{
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		Endpoints:        make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:        make(map[string]int64, len(r.decision)),
		Reasons:          make(map[string]int64, len(r.reason)),
		Gauges:           make(map[string]float64, len(r.gauges)),
		ApprovalTotals:   make(map[string]int64, len(r.approvalState)),
		SettlementTotals: make(map[string]int64, len(r.settlementState)),
		QueueExpired:     r.queueExpired,
		AnchoredEntries:  r.anchoredEntries,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.decision {
		out.Decisions[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.approvalState {
		out.ApprovalTotals[k] = v
	}
	for k, v := range r.settlementState {
		out.SettlementTotals[k] = v
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
		b.WriteString("# HELP discard_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE discard_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "discard_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP discard_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE discard_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "discard_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP discard_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE discard_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "discard_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP discard_decision_total admission outcomes by approval mode\n")
		b.WriteString("# TYPE discard_decision_total counter\n")
		for _, mode := range SortedKeys(snap.Decisions) {
			fmt.Fprintf(b, "discard_decision_total{mode=%q} %d\n", mode, snap.Decisions[mode])
		}
		b.WriteString("# HELP discard_reason_total outcomes by reason code\n")
		b.WriteString("# TYPE discard_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "discard_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP discard_approval_total approval transitions by status\n")
		b.WriteString("# TYPE discard_approval_total counter\n")
		for _, state := range SortedKeys(snap.ApprovalTotals) {
			fmt.Fprintf(b, "discard_approval_total{status=%q} %d\n", state, snap.ApprovalTotals[state])
		}
		b.WriteString("# HELP discard_settlement_total settlement transitions by status\n")
		b.WriteString("# TYPE discard_settlement_total counter\n")
		for _, state := range SortedKeys(snap.SettlementTotals) {
			fmt.Fprintf(b, "discard_settlement_total{status=%q} %d\n", state, snap.SettlementTotals[state])
		}
		b.WriteString("# HELP discard_queue_expired_total retry queue entries expired\n")
		b.WriteString("# TYPE discard_queue_expired_total counter\n")
		fmt.Fprintf(b, "discard_queue_expired_total %d\n", snap.QueueExpired)
		b.WriteString("# HELP discard_anchored_entries_total audit entries anchored on chain\n")
		b.WriteString("# TYPE discard_anchored_entries_total counter\n")
		fmt.Fprintf(b, "discard_anchored_entries_total %d\n", snap.AnchoredEntries)
		b.WriteString("# HELP discard_gauge operational gauge metrics\n")
		b.WriteString("# TYPE discard_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "discard_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP discard_latency_seconds latency histogram\n")
			b.WriteString("# TYPE discard_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "discard_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "discard_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "discard_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "discard_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "discard_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "discard_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
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
