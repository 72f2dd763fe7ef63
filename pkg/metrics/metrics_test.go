package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveAggregates(t *testing.T) {
	r := NewRegistry()
	r.Observe("/v1/intents", 201, 10*time.Millisecond)
	r.Observe("/v1/intents", 500, 30*time.Millisecond)

	snap := r.Snapshot()
	stat := snap.Endpoints["/v1/intents"]
	if stat.Count != 2 || stat.ErrorCount != 1 {
		t.Fatalf("unexpected counts: %+v", stat)
	}
	if stat.MaxMillis != 30 || stat.AverageMillis != 20 {
		t.Fatalf("unexpected latency stats: %+v", stat)
	}
	if stat.LastStatusCode != 500 {
		t.Fatalf("expected last status 500, got %d", stat.LastStatusCode)
	}
}

func TestCountersAndGauges(t *testing.T) {
	r := NewRegistry()
	r.IncDecision("auto")
	r.IncDecision("auto")
	r.IncDecision("")
	r.IncReason("RATE_LIMITED")
	r.IncApprovalState("auto_approved")
	r.IncSettlementState("rolled_back")
	r.AddQueueExpired(3)
	r.AddQueueExpired(-1)
	r.AddAnchoredEntries(7)
	r.SetGauge("queue_depth", 4)

	snap := r.Snapshot()
	if snap.Decisions["auto"] != 2 {
		t.Fatalf("decisions: %v", snap.Decisions)
	}
	if snap.Reasons["RATE_LIMITED"] != 1 {
		t.Fatalf("reasons: %v", snap.Reasons)
	}
	if snap.ApprovalTotals["auto_approved"] != 1 || snap.SettlementTotals["rolled_back"] != 1 {
		t.Fatalf("state totals: %v %v", snap.ApprovalTotals, snap.SettlementTotals)
	}
	if snap.QueueExpired != 3 || snap.AnchoredEntries != 7 {
		t.Fatalf("totals: expired=%d anchored=%d", snap.QueueExpired, snap.AnchoredEntries)
	}
	if snap.Gauges["queue_depth"] != 4 {
		t.Fatalf("gauges: %v", snap.Gauges)
	}
}

func TestPrometheusExposition(t *testing.T) {
	r := NewRegistry()
	r.Observe("/v1/intents", 201, 5*time.Millisecond)
	r.ObserveLatency("/v1/intents", 5*time.Millisecond)
	r.IncDecision("manual")
	r.IncSettlementState("confirmed")
	r.AddQueueExpired(1)

	rr := httptest.NewRecorder()
	r.PrometheusHandler()(rr, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	body := rr.Body.String()

	for _, want := range []string{
		`discard_endpoint_count{endpoint="/v1/intents"} 1`,
		`discard_decision_total{mode="manual"} 1`,
		`discard_settlement_total{status="confirmed"} 1`,
		"discard_queue_expired_total 1",
		`discard_latency_seconds_count{endpoint="/v1/intents"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("exposition missing %q:\n%s", want, body)
		}
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestJSONHandler(t *testing.T) {
	r := NewRegistry()
	r.IncDecision("auto")
	rr := httptest.NewRecorder()
	r.Handler()(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected json content type")
	}
	if !strings.Contains(rr.Body.String(), `"auto": 1`) {
		t.Fatalf("snapshot missing decision count: %s", rr.Body.String())
	}
}

func TestSortedKeys(t *testing.T) {
	got := SortedKeys(map[string]int{"b": 1, "a": 2, "c": 3})
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("keys not sorted: %v", got)
	}
}
