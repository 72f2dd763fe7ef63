package metrics

import (
	"sort"
	"sync"
	"time"
)

// latencyBounds are the histogram upper bounds in seconds.
var latencyBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// HistogramBucket is one exposition row: observations at or under Le seconds.
type HistogramBucket struct {
	Le    float64
	Count int64
}

// Histogram is a fixed-bound latency histogram. Each observation lands in
// the first bound that covers it; Snapshot reports cumulative counts as
// Prometheus expects.
type Histogram struct {
	mu     sync.Mutex
	name   string
	counts []int64
	sum    float64
	total  int64
}

func NewHistogram(name string) *Histogram {
	return &Histogram{name: name, counts: make([]int64, len(latencyBounds))}
}

func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += sec
	h.total++
	for i, le := range latencyBounds {
		if sec <= le {
			h.counts[i]++
			return
		}
	}
	// Over the largest bound: counted only in the +Inf total.
}

// HistogramSnapshot is a point-in-time copy for exposition.
type HistogramSnapshot struct {
	Name    string
	Buckets []HistogramBucket
	Sum     float64
	Count   int64
	P50     float64
	P95     float64
	P99     float64
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := HistogramSnapshot{
		Name:    h.name,
		Buckets: make([]HistogramBucket, len(latencyBounds)),
		Sum:     h.sum,
		Count:   h.total,
	}
	var cumulative int64
	for i, le := range latencyBounds {
		cumulative += h.counts[i]
		snap.Buckets[i] = HistogramBucket{Le: le, Count: cumulative}
	}
	snap.P50 = bucketQuantile(snap.Buckets, h.total, 0.50)
	snap.P95 = bucketQuantile(snap.Buckets, h.total, 0.95)
	snap.P99 = bucketQuantile(snap.Buckets, h.total, 0.99)
	return snap
}

// bucketQuantile returns the upper bound of the bucket holding the q-th
// ranked observation. Observations past the largest bound report that bound.
func bucketQuantile(buckets []HistogramBucket, total int64, q float64) float64 {
	if total == 0 {
		return 0
	}
	rank := int64(q * float64(total))
	if rank < 1 {
		rank = 1
	}
	for _, b := range buckets {
		if b.Count >= rank {
			return b.Le
		}
	}
	return buckets[len(buckets)-1].Le
}

// HistogramRegistry holds one histogram per endpoint.
type HistogramRegistry struct {
	mu     sync.Mutex
	byName map[string]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return &HistogramRegistry{byName: map[string]*Histogram{}}
}

func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.mu.Lock()
	h, ok := r.byName[name]
	if !ok {
		h = NewHistogram(name)
		r.byName[name] = h
	}
	r.mu.Unlock()
	h.Observe(d)
}

func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.Lock()
	all := make([]*Histogram, 0, len(r.byName))
	for _, h := range r.byName {
		all = append(all, h)
	}
	r.mu.Unlock()

	out := make([]HistogramSnapshot, 0, len(all))
	for _, h := range all {
		out = append(out, h.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
