package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Bucket bounds in seconds. Gate checks are local and fast; whole decisions
// and HTTP routes may wait on the gate timeout.
var (
	gateBounds    = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
	requestBounds = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
)

// BoundsFor picks bucket bounds from the histogram name.
func BoundsFor(name string) []float64 {
	if strings.HasPrefix(name, "gate.") {
		return gateBounds
	}
	return requestBounds
}

// Histogram counts observations per bucket; counts are stored per bucket and
// made cumulative only when exported.
type Histogram struct {
	mu       sync.Mutex
	name     string
	bounds   []float64
	counts   []int64
	overflow int64
	sum      float64
	total    int64
}

type HistogramBucket struct {
	Le    float64 // seconds, inclusive
	Count int64   // cumulative
}

type HistogramSnapshot struct {
	Name    string
	Buckets []HistogramBucket
	Sum     float64
	Count   int64
	P50     float64
	P95     float64
	P99     float64
}

func NewHistogram(name string, bounds []float64) *Histogram {
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	return &Histogram{name: name, bounds: b, counts: make([]int64, len(b))}
}

func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	if sec < 0 {
		sec = 0
	}
	i := sort.SearchFloat64s(h.bounds, sec)
	h.mu.Lock()
	if i < len(h.counts) {
		h.counts[i]++
	} else {
		h.overflow++
	}
	h.sum += sec
	h.total++
	h.mu.Unlock()
}

// Quantile estimates q (0..1) by linear interpolation inside the bucket that
// holds the target rank. Ranks past the last bound report the last bound.
func (h *Histogram) Quantile(q float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.quantileLocked(q)
}

func (h *Histogram) quantileLocked(q float64) float64 {
	if h.total == 0 || len(h.bounds) == 0 {
		return 0
	}
	if q < 0 {
		q = 0
	}
	if q > 1 {
		q = 1
	}
	rank := q * float64(h.total)
	var seen int64
	lower := 0.0
	for i, c := range h.counts {
		if c > 0 && float64(seen+c) >= rank {
			frac := (rank - float64(seen)) / float64(c)
			return lower + frac*(h.bounds[i]-lower)
		}
		seen += c
		lower = h.bounds[i]
	}
	return h.bounds[len(h.bounds)-1]
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := HistogramSnapshot{
		Name:    h.name,
		Buckets: make([]HistogramBucket, len(h.bounds)),
		Sum:     h.sum,
		Count:   h.total,
		P50:     h.quantileLocked(0.50),
		P95:     h.quantileLocked(0.95),
		P99:     h.quantileLocked(0.99),
	}
	var running int64
	for i, le := range h.bounds {
		running += h.counts[i]
		snap.Buckets[i] = HistogramBucket{Le: le, Count: running}
	}
	return snap
}

// HistogramRegistry keys histograms by name: "decision", "gate.Q1".."gate.Q4"
// and one per HTTP route pattern.
type HistogramRegistry struct {
	mu    sync.Mutex
	byKey map[string]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return &HistogramRegistry{byKey: map[string]*Histogram{}}
}

func (r *HistogramRegistry) Get(name string) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byKey[name]
	if !ok {
		h = NewHistogram(name, BoundsFor(name))
		r.byKey[name] = h
	}
	return h
}

func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

// Snapshots are sorted by name.
func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.Lock()
	names := SortedKeys(r.byKey)
	hs := make([]*Histogram, len(names))
	for i, n := range names {
		hs[i] = r.byKey[n]
	}
	r.mu.Unlock()
	out := make([]HistogramSnapshot, len(hs))
	for i, h := range hs {
		out[i] = h.Snapshot()
	}
	return out
}
