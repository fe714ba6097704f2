// Package telemetry records request outcomes for migration baselines and
// configures OpenTelemetry tracing.
package telemetry

import (
	"context"
	"slices"
	"sync"
	"time"
)

const DefaultWindow = 1024

// Baseline is a latency/success snapshot used to compare behavior before,
// during and after a migration window.
type Baseline struct {
	Samples     int
	SuccessRate float64
	P50         time.Duration
	P95         time.Duration
	CapturedAt  time.Time
}

type sample struct {
	latency time.Duration
	ok      bool
}

// Recorder keeps the most recent observations in a fixed ring.
type Recorder struct {
	mu      sync.Mutex
	samples []sample
	next    int
	full    bool
	now     func() time.Time
}

func NewRecorder(window int) *Recorder {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Recorder{samples: make([]sample, window), now: time.Now}
}

// Observe records one operation. A nil err counts as success.
func (r *Recorder) Observe(latency time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples[r.next] = sample{latency: latency, ok: err == nil}
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
}

// Baseline summarizes the current window. An empty window yields a zero
// baseline with only CapturedAt set.
func (r *Recorder) Baseline(ctx context.Context) (Baseline, error) {
	if err := ctx.Err(); err != nil {
		return Baseline{}, err
	}

	r.mu.Lock()
	n := r.next
	if r.full {
		n = len(r.samples)
	}
	window := make([]sample, n)
	copy(window, r.samples[:n])
	r.mu.Unlock()

	b := Baseline{Samples: n, CapturedAt: r.now()}
	if n == 0 {
		return b, nil
	}

	latencies := make([]time.Duration, n)
	var ok int
	for i, s := range window {
		latencies[i] = s.latency
		if s.ok {
			ok++
		}
	}
	slices.Sort(latencies)

	b.SuccessRate = float64(ok) / float64(n)
	b.P50 = percentile(latencies, 50)
	b.P95 = percentile(latencies, 95)
	return b, nil
}

// percentile uses the nearest-rank method on sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
