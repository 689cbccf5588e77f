package runtime

import (
	"math"
	"slices"
	"time"
)

const ackLatencySampleSize = 256

// AckLatency summarises the most recent acknowledgement latencies.
type AckLatency struct {
	Average    time.Duration `json:"average"`
	P50        time.Duration `json:"p50"`
	P95        time.Duration `json:"p95"`
	P99        time.Duration `json:"p99"`
	Last       time.Duration `json:"last"`
	SampleSize int           `json:"sample_size"`
}

// latencyWindow is a ring of the last N samples. Not safe for concurrent use.
type latencyWindow struct {
	samples []time.Duration
	next    int
	filled  int
	last    time.Duration
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = ackLatencySampleSize
	}
	return &latencyWindow{samples: make([]time.Duration, size)}
}

func (lw *latencyWindow) add(d time.Duration) {
	lw.samples[lw.next] = d
	lw.last = d
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) snapshot() AckLatency {
	out := AckLatency{Last: lw.last}
	if lw.filled == 0 {
		return out
	}
	samples := make([]time.Duration, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	slices.Sort(samples)

	var sum time.Duration
	for _, v := range samples {
		sum += v
	}
	out.SampleSize = lw.filled
	out.Average = sum / time.Duration(len(samples))
	out.P50 = percentile(samples, 0.50)
	out.P95 = percentile(samples, 0.95)
	out.P99 = percentile(samples, 0.99)
	return out
}

// percentile interpolates linearly between the two nearest sorted samples.
func percentile(sorted []time.Duration, quantile float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if quantile <= 0 {
		return sorted[0]
	}
	if quantile >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := quantile * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + time.Duration(float64(sorted[upper]-sorted[lower])*frac)
}
