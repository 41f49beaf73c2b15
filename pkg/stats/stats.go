// Package stats provides streaming statistics helpers shared by the
// streaming metrics and the workflow benchmarking code.
package stats

import (
	"math"
	"sort"
)

// Running accumulates count, mean and variance incrementally using
// Welford's algorithm, so the mean stays numerically stable over long
// event streams.
type Running struct {
	count int64
	mean  float64
	m2    float64
}

func (r *Running) Add(value float64) {
	r.count++
	delta := value - r.mean
	r.mean += delta / float64(r.count)
	r.m2 += delta * (value - r.mean)
}

func (r *Running) Count() int64 {
	return r.count
}

func (r *Running) Mean() float64 {
	return r.mean
}

// Variance returns the population variance of the observed values.
func (r *Running) Variance() float64 {
	if r.count == 0 {
		return 0
	}

	return r.m2 / float64(r.count)
}

func (r *Running) StdDev() float64 {
	return math.Sqrt(r.Variance())
}

// Window retains the most recent values up to a fixed capacity, oldest
// evicted first, and computes order statistics over the retained set.
type Window struct {
	capacity int
	values   []float64
}

func NewWindow(capacity int) *Window {
	return &Window{capacity: capacity}
}

func (w *Window) Add(value float64) {
	w.values = append(w.values, value)
	if len(w.values) > w.capacity {
		w.values = w.values[len(w.values)-w.capacity:]
	}
}

func (w *Window) Len() int {
	return len(w.values)
}

func (w *Window) Values() []float64 {
	out := make([]float64, len(w.values))
	copy(out, w.values)

	return out
}

func (w *Window) Mean() float64 {
	if len(w.values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range w.values {
		sum += v
	}

	return sum / float64(len(w.values))
}

func (w *Window) Min() float64 {
	if len(w.values) == 0 {
		return 0
	}

	minimum := w.values[0]
	for _, v := range w.values[1:] {
		if v < minimum {
			minimum = v
		}
	}

	return minimum
}

func (w *Window) Max() float64 {
	if len(w.values) == 0 {
		return 0
	}

	maximum := w.values[0]
	for _, v := range w.values[1:] {
		if v > maximum {
			maximum = v
		}
	}

	return maximum
}

// Percentile returns the nearest-rank percentile (0 < p <= 100) over
// the retained window. Returns 0 on an empty window.
func (w *Window) Percentile(p float64) float64 {
	if len(w.values) == 0 {
		return 0
	}

	sorted := make([]float64, len(w.values))
	copy(sorted, w.values)
	sort.Float64s(sorted)

	rank := int(math.Ceil(p / 100.0 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}

	if rank > len(sorted) {
		rank = len(sorted)
	}

	return sorted[rank-1]
}
