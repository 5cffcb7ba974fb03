package diagnostic

import (
	"math"

	"github.com/montanaflynn/stats"
)

// RecentWindow is the ring buffer capacity of variance-sensitive signals.
const RecentWindow = 100

// Ring keeps the most recent values of a signal in a fixed-size buffer.
type Ring struct {
	buf  []float64
	next int
	full bool
}

// NewRing creates a ring holding at most size values.
func NewRing(size int) *Ring {
	return &Ring{buf: make([]float64, size)}
}

// Push stores x, evicting the oldest value when the ring is full.
func (r *Ring) Push(x float64) {
	if len(r.buf) == 0 {
		return
	}
	r.buf[r.next] = x
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// Len returns the number of stored values.
func (r *Ring) Len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Values returns the stored values, oldest first.
func (r *Ring) Values() []float64 {
	if !r.full {
		return append([]float64(nil), r.buf[:r.next]...)
	}
	out := make([]float64, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// StdDev is the population standard deviation of the stored values around
// their own mean.
func (r *Ring) StdDev() float64 {
	if r.Len() == 0 {
		return 0
	}
	sd, err := stats.StandardDeviationPopulation(r.Values())
	if err != nil {
		return 0
	}
	return sd
}

// Accumulator is a fixed-memory running statistic of one signal.
type Accumulator struct {
	Sum    float64
	Count  int
	Min    float64
	Max    float64
	Recent *Ring // nil unless the signal needs a recent window
}

func newAccumulator(window int) *Accumulator {
	a := &Accumulator{Min: math.Inf(1), Max: math.Inf(-1)}
	if window > 0 {
		a.Recent = NewRing(window)
	}
	return a
}

// Add folds one reading into the accumulator.
func (a *Accumulator) Add(x float64) {
	a.Sum += x
	a.Count++
	if x < a.Min {
		a.Min = x
	}
	if x > a.Max {
		a.Max = x
	}
	if a.Recent != nil {
		a.Recent.Push(x)
	}
}

// Mean returns the running mean, or 0 without samples.
func (a *Accumulator) Mean() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / float64(a.Count)
}

// Swing is max minus min, or 0 without samples.
func (a *Accumulator) Swing() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Max - a.Min
}
