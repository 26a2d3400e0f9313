// Package timespec models device hardware time as whole seconds plus a
// fractional second, the way radio front-ends timestamp samples.
package timespec

import (
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
)

// Time is an absolute device time or a duration between two device times.
// Frac is kept in [0,1) so that long accumulations of sample deltas do not
// lose precision in the whole-second part.
type Time struct {
	Full int64
	Frac float64
}

// Zero is the device epoch.
var Zero Time

// New builds a normalized Time from whole and fractional seconds.
func New(full int64, frac float64) Time {
	return normalize(full, frac)
}

// FromSeconds converts real seconds to a Time.
func FromSeconds(secs float64) Time {
	whole, frac := math.Modf(secs)
	return normalize(int64(whole), frac)
}

// Delta returns the duration of samples at rate, samples/rate seconds.
// A non-positive rate yields the zero Time.
func Delta[N constraints.Integer](samples N, rate float64) Time {
	if rate <= 0 || samples <= 0 {
		return Time{}
	}
	n := uint64(samples)
	if rate == math.Trunc(rate) && rate < 1<<53 {
		// Integral rates split on the integer sample count so the fractional
		// part is computed from the remainder only.
		r := uint64(rate)
		return normalize(int64(n/r), float64(n%r)/rate)
	}
	whole, frac := math.Modf(float64(n) / rate)
	return normalize(int64(whole), frac)
}

func normalize(full int64, frac float64) Time {
	if frac >= 1 || frac <= -1 {
		whole, rest := math.Modf(frac)
		full += int64(whole)
		frac = rest
	}
	if frac < 0 {
		full--
		frac++
	}
	// frac may round up to exactly 1 after the borrow above.
	if frac >= 1 {
		full++
		frac--
	}
	return Time{Full: full, Frac: frac}
}

// Add returns t+d.
func (t Time) Add(d Time) Time {
	return normalize(t.Full+d.Full, t.Frac+d.Frac)
}

// Sub returns t-d.
func (t Time) Sub(d Time) Time {
	return normalize(t.Full-d.Full, t.Frac-d.Frac)
}

// Mul returns t scaled by n.
func (t Time) Mul(n int64) Time {
	whole, frac := math.Modf(t.Frac * float64(n))
	return normalize(t.Full*n+int64(whole), frac)
}

// Seconds returns t as real seconds. Precision degrades for large Full values.
func (t Time) Seconds() float64 {
	return float64(t.Full) + t.Frac
}

// Compare returns -1, 0 or +1 when t is before, equal to or after u.
func (t Time) Compare(u Time) int {
	switch {
	case t.Full < u.Full:
		return -1
	case t.Full > u.Full:
		return 1
	case t.Frac < u.Frac:
		return -1
	case t.Frac > u.Frac:
		return 1
	default:
		return 0
	}
}

func (t Time) Before(u Time) bool { return t.Compare(u) < 0 }
func (t Time) After(u Time) bool  { return t.Compare(u) > 0 }
func (t Time) Equal(u Time) bool  { return t.Compare(u) == 0 }

// IsZero reports whether t is the device epoch.
func (t Time) IsZero() bool { return t.Full == 0 && t.Frac == 0 }

// ApproxEqual reports whether t and u differ by at most tol seconds.
func (t Time) ApproxEqual(u Time, tol float64) bool {
	d := t.Sub(u)
	return math.Abs(float64(d.Full)+d.Frac) <= tol
}

func (t Time) String() string {
	full, ns := t.Full, int64(math.Round(t.Frac*1e9))
	if ns >= 1_000_000_000 {
		full++
		ns -= 1_000_000_000
	}
	return fmt.Sprintf("%d.%09ds", full, ns)
}
