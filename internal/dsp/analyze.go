// Package dsp summarises received windows for telemetry: mean power and the
// frequency of the strongest spectral component.
package dsp

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// FloorDBFS is the lowest level worth reporting; silence is -Inf.
const FloorDBFS = -200.0

// Stats describes one received window.
type Stats struct {
	// PowerDBFS is the mean sample power relative to a full-scale (|x|=1) sample.
	PowerDBFS float64
	// PeakHz is the baseband frequency of the strongest FFT bin.
	PeakHz float64
	// PeakDBFS is the windowed magnitude of that bin.
	PeakDBFS float64
}

// Analyzer caches the FFT plan and window for one window length. A window of
// another length replaces the cached plan.
type Analyzer struct {
	mu     sync.Mutex
	size   int
	window []float64
	winSum float64
	fft    *fourier.CmplxFFT
	seq    []complex128
	mags   []float64
}

// NewAnalyzer prepares an analyzer for windows of size samples.
func NewAnalyzer(size int) *Analyzer {
	a := &Analyzer{}
	a.resize(size)
	return a
}

func (a *Analyzer) resize(size int) {
	if size <= 0 {
		size = 1
	}
	a.size = size
	a.window = Hamming(size)
	a.winSum = floats.Sum(a.window)
	a.fft = fourier.NewCmplxFFT(size)
	a.seq = make([]complex128, size)
	a.mags = make([]float64, size)
}

// Size returns the cached window length.
func (a *Analyzer) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// Analyze computes Stats for samples taken at rate.
func (a *Analyzer) Analyze(samples []complex64, rate float64) Stats {
	n := len(samples)
	if n == 0 {
		return Stats{PowerDBFS: math.Inf(-1), PeakDBFS: math.Inf(-1)}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if n != a.size {
		a.resize(n)
	}

	for i, v := range samples {
		re, im := float64(real(v)), float64(imag(v))
		a.mags[i] = re*re + im*im
	}
	st := Stats{PowerDBFS: toDB(floats.Sum(a.mags)/float64(n), 10)}

	applyWindow(a.seq, samples, a.window)
	coeffs := a.fft.Coefficients(a.seq, a.seq)
	for i, c := range coeffs {
		a.mags[i] = cmplx.Abs(c)
	}
	k := floats.MaxIdx(a.mags)
	st.PeakDBFS = toDB(a.mags[k]/a.winSum, 20)
	st.PeakHz = binFrequency(k, n, rate)
	return st
}

// binFrequency maps FFT bin k of an n point transform to baseband Hz.
func binFrequency(k, n int, rate float64) float64 {
	if k >= (n+1)/2 {
		k -= n
	}
	return float64(k) * rate / float64(n)
}

func toDB(v, scale float64) float64 {
	if v <= 0 {
		return math.Inf(-1)
	}
	return scale * math.Log10(v)
}
