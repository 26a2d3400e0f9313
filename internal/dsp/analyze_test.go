package dsp

import (
	"math"
	"testing"
)

func tone(n int, freq, rate, ampl float64) []complex64 {
	out := make([]complex64, n)
	for i := range out {
		ph := 2 * math.Pi * freq * float64(i) / rate
		out[i] = complex64(complex(ampl*math.Cos(ph), ampl*math.Sin(ph)))
	}
	return out
}

func TestHamming(t *testing.T) {
	win := Hamming(4)
	expected := []float64{0.08, 0.77, 0.77, 0.08}
	if len(win) != len(expected) {
		t.Fatalf("unexpected length: %d", len(win))
	}
	for i := range expected {
		if math.Abs(win[i]-expected[i]) > 1e-6 {
			t.Fatalf("index %d expected %.2f got %.6f", i, expected[i], win[i])
		}
	}
	if len(Hamming(0)) != 0 || Hamming(1)[0] != 1 {
		t.Fatalf("degenerate window lengths mishandled")
	}
}

func TestAnalyzeTone(t *testing.T) {
	const (
		n    = 1000
		rate = 1e6
	)
	a := NewAnalyzer(n)
	st := a.Analyze(tone(n, 100e3, rate, 0.5), rate)
	if math.Abs(st.PowerDBFS-(-6.0206)) > 0.01 {
		t.Fatalf("expected -6.02 dBFS, got %.3f", st.PowerDBFS)
	}
	if math.Abs(st.PeakHz-100e3) > rate/n {
		t.Fatalf("expected peak near 100 kHz, got %.0f", st.PeakHz)
	}
	if math.Abs(st.PeakDBFS-(-6.0206)) > 0.1 {
		t.Fatalf("expected peak magnitude near -6 dBFS, got %.3f", st.PeakDBFS)
	}
}

func TestAnalyzeNegativeFrequencyAndResize(t *testing.T) {
	a := NewAnalyzer(64)
	st := a.Analyze(tone(128, -250e3, 1e6, 1), 1e6)
	if a.Size() != 128 {
		t.Fatalf("analyzer should follow the window length, got %d", a.Size())
	}
	if math.Abs(st.PeakHz+250e3) > 1e6/128 {
		t.Fatalf("expected peak near -250 kHz, got %.0f", st.PeakHz)
	}
}

func TestAnalyzeSilenceAndEmpty(t *testing.T) {
	a := NewAnalyzer(16)
	st := a.Analyze(make([]complex64, 16), 1e6)
	if !math.IsInf(st.PowerDBFS, -1) {
		t.Fatalf("silence should be -Inf dBFS, got %v", st.PowerDBFS)
	}
	if st := a.Analyze(nil, 1e6); !math.IsInf(st.PowerDBFS, -1) {
		t.Fatalf("empty window should be -Inf dBFS")
	}
}

func TestBinFrequency(t *testing.T) {
	cases := []struct {
		k, n int
		want float64
	}{
		{0, 8, 0},
		{1, 8, 125},
		{3, 8, 375},
		{4, 8, -500},
		{7, 8, -125},
		{2, 5, 400},
		{3, 5, -400},
	}
	for _, c := range cases {
		if got := binFrequency(c.k, c.n, 1000); math.Abs(got-c.want) > 1e-9 {
			t.Fatalf("bin %d/%d: got %v want %v", c.k, c.n, got, c.want)
		}
	}
}
