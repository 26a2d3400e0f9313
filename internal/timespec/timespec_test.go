package timespec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeltaWindowAtDefaultRate(t *testing.T) {
	d := Delta(10000, 6.25e6)
	assert.Equal(t, int64(0), d.Full)
	assert.InDelta(t, 0.0016, d.Frac, 1e-15)

	var acc Time
	for i := 0; i < 625; i++ {
		acc = acc.Add(d)
	}
	assert.True(t, acc.ApproxEqual(FromSeconds(1), 1e-12), "accumulated %v", acc)
}

func TestDeltaAdditivity(t *testing.T) {
	cases := []struct {
		samples uint64
		rate    float64
		times   int64
	}{
		{10000, 6.25e6, 625},
		{1, 1e6, 1000},
		{4096, 2e6, 977},
		{333, 30.72e6, 12345},
		{2500, 61.44e6, 100000},
		{7, 3.3, 40},
	}
	for _, tc := range cases {
		d := Delta(tc.samples, tc.rate)
		var acc Time
		for i := int64(0); i < tc.times; i++ {
			acc = acc.Add(d)
		}
		want := Delta(tc.samples*uint64(tc.times), tc.rate)
		assert.True(t, acc.ApproxEqual(want, 1e-9), "samples=%d rate=%g: %v != %v", tc.samples, tc.rate, acc, want)
		assert.True(t, d.Mul(tc.times).ApproxEqual(want, 1e-9))
	}
}

func TestDeltaWholeSeconds(t *testing.T) {
	d := Delta(15_000_000, 6.25e6)
	assert.Equal(t, int64(2), d.Full)
	assert.InDelta(t, 0.4, d.Frac, 1e-12)
}

func TestDeltaInvalidRate(t *testing.T) {
	assert.True(t, Delta(100, 0).IsZero())
	assert.True(t, Delta(100, -1).IsZero())
	assert.True(t, Delta(-5, 1e6).IsZero())
}

func TestAddNormalizesOverflow(t *testing.T) {
	got := New(1, 0.75).Add(New(0, 0.5))
	assert.Equal(t, int64(2), got.Full)
	assert.InDelta(t, 0.25, got.Frac, 1e-15)
}

func TestSubBorrows(t *testing.T) {
	got := New(2, 0.25).Sub(New(0, 0.5))
	assert.Equal(t, int64(1), got.Full)
	assert.InDelta(t, 0.75, got.Frac, 1e-15)

	neg := New(0, 0.25).Sub(New(1, 0))
	assert.InDelta(t, -0.75, neg.Seconds(), 1e-15)
}

func TestFromSeconds(t *testing.T) {
	got := FromSeconds(1.5)
	require.Equal(t, int64(1), got.Full)
	assert.InDelta(t, 0.5, got.Frac, 1e-15)
	assert.InDelta(t, 1.5, got.Seconds(), 1e-15)
}

func TestCompare(t *testing.T) {
	a := New(1, 0.5)
	b := New(1, 0.6)
	c := New(2, 0)
	assert.True(t, a.Before(b))
	assert.True(t, c.After(b))
	assert.True(t, a.Equal(New(0, 1.5)))
	assert.Equal(t, 0, a.Compare(a))
}

func TestString(t *testing.T) {
	assert.Equal(t, "1.500000000s", New(1, 0.5).String())
	assert.Equal(t, "0.001600000s", Delta(10000, 6.25e6).String())
}
