package tdd

import (
	"fmt"

	"github.com/rjboer/tddstream/internal/timespec"
)

// Direction tells RX results from TX results.
type Direction int

const (
	RX Direction = iota
	TX
)

func (d Direction) String() string {
	if d == TX {
		return "tx"
	}
	return "rx"
}

func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Direction) UnmarshalText(text []byte) error {
	switch string(text) {
	case "rx":
		*d = RX
	case "tx":
		*d = TX
	default:
		return fmt.Errorf("unknown direction %q", text)
	}
	return nil
}

// WindowSpec is one scheduled burst of samples.
type WindowSpec struct {
	Samples uint64
	Rate    float64
	Start   timespec.Time
}

// Delta is the duration the window occupies on the device clock.
func (w WindowSpec) Delta() timespec.Time {
	return timespec.Delta(w.Samples, w.Rate)
}

// End is the device time right after the last sample.
func (w WindowSpec) End() timespec.Time {
	return w.Start.Add(w.Delta())
}

// Next returns the window that starts where w ends.
func (w WindowSpec) Next() WindowSpec {
	return WindowSpec{Samples: w.Samples, Rate: w.Rate, Start: w.End()}
}

// CycleResult is the outcome of one RX or TX window.
type CycleResult struct {
	Direction Direction       `json:"direction"`
	Index     uint64          `json:"index"`
	Requested uint64          `json:"requested"`
	Samples   uint64          `json:"samples"`
	Err       ErrorKind       `json:"err"`
	Detail    string          `json:"detail,omitempty"`
	Start     timespec.Time   `json:"start"`
	Elapsed   timespec.Time   `json:"elapsed"`
	Frame     BurstFrameState `json:"frame,omitempty"`
	GPIOCode  uint8           `json:"gpio_code,omitempty"`
	PowerDBFS float64         `json:"power_dbfs,omitempty"`
	PeakHz    float64         `json:"peak_hz,omitempty"`
}

// OK reports a complete, fault-free window.
func (r CycleResult) OK() bool { return r.Err == None }
