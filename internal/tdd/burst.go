package tdd

import (
	"fmt"

	"github.com/rjboer/tddstream/internal/timespec"
)

// BurstFrameState sets the start/end-of-burst flags of a transmit window.
type BurstFrameState int

const (
	// Unframed marks results that carry no burst framing (receive windows).
	Unframed BurstFrameState = iota
	Starting
	Continuing
	Ending
	// Single is a burst exactly one window long. Strict alternation sends
	// every window this way; the framer never produces it.
	Single
)

func (s BurstFrameState) String() string {
	switch s {
	case Unframed:
		return "unframed"
	case Starting:
		return "starting"
	case Continuing:
		return "continuing"
	case Ending:
		return "ending"
	case Single:
		return "single"
	default:
		return "unknown"
	}
}

func (s BurstFrameState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *BurstFrameState) UnmarshalText(text []byte) error {
	for c := Unframed; c <= Single; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown frame state %q", text)
}

// Flags returns the start-of-burst and end-of-burst flags for s.
func (s BurstFrameState) Flags() (start, end bool) {
	switch s {
	case Starting:
		return true, false
	case Ending:
		return false, true
	case Single:
		return true, true
	default:
		return false, false
	}
}

// Frame is the framing decision for one transmit window.
type Frame struct {
	Index uint64
	State BurstFrameState
	Time  timespec.Time
}

// BurstFramer produces a repeating pattern of transmit windows: a burst of
// cadence windows, the last flagged end-of-burst, then a gap of one receive
// window before the next burst starts.
//
// Window i (0-based) ends a burst when i%cadence == cadence-1. A cadence of 0
// or 1 never ends the burst.
type BurstFramer struct {
	cadence uint64
	txDelta timespec.Time
	rxDelta timespec.Time

	count uint64
	prev  Frame
}

// NewBurstFramer starts framing at start. txDelta and rxDelta are the
// durations of one transmit and one receive window.
func NewBurstFramer(start, txDelta, rxDelta timespec.Time, cadence int) *BurstFramer {
	if cadence < 0 {
		cadence = 0
	}
	return &BurstFramer{
		cadence: uint64(cadence),
		txDelta: txDelta,
		rxDelta: rxDelta,
		prev:    Frame{Time: start},
	}
}

// Next returns the frame of the next transmit window.
func (b *BurstFramer) Next() Frame {
	f := Frame{Index: b.count}
	switch {
	case b.count == 0:
		f.State = Starting
		f.Time = b.prev.Time
	case b.prev.State == Ending:
		f.State = Starting
		f.Time = b.prev.Time.Add(b.rxDelta)
	case b.cadence > 1 && b.count%b.cadence == b.cadence-1:
		f.State = Ending
		f.Time = b.prev.Time.Add(b.txDelta)
	default:
		f.State = Continuing
		f.Time = b.prev.Time.Add(b.txDelta)
	}
	b.prev = f
	b.count++
	return f
}

// Count is the number of frames produced so far.
func (b *BurstFramer) Count() uint64 { return b.count }
