package tdd

import (
	"context"
	"fmt"
	"time"

	"github.com/rjboer/tddstream/internal/logging"
	"github.com/rjboer/tddstream/internal/radio"
	"github.com/rjboer/tddstream/internal/timespec"
)

// ConstantWaveform returns n samples of complex(ampl, ampl), the calibration
// burst every transmit window carries.
func ConstantWaveform(n int, ampl float32) []complex64 {
	buf := make([]complex64, n)
	for i := range buf {
		buf[i] = complex(ampl, ampl)
	}
	return buf
}

// Transmitter sends fixed-size timed bursts from one read-only buffer.
type Transmitter struct {
	stream radio.TxStream
	buffs  [][]complex64
	logger logging.Logger
	index  uint64
}

// NewTransmitter wraps stream. waveform is shared by every channel and must
// not be modified afterwards.
func NewTransmitter(stream radio.TxStream, waveform []complex64, logger logging.Logger) *Transmitter {
	channels := stream.Channels()
	if channels <= 0 {
		channels = 1
	}
	buffs := make([][]complex64, channels)
	for ch := range buffs {
		buffs[ch] = waveform
	}
	return &Transmitter{
		stream: stream,
		buffs:  buffs,
		logger: logging.OrDefault(logger).With(logging.Subsystem("tx")),
	}
}

// ScheduledTransmit sends w.Samples samples tagged with w.Start and the
// burst flags of frame. A partial send is reported, never retried.
func (t *Transmitter) ScheduledTransmit(ctx context.Context, w WindowSpec, frame BurstFrameState, timeout time.Duration) CycleResult {
	start, end := frame.Flags()
	res := CycleResult{
		Direction: TX,
		Index:     t.index,
		Requested: w.Samples,
		Start:     w.Start,
		Frame:     frame,
	}
	t.index++

	if w.Samples > uint64(len(t.buffs[0])) {
		res.Err = TransferError
		res.Detail = fmt.Sprintf("window of %d samples exceeds the %d sample buffer", w.Samples, len(t.buffs[0]))
		return res
	}

	md := radio.TxMetadata{
		StartOfBurst: start,
		EndOfBurst:   end,
		HasTime:      true,
		Time:         w.Start,
	}
	n, err := t.stream.Send(ctx, t.buffs, int(w.Samples), md, timeout)
	if err != nil {
		t.logger.Debug("send failed", logging.F("window", res.Index), logging.F("err", err))
		res.Err = TransferError
		res.Detail = err.Error()
		return res
	}
	res.Samples = uint64(n)
	res.Elapsed = timespec.Delta(n, w.Rate)
	if res.Samples < w.Samples {
		res.Err = PartialSend
		res.Detail = fmt.Sprintf("sent %d of %d samples", n, w.Samples)
	}
	return res
}
