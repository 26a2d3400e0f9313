package tdd

import (
	"context"
	"time"

	"github.com/rjboer/tddstream/internal/logging"
	"github.com/rjboer/tddstream/internal/radio"
	"github.com/rjboer/tddstream/internal/timespec"
)

// DefaultChunkTimeout bounds every Recv/Send after the first of a session.
const DefaultChunkTimeout = 100 * time.Millisecond

// Receiver collects receive windows from an RX stream, either one timed
// command per window or out of a single continuous stream.
type Receiver struct {
	stream       radio.RxStream
	chunkTimeout time.Duration
	logger       logging.Logger

	buffs [][]complex64
	index uint64
}

// NewReceiver wraps stream. chunkTimeout applies to every Recv after the
// first of a window; zero selects DefaultChunkTimeout.
func NewReceiver(stream radio.RxStream, chunkTimeout time.Duration, logger logging.Logger) *Receiver {
	if chunkTimeout <= 0 {
		chunkTimeout = DefaultChunkTimeout
	}
	channels := stream.Channels()
	if channels <= 0 {
		channels = 1
	}
	return &Receiver{
		stream:       stream,
		chunkTimeout: chunkTimeout,
		logger:       logging.OrDefault(logger).With(logging.Subsystem("rx")),
		buffs:        make([][]complex64, channels),
	}
}

// ScheduledReceive asks the device for exactly w.Samples samples starting at
// w.Start and blocks until they arrived, the device reported a fault, or no
// data came within timeout.
func (r *Receiver) ScheduledReceive(ctx context.Context, w WindowSpec, timeout time.Duration) CycleResult {
	cmd := radio.StreamCommand{
		Mode:      radio.NumSampsAndDone,
		NumSamps:  w.Samples,
		StreamNow: false,
		Time:      w.Start,
	}
	r.logger.Debug("issue stream command", logging.F("mode", cmd.Mode), logging.F("samples", cmd.NumSamps), logging.F("at", cmd.Time))
	if err := r.stream.IssueStreamCommand(ctx, cmd); err != nil {
		res := r.newResult(w)
		res.Err = TransferError
		res.Detail = "issue stream command: " + err.Error()
		return res
	}
	return r.collect(ctx, w, timeout)
}

// StartContinuous starts streaming at the device time at. Windows are then
// read with ReceiveWindow until Stop.
func (r *Receiver) StartContinuous(ctx context.Context, at timespec.Time, samples uint64) error {
	return r.stream.IssueStreamCommand(ctx, radio.StreamCommand{
		Mode:      radio.StartContinuous,
		NumSamps:  samples,
		StreamNow: false,
		Time:      at,
	})
}

// Stop ends continuous streaming.
func (r *Receiver) Stop(ctx context.Context) error {
	return r.stream.IssueStreamCommand(ctx, radio.StreamCommand{Mode: radio.StopContinuous, StreamNow: true})
}

// ReceiveWindow reads the next w.Samples samples of a continuous stream,
// accumulating across as many Recv calls as the device needs.
func (r *Receiver) ReceiveWindow(ctx context.Context, w WindowSpec, timeout time.Duration) CycleResult {
	return r.collect(ctx, w, timeout)
}

// Samples returns the first channel of the last window. The slice is reused
// by the next window.
func (r *Receiver) Samples() []complex64 { return r.buffs[0] }

func (r *Receiver) newResult(w WindowSpec) CycleResult {
	res := CycleResult{
		Direction: RX,
		Index:     r.index,
		Requested: w.Samples,
		Start:     w.Start,
	}
	r.index++
	return res
}

func (r *Receiver) ensure(n uint64) {
	for ch := range r.buffs {
		if uint64(cap(r.buffs[ch])) < n {
			r.buffs[ch] = make([]complex64, n)
		}
		r.buffs[ch] = r.buffs[ch][:n]
	}
}

func (r *Receiver) collect(ctx context.Context, w WindowSpec, timeout time.Duration) CycleResult {
	res := r.newResult(w)
	r.ensure(w.Samples)

	views := make([][]complex64, len(r.buffs))
	var got uint64
	first := true
	for got < w.Samples {
		for ch := range r.buffs {
			views[ch] = r.buffs[ch][got:]
		}
		var md radio.RxMetadata
		n, err := r.stream.Recv(ctx, views, int(w.Samples-got), &md, timeout, true)
		timeout = r.chunkTimeout
		if err != nil {
			r.logger.Debug("recv failed", logging.F("window", res.Index), logging.F("received", got), logging.F("err", err))
			res.Err = TransferError
			res.Detail = err.Error()
			break
		}
		if n > 0 && first && md.HasTime {
			res.Start = md.Time
		}
		if n > 0 {
			first = false
		}
		got += uint64(n)

		if md.ErrorCode == radio.ErrTimeout {
			if got == 0 {
				res.Err = Timeout
				res.Detail = md.Message
			}
			break
		}
		if md.ErrorCode != radio.ErrNone {
			res.Err = TransferError
			res.Detail = md.Message
			if res.Detail == "" {
				res.Detail = md.ErrorCode.String()
			}
			break
		}
		if n == 0 {
			break
		}
	}

	res.Samples = got
	res.Elapsed = timespec.Delta(got, w.Rate)
	if res.Err == None && got < w.Samples {
		res.Err = ShortRead
		res.Detail = "window ended before all samples arrived"
	}
	r.buffs[0] = r.buffs[0][:got]
	return res
}
