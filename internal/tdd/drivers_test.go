package tdd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/tddstream/internal/radio"
	"github.com/rjboer/tddstream/internal/timespec"
)

func newRxFixture(t *testing.T, spp int) (*radio.Sim, *Receiver) {
	t.Helper()
	sim := radio.NewSim(radio.SimConfig{SamplesPerPacket: spp})
	require.NoError(t, sim.SetRxRate(1e6))
	rx, err := sim.RxStream(radio.StreamArgs{Channels: []int{0}})
	require.NoError(t, err)
	return sim, NewReceiver(rx, 0, quietLogger())
}

func TestScheduledReceiveAccumulatesChunks(t *testing.T) {
	_, r := newRxFixture(t, 400)
	w := WindowSpec{Samples: 1000, Rate: 1e6, Start: timespec.FromSeconds(0.5)}

	res := r.ScheduledReceive(context.Background(), w, time.Second)
	require.Equal(t, None, res.Err, res.Detail)
	assert.Equal(t, RX, res.Direction)
	assert.Equal(t, uint64(1000), res.Samples)
	assert.True(t, res.Start.Equal(w.Start))
	assert.True(t, res.Elapsed.ApproxEqual(timespec.FromSeconds(0.001), 1e-12))
	assert.Len(t, r.Samples(), 1000)

	next := r.ScheduledReceive(context.Background(), w.Next(), DefaultChunkTimeout)
	require.True(t, next.OK())
	assert.Equal(t, uint64(1), next.Index)
}

func TestScheduledReceiveTimeout(t *testing.T) {
	_, r := newRxFixture(t, 400)
	w := WindowSpec{Samples: 1000, Rate: 1e6, Start: timespec.FromSeconds(5)}

	res := r.ScheduledReceive(context.Background(), w, 100*time.Millisecond)
	assert.Equal(t, Timeout, res.Err)
	assert.Zero(t, res.Samples)
	assert.True(t, res.Err.Terminal())
	assert.False(t, res.Err.Fatal())
}

func TestScheduledReceiveShortRead(t *testing.T) {
	sim, r := newRxFixture(t, 400)
	sim.InjectRx(radio.RxFault{Samples: 300})
	w := WindowSpec{Samples: 1000, Rate: 1e6, Start: timespec.FromSeconds(0.1)}

	res := r.ScheduledReceive(context.Background(), w, time.Second)
	assert.Equal(t, ShortRead, res.Err)
	assert.Equal(t, uint64(300), res.Samples)
	assert.Equal(t, uint64(1000), res.Requested)
	assert.False(t, res.Err.Terminal())
	assert.Len(t, r.Samples(), 300)
}

func TestScheduledReceiveTransferError(t *testing.T) {
	sim, r := newRxFixture(t, 400)
	sim.InjectRx(radio.RxFault{Code: radio.ErrOverflow, Message: "overflow on chain 0"})

	res := r.ScheduledReceive(context.Background(), WindowSpec{Samples: 100, Rate: 1e6}, time.Second)
	assert.Equal(t, TransferError, res.Err)
	assert.Equal(t, "overflow on chain 0", res.Detail)
	assert.True(t, res.Err.Fatal())

	err := streamError(res)
	var serr *StreamError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, RX, serr.Direction)
	assert.Contains(t, err.Error(), "overflow on chain 0")
}

func TestContinuousReceiveWindows(t *testing.T) {
	sim, r := newRxFixture(t, 300)
	ctx := context.Background()
	at := timespec.FromSeconds(1)
	require.NoError(t, r.StartContinuous(ctx, at, 1000))

	w := WindowSpec{Samples: 1000, Rate: 1e6, Start: at}
	for k := 0; k < 3; k++ {
		timeout := DefaultChunkTimeout
		if k == 0 {
			timeout = 2 * time.Second
		}
		res := r.ReceiveWindow(ctx, w, timeout)
		require.Equal(t, None, res.Err, "window %d: %s", k, res.Detail)
		assert.True(t, res.Start.ApproxEqual(w.Start, 1e-12), "window %d starts at %v", k, res.Start)
		w = w.Next()
	}
	require.NoError(t, r.Stop(ctx))

	cmds := sim.Commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, radio.StartContinuous, cmds[0].Mode)
	assert.False(t, cmds[0].StreamNow)
	assert.Equal(t, radio.StopContinuous, cmds[1].Mode)
}

func newTxFixture(t *testing.T, bufLen int) (*radio.Sim, *Transmitter) {
	t.Helper()
	sim := radio.NewSim(radio.SimConfig{})
	tx, err := sim.TxStream(radio.StreamArgs{Channels: []int{0}})
	require.NoError(t, err)
	return sim, NewTransmitter(tx, ConstantWaveform(bufLen, 0.3), quietLogger())
}

func TestConstantWaveform(t *testing.T) {
	buf := ConstantWaveform(4, 0.3)
	require.Len(t, buf, 4)
	for _, v := range buf {
		assert.Equal(t, complex(float32(0.3), float32(0.3)), v)
	}
}

func TestScheduledTransmitFlags(t *testing.T) {
	sim, tx := newTxFixture(t, 1000)
	at := timespec.FromSeconds(2)
	w := WindowSpec{Samples: 1000, Rate: 1e6, Start: at}

	res := tx.ScheduledTransmit(context.Background(), w, Starting, time.Second)
	require.True(t, res.OK(), res.Detail)
	assert.Equal(t, TX, res.Direction)
	assert.Equal(t, Starting, res.Frame)
	res = tx.ScheduledTransmit(context.Background(), w.Next(), Ending, DefaultChunkTimeout)
	require.True(t, res.OK(), res.Detail)
	assert.Equal(t, uint64(1), res.Index)

	sends := sim.Sends()
	require.Len(t, sends, 2)
	assert.True(t, sends[0].Metadata.StartOfBurst)
	assert.False(t, sends[0].Metadata.EndOfBurst)
	assert.True(t, sends[0].Metadata.HasTime)
	assert.True(t, sends[0].Metadata.Time.Equal(at))
	assert.False(t, sends[1].Metadata.StartOfBurst)
	assert.True(t, sends[1].Metadata.EndOfBurst)
}

func TestScheduledTransmitFaults(t *testing.T) {
	sim, tx := newTxFixture(t, 1000)
	w := WindowSpec{Samples: 1000, Rate: 1e6}

	sim.InjectTx(radio.TxFault{Sent: 10}, radio.TxFault{Err: errors.New("underflow")})
	res := tx.ScheduledTransmit(context.Background(), w, Continuing, time.Second)
	assert.Equal(t, PartialSend, res.Err)
	assert.Equal(t, uint64(10), res.Samples)

	res = tx.ScheduledTransmit(context.Background(), w, Continuing, time.Second)
	assert.Equal(t, TransferError, res.Err)
	assert.Equal(t, "underflow", res.Detail)

	res = tx.ScheduledTransmit(context.Background(), WindowSpec{Samples: 1001, Rate: 1e6}, Continuing, time.Second)
	assert.Equal(t, TransferError, res.Err)
	assert.Len(t, sim.Sends(), 1, "oversized window never reaches the device")
}
