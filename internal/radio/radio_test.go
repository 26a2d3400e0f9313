package radio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/tddstream/internal/timespec"
)

func TestParseArgs(t *testing.T) {
	args, err := ParseArgs("type=sim, rx_channels=2,,flag")
	require.NoError(t, err)
	assert.Equal(t, "sim", args["type"])
	assert.Equal(t, "2", args["rx_channels"])
	_, ok := args["flag"]
	assert.True(t, ok)
	assert.Equal(t, "flag=,rx_channels=2,type=sim", args.String())

	_, err = ParseArgs("=oops")
	assert.Error(t, err)
}

func TestOpenSim(t *testing.T) {
	dev, err := Open(context.Background(), "type=sim,tx_channels=2,rx_channels=4,spp=500")
	require.NoError(t, err)
	defer dev.Close()
	assert.Equal(t, 2, dev.TxChannels())
	assert.Equal(t, 4, dev.RxChannels())
	rx, err := dev.RxStream(StreamArgs{Channels: []int{0, 3}})
	require.NoError(t, err)
	assert.Equal(t, 500, rx.MaxSamplesPerCall())
	assert.Equal(t, 2, rx.Channels())
}

func TestOpenConstructionErrors(t *testing.T) {
	for _, args := range []string{"", "type=usrp", "type=sim,rx_channels=x", "type=sim,tx_channels=0", "type=sim,gpio=parallel"} {
		_, err := Open(context.Background(), args)
		var cerr *DeviceConstructionError
		require.Error(t, err, args)
		assert.True(t, errors.As(err, &cerr), args)
		assert.Equal(t, args, cerr.Args)
	}
}

func TestSimScheduledReceive(t *testing.T) {
	sim := NewSim(SimConfig{SamplesPerPacket: 400})
	require.NoError(t, sim.SetRxRate(1e6))
	rx, err := sim.RxStream(StreamArgs{})
	require.NoError(t, err)

	at := timespec.FromSeconds(0.5)
	require.NoError(t, rx.IssueStreamCommand(context.Background(), StreamCommand{Mode: NumSampsAndDone, NumSamps: 1000, Time: at}))

	buf := [][]complex64{make([]complex64, 1000)}
	var md RxMetadata
	total := 0
	for i := 0; i < 3; i++ {
		n, err := rx.Recv(context.Background(), buf, 1000-total, &md, time.Second, true)
		require.NoError(t, err)
		require.Equal(t, ErrNone, md.ErrorCode)
		if i == 0 {
			assert.True(t, md.Time.Equal(at))
		}
		total += n
	}
	assert.Equal(t, 1000, total)
	assert.True(t, sim.TimeNow().ApproxEqual(at.Add(timespec.Delta(1000, 1e6)), 1e-12))

	_, err = rx.Recv(context.Background(), buf, 10, &md, time.Second, true)
	require.NoError(t, err)
	assert.Equal(t, ErrTimeout, md.ErrorCode)
}

func TestSimRecvTimesOutWhenCommandIsTooFar(t *testing.T) {
	sim := NewSim(SimConfig{})
	rx, _ := sim.RxStream(StreamArgs{})
	require.NoError(t, rx.IssueStreamCommand(context.Background(), StreamCommand{Mode: NumSampsAndDone, NumSamps: 10, Time: timespec.FromSeconds(5)}))
	var md RxMetadata
	n, err := rx.Recv(context.Background(), [][]complex64{make([]complex64, 10)}, 10, &md, time.Second, true)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, ErrTimeout, md.ErrorCode)
}

func TestSimContinuousAndFaults(t *testing.T) {
	sim := NewSim(SimConfig{SamplesPerPacket: 100})
	rx, _ := sim.RxStream(StreamArgs{})
	require.NoError(t, rx.IssueStreamCommand(context.Background(), StreamCommand{Mode: StartContinuous, Time: timespec.FromSeconds(0.1)}))
	sim.InjectRx(RxFault{Code: ErrOverflow, Message: "overflow"}, RxFault{Samples: 10})

	buf := [][]complex64{make([]complex64, 100)}
	var md RxMetadata
	n, _ := rx.Recv(context.Background(), buf, 100, &md, time.Second, true)
	assert.Zero(t, n)
	assert.Equal(t, ErrOverflow, md.ErrorCode)
	assert.Equal(t, "overflow", md.Message)

	n, _ = rx.Recv(context.Background(), buf, 100, &md, time.Second, true)
	assert.Equal(t, 10, n)
	n, _ = rx.Recv(context.Background(), buf, 100, &md, time.Second, true)
	assert.Equal(t, 100, n)

	require.NoError(t, rx.IssueStreamCommand(context.Background(), StreamCommand{Mode: StopContinuous}))
	rx.Recv(context.Background(), buf, 100, &md, time.Second, true)
	assert.Equal(t, ErrTimeout, md.ErrorCode)
	assert.Len(t, sim.Commands(), 2)
}

func TestSimSendRecordsMetadata(t *testing.T) {
	sim := NewSim(SimConfig{TxChannels: 2})
	tx, err := sim.TxStream(StreamArgs{Channels: []int{0, 1}})
	require.NoError(t, err)
	buf := make([]complex64, 50)
	md := TxMetadata{StartOfBurst: true, HasTime: true, Time: timespec.FromSeconds(1)}

	n, err := tx.Send(context.Background(), [][]complex64{buf, buf}, 50, md, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	sim.InjectTx(TxFault{Sent: 20}, TxFault{Err: errors.New("link down")})
	n, _ = tx.Send(context.Background(), [][]complex64{buf, buf}, 50, md, time.Second)
	assert.Equal(t, 20, n)
	_, err = tx.Send(context.Background(), [][]complex64{buf, buf}, 50, md, time.Second)
	assert.EqualError(t, err, "link down")

	sends := sim.Sends()
	require.Len(t, sends, 2)
	assert.True(t, sends[0].Metadata.StartOfBurst)
	assert.False(t, sends[0].Late)
	assert.Equal(t, 20, sends[1].Samples)

	_, err = tx.Send(context.Background(), [][]complex64{buf}, 50, md, time.Second)
	assert.Error(t, err)
}

func TestSimStreamChannelValidation(t *testing.T) {
	sim := NewSim(SimConfig{TxChannels: 1, RxChannels: 2})
	_, err := sim.TxStream(StreamArgs{Channels: []int{1}})
	assert.Error(t, err)
	_, err = sim.RxStream(StreamArgs{Channels: []int{1}})
	assert.NoError(t, err)
}

func TestSimGPIO(t *testing.T) {
	sim := NewSim(SimConfig{})
	assert.Equal(t, []string{"FP0"}, sim.GPIOBanks(0))

	require.NoError(t, sim.SetGPIOAttr("FP0", "OUT", 0xffff, 0x380))
	assert.Equal(t, uint32(0x380), sim.GPIOAttr("FP0", "OUT"))

	require.NoError(t, sim.SetCommandTime(timespec.FromSeconds(2)))
	require.NoError(t, sim.SetGPIOAttr("FP0", "OUT", 0x080, 0x380))
	require.NoError(t, sim.ClearCommandTime())
	assert.Equal(t, uint32(0x080), sim.GPIOAttr("FP0", "OUT"))

	writes := sim.GPIOWrites()
	require.Len(t, writes, 2)
	assert.False(t, writes[0].Timed)
	assert.True(t, writes[1].Timed)
	assert.True(t, writes[1].Time.Equal(timespec.FromSeconds(2)))

	assert.Error(t, sim.SetGPIOAttr("FP9", "OUT", 1, 1))

	sim.FailCommandTime(1)
	assert.ErrorIs(t, sim.SetCommandTime(timespec.Zero), ErrTimedCommandUnsupported)
	assert.NoError(t, sim.SetCommandTime(timespec.Zero))
}

func TestSimSendWaitsForQueueRoom(t *testing.T) {
	sim := NewSim(SimConfig{TxQueueDepth: 2})
	rx, _ := sim.RxStream(StreamArgs{})
	require.NoError(t, rx.IssueStreamCommand(context.Background(), StreamCommand{Mode: StartContinuous, Time: timespec.FromSeconds(1)}))
	tx, _ := sim.TxStream(StreamArgs{})
	buf := [][]complex64{make([]complex64, 100)}
	burst := func(secs float64) TxMetadata {
		return TxMetadata{StartOfBurst: true, EndOfBurst: true, HasTime: true, Time: timespec.FromSeconds(secs)}
	}

	for _, at := range []float64{1.0, 1.1} {
		n, err := tx.Send(context.Background(), buf, 100, burst(at), time.Second)
		require.NoError(t, err)
		assert.Equal(t, 100, n)
	}

	n, err := tx.Send(context.Background(), buf, 100, burst(1.2), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n, "full queue should time out")
	assert.Len(t, sim.Sends(), 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tx.Send(ctx, buf, 100, burst(1.2), time.Second)
	assert.ErrorIs(t, err, context.Canceled)

	done := make(chan int, 1)
	go func() {
		n, _ := tx.Send(context.Background(), buf, 100, burst(1.2), 5*time.Second)
		done <- n
	}()
	sim.Advance(timespec.FromSeconds(1.05))
	select {
	case n := <-done:
		assert.Equal(t, 100, n)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not resume after the clock moved")
	}
	assert.Len(t, sim.Sends(), 3)
}

func TestSimSendDrainsWithoutReceiveStream(t *testing.T) {
	sim := NewSim(SimConfig{TxQueueDepth: 2})
	tx, _ := sim.TxStream(StreamArgs{})
	buf := [][]complex64{make([]complex64, 1000)}
	for i := 0; i < 5; i++ {
		md := TxMetadata{HasTime: true, Time: timespec.FromSeconds(float64(i + 1))}
		n, err := tx.Send(context.Background(), buf, 1000, md, 0)
		require.NoError(t, err)
		assert.Equal(t, 1000, n)
	}
	// Three bursts had to play out to make room for the last two.
	assert.True(t, sim.TimeNow().ApproxEqual(timespec.FromSeconds(3.001), 1e-9), "clock at %v", sim.TimeNow())
	for _, snd := range sim.Sends() {
		assert.False(t, snd.Late)
	}
}

func TestSimRecordLimit(t *testing.T) {
	sim := NewSim(SimConfig{RecordLimit: 3})
	for i := uint32(0); i < 10; i++ {
		require.NoError(t, sim.SetGPIOAttr("FP0", "OUT", i, 0xff))
	}
	writes := sim.GPIOWrites()
	require.Len(t, writes, 3)
	assert.Equal(t, []uint32{7, 8, 9}, []uint32{writes[0].Value, writes[1].Value, writes[2].Value})
}

func TestOpenSimQueueDepth(t *testing.T) {
	dev, err := Open(context.Background(), "type=sim,tx_queue=1")
	require.NoError(t, err)
	sim := dev.(*Sim)
	assert.Equal(t, 1, sim.cfg.TxQueueDepth)
	_, err = Open(context.Background(), "type=sim,tx_queue=x")
	assert.Error(t, err)
}
