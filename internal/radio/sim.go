package radio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rjboer/tddstream/internal/timespec"
)

// SimConfig describes a simulated device.
type SimConfig struct {
	TxChannels int
	RxChannels int
	// SamplesPerPacket bounds every Recv call, like a transport packet size.
	SamplesPerPacket int
	GPIOBanks        []string
	// ToneHz is the offset of the tone written into received samples.
	ToneHz float64
	// TxQueueDepth is how many timed bursts the device buffers ahead of its
	// clock before Send blocks.
	TxQueueDepth int
	// RecordLimit bounds the commands, sends and GPIO writes kept for
	// inspection. Older records are dropped first.
	RecordLimit int
}

const (
	defaultTxQueueDepth = 32
	defaultRecordLimit  = 4096
)

var errTxQueueFull = errors.New("tx queue full")

// RxFault replaces the outcome of the next Recv call.
type RxFault struct {
	Code    ErrorCode
	Samples int
	Message string
}

// TxFault replaces the outcome of the next Send call.
type TxFault struct {
	Sent int
	Err  error
}

// TxRecord is one Send call observed by the simulator.
type TxRecord struct {
	Samples   int
	Requested int
	Metadata  TxMetadata
	// Late is set when the burst was scheduled before the device clock.
	Late bool
}

// GPIOWrite is one SetGPIOAttr call observed by the simulator.
type GPIOWrite struct {
	Bank  string
	Attr  string
	Value uint32
	Mask  uint32
	Timed bool
	Time  timespec.Time
}

// Sim is an in-memory device with a virtual clock. The clock only moves when
// samples are received, so scheduling runs deterministically and as fast as
// the host allows. While no receive stream is active the clock runs freely,
// jumping ahead whenever a transmit burst has to leave the queue.
type Sim struct {
	mu   sync.Mutex
	cond *sync.Cond
	cfg  SimConfig

	txRate float64
	rxRate float64
	now    timespec.Time

	cmdTime  timespec.Time
	cmdTimed bool
	gpio     map[string]uint32

	pending    []StreamCommand
	delivered  uint64
	continuous bool
	cursor     timespec.Time

	rxFaults         []RxFault
	txFaults         []TxFault
	failCommandTimes int

	// txQueue holds the end times of bursts not yet played out.
	txQueue []timespec.Time

	commands []StreamCommand
	sends    []TxRecord
	writes   []GPIOWrite
	closed   bool
}

// NewSim builds a simulated device, defaulting to one channel per direction.
func NewSim(cfg SimConfig) *Sim {
	if cfg.TxChannels <= 0 {
		cfg.TxChannels = 1
	}
	if cfg.RxChannels <= 0 {
		cfg.RxChannels = 1
	}
	if cfg.SamplesPerPacket <= 0 {
		cfg.SamplesPerPacket = 2000
	}
	if len(cfg.GPIOBanks) == 0 {
		cfg.GPIOBanks = []string{"FP0"}
	}
	if cfg.TxQueueDepth <= 0 {
		cfg.TxQueueDepth = defaultTxQueueDepth
	}
	if cfg.RecordLimit <= 0 {
		cfg.RecordLimit = defaultRecordLimit
	}
	s := &Sim{
		cfg:    cfg,
		txRate: 1e6,
		rxRate: 1e6,
		gpio:   make(map[string]uint32),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Sim) String() string {
	return fmt.Sprintf("sim (%d TX, %d RX channels, %d spp)", s.cfg.TxChannels, s.cfg.RxChannels, s.cfg.SamplesPerPacket)
}

func (s *Sim) SetTxRate(rate float64) error {
	if rate <= 0 {
		return fmt.Errorf("invalid TX rate %g", rate)
	}
	s.mu.Lock()
	s.txRate = rate
	s.mu.Unlock()
	return nil
}

func (s *Sim) TxRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txRate
}

func (s *Sim) SetRxRate(rate float64) error {
	if rate <= 0 {
		return fmt.Errorf("invalid RX rate %g", rate)
	}
	s.mu.Lock()
	s.rxRate = rate
	s.mu.Unlock()
	return nil
}

func (s *Sim) RxRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rxRate
}

func (s *Sim) SetTimeNow(t timespec.Time) error {
	s.mu.Lock()
	s.now = t
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

func (s *Sim) TimeNow() timespec.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the virtual clock forward by d.
func (s *Sim) Advance(d timespec.Time) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Sim) TxChannels() int { return s.cfg.TxChannels }
func (s *Sim) RxChannels() int { return s.cfg.RxChannels }

func (s *Sim) checkChannels(args StreamArgs, limit int) error {
	for _, ch := range args.Channels {
		if ch < 0 || ch >= limit {
			return fmt.Errorf("channel %d out of range (%d available)", ch, limit)
		}
	}
	return nil
}

func streamWidth(args StreamArgs) int {
	if len(args.Channels) == 0 {
		return 1
	}
	return len(args.Channels)
}

func (s *Sim) TxStream(args StreamArgs) (TxStream, error) {
	if err := s.checkChannels(args, s.cfg.TxChannels); err != nil {
		return nil, err
	}
	return &simTx{sim: s, channels: streamWidth(args)}, nil
}

func (s *Sim) RxStream(args StreamArgs) (RxStream, error) {
	if err := s.checkChannels(args, s.cfg.RxChannels); err != nil {
		return nil, err
	}
	return &simRx{sim: s, channels: streamWidth(args)}, nil
}

func (s *Sim) GPIOBanks(int) []string {
	return append([]string(nil), s.cfg.GPIOBanks...)
}

func (s *Sim) SetGPIOAttr(bank, attr string, value, mask uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	known := false
	for _, b := range s.cfg.GPIOBanks {
		if b == bank {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown GPIO bank %q", bank)
	}
	key := bank + "/" + attr
	s.gpio[key] = (s.gpio[key] &^ mask) | (value & mask)
	w := GPIOWrite{Bank: bank, Attr: attr, Value: value, Mask: mask, Timed: s.cmdTimed, Time: s.now}
	if s.cmdTimed {
		w.Time = s.cmdTime
	}
	s.writes = keepRecent(append(s.writes, w), s.cfg.RecordLimit)
	return nil
}

// GPIOAttr returns the current register value of bank/attr.
func (s *Sim) GPIOAttr(bank, attr string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gpio[bank+"/"+attr]
}

func (s *Sim) SetCommandTime(t timespec.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCommandTimes > 0 {
		s.failCommandTimes--
		return ErrTimedCommandUnsupported
	}
	s.cmdTime = t
	s.cmdTimed = true
	return nil
}

func (s *Sim) ClearCommandTime() error {
	s.mu.Lock()
	s.cmdTimed = false
	s.cmdTime = timespec.Time{}
	s.mu.Unlock()
	return nil
}

// InjectRx queues faults consumed by the next Recv calls, in order.
func (s *Sim) InjectRx(faults ...RxFault) {
	s.mu.Lock()
	s.rxFaults = append(s.rxFaults, faults...)
	s.mu.Unlock()
}

// InjectTx queues faults consumed by the next Send calls, in order.
func (s *Sim) InjectTx(faults ...TxFault) {
	s.mu.Lock()
	s.txFaults = append(s.txFaults, faults...)
	s.mu.Unlock()
}

// FailCommandTime makes the next n SetCommandTime calls fail.
func (s *Sim) FailCommandTime(n int) {
	s.mu.Lock()
	s.failCommandTimes = n
	s.mu.Unlock()
}

// Commands returns the most recent stream commands, oldest first.
func (s *Sim) Commands() []StreamCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StreamCommand(nil), recent(s.commands, s.cfg.RecordLimit)...)
}

// Sends returns the most recent accepted Send calls, oldest first.
func (s *Sim) Sends() []TxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TxRecord(nil), recent(s.sends, s.cfg.RecordLimit)...)
}

// GPIOWrites returns the most recent GPIO attribute writes, oldest first.
func (s *Sim) GPIOWrites() []GPIOWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]GPIOWrite(nil), recent(s.writes, s.cfg.RecordLimit)...)
}

func (s *Sim) Close() error {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (s *Sim) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type simRx struct {
	sim      *Sim
	channels int
}

func (r *simRx) MaxSamplesPerCall() int { return r.sim.cfg.SamplesPerPacket }
func (r *simRx) Channels() int          { return r.channels }

func (r *simRx) IssueStreamCommand(_ context.Context, cmd StreamCommand) error {
	s := r.sim
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = keepRecent(append(s.commands, cmd), s.cfg.RecordLimit)
	defer s.cond.Broadcast()
	start := cmd.Time
	if cmd.StreamNow {
		start = s.now
	}
	switch cmd.Mode {
	case StartContinuous:
		s.continuous = true
		s.cursor = start
	case StopContinuous:
		s.continuous = false
		s.pending = nil
		s.delivered = 0
	case NumSampsAndDone, NumSampsAndMore:
		cmd.Time = start
		s.pending = append(s.pending, cmd)
	default:
		return fmt.Errorf("unsupported stream mode %v", cmd.Mode)
	}
	return nil
}

func (r *simRx) Recv(_ context.Context, buffs [][]complex64, n int, md *RxMetadata, timeout time.Duration, onePacket bool) (int, error) {
	s := r.sim
	s.mu.Lock()
	defer s.mu.Unlock()

	*md = RxMetadata{}
	if n <= 0 {
		return 0, nil
	}
	limit := n
	if onePacket && limit > s.cfg.SamplesPerPacket {
		limit = s.cfg.SamplesPerPacket
	}
	for _, b := range buffs {
		if len(b) < limit {
			limit = len(b)
		}
	}

	var fault *RxFault
	if len(s.rxFaults) > 0 {
		f := s.rxFaults[0]
		s.rxFaults = s.rxFaults[1:]
		if f.Code != ErrNone {
			md.ErrorCode = f.Code
			md.Message = f.Message
			if md.Message == "" {
				md.Message = f.Code.String()
			}
			return 0, nil
		}
		fault = &f
	}

	var (
		start timespec.Time
		count int
	)
	switch {
	case len(s.pending) > 0:
		cmd := &s.pending[0]
		start = cmd.Time.Add(timespec.Delta(s.delivered, s.rxRate))
		if start.Sub(s.now).Seconds() > timeout.Seconds() {
			md.ErrorCode = ErrTimeout
			md.Message = "timeout waiting for scheduled samples"
			return 0, nil
		}
		count = min(limit, int(cmd.NumSamps-s.delivered))
		if fault != nil {
			// A short packet ends the burst early, as a device dropping the tail would.
			count = min(count, fault.Samples)
			s.delivered = cmd.NumSamps
		} else {
			s.delivered += uint64(count)
		}
		if s.delivered >= cmd.NumSamps {
			s.pending = s.pending[1:]
			s.delivered = 0
		}
	case s.continuous:
		start = s.cursor
		if start.Sub(s.now).Seconds() > timeout.Seconds() {
			md.ErrorCode = ErrTimeout
			md.Message = "timeout waiting for streaming start"
			return 0, nil
		}
		count = limit
		if fault != nil {
			count = min(count, fault.Samples)
		}
		s.cursor = s.cursor.Add(timespec.Delta(limit, s.rxRate))
	default:
		md.ErrorCode = ErrTimeout
		md.Message = "no stream command pending"
		return 0, nil
	}

	phaseStep := 2 * math.Pi * s.cfg.ToneHz / s.rxRate
	for _, b := range buffs {
		for i := 0; i < count; i++ {
			ph := phaseStep * float64(i)
			b[i] = complex(float32(0.5*math.Cos(ph)), float32(0.5*math.Sin(ph)))
		}
	}
	md.Time = start
	md.HasTime = true
	end := start.Add(timespec.Delta(count, s.rxRate))
	if end.After(s.now) {
		s.now = end
		s.cond.Broadcast()
	}
	return count, nil
}

type simTx struct {
	sim      *Sim
	channels int
}

func (t *simTx) MaxSamplesPerCall() int { return t.sim.cfg.SamplesPerPacket }
func (t *simTx) Channels() int          { return t.channels }

// Send queues a burst. Timed bursts occupy the device queue until the clock
// passes their end; when the queue is full Send waits up to timeout for room
// and then returns 0 samples sent.
func (t *simTx) Send(ctx context.Context, buffs [][]complex64, n int, md TxMetadata, timeout time.Duration) (int, error) {
	s := t.sim
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(buffs) != t.channels {
		return 0, fmt.Errorf("send: %d buffers for %d channels", len(buffs), t.channels)
	}
	for _, b := range buffs {
		if len(b) < n {
			return 0, fmt.Errorf("send: buffer holds %d of %d samples", len(b), n)
		}
	}
	if md.HasTime {
		switch err := s.waitTxRoom(ctx, timeout); {
		case errors.Is(err, errTxQueueFull):
			return 0, nil
		case err != nil:
			return 0, err
		}
	}
	sent := n
	if len(s.txFaults) > 0 {
		f := s.txFaults[0]
		s.txFaults = s.txFaults[1:]
		if f.Err != nil {
			return 0, f.Err
		}
		sent = min(f.Sent, n)
	}
	if md.HasTime {
		if end := md.Time.Add(timespec.Delta(sent, s.txRate)); end.After(s.now) {
			s.txQueue = append(s.txQueue, end)
		}
	}
	s.sends = keepRecent(append(s.sends, TxRecord{
		Samples:   sent,
		Requested: n,
		Metadata:  md,
		Late:      md.HasTime && md.Time.Before(s.now),
	}), s.cfg.RecordLimit)
	return sent, nil
}

// rxActive reports whether a receive stream is driving the clock.
func (s *Sim) rxActive() bool {
	return s.continuous || len(s.pending) > 0
}

// drainTx drops bursts the clock has played out.
func (s *Sim) drainTx() {
	i := 0
	for i < len(s.txQueue) && !s.txQueue[i].After(s.now) {
		i++
	}
	s.txQueue = s.txQueue[i:]
}

// waitTxRoom blocks with s.mu held until the transmit queue has room. With no
// receive stream running the clock jumps to the end of the oldest burst.
func (s *Sim) waitTxRoom(ctx context.Context, timeout time.Duration) error {
	s.drainTx()
	if len(s.txQueue) < s.cfg.TxQueueDepth {
		return nil
	}
	expired := false
	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		expired = true
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	for {
		s.drainTx()
		if len(s.txQueue) < s.cfg.TxQueueDepth {
			return nil
		}
		if !s.rxActive() || s.closed {
			s.now = s.txQueue[0]
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if expired {
			return errTxQueueFull
		}
		s.cond.Wait()
	}
}

// keepRecent trims records once they reach twice limit, so appends stay
// amortised O(1).
func keepRecent[T any](records []T, limit int) []T {
	if len(records) < 2*limit {
		return records
	}
	return append(records[:0], records[len(records)-limit:]...)
}

func recent[T any](records []T, limit int) []T {
	if len(records) > limit {
		return records[len(records)-limit:]
	}
	return records
}
