package tdd

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rjboer/tddstream/internal/dsp"
	"github.com/rjboer/tddstream/internal/logging"
	"github.com/rjboer/tddstream/internal/radio"
	"github.com/rjboer/tddstream/internal/rt"
	"github.com/rjboer/tddstream/internal/timespec"
)

// firstCallPadding is added to the wait for the scheduled start of the first
// blocking call of a loop.
const firstCallPadding = 100 * time.Millisecond

// Reporter receives every window result. It is called from both loops in
// concurrent mode.
type Reporter interface {
	ReportCycle(res CycleResult)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(CycleResult)

func (f ReporterFunc) ReportCycle(res CycleResult) { f(res) }

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger; nil keeps the process default.
func WithLogger(l logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithReporter adds a destination for window results.
func WithReporter(r Reporter) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.reporters = append(s.reporters, r)
		}
	}
}

// Scheduler runs a TDD session on one device.
type Scheduler struct {
	dev       radio.Device
	cfg       Config
	logger    logging.Logger
	reporters []Reporter

	rx         radio.RxStream
	tx         radio.TxStream
	rxRate     float64
	txRate     float64
	correlator *GPIOCorrelator
	ready      bool
}

// NewScheduler binds a session configuration to dev. Call Setup before Run.
func NewScheduler(dev radio.Device, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		dev:    dev,
		cfg:    cfg.withDefaults(),
		logger: logging.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logging.Subsystem("scheduler"))
	return s
}

// Setup validates the session against the device, programs sample rates,
// resets the device clock to zero and acquires both streams. A
// *ConfigurationError is returned before any device I/O.
func (s *Scheduler) Setup(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if err := ValidateChannels(s.cfg.Channels, s.dev.TxChannels(), s.dev.RxChannels()); err != nil {
		return err
	}

	s.logger.Info("setting TX rate", logging.F("msps", s.cfg.Rate/1e6))
	if err := s.dev.SetTxRate(s.cfg.Rate); err != nil {
		return fmt.Errorf("set TX rate: %w", err)
	}
	s.txRate = s.dev.TxRate()
	s.logger.Info("actual TX rate", logging.F("msps", s.txRate/1e6))

	s.logger.Info("setting RX rate", logging.F("msps", s.cfg.Rate/1e6))
	if err := s.dev.SetRxRate(s.cfg.Rate); err != nil {
		return fmt.Errorf("set RX rate: %w", err)
	}
	s.rxRate = s.dev.RxRate()
	s.logger.Info("actual RX rate", logging.F("msps", s.rxRate/1e6))

	s.logger.Info("setting device timestamp to 0")
	if err := s.dev.SetTimeNow(timespec.Zero); err != nil {
		return fmt.Errorf("set device time: %w", err)
	}

	args := radio.StreamArgs{Format: s.cfg.Format, WireFormat: s.cfg.WireFormat, Channels: s.cfg.Channels}
	tx, err := s.dev.TxStream(args)
	if err != nil {
		return fmt.Errorf("get TX stream: %w", err)
	}
	rx, err := s.dev.RxStream(args)
	if err != nil {
		return fmt.Errorf("get RX stream: %w", err)
	}
	s.tx, s.rx = tx, rx

	if s.cfg.GPIO.Bank != "" && s.cfg.Mode == Concurrent {
		c := NewGPIOCorrelator(s.dev, s.cfg.GPIO, s.logger)
		if err := c.Setup(); err != nil {
			return err
		}
		s.correlator = c
	}

	s.logger.Info("streams ready",
		logging.F("rx_max_samples", rx.MaxSamplesPerCall()),
		logging.F("tx_max_samples", tx.MaxSamplesPerCall()),
		logging.F("channels", s.cfg.Channels))
	s.ready = true
	return nil
}

// Run executes the configured topology until tok is cancelled, ctx is done,
// a loop hits a terminal condition, or MaxCycles windows were processed.
func (s *Scheduler) Run(ctx context.Context, tok *Canceler) error {
	switch s.cfg.Mode {
	case Strict:
		return s.RunStrict(ctx, tok)
	case Concurrent:
		return s.RunConcurrent(ctx, tok)
	default:
		return configErrorf("unsupported mode %v", s.cfg.Mode)
	}
}

// session is the immutable parameter set each loop receives by value.
type session struct {
	rxRate    float64
	txRate    float64
	rxSamples uint64
	txSamples uint64
	txAdvance uint64
	chunk     time.Duration
	ref       timespec.Time
	rxStart   timespec.Time
	txStart   timespec.Time
	cadence   int
	ampl      float32
	maxCycles uint64
	verbose   bool
	analyze   bool
	stopShort bool
	realtime  bool
}

func (s *Scheduler) newSession() session {
	now := s.dev.TimeNow()
	rxStart := now.Add(timespec.FromSeconds(s.cfg.LeadTime.Seconds()))
	return session{
		rxRate:    s.rxRate,
		txRate:    s.txRate,
		rxSamples: s.cfg.RxSamples,
		txSamples: s.cfg.TxSamples,
		txAdvance: s.cfg.TxAdvance,
		chunk:     s.cfg.ChunkTimeout,
		ref:       now,
		rxStart:   rxStart,
		txStart:   rxStart.Add(timespec.Delta(s.cfg.RxSamples, s.rxRate)),
		cadence:   s.cfg.Cadence,
		ampl:      s.cfg.Amplitude,
		maxCycles: s.cfg.MaxCycles,
		verbose:   s.cfg.Verbose,
		analyze:   s.cfg.Analyze,
		stopShort: s.cfg.StopOnShortRead,
		realtime:  s.cfg.Realtime,
	}
}

// firstTimeout bounds the first blocking call of a loop whose first window
// starts at at.
func (sess session) firstTimeout(at timespec.Time) time.Duration {
	wait := time.Duration(at.Sub(sess.ref).Seconds() * float64(time.Second))
	return max(wait, 0) + firstCallPadding
}

func (s *Scheduler) checkReady() error {
	if !s.ready {
		return fmt.Errorf("scheduler not set up")
	}
	return nil
}

// RunStrict alternates a scheduled receive window with a burst sent
// TxAdvance samples after the start of that window. The next receive window
// starts one transmit window later than the previous one.
func (s *Scheduler) RunStrict(ctx context.Context, tok *Canceler) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	stop := bindContext(ctx, tok)
	defer stop()

	sess := s.newSession()
	if sess.realtime {
		defer s.boost("strict")()
	}
	receiver := NewReceiver(s.rx, sess.chunk, s.logger)
	transmitter := NewTransmitter(s.tx, s.waveform(sess), s.logger)
	analyzer := sess.newAnalyzer()
	txDelta := timespec.Delta(sess.txSamples, sess.txRate)
	advance := timespec.Delta(sess.txAdvance, sess.rxRate)

	s.logger.Info("begin TDD streaming",
		logging.F("mode", Strict),
		logging.F("rx_samples", sess.rxSamples),
		logging.F("tx_samples", sess.txSamples),
		logging.F("rx_start", sess.rxStart))

	rxTimeout := sess.firstTimeout(sess.rxStart)
	txTimeout := sess.firstTimeout(sess.txStart)
	rxStart := sess.rxStart
	for cycle := uint64(0); !tok.Requested(); cycle++ {
		if sess.maxCycles > 0 && cycle >= sess.maxCycles {
			break
		}

		w := WindowSpec{Samples: sess.rxSamples, Rate: sess.rxRate, Start: rxStart}
		res := receiver.ScheduledReceive(ctx, w, rxTimeout)
		rxTimeout = sess.chunk
		s.annotate(&res, receiver, analyzer, sess)
		s.report(res, sess)

		switch res.Err {
		case Timeout:
			s.logger.Warn("receive timeout, stopping", logging.F("window", res.Index), logging.F("at", w.Start))
			return nil
		case TransferError:
			return streamError(res)
		case ShortRead:
			if sess.stopShort {
				s.logger.Warn("not all samples received, stopping", logging.F("window", res.Index))
				return nil
			}
		}

		txw := WindowSpec{Samples: sess.txSamples, Rate: sess.txRate, Start: res.Start.Add(advance)}
		tres := transmitter.ScheduledTransmit(ctx, txw, Single, txTimeout)
		txTimeout = sess.chunk
		s.report(tres, sess)
		if tres.Err == TransferError {
			return streamError(tres)
		}

		rxStart = rxStart.Add(txDelta)
	}
	s.logger.Info("TDD streaming done", logging.F("mode", Strict))
	return nil
}

// RunConcurrent runs the receive loop on the calling goroutine and the
// transmit loop on one worker. Both derive their schedules from the same
// reference time and do not synchronise per window. A fatal error in either
// loop cancels tok so the other one stops at its next iteration.
func (s *Scheduler) RunConcurrent(ctx context.Context, tok *Canceler) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	stop := bindContext(ctx, tok)
	defer stop()

	sess := s.newSession()
	waveform := s.waveform(sess)
	s.logger.Info("begin TDD streaming",
		logging.F("mode", Concurrent),
		logging.F("rx_samples", sess.rxSamples),
		logging.F("tx_samples", sess.txSamples),
		logging.F("rx_start", sess.rxStart),
		logging.F("tx_start", sess.txStart))

	var (
		wg    sync.WaitGroup
		txErr error
	)
	wg.Add(1)
	go func(sess session) {
		defer wg.Done()
		txErr = s.transmitLoop(ctx, tok, sess, waveform)
		if txErr != nil {
			tok.Cancel()
		}
	}(sess)

	rxErr := s.receiveLoop(ctx, tok, sess)
	if rxErr != nil {
		tok.Cancel()
	}
	wg.Wait()

	if rxErr != nil {
		return rxErr
	}
	if txErr != nil {
		return txErr
	}
	s.logger.Info("TDD streaming done", logging.F("mode", Concurrent))
	return nil
}

func (s *Scheduler) receiveLoop(ctx context.Context, tok *Canceler, sess session) (err error) {
	if sess.realtime {
		defer s.boost("rx")()
	}
	receiver := NewReceiver(s.rx, sess.chunk, s.logger)
	analyzer := sess.newAnalyzer()

	if err := receiver.StartContinuous(ctx, sess.rxStart, sess.rxSamples); err != nil {
		return &StreamError{Direction: RX, Detail: "start continuous streaming: " + err.Error()}
	}
	defer func() {
		// In-flight work is done; the stop command must reach the device even
		// when ctx is already cancelled.
		if serr := receiver.Stop(context.WithoutCancel(ctx)); serr != nil {
			s.logger.Error("stop continuous streaming failed", logging.F("err", serr))
			if err == nil {
				err = &StreamError{Direction: RX, Detail: "stop continuous streaming: " + serr.Error()}
			}
		}
	}()

	rxDelta := timespec.Delta(sess.rxSamples, sess.rxRate)
	timeout := sess.firstTimeout(sess.rxStart)
	for k := uint64(0); !tok.Requested(); k++ {
		if sess.maxCycles > 0 && k >= sess.maxCycles {
			return nil
		}
		w := WindowSpec{
			Samples: sess.rxSamples,
			Rate:    sess.rxRate,
			Start:   sess.rxStart.Add(rxDelta.Mul(int64(k))),
		}
		res := receiver.ReceiveWindow(ctx, w, timeout)
		timeout = sess.chunk
		s.annotate(&res, receiver, analyzer, sess)
		s.report(res, sess)

		switch res.Err {
		case Timeout:
			// The stream lost its slot; the TX schedule no longer lines up.
			s.logger.Warn("receive timeout, stopping", logging.F("window", res.Index), logging.F("received", res.Samples))
			tok.Cancel()
			return nil
		case TransferError:
			return streamError(res)
		}
	}
	return nil
}

func (s *Scheduler) transmitLoop(ctx context.Context, tok *Canceler, sess session, waveform []complex64) error {
	ctx, cancel := withCanceler(ctx, tok)
	defer cancel()

	transmitter := NewTransmitter(s.tx, waveform, s.logger)
	framer := NewBurstFramer(sess.txStart,
		timespec.Delta(sess.txSamples, sess.txRate),
		timespec.Delta(sess.rxSamples, sess.rxRate),
		sess.cadence)

	correlator := s.correlator
	if sess.realtime {
		defer s.boost("tx")()
	}

	timeout := sess.firstTimeout(sess.txStart)
	for !tok.Requested() {
		if sess.maxCycles > 0 && framer.Count() >= sess.maxCycles {
			return nil
		}
		frame := framer.Next()
		var (
			code    uint8
			gpioErr error
		)
		if correlator != nil {
			code, gpioErr = correlator.Mark(frame.Time)
		}

		w := WindowSpec{Samples: sess.txSamples, Rate: sess.txRate, Start: frame.Time}
		res := transmitter.ScheduledTransmit(ctx, w, frame.State, timeout)
		timeout = sess.chunk
		if res.Samples == 0 && tok.Requested() {
			// Stopped while the device had no room for the burst.
			return nil
		}
		res.GPIOCode = code
		if gpioErr != nil && res.Err == None {
			res.Err = GPIOTiming
			res.Detail = gpioErr.Error()
		}
		s.report(res, sess)

		if res.Err == TransferError {
			return streamError(res)
		}
	}
	return nil
}

// boost pins the calling goroutine to its thread and raises that thread's
// priority until the returned func runs. Failure only costs timing margin.
func (s *Scheduler) boost(loop string) (restore func()) {
	restore, err := rt.Boost(rt.DefaultNiceness)
	if err != nil {
		s.logger.Warn("unable to raise thread priority", logging.F("loop", loop), logging.F("err", err))
		return restore
	}
	s.logger.Debug("thread priority raised", logging.F("loop", loop))
	return restore
}

func (s *Scheduler) waveform(sess session) []complex64 {
	n := s.tx.MaxSamplesPerCall()
	if uint64(n) < sess.txSamples {
		n = int(sess.txSamples)
	}
	s.logger.Debug("tx buffer allocated", logging.F("samples", n), logging.F("ampl", sess.ampl))
	return ConstantWaveform(n, sess.ampl)
}

func (sess session) newAnalyzer() *dsp.Analyzer {
	if !sess.analyze {
		return nil
	}
	return dsp.NewAnalyzer(int(sess.rxSamples))
}

func (s *Scheduler) annotate(res *CycleResult, r *Receiver, a *dsp.Analyzer, sess session) {
	if a == nil || res.Samples == 0 {
		return
	}
	st := a.Analyze(r.Samples(), sess.rxRate)
	// JSON has no -Inf.
	res.PowerDBFS = math.Max(st.PowerDBFS, dsp.FloorDBFS)
	res.PeakHz = st.PeakHz
}

func (s *Scheduler) report(res CycleResult, sess session) {
	fields := []logging.Field{
		logging.F("window", res.Index),
		logging.F("samples", res.Samples),
		logging.F("full_secs", res.Start.Full),
		logging.F("frac_secs", res.Start.Frac),
	}
	if res.Direction == TX {
		fields = append(fields, logging.F("frame", res.Frame))
	}
	switch res.Err {
	case None:
		if sess.verbose {
			s.logger.Info(res.Direction.String()+" window", fields...)
		} else {
			s.logger.Debug(res.Direction.String()+" window", fields...)
		}
	case ShortRead, PartialSend, GPIOTiming:
		s.logger.Warn(res.Direction.String()+" "+res.Err.String(), append(fields, logging.F("detail", res.Detail))...)
	case TransferError:
		s.logger.Error(res.Direction.String()+" transfer error", append(fields, logging.F("detail", res.Detail))...)
	case Timeout:
		s.logger.Warn(res.Direction.String()+" timeout", append(fields, logging.F("detail", res.Detail))...)
	}
	for _, r := range s.reporters {
		r.ReportCycle(res)
	}
}
