package tdd

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects the scheduling topology.
type Mode int

const (
	// Concurrent runs the receive and transmit loops on separate goroutines.
	Concurrent Mode = iota
	// Strict alternates one receive window and one transmit burst.
	Strict
)

func (m Mode) String() string {
	switch m {
	case Strict:
		return "strict"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// ParseMode converts a string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict", "v1":
		return Strict, nil
	case "concurrent", "v2", "":
		return Concurrent, nil
	default:
		return Mode(0), fmt.Errorf("unsupported scheduling mode %q", s)
	}
}

// Config carries the session parameters.
type Config struct {
	Mode       Mode
	Channels   []int
	Format     string
	WireFormat string

	Rate      float64
	RxSamples uint64
	TxSamples uint64
	// TxAdvance is the distance, in samples, between the start of a received
	// window and the burst sent in reply (strict mode).
	TxAdvance uint64
	LeadTime  time.Duration
	Amplitude float32

	// Cadence is the number of windows per transmit burst (concurrent mode).
	Cadence int
	// GPIO is disabled when GPIO.Bank is empty.
	GPIO GPIOConfig

	ChunkTimeout    time.Duration
	StopOnShortRead bool
	// MaxCycles bounds each loop; zero runs until cancelled.
	MaxCycles uint64
	// Verbose logs every window at Info level.
	Verbose bool
	// Analyze computes power and spectral peak of received windows.
	Analyze bool
	// Realtime raises the thread priority of the streaming loops.
	Realtime bool
}

// DefaultConfig mirrors the command line defaults.
func DefaultConfig() Config {
	return Config{
		Mode:         Concurrent,
		Channels:     []int{0},
		Format:       "fc32",
		Rate:         100e6 / 16,
		RxSamples:    10000,
		TxSamples:    10000,
		TxAdvance:    10000,
		LeadTime:     1500 * time.Millisecond,
		Amplitude:    0.3,
		Cadence:      10,
		GPIO:         DefaultGPIOConfig(),
		ChunkTimeout: DefaultChunkTimeout,
		Verbose:      true,
	}
}

// Validate checks the parameters that do not depend on the device.
func (c Config) Validate() error {
	if c.Rate <= 0 {
		return configErrorf("sample rate must be positive, got %g", c.Rate)
	}
	if c.RxSamples == 0 || c.TxSamples == 0 {
		return configErrorf("window sizes must be positive (rx=%d tx=%d)", c.RxSamples, c.TxSamples)
	}
	if c.LeadTime < 0 {
		return configErrorf("lead time must not be negative, got %v", c.LeadTime)
	}
	if c.Cadence < 0 {
		return configErrorf("cadence must not be negative, got %d", c.Cadence)
	}
	if c.Amplitude < 0 || c.Amplitude > 1 {
		return configErrorf("amplitude must be within [0,1], got %g", c.Amplitude)
	}
	if len(c.Channels) == 0 {
		return configErrorf("no channels selected")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = DefaultChunkTimeout
	}
	if c.Format == "" {
		c.Format = "fc32"
	}
	if c.GPIO.Bank != "" && c.GPIO.Mask == 0 {
		c.GPIO.Mask = 0x7 << c.GPIO.Shift
	}
	return c
}
