// Package radio describes the device operations the TDD scheduler relies on:
// rate and clock control, timed sample streams and GPIO banks.
package radio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rjboer/tddstream/internal/timespec"
)

// ErrorCode is the receive status reported with each Recv call.
type ErrorCode int

const (
	ErrNone ErrorCode = iota
	ErrTimeout
	ErrLateCommand
	ErrBrokenChain
	ErrOverflow
	ErrAlignment
	ErrBadPacket
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNone:
		return "none"
	case ErrTimeout:
		return "timeout"
	case ErrLateCommand:
		return "late command"
	case ErrBrokenChain:
		return "broken chain"
	case ErrOverflow:
		return "overflow"
	case ErrAlignment:
		return "alignment"
	case ErrBadPacket:
		return "bad packet"
	default:
		return fmt.Sprintf("error code %d", int(c))
	}
}

// StreamMode selects how a receive stream command behaves.
type StreamMode int

const (
	StartContinuous StreamMode = iota
	StopContinuous
	NumSampsAndDone
	NumSampsAndMore
)

func (m StreamMode) String() string {
	switch m {
	case StartContinuous:
		return "start_continuous"
	case StopContinuous:
		return "stop_continuous"
	case NumSampsAndDone:
		return "num_samps_and_done"
	case NumSampsAndMore:
		return "num_samps_and_more"
	default:
		return "unknown"
	}
}

// StreamCommand is issued to an RX stream to start or stop sampling.
type StreamCommand struct {
	Mode      StreamMode
	NumSamps  uint64
	StreamNow bool
	Time      timespec.Time
}

// TxMetadata tags a Send call with burst framing and a start time.
type TxMetadata struct {
	StartOfBurst bool
	EndOfBurst   bool
	HasTime      bool
	Time         timespec.Time
}

// RxMetadata is filled by Recv.
type RxMetadata struct {
	ErrorCode ErrorCode
	Time      timespec.Time
	HasTime   bool
	// Message carries the device's diagnostic text for ErrorCode.
	Message string
}

// StreamArgs selects sample format and channels for a stream.
type StreamArgs struct {
	Format     string
	WireFormat string
	Channels   []int
}

// TxStream sends timed bursts.
type TxStream interface {
	MaxSamplesPerCall() int
	Channels() int
	Send(ctx context.Context, buffs [][]complex64, n int, md TxMetadata, timeout time.Duration) (int, error)
}

// RxStream receives samples scheduled by stream commands.
type RxStream interface {
	MaxSamplesPerCall() int
	Channels() int
	Recv(ctx context.Context, buffs [][]complex64, n int, md *RxMetadata, timeout time.Duration, onePacket bool) (int, error)
	IssueStreamCommand(ctx context.Context, cmd StreamCommand) error
}

// Device is a radio that exposes one clock shared by its RX and TX paths.
type Device interface {
	SetTxRate(rate float64) error
	TxRate() float64
	SetRxRate(rate float64) error
	RxRate() float64
	SetTimeNow(t timespec.Time) error
	TimeNow() timespec.Time
	TxChannels() int
	RxChannels() int
	TxStream(args StreamArgs) (TxStream, error)
	RxStream(args StreamArgs) (RxStream, error)
	GPIO
	String() string
	Close() error
}

// GPIO is the digital I/O surface of a device.
type GPIO interface {
	GPIOBanks(ch int) []string
	SetGPIOAttr(bank, attr string, value, mask uint32) error
	SetCommandTime(t timespec.Time) error
	ClearCommandTime() error
}

// ErrTimedCommandUnsupported is returned by GPIO backends that cannot defer
// a command to a device timestamp.
var ErrTimedCommandUnsupported = errors.New("timed commands not supported")

// DeviceConstructionError reports a device that could not be created from
// its address string.
type DeviceConstructionError struct {
	Args string
	Err  error
}

func (e *DeviceConstructionError) Error() string {
	return fmt.Sprintf("construct device %q: %v", e.Args, e.Err)
}

func (e *DeviceConstructionError) Unwrap() error { return e.Err }
