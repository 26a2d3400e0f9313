package tdd

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the outcome of one RX or TX window.
type ErrorKind int

const (
	None ErrorKind = iota
	// Timeout means no data arrived in time: the device missed its slot.
	Timeout
	// TransferError is any other device-reported fault.
	TransferError
	// ShortRead is a receive window that ended with fewer samples than requested.
	ShortRead
	// PartialSend is a burst the device accepted only in part.
	PartialSend
	// GPIOTiming is a GPIO code that could not be tied to the burst time.
	GPIOTiming
)

func (k ErrorKind) String() string {
	switch k {
	case None:
		return "none"
	case Timeout:
		return "timeout"
	case TransferError:
		return "transfer_error"
	case ShortRead:
		return "short_read"
	case PartialSend:
		return "partial_send"
	case GPIOTiming:
		return "gpio_timing"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText lets telemetry encode kinds by name.
func (k ErrorKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *ErrorKind) UnmarshalText(text []byte) error {
	for c := None; c <= GPIOTiming; c++ {
		if c.String() == string(text) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", text)
}

// Fatal reports whether the kind aborts the session with an error.
func (k ErrorKind) Fatal() bool { return k == TransferError }

// Terminal reports whether the kind ends the loop that observed it.
func (k ErrorKind) Terminal() bool { return k == Timeout || k == TransferError }

// ConfigurationError rejects a session before any streaming starts.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return "configuration error: " + e.Reason }

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// IsConfigurationError reports whether err wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var cerr *ConfigurationError
	return errors.As(err, &cerr)
}

// StreamError is the fatal error returned by a loop that saw a TransferError.
type StreamError struct {
	Direction Direction
	Cycle     uint64
	Detail    string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s transfer error in cycle %d: %s", e.Direction, e.Cycle, e.Detail)
}

func streamError(res CycleResult) error {
	return &StreamError{Direction: res.Direction, Cycle: res.Index, Detail: res.Detail}
}
