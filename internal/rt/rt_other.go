//go:build !linux

package rt

import (
	"errors"
	"runtime"
)

// ErrUnsupported is returned where thread priorities cannot be changed.
var ErrUnsupported = errors.New("thread priority not supported on " + runtime.GOOS)

// Boost is a no-op outside Linux.
func Boost(int) (restore func(), err error) {
	return func() {}, ErrUnsupported
}
