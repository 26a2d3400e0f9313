//go:build linux

package rt

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Boost locks the calling goroutine to its OS thread and sets that thread's
// nice value. The returned restore func puts the old value back and unlocks
// the thread; it is never nil, even when err is not.
func Boost(niceness int) (restore func(), err error) {
	runtime.LockOSThread()
	tid := unix.Gettid()

	// The raw syscall reports 20-nice.
	prev, err := unix.Getpriority(unix.PRIO_PROCESS, tid)
	if err != nil {
		return runtime.UnlockOSThread, fmt.Errorf("get priority of thread %d: %w", tid, err)
	}
	prevNice := 20 - prev
	if err := unix.Setpriority(unix.PRIO_PROCESS, tid, niceness); err != nil {
		return runtime.UnlockOSThread, fmt.Errorf("set nice %d on thread %d: %w", niceness, tid, err)
	}
	return func() {
		_ = unix.Setpriority(unix.PRIO_PROCESS, tid, prevNice)
		runtime.UnlockOSThread()
	}, nil
}
