//go:build linux

package carabiner

import "golang.org/x/sys/unix"

// MonotonicMicros reads CLOCK_MONOTONIC, the timebase Ableton Link (and
// therefore Carabiner's when fields) uses on Linux.
func MonotonicMicros() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Sec*1_000_000 + ts.Nsec/1_000
}
