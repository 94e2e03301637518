//go:build !linux

package carabiner

import "time"

var processStart = time.Now()

// MonotonicMicros approximates the platform monotonic clock using the
// process-local monotonic reading.
func MonotonicMicros() int64 {
	return time.Since(processStart).Microseconds()
}
