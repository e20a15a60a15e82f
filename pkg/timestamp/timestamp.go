// Package timestamp provides millisecond timestamps and the injectable clock
// used for timers throughout the runtime.
//
// int64 milliseconds since the Unix epoch (UTC) is the canonical stored
// format. A value of 0 means "not set".
package timestamp

import (
	"time"
)

// ToUnixMs converts t to Unix milliseconds; the zero time maps to 0.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Format renders ms as a UTC time of day for console output, or "" for 0.
func Format(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.TimeOnly)
}
