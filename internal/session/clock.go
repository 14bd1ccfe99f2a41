// Package session holds the protocol-independent core of the gateway
// session layer: session identity, durable sequence state, the outbound
// publication contract, the application handler contract, and the shared
// error taxonomy. Protocol-specific state machines live in internal/fixp
// and internal/ilink3.
package session

import "time"

// Clock is the injectable monotonic millisecond clock used by every
// deadline in the session layer. Sessions never call time.Now directly;
// the framer samples the clock once per poll cycle and passes the value
// down, which keeps all timers testable and all deadlines consistent
// within a cycle.
type Clock interface {
	// NowMillis returns the current time in milliseconds. The only
	// requirement is monotonic non-decreasing behavior between calls.
	NowMillis() int64
}

// SystemClock is the production Clock backed by the wall clock.
type SystemClock struct{}

// NowMillis returns the wall-clock time in Unix milliseconds.
func (SystemClock) NowMillis() int64 { return time.Now().UnixMilli() }
