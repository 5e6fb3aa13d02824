// Package clock converts capture timestamps into the container's 90 kHz
// clock and resolves container clock values into presentation timestamps
// against a per-session reference that never moves backwards.
package clock

import "time"

// Rate is the container clock frequency in Hz.
const Rate = 90000

// FromReferenceTime converts a 100 ns capture timestamp into 90 kHz ticks.
// Non-positive inputs yield 0, the "unknown" clock value.
func FromReferenceTime(rt int64) uint64 {
	if rt <= 0 {
		return 0
	}
	return uint64(rt)/1000*9 + uint64(rt)%1000*9/1000
}

// SampleClock picks the clock value for a sample: the source-reported
// timestamp when present, otherwise the locally recorded capture time.
func SampleClock(sourcePTS, captured int64) uint64 {
	if sourcePTS > 0 {
		return FromReferenceTime(sourcePTS)
	}
	return FromReferenceTime(captured)
}

// ToMicros converts 90 kHz ticks into microseconds.
func ToMicros(ticks uint64) int64 {
	const maxTicks = (1<<63 - 1) / 100 * 9
	if ticks > maxTicks {
		return 1<<63 - 1
	}
	return int64(ticks/9*100 + ticks%9*100/9)
}

// Sync is the session clock domain on the demux side. It holds one
// monotonically advancing reference shared by every stream of a session.
// Sync is not safe for concurrent use.
type Sync struct {
	ref    int64
	hasRef bool
	delay  int64
}

// NewSync returns a Sync that adds delay to every resolved timestamp.
func NewSync(delay time.Duration) *Sync {
	if delay < 0 {
		delay = 0
	}
	return &Sync{delay: delay.Microseconds()}
}

// Resolve maps a raw 90 kHz clock value to a presentation timestamp in
// microseconds. A zero raw value is unknown and leaves the reference
// untouched. Values behind the reference are clamped forward to it.
func (s *Sync) Resolve(raw uint64) (pts int64, ok bool) {
	if raw == 0 {
		return 0, false
	}
	ts := ToMicros(raw)
	if s.hasRef && ts < s.ref {
		ts = s.ref
	}
	s.ref = ts
	s.hasRef = true
	return ts + s.delay, true
}

// Reference returns the current reference in microseconds, excluding the
// configured delay.
func (s *Sync) Reference() (int64, bool) {
	return s.ref, s.hasRef
}

// Delay returns the configured presentation delay.
func (s *Sync) Delay() time.Duration {
	return time.Duration(s.delay) * time.Microsecond
}
