// Package clock provides the RTC-vs-monotonic timestamp policy spec'd in
// §9 ("RTC vs monotonic clock"): prefer RTC when it looks valid (year >=
// 2024), otherwise fall back to a monotonic millisecond counter. It is
// injectable so tests can freeze or drive time explicitly instead of
// racing the wall clock.
package clock

import "time"

// Clock is the seam every timestamped operation (Observations, retry-queue
// created_at/expires_at, WAL entries) reads through instead of calling
// time.Now directly.
type Clock interface {
	Now() time.Time
	// RTCValid reports whether the underlying real-time clock is trusted
	// (year >= 2024). When false, Now() still returns a time.Time, but
	// callers that must distinguish "RTC-backed" from "monotonic fallback"
	// (boot-time expiry decisions in C3, §4.3) check this first.
	RTCValid() bool
}

// System is the production Clock: time.Now(), with RTC validity derived
// from whether the wall clock looks sane. On the target hardware an
// invalid RTC reads back close to the Unix epoch; on a dev host the
// system clock is always trusted.
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) RTCValid() bool {
	return time.Now().Year() >= 2024
}

// Frozen is a test Clock that always returns a fixed instant, advanced
// explicitly by calling Advance.
type Frozen struct {
	t     time.Time
	valid bool
}

func NewFrozen(t time.Time) *Frozen {
	return &Frozen{t: t, valid: true}
}

func (f *Frozen) Now() time.Time    { return f.t }
func (f *Frozen) RTCValid() bool    { return f.valid }
func (f *Frozen) Advance(d time.Duration) { f.t = f.t.Add(d) }
func (f *Frozen) SetRTCValid(v bool)      { f.valid = v }

// FormatObservation renders the teacher's "DD/MM/YYYY HH:MM:SS" default-mode
// timestamp (spec §4.7); customize-mode payloads may use millis instead,
// handled by the caller.
func FormatObservation(t time.Time) string {
	return t.Format("02/01/2006 15:04:05")
}
