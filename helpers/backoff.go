package helpers

import (
	"time"
)

// Limited exponential backoff for reconnect attempts.
// Interval starts at Min, Failure() multiplies it by K up to Max,
// Reset() returns it to Min. Ready() reports whether Interval has
// elapsed since the last Failure/Reset/Attempt.
// Not safe for concurrent use, owner serializes access.
type Backoff struct {
	Clock Clock
	Min   time.Duration
	Max   time.Duration
	K     float32
	Res   time.Duration // interval resolution for nice logs, default=1ms

	interval time.Duration
	last     time.Time
}

func (b *Backoff) Interval() time.Duration {
	if b.interval == 0 {
		return b.limit(b.Min)
	}
	return b.interval
}

func (b *Backoff) Last() time.Time { return b.last }

// Failure increases interval and marks attempt time.
func (b *Backoff) Failure() {
	k := b.K
	if k < 1 {
		k = 2
	}
	next := time.Duration(float32(b.Interval()) * k)
	b.interval = b.limit(next)
	b.last = b.now()
}

func (b *Backoff) Reset() {
	b.interval = b.limit(b.Min)
	b.last = b.now()
}

// Attempt marks attempt time without changing interval.
func (b *Backoff) Attempt() { b.last = b.now() }

// Ready is true before any attempt and when Interval passed since last one.
func (b *Backoff) Ready() bool { return b.Remaining() == 0 }

func (b *Backoff) Remaining() time.Duration {
	if b.last.IsZero() {
		return 0
	}
	since := b.now().Sub(b.last)
	delay := b.Interval()
	if since >= delay {
		return 0
	}
	return b.round(delay - since)
}

func (b *Backoff) now() time.Time {
	if b.Clock == nil {
		return time.Now()
	}
	return b.Clock.Now()
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max != 0 && d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}
