package helpers

import (
	"sync"
	"time"
)

// Clock is the time source for every bounded wait and poll loop.
// Production code uses SystemClock, tests use MockClock so that
// 30 second warm-ups and registration polls complete instantly.
type Clock interface {
	Now() time.Time
	Sleep(time.Duration)
}

type SystemClock struct{}

func (SystemClock) Now() time.Time        { return time.Now() }
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }

// MockClock is virtual time. Sleep advances it without blocking.
type MockClock struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
	// OnSleep runs after virtual time advanced, with the lock released.
	OnSleep func(d time.Duration)
}

func NewMockClock(start time.Time) *MockClock {
	if start.IsZero() {
		start = time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)
	}
	return &MockClock{now: start}
}

func (self *MockClock) Now() time.Time {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.now
}

func (self *MockClock) Sleep(d time.Duration) {
	self.Advance(d)
	self.mu.Lock()
	self.slept += d
	fun := self.OnSleep
	self.mu.Unlock()
	if fun != nil {
		fun(d)
	}
}

func (self *MockClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	self.mu.Lock()
	self.now = self.now.Add(d)
	self.mu.Unlock()
}

// Slept is total duration passed to Sleep.
func (self *MockClock) Slept() time.Duration {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.slept
}
