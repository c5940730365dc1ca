package clock

import "time"

// Clock abstracts the time source so key rotation, token expiry and
// sliding-window accounting can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

func (RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// FakeClock is a manually advanced clock for tests.
type FakeClock struct {
	now time.Time
}

func NewFake(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (f *FakeClock) Now() time.Time {
	return f.now
}

func (f *FakeClock) Since(t time.Time) time.Duration {
	return f.now.Sub(t)
}

func (f *FakeClock) Advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *FakeClock) Set(t time.Time) {
	f.now = t
}
