package internal

import (
	"sync"
	"time"
)

// Clock abstracts wall-clock reads. Every manager that throttles or expires
// on elapsed time compares against an injected Clock, so tests can simulate
// the passage of time without real delays.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

// FrozenClock is a manually advanced clock for tests. Safe for concurrent
// use: background pollers read it while the test goroutine advances it.
type FrozenClock struct {
	mu sync.Mutex
	T  time.Time
}

func (f *FrozenClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.T
}

// Advance moves the frozen time forward by d.
func (f *FrozenClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.T = f.T.Add(d)
}
