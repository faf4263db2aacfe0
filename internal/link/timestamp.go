package link

import (
	"sync"

	"github.com/benbjohnson/clock"
)

// Allocator hands out strictly increasing millisecond timestamps. A stalled or
// rewound clock advances the last value by one instead of repeating it.
type Allocator struct {
	mu    sync.Mutex
	clock clock.Clock
	last  int64
}

func NewAllocator(clk clock.Clock) *Allocator {
	if clk == nil {
		clk = clock.New()
	}
	return &Allocator{clock: clk}
}

func (a *Allocator) Next() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ts := a.clock.Now().UnixMilli()
	if ts <= a.last {
		ts = a.last + 1
	}
	a.last = ts
	return ts
}

// Now returns the wall clock in milliseconds without reserving a value.
func (a *Allocator) Now() int64 {
	return a.clock.Now().UnixMilli()
}
