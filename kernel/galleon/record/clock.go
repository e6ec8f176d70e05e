package record

import "sync/atomic"

// Clock hands out record timestamps. Timestamps are a process-wide logical
// counter, never wall-clock time.
type Clock interface {
	Next() uint64
}

// CounterClock is a monotonic atomic counter starting after its seed.
type CounterClock struct {
	n uint64
}

func NewCounterClock(seed uint64) *CounterClock {
	return &CounterClock{n: seed}
}

func (c *CounterClock) Next() uint64 {
	return atomic.AddUint64(&c.n, 1)
}

// Current returns the last value handed out.
func (c *CounterClock) Current() uint64 {
	return atomic.LoadUint64(&c.n)
}

// DefaultClock is shared by every journal that is not given its own clock.
var DefaultClock Clock = NewCounterClock(0)
