package queue

import "sync/atomic"

// Clock is a monotonic logical clock used to stamp operations on enqueue.
// Values order operations and drive merge decisions; they carry no wall-clock meaning.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next timestamp.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued timestamp.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
