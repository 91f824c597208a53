package domain

import (
	"sync"
	"time"
)

// Clock hands out strictly increasing UTC timestamps, so that CreatedAt and
// UpdatedAt order events even when the wall clock is coarse.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	// Source overrides time.Now, for tests.
	Source func() time.Time
}

// Now returns a timestamp strictly after every previous one from this clock.
func (c *Clock) Now() time.Time {
	src := c.Source
	if src == nil {
		src = time.Now
	}
	t := src().UTC().Round(0)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}
