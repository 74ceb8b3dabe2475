package sync

import (
	"sync"
	"time"
)

// VersionClock issues strictly increasing local versions. Versions are
// wall-clock milliseconds, bumped past the last issued value when the
// clock stalls or steps backwards, so two writes in the same millisecond
// still order deterministically.
type VersionClock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func NewVersionClock() *VersionClock {
	return &VersionClock{now: time.Now}
}

// Next returns the next local version.
func (c *VersionClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.now().UnixMilli()
	if v <= c.last {
		v = c.last + 1
	}
	c.last = v
	return v
}

// Observe advances the clock past an externally seen version, keeping
// later local writes ordered after state loaded from disk.
func (c *VersionClock) Observe(v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v > c.last {
		c.last = v
	}
}
