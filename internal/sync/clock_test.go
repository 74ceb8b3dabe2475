package sync

import (
	"testing"
	"time"
)

func TestVersionClockStrictlyIncreasing(t *testing.T) {
	c := NewVersionClock()
	prev := int64(0)
	for i := 0; i < 1000; i++ {
		v := c.Next()
		if v <= prev {
			t.Fatalf("version %d not greater than previous %d", v, prev)
		}
		prev = v
	}
}

func TestVersionClockSurvivesBackwardsStep(t *testing.T) {
	base := time.Now()
	c := &VersionClock{now: func() time.Time { return base }}
	v1 := c.Next()
	c.now = func() time.Time { return base.Add(-time.Minute) }
	v2 := c.Next()
	if v2 <= v1 {
		t.Fatalf("clock step backwards produced non-increasing version: %d then %d", v1, v2)
	}
}

func TestVersionClockObserve(t *testing.T) {
	c := NewVersionClock()
	future := time.Now().Add(time.Hour).UnixMilli()
	c.Observe(future)
	if v := c.Next(); v <= future {
		t.Fatalf("expected version above observed %d, got %d", future, v)
	}
}
