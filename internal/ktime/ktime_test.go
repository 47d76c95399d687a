package ktime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockTicksMonotonically(t *testing.T) {
	c := NewClock(2 * time.Millisecond)
	defer c.Stop()
	start := c.Now()
	time.Sleep(30 * time.Millisecond)
	assert.Greater(t, c.Now(), start)
}

func TestRequestTickFiresAtTarget(t *testing.T) {
	c := NewClock(2 * time.Millisecond)
	defer c.Stop()
	target := c.Now() + 5
	select {
	case <-c.RequestTick(target):
	case <-time.After(time.Second):
		t.Fatal("request_tick never fired")
	}
	assert.GreaterOrEqual(t, c.Now(), target)
}

func TestTimerExpiry(t *testing.T) {
	c := NewClock(1 * time.Millisecond)
	defer c.Stop()
	var timer Timer
	timer.Reset(c, 20)
	assert.False(t, timer.IsExpired(c.Now()))
	time.Sleep(40 * time.Millisecond)
	assert.True(t, timer.IsExpired(c.Now()))
	expiry, armed := timer.GetExpiry()
	require.True(t, armed)
	assert.Greater(t, expiry, Tick(0))
}
