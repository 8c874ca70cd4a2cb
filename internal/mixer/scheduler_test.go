package mixer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSchedulerOneTimerPerSession(t *testing.T) {
	clock := newFakeClock()
	s := NewRetryScheduler(clock)

	fired := 0
	s.Schedule("a", 10*time.Second, func() { fired++ })
	s.Schedule("a", 10*time.Second, func() { fired += 10 })
	require.True(t, s.Pending("a"))

	clock.Advance(10 * time.Second)
	require.Equal(t, 10, fired, "rescheduling replaces the pending tick")
	require.False(t, s.Pending("a"))
}

func TestSchedulerCancelAndClear(t *testing.T) {
	clock := newFakeClock()
	s := NewRetryScheduler(clock)

	fired := 0
	s.Schedule("a", 10*time.Second, func() { fired++ })
	s.Cancel("a")
	clock.Advance(20 * time.Second)
	require.Zero(t, fired)

	s.Schedule("b", 10*time.Second, func() { fired++ })
	s.Schedule("c", 10*time.Second, func() { fired++ })
	s.Clear()
	clock.Advance(20 * time.Second)
	require.Zero(t, fired)
	require.False(t, s.Pending("b"))
}

func TestSchedulerTicksCanReschedule(t *testing.T) {
	clock := newFakeClock()
	s := NewRetryScheduler(clock)

	fired := 0
	var tick func()
	tick = func() {
		fired++
		if fired < 3 {
			s.Schedule("a", 10*time.Second, tick)
		}
	}
	s.Schedule("a", 10*time.Second, tick)

	clock.Advance(30 * time.Second)
	require.Equal(t, 3, fired)
}
