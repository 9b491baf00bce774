package simclock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWall struct{ t time.Time }

func (f *fakeWall) Now() time.Time { return f.t }

func TestScheduledTimeScalesBySpeedFactor(t *testing.T) {
	wall := &fakeWall{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(wall)
	c.Start(100, 10)

	// 10 trace-seconds later, at 10x speed, should be scheduled 1 wall-second out.
	got := c.ScheduledTime(110)
	assert.Equal(t, wall.t.Add(1*time.Second), got)
}

func TestScheduledTimeAtUnitSpeed(t *testing.T) {
	wall := &fakeWall{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(wall)
	c.Start(0, 1)

	assert.Equal(t, wall.t.Add(5*time.Second), c.ScheduledTime(5))
}

func TestWaitUntilReturnsImmediatelyForPastTarget(t *testing.T) {
	wall := &fakeWall{t: time.Now()}
	c := New(wall)
	c.Start(0, 1)

	err := c.WaitUntil(context.Background(), wall.t.Add(-time.Second))
	require.NoError(t, err)
}

func TestWaitUntilRespectsCancellation(t *testing.T) {
	wall := &fakeWall{t: time.Now()}
	c := New(wall)
	c.Start(0, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.WaitUntil(ctx, wall.t.Add(time.Hour))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIterationHooksNilIsNoop(t *testing.T) {
	var h IterationHooks
	require.NoError(t, h.RunPre(context.Background(), 0))
	require.NoError(t, h.RunPost(context.Background(), 0))
}

func TestIterationHooksInvoked(t *testing.T) {
	var preCalled, postCalled bool
	h := IterationHooks{
		Pre:  func(context.Context, int) error { preCalled = true; return nil },
		Post: func(context.Context, int) error { postCalled = true; return nil },
	}
	require.NoError(t, h.RunPre(context.Background(), 1))
	require.NoError(t, h.RunPost(context.Background(), 1))
	assert.True(t, preCalled)
	assert.True(t, postCalled)
}
