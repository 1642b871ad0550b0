package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAfterFuncFiresInOrder(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	var fired []string
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "a") })

	c.Advance(500 * time.Millisecond)
	assert.Empty(t, fired)

	c.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 0, c.Pending())
}

func TestFakeStopDisarms(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })
	require.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(time.Minute)
	assert.False(t, called)
}

func TestFakeSleepRecordsAndAdvances(t *testing.T) {
	start := time.Unix(100, 0)
	c := NewFake(start)
	require.NoError(t, c.Sleep(context.Background(), 3*time.Second))
	assert.Equal(t, start.Add(3*time.Second), c.Now())
	assert.Equal(t, []time.Duration{3 * time.Second}, c.Sleeps())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Sleep(ctx, time.Second), context.Canceled)
}
