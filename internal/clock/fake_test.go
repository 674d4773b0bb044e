package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/agentkey/internal/clock"
)

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.Fake(start)

	ch := c.After(time.Minute)
	require.Equal(t, 1, c.Pending())

	c.Advance(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	c.Advance(30 * time.Second)
	select {
	case got := <-ch:
		require.Equal(t, start.Add(time.Minute), got)
	default:
		t.Fatal("did not fire")
	}
	require.Zero(t, c.Pending())
	require.Equal(t, start.Add(time.Minute), c.Now())
}

func TestFakeClockAfterNonPositive(t *testing.T) {
	c := clock.Fake(time.Unix(0, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("zero duration should fire immediately")
	}
}
