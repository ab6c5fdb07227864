package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateHappyPath(t *testing.T) {
	s := Disconnected
	for _, step := range []struct {
		ev   Event
		want State
	}{
		{EventDial, Connecting},
		{EventAuthenticated, Authenticated},
		{EventSubscribed, Subscribed},
		{EventFailed, Disconnected},
		{EventDial, Connecting},
		{EventFailed, Disconnected},
		{EventExhausted, Degraded},
	} {
		next, err := s.Next(step.ev)
		require.NoError(t, err, "%s --%s-->", s, step.ev)
		assert.Equal(t, step.want, next)
		s = next
	}
}

func TestDegradedIsTerminal(t *testing.T) {
	for _, ev := range []Event{EventDial, EventAuthenticated, EventSubscribed, EventFailed, EventExhausted, EventStop} {
		next, err := Degraded.Next(ev)
		assert.Error(t, err)
		assert.Equal(t, Degraded, next)
	}
}

func TestInvalidTransitions(t *testing.T) {
	cases := []struct {
		from State
		ev   Event
	}{
		{Disconnected, EventSubscribed},
		{Disconnected, EventAuthenticated},
		{Connecting, EventSubscribed},
		{Subscribed, EventDial},
		{Connecting, EventExhausted},
	}
	for _, c := range cases {
		next, err := c.from.Next(c.ev)
		assert.Error(t, err, "%s --%s-->", c.from, c.ev)
		assert.Equal(t, c.from, next)
	}
}

func TestStopFromAnyLiveState(t *testing.T) {
	for _, s := range []State{Disconnected, Connecting, Authenticated, Subscribed} {
		next, err := s.Next(EventStop)
		require.NoError(t, err)
		assert.Equal(t, Disconnected, next)
	}
}

func TestRetryPolicy(t *testing.T) {
	p := retryPolicy{maxAttempts: 5}
	for f := 0; f < 5; f++ {
		assert.True(t, p.retry(f))
	}
	assert.False(t, p.retry(5))
}

func TestStateText(t *testing.T) {
	b, _ := Subscribed.MarshalText()
	assert.Equal(t, "subscribed", string(b))
	assert.Equal(t, "state(9)", State(9).String())

	var s State
	require.NoError(t, s.UnmarshalText([]byte("degraded")))
	assert.Equal(t, Degraded, s)
	assert.Error(t, s.UnmarshalText([]byte("bogus")))
}
