package metric

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 7, 12, 0, 0, 0, time.UTC)

func TestThrottleWindow(t *testing.T) {
	t.Parallel()
	s := NewState(5*time.Second, []string{"gas/current"})

	// change at t0 publishes
	require.True(t, s.Eval("gas/current", NewInt(100), t0))
	s.Commit("gas/current", NewInt(100), t0)

	// differing value inside the window is suppressed
	assert.False(t, s.Eval("gas/current", NewInt(200), t0.Add(1*time.Second)))

	// differing value past the window publishes
	require.True(t, s.Eval("gas/current", NewInt(300), t0.Add(6*time.Second)))
	s.Commit("gas/current", NewInt(300), t0.Add(6*time.Second))
}

func TestEqualValueNeverRepublishes(t *testing.T) {
	t.Parallel()
	s := NewState(5*time.Second, []string{"water/capacity"})

	for _, name := range []string{"water/capacity", "stage"} {
		v := NewString("active")
		require.True(t, s.Eval(name, v, t0), "name=%s", name)
		s.Commit(name, v, t0)
		assert.False(t, s.Eval(name, v, t0.Add(time.Hour)), "name=%s", name)
	}
}

func TestUnthrottledPublishesEveryChange(t *testing.T) {
	t.Parallel()
	s := NewState(5*time.Second, []string{"gas/current"})

	require.True(t, s.Eval("gas/total", NewFloat(1695.1), t0))
	s.Commit("gas/total", NewFloat(1695.1), t0)
	require.True(t, s.Eval("gas/total", NewFloat(1695.2), t0.Add(time.Millisecond)))
}

func TestFailedPublishRetries(t *testing.T) {
	t.Parallel()
	s := NewState(5*time.Second, []string{"water/flow_rate"})

	// Eval said yes but the transport failed, no Commit happened. The same
	// candidate must pass again right away.
	require.True(t, s.Eval("water/flow_rate", NewFloat(2.0), t0))
	require.True(t, s.Eval("water/flow_rate", NewFloat(2.0), t0.Add(time.Millisecond)))
}

func TestInvalidValueSkipped(t *testing.T) {
	t.Parallel()
	s := NewState(0, nil)
	assert.False(t, s.Eval("anything", Value{}, t0))
}

func TestDefaultInterval(t *testing.T) {
	t.Parallel()
	s := NewState(0, []string{"m"})
	require.True(t, s.Eval("m", NewInt(1), t0))
	s.Commit("m", NewInt(1), t0)
	assert.False(t, s.Eval("m", NewInt(2), t0.Add(4*time.Second)))
	assert.True(t, s.Eval("m", NewInt(2), t0.Add(5*time.Second)))
}

func TestValueString(t *testing.T) {
	t.Parallel()
	cases := []struct {
		v      Value
		expect string
	}{
		{NewBool(true), "true"},
		{NewBool(false), "false"},
		{NewInt(50), "50"},
		{NewInt(-3), "-3"},
		{NewFloat(0), "0"},
		{NewFloat(2), "2"},
		{NewFloat(32613.8), "32613.8"},
		{NewString("recirculation-active"), "recirculation-active"},
		{Value{}, ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.expect, c.v.String())
	}
}

func TestValueEqual(t *testing.T) {
	t.Parallel()
	assert.True(t, NewInt(2).Equal(NewInt(2)))
	assert.False(t, NewInt(2).Equal(NewFloat(2)))
	assert.False(t, NewInt(2).Equal(NewInt(3)))
	assert.False(t, NewString("2").Equal(NewInt(2)))
}
