package control

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nrgchamp/zonetune/internal/gains"
	"nrgchamp/zonetune/internal/heat"
)

func newStoreWith(t *testing.T, g gains.Gains) *gains.Store {
	t.Helper()
	s := gains.NewStore()
	_, err := s.CommitAt(time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC), g, gains.ReasonPhysicsInit, gains.ActorSystem, nil)
	require.NoError(t, err)
	return s
}

func TestEvaluateWithoutGainsFreezes(t *testing.T) {
	c := New(gains.NewStore(), heat.ProfileFor(heat.ForcedAir))
	terms := c.Evaluate(Input{Timestamp: time.Now(), Value: 18, Setpoint: 21})
	require.True(t, terms.Frozen)
	require.Zero(t, terms.Output)
}

func TestSetpointStepCausesNoProportionalKick(t *testing.T) {
	s := newStoreWith(t, gains.Gains{Kp: 30, Ki: 0})
	c := New(s, heat.ProfileFor(heat.ForcedAir))

	t0 := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	c.Evaluate(Input{Timestamp: t0, Value: 19, Setpoint: 20})

	// Setpoint jumps 3 degrees while the measurement holds still.
	terms := c.Evaluate(Input{Timestamp: t0.Add(time.Minute), Value: 19, Setpoint: 23})
	require.Zero(t, terms.P, "P acts on measurement, a setpoint step must not kick")
	require.Zero(t, terms.Output)
}

func TestIntegralAccumulates(t *testing.T) {
	s := newStoreWith(t, gains.Gains{Kp: 0, Ki: 0.05})
	c := New(s, heat.ProfileFor(heat.ForcedAir))

	t0 := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	c.Evaluate(Input{Timestamp: t0, Value: 18, Setpoint: 21})
	terms := c.Evaluate(Input{Timestamp: t0.Add(time.Minute), Value: 18, Setpoint: 21})

	// ki * err * dt = 0.05 * 3 * 60
	require.InDelta(t, 9.0, terms.Output, 1e-9)
	require.InDelta(t, 9.0, c.Integral(), 1e-9)
}

func TestAntiWindupSkipsIntegralStepWhenSaturated(t *testing.T) {
	s := newStoreWith(t, gains.Gains{Kp: 0, Ki: 1})
	c := New(s, heat.ProfileFor(heat.ForcedAir))

	t0 := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	c.Evaluate(Input{Timestamp: t0, Value: 18, Setpoint: 21, Feedforward: 50})

	// Huge integral step plus a 50% feedforward saturates the output; the
	// step that pushes further into saturation must be dropped entirely.
	terms := c.Evaluate(Input{Timestamp: t0.Add(time.Minute), Value: 18, Setpoint: 21, Feedforward: 50})
	require.True(t, terms.Saturated)
	require.Zero(t, c.Integral(), "integral must not wind up against a saturating bias")
	require.InDelta(t, 50.0, terms.Output, 1e-9)
}

func TestStaleHoldsOutputAndIntegral(t *testing.T) {
	s := newStoreWith(t, gains.Gains{Kp: 0, Ki: 0.05})
	c := New(s, heat.ProfileFor(heat.ForcedAir))

	t0 := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	c.Evaluate(Input{Timestamp: t0, Value: 18, Setpoint: 21})
	before := c.Evaluate(Input{Timestamp: t0.Add(time.Minute), Value: 18, Setpoint: 21})

	terms := c.Evaluate(Input{Timestamp: t0.Add(10 * time.Minute), Value: 18, Setpoint: 21, Stale: true})
	require.True(t, terms.Frozen)
	require.Equal(t, before.Output, terms.Output, "stale evaluation holds the last command")
	require.Equal(t, before.I, c.Integral())
}

func TestPausedDecaysIntegral(t *testing.T) {
	s := newStoreWith(t, gains.Gains{Kp: 0, Ki: 0.05})
	c := New(s, heat.ProfileFor(heat.ForcedAir))

	t0 := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	c.Evaluate(Input{Timestamp: t0, Value: 18, Setpoint: 21})
	c.Evaluate(Input{Timestamp: t0.Add(time.Minute), Value: 18, Setpoint: 21})
	start := c.Integral()
	require.Greater(t, start, 0.0)

	terms := c.Evaluate(Input{
		Timestamp:   t0.Add(11 * time.Minute),
		Value:       18,
		Setpoint:    21,
		Paused:      true,
		DecayPerMin: 0.10,
	})
	require.True(t, terms.Frozen)
	require.Zero(t, terms.Output)

	want := start * math.Pow(0.9, 10)
	require.InDelta(t, want, c.Integral(), 1e-9)
}

func TestOutdoorCompensation(t *testing.T) {
	s := newStoreWith(t, gains.Gains{Ke: 0.5})
	c := New(s, heat.ProfileFor(heat.ForcedAir))
	t0 := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)

	cold := -4.0
	terms := c.Evaluate(Input{Timestamp: t0, Value: 20, Setpoint: 20, Outdoor: &cold})
	require.InDelta(t, 0.5*(OutdoorRefC-cold), terms.E, 1e-9)

	mild := 18.0
	terms = c.Evaluate(Input{Timestamp: t0.Add(time.Minute), Value: 20, Setpoint: 20, Outdoor: &mild})
	require.Zero(t, terms.E, "no compensation above the mild-weather reference")
}

func TestReplayIsDeterministic(t *testing.T) {
	g := gains.Gains{Kp: 20, Ki: 0.03, Kd: 100}
	trace := []Input{}
	t0 := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	values := []float64{18, 18.2, 18.6, 19.1, 19.8, 20.4, 20.9, 21.1, 21.0}
	for i, v := range values {
		trace = append(trace, Input{Timestamp: t0.Add(time.Duration(i) * time.Minute), Value: v, Setpoint: 21})
	}

	run := func() []float64 {
		c := New(newStoreWith(t, g), heat.ProfileFor(heat.ForcedAir))
		out := make([]float64, len(trace))
		for i, in := range trace {
			out[i] = c.Evaluate(in).Output
		}
		return out
	}
	require.Equal(t, run(), run(), "same trace must replay to identical outputs")
}
