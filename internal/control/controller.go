// Package control implements the five-term control law producing actuation
// commands: P and D on measurement, integral with anti-windup, outdoor
// compensation, and an externally supplied feedforward bias.
package control

import (
	"math"
	"time"

	"nrgchamp/zonetune/internal/gains"
	"nrgchamp/zonetune/internal/heat"
)

// Output duty bounds in percent.
const (
	OutputMin = 0.0
	OutputMax = 100.0
)

// OutdoorRefC is the outdoor temperature above which compensation
// contributes nothing (mild-weather reference).
const OutdoorRefC = 16.0

// Input is everything one evaluation consumes. Time always comes from the
// sample, never the wall clock, so a trace replays to identical outputs.
type Input struct {
	Timestamp time.Time
	Value     float64 // measured temperature
	Setpoint  float64

	Outdoor     *float64 // nil when no outdoor sensor is configured
	Feedforward float64  // F term: thermal coupling or setpoint boost/decay

	// Stale marks an evaluation triggered without a fresh sample beyond
	// the timeout: output holds, the integral freezes.
	Stale bool

	// Paused suppresses output entirely; DecayPerMin drains the integral
	// while paused (0 keeps it frozen).
	Paused      bool
	DecayPerMin float64
}

// Terms exposes the individual contributions for monitoring and audit.
type Terms struct {
	P, I, D, E, F float64
	Output        float64
	Saturated     bool
	Frozen        bool
}

// Controller computes the actuation command for one zone. Gains are read
// fresh from the store at the start of every evaluation, so a mid-cycle
// gain change takes effect on the next tick, never retroactively.
//
// The proportional action is on measurement (Beauregard form): its
// contribution folds into the accumulator as -kp*dInput, so a setpoint step
// causes no output kick. The accumulator doubles as the integral state and
// is clamped to the output range; it also does not grow while the clamped
// output is saturated in the same direction (conditional integration).
type Controller struct {
	store   *gains.Store
	profile heat.Profile

	accum      float64
	lastValue  float64
	lastTime   time.Time
	hasLast    bool
	lastOutput float64
}

// New builds a controller bound to a gain store and heating-type profile.
func New(store *gains.Store, profile heat.Profile) *Controller {
	return &Controller{store: store, profile: profile}
}

// Integral returns the accumulator for persistence.
func (c *Controller) Integral() float64 { return c.accum }

// SetIntegral restores the accumulator from a snapshot.
func (c *Controller) SetIntegral(v float64) {
	c.accum = clamp(v, OutputMin, OutputMax)
}

// Reset clears the evaluation state (not the gains; those live in the store).
func (c *Controller) Reset() {
	c.accum = 0
	c.hasLast = false
	c.lastOutput = 0
}

// Evaluate runs one control step.
func (c *Controller) Evaluate(in Input) Terms {
	g, ok := c.store.Snapshot()
	if !ok {
		// No gains yet: nothing sane to command.
		return Terms{Frozen: true}
	}

	if in.Paused {
		c.decayWhilePaused(in)
		c.lastOutput = 0
		return Terms{I: c.accum, Frozen: true}
	}

	if in.Stale {
		// Blind: hold the last command, accumulate nothing.
		c.lastTime = in.Timestamp
		return Terms{I: c.accum, Output: c.lastOutput, Frozen: true}
	}

	var dt, dm float64
	if c.hasLast {
		dt = in.Timestamp.Sub(c.lastTime).Seconds()
		if dt < 0 {
			dt = 0
		}
		dm = in.Value - c.lastValue
	}

	err := in.Setpoint - in.Value

	pStep := -g.Kp * c.profile.PropMultiplier * dm
	iStep := g.Ki * err * dt

	var d float64
	if g.Kd > 0 && dt > 0 {
		d = -g.Kd * dm / dt
	}

	var e float64
	if g.Ke > 0 && in.Outdoor != nil {
		e = g.Ke * math.Max(0, OutdoorRefC-*in.Outdoor)
	}

	accum := clamp(c.accum+pStep+iStep, OutputMin, OutputMax)

	// Feedforward joins the sum before clamping; the anti-windup check
	// below therefore sees the F term too, so the integral cannot wind up
	// against a saturating bias.
	sum := accum + d + e + in.Feedforward
	out := clamp(sum, OutputMin, OutputMax)
	saturated := sum != out

	if saturated && pushesFurther(iStep, sum, out) {
		// Drop the integral step, keep the P-on-M contribution.
		accum = clamp(c.accum+pStep, OutputMin, OutputMax)
		sum = accum + d + e + in.Feedforward
		out = clamp(sum, OutputMin, OutputMax)
	}

	c.accum = accum
	c.lastValue = in.Value
	c.lastTime = in.Timestamp
	c.hasLast = true
	c.lastOutput = out

	return Terms{P: pStep, I: accum, D: d, E: e, F: in.Feedforward, Output: out, Saturated: saturated}
}

func (c *Controller) decayWhilePaused(in Input) {
	if in.DecayPerMin <= 0 || in.DecayPerMin >= 1 {
		c.lastTime = in.Timestamp
		return
	}
	if c.hasLast {
		dtMin := in.Timestamp.Sub(c.lastTime).Minutes()
		if dtMin > 0 {
			c.accum *= math.Pow(1-in.DecayPerMin, dtMin)
		}
	}
	c.lastTime = in.Timestamp
	c.hasLast = true
	c.lastValue = in.Value
}

// pushesFurther reports whether the integral step drives deeper into the
// saturation the output already hit.
func pushesFurther(iStep, sum, out float64) bool {
	if iStep > 0 && sum > out {
		return true
	}
	if iStep < 0 && sum < out {
		return true
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
