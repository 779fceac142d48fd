package learning

import (
	"time"

	"nrgchamp/zonetune/internal/cycle"
	"nrgchamp/zonetune/internal/heat"
)

// MaxCumulativeMult caps the total chronic-approach ki inflation over the
// physics baseline. Invariant: the cumulative multiplier never exceeds it.
const MaxCumulativeMult = 2.0

// Boost is a proposed bounded ki multiplication.
type Boost struct {
	Multiplier float64 // applied to the current ki
	Cumulative float64 // total inflation after this boost
	Cycle      cycle.Cycle
}

// ChronicDetector watches for sustained failure to reach setpoint:
// N consecutive cycles with reached=false, undershoot at or above the type
// floor, and sufficient duration. On confirmation it proposes a ki boost,
// gated by a thermal-mass-scaled cooldown and the cumulative cap.
type ChronicDetector struct {
	profile heat.Profile

	consecutive    int
	cooldownUntil  time.Time
	cumulativeMult float64
}

// NewChronicDetector builds a detector for one zone.
func NewChronicDetector(profile heat.Profile) *ChronicDetector {
	return &ChronicDetector{profile: profile, cumulativeMult: 1.0}
}

// Observe feeds one finalized cycle through the pattern. The returned boost
// is a proposal; the caller commits it through the gain store.
func (d *ChronicDetector) Observe(c cycle.Cycle) (Boost, bool) {
	if c.Metrics.Reached {
		d.consecutive = 0
		return Boost{}, false
	}

	if c.Metrics.UndershootC < d.profile.ChronicUndershootC || c.Duration < d.profile.ChronicMinDuration {
		return Boost{}, false
	}

	d.consecutive++
	if d.consecutive < d.profile.ChronicCycles {
		return Boost{}, false
	}

	// Pattern confirmed; the counter stays up while the gates below hold
	// the boost, so the next qualifying cycle retries.
	if c.FinishedAt.Before(d.cooldownUntil) {
		return Boost{}, false
	}
	if d.cumulativeMult >= MaxCumulativeMult {
		return Boost{}, false
	}

	mult := d.profile.ChronicKiMult
	if d.cumulativeMult*mult > MaxCumulativeMult {
		mult = MaxCumulativeMult / d.cumulativeMult
	}
	d.cumulativeMult *= mult
	d.cooldownUntil = c.FinishedAt.Add(d.profile.ChronicCooldown)
	d.consecutive = 0

	return Boost{Multiplier: mult, Cumulative: d.cumulativeMult, Cycle: c}, true
}

// Replay feeds a persisted cycle history through the detector once, to catch
// patterns that developed while the controller was not running. Returns any
// boost the history would have produced.
func (d *ChronicDetector) Replay(history []cycle.Cycle) (Boost, bool) {
	var (
		last  Boost
		fired bool
	)
	for _, c := range history {
		if b, ok := d.Observe(c); ok {
			last, fired = b, true
		}
	}
	return last, fired
}

// Consecutive returns the current failure streak.
func (d *ChronicDetector) Consecutive() int { return d.consecutive }

// CooldownUntil returns when the next boost becomes eligible.
func (d *ChronicDetector) CooldownUntil() time.Time { return d.cooldownUntil }

// CumulativeMult returns the total ki inflation applied so far.
func (d *ChronicDetector) CumulativeMult() float64 { return d.cumulativeMult }

// Restore reloads persisted detector state, defaulting a zero multiplier to
// the neutral 1.0.
func (d *ChronicDetector) Restore(consecutive int, cooldownUntil time.Time, cumulativeMult float64) {
	if consecutive < 0 {
		consecutive = 0
	}
	if cumulativeMult < 1.0 {
		cumulativeMult = 1.0
	}
	if cumulativeMult > MaxCumulativeMult {
		cumulativeMult = MaxCumulativeMult
	}
	d.consecutive = consecutive
	d.cooldownUntil = cooldownUntil
	d.cumulativeMult = cumulativeMult
}
