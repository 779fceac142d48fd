// Package learning turns cycle metrics into gain adjustments: a confidence
// tracker, a chronic approach-failure detector, a rule-based learner, an
// apply/rollback validation manager, and a one-shot physics initializer.
package learning

import (
	"math"

	"nrgchamp/zonetune/internal/cycle"
	"nrgchamp/zonetune/internal/heat"
)

// Status is the derived learning classification. Never stored; recomputed
// from cycle count and confidence against the type-scaled tiers.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusCollecting Status = "collecting"
	StatusStable     Status = "stable"
	StatusTuned      Status = "tuned"
	StatusOptimized  Status = "optimized"
)

// MinCycles is the cycle count below which the zone stays in collecting.
const MinCycles = 5

// Confidence scores convergence confidence on a 0..100 scale from recent
// cycle quality. It trends up on consistently good cycles and is knocked
// down by failing cycles and corrective boosts.
type Confidence struct {
	profile heat.Profile
	score   float64
	cycles  int
}

// NewConfidence builds a tracker for one zone.
func NewConfidence(profile heat.Profile) *Confidence {
	return &Confidence{profile: profile}
}

// Observe folds one finalized cycle into the score. Confidence never
// increases on a non-convergent cycle.
func (c *Confidence) Observe(m cycle.Metrics) {
	c.cycles++

	if !m.Convergent {
		penalty := 4.0
		if m.UndershootC > 0 || m.OvershootC > 0 {
			worst := math.Max(m.UndershootC, m.OvershootC)
			penalty += math.Min(worst*4, 8)
		}
		c.score = clampScore(c.score - penalty)
		return
	}

	// Quality in [0,1]: how far under the thresholds the cycle landed.
	quality := 1.0
	quality = math.Min(quality, headroom(m.DriftC, c.profile.ConvDriftC))
	quality = math.Min(quality, headroom(m.SettlingMAE, c.profile.ConvSettlingMAE))
	quality = math.Min(quality, headroom(m.OvershootC, c.profile.ConvOvershootC))
	c.score = clampScore(c.score + 6 + 6*quality)
}

// Penalize applies a corrective-boost decrement (chronic-approach or
// undershoot-driven).
func (c *Confidence) Penalize(amount float64) {
	if amount <= 0 {
		return
	}
	c.score = clampScore(c.score - amount)
}

// Score returns the current confidence scalar.
func (c *Confidence) Score() float64 { return c.score }

// Cycles returns the number of cycles observed so far.
func (c *Confidence) Cycles() int { return c.cycles }

// Restore reloads persisted state.
func (c *Confidence) Restore(score float64, cycles int) {
	c.score = clampScore(score)
	if cycles < 0 {
		cycles = 0
	}
	c.cycles = cycles
}

// Status classifies the learning state against the type-scaled tiers. An
// active pause condition overrides the metric-based classification.
func (c *Confidence) Status(paused bool) Status {
	if paused {
		return StatusIdle
	}
	t1, t2, t3 := c.profile.Tiers()
	switch {
	case c.cycles < MinCycles || c.score < t1:
		return StatusCollecting
	case c.score < t2:
		return StatusStable
	case c.score < t3:
		return StatusTuned
	default:
		return StatusOptimized
	}
}

// headroom maps a metric to 1.0 when it is zero and 0.0 at its threshold.
func headroom(v, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	h := 1 - v/threshold
	if h < 0 {
		return 0
	}
	return h
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
