package learning

import (
	"nrgchamp/zonetune/internal/cycle"
	"nrgchamp/zonetune/internal/gains"
	"nrgchamp/zonetune/internal/heat"
)

// Proposal is a single suggested gain change with its evidence. Proposals
// never touch the gain store directly; they route through the Validator.
type Proposal struct {
	Gains   gains.Gains
	Reason  gains.ChangeReason
	Note    string
	Metrics cycle.Metrics
}

// Tuning step sizes. Small on purpose: the validation window catches a bad
// step, but five cycles of a bad step should still be livable.
const (
	kpOvershootFactor   = 0.90
	kdOscillationFactor = 0.85
	kpOscillationFactor = 0.92
	kiUndershootFactor  = 1.05
	kiDriftUpFactor     = 1.03
	kiDriftDownFactor   = 0.97
	oscillationLimit    = 3
)

// Learner maps cycle metrics to proposed gain deltas, one proposal per
// analysis pass. Rules are ordered by severity; the first match wins.
type Learner struct {
	profile heat.Profile
}

// NewLearner builds a learner for one zone.
func NewLearner(profile heat.Profile) *Learner {
	return &Learner{profile: profile}
}

// Analyze inspects one cycle's metrics against the current gains.
// chronicActive suppresses the undershoot rule while the chronic-approach
// detector owns that symptom.
func (l *Learner) Analyze(current gains.Gains, m cycle.Metrics, chronicActive bool) (Proposal, bool) {
	switch {
	case m.OvershootC > l.profile.ConvOvershootC:
		g := current
		g.Kp *= kpOvershootFactor
		return Proposal{Gains: g, Reason: gains.ReasonAdaptiveApply, Note: "overshoot above threshold, reducing kp", Metrics: m}, true

	case m.Oscillations > oscillationLimit:
		g := current
		note := "oscillating during settling, reducing kd"
		if g.Kd > 0 {
			g.Kd *= kdOscillationFactor
		} else {
			g.Kp *= kpOscillationFactor
			note = "oscillating during settling, reducing kp"
		}
		return Proposal{Gains: g, Reason: gains.ReasonAdaptiveApply, Note: note, Metrics: m}, true

	case !m.Reached && m.UndershootC > l.profile.ConvUndershootC && !chronicActive:
		g := current
		g.Ki *= kiUndershootFactor
		return Proposal{Gains: g, Reason: gains.ReasonUndershoot, Note: "undershoot without chronic pattern, small ki increase", Metrics: m}, true

	case m.DriftC > l.profile.ConvDriftC:
		g := current
		note := "steady-state drifting low, raising ki"
		if m.FinalOffsetC < 0 {
			g.Ki *= kiDriftUpFactor
		} else {
			g.Ki *= kiDriftDownFactor
			note = "steady-state drifting high, lowering ki"
		}
		return Proposal{Gains: g, Reason: gains.ReasonAdaptiveApply, Note: note, Metrics: m}, true
	}

	return Proposal{}, false
}
