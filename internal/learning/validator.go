package learning

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"nrgchamp/zonetune/internal/cycle"
	"nrgchamp/zonetune/internal/gains"
	"nrgchamp/zonetune/internal/heat"
)

// Apply-safety limits.
const (
	ValidationCycles   = 5
	DegradationFactor  = 1.30 // settling-MAE worsening that triggers rollback
	MaxBaselineDrift   = 0.50 // per-gain drift allowed from physics baseline
	WindowApplyLimit   = 5
	WindowApplyPeriod  = 90 * 24 * time.Hour
	LifetimeApplyLimit = 20
	SeasonalCooldown   = 7 * 24 * time.Hour
	SeasonalShiftC     = 8.0 // outdoor EMA move counting as a regime change
)

// Window is the post-apply observation state: baseline metrics, cycles seen
// so far, and the gains to restore on degradation.
type Window struct {
	OpenedAt   time.Time     `json:"openedAt"`
	Baseline   cycle.Metrics `json:"baseline"`
	PrevGains  gains.Gains   `json:"prevGains"`
	CyclesSeen int           `json:"cyclesSeen"`
}

// Validator gates proposed gain changes, monitors the cycles after an apply,
// and rolls back on degradation. It enforces the season and lifetime safety
// limits for manual applies too.
type Validator struct {
	store   *gains.Store
	conf    *Confidence
	profile heat.Profile
	log     *slog.Logger

	applyTimes      []time.Time
	lifetimeApplies int
	window          *Window
	lastHold        string

	outdoorEMA   float64
	emaInit      bool
	regimeAnchor float64
	shiftAt      time.Time
}

// NewValidator wires the validation manager for one zone.
func NewValidator(store *gains.Store, conf *Confidence, profile heat.Profile, log *slog.Logger) *Validator {
	return &Validator{
		store:   store,
		conf:    conf,
		profile: profile,
		log:     log.With(slog.String("component", "validator")),
	}
}

// Submit runs the gate check on a proposal. A hold is an expected outcome
// reported through history/status, not an error; err covers commit failures.
func (v *Validator) Submit(now time.Time, p Proposal) (applied bool, hold string, err error) {
	if hold = v.gate(now, p.Gains); hold != "" {
		v.lastHold = hold
		v.log.Info("proposal held", slog.String("reason", hold), slog.String("note", p.Note))
		return false, hold, nil
	}

	prev, _ := v.store.Snapshot()

	reason := gains.ReasonAutoApply
	if p.Reason == gains.ReasonUndershoot {
		reason = gains.ReasonUndershoot
	}
	metrics := p.Metrics
	if _, err := v.store.CommitAt(now, p.Gains, reason, gains.ActorLearning, &metrics); err != nil {
		return false, "", fmt.Errorf("commit proposal: %w", err)
	}

	v.recordApply(now)
	v.window = &Window{OpenedAt: now, Baseline: p.Metrics, PrevGains: prev}
	v.lastHold = ""
	v.log.Info("proposal applied, validation window open",
		slog.String("note", p.Note),
		slog.Float64("baselineMAE", p.Metrics.SettlingMAE))
	return true, "", nil
}

func (v *Validator) gate(now time.Time, proposed gains.Gains) string {
	if v.window != nil {
		return "validation window already open"
	}

	_, t2, t3 := v.profile.Tiers()
	need := t2
	if v.lifetimeApplies > 0 {
		need = t3
	}
	if v.conf.Score() < need {
		return fmt.Sprintf("confidence %.1f below required %.1f", v.conf.Score(), need)
	}
	if v.conf.Cycles() < MinCycles {
		return fmt.Sprintf("only %d cycles observed, need %d", v.conf.Cycles(), MinCycles)
	}
	if !v.shiftAt.IsZero() && now.Sub(v.shiftAt) < SeasonalCooldown {
		return "within seasonal-shift cooldown"
	}
	if v.appliesSince(now.Add(-WindowApplyPeriod)) >= WindowApplyLimit {
		return "rolling 90-day apply limit reached"
	}
	if v.lifetimeApplies >= LifetimeApplyLimit {
		return "lifetime apply limit reached"
	}
	if hold := v.driftCheck(proposed); hold != "" {
		return hold
	}
	return ""
}

// driftCheck enforces the 50% envelope around the physics baseline. Gains
// whose baseline term is zero (disabled kd/ke) are exempt.
func (v *Validator) driftCheck(proposed gains.Gains) string {
	base, ok := v.store.Baseline()
	if !ok {
		return "no physics baseline to validate drift against"
	}
	check := func(name string, b, p float64) string {
		if b == 0 {
			return ""
		}
		if math.Abs(p-b)/b > MaxBaselineDrift {
			return fmt.Sprintf("%s drift %.0f%% exceeds %.0f%% of physics baseline", name, math.Abs(p-b)/b*100, MaxBaselineDrift*100)
		}
		return ""
	}
	for _, c := range []struct {
		name string
		b, p float64
	}{
		{"kp", base.Kp, proposed.Kp},
		{"ki", base.Ki, proposed.Ki},
		{"kd", base.Kd, proposed.Kd},
		{"ke", base.Ke, proposed.Ke},
	} {
		if hold := check(c.name, c.b, c.p); hold != "" {
			return hold
		}
	}
	return ""
}

// OnCycle advances an open validation window with a post-apply cycle.
// Returns true when the window triggered a rollback.
func (v *Validator) OnCycle(now time.Time, m cycle.Metrics) (rolledBack bool, err error) {
	if v.window == nil {
		return false, nil
	}

	v.window.CyclesSeen++

	if v.window.Baseline.SettlingMAE > 0 && m.SettlingMAE >= v.window.Baseline.SettlingMAE*DegradationFactor {
		prev := v.window.PrevGains
		metrics := m
		if _, err := v.store.CommitAt(now, prev, gains.ReasonRollback, gains.ActorSystem, &metrics); err != nil {
			return false, fmt.Errorf("rollback commit: %w", err)
		}
		v.log.Warn("post-apply degradation, rolled back",
			slog.Float64("baselineMAE", v.window.Baseline.SettlingMAE),
			slog.Float64("observedMAE", m.SettlingMAE),
			slog.Int("cyclesSeen", v.window.CyclesSeen))
		v.window = nil
		return true, nil
	}

	if v.window.CyclesSeen >= ValidationCycles {
		v.log.Info("validation window closed, change committed", slog.Int("cycles", v.window.CyclesSeen))
		v.window = nil
	}
	return false, nil
}

// ManualApply bypasses the confidence gate but still enforces the drift cap
// and lifetime limit, and still records history.
func (v *Validator) ManualApply(now time.Time, g gains.Gains, baseline cycle.Metrics) error {
	if v.lifetimeApplies >= LifetimeApplyLimit {
		return fmt.Errorf("lifetime apply limit (%d) reached", LifetimeApplyLimit)
	}
	if hold := v.driftCheck(g); hold != "" {
		return fmt.Errorf("manual apply rejected: %s", hold)
	}

	prev, _ := v.store.Snapshot()
	if _, err := v.store.CommitAt(now, g, gains.ReasonManualSet, gains.ActorUser, nil); err != nil {
		return err
	}
	v.recordApply(now)
	v.window = &Window{OpenedAt: now, Baseline: baseline, PrevGains: prev}
	return nil
}

// ManualRollback restores the pre-apply gains of the open window, or the
// previous history entry when no window is open.
func (v *Validator) ManualRollback(now time.Time) error {
	var prev gains.Gains
	if v.window != nil {
		prev = v.window.PrevGains
	} else {
		hist := v.store.History()
		if len(hist) < 2 {
			return fmt.Errorf("no earlier gains to roll back to")
		}
		prev = hist[len(hist)-2].Gains
	}
	if _, err := v.store.CommitAt(now, prev, gains.ReasonRollback, gains.ActorUser, nil); err != nil {
		return err
	}
	v.window = nil
	return nil
}

// ObserveOutdoor updates the slow outdoor EMA used for seasonal-shift
// detection. A regime change arms the 7-day apply cooldown.
func (v *Validator) ObserveOutdoor(now time.Time, temp float64, dt time.Duration) {
	if !v.emaInit {
		v.outdoorEMA = temp
		v.regimeAnchor = temp
		v.emaInit = true
		return
	}
	// 24h horizon: alpha = dt / (24h + dt).
	alpha := dt.Seconds() / ((24 * time.Hour).Seconds() + dt.Seconds())
	v.outdoorEMA += alpha * (temp - v.outdoorEMA)

	if math.Abs(v.outdoorEMA-v.regimeAnchor) >= SeasonalShiftC {
		v.shiftAt = now
		v.regimeAnchor = v.outdoorEMA
		v.log.Info("outdoor regime change detected, apply cooldown armed",
			slog.Float64("ema", v.outdoorEMA))
	}
}

// OpenWindow returns the open validation window, if any.
func (v *Validator) OpenWindow() *Window {
	if v.window == nil {
		return nil
	}
	w := *v.window
	return &w
}

// LastHold reports why the most recent proposal was held, empty when the
// last proposal applied.
func (v *Validator) LastHold() string { return v.lastHold }

// LifetimeApplies returns the total applies committed through this zone.
func (v *Validator) LifetimeApplies() int { return v.lifetimeApplies }

// ApplyTimes returns the rolling apply timestamps for persistence.
func (v *Validator) ApplyTimes() []time.Time {
	out := make([]time.Time, len(v.applyTimes))
	copy(out, v.applyTimes)
	return out
}

// ShiftAt returns the last detected seasonal shift instant.
func (v *Validator) ShiftAt() time.Time { return v.shiftAt }

// Restore reloads persisted validator state. The rolling window list is
// trimmed; a nil open window is fine.
func (v *Validator) Restore(applyTimes []time.Time, lifetime int, shiftAt time.Time, window *Window) {
	v.applyTimes = append(v.applyTimes[:0], applyTimes...)
	if lifetime < 0 {
		lifetime = 0
	}
	v.lifetimeApplies = lifetime
	v.shiftAt = shiftAt
	v.window = window
}

func (v *Validator) recordApply(now time.Time) {
	v.applyTimes = append(v.applyTimes, now)
	v.lifetimeApplies++
	// Trim entries older than the rolling window to bound the slice.
	cutoff := now.Add(-WindowApplyPeriod)
	trimmed := v.applyTimes[:0]
	for _, t := range v.applyTimes {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
		}
	}
	v.applyTimes = trimmed
}

func (v *Validator) appliesSince(cutoff time.Time) int {
	n := 0
	for _, t := range v.applyTimes {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
