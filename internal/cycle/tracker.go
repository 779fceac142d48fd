package cycle

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"nrgchamp/zonetune/internal/heat"
)

// HistoryLimit bounds the retained finalized cycles; the oldest is evicted.
const HistoryLimit = 50

// minTraceSamples is the least data a cycle needs before its metrics mean
// anything; shorter traces are discarded rather than analyzed.
const minTraceSamples = 4

// Tracker is the per-zone cycle state machine. It is driven from the zone's
// single-threaded evaluation path and is not safe for concurrent use.
type Tracker struct {
	profile heat.Profile
	log     *slog.Logger

	// onThreshold is the command level above which the actuator counts as
	// on. Zero means direct proportional positioning, where any nonzero
	// output is "on".
	onThreshold float64

	phase       Phase
	direction   Direction
	startedAt   time.Time
	settledAt   time.Time
	crossed     bool
	trace       []Sample
	inBandSince time.Time

	lastFinalOffset *float64
	history         []Cycle
}

// NewTracker builds a tracker for one zone.
func NewTracker(profile heat.Profile, onThreshold float64, log *slog.Logger) *Tracker {
	return &Tracker{
		profile:     profile,
		onThreshold: onThreshold,
		log:         log.With(slog.String("component", "cycle_tracker")),
		phase:       PhaseIdle,
	}
}

// Phase reports the current tracker state.
func (t *Tracker) Phase() Phase { return t.phase }

// History returns the retained finalized cycles, oldest first.
func (t *Tracker) History() []Cycle {
	out := make([]Cycle, len(t.history))
	copy(out, t.history)
	return out
}

// SeedHistory restores persisted cycles after a restart so trend metrics and
// the chronic-approach replay have data to work from.
func (t *Tracker) SeedHistory(cycles []Cycle) {
	if len(cycles) > HistoryLimit {
		cycles = cycles[len(cycles)-HistoryLimit:]
	}
	t.history = append(t.history[:0], cycles...)
	if n := len(t.history); n > 0 {
		off := t.history[n-1].Metrics.FinalOffsetC
		t.lastFinalOffset = &off
	}
}

// Discard drops any in-progress cycle. Called on pause: a disturbed cycle
// would finalize with corrupted metrics.
func (t *Tracker) Discard(reason string) {
	if t.phase == PhaseIdle {
		return
	}
	t.log.Info("in-progress cycle discarded", slog.String("phase", string(t.phase)), slog.String("reason", reason))
	t.reset()
}

// Observe feeds one evaluation point through the state machine. It returns
// the finalized cycle when this observation closed one.
func (t *Tracker) Observe(s Sample) (*Cycle, bool) {
	on := s.Output > t.onThreshold

	switch t.phase {
	case PhaseIdle:
		if !on {
			return nil, false
		}
		t.direction = Heating
		t.phase = PhaseHeating
		if s.Setpoint < s.Value {
			t.direction = Cooling
			t.phase = PhaseCooling
		}
		t.startedAt = s.Timestamp
		t.crossed = false
		t.trace = append(t.trace[:0], s)
		t.noteCrossing(s)
		return nil, false

	case PhaseHeating, PhaseCooling:
		t.trace = append(t.trace, s)
		t.noteCrossing(s)
		if !on {
			t.phase = PhaseSettling
			t.settledAt = s.Timestamp
			t.inBandSince = time.Time{}
		}
		return nil, false

	case PhaseSettling:
		t.trace = append(t.trace, s)
		t.noteCrossing(s)
		if on {
			// Actuator re-engaged before the value stabilized; fold
			// back into the active phase, it is the same cycle.
			t.phase = PhaseHeating
			if t.direction == Cooling {
				t.phase = PhaseCooling
			}
			t.inBandSince = time.Time{}
			return nil, false
		}

		if deviation(s.Value, s.Setpoint) <= t.profile.ToleranceC {
			if t.inBandSince.IsZero() {
				t.inBandSince = s.Timestamp
			}
			if s.Timestamp.Sub(t.inBandSince) >= t.profile.SettleDwell {
				return t.finalize(s.Timestamp, false)
			}
		} else {
			t.inBandSince = time.Time{}
		}

		if s.Timestamp.Sub(t.settledAt) >= t.profile.SettleTimeout {
			return t.finalize(s.Timestamp, true)
		}
		return nil, false
	}
	return nil, false
}

func (t *Tracker) noteCrossing(s Sample) {
	if directed(t.direction, s.Value, s.Setpoint) >= 0 {
		t.crossed = true
	}
}

func (t *Tracker) finalize(now time.Time, timedOut bool) (*Cycle, bool) {
	defer t.reset()

	if len(t.trace) < minTraceSamples {
		t.log.Warn("cycle trace too short, skipping analysis", slog.Int("samples", len(t.trace)))
		return nil, false
	}

	reached := t.crossed && !timedOut

	c := Cycle{
		ID:         uuid.NewString(),
		Direction:  t.direction,
		SetpointC:  t.trace[len(t.trace)-1].Setpoint,
		StartedAt:  t.startedAt,
		SettledAt:  t.settledAt,
		FinishedAt: now,
		Duration:   now.Sub(t.startedAt),
		TimedOut:   timedOut,
	}
	c.Metrics = analyze(t.trace, t.direction, t.settledAt, reached, t.lastFinalOffset, t.profile)

	off := c.Metrics.FinalOffsetC
	t.lastFinalOffset = &off

	t.history = append(t.history, c)
	if len(t.history) > HistoryLimit {
		t.history = t.history[len(t.history)-HistoryLimit:]
	}
	return &c, true
}

func (t *Tracker) reset() {
	t.phase = PhaseIdle
	t.trace = t.trace[:0]
	t.crossed = false
	t.inBandSince = time.Time{}
}

// deviation is the unsigned distance from setpoint.
func deviation(value, setpoint float64) float64 {
	d := value - setpoint
	if d < 0 {
		return -d
	}
	return d
}

// directed normalizes deviation by cycle direction: positive means the value
// is at or beyond the setpoint in the direction the cycle pushes.
func directed(dir Direction, value, setpoint float64) float64 {
	if dir == Cooling {
		return setpoint - value
	}
	return value - setpoint
}
