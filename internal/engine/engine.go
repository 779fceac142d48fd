// Package engine wires one zone's control loop: controller, cycle tracker,
// and the learning pipeline that runs synchronously at cycle finalization.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"nrgchamp/zonetune/internal/control"
	"nrgchamp/zonetune/internal/cycle"
	"nrgchamp/zonetune/internal/gains"
	"nrgchamp/zonetune/internal/heat"
	"nrgchamp/zonetune/internal/learning"
	"nrgchamp/zonetune/internal/store"
)

// Command is the actuation output of one evaluation. A nonzero cycling
// threshold means on/off duty modulation; zero means the duty is a direct
// proportional position.
type Command struct {
	ZoneID    string    `json:"zoneId"`
	Timestamp time.Time `json:"timestamp"`
	DutyPct   float64   `json:"dutyPct"`
	Mode      string    `json:"mode"` // HEAT, COOL or OFF
	Direct    bool      `json:"direct"`
}

// CommandSink delivers actuation commands (Kafka or MQTT transport).
type CommandSink interface {
	PublishCommand(ctx context.Context, cmd Command) error
}

// EventSink receives cycle-completion and gain-change events for audit.
type EventSink interface {
	PublishCycle(ctx context.Context, zoneID string, c cycle.Cycle)
	PublishGainChange(ctx context.Context, zoneID string, rec gains.ChangeRecord)
}

// Persister queues state snapshots; implementations debounce and never
// block the caller.
type Persister interface {
	Save(snap store.Snapshot)
}

// Instruments is the metrics surface the engine reports into. A nil
// Instruments is allowed.
type Instruments interface {
	ObserveCycle(zoneID string, convergent bool, settling time.Duration)
	SetConfidence(zoneID string, v float64)
	SetGains(zoneID string, g gains.Gains)
	SetStatus(zoneID string, s learning.Status)
	ApplyCommitted(zoneID string)
	RollbackTriggered(zoneID string)
	ProposalHeld(zoneID string)
}

// Config is the static per-zone setup.
type Config struct {
	ZoneID           string
	Props            learning.ZoneProps
	SetpointC        float64
	CyclingThreshold float64
	StaleTimeout     time.Duration
	PauseDecayPerMin float64 // integral decay while paused, e.g. 0.10
	ReplayHistory    bool
}

// Engine runs one zone. Evaluation is event-driven, triggered by a new
// sample or a timer tick, and serialized by the mutex: the two triggers
// never run concurrently for the same zone.
type Engine struct {
	cfg     Config
	profile heat.Profile
	log     *slog.Logger

	gstore    *gains.Store
	ctrl      *control.Controller
	tracker   *cycle.Tracker
	conf      *learning.Confidence
	chronic   *learning.ChronicDetector
	learner   *learning.Learner
	validator *learning.Validator

	cmds    CommandSink
	events  EventSink
	persist Persister
	inst    Instruments

	mu          sync.Mutex
	setpoint    float64
	outdoor     *float64
	outdoorAt   time.Time
	feedforward float64

	pauseTags  map[string]struct{}
	preheating bool
	resumeAt   *time.Time
	setback    *float64

	lastSample time.Time
	lastValue  float64
	haveSample bool
	lastOutput float64
}

// New assembles a zone engine. The gain store is created here so nothing
// else can hand out a mutable reference to the gains.
func New(cfg Config, cmds CommandSink, events EventSink, persist Persister, inst Instruments, log *slog.Logger) *Engine {
	profile := heat.ProfileFor(cfg.Props.Type)
	gstore := gains.NewStore()
	zlog := log.With(slog.String("zone", cfg.ZoneID))

	conf := learning.NewConfidence(profile)
	e := &Engine{
		cfg:       cfg,
		profile:   profile,
		log:       zlog,
		gstore:    gstore,
		ctrl:      control.New(gstore, profile),
		tracker:   cycle.NewTracker(profile, cfg.CyclingThreshold, zlog),
		conf:      conf,
		chronic:   learning.NewChronicDetector(profile),
		learner:   learning.NewLearner(profile),
		validator: learning.NewValidator(gstore, conf, profile, zlog),
		cmds:      cmds,
		events:    events,
		persist:   persist,
		inst:      inst,
		setpoint:  cfg.SetpointC,
		pauseTags: map[string]struct{}{},
	}

	gstore.Subscribe(func(rec gains.ChangeRecord) {
		if e.events != nil {
			e.events.PublishGainChange(context.Background(), cfg.ZoneID, rec)
		}
		if e.inst != nil {
			e.inst.SetGains(cfg.ZoneID, rec.Gains)
		}
	})

	return e
}

// ZoneID returns the zone this engine drives.
func (e *Engine) ZoneID() string { return e.cfg.ZoneID }

// Bootstrap restores persisted state or, for a zone with no prior gains,
// runs the one-shot physics initializer. Optionally replays the persisted
// cycle history through the chronic detector.
func (e *Engine) Bootstrap(snap *store.Snapshot, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if snap != nil {
		if err := e.restore(*snap); err != nil {
			return err
		}
		e.log.Info("state restored",
			slog.Int("historyEntries", len(snap.History)),
			slog.Float64("confidence", snap.Confidence))
	} else {
		g, err := learning.InitializeGains(e.gstore, e.cfg.Props, now)
		if err != nil {
			return err
		}
		e.log.Info("physics-initialized gains",
			slog.Float64("kp", g.Kp), slog.Float64("ki", g.Ki),
			slog.Float64("kd", g.Kd), slog.Float64("ke", g.Ke))
	}

	if e.cfg.ReplayHistory {
		if boost, ok := e.chronic.Replay(e.tracker.History()); ok {
			e.applyChronicBoost(now, boost)
		}
		// Replay runs at most once per process; the setting should be
		// switched off once the backlog has been scanned.
		e.log.Warn("historic chronic-approach replay ran; disable replay_history to avoid repeated re-scans")
	}
	e.queuePersist(now)
	return nil
}

func (e *Engine) restore(snap store.Snapshot) error {
	if err := e.gstore.Restore(snap.Gains, snap.Baseline, snap.History); err != nil {
		return err
	}
	e.ctrl.SetIntegral(snap.Integral)
	e.tracker.SeedHistory(snap.Cycles)
	e.conf.Restore(snap.Confidence, snap.ConfidenceCycles)
	e.chronic.Restore(snap.Chronic.Consecutive, snap.Chronic.CooldownUntil, snap.Chronic.CumulativeMult)
	e.validator.Restore(snap.Validator.ApplyTimes, snap.Validator.LifetimeApplies, snap.Validator.ShiftAt, snap.Validator.Window)
	return nil
}

// OnSample feeds a fresh temperature sample through an evaluation.
func (e *Engine) OnSample(ctx context.Context, ts time.Time, value float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSample = ts
	e.lastValue = value
	e.haveSample = true
	e.evaluate(ctx, ts, value, false)
}

// OnTick runs a timer-driven evaluation. Without a fresh sample inside the
// stale timeout the controller holds its output and freezes the integral.
func (e *Engine) OnTick(ctx context.Context, ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stale := !e.haveSample || ts.Sub(e.lastSample) > e.cfg.StaleTimeout
	e.evaluate(ctx, ts, e.lastValue, stale)
}

func (e *Engine) evaluate(ctx context.Context, ts time.Time, value float64, stale bool) {
	paused := len(e.pauseTags) > 0

	terms := e.ctrl.Evaluate(control.Input{
		Timestamp:   ts,
		Value:       value,
		Setpoint:    e.setpoint,
		Outdoor:     e.outdoor,
		Feedforward: e.feedforward,
		Stale:       stale,
		Paused:      paused,
		DecayPerMin: e.cfg.PauseDecayPerMin,
	})
	e.lastOutput = terms.Output

	cmd := Command{
		ZoneID:    e.cfg.ZoneID,
		Timestamp: ts,
		DutyPct:   terms.Output,
		Mode:      e.mode(value, terms.Output),
		Direct:    e.cfg.CyclingThreshold == 0,
	}
	if e.cmds != nil {
		if err := e.cmds.PublishCommand(ctx, cmd); err != nil {
			e.log.Error("command publish failed", slog.Any("err", err))
		}
	}

	if paused || stale {
		return
	}

	c, done := e.tracker.Observe(cycle.Sample{
		Timestamp: ts,
		Value:     value,
		Setpoint:  e.setpoint,
		Output:    terms.Output,
	})
	if done {
		e.onCycle(ts, *c)
	}
}

// onCycle runs the learning pipeline for a finalized cycle, synchronously
// within the evaluation that finalized it. A fault here skips the pass;
// it never reaches the actuation path.
func (e *Engine) onCycle(now time.Time, c cycle.Cycle) {
	m := c.Metrics
	e.log.Info("cycle finalized",
		slog.String("direction", string(c.Direction)),
		slog.Bool("reached", m.Reached),
		slog.Bool("convergent", m.Convergent),
		slog.Float64("overshootC", m.OvershootC),
		slog.Float64("undershootC", m.UndershootC),
		slog.Duration("settling", m.SettlingTime))

	e.conf.Observe(m)

	rolledBack, err := e.validator.OnCycle(now, m)
	if err != nil {
		e.log.Error("validation window update failed", slog.Any("err", err))
	}
	if rolledBack && e.inst != nil {
		e.inst.RollbackTriggered(e.cfg.ZoneID)
	}

	if boost, ok := e.chronic.Observe(c); ok {
		e.applyChronicBoost(now, boost)
	} else if current, ok := e.gstore.Snapshot(); ok {
		chronicActive := e.chronic.Consecutive() > 0
		if p, ok := e.learner.Analyze(current, m, chronicActive); ok {
			applied, hold, err := e.validator.Submit(now, p)
			switch {
			case err != nil:
				e.log.Error("proposal submit failed", slog.Any("err", err))
			case applied:
				if p.Reason == gains.ReasonUndershoot {
					e.conf.Penalize(8)
				}
				if e.inst != nil {
					e.inst.ApplyCommitted(e.cfg.ZoneID)
				}
			case hold != "":
				if e.inst != nil {
					e.inst.ProposalHeld(e.cfg.ZoneID)
				}
			}
		}
	}

	if e.events != nil {
		e.events.PublishCycle(context.Background(), e.cfg.ZoneID, c)
	}
	if e.inst != nil {
		e.inst.ObserveCycle(e.cfg.ZoneID, m.Convergent, m.SettlingTime)
		e.inst.SetConfidence(e.cfg.ZoneID, e.conf.Score())
		e.inst.SetStatus(e.cfg.ZoneID, e.conf.Status(len(e.pauseTags) > 0))
	}
	e.queuePersist(now)
}

// applyChronicBoost commits a detector-proposed ki multiplication. The
// detector already enforced the cooldown and the 2.0x cumulative cap.
func (e *Engine) applyChronicBoost(now time.Time, b learning.Boost) {
	current, ok := e.gstore.Snapshot()
	if !ok {
		return
	}
	next := current
	next.Ki *= b.Multiplier
	metrics := b.Cycle.Metrics
	if _, err := e.gstore.CommitAt(now, next, gains.ReasonChronicBoost, gains.ActorLearning, &metrics); err != nil {
		e.log.Error("chronic boost commit failed", slog.Any("err", err))
		return
	}
	e.conf.Penalize(10)
	e.log.Info("chronic approach failure confirmed, ki boosted",
		slog.Float64("multiplier", b.Multiplier),
		slog.Float64("cumulative", b.Cumulative))
}

func (e *Engine) mode(value, output float64) string {
	if output <= e.cfg.CyclingThreshold {
		return "OFF"
	}
	if e.setpoint < value {
		return "COOL"
	}
	return "HEAT"
}

// queuePersist hands the current snapshot to the debounced persister.
func (e *Engine) queuePersist(now time.Time) {
	if e.persist == nil {
		return
	}
	e.persist.Save(e.snapshotLocked(now))
}

func (e *Engine) snapshotLocked(now time.Time) store.Snapshot {
	current, _ := e.gstore.Snapshot()
	baseline, _ := e.gstore.Baseline()
	return store.Snapshot{
		Version:          store.SnapshotVersion,
		ZoneID:           e.cfg.ZoneID,
		SavedAt:          now,
		Gains:            current,
		Baseline:         baseline,
		History:          e.gstore.History(),
		Integral:         e.ctrl.Integral(),
		Cycles:           e.tracker.History(),
		Confidence:       e.conf.Score(),
		ConfidenceCycles: e.conf.Cycles(),
		Chronic: store.ChronicState{
			Consecutive:    e.chronic.Consecutive(),
			CooldownUntil:  e.chronic.CooldownUntil(),
			CumulativeMult: e.chronic.CumulativeMult(),
		},
		Validator: store.ValidatorState{
			ApplyTimes:      e.validator.ApplyTimes(),
			LifetimeApplies: e.validator.LifetimeApplies(),
			ShiftAt:         e.validator.ShiftAt(),
			Window:          e.validator.OpenWindow(),
		},
	}
}

// Snapshot returns the current state blob (for tests and shutdown flushes).
func (e *Engine) Snapshot(now time.Time) store.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(now)
}

// SetSetpoint updates the target. Setpoint overrides from night-setback or
// preheat collaborators arrive the same way.
func (e *Engine) SetSetpoint(v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setpoint = v
}

// SetOutdoor feeds the outdoor temperature for the E term and the
// seasonal-shift detector.
func (e *Engine) SetOutdoor(now time.Time, v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	dt := time.Minute
	if !e.outdoorAt.IsZero() {
		if d := now.Sub(e.outdoorAt); d > 0 {
			dt = d
		}
	}
	e.outdoorAt = now
	e.outdoor = &v
	e.validator.ObserveOutdoor(now, v, dt)
}

// SetFeedforward sets the externally computed F-term bias (thermal-group
// coupling or setpoint-change boost/decay).
func (e *Engine) SetFeedforward(v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.feedforward = v
}

// Pause suppresses heating for the given condition tag. Idempotent and
// re-entrant: repeated pauses for the same tag do not reset decay or
// cooldown timers. The in-progress cycle is discarded, never finalized
// with corrupted metrics.
func (e *Engine) Pause(tag string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pauseTags[tag]; ok {
		return
	}
	first := len(e.pauseTags) == 0
	e.pauseTags[tag] = struct{}{}
	if first {
		e.tracker.Discard(tag)
		e.log.Info("zone paused", slog.String("condition", tag))
	}
}

// Resume clears a pause condition. The zone unpauses when no tags remain.
func (e *Engine) Resume(tag string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pauseTags[tag]; !ok {
		return
	}
	delete(e.pauseTags, tag)
	if len(e.pauseTags) == 0 {
		e.resumeAt = nil
		e.log.Info("zone resumed")
	}
}

// SetPreheating flags the predictive-preheat collaborator state for the
// operational status object.
func (e *Engine) SetPreheating(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.preheating = on
}

// SetResumeTime records when a pausing collaborator expects to release.
func (e *Engine) SetResumeTime(t *time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumeAt = t
}

// SetSetbackDelta records the active night-setback offset for status.
func (e *Engine) SetSetbackDelta(d *float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setback = d
}

// ManualApply routes a user-supplied gain set through the validator's
// manual path (no confidence gate; drift and lifetime guards still hold).
func (e *Engine) ManualApply(now time.Time, g gains.Gains) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var baseline cycle.Metrics
	if hist := e.tracker.History(); len(hist) > 0 {
		baseline = hist[len(hist)-1].Metrics
	}
	if err := e.validator.ManualApply(now, g, baseline); err != nil {
		return err
	}
	e.queuePersist(now)
	return nil
}

// ManualRollback restores the pre-apply gains on user request.
func (e *Engine) ManualRollback(now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.validator.ManualRollback(now); err != nil {
		return err
	}
	e.queuePersist(now)
	return nil
}

// GainStore exposes read access for the HTTP surface.
func (e *Engine) Gains() (gains.Gains, bool) { return e.gstore.Snapshot() }

// RecentChanges returns the bounded external history window.
func (e *Engine) RecentChanges() []gains.ChangeRecord { return e.gstore.Recent() }

// Confidence returns the numeric convergence confidence.
func (e *Engine) Confidence() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conf.Score()
}

// LearningStatus returns the four-tier classification, idle while paused.
func (e *Engine) LearningStatus() learning.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conf.Status(len(e.pauseTags) > 0)
}

// OperationalStatus is the compact status object exposed to collaborators.
type OperationalStatus struct {
	ZoneID       string          `json:"zoneId"`
	State        string          `json:"state"`
	Conditions   []string        `json:"conditions,omitempty"`
	ResumeAt     *time.Time      `json:"resumeAt,omitempty"`
	SetbackDelta *float64        `json:"setbackDelta,omitempty"`
	Learning     learning.Status `json:"learning"`
	Confidence   float64         `json:"confidence"`
	OutputPct    float64         `json:"outputPct"`
	SetpointC    float64         `json:"setpointC"`
}

// Status builds the operational status object.
func (e *Engine) Status() OperationalStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := OperationalStatus{
		ZoneID:       e.cfg.ZoneID,
		ResumeAt:     e.resumeAt,
		SetbackDelta: e.setback,
		Learning:     e.conf.Status(len(e.pauseTags) > 0),
		Confidence:   e.conf.Score(),
		OutputPct:    e.lastOutput,
		SetpointC:    e.setpoint,
	}

	for tag := range e.pauseTags {
		st.Conditions = append(st.Conditions, tag)
	}
	sort.Strings(st.Conditions)

	switch {
	case len(e.pauseTags) > 0:
		st.State = "paused"
	case e.preheating:
		st.State = "preheating"
	default:
		switch e.tracker.Phase() {
		case cycle.PhaseHeating:
			st.State = "heating"
		case cycle.PhaseCooling:
			st.State = "cooling"
		case cycle.PhaseSettling:
			st.State = "settling"
		default:
			st.State = "idle"
		}
	}
	return st
}
