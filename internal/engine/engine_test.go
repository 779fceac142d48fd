package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nrgchamp/zonetune/internal/cycle"
	"nrgchamp/zonetune/internal/gains"
	"nrgchamp/zonetune/internal/heat"
	"nrgchamp/zonetune/internal/learning"
	"nrgchamp/zonetune/internal/store"
)

var start = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)

type fakeCommandSink struct {
	commands []Command
}

func (f *fakeCommandSink) PublishCommand(_ context.Context, cmd Command) error {
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeCommandSink) last() Command {
	return f.commands[len(f.commands)-1]
}

type fakeEventSink struct {
	cycles  []cycle.Cycle
	changes []gains.ChangeRecord
}

func (f *fakeEventSink) PublishCycle(_ context.Context, _ string, c cycle.Cycle) {
	f.cycles = append(f.cycles, c)
}

func (f *fakeEventSink) PublishGainChange(_ context.Context, _ string, rec gains.ChangeRecord) {
	f.changes = append(f.changes, rec)
}

type fakePersister struct {
	snaps []store.Snapshot
}

func (f *fakePersister) Save(snap store.Snapshot) { f.snaps = append(f.snaps, snap) }

type fakeInstruments struct {
	cycles     int
	convergent int
	applies    int
	rollbacks  int
	holds      int
	confidence float64
	status     learning.Status
}

func (f *fakeInstruments) ObserveCycle(_ string, convergent bool, _ time.Duration) {
	f.cycles++
	if convergent {
		f.convergent++
	}
}
func (f *fakeInstruments) SetConfidence(_ string, v float64)       { f.confidence = v }
func (f *fakeInstruments) SetGains(_ string, _ gains.Gains)        {}
func (f *fakeInstruments) SetStatus(_ string, s learning.Status)   { f.status = s }
func (f *fakeInstruments) ApplyCommitted(_ string)                 { f.applies++ }
func (f *fakeInstruments) RollbackTriggered(_ string)              { f.rollbacks++ }
func (f *fakeInstruments) ProposalHeld(_ string)                   { f.holds++ }

type fixture struct {
	eng     *Engine
	cmds    *fakeCommandSink
	events  *fakeEventSink
	persist *fakePersister
	inst    *fakeInstruments
}

func newFixture(t *testing.T, snap *store.Snapshot) *fixture {
	t.Helper()
	f := &fixture{
		cmds:    &fakeCommandSink{},
		events:  &fakeEventSink{},
		persist: &fakePersister{},
		inst:    &fakeInstruments{},
	}
	lg := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.eng = New(Config{
		ZoneID:           "living",
		Props:            learning.ZoneProps{AreaM2: 20, Type: heat.ForcedAir},
		SetpointC:        21.0,
		CyclingThreshold: 10,
		StaleTimeout:     5 * time.Minute,
		PauseDecayPerMin: 0.10,
	}, f.cmds, f.events, f.persist, f.inst, lg)
	require.NoError(t, f.eng.Bootstrap(snap, start))
	return f
}

// feed drives minute-spaced samples from the given offset.
func (f *fixture) feed(ctx context.Context, fromMin int, values []float64) {
	for i, v := range values {
		f.eng.OnSample(ctx, start.Add(time.Duration(fromMin+i)*time.Minute), v)
	}
}

func TestBootstrapPhysicsInitializesFreshZone(t *testing.T) {
	f := newFixture(t, nil)

	g, ok := f.eng.Gains()
	require.True(t, ok)
	require.InDelta(t, 36, g.Kp, 1e-9, "forced-air 20m2: kp = 0.6*Ku")
	require.InDelta(t, 0.05, g.Ki, 1e-12)
	require.InDelta(t, 6480, g.Kd, 1e-9)
	require.Zero(t, g.Ke)

	require.Len(t, f.events.changes, 1)
	require.Equal(t, gains.ReasonPhysicsInit, f.events.changes[0].Reason)
	require.NotEmpty(t, f.persist.snaps, "bootstrap queues an initial snapshot")
}

func TestBootstrapRestoresSnapshot(t *testing.T) {
	g := gains.Gains{Kp: 30, Ki: 0.04, Kd: 5000}
	snap := &store.Snapshot{
		Version:          store.SnapshotVersion,
		ZoneID:           "living",
		Gains:            g,
		Baseline:         g,
		Integral:         12.5,
		Confidence:       60,
		ConfidenceCycles: 8,
		Chronic:          store.ChronicState{CumulativeMult: 1.35},
	}
	f := newFixture(t, snap)

	got, ok := f.eng.Gains()
	require.True(t, ok)
	require.Equal(t, g, got)
	require.InDelta(t, 60, f.eng.Confidence(), 1e-9)
	require.Empty(t, f.events.changes, "a restore is not a gain change")
}

func TestFullCyclePipeline(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Hold below setpoint while the integral ramps the duty over the
	// cycling threshold, then land just above setpoint and settle.
	f.feed(ctx, 0, []float64{
		18.0, 18.0, 18.0, 18.0, // duty ramps: cycle starts once above threshold
		21.1,                   // duty collapses: settling begins
		21.05, 21.0, 21.0, 21.0, 21.0, // in band for the dwell
	})

	require.Len(t, f.events.cycles, 1, "one finalized cycle published")
	c := f.events.cycles[0]
	require.Equal(t, cycle.Heating, c.Direction)
	require.True(t, c.Metrics.Reached)
	require.True(t, c.Metrics.Convergent)

	require.Equal(t, 1, f.inst.cycles)
	require.Equal(t, 1, f.inst.convergent)
	require.Greater(t, f.inst.confidence, 0.0)
	require.Equal(t, learning.StatusCollecting, f.inst.status, "one cycle is far below the cycle floor")

	conf := f.eng.Confidence()
	require.Greater(t, conf, 6.0)
	require.Less(t, conf, 12.0, "the small overshoot costs part of the quality bonus")

	// A clean cycle proposes nothing: history still holds only the init.
	require.Len(t, f.eng.RecentChanges(), 1)

	// Commands flowed for every sample; the active phase commanded heat.
	require.Len(t, f.cmds.commands, 10)
	require.Equal(t, "HEAT", f.cmds.commands[2].Mode)
	require.Equal(t, "OFF", f.cmds.last().Mode)
}

func TestPauseForcesOffAndDiscardsCycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.feed(ctx, 0, []float64{18.0, 18.0, 18.0, 18.0})
	require.Greater(t, f.cmds.last().DutyPct, 10.0, "mid-cycle, actively heating")

	f.eng.Pause("window-open")
	f.eng.OnSample(ctx, start.Add(5*time.Minute), 18.0)
	require.Zero(t, f.cmds.last().DutyPct)
	require.Equal(t, "OFF", f.cmds.last().Mode)

	st := f.eng.Status()
	require.Equal(t, "paused", st.State)
	require.Equal(t, []string{"window-open"}, st.Conditions)
	require.Equal(t, learning.StatusIdle, st.Learning)

	// The disturbed cycle never finalizes.
	f.eng.Resume("window-open")
	require.Empty(t, f.events.cycles)
	require.Equal(t, "idle", f.eng.Status().State)
}

func TestPauseIsIdempotentPerTag(t *testing.T) {
	f := newFixture(t, nil)

	f.eng.Pause("vacancy")
	f.eng.Pause("vacancy")
	f.eng.Pause("window-open")

	st := f.eng.Status()
	require.Equal(t, []string{"vacancy", "window-open"}, st.Conditions)

	f.eng.Resume("vacancy")
	require.Equal(t, "paused", f.eng.Status().State, "still held by the other tag")
	f.eng.Resume("window-open")
	require.Equal(t, "idle", f.eng.Status().State)
}

func TestStaleTickHoldsLastCommand(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.feed(ctx, 0, []float64{18.0, 18.0})
	held := f.cmds.last().DutyPct
	require.Greater(t, held, 0.0)

	// A tick 10 minutes after the last sample is blind: hold the command.
	f.eng.OnTick(ctx, start.Add(11*time.Minute))
	require.Equal(t, held, f.cmds.last().DutyPct)
	require.Empty(t, f.events.cycles, "stale evaluations never feed the tracker")
}

func TestManualApplyAndRollback(t *testing.T) {
	f := newFixture(t, nil)

	next := gains.Gains{Kp: 40, Ki: 0.05, Kd: 6480}
	require.NoError(t, f.eng.ManualApply(start.Add(time.Hour), next))

	g, _ := f.eng.Gains()
	require.InDelta(t, 40, g.Kp, 1e-9)
	recent := f.eng.RecentChanges()
	require.Equal(t, gains.ReasonManualSet, recent[len(recent)-1].Reason)

	require.NoError(t, f.eng.ManualRollback(start.Add(2*time.Hour)))
	g, _ = f.eng.Gains()
	require.InDelta(t, 36, g.Kp, 1e-9)

	// Every mutation reached the audit sink: init, manual set, rollback.
	require.Len(t, f.events.changes, 3)
}

func TestManualApplyRejectsExcessiveDrift(t *testing.T) {
	f := newFixture(t, nil)
	err := f.eng.ManualApply(start.Add(time.Hour), gains.Gains{Kp: 100, Ki: 0.05, Kd: 6480})
	require.Error(t, err)
	g, _ := f.eng.Gains()
	require.InDelta(t, 36, g.Kp, 1e-9, "a rejected apply leaves the gains untouched")
}

func TestSnapshotCarriesLearningState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.feed(ctx, 0, []float64{
		18.0, 18.0, 18.0, 18.0,
		21.1,
		21.05, 21.0, 21.0, 21.0, 21.0,
	})

	snap := f.eng.Snapshot(start.Add(time.Hour))
	require.Equal(t, "living", snap.ZoneID)
	require.Equal(t, 1, snap.ConfidenceCycles)
	require.Len(t, snap.Cycles, 1)
	require.InDelta(t, 1.0, snap.Chronic.CumulativeMult, 1e-9)
	require.Len(t, snap.History, 1)
	require.Greater(t, snap.Confidence, 0.0)

	// The snapshot restores into a fresh engine.
	f2 := newFixture(t, &snap)
	require.InDelta(t, f.eng.Confidence(), f2.eng.Confidence(), 1e-9)
	g1, _ := f.eng.Gains()
	g2, _ := f2.eng.Gains()
	require.Equal(t, g1, g2)
}

func TestSetOutdoorFeedsCompensation(t *testing.T) {
	// Outdoor compensation enabled: ke comes from the physics defaults.
	f := &fixture{
		cmds:    &fakeCommandSink{},
		events:  &fakeEventSink{},
		persist: &fakePersister{},
		inst:    &fakeInstruments{},
	}
	lg := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.eng = New(Config{
		ZoneID:           "living",
		Props:            learning.ZoneProps{AreaM2: 20, Type: heat.ForcedAir, OutdoorComp: true},
		SetpointC:        21.0,
		CyclingThreshold: 10,
		StaleTimeout:     5 * time.Minute,
	}, f.cmds, f.events, f.persist, f.inst, lg)
	require.NoError(t, f.eng.Bootstrap(nil, start))

	ctx := context.Background()
	f.eng.SetOutdoor(start, -4)
	f.eng.OnSample(ctx, start, 21.0)

	// At setpoint with zero accumulator the whole duty is the E term:
	// ke * (16 - (-4)).
	require.InDelta(t, 0.4*20, f.cmds.last().DutyPct, 1e-9)
}
