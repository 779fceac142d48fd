package gains

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func TestEmptyStoreHasNoGains(t *testing.T) {
	s := NewStore()
	_, ok := s.Snapshot()
	require.False(t, ok)
	_, ok = s.Baseline()
	require.False(t, ok)
	require.Empty(t, s.History())
}

func TestCommitRejectsInvalidGains(t *testing.T) {
	s := NewStore()
	_, err := s.CommitAt(t0, Gains{Kp: -1}, ReasonManualSet, ActorUser, nil)
	require.Error(t, err)
	_, ok := s.Snapshot()
	require.False(t, ok, "a rejected commit must not land partially")
	require.Empty(t, s.History())
}

func TestPhysicsInitSetsBaseline(t *testing.T) {
	s := NewStore()
	g := Gains{Kp: 36, Ki: 0.05, Kd: 6480}
	_, err := s.CommitAt(t0, g, ReasonPhysicsInit, ActorSystem, nil)
	require.NoError(t, err)

	base, ok := s.Baseline()
	require.True(t, ok)
	require.Equal(t, g, base)

	// A later adaptive commit moves current but not the baseline.
	_, err = s.CommitAt(t0.Add(time.Hour), Gains{Kp: 32.4, Ki: 0.05, Kd: 6480}, ReasonAutoApply, ActorLearning, nil)
	require.NoError(t, err)
	base, _ = s.Baseline()
	require.Equal(t, g, base)
	cur, _ := s.Snapshot()
	require.InDelta(t, 32.4, cur.Kp, 1e-9)
}

func TestHistoryIsAppendOnly(t *testing.T) {
	s := NewStore()
	for i := 0; i < 3; i++ {
		_, err := s.CommitAt(t0.Add(time.Duration(i)*time.Hour), Gains{Kp: float64(10 + i)}, ReasonAutoApply, ActorLearning, nil)
		require.NoError(t, err)
	}
	hist := s.History()
	require.Len(t, hist, 3)
	for i := 1; i < len(hist); i++ {
		require.True(t, !hist[i].Timestamp.Before(hist[i-1].Timestamp), "history stays in commit order")
	}

	// Mutating the returned slice must not touch the store.
	hist[0].Gains.Kp = 999
	require.InDelta(t, 10, s.History()[0].Gains.Kp, 1e-9)
}

func TestRecentIsBounded(t *testing.T) {
	s := NewStore()
	for i := 0; i < RecentLimit+5; i++ {
		_, err := s.CommitAt(t0.Add(time.Duration(i)*time.Minute), Gains{Kp: float64(i)}, ReasonAutoApply, ActorLearning, nil)
		require.NoError(t, err)
	}
	recent := s.Recent()
	require.Len(t, recent, RecentLimit)
	require.InDelta(t, 5, recent[0].Gains.Kp, 1e-9, "window keeps the newest entries")
	require.Len(t, s.History(), RecentLimit+5, "full history is retained internally")
}

func TestSubscriberSeesEveryCommit(t *testing.T) {
	s := NewStore()
	var seen []ChangeReason
	s.Subscribe(func(rec ChangeRecord) { seen = append(seen, rec.Reason) })

	_, err := s.CommitAt(t0, Gains{Kp: 10}, ReasonPhysicsInit, ActorSystem, nil)
	require.NoError(t, err)
	_, err = s.CommitAt(t0.Add(time.Minute), Gains{Kp: 9}, ReasonRollback, ActorSystem, nil)
	require.NoError(t, err)

	require.Equal(t, []ChangeReason{ReasonPhysicsInit, ReasonRollback}, seen)
}

func TestRestoreRoundTrip(t *testing.T) {
	src := NewStore()
	for i := 0; i < 4; i++ {
		_, err := src.CommitAt(t0.Add(time.Duration(i)*time.Hour), Gains{Kp: float64(20 + i), Ki: 0.01}, ReasonAutoApply, ActorLearning, nil)
		require.NoError(t, err)
	}

	cur, _ := src.Snapshot()
	dst := NewStore()
	require.NoError(t, dst.Restore(cur, Gains{Kp: 20, Ki: 0.01}, src.History()))

	got, ok := dst.Snapshot()
	require.True(t, ok)
	require.Equal(t, cur, got)
	require.Len(t, dst.History(), 4)

	base, ok := dst.Baseline()
	require.True(t, ok)
	require.InDelta(t, 20, base.Kp, 1e-9)
}

func TestChangeRecordIDsAreUnique(t *testing.T) {
	s := NewStore()
	ids := map[string]bool{}
	for i := 0; i < 20; i++ {
		rec, err := s.CommitAt(t0, Gains{Kp: 1}, ReasonAutoApply, ActorLearning, nil)
		require.NoError(t, err)
		require.False(t, ids[rec.ID], fmt.Sprintf("duplicate id %s", rec.ID))
		ids[rec.ID] = true
	}
}
