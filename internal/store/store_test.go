package store

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	lg := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(filepath.Join(t.TempDir(), "zonetune.db"), lg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveFlushLoad(t *testing.T) {
	s := openTestStore(t)

	snap := sampleSnapshot()
	s.Save(snap)
	s.Flush()

	got, found, err := s.Load("living")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, snap.Gains, got.Gains)
	require.Equal(t, snap.Confidence, got.Confidence)
	require.NotNil(t, got.Validator.Window)
}

func TestLoadUnknownZone(t *testing.T) {
	s := openTestStore(t)
	_, found, err := s.Load("nope")
	require.NoError(t, err)
	require.False(t, found)
}

func TestNewestPendingSnapshotWins(t *testing.T) {
	s := openTestStore(t)

	first := sampleSnapshot()
	first.Confidence = 10
	second := sampleSnapshot()
	second.Confidence = 55

	s.Save(first)
	s.Save(second)
	s.Flush()

	got, found, err := s.Load("living")
	require.NoError(t, err)
	require.True(t, found)
	require.InDelta(t, 55, got.Confidence, 1e-9, "a burst of saves collapses to the latest state")
}

func TestZonesListsPersistedState(t *testing.T) {
	s := openTestStore(t)

	a := sampleSnapshot()
	a.ZoneID = "kitchen"
	b := sampleSnapshot()
	b.ZoneID = "bedroom"
	s.Save(a)
	s.Save(b)
	s.Flush()

	ids, err := s.Zones()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"kitchen", "bedroom"}, ids)
}

func TestStateSurvivesReopen(t *testing.T) {
	lg := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "zonetune.db")

	s, err := Open(path, lg)
	require.NoError(t, err)
	s.Save(sampleSnapshot())
	require.NoError(t, s.Close(), "Close flushes pending writes")

	s2, err := Open(path, lg)
	require.NoError(t, err)
	defer s2.Close()

	got, found, err := s2.Load("living")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "living", got.ZoneID)
}
