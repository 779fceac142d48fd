// Package store persists per-zone learning state in an embedded bbolt
// database. Writes are debounced and retried off the evaluation path; a
// persistence fault never touches actuation.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"nrgchamp/zonetune/internal/cycle"
	"nrgchamp/zonetune/internal/gains"
	"nrgchamp/zonetune/internal/learning"
)

// SnapshotVersion tags the stored blob. Older versions load with per-field
// defaults instead of failing the whole restore.
const SnapshotVersion = 2

// ChronicState is the persisted chronic-approach detector state.
type ChronicState struct {
	Consecutive    int       `json:"consecutive"`
	CooldownUntil  time.Time `json:"cooldownUntil"`
	CumulativeMult float64   `json:"cumulativeMult"`
}

// ValidatorState is the persisted validation-manager state. Lifetime apply
// counters must survive restarts or the safety limits mean nothing.
type ValidatorState struct {
	ApplyTimes      []time.Time      `json:"applyTimes"`
	LifetimeApplies int              `json:"lifetimeApplies"`
	ShiftAt         time.Time        `json:"shiftAt"`
	Window          *learning.Window `json:"window,omitempty"`
}

// Snapshot is the versioned per-zone state blob.
type Snapshot struct {
	Version int       `json:"version"`
	ZoneID  string    `json:"zoneId"`
	SavedAt time.Time `json:"savedAt"`

	Gains    gains.Gains          `json:"gains"`
	Baseline gains.Gains          `json:"baseline"`
	History  []gains.ChangeRecord `json:"history"`

	Integral float64 `json:"integral"`

	Cycles []cycle.Cycle `json:"cycles"`

	Confidence       float64 `json:"confidence"`
	ConfidenceCycles int     `json:"confidenceCycles"`

	Chronic   ChronicState   `json:"chronic"`
	Validator ValidatorState `json:"validator"`
}

// DecodeSnapshot unmarshals a stored blob, defaulting missing fields
// per-field rather than discarding the snapshot. Unknown future versions
// are the only hard failure.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Version > SnapshotVersion {
		return Snapshot{}, fmt.Errorf("snapshot version %d newer than supported %d", s.Version, SnapshotVersion)
	}
	applyDefaults(&s)
	return s, nil
}

// applyDefaults fills the fields older snapshot versions did not carry.
func applyDefaults(s *Snapshot) {
	if s.Chronic.CumulativeMult < 1.0 {
		// v1 snapshots predate the chronic detector.
		s.Chronic.CumulativeMult = 1.0
	}
	if s.Confidence < 0 {
		s.Confidence = 0
	}
	if s.Confidence > 100 {
		s.Confidence = 100
	}
	if s.ConfidenceCycles < 0 {
		s.ConfidenceCycles = 0
	}
	if s.Validator.LifetimeApplies < 0 {
		s.Validator.LifetimeApplies = 0
	}
	if s.History == nil {
		s.History = []gains.ChangeRecord{}
	}
	if s.Cycles == nil {
		s.Cycles = []cycle.Cycle{}
	}
	s.Version = SnapshotVersion
}

// Encode marshals the snapshot with its version tag set.
func (s Snapshot) Encode() ([]byte, error) {
	s.Version = SnapshotVersion
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return b, nil
}
