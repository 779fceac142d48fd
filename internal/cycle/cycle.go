// Package cycle segments the continuous (command, temperature) stream into
// discrete heating/cooling cycles and computes per-cycle performance metrics.
package cycle

import (
	"time"
)

// Direction says which way a cycle drives the measured value.
type Direction string

const (
	Heating Direction = "heating"
	Cooling Direction = "cooling"
)

// Phase is the tracker state.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseHeating  Phase = "heating"
	PhaseCooling  Phase = "cooling"
	PhaseSettling Phase = "settling"
)

// Sample is one evaluation point consumed by the tracker. Samples are
// ephemeral: they live only inside the active cycle window.
type Sample struct {
	Timestamp time.Time
	Value     float64
	Setpoint  float64
	Output    float64
}

// Metrics are the performance numbers computed from a finalized cycle.
type Metrics struct {
	OvershootC     float64       `json:"overshootC"`
	UndershootC    float64       `json:"undershootC"`
	PeakDeviationC float64       `json:"peakDeviationC"`
	SettlingTime   time.Duration `json:"settlingTime"`
	SettlingMAE    float64       `json:"settlingMAE"`
	Oscillations   int           `json:"oscillations"`
	DriftC         float64       `json:"driftC"`
	FinalOffsetC   float64       `json:"finalOffsetC"`
	Reached        bool          `json:"reached"`
	Convergent     bool          `json:"convergent"`
}

// Cycle is a finalized heating or cooling cycle. Immutable once emitted.
type Cycle struct {
	ID         string        `json:"id"`
	Direction  Direction     `json:"direction"`
	SetpointC  float64       `json:"setpointC"`
	StartedAt  time.Time     `json:"startedAt"`
	SettledAt  time.Time     `json:"settledAt"` // command-off transition
	FinishedAt time.Time     `json:"finishedAt"`
	Duration   time.Duration `json:"duration"`
	TimedOut   bool          `json:"timedOut"`
	Metrics    Metrics       `json:"metrics"`
}
