// Package gains owns the control gains of a zone. The Store is the single
// mutation point: every writer (physics init, auto-apply, manual set,
// rollback, restore) serializes through it, and each commit appends to an
// append-only change history.
package gains

import (
	"fmt"
	"time"

	"nrgchamp/zonetune/internal/cycle"
)

// Gains are the controller coefficients. Kd and Ke may be zero (disabled
// term); Kp and Ki must stay non-negative.
type Gains struct {
	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`
	Ke float64 `json:"ke"`
}

// Validate rejects coefficients the controller cannot run with.
func (g Gains) Validate() error {
	if g.Kp < 0 || g.Ki < 0 {
		return fmt.Errorf("kp and ki must be non-negative, got kp=%.4f ki=%.4f", g.Kp, g.Ki)
	}
	if g.Kd < 0 || g.Ke < 0 {
		return fmt.Errorf("kd and ke must be non-negative, got kd=%.4f ke=%.4f", g.Kd, g.Ke)
	}
	return nil
}

// ChangeReason enumerates why gains changed. Closed set: new reasons must be
// added here so downstream switches stay exhaustive.
type ChangeReason string

const (
	ReasonPhysicsInit   ChangeReason = "physics-init"
	ReasonPhysicsReset  ChangeReason = "physics-reset"
	ReasonAdaptiveApply ChangeReason = "adaptive-apply"
	ReasonAutoApply     ChangeReason = "auto-apply"
	ReasonRollback      ChangeReason = "rollback"
	ReasonKePhysics     ChangeReason = "ke-physics"
	ReasonKeLearning    ChangeReason = "ke-learning"
	ReasonUndershoot    ChangeReason = "undershoot-boost"
	ReasonChronicBoost  ChangeReason = "chronic-approach-boost"
	ReasonManualSet     ChangeReason = "manual-set"
	ReasonRestore       ChangeReason = "restore"
)

// Actor says who drove a gain change.
type Actor string

const (
	ActorSystem   Actor = "system"
	ActorUser     Actor = "user"
	ActorLearning Actor = "learning"
)

// ChangeRecord is one append-only history entry.
type ChangeRecord struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Gains     Gains          `json:"gains"`
	Reason    ChangeReason   `json:"reason"`
	Actor     Actor          `json:"actor"`
	Metrics   *cycle.Metrics `json:"metrics,omitempty"`
}
