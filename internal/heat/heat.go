// Package heat defines the heating-type taxonomy and the per-type tuning
// profiles the control and learning loops scale their thresholds by.
package heat

import (
	"fmt"
	"time"
)

// Type identifies the emitter class driving a zone. Response speed runs
// from ForcedAir (fastest) to FloorHydronic (slowest).
type Type string

const (
	ForcedAir     Type = "forced_air"
	Convector     Type = "convector"
	Electric      Type = "electric"
	Radiator      Type = "radiator"
	FloorHydronic Type = "floor_hydronic"
)

// All lists every supported heating type in response-speed order.
func All() []Type {
	return []Type{ForcedAir, Convector, Electric, Radiator, FloorHydronic}
}

// Parse maps a configuration string onto a heating type.
func Parse(s string) (Type, error) {
	switch Type(s) {
	case ForcedAir, Convector, Electric, Radiator, FloorHydronic:
		return Type(s), nil
	}
	return "", fmt.Errorf("unsupported heating type %q", s)
}

// Profile carries every type-scaled constant used by the controller, the
// cycle tracker, the learning subsystem and the physics initializer.
type Profile struct {
	// PropMultiplier scales the proportional contribution for actuator
	// dynamics (fast emitters tolerate a stronger P action).
	PropMultiplier float64

	// Settling detection.
	ToleranceC    float64       // band around setpoint counting as settled
	SettleDwell   time.Duration // time the value must stay in band
	SettleTimeout time.Duration // give up and finalize as not reached

	// Convergence thresholds. A cycle converges only when ALL tracked
	// metrics fall below these.
	ConvDriftC      float64
	ConvSettlingMAE float64
	ConvUndershootC float64
	ConvOvershootC  float64

	// Chronic approach-failure pattern.
	ChronicCycles      int           // consecutive failing cycles required
	ChronicUndershootC float64       // undershoot floor for a cycle to count
	ChronicMinDuration time.Duration // cycles shorter than this don't count
	ChronicKiMult      float64       // proposed ki multiplier on confirmation
	ChronicCooldown    time.Duration // minimum spacing between boosts

	// Confidence tier scaling. Base tiers 40/70/95 are multiplied by
	// TierFactor and capped at 95.
	TierFactor float64

	// Physics response class for initial gain estimation.
	BaseTauMinutes float64 // thermal time constant of a reference 20 m2 zone
	UltimateGain   float64 // Ku analog for the Ziegler-Nichols relation
	HighMass       bool    // high-mass emitters run without a D term
	DefaultKe      float64 // outdoor compensation default when enabled
}

var profiles = map[Type]Profile{
	ForcedAir: {
		PropMultiplier:     1.3,
		ToleranceC:         0.2,
		SettleDwell:        4 * time.Minute,
		SettleTimeout:      45 * time.Minute,
		ConvDriftC:         0.15,
		ConvSettlingMAE:    0.15,
		ConvUndershootC:    0.15,
		ConvOvershootC:     0.15,
		ChronicCycles:      3,
		ChronicUndershootC: 0.3,
		ChronicMinDuration: 15 * time.Minute,
		ChronicKiMult:      1.35,
		ChronicCooldown:    3 * time.Hour,
		TierFactor:         1.0,
		BaseTauMinutes:     12,
		UltimateGain:       60,
		DefaultKe:          0.4,
	},
	Convector: {
		PropMultiplier:     1.15,
		ToleranceC:         0.25,
		SettleDwell:        6 * time.Minute,
		SettleTimeout:      60 * time.Minute,
		ConvDriftC:         0.2,
		ConvSettlingMAE:    0.2,
		ConvUndershootC:    0.2,
		ConvOvershootC:     0.2,
		ChronicCycles:      3,
		ChronicUndershootC: 0.4,
		ChronicMinDuration: 20 * time.Minute,
		ChronicKiMult:      1.3,
		ChronicCooldown:    6 * time.Hour,
		TierFactor:         1.0,
		BaseTauMinutes:     25,
		UltimateGain:       45,
		DefaultKe:          0.5,
	},
	Electric: {
		PropMultiplier:     1.2,
		ToleranceC:         0.2,
		SettleDwell:        5 * time.Minute,
		SettleTimeout:      50 * time.Minute,
		ConvDriftC:         0.2,
		ConvSettlingMAE:    0.2,
		ConvUndershootC:    0.2,
		ConvOvershootC:     0.2,
		ChronicCycles:      3,
		ChronicUndershootC: 0.35,
		ChronicMinDuration: 15 * time.Minute,
		ChronicKiMult:      1.3,
		ChronicCooldown:    4 * time.Hour,
		TierFactor:         1.0,
		BaseTauMinutes:     18,
		UltimateGain:       50,
		DefaultKe:          0.4,
	},
	Radiator: {
		PropMultiplier:     1.0,
		ToleranceC:         0.3,
		SettleDwell:        8 * time.Minute,
		SettleTimeout:      90 * time.Minute,
		ConvDriftC:         0.25,
		ConvSettlingMAE:    0.25,
		ConvUndershootC:    0.25,
		ConvOvershootC:     0.25,
		ChronicCycles:      4,
		ChronicUndershootC: 0.5,
		ChronicMinDuration: 30 * time.Minute,
		ChronicKiMult:      1.25,
		ChronicCooldown:    12 * time.Hour,
		TierFactor:         1.05,
		BaseTauMinutes:     50,
		UltimateGain:       35,
		HighMass:           true,
		DefaultKe:          0.6,
	},
	FloorHydronic: {
		PropMultiplier:     0.5,
		ToleranceC:         0.3,
		SettleDwell:        12 * time.Minute,
		SettleTimeout:      3 * time.Hour,
		ConvDriftC:         0.3,
		ConvSettlingMAE:    0.3,
		ConvUndershootC:    0.4,
		ConvOvershootC:     0.3,
		ChronicCycles:      5,
		ChronicUndershootC: 0.6,
		ChronicMinDuration: 45 * time.Minute,
		ChronicKiMult:      1.2,
		ChronicCooldown:    24 * time.Hour,
		TierFactor:         1.1,
		BaseTauMinutes:     150,
		UltimateGain:       25,
		HighMass:           true,
		DefaultKe:          0.7,
	},
}

// ProfileFor returns the tuning profile of a heating type.
func ProfileFor(t Type) Profile {
	p, ok := profiles[t]
	if !ok {
		// Unknown types are rejected at config load; radiator is the
		// most conservative fallback should one slip through.
		return profiles[Radiator]
	}
	return p
}

// Confidence tier bases. Tiers are multiplied by the type factor and
// capped at the optimized threshold.
const (
	tierCollectingBase = 40.0
	tierStableBase     = 70.0
	tierOptimized      = 95.0
)

// Tiers returns the three confidence thresholds (collecting→stable,
// stable→tuned, tuned→optimized) for a heating type.
func (p Profile) Tiers() (t1, t2, t3 float64) {
	t1 = min(tierCollectingBase*p.TierFactor, tierOptimized)
	t2 = min(tierStableBase*p.TierFactor, tierOptimized)
	t3 = tierOptimized
	return t1, t2, t3
}

// Material identifies a floor construction layer material.
type Material string

const (
	MaterialConcrete Material = "concrete"
	MaterialScreed   Material = "screed"
	MaterialTile     Material = "tile"
	MaterialWood     Material = "wood"
	MaterialCarpet   Material = "carpet"
)

// ParseMaterial maps a configuration string onto a layer material.
func ParseMaterial(s string) (Material, error) {
	switch Material(s) {
	case MaterialConcrete, MaterialScreed, MaterialTile, MaterialWood, MaterialCarpet:
		return Material(s), nil
	}
	return "", fmt.Errorf("unsupported floor material %q", s)
}

// volumetricHeatCapacity approximates each material in MJ/(m3*K).
var volumetricHeatCapacity = map[Material]float64{
	MaterialConcrete: 2.1,
	MaterialScreed:   1.9,
	MaterialTile:     1.6,
	MaterialWood:     0.9,
	MaterialCarpet:   0.4,
}

// Layer is one stratum of a layered floor construction.
type Layer struct {
	Material    Material
	ThicknessMM float64
}

// MassFactor converts a layered construction into a multiplier on the zone
// thermal time constant. An empty construction is neutral (1.0).
func MassFactor(layers []Layer) float64 {
	if len(layers) == 0 {
		return 1.0
	}
	// Reference: 60 mm screed, the common hydronic slab.
	const refCapacity = 1.9 * 0.060
	var total float64
	for _, l := range layers {
		total += volumetricHeatCapacity[l.Material] * l.ThicknessMM / 1000.0
	}
	f := total / refCapacity
	if f < 0.5 {
		f = 0.5
	}
	if f > 3.0 {
		f = 3.0
	}
	return f
}
