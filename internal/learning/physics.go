package learning

import (
	"fmt"
	"math"
	"time"

	"nrgchamp/zonetune/internal/gains"
	"nrgchamp/zonetune/internal/heat"
)

// ZoneProps are the static zone properties consumed once at initialization.
type ZoneProps struct {
	AreaM2      float64
	Type        heat.Type
	Floor       []heat.Layer
	OutdoorComp bool
}

// referenceAreaM2 is the zone size the per-type base time constants are
// calibrated against.
const referenceAreaM2 = 20.0

// EstimateTimeConstant derives the zone thermal time constant from floor
// area, heating-type response class and layered construction thermal mass.
func EstimateTimeConstant(props ZoneProps) time.Duration {
	p := heat.ProfileFor(props.Type)
	area := props.AreaM2
	if area <= 0 {
		area = referenceAreaM2
	}
	tauMin := p.BaseTauMinutes * math.Sqrt(area/referenceAreaM2) * heat.MassFactor(props.Floor)
	return time.Duration(tauMin * float64(time.Minute))
}

// InitializeGains is the one-shot physics-based estimator. It refuses to run
// when gains already exist: re-seeding a tuned zone is a physics-reset, a
// deliberate user action, not an init.
func InitializeGains(store *gains.Store, props ZoneProps, at time.Time) (gains.Gains, error) {
	if _, ok := store.Snapshot(); ok {
		return gains.Gains{}, fmt.Errorf("gains already initialized")
	}
	g, err := estimate(props)
	if err != nil {
		return gains.Gains{}, err
	}
	if _, err := store.CommitAt(at, g, gains.ReasonPhysicsInit, gains.ActorSystem, nil); err != nil {
		return gains.Gains{}, err
	}
	return g, nil
}

// ResetGains re-derives and commits physics gains over an existing store.
func ResetGains(store *gains.Store, props ZoneProps, at time.Time) (gains.Gains, error) {
	g, err := estimate(props)
	if err != nil {
		return gains.Gains{}, err
	}
	if _, err := store.CommitAt(at, g, gains.ReasonPhysicsReset, gains.ActorSystem, nil); err != nil {
		return gains.Gains{}, err
	}
	return g, nil
}

// estimate derives kp/ki/kd via a Ziegler-Nichols-style relation: the type's
// ultimate gain with an ultimate period of twice the thermal time constant.
// High-mass emitters run without a derivative term; ke stays zero unless
// outdoor compensation is explicitly enabled.
func estimate(props ZoneProps) (gains.Gains, error) {
	if props.AreaM2 <= 0 {
		return gains.Gains{}, fmt.Errorf("zone area must be positive, got %.1f m2", props.AreaM2)
	}
	p := heat.ProfileFor(props.Type)

	tau := EstimateTimeConstant(props)
	pu := 2 * tau.Seconds()
	ku := p.UltimateGain

	g := gains.Gains{
		Kp: 0.6 * ku,
		Ki: 1.2 * ku / pu,
	}
	if !p.HighMass {
		g.Kd = 0.075 * ku * pu
	}
	if props.OutdoorComp {
		g.Ke = p.DefaultKe
	}
	return g, nil
}
