package cycle

import (
	"math"
	"time"

	"nrgchamp/zonetune/internal/heat"
)

// analyze computes the metrics of a finalized cycle from its trace.
//
// All deviations are direction-normalized, so a cooling cycle's "overshoot"
// is the amount the value fell below the setpoint during settling.
func analyze(trace []Sample, dir Direction, settledAt time.Time, reached bool, prevFinalOffset *float64, p heat.Profile) Metrics {
	m := Metrics{Reached: reached}

	var (
		peakActive   float64 = math.Inf(-1)
		peakSettling float64 = math.Inf(-1)
		settleEntry  time.Time
		maeSum       float64
		maeN         int
	)

	prevErr := math.NaN()
	prevDeriv := 0.0

	for _, s := range trace {
		dev := directed(dir, s.Value, s.Setpoint)
		settling := !s.Timestamp.Before(settledAt)

		if settling {
			if dev > peakSettling {
				peakSettling = dev
			}
			maeSum += math.Abs(s.Value - s.Setpoint)
			maeN++

			// Oscillations: sign changes of the error derivative.
			err := s.Setpoint - s.Value
			if !math.IsNaN(prevErr) {
				d := err - prevErr
				if d != 0 {
					if prevDeriv != 0 && math.Signbit(d) != math.Signbit(prevDeriv) {
						m.Oscillations++
					}
					prevDeriv = d
				}
			}
			prevErr = err
		} else {
			if dev > peakActive {
				peakActive = dev
			}
		}

		if settleEntry.IsZero() && deviation(s.Value, s.Setpoint) <= p.ToleranceC {
			settleEntry = s.Timestamp
		}
	}

	start := trace[0].Timestamp
	end := trace[len(trace)-1].Timestamp

	if !math.IsInf(peakSettling, -1) && peakSettling > 0 {
		m.OvershootC = peakSettling
	}

	peak := peakActive
	if peakSettling > peak {
		peak = peakSettling
	}
	if !math.IsInf(peak, -1) {
		m.PeakDeviationC = peak
	}

	// Undershoot only means something when the setpoint was never crossed:
	// it is the distance the peak stopped short.
	if !reached && peak < 0 && !math.IsInf(peak, -1) {
		m.UndershootC = -peak
	}

	if settleEntry.IsZero() {
		m.SettlingTime = end.Sub(start)
	} else {
		m.SettlingTime = settleEntry.Sub(start)
	}

	if maeN > 0 {
		m.SettlingMAE = maeSum / float64(maeN)
	}

	last := trace[len(trace)-1]
	m.FinalOffsetC = last.Value - last.Setpoint
	if prevFinalOffset != nil {
		m.DriftC = math.Abs(m.FinalOffsetC - *prevFinalOffset)
	}

	// Convergence needs every tracked metric under its type-scaled
	// threshold; one failing metric blocks the classification.
	m.Convergent = reached &&
		m.DriftC <= p.ConvDriftC &&
		m.SettlingMAE <= p.ConvSettlingMAE &&
		m.UndershootC <= p.ConvUndershootC &&
		m.OvershootC <= p.ConvOvershootC

	return m
}
