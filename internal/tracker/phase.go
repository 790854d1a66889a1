package tracker

import (
	"math"
	"time"

	"github.com/yegors/flightwatch/internal/config"
)

// climbRate computes feet per minute between the oldest sample inside the
// window and the current fix. Falls back to the rate the source reported.
func climbRate(recent []CompactFix, cur Fix, cfg config.TrackingConfig) *int {
	if cur.AltitudeMSLFt != nil {
		window := config.Seconds(cfg.ClimbWindowSeconds)
		for _, c := range recent {
			if c.AltitudeMSLFt == nil {
				continue
			}
			span := cur.Timestamp.Sub(c.Timestamp)
			if span > window {
				continue
			}
			if span < config.Seconds(cfg.ClimbMinSpanSeconds) {
				break
			}
			fpm := float64(*cur.AltitudeMSLFt-*c.AltitudeMSLFt) / span.Minutes()
			return ptr(int(math.Round(fpm)))
		}
	}
	if cur.ClimbFPM != nil {
		return ptr(*cur.ClimbFPM)
	}
	return nil
}

// classifyPhase maps the climb rate and altitude onto a flight phase
func classifyPhase(climbFPM *int, altitudeFt *int, cfg config.TrackingConfig) Phase {
	if climbFPM == nil {
		return PhaseUnknown
	}
	c := *climbFPM
	switch {
	case c > cfg.PhaseClimbFPM:
		return PhaseClimbing
	case c < -cfg.PhaseClimbFPM:
		return PhaseDescending
	case altitudeFt != nil && *altitudeFt > cfg.PhaseCruiseAltitudeFt && abs(c) < cfg.PhaseCruiseMaxFPM:
		return PhaseCruising
	default:
		return PhaseUnknown
	}
}

// timeoutFor returns how long an aircraft in the given phase may stay silent
func timeoutFor(p Phase, cfg config.TrackingConfig) time.Duration {
	switch p {
	case PhaseClimbing:
		return config.Seconds(cfg.TimeoutClimbingSeconds)
	case PhaseDescending:
		return config.Seconds(cfg.TimeoutDescendingSeconds)
	case PhaseCruising:
		return config.Seconds(cfg.TimeoutCruisingSeconds)
	default:
		return config.Seconds(cfg.TimeoutUnknownSeconds)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
