package tracker

import (
	"math"

	"github.com/yegors/flightwatch/internal/config"
	"github.com/yegors/flightwatch/internal/physics"
	"github.com/yegors/flightwatch/pkg/logger"
)

// tryResume decides whether an active fix continues the device's timed out
// flight. The candidate is consumed either way; on success the flight is
// reopened and extended with f.
func (e *Engine) tryResume(tx *txn, f *Fix) (ResumeDecision, error) {
	st := tx.st
	cand := st.ResumeCandidate
	st.ResumeCandidate = nil

	d := e.evaluateResume(cand, *f)
	if !d.Resumed {
		e.logger.Info("Resume rejected",
			logger.String("device", st.DeviceID),
			logger.String("flight_id", cand.ID.String()),
			logger.String("reason", string(d.Reason)),
			logger.Duration("gap", d.Gap),
			logger.Float64("distance_m", d.DistanceMeters),
			logger.Float64("implied_speed_kts", d.ImpliedSpeedKts))
		tx.emit(Event{Type: EventResumeRejected, Reason: string(d.Reason), Flight: cand.Clone(), Resume: ptr(d)})
		return d, nil
	}

	cand.TimedOutAt = nil
	cand.TimeoutPhase = ""
	e.calibrate(cand, f)
	e.extend(cand, *f, tx.now)
	if err := e.persistFlight(tx, cand); err != nil {
		return d, err
	}

	st.Flight = cand
	st.resetFlightScoped()
	// The tow window of a resumed flight has long passed
	st.TowDone = true

	e.logger.Info("Flight resumed",
		logger.String("device", st.DeviceID),
		logger.String("flight_id", cand.ID.String()),
		logger.Duration("gap", d.Gap),
		logger.Float64("distance_m", d.DistanceMeters),
		logger.Float64("implied_speed_kts", d.ImpliedSpeedKts))
	tx.emit(Event{Type: EventFlightResumed, Flight: cand.Clone(), Resume: ptr(d), Time: f.Timestamp})
	return d, nil
}

// evaluateResume runs the coalescing checks in order and stops at the first
// that fails. The measured gap, distance and speed are always filled in.
func (e *Engine) evaluateResume(cand *Flight, f Fix) ResumeDecision {
	gap := f.Timestamp.Sub(cand.LastFixAt)
	dist := physics.Distance(cand.LastLatitude, cand.LastLongitude, f.Latitude, f.Longitude)

	var speed float64
	switch {
	case gap > 0:
		speed = physics.SpeedKnots(dist, gap)
	case dist >= 1:
		// moved without time passing
		speed = math.MaxFloat64
	}

	cat := cand.Category
	if cat == "" {
		cat = f.Category
	}
	d := ResumeDecision{
		FlightID:        cand.ID,
		Gap:             gap,
		DistanceMeters:  dist,
		ImpliedSpeedKts: speed,
		CeilingKts:      e.speedCeiling(cat),
	}

	switch {
	case callsignConflict(cand.Callsign, f.Callsign):
		d.Reason = RejectCallsignMismatch
	case e.probableLanding(cand):
		d.Reason = RejectProbableLanding
	case gap > config.Hours(e.cfg.ResumeHardLimitHours):
		d.Reason = RejectHardLimit
	case speed > d.CeilingKts:
		d.Reason = RejectSpeedDistance
	default:
		d.Resumed = true
	}
	return d
}

// probableLanding reports a flight that was slow and near the ground when it went silent
func (e *Engine) probableLanding(fl *Flight) bool {
	if fl.LastSpeedKts == nil || *fl.LastSpeedKts > e.cfg.ProbableLandingMaxSpeedKts {
		return false
	}
	return fl.LastAGLFt == nil || *fl.LastAGLFt <= e.cfg.ProbableLandingMaxAGLFt
}

func (e *Engine) speedCeiling(c Category) float64 {
	if v, ok := e.cfg.ResumeMaxSpeedByCategory[string(c)]; ok && v > 0 {
		return v
	}
	return e.cfg.ResumeMaxSpeedKts
}
