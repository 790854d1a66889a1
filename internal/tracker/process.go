package tracker

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/yegors/flightwatch/internal/config"
	"github.com/yegors/flightwatch/internal/physics"
	"github.com/yegors/flightwatch/internal/runway"
	"github.com/yegors/flightwatch/pkg/logger"
)

type origin string

const (
	originTakeoff  origin = "takeoff"
	originAirborne origin = "airborne"
	originDefer    origin = ""
)

// apply runs the state machine for one fix against the working copy in tx
func (e *Engine) apply(tx *txn, f Fix) (UpdatedFix, error) {
	st := tx.st

	if f.Category != "" {
		st.Category = f.Category
	}
	st.TowRole = towRole(st.Category)
	if cs := NormalizeCallsign(f.Callsign); cs != "" {
		st.Callsign = cs
	}
	if st.Flight != nil {
		e.applyPendingTow(tx)
	}

	e.calibrate(st.Flight, &f)
	active := e.isActive(f)
	climb := climbRate(st.Recent, f, e.cfg)
	phase := classifyPhase(climb, f.AltitudeMSLFt, e.cfg)

	var resume *ResumeDecision

	// A flight loaded from the store is only continued by a compatible aircraft
	if st.Flight != nil && st.Adopted {
		st.Adopted = false
		if callsignConflict(st.Flight.Callsign, f.Callsign) {
			e.logger.Info("Closing orphaned flight with different callsign",
				logger.String("device", st.DeviceID),
				logger.String("flight_id", st.Flight.ID.String()),
				logger.String("flight_callsign", st.Flight.Callsign),
				logger.String("fix_callsign", f.Callsign))
			if _, err := e.closeTimeout(tx, st.Flight.LastFixAt, st.Phase); err != nil {
				return UpdatedFix{}, err
			}
			st.ResumeCandidate = nil
		}
	}

	// Flight the fix belongs to when its flight closes on this very fix
	var closedWith *uuid.UUID
	if st.Flight != nil {
		var err error
		if closedWith, err = e.continueFlight(tx, &f, active); err != nil {
			return UpdatedFix{}, err
		}
	}

	if st.Flight == nil {
		if active {
			if st.ResumeCandidate != nil {
				d, err := e.tryResume(tx, &f)
				if err != nil {
					return UpdatedFix{}, err
				}
				resume = &d
			}
			if st.Flight == nil {
				if err := e.startFlight(tx, &f); err != nil {
					return UpdatedFix{}, err
				}
			}
		} else if st.ResumeCandidate != nil {
			// On the ground after the gap: the timed out flight ended there
			e.logger.Debug("Dropping resume candidate after ground fix",
				logger.String("device", st.DeviceID),
				logger.String("flight_id", st.ResumeCandidate.ID.String()))
			st.ResumeCandidate = nil
		}
	}

	switch {
	case st.Flight != nil:
		f.FlightID = ptr(st.Flight.ID)
	case closedWith != nil:
		f.FlightID = closedWith
	default:
		f.FlightID = nil
	}

	if err := e.saveFix(tx, &f); err != nil {
		return UpdatedFix{}, err
	}

	st.push(compact(f, active), e.cfg.RecentFixes)
	st.LastSeen = f.Timestamp
	st.ClimbFPM = climb
	st.Phase = phase

	if st.Flight != nil {
		if err := e.checkTow(tx, f, climb); err != nil {
			return UpdatedFix{}, err
		}
	}

	return UpdatedFix{Fix: f, Active: active, Phase: phase, Resume: resume}, nil
}

// continueFlight handles a fix for a device with an open flight: gap landing
// split, callsign change split, extension and landing detection. When the
// fix itself ends a flight that survives finalization, that flight's id is
// returned so the fix stays linked to it.
func (e *Engine) continueFlight(tx *txn, f *Fix, active bool) (*uuid.UUID, error) {
	st := tx.st
	fl := st.Flight

	if e.landedDuringGap(fl, *f) {
		e.logger.Info("Flight landed during coverage gap",
			logger.String("device", st.DeviceID),
			logger.String("flight_id", fl.ID.String()),
			logger.Duration("gap", f.Timestamp.Sub(fl.LastFixAt)))
		at := st.last()
		if at == nil || at.FlightID == nil || *at.FlightID != fl.ID {
			at = &CompactFix{
				Timestamp: fl.LastFixAt,
				Latitude:  fl.LastLatitude,
				Longitude: fl.LastLongitude,
				FlightID:  ptr(fl.ID),
			}
		}
		_, err := e.closeLanded(tx, *at)
		return nil, err
	}

	if active && callsignConflict(fl.Callsign, f.Callsign) {
		e.logger.Info("Callsign changed, splitting flight",
			logger.String("device", st.DeviceID),
			logger.String("flight_id", fl.ID.String()),
			logger.String("old_callsign", fl.Callsign),
			logger.String("new_callsign", f.Callsign))
		if _, err := e.closeTimeout(tx, fl.LastFixAt, st.Phase); err != nil {
			return nil, err
		}
		st.ResumeCandidate = nil
		return nil, nil
	}

	e.extend(fl, *f, tx.now)
	if active {
		st.InactiveStreak = 0
		st.InactiveFirst = nil
		return nil, e.persistFlight(tx, fl)
	}

	cf := compact(*f, false)
	cf.FlightID = ptr(fl.ID)
	st.InactiveStreak++
	if st.InactiveFirst == nil {
		st.InactiveFirst = &cf
	}

	lowEnough := !f.AGLValid || f.AltitudeAGLFt == nil || *f.AltitudeAGLFt <= e.cfg.LandingMaxAGLFt
	dwell := st.InactiveStreak >= e.cfg.LandingDwellFixes ||
		f.Timestamp.Sub(st.InactiveFirst.Timestamp) >= config.Seconds(e.cfg.LandingDwellSeconds)

	if lowEnough && (dwell || e.tooShortAndFlat(fl)) {
		id := fl.ID
		deleted, err := e.closeLanded(tx, *st.InactiveFirst)
		if err != nil || deleted {
			return nil, err
		}
		return &id, nil
	}
	return nil, e.persistFlight(tx, fl)
}

// landedDuringGap reports a long silence over which the aircraft covered much
// less ground than its last speed implies
func (e *Engine) landedDuringGap(fl *Flight, f Fix) bool {
	gap := f.Timestamp.Sub(fl.LastFixAt)
	if gap <= config.Seconds(e.cfg.GapLandingSeconds) || fl.LastSpeedKts == nil || *fl.LastSpeedKts <= 0 {
		return false
	}
	expected := physics.DistanceForSpeed(*fl.LastSpeedKts, gap)
	covered := physics.Distance(fl.LastLatitude, fl.LastLongitude, f.Latitude, f.Longitude)
	return covered < e.cfg.GapLandingDistanceRatio*expected
}

// startFlight opens a flight for an active fix when the takeoff rules allow it
func (e *Engine) startFlight(tx *txn, f *Fix) error {
	o := e.takeoffOrigin(tx.st, *f)
	if o == originDefer {
		e.logger.Debug("Deferring flight start for fast ground movement",
			logger.String("device", tx.st.DeviceID))
		return nil
	}
	return e.open(tx, f, o)
}

// takeoffOrigin decides between an observed takeoff, a flight first seen
// airborne, and a fast taxi that should not open a flight yet
func (e *Engine) takeoffOrigin(st *aircraftState, f Fix) origin {
	prev := st.last()
	if prev == nil || f.Timestamp.Sub(prev.Timestamp) > config.Seconds(e.cfg.TakeoffMaxGapSeconds) {
		return originAirborne
	}

	ground := lastGround(st.Recent, e.cfg.TakeoffLookbackFixes)
	if ground == nil {
		return originAirborne
	}

	climbing := f.AltitudeMSLFt == nil || ground.AltitudeMSLFt == nil || *f.AltitudeMSLFt > *ground.AltitudeMSLFt
	lowAGL := f.AGLValid && f.AltitudeAGLFt != nil && *f.AltitudeAGLFt < e.cfg.TakeoffMaxAGLFt
	if climbing || lowAGL {
		return originTakeoff
	}
	return originDefer
}

// calibrate fills AGL from the flight's ground reference when the source did not
func (e *Engine) calibrate(fl *Flight, f *Fix) {
	if f.AGLValid && f.AltitudeAGLFt != nil {
		return
	}
	if fl == nil || fl.DepartureElevationFt == nil || f.AltitudeMSLFt == nil {
		f.AGLValid = false
		return
	}
	offset := 0
	if fl.TakeoffAltitudeOffsetFt != nil {
		offset = *fl.TakeoffAltitudeOffsetFt
	}
	agl := max(runway.AGL(*f.AltitudeMSLFt, *fl.DepartureElevationFt, offset), 0)
	f.AltitudeAGLFt = &agl
	f.AGLValid = true
}

// saveFix persists the fix. A flight that vanished underneath is a referential
// race: the fix is saved unlinked and the flight forgotten.
func (e *Engine) saveFix(tx *txn, f *Fix) error {
	err := tx.store.SaveFix(tx.ctx, *f)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrFlightNotFound) || f.FlightID == nil {
		return fmt.Errorf("save fix: %w", err)
	}

	lost := *f.FlightID
	e.logger.Warn("Fix referenced a deleted flight, saving unlinked",
		logger.String("device", f.DeviceID),
		logger.String("fix_id", f.ID.String()),
		logger.String("flight_id", lost.String()),
		logger.Error(ErrReferentialRace))

	f.FlightID = nil
	if tx.st.Flight != nil && tx.st.Flight.ID == lost {
		tx.st.Flight = nil
		tx.st.resetFlightScoped()
		tx.st.unlinkFlight(lost)
		tx.drop(lost)
	}
	if err := tx.store.SaveFix(tx.ctx, *f); err != nil {
		return fmt.Errorf("save unlinked fix: %w", err)
	}
	return nil
}

func (e *Engine) persistFlight(tx *txn, fl *Flight) error {
	fl.UpdatedAt = tx.now
	if err := tx.store.SaveFlight(tx.ctx, fl); err != nil {
		return fmt.Errorf("save flight %s: %w", fl.ID, err)
	}
	return nil
}

func newFlightID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
