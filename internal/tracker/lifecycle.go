package tracker

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/yegors/flightwatch/internal/config"
	"github.com/yegors/flightwatch/internal/physics"
	"github.com/yegors/flightwatch/internal/runway"
	"github.com/yegors/flightwatch/pkg/logger"
)

// open creates a flight starting at f. For an observed takeoff the moving
// ground fixes before liftoff join the flight and the departure runway is
// inferred; a flight first seen airborne carries no takeoff time.
func (e *Engine) open(tx *txn, f *Fix, o origin) error {
	st := tx.st

	callsign := NormalizeCallsign(f.Callsign)
	if callsign == "" {
		callsign = st.Callsign
	}
	fl := &Flight{
		ID:             newFlightID(),
		DeviceID:       st.DeviceID,
		Callsign:       callsign,
		Category:       st.Category,
		StartLatitude:  f.Latitude,
		StartLongitude: f.Longitude,
		LastLatitude:   f.Latitude,
		LastLongitude:  f.Longitude,
		MinLatitude:    f.Latitude,
		MaxLatitude:    f.Latitude,
		MinLongitude:   f.Longitude,
		MaxLongitude:   f.Longitude,
		FirstFixAt:     f.Timestamp,
		LastFixAt:      f.Timestamp,
		CreatedAt:      tx.now,
	}

	var roll []CompactFix
	if o == originTakeoff {
		fl.TakeoffTime = ptr(f.Timestamp)
		roll = e.takeoffRoll(st, *f)
		for _, c := range roll {
			fl.include(c.Latitude, c.Longitude)
			fl.includeAltitude(c.AltitudeMSLFt)
			if c.Timestamp.Before(fl.FirstFixAt) {
				fl.FirstFixAt = c.Timestamp
			}
			fl.FixCount++
		}
		e.inferDeparture(tx, fl, *f, lastGround(st.Recent, e.cfg.TakeoffLookbackFixes))
		e.calibrate(fl, f)
	}
	e.extend(fl, *f, tx.now)

	if err := e.persistFlight(tx, fl); err != nil {
		return fmt.Errorf("open flight for %s: %w", st.DeviceID, err)
	}

	for _, c := range roll {
		if err := tx.store.UpdateFixFlightLink(tx.ctx, c.ID, ptr(fl.ID)); err != nil {
			return fmt.Errorf("link takeoff roll fix %s: %w", c.ID, err)
		}
		for i := range st.Recent {
			if st.Recent[i].ID == c.ID {
				st.Recent[i].FlightID = ptr(fl.ID)
			}
		}
	}

	st.Flight = fl
	st.ResumeCandidate = nil
	st.resetFlightScoped()

	e.logger.Info("Flight opened",
		logger.String("device", st.DeviceID),
		logger.String("flight_id", fl.ID.String()),
		logger.String("origin", string(o)),
		logger.String("callsign", fl.Callsign),
		logger.String("runway", fl.TakeoffRunway),
		logger.Int("roll_fixes", len(roll)))
	tx.emit(Event{Type: EventFlightCreated, Origin: string(o), Flight: fl.Clone(), Time: f.Timestamp})
	return nil
}

// takeoffRoll returns the unlinked ground fixes that were moving shortly before liftoff
func (e *Engine) takeoffRoll(st *aircraftState, liftoff Fix) []CompactFix {
	window := config.Seconds(e.cfg.TakeoffRollWindowSeconds)
	var out []CompactFix
	for _, c := range st.Recent {
		if c.Active || c.FlightID != nil || liftoff.Timestamp.Sub(c.Timestamp) > window {
			continue
		}
		if c.GroundSpeedKts == nil || *c.GroundSpeedKts < 1 {
			continue
		}
		out = append(out, c)
	}
	return out
}

// lastGround returns the most recent inactive fix among the last n
func lastGround(recent []CompactFix, n int) *CompactFix {
	if len(recent) > n {
		recent = recent[len(recent)-n:]
	}
	for i := len(recent) - 1; i >= 0; i-- {
		if !recent[i].Active {
			c := recent[i]
			return &c
		}
	}
	return nil
}

// extend folds a fix into the flight's aggregates
func (e *Engine) extend(fl *Flight, f Fix, now time.Time) {
	if fl.FixCount > 0 {
		fl.TotalDistanceM += physics.Distance(fl.LastLatitude, fl.LastLongitude, f.Latitude, f.Longitude)
	}
	if d := physics.Distance(fl.StartLatitude, fl.StartLongitude, f.Latitude, f.Longitude); d > fl.MaxDisplacementM {
		fl.MaxDisplacementM = d
	}
	fl.include(f.Latitude, f.Longitude)
	fl.includeAltitude(f.AltitudeMSLFt)

	if f.AGLValid && f.AltitudeAGLFt != nil {
		agl := *f.AltitudeAGLFt
		if fl.MaxAGLFt == nil || agl > *fl.MaxAGLFt {
			fl.MaxAGLFt = ptr(agl)
		}
		fl.LastAGLFt = ptr(agl)
	} else {
		fl.LastAGLFt = nil
	}
	if f.GroundSpeedKts != nil {
		fl.LastSpeedKts = ptr(*f.GroundSpeedKts)
	}

	fl.LastLatitude = f.Latitude
	fl.LastLongitude = f.Longitude
	if cs := NormalizeCallsign(f.Callsign); cs != "" {
		fl.Callsign = cs
	}
	if fl.Category == "" {
		fl.Category = f.Category
	}
	fl.FixCount++
	if f.Timestamp.After(fl.LastFixAt) {
		fl.LastFixAt = f.Timestamp
	}
	fl.UpdatedAt = now
}

func (f *Flight) include(lat, lon float64) {
	f.MinLatitude = math.Min(f.MinLatitude, lat)
	f.MaxLatitude = math.Max(f.MaxLatitude, lat)
	f.MinLongitude = math.Min(f.MinLongitude, lon)
	f.MaxLongitude = math.Max(f.MaxLongitude, lon)
}

func (f *Flight) includeAltitude(alt *int) {
	if alt == nil {
		return
	}
	if f.MinAltitudeFt == nil || *alt < *f.MinAltitudeFt {
		f.MinAltitudeFt = ptr(*alt)
	}
	if f.MaxAltitudeFt == nil || *alt > *f.MaxAltitudeFt {
		f.MaxAltitudeFt = ptr(*alt)
	}
}

// closeLanded ends the open flight at the first fix of the landing roll.
// It reports whether the flight was deleted as spurious instead.
func (e *Engine) closeLanded(tx *txn, at CompactFix) (bool, error) {
	st := tx.st
	fl := st.Flight
	fl.LandingTime = ptr(at.Timestamp)
	fl.include(at.Latitude, at.Longitude)

	if e.spuriousReason(fl) == "" {
		course := e.courseAround(st.Recent, at.Timestamp, at.TrackDeg)
		site := e.inferSite(tx, at.Latitude, at.Longitude, course)
		if site.ranRunway {
			fl.LandingRunway = site.runway.Ident
			mergeInferred(fl, site.runway.Inferred)
		}
		fl.ArrivalAirport = site.airport
		if site.elevation != nil && at.AltitudeMSLFt != nil {
			fl.LandingAltitudeOffsetFt = ptr(runway.AltitudeOffset(*at.AltitudeMSLFt, *site.elevation))
		}
	}

	deleted, err := e.finalize(tx, fl)
	if err != nil {
		return false, err
	}
	st.Flight = nil
	st.ResumeCandidate = nil
	st.resetFlightScoped()
	if deleted {
		return true, nil
	}

	e.logger.Info("Flight landed",
		logger.String("device", st.DeviceID),
		logger.String("flight_id", fl.ID.String()),
		logger.String("runway", fl.LandingRunway),
		logger.String("airport", fl.ArrivalAirport),
		logger.Duration("duration", fl.Duration()))
	tx.emit(Event{Type: EventFlightLanded, Flight: fl.Clone(), Time: at.Timestamp})
	return false, nil
}

// closeTimeout ends the open flight as timed out at the given instant. A
// surviving flight becomes the device's resume candidate.
func (e *Engine) closeTimeout(tx *txn, at time.Time, phase Phase) (bool, error) {
	st := tx.st
	fl := st.Flight
	fl.TimedOutAt = ptr(at)
	fl.TimeoutPhase = phase

	deleted, err := e.finalize(tx, fl)
	if err != nil {
		return false, err
	}
	st.Flight = nil
	st.resetFlightScoped()
	if deleted {
		st.ResumeCandidate = nil
		return true, nil
	}
	st.ResumeCandidate = fl

	e.logger.Info("Flight timed out",
		logger.String("device", st.DeviceID),
		logger.String("flight_id", fl.ID.String()),
		logger.String("phase", string(phase)),
		logger.Time("last_fix_at", fl.LastFixAt))
	tx.emit(Event{Type: EventFlightTimedOut, Flight: fl.Clone(), Reason: string(phase)})
	return false, nil
}

// finalize persists a closing flight, or deletes it when it looks like noise
func (e *Engine) finalize(tx *txn, fl *Flight) (deleted bool, err error) {
	if fl.LandingTime != nil && fl.TimedOutAt != nil {
		return false, fmt.Errorf("%w: flight %s both landed and timed out", ErrInvariantViolation, fl.ID)
	}
	if reason := e.spuriousReason(fl); reason != "" {
		return true, e.deleteSpurious(tx, fl, reason)
	}
	if err := e.persistFlight(tx, fl); err != nil {
		return false, err
	}
	tx.drop(fl.ID)
	return false, nil
}

// deleteSpurious unlinks every fix from the flight before deleting it, so no
// stored fix ever points at a missing flight
func (e *Engine) deleteSpurious(tx *txn, fl *Flight, reason string) error {
	n, err := tx.store.ClearFlightReference(tx.ctx, fl.ID)
	if err != nil {
		return fmt.Errorf("clear fixes of flight %s: %w", fl.ID, err)
	}
	if err := tx.store.DeleteFlight(tx.ctx, fl.ID); err != nil && !errors.Is(err, ErrFlightNotFound) {
		return fmt.Errorf("delete flight %s: %w", fl.ID, err)
	}
	tx.st.unlinkFlight(fl.ID)
	tx.drop(fl.ID)

	e.logger.Info("Deleted spurious flight",
		logger.String("device", tx.st.DeviceID),
		logger.String("flight_id", fl.ID.String()),
		logger.String("reason", reason),
		logger.Int64("unlinked_fixes", n))
	tx.emit(Event{Type: EventFlightDeleted, Reason: reason, Flight: fl.Clone()})
	return nil
}

// spuriousReason describes why a flight is noise, or returns "" for a real flight
func (e *Engine) spuriousReason(fl *Flight) string {
	if e.tooShortAndFlat(fl) {
		rng, _ := fl.AltitudeRangeFt()
		return fmt.Sprintf("lasted %s with %d ft altitude range", fl.Duration(), rng)
	}
	if fl.MaxAltitudeFt != nil && *fl.MaxAltitudeFt > e.cfg.SpuriousMaxAltitudeFt {
		return fmt.Sprintf("altitude %d ft exceeds %d ft", *fl.MaxAltitudeFt, e.cfg.SpuriousMaxAltitudeFt)
	}
	if d := fl.Duration(); d > 0 {
		if kts := physics.SpeedKnots(fl.TotalDistanceM, d); kts > e.cfg.SpuriousMaxSpeedKts {
			return fmt.Sprintf("average speed %.0f kt exceeds %.0f kt", kts, e.cfg.SpuriousMaxSpeedKts)
		}
	}
	return ""
}

// tooShortAndFlat reports a flight too brief and too level to be real. An
// unknown altitude range counts as zero.
func (e *Engine) tooShortAndFlat(fl *Flight) bool {
	rng, _ := fl.AltitudeRangeFt()
	return fl.Duration() < config.Seconds(e.cfg.SpuriousMinDurationSeconds) &&
		rng < e.cfg.SpuriousMinAltitudeRangeFt
}

func mergeInferred(fl *Flight, inferred bool) {
	if fl.RunwaysInferred != nil {
		inferred = inferred || *fl.RunwaysInferred
	}
	fl.RunwaysInferred = &inferred
}

// inferDeparture sets the takeoff runway, departure airport and the ground
// reference that calibrates AGL for the rest of the flight
func (e *Engine) inferDeparture(tx *txn, fl *Flight, liftoff Fix, ground *CompactFix) {
	course := e.courseAround(tx.st.Recent, liftoff.Timestamp, liftoff.TrackDeg)
	site := e.inferSite(tx, liftoff.Latitude, liftoff.Longitude, course)
	if site.ranRunway {
		fl.TakeoffRunway = site.runway.Ident
		mergeInferred(fl, site.runway.Inferred)
	}
	fl.DepartureAirport = site.airport
	if site.elevation == nil {
		return
	}
	fl.DepartureElevationFt = ptr(*site.elevation)
	if ground != nil && ground.AltitudeMSLFt != nil {
		fl.TakeoffAltitudeOffsetFt = ptr(runway.AltitudeOffset(*ground.AltitudeMSLFt, *site.elevation))
	}
}

// courseAround averages the tracks of fixes close in time to at
func (e *Engine) courseAround(recent []CompactFix, at time.Time, own *float64) *float64 {
	window := config.Seconds(e.cfg.RunwayCourseWindowSeconds)
	var tracks []float64
	if own != nil {
		tracks = append(tracks, *own)
	}
	for _, c := range recent {
		if c.TrackDeg == nil {
			continue
		}
		d := at.Sub(c.Timestamp)
		if d < -window || d > window || (d == 0 && own != nil) {
			continue
		}
		tracks = append(tracks, *c.TrackDeg)
	}
	course, ok := runway.CourseFrom(tracks)
	if !ok {
		return nil
	}
	return &course
}

type siteInference struct {
	runway    runway.Match
	ranRunway bool
	airport   string
	elevation *int
}

// inferSite resolves the runway and airport at a takeoff or landing position.
// Lookup failures are logged and leave the flight without a runway.
func (e *Engine) inferSite(tx *txn, lat, lon float64, course *float64) siteInference {
	var out siteInference
	if e.ref == nil {
		return out
	}

	if tx.st.Category.UsesRunways() {
		out.ranRunway = true
		out.runway = runway.Match{Inferred: true}
		if course != nil {
			m, err := runway.Infer(tx.ctx, e.ref, lat, lon, *course, e.rwy)
			if err != nil {
				e.lookupFailed(tx, "runway", err)
			} else {
				out.runway = m
			}
		}
		if out.runway.Found() {
			out.airport = out.runway.AirportIdent
			out.elevation = clonePtr(out.runway.ElevationFt)
		}
	}

	if out.airport != "" && out.elevation != nil {
		return out
	}
	a, err := e.ref.AirportFor(tx.ctx, lat, lon)
	if err != nil {
		e.lookupFailed(tx, "airport", err)
		return out
	}
	if a == nil || (out.airport != "" && out.airport != a.Ident) {
		return out
	}
	out.airport = a.Ident
	if out.elevation == nil {
		out.elevation = clonePtr(a.ElevationFt)
	}
	return out
}

func (e *Engine) lookupFailed(tx *txn, what string, err error) {
	e.logger.Warn("Reference lookup failed",
		logger.String("device", tx.st.DeviceID),
		logger.String("lookup", what),
		logger.Error(fmt.Errorf("%w: %w", ErrLookupFailure, err)))
}
