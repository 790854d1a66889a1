package tracker

import (
	"time"

	"github.com/brunoga/deep"
	"github.com/google/uuid"

	"github.com/yegors/flightwatch/internal/towing"
)

// CompactFix is the slice of a fix the tracker keeps in memory
type CompactFix struct {
	ID             uuid.UUID  `json:"id"`
	Timestamp      time.Time  `json:"timestamp"`
	Latitude       float64    `json:"latitude"`
	Longitude      float64    `json:"longitude"`
	AltitudeMSLFt  *int       `json:"altitude_msl_ft,omitempty"`
	AltitudeAGLFt  *int       `json:"altitude_agl_ft,omitempty"` // only when calibrated
	GroundSpeedKts *float64   `json:"ground_speed_kts,omitempty"`
	TrackDeg       *float64   `json:"track_deg,omitempty"`
	Active         bool       `json:"active"`
	FlightID       *uuid.UUID `json:"flight_id,omitempty"`
}

func compact(f Fix, active bool) CompactFix {
	c := CompactFix{
		ID:             f.ID,
		Timestamp:      f.Timestamp,
		Latitude:       f.Latitude,
		Longitude:      f.Longitude,
		AltitudeMSLFt:  f.AltitudeMSLFt,
		GroundSpeedKts: f.GroundSpeedKts,
		TrackDeg:       f.TrackDeg,
		Active:         active,
		FlightID:       f.FlightID,
	}
	if f.AGLValid {
		c.AltitudeAGLFt = f.AltitudeAGLFt
	}
	return c
}

// aircraftState is everything the engine knows about one device. Committed
// states are never modified; every change goes through clone and commit.
type aircraftState struct {
	DeviceID string
	Callsign string
	Category Category

	Flight          *Flight // open flight
	ResumeCandidate *Flight // last flight, closed by timeout
	Recent          []CompactFix
	LastSeen        time.Time

	Phase    Phase
	ClimbFPM *int

	InactiveStreak int
	InactiveFirst  *CompactFix // first fix of the current inactive streak

	TowRole       towing.Role
	TowDone       bool // partner search finished for the open flight
	TowPartner    string
	TowFlight     *uuid.UUID
	TowReleasedAt *time.Time

	Flagged     bool
	FlagReason  string
	NeedsResync bool
	Hydrated    bool // store consulted for this device
	Adopted     bool // open flight came from the store, not from this process
}

func newAircraftState(deviceID string) *aircraftState {
	return &aircraftState{DeviceID: deviceID, Phase: PhaseUnknown}
}

func (s *aircraftState) clone() *aircraftState {
	c := *s
	c.Flight = s.Flight.Clone()
	c.ResumeCandidate = s.ResumeCandidate.Clone()
	c.Recent = append([]CompactFix(nil), s.Recent...)
	c.ClimbFPM = clonePtr(s.ClimbFPM)
	c.InactiveFirst = clonePtr(s.InactiveFirst)
	c.TowFlight = clonePtr(s.TowFlight)
	c.TowReleasedAt = clonePtr(s.TowReleasedAt)
	return &c
}

// push appends a fix to the history, dropping the oldest past limit
func (s *aircraftState) push(c CompactFix, limit int) {
	s.Recent = append(s.Recent, c)
	if len(s.Recent) > limit {
		s.Recent = append([]CompactFix(nil), s.Recent[len(s.Recent)-limit:]...)
	}
}

func (s *aircraftState) last() *CompactFix {
	if len(s.Recent) == 0 {
		return nil
	}
	return &s.Recent[len(s.Recent)-1]
}

func (s *aircraftState) seen(id uuid.UUID) (CompactFix, bool) {
	for _, c := range s.Recent {
		if c.ID == id {
			return c, true
		}
	}
	return CompactFix{}, false
}

// unlinkFlight drops references to a deleted flight from the history
func (s *aircraftState) unlinkFlight(id uuid.UUID) {
	for i := range s.Recent {
		if s.Recent[i].FlightID != nil && *s.Recent[i].FlightID == id {
			s.Recent[i].FlightID = nil
		}
	}
	if s.InactiveFirst != nil && s.InactiveFirst.FlightID != nil && *s.InactiveFirst.FlightID == id {
		s.InactiveFirst.FlightID = nil
	}
}

func (s *aircraftState) resetFlightScoped() {
	s.InactiveStreak = 0
	s.InactiveFirst = nil
	s.TowDone = false
	s.TowPartner = ""
	s.TowFlight = nil
	s.TowReleasedAt = nil
}

func (s *aircraftState) status() string {
	switch {
	case s.Flight != nil:
		return "airborne"
	case s.ResumeCandidate != nil:
		return "closed"
	default:
		return "grounded"
	}
}

func (s *aircraftState) snapshot() StateSnapshot {
	snap := StateSnapshot{
		DeviceID:    s.DeviceID,
		Status:      s.status(),
		Flight:      s.Flight.Clone(),
		RecentFixes: deep.MustCopy(s.Recent),
		Phase:       s.Phase,
		ClimbFPM:    clonePtr(s.ClimbFPM),
		Callsign:    s.Callsign,
		Category:    s.Category,
		Flagged:     s.Flagged,
		TowPartner:  s.TowPartner,
		LastSeen:    s.LastSeen,
	}
	if l := s.last(); l != nil {
		c := *l
		snap.LastFix = &c
	}
	if snap.RecentFixes == nil {
		snap.RecentFixes = []CompactFix{}
	}
	return snap
}
