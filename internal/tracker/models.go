package tracker

import (
	"strings"
	"time"

	"github.com/brunoga/deep"
	"github.com/google/uuid"
)

// Category is the aircraft class reported by the source
type Category string

const (
	CategoryUnknown    Category = ""
	CategoryGlider     Category = "glider"
	CategoryTowplane   Category = "towtug"
	CategoryPowered    Category = "powered"
	CategoryJet        Category = "jet"
	CategoryRotorcraft Category = "rotorcraft"
	CategoryBalloon    Category = "balloon"
	CategoryAirship    Category = "airship"
	CategoryParaglider Category = "paraglider"
	CategoryHangGlider Category = "hangglider"
	CategorySkydiver   Category = "skydiver"
	CategoryUAV        Category = "uav"
	CategoryDropPlane  Category = "dropplane"
)

// UsesRunways reports whether aircraft of this class take off and land on runways
func (c Category) UsesRunways() bool {
	switch c {
	case CategoryParaglider, CategoryHangGlider, CategoryRotorcraft, CategoryBalloon,
		CategoryAirship, CategorySkydiver, CategoryUAV:
		return false
	default:
		return true
	}
}

// Phase is the flight phase used to choose a timeout threshold
type Phase string

const (
	PhaseUnknown    Phase = "unknown"
	PhaseClimbing   Phase = "climbing"
	PhaseCruising   Phase = "cruising"
	PhaseDescending Phase = "descending"
)

// Fix is a single normalized position report
type Fix struct {
	ID             uuid.UUID      `json:"id" msgpack:"id"`
	DeviceID       string         `json:"device_id" msgpack:"device_id"`
	Timestamp      time.Time      `json:"timestamp" msgpack:"timestamp"`
	ReceivedAt     time.Time      `json:"received_at" msgpack:"received_at"`
	Latitude       float64        `json:"latitude" msgpack:"latitude"`
	Longitude      float64        `json:"longitude" msgpack:"longitude"`
	AltitudeMSLFt  *int           `json:"altitude_msl_ft,omitempty" msgpack:"altitude_msl_ft,omitempty"`
	AltitudeAGLFt  *int           `json:"altitude_agl_ft,omitempty" msgpack:"altitude_agl_ft,omitempty"`
	AGLValid       bool           `json:"agl_valid" msgpack:"agl_valid"`
	GroundSpeedKts *float64       `json:"ground_speed_kts,omitempty" msgpack:"ground_speed_kts,omitempty"`
	TrackDeg       *float64       `json:"track_deg,omitempty" msgpack:"track_deg,omitempty"`
	ClimbFPM       *int           `json:"climb_fpm,omitempty" msgpack:"climb_fpm,omitempty"`
	OnGround       *bool          `json:"on_ground,omitempty" msgpack:"on_ground,omitempty"` // transponder air/ground bit when the protocol has one
	Callsign       string         `json:"callsign,omitempty" msgpack:"callsign,omitempty"`
	Squawk         string         `json:"squawk,omitempty" msgpack:"squawk,omitempty"`
	Category       Category       `json:"category,omitempty" msgpack:"category,omitempty"`
	Source         string         `json:"source,omitempty" msgpack:"source,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	RawMessageID   string         `json:"raw_message_id,omitempty" msgpack:"raw_message_id,omitempty"`
	FlightID       *uuid.UUID     `json:"flight_id,omitempty" msgpack:"flight_id,omitempty"`
}

// Clone returns a copy that shares nothing with f
func (f Fix) Clone() Fix {
	c := f
	c.AltitudeMSLFt = clonePtr(f.AltitudeMSLFt)
	c.AltitudeAGLFt = clonePtr(f.AltitudeAGLFt)
	c.GroundSpeedKts = clonePtr(f.GroundSpeedKts)
	c.TrackDeg = clonePtr(f.TrackDeg)
	c.ClimbFPM = clonePtr(f.ClimbFPM)
	c.OnGround = clonePtr(f.OnGround)
	c.FlightID = clonePtr(f.FlightID)
	if f.Metadata != nil {
		c.Metadata = deep.MustCopy(f.Metadata)
	}
	return c
}

// UpdatedFix is a processed fix annotated with its flight linkage
type UpdatedFix struct {
	Fix
	Active    bool            `json:"active"`
	Phase     Phase           `json:"phase"`
	Duplicate bool            `json:"duplicate,omitempty"`
	Resume    *ResumeDecision `json:"resume,omitempty"`
}

// ClosureKind says how a flight ended
type ClosureKind string

const (
	ClosureNone     ClosureKind = ""
	ClosureLanded   ClosureKind = "landed"
	ClosureTimedOut ClosureKind = "timed_out"
)

// Flight is one continuous interval of airborne activity
type Flight struct {
	ID       uuid.UUID `json:"id"`
	DeviceID string    `json:"device_id"`
	Callsign string    `json:"callsign,omitempty"`
	Category Category  `json:"category,omitempty"`

	TakeoffTime  *time.Time `json:"takeoff_time,omitempty"` // nil when first seen airborne
	LandingTime  *time.Time `json:"landing_time,omitempty"`
	TimedOutAt   *time.Time `json:"timed_out_at,omitempty"`
	TimeoutPhase Phase      `json:"timeout_phase,omitempty"`

	DepartureAirport string `json:"departure_airport,omitempty"`
	ArrivalAirport   string `json:"arrival_airport,omitempty"`
	TakeoffRunway    string `json:"takeoff_runway_ident,omitempty"`
	LandingRunway    string `json:"landing_runway_ident,omitempty"`
	RunwaysInferred  *bool  `json:"runways_inferred,omitempty"` // nil until inference ran

	TakeoffAltitudeOffsetFt *int `json:"takeoff_altitude_offset_ft,omitempty"`
	LandingAltitudeOffsetFt *int `json:"landing_altitude_offset_ft,omitempty"`
	DepartureElevationFt    *int `json:"departure_elevation_ft,omitempty"` // ground reference for AGL

	TotalDistanceM   float64 `json:"total_distance_meters"`
	MaxDisplacementM float64 `json:"max_displacement_meters"`
	StartLatitude    float64 `json:"start_latitude"`
	StartLongitude   float64 `json:"start_longitude"`
	LastLatitude     float64 `json:"last_latitude"`
	LastLongitude    float64 `json:"last_longitude"`

	StartLocationID *string `json:"start_location_id,omitempty"`
	EndLocationID   *string `json:"end_location_id,omitempty"`

	TowedByDevice           string     `json:"towed_by_device,omitempty"`
	TowedByFlight           *uuid.UUID `json:"towed_by_flight,omitempty"`
	TowReleaseTime          *time.Time `json:"tow_release_time,omitempty"`
	TowReleaseAltitudeFt    *int       `json:"tow_release_altitude_ft,omitempty"`
	TowReleaseHeightDeltaFt *int       `json:"tow_release_height_delta_ft,omitempty"`
	TowingDevice            string     `json:"towing_device,omitempty"` // glider towed by this flight
	TowingFlight            *uuid.UUID `json:"towing_flight,omitempty"`

	FirstFixAt    time.Time `json:"first_fix_at"`
	LastFixAt     time.Time `json:"last_fix_at"`
	MinLatitude   float64   `json:"min_latitude"`
	MaxLatitude   float64   `json:"max_latitude"`
	MinLongitude  float64   `json:"min_longitude"`
	MaxLongitude  float64   `json:"max_longitude"`
	MinAltitudeFt *int      `json:"min_altitude_ft,omitempty"`
	MaxAltitudeFt *int      `json:"max_altitude_ft,omitempty"`
	MaxAGLFt      *int      `json:"max_agl_ft,omitempty"`
	LastSpeedKts  *float64  `json:"last_speed_kts,omitempty"`
	LastAGLFt     *int      `json:"last_agl_ft,omitempty"`
	FixCount      int       `json:"fix_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Open reports whether the flight has neither landed nor timed out
func (f *Flight) Open() bool {
	return f.LandingTime == nil && f.TimedOutAt == nil
}

// Closure returns how the flight ended
func (f *Flight) Closure() ClosureKind {
	switch {
	case f.LandingTime != nil:
		return ClosureLanded
	case f.TimedOutAt != nil:
		return ClosureTimedOut
	default:
		return ClosureNone
	}
}

// Duration is the time between the first and the last fix
func (f *Flight) Duration() time.Duration {
	start := f.FirstFixAt
	if f.TakeoffTime != nil {
		start = *f.TakeoffTime
	}
	return f.LastFixAt.Sub(start)
}

// AltitudeRangeFt is the spread between the lowest and highest reported altitude
func (f *Flight) AltitudeRangeFt() (int, bool) {
	if f.MinAltitudeFt == nil || f.MaxAltitudeFt == nil {
		return 0, false
	}
	return *f.MaxAltitudeFt - *f.MinAltitudeFt, true
}

// Contains reports whether a position lies within the bounding box
func (f *Flight) Contains(lat, lon float64) bool {
	return lat >= f.MinLatitude && lat <= f.MaxLatitude && lon >= f.MinLongitude && lon <= f.MaxLongitude
}

// Clone returns a deep copy
func (f *Flight) Clone() *Flight {
	if f == nil {
		return nil
	}
	c := *f
	c.TakeoffTime = clonePtr(f.TakeoffTime)
	c.LandingTime = clonePtr(f.LandingTime)
	c.TimedOutAt = clonePtr(f.TimedOutAt)
	c.RunwaysInferred = clonePtr(f.RunwaysInferred)
	c.TakeoffAltitudeOffsetFt = clonePtr(f.TakeoffAltitudeOffsetFt)
	c.LandingAltitudeOffsetFt = clonePtr(f.LandingAltitudeOffsetFt)
	c.DepartureElevationFt = clonePtr(f.DepartureElevationFt)
	c.StartLocationID = clonePtr(f.StartLocationID)
	c.EndLocationID = clonePtr(f.EndLocationID)
	c.TowedByFlight = clonePtr(f.TowedByFlight)
	c.TowReleaseTime = clonePtr(f.TowReleaseTime)
	c.TowReleaseAltitudeFt = clonePtr(f.TowReleaseAltitudeFt)
	c.TowReleaseHeightDeltaFt = clonePtr(f.TowReleaseHeightDeltaFt)
	c.TowingFlight = clonePtr(f.TowingFlight)
	c.MinAltitudeFt = clonePtr(f.MinAltitudeFt)
	c.MaxAltitudeFt = clonePtr(f.MaxAltitudeFt)
	c.MaxAGLFt = clonePtr(f.MaxAGLFt)
	c.LastSpeedKts = clonePtr(f.LastSpeedKts)
	c.LastAGLFt = clonePtr(f.LastAGLFt)
	return &c
}

// RejectReason names the coalescing check that refused a resume
type RejectReason string

const (
	RejectNone             RejectReason = ""
	RejectCallsignMismatch RejectReason = "callsign_mismatch"
	RejectProbableLanding  RejectReason = "probable_landing"
	RejectHardLimit        RejectReason = "hard_limit"
	RejectSpeedDistance    RejectReason = "speed_distance"
)

// ResumeDecision records the evidence behind a resume attempt
type ResumeDecision struct {
	FlightID        uuid.UUID     `json:"flight_id"`
	Resumed         bool          `json:"resumed"`
	Reason          RejectReason  `json:"reason,omitempty"`
	Gap             time.Duration `json:"gap"`
	DistanceMeters  float64       `json:"distance_meters"`
	ImpliedSpeedKts float64       `json:"implied_speed_kts"`
	CeilingKts      float64       `json:"ceiling_kts"`
}

// SweepResult summarizes one timeout sweep
type SweepResult struct {
	Checked  int           `json:"checked"`
	TimedOut int           `json:"timed_out"`
	Deleted  int           `json:"deleted"`
	Evicted  int           `json:"evicted"`
	Errors   []error       `json:"-"`
	Elapsed  time.Duration `json:"elapsed"`
}

// StateSnapshot is a read-only copy of one aircraft's tracker state
type StateSnapshot struct {
	DeviceID    string       `json:"device_id"`
	Status      string       `json:"status"` // grounded, airborne, closed
	Flight      *Flight      `json:"flight,omitempty"`
	LastFix     *CompactFix  `json:"last_fix,omitempty"`
	RecentFixes []CompactFix `json:"recent_fixes"`
	Phase       Phase        `json:"phase"`
	ClimbFPM    *int         `json:"climb_fpm,omitempty"`
	Callsign    string       `json:"callsign,omitempty"`
	Category    Category     `json:"category,omitempty"`
	Flagged     bool         `json:"flagged"`
	TowPartner  string       `json:"tow_partner,omitempty"`
	LastSeen    time.Time    `json:"last_seen"`
}

// NormalizeCallsign trims a callsign and folds case; empty means unknown
func NormalizeCallsign(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// callsignConflict reports two known callsigns that differ
func callsignConflict(a, b string) bool {
	a, b = NormalizeCallsign(a), NormalizeCallsign(b)
	return a != "" && b != "" && a != b
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func ptr[T any](v T) *T {
	return &v
}
