// Package towing pairs tow planes with the gliders they launch and spots the release.
package towing

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yegors/flightwatch/internal/physics"
)

// Role of an aircraft in an aerotow
type Role int

const (
	RoleNone Role = iota
	RoleTowplane
	RoleGlider
)

func (r Role) String() string {
	switch r {
	case RoleTowplane:
		return "towplane"
	case RoleGlider:
		return "glider"
	default:
		return "none"
	}
}

// Opposite returns the role a partner must have
func (r Role) Opposite() Role {
	switch r {
	case RoleTowplane:
		return RoleGlider
	case RoleGlider:
		return RoleTowplane
	default:
		return RoleNone
	}
}

// Config holds tow detection thresholds
type Config struct {
	VicinityM         float64
	SearchWindow      time.Duration
	ReleaseClimbFPM   float64
	ReleaseDescentFPM float64
}

// Candidate is a read-only view of an airborne flight used for partner search
type Candidate struct {
	DeviceID  string
	FlightID  uuid.UUID
	Role      Role
	Latitude  float64
	Longitude float64
	TakeoffAt time.Time
	LastFixAt time.Time
	Linked    bool // already part of a tow pair
}

// Outcome of a partner search
type Outcome int

const (
	OutcomeNone      Outcome = iota // nothing to do, window closed
	OutcomeLinked                   // exactly one partner found
	OutcomeAmbiguous                // several candidates, retry on a later fix
	OutcomePending                  // nobody yet, retry on a later fix
)

// Detector finds tow partners. It holds no state; callers pass a snapshot of
// active flights so no other aircraft's lock is taken.
type Detector struct {
	cfg Config
}

// NewDetector creates a detector
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// InWindow reports whether a takeoff at takeoffAt may still be paired at now
func (d *Detector) InWindow(takeoffAt, now time.Time) bool {
	return now.Sub(takeoffAt) <= d.cfg.SearchWindow
}

// FindPartner searches the snapshot for the single aircraft of the opposite role
// that took off close in time and is within the vicinity of self.
func (d *Detector) FindPartner(self Candidate, now time.Time, active []Candidate) (Candidate, Outcome) {
	want := self.Role.Opposite()
	if want == RoleNone || self.Linked || !d.InWindow(self.TakeoffAt, now) {
		return Candidate{}, OutcomeNone
	}

	var found []Candidate
	for _, c := range active {
		if c.Role != want || c.Linked || c.DeviceID == self.DeviceID {
			continue
		}
		if absDuration(c.TakeoffAt.Sub(self.TakeoffAt)) > d.cfg.SearchWindow {
			continue
		}
		if absDuration(now.Sub(c.LastFixAt)) > d.cfg.SearchWindow {
			continue
		}
		if physics.Distance(self.Latitude, self.Longitude, c.Latitude, c.Longitude) > d.cfg.VicinityM {
			continue
		}
		found = append(found, c)
	}

	switch len(found) {
	case 0:
		return Candidate{}, OutcomePending
	case 1:
		return found[0], OutcomeLinked
	default:
		return Candidate{}, OutcomeAmbiguous
	}
}

// Sample is a timestamped altitude
type Sample struct {
	At         time.Time
	AltitudeFt int
}

// AverageClimb returns the mean climb rate in feet per minute between consecutive samples
func AverageClimb(samples []Sample) (float64, bool) {
	var sum float64
	var n int
	for i := 1; i < len(samples); i++ {
		dt := samples[i].At.Sub(samples[i-1].At).Minutes()
		if dt <= 0 {
			continue
		}
		sum += float64(samples[i].AltitudeFt-samples[i-1].AltitudeFt) / dt
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// ReleaseDetected reports a towplane that was climbing over the given samples
// (oldest first, at most the last five are used) and is now descending.
func (d *Detector) ReleaseDetected(samples []Sample, currentClimbFPM float64) bool {
	if len(samples) > 5 {
		samples = samples[len(samples)-5:]
	}
	avg, ok := AverageClimb(samples)
	if !ok {
		return false
	}
	return avg > d.cfg.ReleaseClimbFPM && currentClimbFPM < -d.cfg.ReleaseDescentFPM
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// LinkKind distinguishes pending tow updates
type LinkKind int

const (
	LinkTowed LinkKind = iota
	LinkReleased
)

// Link is an update one aircraft leaves for its partner
type Link struct {
	Kind          LinkKind
	PartnerDevice string
	PartnerFlight uuid.UUID
	At            time.Time
	AltitudeFt    *int
}

// Pending holds tow updates addressed to flights. The owner of a flight drains
// them while holding its own device lock.
type Pending struct {
	mu    sync.Mutex
	links map[uuid.UUID][]Link
}

// NewPending creates an empty mailbox
func NewPending() *Pending {
	return &Pending{links: make(map[uuid.UUID][]Link)}
}

// Offer queues a link for a flight
func (p *Pending) Offer(flightID uuid.UUID, l Link) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.links[flightID] = append(p.links[flightID], l)
}

// Peek returns a copy of what is queued for a flight without removing it
func (p *Pending) Peek(flightID uuid.UUID) []Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Link(nil), p.links[flightID]...)
}

// Ack removes the first n links queued for a flight, once they are applied.
// Links offered after the Peek stay queued.
func (p *Pending) Ack(flightID uuid.UUID, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.links[flightID]
	if n >= len(l) {
		delete(p.links, flightID)
		return
	}
	p.links[flightID] = l[n:]
}

// Drop discards links for a flight that no longer exists
func (p *Pending) Drop(flightID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.links, flightID)
}

// Len returns the number of flights with queued links
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.links)
}
