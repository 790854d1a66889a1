package towing

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yegors/flightwatch/internal/physics"
)

var cfg = Config{
	VicinityM:         500,
	SearchWindow:      60 * time.Second,
	ReleaseClimbFPM:   100,
	ReleaseDescentFPM: 100,
}

func TestFindPartner(t *testing.T) {
	t0 := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	d := NewDetector(cfg)

	tug := Candidate{DeviceID: "tug", FlightID: uuid.New(), Role: RoleTowplane, Latitude: 46, Longitude: 8, TakeoffAt: t0, LastFixAt: t0}
	nearLat, nearLon := physics.Destination(46, 8, 90, 100)
	farLat, farLon := physics.Destination(46, 8, 90, 2000)

	glider := func(id string, lat, lon float64, takeoff time.Time) Candidate {
		return Candidate{DeviceID: id, FlightID: uuid.New(), Role: RoleGlider, Latitude: lat, Longitude: lon, TakeoffAt: takeoff, LastFixAt: takeoff}
	}

	tests := []struct {
		name   string
		self   Candidate
		now    time.Time
		active []Candidate
		want   Outcome
	}{
		{"single glider", tug, t0.Add(5 * time.Second), []Candidate{glider("g1", nearLat, nearLon, t0)}, OutcomeLinked},
		{"glider too far", tug, t0, []Candidate{glider("g1", farLat, farLon, t0)}, OutcomePending},
		{"two gliders", tug, t0, []Candidate{glider("g1", nearLat, nearLon, t0), glider("g2", 46, 8, t0)}, OutcomeAmbiguous},
		{"window closed", tug, t0.Add(2 * time.Minute), []Candidate{glider("g1", nearLat, nearLon, t0)}, OutcomeNone},
		{"takeoffs far apart", tug, t0.Add(30 * time.Second), []Candidate{glider("g1", nearLat, nearLon, t0.Add(-5*time.Minute))}, OutcomePending},
		{"same role ignored", tug, t0, []Candidate{{DeviceID: "tug2", Role: RoleTowplane, Latitude: 46, Longitude: 8, TakeoffAt: t0, LastFixAt: t0}}, OutcomePending},
		{"no role", Candidate{DeviceID: "x", TakeoffAt: t0}, t0, nil, OutcomeNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, got := d.FindPartner(tt.self, tt.now, tt.active)
			if got != tt.want {
				t.Errorf("outcome = %v, want %v", got, tt.want)
			}
		})
	}

	// Glider searches for the tug the same way
	g := glider("g1", nearLat, nearLon, t0)
	p, out := d.FindPartner(g, t0, []Candidate{tug})
	if out != OutcomeLinked || p.DeviceID != "tug" {
		t.Errorf("glider search = %+v, %v", p, out)
	}
}

func TestReleaseDetected(t *testing.T) {
	t0 := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	climbing := []Sample{
		{t0, 2000},
		{t0.Add(10 * time.Second), 2100},
		{t0.Add(20 * time.Second), 2200},
		{t0.Add(30 * time.Second), 2300},
		{t0.Add(40 * time.Second), 2400},
	}
	d := NewDetector(cfg)

	if !d.ReleaseDetected(climbing, -500) {
		t.Error("climb then descent should be a release")
	}
	if d.ReleaseDetected(climbing, -50) {
		t.Error("slight descent is not a release")
	}
	level := []Sample{{t0, 2000}, {t0.Add(10 * time.Second), 2005}}
	if d.ReleaseDetected(level, -500) {
		t.Error("level flight then descent is not a release")
	}
	if d.ReleaseDetected(climbing[:1], -500) {
		t.Error("one sample has no climb rate")
	}
}

func TestAverageClimb(t *testing.T) {
	t0 := time.Unix(0, 0)
	avg, ok := AverageClimb([]Sample{{t0, 1000}, {t0.Add(30 * time.Second), 1300}, {t0.Add(30 * time.Second), 1400}, {t0.Add(60 * time.Second), 1600}})
	if !ok || avg != 500 {
		t.Errorf("AverageClimb = %v, %v", avg, ok)
	}
}

func TestPending(t *testing.T) {
	p := NewPending()
	id := uuid.New()
	p.Offer(id, Link{Kind: LinkTowed, PartnerDevice: "tug"})
	p.Offer(id, Link{Kind: LinkReleased, PartnerDevice: "tug"})
	if p.Len() != 1 {
		t.Fatalf("Len = %d", p.Len())
	}
	got := p.Peek(id)
	if len(got) != 2 || got[0].Kind != LinkTowed || got[1].Kind != LinkReleased {
		t.Fatalf("Peek = %+v", got)
	}
	if len(p.Peek(id)) != 2 {
		t.Fatal("Peek should not drain")
	}

	// A link offered between Peek and Ack survives the Ack
	p.Offer(id, Link{Kind: LinkReleased, PartnerDevice: "tug2"})
	p.Ack(id, len(got))
	if rest := p.Peek(id); len(rest) != 1 || rest[0].PartnerDevice != "tug2" {
		t.Fatalf("after Ack = %+v", rest)
	}
	p.Ack(id, 1)
	if len(p.Peek(id)) != 0 || p.Len() != 0 {
		t.Error("Ack should drain")
	}
	p.Offer(id, Link{})
	p.Drop(id)
	if p.Len() != 0 {
		t.Error("Drop should discard")
	}
}
