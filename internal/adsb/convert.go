package adsb

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yegors/flightwatch/internal/tracker"
)

// Positions older than this at poll time are skipped
const maxPositionAge = 60 * time.Second

var fixNamespace = uuid.MustParse("6f1d3c0e-9a4b-4c55-8a8e-3d2b7f0c1e42")

// emitter categories from DO-260B
var emitterCategories = map[string]tracker.Category{
	"A1": tracker.CategoryPowered,
	"A2": tracker.CategoryPowered,
	"A3": tracker.CategoryJet,
	"A4": tracker.CategoryJet,
	"A5": tracker.CategoryJet,
	"A6": tracker.CategoryJet,
	"A7": tracker.CategoryRotorcraft,
	"B1": tracker.CategoryGlider,
	"B2": tracker.CategoryBalloon,
	"B3": tracker.CategorySkydiver,
	"B4": tracker.CategoryHangGlider,
	"B6": tracker.CategoryUAV,
}

// ToFix converts a target into a fix. now is the document's "now" in Unix
// seconds. The fix id is derived from the hex and position time, so the same
// position seen on two polls yields the same fix.
func ToFix(t Target, now float64, source string, receivedAt time.Time) (tracker.Fix, bool) {
	hex := strings.ToLower(strings.TrimSpace(t.Hex))
	lat, okLat := t.Lat.Number()
	lon, okLon := t.Lon.Number()
	if hex == "" || !okLat || !okLon {
		return tracker.Fix{}, false
	}

	age := t.SeenPos.Float64()
	if time.Duration(age*float64(time.Second)) > maxPositionAge {
		return tracker.Fix{}, false
	}
	ts := time.UnixMilli(int64(math.Round((now - age) * 1000))).UTC().Truncate(100 * time.Millisecond)

	fix := tracker.Fix{
		ID:         uuid.NewSHA1(fixNamespace, []byte(hex+"|"+ts.Format(time.RFC3339Nano))),
		DeviceID:   hex,
		Timestamp:  ts,
		ReceivedAt: receivedAt,
		Latitude:   lat,
		Longitude:  lon,
		Callsign:   strings.TrimSpace(t.Flight),
		Squawk:     t.Squawk,
		Category:   emitterCategories[strings.ToUpper(t.Category)],
		Source:     source,
	}

	switch {
	case t.AltBaro.IsGround():
		onGround := true
		fix.OnGround = &onGround
	case t.AltBaro.Present():
		alt := int(math.Round(t.AltBaro.Float64()))
		fix.AltitudeMSLFt = &alt
	case t.AltGeom.Present():
		alt := int(math.Round(t.AltGeom.Float64()))
		fix.AltitudeMSLFt = &alt
	}
	if gs, ok := t.GS.Number(); ok {
		fix.GroundSpeedKts = &gs
	}
	if trk, ok := t.Track.Number(); ok {
		fix.TrackDeg = &trk
	}
	if rate, ok := t.BaroRate.Number(); ok {
		r := int(math.Round(rate))
		fix.ClimbFPM = &r
	} else if rate, ok := t.GeomRate.Number(); ok {
		r := int(math.Round(rate))
		fix.ClimbFPM = &r
	}

	meta := map[string]any{}
	if t.Registration != "" {
		meta["registration"] = t.Registration
	}
	if t.AircraftType != "" {
		meta["aircraft_type"] = t.AircraftType
	}
	if t.Type != "" {
		meta["address_type"] = t.Type
	}
	if len(meta) > 0 {
		fix.Metadata = meta
	}
	return fix, true
}
