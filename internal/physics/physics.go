package physics

import (
	"math"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/westphae/geomag/pkg/egm96"
	"github.com/westphae/geomag/pkg/wmm"
)

// Constants
const (
	FeetToMeters  = 0.3048   // Feet to meters
	MetersToFeet  = 3.28084  // Meters to feet
	KnotsToMs     = 0.514444 // Conversion factor from Knots to m/s
	MsToKnots     = 1.94384  // Conversion factor from m/s to Knots
	NMToMeters    = 1852.0   // Nautical miles to meters
	MetersToNM    = 1 / NMToMeters
	SecondsPerHr  = 3600.0
	EarthRadiusM  = orb.EarthRadius
	FullCircleDeg = 360.0
)

// Point builds an orb point from latitude and longitude
func Point(lat, lon float64) orb.Point {
	return orb.Point{lon, lat}
}

// Distance returns the great-circle distance in meters between two positions
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	return geo.DistanceHaversine(Point(lat1, lon1), Point(lat2, lon2))
}

// Bearing returns the initial true bearing in degrees [0, 360) from the first position to the second
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	return NormalizeHeading(geo.Bearing(Point(lat1, lon1), Point(lat2, lon2)))
}

// Destination returns the position reached travelling distanceM meters on the given true bearing
func Destination(lat, lon, bearingDeg, distanceM float64) (float64, float64) {
	p := geo.PointAtBearingAndDistance(Point(lat, lon), bearingDeg, distanceM)
	return p.Lat(), p.Lon()
}

// SpeedKnots returns the average ground speed needed to cover distanceM in d
func SpeedKnots(distanceM float64, d time.Duration) float64 {
	if d <= 0 {
		return math.Inf(1)
	}
	return distanceM * MetersToNM / d.Hours()
}

// DistanceForSpeed returns the meters covered at speedKts during d
func DistanceForSpeed(speedKts float64, d time.Duration) float64 {
	return speedKts * d.Hours() * NMToMeters
}

// NormalizeHeading maps any angle into [0, 360)
func NormalizeHeading(deg float64) float64 {
	h := math.Mod(deg, FullCircleDeg)
	if h < 0 {
		h += FullCircleDeg
	}
	return h
}

// AngularDifference returns the absolute difference between two headings in [0, 180]
func AngularDifference(a, b float64) float64 {
	d := math.Abs(NormalizeHeading(a) - NormalizeHeading(b))
	if d > 180 {
		d = FullCircleDeg - d
	}
	return d
}

// Vector2D represents a 2D vector (magnitude, direction)
type Vector2D struct {
	X float64 // East component
	Y float64 // North component
}

// HeadingToVector converts a heading (degrees) and magnitude to X/Y components
func HeadingToVector(headingDeg float64, magnitude float64) Vector2D {
	rad := (90 - headingDeg) * math.Pi / 180 // Convert compass heading to math angle
	return Vector2D{
		X: magnitude * math.Cos(rad),
		Y: magnitude * math.Sin(rad),
	}
}

// CircularMean averages headings on the circle, so 350 and 10 average to 0.
// ok is false when there are no headings or they cancel out.
func CircularMean(headings []float64) (mean float64, ok bool) {
	var sum Vector2D
	for _, h := range headings {
		v := HeadingToVector(h, 1)
		sum.X += v.X
		sum.Y += v.Y
	}
	if len(headings) == 0 || math.Hypot(sum.X, sum.Y) < 1e-9 {
		return 0, false
	}
	// Compass = 90 - math angle
	return NormalizeHeading(90 - math.Atan2(sum.Y, sum.X)*180/math.Pi), true
}

// Bounds is a latitude/longitude bounding box
type Bounds struct {
	orb.Bound
	valid bool
}

// Extend grows the box to include the position
func (b *Bounds) Extend(lat, lon float64) {
	p := Point(lat, lon)
	if !b.valid {
		b.Bound = p.Bound()
		b.valid = true
		return
	}
	b.Bound = b.Bound.Extend(p)
}

// Valid reports whether any position has been added
func (b Bounds) Valid() bool {
	return b.valid
}

// Contains reports whether the position is inside the box
func (b Bounds) Contains(lat, lon float64) bool {
	return b.valid && b.Bound.Contains(Point(lat, lon))
}

// BoundsAround returns a box covering radiusM meters around a position
func BoundsAround(lat, lon, radiusM float64) Bounds {
	return Bounds{Bound: geo.NewBoundAroundPoint(Point(lat, lon), radiusM), valid: true}
}

// CalculateMagneticVariation calculates the magnetic declination for a given position and time
// Returns declination in degrees (+East, -West)
func CalculateMagneticVariation(lat, lon, altFt float64, date time.Time) float64 {
	loc := egm96.NewLocationGeodetic(lat, lon, altFt*FeetToMeters)

	mag, err := wmm.CalculateWMMMagneticField(loc, date)
	if err != nil {
		// Out of model range; treat as no variation
		return 0.0
	}

	return mag.D() // Declination
}

// MagneticToTrue converts a magnetic heading to a true heading at a position
func MagneticToTrue(magneticDeg, lat, lon float64, date time.Time) float64 {
	return NormalizeHeading(magneticDeg + CalculateMagneticVariation(lat, lon, 0, date))
}
