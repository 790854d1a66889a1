package reference

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Airport is an aerodrome that flights depart from and arrive at
type Airport struct {
	ID          string  `json:"id"`
	Ident       string  `json:"ident"`
	Name        string  `json:"name,omitempty"`
	Type        string  `json:"type,omitempty"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	ElevationFt *int    `json:"elevation_ft,omitempty"`
}

// RunwayEnd is one threshold of a runway with the true heading of a departure from it
type RunwayEnd struct {
	AirportID    string  `json:"airport_id"`
	AirportIdent string  `json:"airport_ident"`
	Ident        string  `json:"ident"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	ElevationFt  *int    `json:"elevation_ft,omitempty"`
	HeadingTrue  float64 `json:"heading_true"`

	// DistanceM is the distance from the queried point; only set on search results
	DistanceM float64 `json:"distance_m,omitempty"`
}

// Source answers the geospatial questions the tracker asks.
// AirportFor returns nil, nil when no airport is in range.
type Source interface {
	NearestRunwayEnds(ctx context.Context, lat, lon, radiusM float64) ([]RunwayEnd, error)
	AirportFor(ctx context.Context, lat, lon float64) (*Airport, error)
}

// IdentHeading returns the magnetic heading a runway designator encodes ("23L" -> 230)
func IdentHeading(ident string) (float64, error) {
	num := strings.TrimRight(strings.ToUpper(strings.TrimSpace(ident)), "LRCGWSUT")
	n, err := strconv.Atoi(num)
	if err != nil || n < 1 || n > 36 {
		return 0, fmt.Errorf("invalid runway designator %q", ident)
	}
	return float64(n * 10 % 360), nil
}
