package reference

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/yegors/flightwatch/internal/physics"
)

// cellSizeDeg is the size of a grid bucket; 0.1 degree is ~11 km of latitude
const cellSizeDeg = 0.1

type cellKey struct {
	lat, lon int
}

func keyFor(lat, lon float64) cellKey {
	return cellKey{int(math.Floor(lat / cellSizeDeg)), int(math.Floor(lon / cellSizeDeg))}
}

// Index is an in-memory, grid-bucketed airport and runway end lookup.
// It is safe for concurrent use; Add* calls may run while lookups are served.
type Index struct {
	mu            sync.RWMutex
	airports      map[cellKey][]Airport
	runwayEnds    map[cellKey][]RunwayEnd
	airportCount  int
	runwayCount   int
	airportRangeM float64
}

// NewIndex creates an empty index. airportRangeM bounds AirportFor.
func NewIndex(airportRangeM float64) *Index {
	return &Index{
		airports:      make(map[cellKey][]Airport),
		runwayEnds:    make(map[cellKey][]RunwayEnd),
		airportRangeM: airportRangeM,
	}
}

// AddAirport indexes an airport
func (idx *Index) AddAirport(a Airport) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	k := keyFor(a.Latitude, a.Longitude)
	idx.airports[k] = append(idx.airports[k], a)
	idx.airportCount++
}

// AddRunwayEnd indexes a runway threshold
func (idx *Index) AddRunwayEnd(e RunwayEnd) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e.DistanceM = 0
	k := keyFor(e.Latitude, e.Longitude)
	idx.runwayEnds[k] = append(idx.runwayEnds[k], e)
	idx.runwayCount++
}

// Counts returns the number of indexed airports and runway ends
func (idx *Index) Counts() (airports, runwayEnds int) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.airportCount, idx.runwayCount
}

// Airports returns every indexed airport
func (idx *Index) Airports() []Airport {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]Airport, 0, idx.airportCount)
	for _, as := range idx.airports {
		out = append(out, as...)
	}
	return out
}

// RunwayEnds returns every indexed runway end
func (idx *Index) RunwayEnds() []RunwayEnd {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]RunwayEnd, 0, idx.runwayCount)
	for _, es := range idx.runwayEnds {
		out = append(out, es...)
	}
	return out
}

// cells lists the grid buckets overlapping a radius around a point
func cells(lat, lon, radiusM float64) []cellKey {
	b := physics.BoundsAround(lat, lon, radiusM)
	lo := keyFor(b.Min.Lat(), b.Min.Lon())
	hi := keyFor(b.Max.Lat(), b.Max.Lon())
	keys := make([]cellKey, 0, (hi.lat-lo.lat+1)*(hi.lon-lo.lon+1))
	for la := lo.lat; la <= hi.lat; la++ {
		for lo2 := lo.lon; lo2 <= hi.lon; lo2++ {
			keys = append(keys, cellKey{la, lo2})
		}
	}
	return keys
}

// NearestRunwayEnds returns runway ends within radiusM, nearest first
func (idx *Index) NearestRunwayEnds(ctx context.Context, lat, lon, radiusM float64) ([]RunwayEnd, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []RunwayEnd
	for _, k := range cells(lat, lon, radiusM) {
		for _, e := range idx.runwayEnds[k] {
			d := physics.Distance(lat, lon, e.Latitude, e.Longitude)
			if d <= radiusM {
				e.DistanceM = d
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceM < out[j].DistanceM })
	return out, nil
}

// AirportFor returns the nearest airport within the configured range, or nil
func (idx *Index) AirportFor(ctx context.Context, lat, lon float64) (*Airport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var best *Airport
	bestDist := math.Inf(1)
	for _, k := range cells(lat, lon, idx.airportRangeM) {
		for i := range idx.airports[k] {
			a := idx.airports[k][i]
			d := physics.Distance(lat, lon, a.Latitude, a.Longitude)
			if d <= idx.airportRangeM && d < bestDist {
				bestDist = d
				best = &a
			}
		}
	}
	return best, nil
}
