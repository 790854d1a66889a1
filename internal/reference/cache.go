package reference

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/yegors/flightwatch/internal/physics"
)

// cacheGridDeg snaps query points so nearby lookups share an entry (~110 m)
const cacheGridDeg = 0.001

// cachePadM widens cached runway searches so any point in the snapped cell is covered
const cachePadM = 200.0

// Cached decorates a Source with expiring LRU caches. Runway results are
// re-filtered and re-sorted for the exact query point on every hit.
type Cached struct {
	src      Source
	runways  *expirable.LRU[string, []RunwayEnd]
	airports *expirable.LRU[string, *Airport]
}

// NewCached wraps src with caches holding up to size entries for ttl
func NewCached(src Source, size int, ttl time.Duration) *Cached {
	return &Cached{
		src:      src,
		runways:  expirable.NewLRU[string, []RunwayEnd](size, nil, ttl),
		airports: expirable.NewLRU[string, *Airport](size, nil, ttl),
	}
}

func snap(v float64) float64 {
	return math.Round(v/cacheGridDeg) * cacheGridDeg
}

// NearestRunwayEnds implements Source
func (c *Cached) NearestRunwayEnds(ctx context.Context, lat, lon, radiusM float64) ([]RunwayEnd, error) {
	slat, slon := snap(lat), snap(lon)
	key := fmt.Sprintf("%.3f,%.3f,%.0f", slat, slon, radiusM)

	ends, ok := c.runways.Get(key)
	if !ok {
		var err error
		ends, err = c.src.NearestRunwayEnds(ctx, slat, slon, radiusM+cachePadM)
		if err != nil {
			return nil, err
		}
		c.runways.Add(key, ends)
	}

	out := make([]RunwayEnd, 0, len(ends))
	for _, e := range ends {
		e.DistanceM = physics.Distance(lat, lon, e.Latitude, e.Longitude)
		if e.DistanceM <= radiusM {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceM < out[j].DistanceM })
	return out, nil
}

// AirportFor implements Source
func (c *Cached) AirportFor(ctx context.Context, lat, lon float64) (*Airport, error) {
	key := fmt.Sprintf("%.3f,%.3f", snap(lat), snap(lon))
	if a, ok := c.airports.Get(key); ok {
		return a, nil
	}
	a, err := c.src.AirportFor(ctx, lat, lon)
	if err != nil {
		return nil, err
	}
	c.airports.Add(key, a)
	return a, nil
}

// Len returns the number of cached runway and airport entries
func (c *Cached) Len() (runways, airports int) {
	return c.runways.Len(), c.airports.Len()
}
