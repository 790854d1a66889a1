package postgres

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yegors/flightwatch/internal/physics"
	"github.com/yegors/flightwatch/internal/reference"
)

// Reference answers runway and airport lookups from the airports and
// runway_ends tables. A bounding box query narrows the rows; exact distances
// are computed here.
type Reference struct {
	pool          *pgxpool.Pool
	airportRangeM float64
}

// NearestRunwayEnds returns runway ends within radiusM, nearest first
func (r *Reference) NearestRunwayEnds(ctx context.Context, lat, lon, radiusM float64) ([]reference.RunwayEnd, error) {
	b := physics.BoundsAround(lat, lon, radiusM)
	rows, err := r.pool.Query(ctx, `
		SELECT airport_id, airport_ident, ident, latitude, longitude, elevation_ft, heading_true
		FROM runway_ends
		WHERE latitude BETWEEN $1 AND $2 AND longitude BETWEEN $3 AND $4
	`, b.Min.Lat(), b.Max.Lat(), b.Min.Lon(), b.Max.Lon())
	if err != nil {
		return nil, fmt.Errorf("query runway ends: %w", err)
	}
	defer rows.Close()

	var out []reference.RunwayEnd
	for rows.Next() {
		var e reference.RunwayEnd
		if err := rows.Scan(&e.AirportID, &e.AirportIdent, &e.Ident, &e.Latitude, &e.Longitude,
			&e.ElevationFt, &e.HeadingTrue); err != nil {
			return nil, fmt.Errorf("scan runway end: %w", err)
		}
		e.DistanceM = physics.Distance(lat, lon, e.Latitude, e.Longitude)
		if e.DistanceM <= radiusM {
			out = append(out, e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runway ends: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceM < out[j].DistanceM })
	return out, nil
}

// AirportFor returns the nearest airport within range, or nil
func (r *Reference) AirportFor(ctx context.Context, lat, lon float64) (*reference.Airport, error) {
	b := physics.BoundsAround(lat, lon, r.airportRangeM)
	rows, err := r.pool.Query(ctx, `
		SELECT id, ident, COALESCE(name, ''), COALESCE(type, ''), latitude, longitude, elevation_ft
		FROM airports
		WHERE latitude BETWEEN $1 AND $2 AND longitude BETWEEN $3 AND $4
	`, b.Min.Lat(), b.Max.Lat(), b.Min.Lon(), b.Max.Lon())
	if err != nil {
		return nil, fmt.Errorf("query airports: %w", err)
	}
	defer rows.Close()

	var best *reference.Airport
	bestDist := math.Inf(1)
	for rows.Next() {
		var a reference.Airport
		if err := rows.Scan(&a.ID, &a.Ident, &a.Name, &a.Type, &a.Latitude, &a.Longitude, &a.ElevationFt); err != nil {
			return nil, fmt.Errorf("scan airport: %w", err)
		}
		if d := physics.Distance(lat, lon, a.Latitude, a.Longitude); d <= r.airportRangeM && d < bestDist {
			bestDist = d
			best = &a
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate airports: %w", err)
	}
	return best, nil
}

// Import upserts the airports and runway ends of an index in one batch
func (r *Reference) Import(ctx context.Context, idx *reference.Index) (int, error) {
	batch := &pgx.Batch{}
	for _, a := range idx.Airports() {
		batch.Queue(`
			INSERT INTO airports (id, ident, name, type, latitude, longitude, elevation_ft)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				ident = EXCLUDED.ident, name = EXCLUDED.name, type = EXCLUDED.type,
				latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude,
				elevation_ft = EXCLUDED.elevation_ft
		`, a.ID, a.Ident, a.Name, a.Type, a.Latitude, a.Longitude, a.ElevationFt)
	}
	for _, e := range idx.RunwayEnds() {
		batch.Queue(`
			INSERT INTO runway_ends (airport_id, airport_ident, ident, latitude, longitude, elevation_ft, heading_true)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (airport_id, ident) DO UPDATE SET
				airport_ident = EXCLUDED.airport_ident,
				latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude,
				elevation_ft = EXCLUDED.elevation_ft, heading_true = EXCLUDED.heading_true
		`, e.AirportID, e.AirportIdent, e.Ident, e.Latitude, e.Longitude, e.ElevationFt, e.HeadingTrue)
	}
	n := batch.Len()
	if n == 0 {
		return 0, nil
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("import reference data: %w", err)
	}
	return n, nil
}
