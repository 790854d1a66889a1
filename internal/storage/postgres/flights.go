package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/yegors/flightwatch/internal/tracker"
)

// SaveFlight inserts or updates a flight
func (s *Store) SaveFlight(ctx context.Context, f *tracker.Flight) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal flight: %w", err)
	}

	_, err = s.q.Exec(ctx, `
		INSERT INTO flights (
			id, device_id, callsign, takeoff_time, landing_time, timed_out_at,
			first_fix_at, last_fix_at, departure_airport, arrival_airport,
			data, created_at, updated_at
		) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			callsign = EXCLUDED.callsign,
			takeoff_time = EXCLUDED.takeoff_time,
			landing_time = EXCLUDED.landing_time,
			timed_out_at = EXCLUDED.timed_out_at,
			first_fix_at = EXCLUDED.first_fix_at,
			last_fix_at = EXCLUDED.last_fix_at,
			departure_airport = EXCLUDED.departure_airport,
			arrival_airport = EXCLUDED.arrival_airport,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
	`,
		f.ID, f.DeviceID, f.Callsign, f.TakeoffTime, f.LandingTime, f.TimedOutAt,
		f.FirstFixAt, f.LastFixAt, f.DepartureAirport, f.ArrivalAirport,
		data, f.CreatedAt, f.UpdatedAt,
	)
	if err == nil {
		return nil
	}
	switch pgCode(err) {
	case codeUniqueViolation:
		return fmt.Errorf("%w: device %s: %v", tracker.ErrOpenFlightConflict, f.DeviceID, err)
	case codeCheckViolation:
		return fmt.Errorf("%w: flight %s both landed and timed out", tracker.ErrInvariantViolation, f.ID)
	default:
		return fmt.Errorf("save flight: %w", err)
	}
}

// DeleteFlight removes a flight. It fails while fixes still reference it.
func (s *Store) DeleteFlight(ctx context.Context, id uuid.UUID) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM flights WHERE id = $1`, id)
	if err != nil {
		if pgCode(err) == codeForeignKeyViolation {
			return fmt.Errorf("flight %s still referenced by fixes: %w", id, err)
		}
		return fmt.Errorf("delete flight: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", tracker.ErrFlightNotFound, id)
	}
	return nil
}

// GetFlight returns a flight by id
func (s *Store) GetFlight(ctx context.Context, id uuid.UUID) (*tracker.Flight, error) {
	f, err := scanFlight(s.q.QueryRow(ctx, `SELECT data FROM flights WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", tracker.ErrFlightNotFound, id)
	}
	return f, err
}

// LoadOpenFlight returns the device's open flight, or nil
func (s *Store) LoadOpenFlight(ctx context.Context, deviceID string) (*tracker.Flight, error) {
	f, err := scanFlight(s.q.QueryRow(ctx, `
		SELECT data FROM flights
		WHERE device_id = $1 AND landing_time IS NULL AND timed_out_at IS NULL
	`, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return f, err
}

// LoadLatestFlight returns the device's most recent flight, or nil
func (s *Store) LoadLatestFlight(ctx context.Context, deviceID string) (*tracker.Flight, error) {
	f, err := scanFlight(s.q.QueryRow(ctx, `
		SELECT data FROM flights
		WHERE device_id = $1
		ORDER BY last_fix_at DESC
		LIMIT 1
	`, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return f, err
}

// ListOpenFlights returns every open flight
func (s *Store) ListOpenFlights(ctx context.Context) ([]*tracker.Flight, error) {
	rows, err := s.q.Query(ctx, `
		SELECT data FROM flights
		WHERE landing_time IS NULL AND timed_out_at IS NULL
		ORDER BY device_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query open flights: %w", err)
	}
	return collectFlights(rows)
}

// ListFlights returns up to limit flights for a device, newest first
func (s *Store) ListFlights(ctx context.Context, deviceID string, limit int) ([]*tracker.Flight, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.q.Query(ctx, `
		SELECT data FROM flights
		WHERE device_id = $1
		ORDER BY first_fix_at DESC
		LIMIT $2
	`, deviceID, lim)
	if err != nil {
		return nil, fmt.Errorf("query flights: %w", err)
	}
	return collectFlights(rows)
}

func scanFlight(row pgx.Row) (*tracker.Flight, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		return nil, err
	}
	var f tracker.Flight
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal flight: %w", err)
	}
	return &f, nil
}

func collectFlights(rows pgx.Rows) ([]*tracker.Flight, error) {
	defer rows.Close()
	var out []*tracker.Flight
	for rows.Next() {
		f, err := scanFlight(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flight: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flights: %w", err)
	}
	return out, nil
}
