package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/yegors/flightwatch/internal/tracker"
	"github.com/yegors/flightwatch/pkg/logger"
)

const flightColumns = `data`

// SaveFlight inserts or updates a flight
func (s *Store) SaveFlight(ctx context.Context, f *tracker.Flight) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal flight: %w", err)
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO flights (
			id, device_id, callsign, takeoff_time, landing_time, timed_out_at,
			first_fix_at, last_fix_at, departure_airport, arrival_airport,
			data, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			callsign = excluded.callsign,
			takeoff_time = excluded.takeoff_time,
			landing_time = excluded.landing_time,
			timed_out_at = excluded.timed_out_at,
			first_fix_at = excluded.first_fix_at,
			last_fix_at = excluded.last_fix_at,
			departure_airport = excluded.departure_airport,
			arrival_airport = excluded.arrival_airport,
			data = excluded.data,
			updated_at = excluded.updated_at
	`,
		f.ID.String(), f.DeviceID, nullString(f.Callsign),
		formatNullableTime(f.TakeoffTime), formatNullableTime(f.LandingTime), formatNullableTime(f.TimedOutAt),
		formatTime(f.FirstFixAt), formatTime(f.LastFixAt),
		nullString(f.DepartureAirport), nullString(f.ArrivalAirport),
		string(data), formatTime(f.CreatedAt), formatTime(f.UpdatedAt),
	)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return fmt.Errorf("%w: device %s: %v", tracker.ErrOpenFlightConflict, f.DeviceID, err)
	case isCheckViolation(err):
		return fmt.Errorf("%w: flight %s both landed and timed out", tracker.ErrInvariantViolation, f.ID)
	default:
		return fmt.Errorf("failed to save flight: %w", err)
	}
}

// DeleteFlight removes a flight. It fails while fixes still reference it.
func (s *Store) DeleteFlight(ctx context.Context, id uuid.UUID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM flights WHERE id = ?`, id.String())
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("flight %s still referenced by fixes: %w", id, err)
		}
		return fmt.Errorf("failed to delete flight: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", tracker.ErrFlightNotFound, id)
	}
	s.logger.Debug("Deleted flight", logger.String("flight_id", id.String()))
	return nil
}

// GetFlight returns a flight by id
func (s *Store) GetFlight(ctx context.Context, id uuid.UUID) (*tracker.Flight, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+flightColumns+` FROM flights WHERE id = ?`, id.String())
	f, err := scanFlight(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", tracker.ErrFlightNotFound, id)
	}
	return f, err
}

// LoadOpenFlight returns the device's open flight, or nil
func (s *Store) LoadOpenFlight(ctx context.Context, deviceID string) (*tracker.Flight, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+flightColumns+` FROM flights
		WHERE device_id = ? AND landing_time IS NULL AND timed_out_at IS NULL
	`, deviceID)
	f, err := scanFlight(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return f, err
}

// LoadLatestFlight returns the device's most recent flight, or nil
func (s *Store) LoadLatestFlight(ctx context.Context, deviceID string) (*tracker.Flight, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+flightColumns+` FROM flights
		WHERE device_id = ?
		ORDER BY last_fix_at DESC
		LIMIT 1
	`, deviceID)
	f, err := scanFlight(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return f, err
}

// ListOpenFlights returns every open flight
func (s *Store) ListOpenFlights(ctx context.Context) ([]*tracker.Flight, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+flightColumns+` FROM flights
		WHERE landing_time IS NULL AND timed_out_at IS NULL
		ORDER BY device_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open flights: %w", err)
	}
	return collectFlights(rows)
}

// ListFlights returns up to limit flights for a device, newest first
func (s *Store) ListFlights(ctx context.Context, deviceID string, limit int) ([]*tracker.Flight, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+flightColumns+` FROM flights
		WHERE device_id = ?
		ORDER BY first_fix_at DESC
		LIMIT ?
	`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query flights: %w", err)
	}
	return collectFlights(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFlight(row scanner) (*tracker.Flight, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		return nil, err
	}
	var f tracker.Flight
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flight: %w", err)
	}
	return &f, nil
}

func collectFlights(rows *sql.Rows) ([]*tracker.Flight, error) {
	defer rows.Close()
	var out []*tracker.Flight
	for rows.Next() {
		f, err := scanFlight(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flight row: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flight rows: %w", err)
	}
	return out, nil
}
