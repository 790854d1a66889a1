package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/yegors/flightwatch/internal/tracker"
)

const fixColumns = `id, device_id, flight_id, timestamp, received_at, lat, lon, alt_msl, alt_agl,
	agl_valid, gs, track, climb, on_ground, callsign, squawk, category, source, metadata, raw_message_id`

// SaveFix inserts a fix. Saving the same id again is a no-op.
func (s *Store) SaveFix(ctx context.Context, f tracker.Fix) error {
	var metadata any
	if len(f.Metadata) > 0 {
		b, err := json.Marshal(f.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal fix metadata: %w", err)
		}
		metadata = string(b)
	}

	var flightID any
	if f.FlightID != nil {
		flightID = f.FlightID.String()
	}
	var onGround any
	if f.OnGround != nil {
		onGround = boolToInt(*f.OnGround)
	}
	var receivedAt any
	if !f.ReceivedAt.IsZero() {
		receivedAt = formatTime(f.ReceivedAt)
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO fixes (`+fixColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		f.ID.String(), f.DeviceID, flightID, formatTime(f.Timestamp), receivedAt,
		f.Latitude, f.Longitude, f.AltitudeMSLFt, f.AltitudeAGLFt, boolToInt(f.AGLValid),
		f.GroundSpeedKts, f.TrackDeg, f.ClimbFPM, onGround,
		nullString(f.Callsign), nullString(f.Squawk), nullString(string(f.Category)),
		nullString(f.Source), metadata, nullString(f.RawMessageID),
	)
	switch {
	case err == nil:
		return nil
	case isForeignKeyViolation(err):
		return fmt.Errorf("%w: %s", tracker.ErrFlightNotFound, *f.FlightID)
	default:
		return fmt.Errorf("failed to insert fix: %w", err)
	}
}

// UpdateFixFlightLink points an already saved fix at a flight, or unlinks it
func (s *Store) UpdateFixFlightLink(ctx context.Context, fixID uuid.UUID, flightID *uuid.UUID) error {
	var target any
	if flightID != nil {
		target = flightID.String()
	}
	res, err := s.q.ExecContext(ctx, `UPDATE fixes SET flight_id = ? WHERE id = ?`, target, fixID.String())
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: %s", tracker.ErrFlightNotFound, *flightID)
		}
		return fmt.Errorf("failed to update fix link: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("fix %s not found", fixID)
	}
	return nil
}

// ClearFlightReference unlinks every fix of a flight
func (s *Store) ClearFlightReference(ctx context.Context, flightID uuid.UUID) (int64, error) {
	res, err := s.q.ExecContext(ctx, `UPDATE fixes SET flight_id = NULL WHERE flight_id = ?`, flightID.String())
	if err != nil {
		return 0, fmt.Errorf("failed to clear fix links: %w", err)
	}
	return res.RowsAffected()
}

// RecentFixes returns up to limit of the device's latest fixes, oldest first
func (s *Store) RecentFixes(ctx context.Context, deviceID string, limit int) ([]tracker.Fix, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+fixColumns+` FROM fixes
		WHERE device_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent fixes: %w", err)
	}
	fixes, err := collectFixes(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(fixes)
	return fixes, nil
}

// FlightTrack returns the fixes linked to a flight, oldest first
func (s *Store) FlightTrack(ctx context.Context, flightID uuid.UUID) ([]tracker.Fix, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+fixColumns+` FROM fixes
		WHERE flight_id = ?
		ORDER BY timestamp
	`, flightID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query flight fixes: %w", err)
	}
	return collectFixes(rows)
}

func collectFixes(rows *sql.Rows) ([]tracker.Fix, error) {
	defer rows.Close()
	var out []tracker.Fix
	for rows.Next() {
		f, err := scanFix(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fix rows: %w", err)
	}
	return out, nil
}

func scanFix(row scanner) (tracker.Fix, error) {
	var (
		f                                  tracker.Fix
		id, timestamp                      string
		flightID, receivedAt               sql.NullString
		altMSL, altAGL, climb, onGround    sql.NullInt64
		aglValid                           int
		gs, track                          sql.NullFloat64
		callsign, squawk, category, source sql.NullString
		metadata, rawMessageID             sql.NullString
	)
	if err := row.Scan(
		&id, &f.DeviceID, &flightID, &timestamp, &receivedAt, &f.Latitude, &f.Longitude,
		&altMSL, &altAGL, &aglValid, &gs, &track, &climb, &onGround,
		&callsign, &squawk, &category, &source, &metadata, &rawMessageID,
	); err != nil {
		return f, fmt.Errorf("failed to scan fix row: %w", err)
	}

	var err error
	if f.ID, err = uuid.Parse(id); err != nil {
		return f, fmt.Errorf("invalid fix id %q: %w", id, err)
	}
	if flightID.Valid {
		fid, err := uuid.Parse(flightID.String)
		if err != nil {
			return f, fmt.Errorf("invalid flight id %q: %w", flightID.String, err)
		}
		f.FlightID = &fid
	}
	if f.Timestamp, err = parseTime(timestamp); err != nil {
		return f, err
	}
	if receivedAt.Valid {
		if f.ReceivedAt, err = parseTime(receivedAt.String); err != nil {
			return f, err
		}
	}

	f.AltitudeMSLFt = intPtr(altMSL)
	f.AltitudeAGLFt = intPtr(altAGL)
	f.ClimbFPM = intPtr(climb)
	f.AGLValid = aglValid != 0
	if gs.Valid {
		f.GroundSpeedKts = &gs.Float64
	}
	if track.Valid {
		f.TrackDeg = &track.Float64
	}
	if onGround.Valid {
		v := onGround.Int64 != 0
		f.OnGround = &v
	}
	f.Callsign = callsign.String
	f.Squawk = squawk.String
	f.Category = tracker.Category(category.String)
	f.Source = source.String
	f.RawMessageID = rawMessageID.String
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &f.Metadata); err != nil {
			return f, fmt.Errorf("failed to unmarshal fix metadata: %w", err)
		}
	}
	return f, nil
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
