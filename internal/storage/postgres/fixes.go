package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/yegors/flightwatch/internal/tracker"
)

const fixColumns = `id, device_id, flight_id, ts, received_at, latitude, longitude, alt_msl_ft, alt_agl_ft,
	agl_valid, ground_speed_kts, track_deg, climb_fpm, on_ground, callsign, squawk, category, source,
	metadata, raw_message_id`

// SaveFix inserts a fix. Saving the same id again is a no-op.
func (s *Store) SaveFix(ctx context.Context, f tracker.Fix) error {
	var metadata []byte
	if len(f.Metadata) > 0 {
		b, err := json.Marshal(f.Metadata)
		if err != nil {
			return fmt.Errorf("marshal fix metadata: %w", err)
		}
		metadata = b
	}
	received := &f.ReceivedAt
	if f.ReceivedAt.IsZero() {
		received = nil
	}

	// a missing flight is recovered from by the caller
	err := s.guarded(ctx, func(q querier) error {
		_, err := q.Exec(ctx, `
			INSERT INTO fixes (`+fixColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
				NULLIF($15, ''), NULLIF($16, ''), NULLIF($17, ''), NULLIF($18, ''), $19, NULLIF($20, ''))
			ON CONFLICT (id) DO NOTHING
		`,
			f.ID, f.DeviceID, f.FlightID, f.Timestamp, received, f.Latitude, f.Longitude,
			f.AltitudeMSLFt, f.AltitudeAGLFt, f.AGLValid, f.GroundSpeedKts, f.TrackDeg, f.ClimbFPM, f.OnGround,
			f.Callsign, f.Squawk, string(f.Category), f.Source, metadata, f.RawMessageID,
		)
		return err
	})
	if err == nil {
		return nil
	}
	if pgCode(err) == codeForeignKeyViolation {
		return fmt.Errorf("%w: %s", tracker.ErrFlightNotFound, *f.FlightID)
	}
	return fmt.Errorf("insert fix: %w", err)
}

// UpdateFixFlightLink points an already saved fix at a flight, or unlinks it
func (s *Store) UpdateFixFlightLink(ctx context.Context, fixID uuid.UUID, flightID *uuid.UUID) error {
	tag, err := s.q.Exec(ctx, `UPDATE fixes SET flight_id = $1 WHERE id = $2`, flightID, fixID)
	if err != nil {
		if pgCode(err) == codeForeignKeyViolation {
			return fmt.Errorf("%w: %s", tracker.ErrFlightNotFound, *flightID)
		}
		return fmt.Errorf("update fix link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fix %s not found", fixID)
	}
	return nil
}

// ClearFlightReference unlinks every fix of a flight
func (s *Store) ClearFlightReference(ctx context.Context, flightID uuid.UUID) (int64, error) {
	tag, err := s.q.Exec(ctx, `UPDATE fixes SET flight_id = NULL WHERE flight_id = $1`, flightID)
	if err != nil {
		return 0, fmt.Errorf("clear fix links: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecentFixes returns up to limit of the device's latest fixes, oldest first
func (s *Store) RecentFixes(ctx context.Context, deviceID string, limit int) ([]tracker.Fix, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.q.Query(ctx, `
		SELECT `+fixColumns+` FROM fixes
		WHERE device_id = $1
		ORDER BY ts DESC
		LIMIT $2
	`, deviceID, lim)
	if err != nil {
		return nil, fmt.Errorf("query recent fixes: %w", err)
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
	rows, err := s.q.Query(ctx, `
		SELECT `+fixColumns+` FROM fixes
		WHERE flight_id = $1
		ORDER BY ts
	`, flightID)
	if err != nil {
		return nil, fmt.Errorf("query flight fixes: %w", err)
	}
	return collectFixes(rows)
}

func collectFixes(rows pgx.Rows) ([]tracker.Fix, error) {
	defer rows.Close()
	var out []tracker.Fix
	for rows.Next() {
		var (
			f                                  tracker.Fix
			received                           *time.Time
			callsign, squawk, category, source *string
			rawMessageID                       *string
			metadata                           []byte
		)
		if err := rows.Scan(
			&f.ID, &f.DeviceID, &f.FlightID, &f.Timestamp, &received, &f.Latitude, &f.Longitude,
			&f.AltitudeMSLFt, &f.AltitudeAGLFt, &f.AGLValid, &f.GroundSpeedKts, &f.TrackDeg, &f.ClimbFPM, &f.OnGround,
			&callsign, &squawk, &category, &source, &metadata, &rawMessageID,
		); err != nil {
			return nil, fmt.Errorf("scan fix: %w", err)
		}
		if received != nil {
			f.ReceivedAt = *received
		}
		f.Callsign = deref(callsign)
		f.Squawk = deref(squawk)
		f.Category = tracker.Category(deref(category))
		f.Source = deref(source)
		f.RawMessageID = deref(rawMessageID)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &f.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal fix metadata: %w", err)
			}
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fixes: %w", err)
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
