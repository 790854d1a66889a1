package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yegors/flightwatch/internal/config"
	"github.com/yegors/flightwatch/internal/tracker"
	"github.com/yegors/flightwatch/pkg/logger"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "flights.db"), logger.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testFlight(dev string, first time.Time) *tracker.Flight {
	return &tracker.Flight{
		ID:            uuid.New(),
		DeviceID:      dev,
		Callsign:      "TST1",
		FirstFixAt:    first,
		LastFixAt:     first.Add(10 * time.Minute),
		MinLatitude:   46.5,
		MaxLatitude:   46.6,
		MinLongitude:  7.5,
		MaxLongitude:  7.6,
		MinAltitudeFt: intp(1400),
		MaxAltitudeFt: intp(5000),
		FixCount:      3,
		CreatedAt:     first,
		UpdatedAt:     first,
	}
}

func testFix(dev string, at time.Time, flightID *uuid.UUID) tracker.Fix {
	gs := 80.5
	return tracker.Fix{
		ID:             uuid.New(),
		DeviceID:       dev,
		Timestamp:      at,
		ReceivedAt:     at.Add(time.Second),
		Latitude:       46.55,
		Longitude:      7.55,
		AltitudeMSLFt:  intp(3000),
		GroundSpeedKts: &gs,
		Callsign:       "TST1",
		Category:       tracker.CategoryGlider,
		Metadata:       map[string]any{"rssi": -12.5},
		FlightID:       flightID,
	}
}

func intp(v int) *int { return &v }

func TestOneOpenFlightPerDevice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := testFlight("dev1", t0)
	if err := s.SaveFlight(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := testFlight("dev1", t0.Add(time.Hour))
	if err := s.SaveFlight(ctx, second); !errors.Is(err, tracker.ErrOpenFlightConflict) {
		t.Fatalf("second open flight: err = %v, want ErrOpenFlightConflict", err)
	}

	// Another device is unaffected
	if err := s.SaveFlight(ctx, testFlight("dev2", t0)); err != nil {
		t.Fatal(err)
	}

	landed := first.LastFixAt
	first.LandingTime = &landed
	if err := s.SaveFlight(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveFlight(ctx, second); err != nil {
		t.Fatalf("open flight after landing: %v", err)
	}

	open, err := s.LoadOpenFlight(ctx, "dev1")
	if err != nil || open == nil || open.ID != second.ID {
		t.Fatalf("LoadOpenFlight = %v, %v", open, err)
	}
	all, err := s.ListOpenFlights(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListOpenFlights = %d flights, %v", len(all), err)
	}
}

func TestLandedAndTimedOutRejected(t *testing.T) {
	s := newTestStore(t)
	f := testFlight("dev1", t0)
	at := f.LastFixAt
	f.LandingTime, f.TimedOutAt = &at, &at
	if err := s.SaveFlight(context.Background(), f); !errors.Is(err, tracker.ErrInvariantViolation) {
		t.Fatalf("err = %v, want ErrInvariantViolation", err)
	}
}

func TestFlightRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f := testFlight("dev1", t0)
	to := t0.Add(time.Minute)
	inferred := true
	f.TakeoffTime = &to
	f.TakeoffRunway = "27"
	f.RunwaysInferred = &inferred
	f.TowedByDevice = "tug"
	tug := uuid.New()
	f.TowedByFlight = &tug
	if err := s.SaveFlight(ctx, f); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetFlight(ctx, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.TakeoffTime.Equal(to) || got.TakeoffRunway != "27" || !*got.RunwaysInferred {
		t.Errorf("takeoff fields = %v %q %v", got.TakeoffTime, got.TakeoffRunway, got.RunwaysInferred)
	}
	if got.TowedByFlight == nil || *got.TowedByFlight != tug {
		t.Errorf("towed_by_flight = %v", got.TowedByFlight)
	}
	if *got.MaxAltitudeFt != 5000 || got.FixCount != 3 {
		t.Errorf("aggregates = %d / %d", *got.MaxAltitudeFt, got.FixCount)
	}

	if _, err := s.GetFlight(ctx, uuid.New()); !errors.Is(err, tracker.ErrFlightNotFound) {
		t.Errorf("missing flight: err = %v", err)
	}
}

func TestLoadLatestFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if f, err := s.LoadLatestFlight(ctx, "dev1"); f != nil || err != nil {
		t.Fatalf("empty store: %v, %v", f, err)
	}

	old := testFlight("dev1", t0)
	at := old.LastFixAt
	old.TimedOutAt = &at
	recent := testFlight("dev1", t0.Add(3*time.Hour))
	for _, f := range []*tracker.Flight{old, recent} {
		if err := s.SaveFlight(ctx, f); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.LoadLatestFlight(ctx, "dev1")
	if err != nil || got.ID != recent.ID {
		t.Fatalf("LoadLatestFlight = %v, %v", got, err)
	}

	list, err := s.ListFlights(ctx, "dev1", 1)
	if err != nil || len(list) != 1 || list[0].ID != recent.ID {
		t.Fatalf("ListFlights = %v, %v", list, err)
	}
}

func TestFixReferentialIntegrity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	missing := uuid.New()
	if err := s.SaveFix(ctx, testFix("dev1", t0, &missing)); !errors.Is(err, tracker.ErrFlightNotFound) {
		t.Fatalf("fix to missing flight: err = %v", err)
	}

	f := testFlight("dev1", t0)
	if err := s.SaveFlight(ctx, f); err != nil {
		t.Fatal(err)
	}
	fx := testFix("dev1", t0, &f.ID)
	if err := s.SaveFix(ctx, fx); err != nil {
		t.Fatal(err)
	}
	// Same id again is a no-op
	if err := s.SaveFix(ctx, fx); err != nil {
		t.Fatalf("duplicate fix: %v", err)
	}

	if err := s.DeleteFlight(ctx, f.ID); err == nil {
		t.Fatal("deleted a flight that fixes still reference")
	}
	n, err := s.ClearFlightReference(ctx, f.ID)
	if err != nil || n != 1 {
		t.Fatalf("ClearFlightReference = %d, %v", n, err)
	}
	if err := s.DeleteFlight(ctx, f.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteFlight(ctx, f.ID); !errors.Is(err, tracker.ErrFlightNotFound) {
		t.Errorf("second delete: err = %v", err)
	}
	if err := s.UpdateFixFlightLink(ctx, fx.ID, &f.ID); !errors.Is(err, tracker.ErrFlightNotFound) {
		t.Errorf("link to deleted flight: err = %v", err)
	}
}

func TestAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	errBoom := errors.New("boom")

	rolled := testFlight("dev1", t0)
	err := s.Atomically(ctx, func(tx tracker.Store) error {
		if err := tx.SaveFlight(ctx, rolled); err != nil {
			return err
		}
		if err := tx.SaveFix(ctx, testFix("dev1", t0, &rolled.ID)); err != nil {
			return err
		}
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("Atomically = %v, want the callback error", err)
	}
	if _, err := s.GetFlight(ctx, rolled.ID); !errors.Is(err, tracker.ErrFlightNotFound) {
		t.Errorf("flight survived rollback: %v", err)
	}
	if fixes, _ := s.RecentFixes(ctx, "dev1", 10); len(fixes) != 0 {
		t.Errorf("%d fixes survived rollback", len(fixes))
	}

	kept := testFlight("dev1", t0)
	err = s.Atomically(ctx, func(tx tracker.Store) error {
		if err := tx.SaveFlight(ctx, kept); err != nil {
			return err
		}
		// nested calls join the open transaction
		return tx.Atomically(ctx, func(inner tracker.Store) error {
			return inner.SaveFix(ctx, testFix("dev1", t0, &kept.ID))
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	if track, err := s.FlightTrack(ctx, kept.ID); err != nil || len(track) != 1 {
		t.Errorf("FlightTrack = %d fixes, %v", len(track), err)
	}
}

func TestRecentFixes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f := testFlight("dev1", t0)
	if err := s.SaveFlight(ctx, f); err != nil {
		t.Fatal(err)
	}
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		fx := testFix("dev1", t0.Add(time.Duration(i)*time.Second), nil)
		ids = append(ids, fx.ID)
		if err := s.SaveFix(ctx, fx); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SaveFix(ctx, testFix("other", t0, nil)); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateFixFlightLink(ctx, ids[4], &f.ID); err != nil {
		t.Fatal(err)
	}

	got, err := s.RecentFixes(ctx, "dev1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d fixes, want 3", len(got))
	}
	for i, want := range ids[2:] {
		if got[i].ID != want {
			t.Errorf("fix %d = %s, want %s (oldest first)", i, got[i].ID, want)
		}
	}

	last := got[2]
	if last.FlightID == nil || *last.FlightID != f.ID {
		t.Errorf("flight link = %v", last.FlightID)
	}
	if *last.AltitudeMSLFt != 3000 || *last.GroundSpeedKts != 80.5 || last.AltitudeAGLFt != nil {
		t.Errorf("altitude/speed = %v %v %v", last.AltitudeMSLFt, last.GroundSpeedKts, last.AltitudeAGLFt)
	}
	if last.Category != tracker.CategoryGlider || last.Metadata["rssi"] != -12.5 {
		t.Errorf("category %q metadata %v", last.Category, last.Metadata)
	}
	if !last.ReceivedAt.Equal(last.Timestamp.Add(time.Second)) {
		t.Errorf("received_at = %v", last.ReceivedAt)
	}

	track, err := s.FlightTrack(ctx, f.ID)
	if err != nil || len(track) != 1 {
		t.Fatalf("FlightTrack = %d fixes, %v", len(track), err)
	}
}

// The engine runs unchanged on top of the database store
func TestEngineOnSQLite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := tracker.New(s, config.DefaultTracking(), logger.Nop())

	fix := func(sec int, lat float64, alt int, speed float64) tracker.Fix {
		gs := speed
		return tracker.Fix{
			ID:             uuid.New(),
			DeviceID:       "sql1",
			Timestamp:      t0.Add(time.Duration(sec) * time.Second),
			Latitude:       lat,
			Longitude:      7.5,
			AltitudeMSLFt:  intp(alt),
			GroundSpeedKts: &gs,
		}
	}

	if _, err := e.ProcessFix(ctx, fix(0, 46.5, 1400, 0)); err != nil {
		t.Fatal(err)
	}
	out, err := e.ProcessFix(ctx, fix(10, 46.501, 1500, 60))
	if err != nil || out.FlightID == nil {
		t.Fatalf("takeoff: %+v, %v", out, err)
	}
	id := *out.FlightID
	for i := 1; i <= 10; i++ {
		if _, err := e.ProcessFix(ctx, fix(10+i*30, 46.501+float64(i)*0.01, 1500+i*200, 80)); err != nil {
			t.Fatal(err)
		}
	}

	res := e.RunTimeoutSweep(ctx, t0.Add(2*time.Hour))
	if res.TimedOut != 1 {
		t.Fatalf("sweep = %+v", res)
	}
	f, err := s.GetFlight(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if f.TimedOutAt == nil || f.FixCount != 11 {
		t.Errorf("flight = %+v", f)
	}
	track, _ := s.FlightTrack(ctx, id)
	if len(track) != 11 {
		t.Errorf("linked fixes = %d", len(track))
	}

	// A fresh engine restores nothing: the flight is closed
	e2 := tracker.New(s, config.DefaultTracking(), logger.Nop())
	if n, err := e2.Restore(ctx); err != nil || n != 0 {
		t.Errorf("Restore = %d, %v", n, err)
	}
}
