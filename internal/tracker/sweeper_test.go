package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSweepUsesPhaseThreshold(t *testing.T) {
	tests := []struct {
		name    string
		alt     int
		climb   int
		phase   Phase
		quiet   time.Duration
		timeout time.Duration
	}{
		{"cruising", 35000, 0, PhaseCruising, 40 * time.Minute, 46 * time.Minute},
		{"climbing", 3000, 300, PhaseClimbing, 14 * time.Minute, 16 * time.Minute},
		{"descending", 9000, -300, PhaseDescending, 14 * time.Minute, 16 * time.Minute},
		{"unknown", 4000, 0, PhaseUnknown, 29 * time.Minute, 31 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, store, rec := newTestEngine(t)
			outs := cruise(t, e, "sw", "", t0, 6, 30*time.Second, tt.alt, tt.climb, 250)
			last := outs[len(outs)-1]
			if last.Phase != tt.phase {
				t.Fatalf("phase = %s, want %s", last.Phase, tt.phase)
			}

			if res := e.RunTimeoutSweep(context.Background(), last.Timestamp.Add(tt.quiet)); res.TimedOut != 0 || res.Checked != 1 {
				t.Fatalf("early sweep = %+v", res)
			}
			res := e.RunTimeoutSweep(context.Background(), last.Timestamp.Add(tt.timeout))
			if res.TimedOut != 1 || res.Deleted != 0 || len(res.Errors) != 0 {
				t.Fatalf("sweep = %+v", res)
			}

			fl, _ := store.GetFlight(context.Background(), *last.FlightID)
			if fl.TimedOutAt == nil || !fl.TimedOutAt.Equal(last.Timestamp.Add(tt.timeout)) {
				t.Errorf("timed_out_at = %v", fl.TimedOutAt)
			}
			if fl.TimeoutPhase != tt.phase {
				t.Errorf("timeout phase = %s", fl.TimeoutPhase)
			}
			if ev, ok := rec.last(EventFlightTimedOut); !ok || ev.Reason != string(tt.phase) {
				t.Errorf("timed out event = %+v", ev)
			}
			if snap, _ := e.State("sw"); snap.Status != "closed" {
				t.Errorf("status = %s, want closed", snap.Status)
			}
		})
	}
}

func TestSweepIgnoresClosedFlights(t *testing.T) {
	e, _, _ := newTestEngine(t)
	outs := cruise(t, e, "tw", "", t0, 6, 30*time.Second, 4000, 0, 150)
	last := outs[len(outs)-1]

	e.RunTimeoutSweep(context.Background(), last.Timestamp.Add(time.Hour))
	res := e.RunTimeoutSweep(context.Background(), last.Timestamp.Add(2*time.Hour))
	if res.Checked != 0 || res.TimedOut != 0 {
		t.Fatalf("second sweep = %+v", res)
	}
}

func TestSweepEvictsIdleAircraft(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustProcess(t, e, fixAt("idle", t0, 46.5, 7.5, 1400, 0))

	if res := e.RunTimeoutSweep(context.Background(), t0.Add(17*time.Hour)); res.Evicted != 0 {
		t.Fatalf("evicted too early: %+v", res)
	}
	if res := e.RunTimeoutSweep(context.Background(), t0.Add(19*time.Hour)); res.Evicted != 1 {
		t.Fatalf("sweep = %+v", res)
	}
	if _, ok := e.State("idle"); ok {
		t.Error("state still present after eviction")
	}

	// The store is the source of truth; a returning aircraft starts fresh
	out := mustProcess(t, e, fixAt("idle", t0.Add(20*time.Hour), 46.5, 7.5, 1400, 0))
	if out.FlightID != nil {
		t.Errorf("returning aircraft linked to %v", out.FlightID)
	}
}

func TestSweepKeepsAirborneAircraft(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.cfg.TimeoutCruisingSeconds = int((24 * time.Hour).Seconds())
	e.cfg.TimeoutUnknownSeconds = e.cfg.TimeoutCruisingSeconds
	cruise(t, e, "long", "", t0, 6, 30*time.Second, 4000, 0, 150)

	res := e.RunTimeoutSweep(context.Background(), t0.Add(20*time.Hour))
	if res.Evicted != 0 {
		t.Fatalf("evicted an aircraft with an open flight: %+v", res)
	}
}

func TestSweepCancelled(t *testing.T) {
	e, _, _ := newTestEngine(t)
	cruise(t, e, "c", "", t0, 6, 30*time.Second, 4000, 0, 150)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.RunTimeoutSweep(ctx, t0.Add(2*time.Hour))
	if res.Checked != 0 || res.TimedOut != 0 {
		t.Fatalf("cancelled sweep = %+v", res)
	}
	if _, ok := e.ActiveFlight("c"); !ok {
		t.Error("cancelled sweep closed a flight")
	}
}

func TestStartStop(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	e.Stop()
	e.Stop()
}

func TestRestoreAdoptsOpenFlights(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	fl := &Flight{
		ID:            uuid.New(),
		DeviceID:      "rst",
		Callsign:      "RST1",
		FirstFixAt:    t0,
		LastFixAt:     t0.Add(5 * time.Minute),
		LastLatitude:  46.5,
		LastLongitude: 7.5,
		MinLatitude:   46.5, MaxLatitude: 46.5,
		MinLongitude: 7.5, MaxLongitude: 7.5,
		MinAltitudeFt: ptr(3000),
		MaxAltitudeFt: ptr(5000),
		FixCount:      10,
	}
	if err := store.SaveFlight(ctx, fl); err != nil {
		t.Fatal(err)
	}
	fx := fixAt("rst", fl.LastFixAt, 46.5, 7.5, 5000, 120)
	fx.FlightID = ptr(fl.ID)
	if err := store.SaveFix(ctx, fx); err != nil {
		t.Fatal(err)
	}

	e, _, _ := newTestEngine(t)
	e.store = store
	n, err := e.Restore(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Restore = %d, %v", n, err)
	}
	active, ok := e.ActiveFlight("rst")
	if !ok || active.ID != fl.ID {
		t.Fatalf("restored flight = %v", active)
	}

	out := mustProcess(t, e, fixAt("rst", fl.LastFixAt.Add(30*time.Second), 46.505, 7.5, 5100, 120))
	if out.FlightID == nil || *out.FlightID != fl.ID {
		t.Fatalf("next fix linked to %v, want %s", out.FlightID, fl.ID)
	}
	got, _ := store.GetFlight(ctx, fl.ID)
	if got.FixCount != 11 {
		t.Errorf("fix count = %d", got.FixCount)
	}
}

func TestRestoreFlagsDuplicateOpenFlights(t *testing.T) {
	e, store, rec := newTestEngine(t)
	for i := 0; i < 2; i++ {
		id := uuid.New()
		store.flights[id] = &Flight{ID: id, DeviceID: "dup", FirstFixAt: t0, LastFixAt: t0.Add(time.Duration(i) * time.Minute)}
	}

	n, err := e.Restore(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("restored %d aircraft, want the flagged one left out", n)
	}
	snap, ok := e.State("dup")
	if !ok || !snap.Flagged || snap.Flight != nil {
		t.Fatalf("state = %+v", snap)
	}
	if rec.count(EventAircraftFlag) != 1 {
		t.Errorf("flag events = %d", rec.count(EventAircraftFlag))
	}
	if _, ok := e.ActiveFlight("dup"); ok {
		t.Error("ambiguous device has an active flight")
	}
}

func TestSweepFailureKeepsFlight(t *testing.T) {
	e, store, rec := newFailingEngine(t)
	ctx := context.Background()
	outs := cruise(t, e, "sf", "", t0, 3, 5*time.Second, 2000, 0, 40)
	id := *outs[0].FlightID

	// Deleting the spurious flight fails after its fixes were unlinked
	store.fail = "DeleteFlight"
	res := e.RunTimeoutSweep(ctx, t0.Add(time.Hour))
	if len(res.Errors) != 1 || res.Deleted != 0 {
		t.Fatalf("sweep = %+v", res)
	}
	if linked, _ := store.FlightTrack(ctx, id); len(linked) != 3 {
		t.Errorf("linked fixes = %d after failed delete, want 3", len(linked))
	}
	if _, ok := e.ActiveFlight("sf"); !ok {
		t.Error("flight left the active set")
	}
	if n := rec.count(EventFlightDeleted); n != 0 {
		t.Errorf("deleted events = %d", n)
	}

	res = e.RunTimeoutSweep(ctx, t0.Add(time.Hour))
	if res.Deleted != 1 {
		t.Fatalf("second sweep = %+v", res)
	}
	if _, err := store.GetFlight(ctx, id); !errors.Is(err, ErrFlightNotFound) {
		t.Errorf("flight still stored: %v", err)
	}
	checkStoreInvariants(t, store.MemoryStore)
}
