package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yegors/flightwatch/internal/towing"
)

func towFix(dev string, cat Category, at time.Time, westM float64, altFt int, speedKts float64) Fix {
	lat, lon := west(westM)
	f := fixAt(dev, at, lat, lon, altFt, speedKts)
	f.Category = cat
	return f
}

func TestTowLinkAndRelease(t *testing.T) {
	e, store, rec := newTestEngine(t, WithReference(testReference()))

	// Both aircraft roll out together and lift off at t0+10s
	for _, dev := range []struct {
		id  string
		cat Category
	}{{"tug", CategoryTowplane}, {"gld", CategoryGlider}} {
		mustProcess(t, e, towFix(dev.id, dev.cat, t0, 0, fieldElev, 0))
		mustProcess(t, e, towFix(dev.id, dev.cat, t0.Add(5*time.Second), 20, fieldElev, 0))
		out := mustProcess(t, e, towFix(dev.id, dev.cat, t0.Add(10*time.Second), 250, 1500, 50))
		if out.FlightID == nil {
			t.Fatalf("%s did not take off", dev.id)
		}
	}

	if rec.count(EventTowLinked) != 1 {
		t.Fatalf("tow_linked events = %d, want 1", rec.count(EventTowLinked))
	}
	gld, _ := e.ActiveFlight("gld")
	if gld.TowedByDevice != "tug" {
		t.Fatalf("glider towed by %q", gld.TowedByDevice)
	}

	// Towplane climbs 300 ft every 30 s, then turns down
	alt := 1500
	for i := 1; i <= 5; i++ {
		alt += 300
		mustProcess(t, e, towFix("tug", CategoryTowplane, t0.Add(10*time.Second+time.Duration(i)*30*time.Second), 250+float64(i)*700, alt, 60))
	}
	top := alt
	topAt := t0.Add(160 * time.Second)
	mustProcess(t, e, towFix("tug", CategoryTowplane, t0.Add(190*time.Second), 4000, alt-500, 80))

	if rec.count(EventTowReleased) != 1 {
		t.Fatalf("tow_released events = %d, want 1", rec.count(EventTowReleased))
	}
	tug, _ := e.ActiveFlight("tug")
	if tug.TowingDevice != "gld" || tug.TowingFlight == nil || *tug.TowingFlight != gld.ID {
		t.Errorf("towplane towing %q / %v", tug.TowingDevice, tug.TowingFlight)
	}

	// The glider picks up the release on its next fix
	mustProcess(t, e, towFix("gld", CategoryGlider, t0.Add(200*time.Second), 3800, top-50, 55))
	fl, err := store.GetFlight(context.Background(), gld.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fl.TowReleaseTime == nil || !fl.TowReleaseTime.Equal(topAt) {
		t.Errorf("release time = %v, want %v", fl.TowReleaseTime, topAt)
	}
	if fl.TowReleaseAltitudeFt == nil || *fl.TowReleaseAltitudeFt != top {
		t.Errorf("release altitude = %v, want %d", fl.TowReleaseAltitudeFt, top)
	}
	if fl.TowReleaseHeightDeltaFt == nil || *fl.TowReleaseHeightDeltaFt != top-fieldElev {
		t.Errorf("release height = %v, want %d", fl.TowReleaseHeightDeltaFt, top-fieldElev)
	}
	if fl.TowedByFlight == nil || *fl.TowedByFlight != tug.ID {
		t.Errorf("towed_by_flight = %v, want %s", fl.TowedByFlight, tug.ID)
	}
	if _, _, pending := e.Stats(); pending != 0 {
		t.Errorf("%d tow updates left undelivered", pending)
	}
	checkStoreInvariants(t, store)
}

func TestTowNotLinkedWhenFar(t *testing.T) {
	e, _, rec := newTestEngine(t)

	mustProcess(t, e, towFix("tug", CategoryTowplane, t0, 0, fieldElev, 0))
	mustProcess(t, e, towFix("tug", CategoryTowplane, t0.Add(10*time.Second), 250, 1500, 50))
	mustProcess(t, e, towFix("gld", CategoryGlider, t0, 5000, fieldElev, 0))
	mustProcess(t, e, towFix("gld", CategoryGlider, t0.Add(10*time.Second), 5250, 1500, 50))

	if rec.count(EventTowLinked) != 0 {
		t.Fatalf("aircraft 5 km apart were linked")
	}
	gld, _ := e.ActiveFlight("gld")
	if gld.TowedByDevice != "" {
		t.Errorf("towed by %q", gld.TowedByDevice)
	}
}

func TestTowNotSearchedForAirborneOrigin(t *testing.T) {
	e, _, rec := newTestEngine(t)

	mustProcess(t, e, towFix("tug", CategoryTowplane, t0, 0, fieldElev, 0))
	mustProcess(t, e, towFix("tug", CategoryTowplane, t0.Add(10*time.Second), 250, 1500, 50))
	// first seen in the air next to the towplane
	mustProcess(t, e, towFix("gld", CategoryGlider, t0.Add(10*time.Second), 260, 1500, 50))

	if rec.count(EventTowLinked) != 0 {
		t.Fatal("glider without an observed takeoff was linked")
	}
}

func TestPendingTowDroppedWithFlight(t *testing.T) {
	e, store, _ := newTestEngine(t)
	outs := cruise(t, e, "drop", "", t0, 3, 5*time.Second, 2000, 0, 40)
	id := *outs[0].FlightID

	e.pending.Offer(id, towing.Link{Kind: towing.LinkTowed, PartnerDevice: "other", PartnerFlight: uuid.New(), At: t0})
	e.RunTimeoutSweep(context.Background(), t0.Add(time.Hour))

	if fl, _ := store.ListFlights(context.Background(), "drop", 0); len(fl) != 0 {
		t.Fatal("spurious flight kept")
	}
	if _, _, pending := e.Stats(); pending != 0 {
		t.Errorf("pending tow updates = %d after flight deletion", pending)
	}
}

func TestPendingTowKeptWhenApplyFails(t *testing.T) {
	e, store, _ := newFailingEngine(t)
	ctx := context.Background()

	mustProcess(t, e, towFix("gld", CategoryGlider, t0, 0, fieldElev, 0))
	mustProcess(t, e, towFix("gld", CategoryGlider, t0.Add(5*time.Second), 20, fieldElev, 0))
	out := mustProcess(t, e, towFix("gld", CategoryGlider, t0.Add(10*time.Second), 250, 1500, 50))
	if out.FlightID == nil {
		t.Fatal("glider did not take off")
	}
	tugFlight := uuid.New()
	e.pending.Offer(*out.FlightID, towing.Link{Kind: towing.LinkTowed, PartnerDevice: "tug", PartnerFlight: tugFlight, At: t0.Add(10 * time.Second)})

	store.fail = "SaveFlight"
	if _, err := e.ProcessFix(ctx, towFix("gld", CategoryGlider, t0.Add(20*time.Second), 510, 1700, 50)); !errors.Is(err, errDiskFull) {
		t.Fatalf("err = %v", err)
	}
	if _, _, pending := e.Stats(); pending != 1 {
		t.Fatalf("pending tow updates = %d after failed apply, want 1", pending)
	}

	mustProcess(t, e, towFix("gld", CategoryGlider, t0.Add(30*time.Second), 770, 1900, 50))
	fl, err := store.GetFlight(ctx, *out.FlightID)
	if err != nil {
		t.Fatal(err)
	}
	if fl.TowedByDevice != "tug" || fl.TowedByFlight == nil || *fl.TowedByFlight != tugFlight {
		t.Errorf("towed by %q / %v", fl.TowedByDevice, fl.TowedByFlight)
	}
	if _, _, pending := e.Stats(); pending != 0 {
		t.Errorf("pending tow updates = %d", pending)
	}
}
