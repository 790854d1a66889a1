package adsb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/yegors/flightwatch/internal/config"
	"github.com/yegors/flightwatch/internal/tracker"
	"github.com/yegors/flightwatch/pkg/logger"
)

const localDoc = `{
	"now": 1714564800.0,
	"messages": 1234,
	"aircraft": [
		{"hex": "4CA7B5", "flight": "RYR12AB ", "alt_baro": 35000, "gs": 451.2, "track": 87.5,
		 "baro_rate": -64, "category": "A3", "lat": 53.42, "lon": -6.27, "seen_pos": 0.5, "r": "EI-DWF", "t": "B738"},
		{"hex": "3c6444", "alt_baro": "ground", "gs": 12, "lat": 50.03, "lon": 8.56, "seen_pos": 1.2},
		{"hex": "a1b2c3", "alt_baro": 2000, "seen": 3},
		{"hex": "ddeeff", "alt_baro": 1500, "lat": 51.0, "lon": 0.1, "seen_pos": 120},
		{"hex": "~2c1a0f", "alt_geom": "4200", "lat": 45.1, "lon": 7.6, "category": "B1"}
	]
}`

func decodeLocal(t *testing.T) RawAircraftData {
	t.Helper()
	var d RawAircraftData
	if err := json.Unmarshal([]byte(localDoc), &d); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestFlexibleField(t *testing.T) {
	var v struct {
		A FlexibleField `json:"a"`
		B FlexibleField `json:"b"`
		C FlexibleField `json:"c"`
		D FlexibleField `json:"d"`
	}
	if err := json.Unmarshal([]byte(`{"a": 12.5, "b": "ground", "c": "300", "d": null}`), &v); err != nil {
		t.Fatal(err)
	}
	if n, ok := v.A.Number(); !ok || n != 12.5 {
		t.Errorf("a = %v %v", n, ok)
	}
	if !v.B.IsGround() || v.B.Present() {
		t.Error("b should be the ground marker")
	}
	if v.C.Float64() != 300 {
		t.Errorf("c = %v", v.C.Float64())
	}
	if v.D.Present() {
		t.Error("null should not be present")
	}
}

func TestToFix(t *testing.T) {
	d := decodeLocal(t)
	recv := time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC)

	fix, ok := ToFix(d.Aircraft[0], d.Now, "adsb-local", recv)
	if !ok {
		t.Fatal("airborne target rejected")
	}
	if fix.DeviceID != "4ca7b5" || fix.Callsign != "RYR12AB" {
		t.Errorf("identity = %s %q", fix.DeviceID, fix.Callsign)
	}
	want := time.Unix(1714564799, 500_000_000).UTC()
	if !fix.Timestamp.Equal(want) {
		t.Errorf("timestamp = %s, want %s", fix.Timestamp, want)
	}
	if fix.AltitudeMSLFt == nil || *fix.AltitudeMSLFt != 35000 {
		t.Errorf("altitude = %v", fix.AltitudeMSLFt)
	}
	if fix.OnGround != nil {
		t.Error("numeric altitude should leave on_ground unset")
	}
	if fix.ClimbFPM == nil || *fix.ClimbFPM != -64 {
		t.Errorf("climb = %v", fix.ClimbFPM)
	}
	if fix.Category != tracker.CategoryJet {
		t.Errorf("category = %s", fix.Category)
	}
	if fix.Metadata["registration"] != "EI-DWF" {
		t.Errorf("metadata = %v", fix.Metadata)
	}

	again, _ := ToFix(d.Aircraft[0], d.Now+1, "adsb-local", recv)
	if again.ID == fix.ID {
		t.Error("a later position should get a new id")
	}
	same := d.Aircraft[0]
	same.SeenPos = Num(1.5)
	repeat, _ := ToFix(same, d.Now+1, "adsb-local", recv)
	if repeat.ID != fix.ID {
		t.Error("the same position on a later poll should keep its id")
	}

	ground, ok := ToFix(d.Aircraft[1], d.Now, "adsb-local", recv)
	if !ok || ground.OnGround == nil || !*ground.OnGround || ground.AltitudeMSLFt != nil {
		t.Errorf("ground target = %+v", ground)
	}

	if _, ok := ToFix(d.Aircraft[2], d.Now, "adsb-local", recv); ok {
		t.Error("target without position accepted")
	}
	if _, ok := ToFix(d.Aircraft[3], d.Now, "adsb-local", recv); ok {
		t.Error("stale position accepted")
	}

	glider, ok := ToFix(d.Aircraft[4], d.Now, "adsb-local", recv)
	if !ok || glider.Category != tracker.CategoryGlider {
		t.Fatalf("glider = %+v", glider)
	}
	if glider.AltitudeMSLFt == nil || *glider.AltitudeMSLFt != 4200 {
		t.Errorf("geometric altitude fallback = %v", glider.AltitudeMSLFt)
	}
}

func TestClientLocal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(localDoc))
	}))
	defer srv.Close()

	c := NewClient(config.ADSBIngest{SourceType: SourceLocal, LocalSourceURL: srv.URL, TimeoutSecs: 2}, logger.Nop())
	d, err := c.FetchData(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Aircraft) != 5 || d.Messages != 1234 {
		t.Errorf("got %d aircraft, %d messages", len(d.Aircraft), d.Messages)
	}
}

func TestClientExternal(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-rapidapi-key")
		w.Write([]byte(`{"now": 1714564800000, "ac": [{"hex": "abc123", "alt_baro": "ground", "lat": 1, "lon": 2}]}`))
	}))
	defer srv.Close()

	c := NewClient(config.ADSBIngest{
		SourceType:        SourceExternal,
		ExternalSourceURL: srv.URL + "/v2/lat/%.4f/lon/%.4f/dist/%.0f/",
		APIKey:            "secret",
		CenterLat:         53.4,
		CenterLon:         -6.2,
		SearchRadiusNM:    25,
		TimeoutSecs:       2,
	}, logger.Nop())
	d, err := c.FetchData(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/v2/lat/53.4000/lon/-6.2000/dist/25/" || gotKey != "secret" {
		t.Errorf("request = %s key %q", gotPath, gotKey)
	}
	if d.Now != 1714564800 || len(d.Aircraft) != 1 || !d.Aircraft[0].AltBaro.IsGround() {
		t.Errorf("data = %+v", d)
	}
}

func TestClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(config.ADSBIngest{SourceType: SourceLocal, LocalSourceURL: srv.URL, TimeoutSecs: 2}, logger.Nop())
	if _, err := c.FetchData(context.Background()); err == nil {
		t.Error("expected error for 502")
	}
}

type staticFetcher struct{ data RawAircraftData }

func (s staticFetcher) FetchData(context.Context) (*RawAircraftData, error) {
	d := s.data
	return &d, nil
}

type fixSink struct {
	mu    sync.Mutex
	fixes []tracker.Fix
}

func (s *fixSink) Submit(_ context.Context, f tracker.Fix) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixes = append(s.fixes, f)
	return nil
}

func TestFeedSubmitsFreshPositions(t *testing.T) {
	sink := &fixSink{}
	feed := NewFeed(staticFetcher{decodeLocal(t)}, sink, "adsb-local", time.Hour, logger.Nop())

	n, err := feed.FetchAndSubmit(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || len(sink.fixes) != 3 {
		t.Fatalf("submitted %d (%d), want 3", n, len(sink.fixes))
	}
	for _, f := range sink.fixes {
		if f.Source != "adsb-local" {
			t.Errorf("source = %s", f.Source)
		}
	}
}

func TestFeedStartStop(t *testing.T) {
	sink := &fixSink{}
	feed := NewFeed(staticFetcher{decodeLocal(t)}, sink, "adsb-local", time.Hour, logger.Nop())
	if err := feed.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	feed.Stop()

	if _, ok := feed.Status(); !ok {
		t.Error("initial fetch should have succeeded")
	}
	if len(sink.fixes) != 3 {
		t.Errorf("initial poll submitted %d fixes", len(sink.fixes))
	}
}
