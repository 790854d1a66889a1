package runway

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/yegors/flightwatch/internal/physics"
	"github.com/yegors/flightwatch/internal/reference"
)

var testCfg = Config{
	SearchRadiusM:     2000,
	MaxHeadingDiffDeg: 30,
	MinConfidence:     0.5,
	DistanceWeight:    0.4,
}

func intPtr(v int) *int { return &v }

// A single runway 05/23 with 05 at the origin
func testIndex() *reference.Index {
	idx := reference.NewIndex(3000)
	lat23, lon23 := physics.Destination(45, 7, 50, 2500)
	idx.AddRunwayEnd(reference.RunwayEnd{AirportIdent: "TEST", Ident: "05", Latitude: 45, Longitude: 7, ElevationFt: intPtr(1200), HeadingTrue: 50})
	idx.AddRunwayEnd(reference.RunwayEnd{AirportIdent: "TEST", Ident: "23", Latitude: lat23, Longitude: lon23, ElevationFt: intPtr(1210), HeadingTrue: 230})
	return idx
}

func TestInfer(t *testing.T) {
	idx := testIndex()
	ctx := context.Background()

	tests := []struct {
		name      string
		lat, lon  float64
		course    float64
		wantIdent string
	}{
		{"aligned at threshold", 45, 7, 52, "05"},
		{"reciprocal picks other end", 45, 7, 228, ""},
		{"misaligned", 45, 7, 120, ""},
		{"far away", 46, 7, 50, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Infer(ctx, idx, tt.lat, tt.lon, tt.course, testCfg)
			if err != nil {
				t.Fatal(err)
			}
			if m.Ident != tt.wantIdent {
				t.Fatalf("ident = %q, want %q (%+v)", m.Ident, tt.wantIdent, m)
			}
			if m.Found() == m.Inferred {
				t.Errorf("Found %v and Inferred %v must differ", m.Found(), m.Inferred)
			}
		})
	}
}

func TestInferNearOppositeEnd(t *testing.T) {
	idx := testIndex()
	lat, lon := physics.Destination(45, 7, 50, 2450)
	m, err := Infer(context.Background(), idx, lat, lon, 231, testCfg)
	if err != nil {
		t.Fatal(err)
	}
	if m.Ident != "23" || m.ElevationFt == nil || *m.ElevationFt != 1210 {
		t.Fatalf("match = %+v", m)
	}
	if m.Confidence < 0.9 {
		t.Errorf("confidence = %v", m.Confidence)
	}
}

func TestInferLowConfidence(t *testing.T) {
	idx := testIndex()
	// 1800 m out and 28 degrees off: score 0.4*0.9 + 0.6*0.93 > 0.5
	lat, lon := physics.Destination(45, 7, 140, 1800)
	m, err := Infer(context.Background(), idx, lat, lon, 78, testCfg)
	if err != nil {
		t.Fatal(err)
	}
	if m.Found() || !m.Inferred {
		t.Fatalf("expected undetermined runway, got %+v", m)
	}
}

type failingSource struct{}

var errDown = errors.New("down")

func (failingSource) NearestRunwayEnds(context.Context, float64, float64, float64) ([]reference.RunwayEnd, error) {
	return nil, errDown
}

func (failingSource) AirportFor(context.Context, float64, float64) (*reference.Airport, error) {
	return nil, errDown
}

func TestInferLookupError(t *testing.T) {
	_, err := Infer(context.Background(), failingSource{}, 45, 7, 50, testCfg)
	if !errors.Is(err, errDown) {
		t.Fatalf("err = %v", err)
	}
}

func TestScore(t *testing.T) {
	if s := Score(0, 0, testCfg); s != 0 {
		t.Errorf("perfect score = %v", s)
	}
	if s := Score(2000, 30, testCfg); math.Abs(s-1) > 1e-9 {
		t.Errorf("worst score = %v", s)
	}
	if s := Score(1000, 0, testCfg); math.Abs(s-0.2) > 1e-9 {
		t.Errorf("half distance score = %v", s)
	}
}

func TestAltitude(t *testing.T) {
	// Field at 1200 ft, transponder reads 1350 on the runway
	off := AltitudeOffset(1350, 1200)
	if off != 150 {
		t.Fatalf("offset = %d", off)
	}
	if agl := AGL(2350, 1200, off); agl != 1000 {
		t.Errorf("AGL = %d, want 1000", agl)
	}
}

func TestCourseFrom(t *testing.T) {
	c, ok := CourseFrom([]float64{355, 5, 15})
	if !ok || physics.AngularDifference(c, 5) > 1e-6 {
		t.Errorf("course = %v, %v", c, ok)
	}
}
