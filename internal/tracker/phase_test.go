package tracker

import (
	"testing"
	"time"

	"github.com/yegors/flightwatch/internal/config"
)

func TestClimbRate(t *testing.T) {
	cfg := config.DefaultTracking()
	sample := func(sec int, alt int) CompactFix {
		return CompactFix{Timestamp: t0.Add(time.Duration(sec) * time.Second), AltitudeMSLFt: ptr(alt)}
	}
	cur := func(sec int, alt *int, reported *int) Fix {
		return Fix{Timestamp: t0.Add(time.Duration(sec) * time.Second), AltitudeMSLFt: alt, ClimbFPM: reported}
	}

	tests := []struct {
		name   string
		recent []CompactFix
		fix    Fix
		want   *int
	}{
		{"oldest sample in window", []CompactFix{sample(0, 1000), sample(30, 1200)}, cur(60, ptr(1600), nil), ptr(600)},
		{"samples outside window skipped", []CompactFix{sample(0, 0), sample(50, 1000)}, cur(110, ptr(1500), nil), ptr(500)},
		{"descent", []CompactFix{sample(0, 3000)}, cur(30, ptr(2500), nil), ptr(-1000)},
		{"span too short uses reported", []CompactFix{sample(0, 1000)}, cur(2, ptr(1100), ptr(250)), ptr(250)},
		{"no altitude uses reported", []CompactFix{sample(0, 1000)}, cur(30, nil, ptr(-400)), ptr(-400)},
		{"nothing known", nil, cur(30, ptr(1000), nil), nil},
		{"samples without altitude", []CompactFix{{Timestamp: t0}}, cur(30, ptr(1000), nil), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := climbRate(tt.recent, tt.fix, cfg)
			switch {
			case got == nil && tt.want == nil:
			case got == nil || tt.want == nil:
				t.Fatalf("climbRate = %v, want %v", got, tt.want)
			case *got != *tt.want:
				t.Fatalf("climbRate = %d, want %d", *got, *tt.want)
			}
		})
	}
}

func TestClassifyPhase(t *testing.T) {
	cfg := config.DefaultTracking()
	tests := []struct {
		climb *int
		alt   *int
		want  Phase
	}{
		{nil, ptr(35000), PhaseUnknown},
		{ptr(1500), ptr(3000), PhaseClimbing},
		{ptr(-900), ptr(8000), PhaseDescending},
		{ptr(0), ptr(35000), PhaseCruising},
		{ptr(-250), ptr(12000), PhaseCruising},
		{ptr(0), ptr(4000), PhaseUnknown},
		{ptr(0), nil, PhaseUnknown},
		{ptr(300), ptr(35000), PhaseCruising},
		{ptr(301), ptr(35000), PhaseClimbing},
	}
	for _, tt := range tests {
		if got := classifyPhase(tt.climb, tt.alt, cfg); got != tt.want {
			t.Errorf("classifyPhase(%v, %v) = %s, want %s", deref(tt.climb), deref(tt.alt), got, tt.want)
		}
	}
}

func TestTimeoutFor(t *testing.T) {
	cfg := config.DefaultTracking()
	tests := map[Phase]time.Duration{
		PhaseClimbing:   15 * time.Minute,
		PhaseDescending: 15 * time.Minute,
		PhaseCruising:   45 * time.Minute,
		PhaseUnknown:    30 * time.Minute,
		"":              30 * time.Minute,
	}
	for p, want := range tests {
		if got := timeoutFor(p, cfg); got != want {
			t.Errorf("timeoutFor(%q) = %s, want %s", p, got, want)
		}
	}
}

func deref(p *int) any {
	if p == nil {
		return "nil"
	}
	return *p
}
