// Package runway picks the runway an aircraft used from its position and course,
// and derives the altitude offset that turns later reported altitudes into AGL.
package runway

import (
	"context"
	"fmt"
	"math"

	"github.com/yegors/flightwatch/internal/physics"
	"github.com/yegors/flightwatch/internal/reference"
)

// Config holds the inference thresholds
type Config struct {
	SearchRadiusM     float64
	MaxHeadingDiffDeg float64
	MinConfidence     float64
	DistanceWeight    float64 // heading weight is 1 - DistanceWeight
}

// Match is the outcome of runway inference. A zero Ident with Inferred set means
// no runway could be determined.
type Match struct {
	Ident          string
	AirportIdent   string
	ElevationFt    *int
	Confidence     float64
	DistanceM      float64
	HeadingDiffDeg float64
	Inferred       bool
}

// Found reports whether a runway was identified
func (m Match) Found() bool {
	return m.Ident != ""
}

// Infer matches a course at a position against nearby runway ends. Candidates
// must lie within the search radius and be aligned within the heading tolerance;
// the best scoring one wins if its confidence reaches the minimum.
func Infer(ctx context.Context, ref reference.Source, lat, lon, courseDeg float64, cfg Config) (Match, error) {
	ends, err := ref.NearestRunwayEnds(ctx, lat, lon, cfg.SearchRadiusM)
	if err != nil {
		return Match{}, fmt.Errorf("runway end lookup: %w", err)
	}

	best := Match{Inferred: true}
	bestScore := math.Inf(1)
	for _, e := range ends {
		diff := physics.AngularDifference(courseDeg, e.HeadingTrue)
		if e.DistanceM > cfg.SearchRadiusM || diff > cfg.MaxHeadingDiffDeg {
			continue
		}
		score := Score(e.DistanceM, diff, cfg)
		if score < bestScore {
			bestScore = score
			best = Match{
				Ident:          e.Ident,
				AirportIdent:   e.AirportIdent,
				ElevationFt:    e.ElevationFt,
				Confidence:     1 - score,
				DistanceM:      e.DistanceM,
				HeadingDiffDeg: diff,
			}
		}
	}

	if !best.Found() || best.Confidence < cfg.MinConfidence {
		return Match{Inferred: true}, nil
	}
	return best, nil
}

// Score combines normalized distance and heading misalignment; lower is better
func Score(distanceM, headingDiffDeg float64, cfg Config) float64 {
	dist := distanceM / cfg.SearchRadiusM
	head := headingDiffDeg / cfg.MaxHeadingDiffDeg
	return cfg.DistanceWeight*dist + (1-cfg.DistanceWeight)*head
}

// CourseFrom averages track angles on the circle
func CourseFrom(tracks []float64) (float64, bool) {
	return physics.CircularMean(tracks)
}

// AltitudeOffset is how far a reported MSL altitude sits above the runway
// elevation while the aircraft is on the runway
func AltitudeOffset(reportedMSLFt, elevationFt int) int {
	return reportedMSLFt - elevationFt
}

// AGL corrects a reported MSL altitude with the runway elevation and offset
func AGL(reportedMSLFt, elevationFt, offsetFt int) int {
	return reportedMSLFt - elevationFt - offsetFt
}
