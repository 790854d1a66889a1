package reference

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yegors/flightwatch/internal/physics"
)

// LoadOurAirports reads the OurAirports airports.csv and runways.csv exports into the index.
// Closed airports and runways are skipped.
func (idx *Index) LoadOurAirports(airports, runways io.Reader) error {
	elevations := make(map[string]*int)

	err := readCSV(airports, func(row csvRow) error {
		if row.get("type") == "closed" {
			return nil
		}
		lat, err1 := row.float("latitude_deg")
		lon, err2 := row.float("longitude_deg")
		if err1 != nil || err2 != nil {
			return nil
		}
		a := Airport{
			ID:          row.get("id"),
			Ident:       row.get("ident"),
			Name:        row.get("name"),
			Type:        row.get("type"),
			Latitude:    lat,
			Longitude:   lon,
			ElevationFt: row.optInt("elevation_ft"),
		}
		elevations[a.ID] = a.ElevationFt
		idx.AddAirport(a)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read airports: %w", err)
	}

	now := time.Now()
	err = readCSV(runways, func(row csvRow) error {
		if row.get("closed") == "1" {
			return nil
		}
		ends := []struct {
			prefix, other string
		}{{"le_", "he_"}, {"he_", "le_"}}
		for _, e := range ends {
			ident := row.get(e.prefix + "ident")
			lat, err1 := row.float(e.prefix + "latitude_deg")
			lon, err2 := row.float(e.prefix + "longitude_deg")
			if ident == "" || err1 != nil || err2 != nil {
				continue
			}
			end := RunwayEnd{
				AirportID:    row.get("airport_ref"),
				AirportIdent: row.get("airport_ident"),
				Ident:        ident,
				Latitude:     lat,
				Longitude:    lon,
				ElevationFt:  row.optInt(e.prefix + "elevation_ft"),
			}
			if end.ElevationFt == nil {
				end.ElevationFt = elevations[end.AirportID]
			}

			heading, ok := row.optFloat(e.prefix + "heading_degT")
			if !ok {
				olat, err1 := row.float(e.other + "latitude_deg")
				olon, err2 := row.float(e.other + "longitude_deg")
				if err1 == nil && err2 == nil {
					heading, ok = physics.Bearing(lat, lon, olat, olon), true
				}
			}
			if !ok {
				mag, err := IdentHeading(ident)
				if err != nil {
					continue
				}
				heading = physics.MagneticToTrue(mag, lat, lon, now)
			}
			end.HeadingTrue = physics.NormalizeHeading(heading)
			idx.AddRunwayEnd(end)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read runways: %w", err)
	}
	return nil
}

// LoadOurAirportsFiles opens both CSV exports and loads them
func (idx *Index) LoadOurAirportsFiles(airportsPath, runwaysPath string) error {
	af, err := os.Open(airportsPath)
	if err != nil {
		return fmt.Errorf("failed to open airports file: %w", err)
	}
	defer af.Close()

	rf, err := os.Open(runwaysPath)
	if err != nil {
		return fmt.Errorf("failed to open runways file: %w", err)
	}
	defer rf.Close()

	return idx.LoadOurAirports(af, rf)
}

// thresholdFile is the single-airport runway threshold format:
//
//	{"airport": "CYYZ", "runway_thresholds": {"06L/24R": {"06L": {"latitude": ..., "longitude": ...}, ...}}}
type thresholdFile struct {
	Airport          string   `json:"airport"`
	Latitude         *float64 `json:"latitude,omitempty"`
	Longitude        *float64 `json:"longitude,omitempty"`
	ElevationFt      *int     `json:"elevation_ft,omitempty"`
	RunwayThresholds map[string]map[string]struct {
		Latitude    float64 `json:"latitude"`
		Longitude   float64 `json:"longitude"`
		ElevationFt *int    `json:"elevation_ft,omitempty"`
	} `json:"runway_thresholds"`
}

// LoadRunwayJSON reads a runway threshold file. Each end's heading is the bearing to
// the opposite threshold. Without explicit coordinates the airport sits at the
// centroid of its thresholds.
func (idx *Index) LoadRunwayJSON(r io.Reader) error {
	var data thresholdFile
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return fmt.Errorf("failed to parse runway data: %w", err)
	}
	if data.Airport == "" {
		return errors.New("runway data has no airport")
	}

	var sumLat, sumLon float64
	var n int
	for runwayID, thresholds := range data.RunwayThresholds {
		if len(thresholds) != 2 {
			return fmt.Errorf("runway %s must have exactly two thresholds, got %d", runwayID, len(thresholds))
		}
		for endID, t := range thresholds {
			var opposite struct{ lat, lon float64 }
			for otherID, o := range thresholds {
				if otherID != endID {
					opposite.lat, opposite.lon = o.Latitude, o.Longitude
				}
			}
			elev := t.ElevationFt
			if elev == nil {
				elev = data.ElevationFt
			}
			idx.AddRunwayEnd(RunwayEnd{
				AirportID:    data.Airport,
				AirportIdent: data.Airport,
				Ident:        endID,
				Latitude:     t.Latitude,
				Longitude:    t.Longitude,
				ElevationFt:  elev,
				HeadingTrue:  physics.Bearing(t.Latitude, t.Longitude, opposite.lat, opposite.lon),
			})
			sumLat += t.Latitude
			sumLon += t.Longitude
			n++
		}
	}

	a := Airport{ID: data.Airport, Ident: data.Airport, ElevationFt: data.ElevationFt}
	switch {
	case data.Latitude != nil && data.Longitude != nil:
		a.Latitude, a.Longitude = *data.Latitude, *data.Longitude
	case n > 0:
		a.Latitude, a.Longitude = sumLat/float64(n), sumLon/float64(n)
	default:
		return fmt.Errorf("airport %s has no position", data.Airport)
	}
	idx.AddAirport(a)
	return nil
}

// LoadRunwayJSONFile opens and loads a runway threshold file
func (idx *Index) LoadRunwayJSONFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open runway data file: %w", err)
	}
	defer f.Close()
	return idx.LoadRunwayJSON(f)
}

type csvRow struct {
	header map[string]int
	fields []string
}

func (r csvRow) get(col string) string {
	i, ok := r.header[col]
	if !ok || i >= len(r.fields) {
		return ""
	}
	return strings.TrimSpace(r.fields[i])
}

func (r csvRow) float(col string) (float64, error) {
	return strconv.ParseFloat(r.get(col), 64)
}

func (r csvRow) optFloat(col string) (float64, bool) {
	v, err := r.float(col)
	return v, err == nil
}

func (r csvRow) optInt(col string) *int {
	s := r.get(col)
	if s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return nil
		}
		v = int(f)
	}
	return &v
}

func readCSV(r io.Reader, fn func(csvRow) error) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	head, err := cr.Read()
	if err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	header := make(map[string]int, len(head))
	for i, h := range head {
		header[strings.TrimSpace(h)] = i
	}

	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(csvRow{header: header, fields: rec}); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
}
