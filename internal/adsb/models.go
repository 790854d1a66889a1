package adsb

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RawAircraftData is an aircraft.json document as served by readsb/tar1090
type RawAircraftData struct {
	Now      float64  `json:"now"`
	Messages int      `json:"messages"`
	Aircraft []Target `json:"aircraft"`
}

// ExternalAPIResponse is the ADS-B Exchange style API envelope
type ExternalAPIResponse struct {
	Now      float64  `json:"now,omitempty"`
	Messages int      `json:"messages,omitempty"`
	AC       []Target `json:"ac"`
}

// Target is one aircraft entry. Numeric fields go through FlexibleField
// since sources send "ground" for alt_baro and sometimes quote numbers.
type Target struct {
	Hex          string        `json:"hex"`
	Type         string        `json:"type"`
	Flight       string        `json:"flight"`
	Registration string        `json:"r,omitempty"`
	AircraftType string        `json:"t,omitempty"`
	AltBaro      FlexibleField `json:"alt_baro"`
	AltGeom      FlexibleField `json:"alt_geom"`
	GS           FlexibleField `json:"gs"`
	Track        FlexibleField `json:"track"`
	BaroRate     FlexibleField `json:"baro_rate"`
	GeomRate     FlexibleField `json:"geom_rate"`
	Squawk       string        `json:"squawk"`
	Category     string        `json:"category"`
	Lat          FlexibleField `json:"lat"`
	Lon          FlexibleField `json:"lon"`
	SeenPos      FlexibleField `json:"seen_pos"`
	Seen         FlexibleField `json:"seen"`
	Messages     FlexibleField `json:"messages"`
	RSSI         FlexibleField `json:"rssi"`
}

// FlexibleField holds a JSON number, string or bool
type FlexibleField struct {
	value any
}

// UnmarshalJSON implements json.Unmarshaler
func (f *FlexibleField) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		f.value = nil
		return nil
	}

	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		f.value = num
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		f.value = str
		return nil
	}

	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		f.value = b
		return nil
	}

	return fmt.Errorf("cannot unmarshal %s into FlexibleField", data)
}

// MarshalJSON implements json.Marshaler
func (f FlexibleField) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.value)
}

// Present reports whether the field was set to a usable value
func (f FlexibleField) Present() bool {
	_, ok := f.Number()
	return ok
}

// IsGround reports the "ground" marker readsb puts in alt_baro
func (f FlexibleField) IsGround() bool {
	s, ok := f.value.(string)
	return ok && s == "ground"
}

// Number returns the numeric value, parsing quoted numbers
func (f FlexibleField) Number() (float64, bool) {
	switch v := f.value.(type) {
	case float64:
		return v, true
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// Float64 returns the numeric value or 0
func (f FlexibleField) Float64() float64 {
	n, _ := f.Number()
	return n
}

// Num wraps a number, mostly for building targets in code
func Num(v float64) FlexibleField {
	return FlexibleField{value: v}
}

// Str wraps a string
func Str(v string) FlexibleField {
	return FlexibleField{value: v}
}
