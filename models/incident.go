package models

import "fmt"

// Well-known disaster context fields.
const (
	FieldDisasterType = "disaster_type"
	FieldLocation     = "location"
	FieldTerrain      = "terrain"
)

// Incident is the part of the disaster context the matcher needs.
type Incident struct {
	DisasterType string
	Location     Location
	Terrain      string
}

// IncidentFromContext extracts the incident fields from a disaster context.
// Location is optional; a malformed location is an error.
func IncidentFromContext(ctx map[string]any) (Incident, error) {
	var in Incident
	if v, ok := ctx[FieldDisasterType]; ok {
		s, ok := v.(string)
		if !ok {
			return in, fmt.Errorf("%s must be a string, got %T", FieldDisasterType, v)
		}
		in.DisasterType = s
	}
	if v, ok := ctx[FieldTerrain].(string); ok {
		in.Terrain = v
	}

	raw, ok := ctx[FieldLocation]
	if !ok || raw == nil {
		return in, nil
	}
	loc, ok := raw.(map[string]any)
	if !ok {
		return in, fmt.Errorf("%s must be an object with lat and lon", FieldLocation)
	}
	lat, latOK := number(loc["lat"])
	lon, lonOK := number(loc["lon"])
	if !latOK || !lonOK {
		return in, fmt.Errorf("%s requires numeric lat and lon", FieldLocation)
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return in, fmt.Errorf("%s out of range: %v,%v", FieldLocation, lat, lon)
	}
	in.Location = Location{Lat: lat, Lon: lon}
	return in, nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
