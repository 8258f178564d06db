package matcher

import (
	"math"

	"github.com/liamcoop/rescueplan/models"
)

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance between a and b.
func DistanceKm(a, b models.Location) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// ETAMinutes is mobilization time plus travel time at speedKmh.
func ETAMinutes(distanceKm, speedKmh, mobilizationMinutes float64) float64 {
	if speedKmh <= 0 {
		return math.Inf(1)
	}
	return mobilizationMinutes + distanceKm/speedKmh*60
}
