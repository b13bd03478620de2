package geo

import "math"

// EarthRadius is the mean Earth radius in metres.
const EarthRadius = 6371000.0

// Haversine returns the great-circle distance in metres between two
// points given in degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	p1, p2 := radians(lat1), radians(lat2)
	dp := p2 - p1
	dl := radians(lon2 - lon1)

	a := math.Sin(dp/2)*math.Sin(dp/2) +
		math.Cos(p1)*math.Cos(p2)*math.Sin(dl/2)*math.Sin(dl/2)
	return 2 * EarthRadius * math.Asin(math.Min(1, math.Sqrt(a)))
}
