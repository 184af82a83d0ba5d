// Package geo provides great-circle distance and travel velocity primitives.
//
// Both the batch analyzer and the location verifier compute distances through
// this package so the two endpoints can never disagree about how far apart
// two events are.
package geo

import "math"

// EarthRadiusKm is the mean Earth radius used by the haversine formula.
const EarthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance in kilometres between two
// points given in decimal degrees, using the haversine formula on a
// spherical Earth. Pure and total for finite inputs.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKm * c
}

// ImpliedVelocityKmh returns the travel speed implied by covering distanceKm
// in the given number of hours. Zero hours (or negative, from unordered
// timestamps) yields 0 rather than a division error.
func ImpliedVelocityKmh(distanceKm, hours float64) float64 {
	if hours <= 0 {
		return 0
	}
	return distanceKm / hours
}
