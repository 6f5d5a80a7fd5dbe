package geo

import (
	"math"
	"time"
)

const earthRadiusMeters = 6371000.0

type Point struct {
	Latitude  float64
	Longitude float64
}

type TimedPoint struct {
	Point
	Time time.Time
}

// DistanceMeters returns the great-circle (haversine) distance between two
// points. The inner sqrt argument is clamped to [0,1] so near-antipodal
// inputs cannot produce NaN from floating point overshoot.
func DistanceMeters(a, b Point) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dlat := (b.Latitude - a.Latitude) * math.Pi / 180
	dlon := (b.Longitude - a.Longitude) * math.Pi / 180

	sdlat := math.Sin(dlat / 2)
	sdlon := math.Sin(dlon / 2)
	h := sdlat*sdlat + math.Cos(lat1)*math.Cos(lat2)*sdlon*sdlon
	if h < 0 {
		h = 0
	} else if h > 1 {
		h = 1
	}
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// SpeedMps derives speed in m/s from two timestamped points. Returns 0 when
// elapsed time is zero or negative (duplicate or out-of-order timestamps).
func SpeedMps(a, b TimedPoint) float64 {
	elapsed := b.Time.Sub(a.Time).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return DistanceMeters(a.Point, b.Point) / elapsed
}

// Bearing returns the initial bearing from a to b in degrees [0,360).
func Bearing(a, b Point) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dlon := (b.Longitude - a.Longitude) * math.Pi / 180

	y := math.Sin(dlon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dlon)
	deg := math.Atan2(y, x) * 180 / math.Pi
	if deg < 0 {
		deg += 360
	}
	return deg
}
