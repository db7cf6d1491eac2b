// Package geo provides the distance calculator and geohash primitives used
// by the spatial index.
package geo

import (
	"math"

	"github.com/example/smartpark/internal/spot/domain"
)

// earthRadiusM is the mean earth radius in meters.
const earthRadiusM = 6371000.0

// Distance returns the great-circle distance between two points in meters
// using the haversine formula on a spherical earth. The spherical model is
// off by up to ~0.5% versus an ellipsoid, which is negligible at the scale
// of nearby-parking queries.
func Distance(a, b domain.GeoPoint) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dlat := toRadians(b.Lat - a.Lat)
	dlng := toRadians(b.Lng - a.Lng)

	sinDlat := math.Sin(dlat / 2)
	sinDlng := math.Sin(dlng / 2)
	h := sinDlat*sinDlat + math.Cos(lat1)*math.Cos(lat2)*sinDlng*sinDlng
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusM * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
