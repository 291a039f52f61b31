// Package geo converts between latitude/longitude and campus-scale distances.
package geo

import "math"

// EarthRadiusMeters is the mean Earth radius used by every computation here.
const EarthRadiusMeters = 6371000.0

const degToRad = math.Pi / 180

// Coordinate is a WGS84 latitude/longitude pair in degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Point is a position on the campus plane, in metres east (X) and north (Y)
// of the projection origin.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DefaultOrigin anchors the campus plane.
var DefaultOrigin = Coordinate{Lat: 6.913341, Lng: 122.063693}

// HaversineMeters returns the great-circle distance between two coordinates.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * degToRad
	dLon := (lon2 - lon1) * degToRad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*degToRad)*math.Cos(lat2*degToRad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// RoundedDistance is HaversineMeters rounded to centimetres, the precision
// stored on edges.
func RoundedDistance(lat1, lon1, lat2, lon2 float64) float64 {
	return math.Round(HaversineMeters(lat1, lon1, lat2, lon2)*100) / 100
}

// ProjectToPlane maps a coordinate onto the equirectangular plane tangent at
// origin.  Only accurate within a few kilometres of origin.
func ProjectToPlane(lat, lng float64, origin Coordinate) Point {
	return Point{
		X: (lng - origin.Lng) * math.Cos(origin.Lat*degToRad) * EarthRadiusMeters * degToRad,
		Y: (lat - origin.Lat) * EarthRadiusMeters * degToRad,
	}
}

// PlaneToLatLng inverts ProjectToPlane.
func PlaneToLatLng(p Point, origin Coordinate) Coordinate {
	return Coordinate{
		Lat: origin.Lat + p.Y/(EarthRadiusMeters*degToRad),
		Lng: origin.Lng + p.X/(math.Cos(origin.Lat*degToRad)*EarthRadiusMeters*degToRad),
	}
}
