package geo

import (
	"errors"
	"fmt"
	"math"
)

// PointType is the GeoJSON type tag for a single position.
const PointType = "Point"

// EarthRadiusMeters is the mean radius used for spherical distances. It
// matches the radius MongoDB uses for $geoNear with spherical: true.
const EarthRadiusMeters = 6378100.0

// ErrInvalidPoint is returned when a stored point cannot be interpreted.
var ErrInvalidPoint = errors.New("invalid geojson point")

// Point is a GeoJSON point as stored in the presence collection.
// Coordinates are always [longitude, latitude].
type Point struct {
	Type        string    `json:"type" bson:"type"`
	Coordinates []float64 `json:"coordinates" bson:"coordinates"`
}

// NewPoint converts a (latitude, longitude) pair into a GeoJSON point.
func NewPoint(latitude, longitude float64) Point {
	return Point{
		Type:        PointType,
		Coordinates: []float64{longitude, latitude},
	}
}

// LatLon converts the point back to (latitude, longitude).
func (p Point) LatLon() (latitude, longitude float64, err error) {
	if p.Type != PointType {
		return 0, 0, fmt.Errorf("%w: type %q", ErrInvalidPoint, p.Type)
	}
	if len(p.Coordinates) != 2 {
		return 0, 0, fmt.Errorf("%w: %d coordinates", ErrInvalidPoint, len(p.Coordinates))
	}
	longitude, latitude = p.Coordinates[0], p.Coordinates[1]
	if !ValidCoordinates(latitude, longitude) {
		return 0, 0, fmt.Errorf("%w: out of range [%v, %v]", ErrInvalidPoint, longitude, latitude)
	}
	return latitude, longitude, nil
}

// ValidCoordinates reports whether latitude and longitude are finite and in range.
func ValidCoordinates(latitude, longitude float64) bool {
	if math.IsNaN(latitude) || math.IsNaN(longitude) || math.IsInf(latitude, 0) || math.IsInf(longitude, 0) {
		return false
	}
	return latitude >= -90 && latitude <= 90 && longitude >= -180 && longitude <= 180
}

// Distance returns the great-circle distance in meters between two points
// given in decimal degrees.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}
