// Package geo provides ground-distance computation for the simulation graph.
//
// The distance metric is an explicit property of the graph's coordinate
// reference system: geographic graphs (lon/lat degrees) use the haversine
// great-circle distance, planar graphs (projected metres) use Euclidean
// distance. Callers must declare which system the graph uses; the matcher
// never guesses.
package geo

import "math"

// EarthRadiusM is the mean Earth radius in metres used for haversine.
const EarthRadiusM = 6371000

// CRS identifies the coordinate reference system of a simulation graph.
type CRS int

const (
	// Geographic means points carry longitude in X and latitude in Y,
	// both in decimal degrees. Distances are geodesic (haversine).
	Geographic CRS = iota
	// Planar means points are in a projected metric system. Distances
	// are straight-line Euclidean in metres.
	Planar
)

func (c CRS) String() string {
	switch c {
	case Geographic:
		return "geographic"
	case Planar:
		return "planar"
	default:
		return "unknown"
	}
}

// Point is a position on the simulation graph. For Geographic graphs X is
// longitude and Y is latitude (degrees); for Planar graphs X and Y are metres.
type Point struct {
	X float64
	Y float64
}

// Distance returns the ground distance in metres between a and b under the
// given coordinate reference system.
func Distance(crs CRS, a, b Point) float64 {
	if crs == Geographic {
		return Haversine(a.Y, a.X, b.Y, b.X)
	}
	dx := a.X - b.X
	dy := a.Y - b.Y
	return math.Hypot(dx, dy)
}

// Haversine returns the great-circle distance in metres between two
// latitude/longitude pairs in decimal degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusM * c
}
