package geom

import "math"

const (
	// earthRadiusM is the spherical approximation radius, in metres
	earthRadiusM = 6378100

	// KnotsToMetresPerSecond converts a ground speed in knots to m/s
	KnotsToMetresPerSecond = 0.514444
)

// Distance function returns the distance (in meters) between two points of
//     a given longitude and latitude relatively accurately (using a spherical
//     approximation of the Earth) through the Haversin Distance Formula for
//     great arc distance on a sphere with accuracy for small distances
//
// point coordinates are supplied in degrees and converted into rad. in the func
//
// distance returned is METERS!!!!!!
// http://en.wikipedia.org/wiki/Haversine_formula
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	la1 := lat1 * math.Pi / 180
	lo1 := lon1 * math.Pi / 180
	la2 := lat2 * math.Pi / 180
	lo2 := lon2 * math.Pi / 180

	h := hsin(la2-la1) + math.Cos(la1)*math.Cos(la2)*hsin(lo2-lo1)

	return 2 * earthRadiusM * math.Asin(math.Sqrt(h))
}

// haversin(θ) function
func hsin(theta float64) float64 {
	return math.Pow(math.Sin(theta/2), 2)
}

type (
	// Bounds is a client viewport, a plain lat/lon bounding box.
	// North/South are latitudes, East/West longitudes.
	Bounds struct {
		North float64 `json:"north"`
		East  float64 `json:"east"`
		South float64 `json:"south"`
		West  float64 `json:"west"`
	}
)

// Contains determines whether the
// * lat is contained between North and South, and
// * lon is contained between West and East
func (b Bounds) Contains(lat, lon float64) bool {
	// 90 = top, -90 == bottom
	s := b.South
	if b.South == -90 {
		s -= 0.1 // so the calc below works nicely
	}
	containsLat := lat <= b.North && lat > s
	// -180 == west, 180 == east
	containsLon := lon >= b.West && lon < b.East
	return containsLat && containsLon
}

// Valid rejects boxes that are inside out or off the globe
func (b Bounds) Valid() bool {
	if b.North > 90 || b.South < -90 || b.West < -180 || b.East > 180 {
		return false
	}
	return b.North > b.South && b.East > b.West
}

// Width returns the longitude span in degrees
func (b Bounds) Width() float64 {
	return b.East - b.West
}

// Height returns the latitude span in degrees
func (b Bounds) Height() float64 {
	return b.North - b.South
}
