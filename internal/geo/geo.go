// Package geo computes spatial keys for point coordinates and the key ranges
// that bound a radius search over them. Keys are geohashes, so nearby points
// share long common prefixes and a proximity search becomes a union of range
// scans on a single sortable column.
package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/mmcloughlin/geohash"
)

// ErrInvalidCoordinates is returned when a latitude/longitude pair is outside
// the valid range. Callers treat the point as not locatable.
var ErrInvalidCoordinates = errors.New("invalid coordinates")

// KeyPrecision is the spatial key length stored on users and requests,
// fine-grained enough that distinct locations never collapse into one key.
const KeyPrecision = 10

const (
	base32Alphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

	// Bit budget per geohash character and the cap on query granularity,
	// matching the query-bounds scheme of the original geo library.
	bitsPerChar          = 5
	maxBitsPrecision     = 22
	earthEqRadiusMeters  = 6378137.0
	earthMeriCircumfM    = 40007860.0
	metersPerDegreeLat   = 110574.0
	earthEccentricitySq  = 0.00669447819799
	degreeResolutionEps  = 1e-12
	directionResolutionE = 1e-6
)

// Point is a raw coordinate pair.
type Point struct {
	Latitude  float64
	Longitude float64
}

// KeyRange is a half-open [Start, End) range of spatial keys to scan.
type KeyRange struct {
	Start string
	End   string
}

// Valid reports whether the point lies in [-90,90] x [-180,180].
func (p Point) Valid() bool {
	return p.Latitude >= -90 && p.Latitude <= 90 &&
		p.Longitude >= -180 && p.Longitude <= 180
}

// Encode returns the spatial key for a point, or ErrInvalidCoordinates when
// the point is out of range.
func Encode(lat, lng float64) (string, error) {
	p := Point{Latitude: lat, Longitude: lng}
	if !p.Valid() {
		return "", fmt.Errorf("lat=%v lng=%v: %w", lat, lng, ErrInvalidCoordinates)
	}
	return geohash.EncodeWithPrecision(lat, lng, KeyPrecision), nil
}

// Distance returns the great-circle distance between two points in meters.
func Distance(a, b Point) float64 {
	const earthRadiusMeters = 6371000.0

	latA := a.Latitude * math.Pi / 180
	latB := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLng := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// BoundsForRadius returns key ranges that together cover every point within
// radiusMeters of center. The ranges over-include near cell corners; callers
// must post-filter candidates with Distance.
func BoundsForRadius(center Point, radiusMeters float64) []KeyRange {
	queryBits := boundingBoxBits(center, radiusMeters)
	if queryBits < 1 {
		queryBits = 1
	}
	precision := uint((queryBits + bitsPerChar - 1) / bitsPerChar)

	seen := make(map[KeyRange]struct{})
	var ranges []KeyRange
	for _, p := range boundingBoxPoints(center, radiusMeters) {
		hash := geohash.EncodeWithPrecision(p.Latitude, p.Longitude, precision)
		r := queryRange(hash, queryBits)
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		ranges = append(ranges, r)
	}
	return ranges
}

// boundingBoxBits returns the number of geohash bits at which a cell is at
// least as large as the query box, capped at maxBitsPrecision.
func boundingBoxBits(center Point, sizeMeters float64) int {
	latDelta := sizeMeters / metersPerDegreeLat
	latNorth := math.Min(90, center.Latitude+latDelta)
	latSouth := math.Max(-90, center.Latitude-latDelta)

	bitsLat := math.Floor(latitudeBitsForResolution(sizeMeters)) * 2
	bitsLngNorth := math.Floor(longitudeBitsForResolution(sizeMeters, latNorth))*2 - 1
	bitsLngSouth := math.Floor(longitudeBitsForResolution(sizeMeters, latSouth))*2 - 1

	bits := math.Min(bitsLat, math.Min(bitsLngNorth, bitsLngSouth))
	return int(math.Min(bits, maxBitsPrecision))
}

func latitudeBitsForResolution(resolution float64) float64 {
	return math.Min(math.Log2(earthMeriCircumfM/2/resolution), maxBitsPrecision)
}

func longitudeBitsForResolution(resolution, latitude float64) float64 {
	degs := metersToLongitudeDegrees(resolution, latitude)
	if math.Abs(degs) > directionResolutionE {
		return math.Max(1, math.Log2(360/degs))
	}
	return 1
}

// metersToLongitudeDegrees converts an east-west distance to degrees of
// longitude at the given latitude, collapsing to the full circle near the
// poles.
func metersToLongitudeDegrees(distance, latitude float64) float64 {
	radians := latitude * math.Pi / 180
	num := math.Cos(radians) * earthEqRadiusMeters * math.Pi / 180
	denom := 1 / math.Sqrt(1-earthEccentricitySq*math.Sin(radians)*math.Sin(radians))
	deltaDeg := num * denom
	if deltaDeg < degreeResolutionEps {
		if distance > 0 {
			return 360
		}
		return 0
	}
	return math.Min(360, distance/deltaDeg)
}

// boundingBoxPoints returns the center plus eight probe points on the edges
// and corners of the box circumscribing the query disc.
func boundingBoxPoints(center Point, radiusMeters float64) []Point {
	latDegrees := radiusMeters / metersPerDegreeLat
	latNorth := math.Min(90, center.Latitude+latDegrees)
	latSouth := math.Max(-90, center.Latitude-latDegrees)
	lngDegs := math.Max(
		metersToLongitudeDegrees(radiusMeters, latNorth),
		metersToLongitudeDegrees(radiusMeters, latSouth),
	)

	return []Point{
		center,
		{center.Latitude, wrapLongitude(center.Longitude - lngDegs)},
		{center.Latitude, wrapLongitude(center.Longitude + lngDegs)},
		{latNorth, center.Longitude},
		{latNorth, wrapLongitude(center.Longitude - lngDegs)},
		{latNorth, wrapLongitude(center.Longitude + lngDegs)},
		{latSouth, center.Longitude},
		{latSouth, wrapLongitude(center.Longitude - lngDegs)},
		{latSouth, wrapLongitude(center.Longitude + lngDegs)},
	}
}

func wrapLongitude(lng float64) float64 {
	if lng <= 180 && lng >= -180 {
		return lng
	}
	adjusted := lng + 180
	if adjusted > 0 {
		return math.Mod(adjusted, 360) - 180
	}
	return 180 - math.Mod(-adjusted, 360)
}

// queryRange turns a geohash into the [start, end) key range covering its
// cell at the given bit granularity. "~" sorts after every base32 character,
// so base+"~" upper-bounds all keys sharing the base prefix.
func queryRange(hash string, bits int) KeyRange {
	precision := (bits + bitsPerChar - 1) / bitsPerChar
	if len(hash) < precision {
		return KeyRange{Start: hash, End: hash + "~"}
	}
	hash = hash[:precision]
	base := hash[:len(hash)-1]

	lastValue := indexOfBase32(hash[len(hash)-1])
	significantBits := bits - len(base)*bitsPerChar
	unusedBits := bitsPerChar - significantBits
	startValue := (lastValue >> unusedBits) << unusedBits
	endValue := startValue + (1 << unusedBits)

	r := KeyRange{Start: base + string(base32Alphabet[startValue])}
	if endValue > 31 {
		r.End = base + "~"
	} else {
		r.End = base + string(base32Alphabet[endValue])
	}
	return r
}

func indexOfBase32(c byte) int {
	for i := 0; i < len(base32Alphabet); i++ {
		if base32Alphabet[i] == c {
			return i
		}
	}
	return 0
}
