// Package geo provides the pure geometry primitives used by zone containment
// and station ranking: great-circle distance, point-in-circle, and
// point-in-polygon. All functions are stateless and safe for concurrent use.
package geo

import "math"

// earthRadiusMeters is the mean Earth radius used for haversine distance.
const earthRadiusMeters = 6371000.0

// LatLon is a single geographic coordinate pair in decimal degrees.
type LatLon struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// Valid reports whether the coordinate is finite and within range.
func (p LatLon) Valid() bool {
	return isFinite(p.Lat) && isFinite(p.Lon) &&
		p.Lat >= -90 && p.Lat <= 90 &&
		p.Lon >= -180 && p.Lon <= 180
}

// DistanceMeters returns the haversine great-circle distance between two
// points. The result is symmetric and zero for identical coordinates.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	if lat1 == lat2 && lon1 == lon2 {
		return 0
	}

	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// PointInCircle reports whether the point lies within radiusMeters of the
// circle center. A point exactly on the boundary counts as inside.
func PointInCircle(lat, lon, centerLat, centerLon, radiusMeters float64) bool {
	if radiusMeters < 0 || !isFinite(radiusMeters) {
		return false
	}
	return DistanceMeters(lat, lon, centerLat, centerLon) <= radiusMeters
}

// PointInPolygon runs a ray-casting parity test over the ring, treated as
// implicitly closed (last vertex connects back to the first).
//
// Degenerate input fails closed: a ring with fewer than 3 vertices or any
// non-finite coordinate returns false rather than panicking, because
// containment runs on the ingestion hot path and a malformed zone must not
// abort evaluation of the others.
func PointInPolygon(lat, lon float64, ring []LatLon) bool {
	if len(ring) < 3 || !isFinite(lat) || !isFinite(lon) {
		return false
	}
	for _, v := range ring {
		if !isFinite(v.Lat) || !isFinite(v.Lon) {
			return false
		}
	}

	inside := false
	j := len(ring) - 1
	for i := 0; i < len(ring); i++ {
		yi, xi := ring[i].Lat, ring[i].Lon
		yj, xj := ring[j].Lat, ring[j].Lon

		if (yi > lat) != (yj > lat) &&
			lon < (xj-xi)*(lat-yi)/(yj-yi)+xi {
			inside = !inside
		}
		j = i
	}
	return inside
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
