package geo

import "math"

const earthRadiusM = 6371000.0

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat" yaml:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" yaml:"lng" validate:"gte=-180,lte=180"`
}

// EstimatorState carries the previous coordinate between speed derivations.
// One value belongs to exactly one sampler.
type EstimatorState struct {
	prev   Point
	prevMs int64
	seeded bool
}

// Seeded reports whether a previous coordinate is held.
func (s EstimatorState) Seeded() bool { return s.seeded }

// Previous returns the last coordinate and its timestamp in ms.
func (s EstimatorState) Previous() (Point, int64, bool) {
	return s.prev, s.prevMs, s.seeded
}

func toRad(d float64) float64 { return d * math.Pi / 180 }

// DistanceMeters returns the haversine distance between two coordinates on a
// spherical earth.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	// rounding can push a a hair past 1 for antipodal points
	a = math.Min(1, math.Max(0, a))
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// Distance is DistanceMeters for two points.
func Distance(a, b Point) float64 {
	return DistanceMeters(a.Lat, a.Lng, b.Lat, b.Lng)
}

// BearingDeg returns the initial bearing from a to b in [0, 360).
func BearingDeg(a, b Point) float64 {
	y := math.Sin(toRad(b.Lng-a.Lng)) * math.Cos(toRad(b.Lat))
	x := math.Cos(toRad(a.Lat))*math.Sin(toRad(b.Lat)) - math.Sin(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Cos(toRad(b.Lng-a.Lng))
	brng := math.Atan2(y, x) * 180 / math.Pi
	if brng < 0 {
		brng += 360
	}
	return brng
}

// DeriveSpeedKmh estimates speed from the movement since the previous
// coordinate. Without a previous coordinate it falls back to reportedKmh.
// Non-positive elapsed time yields 0. The returned state always holds c and
// nowMs.
func DeriveSpeedKmh(st EstimatorState, c Point, nowMs int64, reportedKmh float64) (float64, EstimatorState) {
	next := EstimatorState{prev: c, prevMs: nowMs, seeded: true}
	if !st.seeded {
		if math.IsNaN(reportedKmh) || reportedKmh < 0 {
			reportedKmh = 0
		}
		return round1(reportedKmh), next
	}
	elapsed := float64(nowMs-st.prevMs) / 1000
	if elapsed <= 0 {
		return 0, next
	}
	d := Distance(st.prev, c)
	return round1(d / elapsed * 3.6), next
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
