package geo

import "math"

// Path is a polyline with precomputed cumulative distances in meters.
type Path struct {
	pts []Point
	cum []float64
}

func NewPath(pts []Point) *Path {
	p := &Path{pts: append([]Point(nil), pts...)}
	p.cum = make([]float64, len(pts))
	sum := 0.0
	for i := 1; i < len(pts); i++ {
		sum += Distance(pts[i-1], pts[i])
		p.cum[i] = sum
	}
	return p
}

// Length returns the total path length in meters.
func (p *Path) Length() float64 {
	if len(p.cum) == 0 {
		return 0
	}
	return p.cum[len(p.cum)-1]
}

// Interpolate returns the position dist meters along the path and the bearing
// of the segment it falls on. dist is clamped to [0, Length].
func (p *Path) Interpolate(dist float64) (Point, float64) {
	n := len(p.pts)
	switch {
	case n == 0:
		return Point{}, 0
	case n == 1 || p.Length() == 0:
		return p.pts[0], 0
	}
	if dist <= 0 {
		return p.pts[0], BearingDeg(p.pts[0], p.pts[1])
	}
	if dist >= p.Length() {
		return p.pts[n-1], BearingDeg(p.pts[n-2], p.pts[n-1])
	}
	i := 1
	for i < n && p.cum[i] < dist {
		i++
	}
	p0, p1 := p.pts[i-1], p.pts[i]
	d0, d1 := p.cum[i-1], p.cum[i]
	if d1 == d0 {
		return p0, BearingDeg(p0, p1)
	}
	frac := (dist - d0) / (d1 - d0)
	return Point{
		Lat: p0.Lat + (p1.Lat-p0.Lat)*frac,
		Lng: p0.Lng + (p1.Lng-p0.Lng)*frac,
	}, BearingDeg(p0, p1)
}

// Offset moves pt by the given north/east displacement in meters using an
// equirectangular approximation, good enough for a few meters of noise.
func Offset(pt Point, northM, eastM float64) Point {
	dLat := northM / earthRadiusM * 180 / math.Pi
	dLng := eastM / (earthRadiusM * math.Cos(toRad(pt.Lat))) * 180 / math.Pi
	return Point{Lat: pt.Lat + dLat, Lng: pt.Lng + dLng}
}
