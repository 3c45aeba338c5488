package simulate

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"livetrack/internal/geo"
	"livetrack/internal/location"
)

// ErrSignalLost is what a simulated failing tick reports.
var ErrSignalLost = errors.New("simulated signal loss")

// Provider is a location.Provider that drives a vehicle along its waypoints
// at a constant speed, looping back to the start at the end of the path.
type Provider struct {
	v    Vehicle
	path *geo.Path
	now  func() time.Time

	mu     sync.Mutex
	rng    *rand.Rand
	dist   float64
	lastAt time.Time
	ticks  int
}

func NewProvider(v Vehicle) *Provider {
	seed := v.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Provider{
		v:    v,
		path: geo.NewPath(v.Waypoints),
		now:  time.Now,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// Factory returns a provider for the vehicle in the routes file.
func (f *File) Factory(vehicleID string) (location.Provider, error) {
	v, ok := f.Vehicle(vehicleID)
	if !ok {
		return nil, &location.Error{Kind: location.KindUnsupported, Op: "simulate " + vehicleID}
	}
	return NewProvider(v), nil
}

func (p *Provider) access() error {
	switch {
	case p.v.Unsupported:
		return &location.Error{Kind: location.KindUnsupported, Op: "simulate"}
	case p.v.Deny:
		return &location.Error{Kind: location.KindPermissionDenied, Op: "simulate"}
	}
	return nil
}

// CurrentPosition reports the position reached by now without waiting for a
// tick.
func (p *Provider) CurrentPosition(ctx context.Context, _ location.Options) (location.Fix, error) {
	if err := p.access(); err != nil {
		return location.Fix{}, err
	}
	if err := ctx.Err(); err != nil {
		return location.Fix{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.advanceLocked(now)
	return p.fixLocked(now), nil
}

// Watch emits a fix every interval until ctx is cancelled.
func (p *Provider) Watch(ctx context.Context, _ location.Options, onFix func(location.Fix), onError func(error)) error {
	if err := p.access(); err != nil {
		return err
	}
	tick := time.NewTicker(p.v.Interval())
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			fix, ok, err := p.tick(p.now())
			switch {
			case err != nil:
				onError(err)
			case ok:
				onFix(fix)
			}
		}
	}
}

// tick advances the vehicle to now. ok is false for a dropped fix.
func (p *Provider) tick(now time.Time) (location.Fix, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advanceLocked(now)
	p.ticks++
	if p.v.FailEvery > 0 && p.ticks%p.v.FailEvery == 0 {
		return location.Fix{}, false, ErrSignalLost
	}
	if p.v.Dropout > 0 && p.rng.Float64() < p.v.Dropout {
		return location.Fix{}, false, nil
	}
	return p.fixLocked(now), true, nil
}

func (p *Provider) advanceLocked(now time.Time) {
	if !p.lastAt.IsZero() && now.After(p.lastAt) {
		p.dist += p.v.SpeedKmh / 3.6 * now.Sub(p.lastAt).Seconds()
		if l := p.path.Length(); l > 0 {
			p.dist = math.Mod(p.dist, l)
		}
	}
	p.lastAt = now
}

func (p *Provider) fixLocked(now time.Time) location.Fix {
	pt, heading := p.path.Interpolate(p.dist)
	if p.v.JitterM > 0 {
		pt = geo.Offset(pt, p.rng.NormFloat64()*p.v.JitterM, p.rng.NormFloat64()*p.v.JitterM)
	}
	speed := p.v.SpeedKmh / 3.6
	return location.Fix{
		Lat:        pt.Lat,
		Lng:        pt.Lng,
		AccuracyM:  math.Max(p.v.AccuracyM, p.v.JitterM),
		SpeedMps:   &speed,
		HeadingDeg: &heading,
		Time:       now,
	}
}
