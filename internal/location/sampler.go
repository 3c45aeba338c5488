package location

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"livetrack/internal/geo"
)

// ErrWatchActive is returned when a Sampler already runs a watch.
var ErrWatchActive = errors.New("location: watch already active")

// Sampler turns provider fixes into Samples. It owns a single estimator state,
// so concurrent sessions need their own Sampler.
type Sampler struct {
	provider Provider
	now      func() time.Time

	mu       sync.Mutex
	est      geo.EstimatorState
	heading  float64
	last     Sample
	lastAt   time.Time
	haveLast bool
	watch    *Watch
}

func NewSampler(p Provider) *Sampler {
	return &Sampler{provider: p, now: time.Now}
}

// FetchOnce resolves a single sample. A cached sample younger than
// opts.MaxCacheAge is returned without asking the provider.
func (s *Sampler) FetchOnce(ctx context.Context, opts Options) (Sample, error) {
	if s.provider == nil {
		return Sample{}, &Error{Kind: KindUnsupported, Op: "fetch"}
	}

	s.mu.Lock()
	if opts.MaxCacheAge > 0 && s.haveLast && s.now().Sub(s.lastAt) <= opts.MaxCacheAge {
		cached := s.last
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	fctx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	fix, err := s.provider.CurrentPosition(fctx, opts)
	if err != nil {
		if ctx.Err() != nil {
			return Sample{}, ctx.Err()
		}
		if errors.Is(fctx.Err(), context.DeadlineExceeded) {
			return Sample{}, &Error{Kind: KindTimeout, Op: "fetch", Err: err}
		}
		return Sample{}, Wrap(KindProviderFailure, "fetch", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enrichLocked(fix), nil
}

// StartWatch begins continuous sampling. Provider errors go to onError and do
// not end the watch. Callbacks run on the watch goroutine, one at a time.
func (s *Sampler) StartWatch(ctx context.Context, opts Options, onSample func(Sample), onError func(error)) (*Watch, error) {
	if s.provider == nil {
		return nil, &Error{Kind: KindUnsupported, Op: "watch"}
	}

	s.mu.Lock()
	if s.watch != nil {
		s.mu.Unlock()
		return nil, ErrWatchActive
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &Watch{sampler: s, cancel: cancel, done: make(chan struct{})}
	s.watch = w
	s.mu.Unlock()

	report := func(err error) {
		if err == nil || w.stopped.Load() || onError == nil {
			return
		}
		onError(Wrap(KindProviderFailure, "watch", err))
	}

	go func() {
		defer close(w.done)
		err := s.provider.Watch(wctx, opts, func(f Fix) {
			if w.stopped.Load() {
				return
			}
			s.mu.Lock()
			if w.stopped.Load() {
				s.mu.Unlock()
				return
			}
			sample := s.enrichLocked(f)
			s.mu.Unlock()
			if onSample != nil && !w.stopped.Load() {
				onSample(sample)
			}
		}, report)
		if err != nil && wctx.Err() == nil {
			report(err)
		}
	}()
	return w, nil
}

// StopWatch stops w. It is safe on nil or already stopped handles.
func (s *Sampler) StopWatch(w *Watch) {
	w.Stop()
}

func (s *Sampler) release(w *Watch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watch != w {
		return
	}
	s.watch = nil
	s.est = geo.EstimatorState{}
	s.heading = 0
	s.haveLast = false
}

func (s *Sampler) enrichLocked(f Fix) Sample {
	ts := f.Time
	if ts.IsZero() {
		ts = s.now()
	}
	pt := geo.Point{Lat: f.Lat, Lng: f.Lng}

	reported := 0.0
	if f.SpeedMps != nil {
		reported = *f.SpeedMps * 3.6
	}
	prev, _, hadPrev := s.est.Previous()
	var speed float64
	speed, s.est = geo.DeriveSpeedKmh(s.est, pt, ts.UnixMilli(), reported)

	switch {
	case f.HeadingDeg != nil && !math.IsNaN(*f.HeadingDeg):
		s.heading = math.Mod(*f.HeadingDeg+360, 360)
	case hadPrev && prev != pt:
		s.heading = geo.BearingDeg(prev, pt)
	}

	sample := Sample{
		Latitude:    f.Lat,
		Longitude:   f.Lng,
		SpeedKmh:    speed,
		HeadingDeg:  s.heading,
		TimestampMs: ts.UnixMilli(),
		AccuracyM:   f.AccuracyM,
	}
	s.last, s.lastAt, s.haveLast = sample, s.now(), true
	return sample
}

// Watch is a handle on a running continuous sampling.
type Watch struct {
	sampler *Sampler
	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool
}

// Stop cancels the watch and discards the sampler's estimator state. No fix
// arriving after Stop returns is emitted. Idempotent; it does not wait for a
// callback already running, use Done for that.
func (w *Watch) Stop() {
	if w == nil || w.stopped.Swap(true) {
		return
	}
	w.cancel()
	w.sampler.release(w)
}

// Done is closed once the provider watch has returned.
func (w *Watch) Done() <-chan struct{} { return w.done }

// Stopped reports whether Stop was called.
func (w *Watch) Stopped() bool { return w != nil && w.stopped.Load() }
