package location

import (
	"context"
	"time"

	"livetrack/internal/geo"
)

// Sample is an enriched location reading. Immutable once produced.
type Sample struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	SpeedKmh    float64 `json:"speedKmh"`
	HeadingDeg  float64 `json:"headingDeg"`
	TimestampMs int64   `json:"timestampMs"`
	AccuracyM   float64 `json:"accuracyM"`
}

func (s Sample) Point() geo.Point { return geo.Point{Lat: s.Latitude, Lng: s.Longitude} }

// Fix is a raw reading from a Provider. SpeedMps and HeadingDeg are nil when
// the provider cannot report them.
type Fix struct {
	Lat        float64
	Lng        float64
	AccuracyM  float64
	SpeedMps   *float64
	HeadingDeg *float64
	Time       time.Time
}

// Options are passed through to the provider on every request.
type Options struct {
	HighAccuracy bool
	// Timeout bounds one-shot fetches only. Zero means no bound.
	Timeout time.Duration
	// MaxCacheAge allows reuse of a recent fix for one-shot fetches.
	MaxCacheAge time.Duration
}

// Provider is a device geolocation source.
//
// CurrentPosition resolves a single fix and must honour ctx cancellation.
// Watch reports fixes until ctx is done; it calls onFix and onError from a
// single goroutine and returns nil on cancellation, or an error if the
// watch could not continue.
type Provider interface {
	CurrentPosition(ctx context.Context, opts Options) (Fix, error)
	Watch(ctx context.Context, opts Options, onFix func(Fix), onError func(error)) error
}
