package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"livetrack/internal/location"
)

// PublisherMetrics is implemented by the metrics collector; nil disables it.
type PublisherMetrics interface {
	PublishedInc()
	PublishErrInc()
	PublishObserve(d time.Duration)
}

// Publisher writes live records for the session that owns a route. It never
// retries; failures come back as location.ErrPublishFailure.
type Publisher struct {
	store    Store
	notifier Notifier
	metrics  PublisherMetrics
	log      *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	lastStamp map[string]int64 // routeID -> last UpdatedAtMs handed out
}

func NewPublisher(store Store, notifier Notifier, m PublisherMetrics, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		store:     store,
		notifier:  notifier,
		metrics:   m,
		log:       logger,
		now:       time.Now,
		lastStamp: make(map[string]int64),
	}
}

// stamp returns the UpdatedAtMs for the next write to routeID. Stamps from
// one Publisher strictly increase per route, even within a millisecond.
func (p *Publisher) stamp(routeID string) int64 {
	ms := p.now().UnixMilli()
	p.mu.Lock()
	defer p.mu.Unlock()
	if last := p.lastStamp[routeID]; ms <= last {
		ms = last + 1
	}
	p.lastStamp[routeID] = ms
	return ms
}

// Landed reports whether a Publish or Deactivate call reached the store: either
// it succeeded, or only the notification afterwards failed.
func Landed(err error) bool { return err == nil || errors.Is(err, ErrNotify) }

// Publish upserts rec as the active record for its route. On a notify
// failure the stored record is still returned and the error wraps ErrNotify.
func (p *Publisher) Publish(ctx context.Context, rec Record) (Record, error) {
	if rec.RouteID == "" {
		return Record{}, ErrMissingRoute
	}
	rec.IsActive = true
	rec.StoppedAtMs = 0
	rec.UpdatedAtMs = p.stamp(rec.RouteID)

	start := time.Now()
	stored, err := p.store.Upsert(ctx, rec)
	p.observe(start, err)
	if err != nil {
		return Record{}, location.Wrap(location.KindPublishFailure, "publish", err)
	}
	// the write is durable at this point; a notify error still surfaces
	return stored, p.notify(ctx, stored)
}

// Deactivate closes the record for routeID. Unknown routes are a no-op.
func (p *Publisher) Deactivate(ctx context.Context, routeID string) error {
	if routeID == "" {
		return ErrMissingRoute
	}
	start := time.Now()
	stored, err := p.store.Deactivate(ctx, routeID, p.stamp(routeID))
	if errors.Is(err, ErrNotFound) {
		p.log.Debug("deactivate unknown route", "route", routeID)
		return nil
	}
	p.observe(start, err)
	if err != nil {
		return location.Wrap(location.KindPublishFailure, "deactivate", err)
	}
	return p.notify(ctx, stored)
}

// SetDriverStatus records the online/tracking flags for a driver.
func (p *Publisher) SetDriverStatus(ctx context.Context, st DriverStatus) error {
	st.UpdatedAtMs = p.now().UnixMilli()
	if err := p.store.SetDriverStatus(ctx, st); err != nil {
		if p.metrics != nil {
			p.metrics.PublishErrInc()
		}
		return location.Wrap(location.KindPublishFailure, "driver status", err)
	}
	return nil
}

func (p *Publisher) notify(ctx context.Context, rec Record) error {
	if p.notifier == nil {
		return nil
	}
	if err := p.notifier.Notify(ctx, rec); err != nil {
		return &location.Error{Kind: location.KindPublishFailure, Op: "notify", Err: fmt.Errorf("%w: %w", ErrNotify, err)}
	}
	return nil
}

func (p *Publisher) observe(start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	p.metrics.PublishObserve(time.Since(start))
	if err != nil {
		p.metrics.PublishErrInc()
	} else {
		p.metrics.PublishedInc()
	}
}
