package live

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// EngineMetrics is implemented by the metrics collector; nil disables it.
type EngineMetrics interface {
	SubscriptionsSet(n int)
	NotificationDeliveredInc()
}

// Engine keeps an in-memory index of live records and pushes query results
// to subscribers whenever a change affects them.
type Engine struct {
	metrics EngineMetrics
	log     *slog.Logger

	mu      sync.Mutex
	records map[string]Record
	subs    map[*Subscription]struct{}
}

func NewEngine(m EngineMetrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		metrics: m,
		log:     logger,
		records: make(map[string]Record),
		subs:    make(map[*Subscription]struct{}),
	}
}

// SortByRecency orders records by sample timestamp, newest first, breaking
// ties by route id.
func SortByRecency(recs []Record) {
	slices.SortFunc(recs, func(a, b Record) int {
		if c := cmp.Compare(b.Latest.TimestampMs, a.Latest.TimestampMs); c != 0 {
			return c
		}
		return cmp.Compare(a.RouteID, b.RouteID)
	})
}

// Load seeds the index with the store's active records.
func (e *Engine) Load(ctx context.Context, store Store) error {
	recs, err := store.Active(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		e.Apply(rec)
	}
	e.log.Info("engine loaded", "active", len(recs))
	return nil
}

// Notify makes the engine usable as a Publisher notifier in-process.
func (e *Engine) Notify(_ context.Context, rec Record) error {
	e.Apply(rec)
	return nil
}

// Apply folds a written record into the index. Records older than the indexed
// one are ignored, and at equal UpdatedAtMs a deactivation wins over an active
// record. It reports whether the index changed.
func (e *Engine) Apply(rec Record) bool {
	if rec.RouteID == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if cur, ok := e.records[rec.RouteID]; ok {
		if rec.UpdatedAtMs < cur.UpdatedAtMs ||
			(rec.UpdatedAtMs == cur.UpdatedAtMs && rec.IsActive && !cur.IsActive) {
			e.log.Debug("stale record dropped", "route", rec.RouteID, "updated", rec.UpdatedAtMs, "indexed", cur.UpdatedAtMs)
			return false
		}
		if cur == rec {
			return false
		}
	}
	e.records[rec.RouteID] = rec

	var fleet []Record
	for s := range e.subs {
		if s.onFleet != nil {
			if fleet == nil {
				fleet = e.fleetLocked()
			}
			e.offerFleetLocked(s, fleet)
			continue
		}
		if s.routeID == rec.RouteID {
			e.offerRouteLocked(s)
		}
	}
	return true
}

// Route returns the active record for routeID.
func (e *Engine) Route(routeID string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.routeLocked(routeID)
}

// Fleet returns all active records, newest first.
func (e *Engine) Fleet() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fleetLocked()
}

// SubscribeRoute delivers the active record for routeID, or nil when there is
// none. The current result is delivered once right away.
func (e *Engine) SubscribeRoute(routeID string, onUpdate func(*Record)) *Subscription {
	s := newSubscription(e)
	s.routeID = routeID
	s.onRoute = onUpdate

	e.mu.Lock()
	e.subs[s] = struct{}{}
	e.offerRouteLocked(s)
	n := len(e.subs)
	e.mu.Unlock()

	e.subscriptionsChanged(n)
	go s.run()
	return s
}

// SubscribeFleet delivers every active record, newest first. The current
// result is delivered once right away.
func (e *Engine) SubscribeFleet(onUpdate func([]Record)) *Subscription {
	s := newSubscription(e)
	s.onFleet = onUpdate

	e.mu.Lock()
	e.subs[s] = struct{}{}
	e.offerFleetLocked(s, e.fleetLocked())
	n := len(e.subs)
	e.mu.Unlock()

	e.subscriptionsChanged(n)
	go s.run()
	return s
}

func (e *Engine) remove(s *Subscription) {
	e.mu.Lock()
	if _, ok := e.subs[s]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.subs, s)
	n := len(e.subs)
	e.mu.Unlock()
	e.subscriptionsChanged(n)
}

func (e *Engine) subscriptionsChanged(n int) {
	if e.metrics != nil {
		e.metrics.SubscriptionsSet(n)
	}
}

func (e *Engine) routeLocked(routeID string) (Record, bool) {
	rec, ok := e.records[routeID]
	if !ok || !rec.IsActive {
		return Record{}, false
	}
	return rec, true
}

func (e *Engine) fleetLocked() []Record {
	out := make([]Record, 0, len(e.records))
	for _, rec := range e.records {
		if rec.IsActive {
			out = append(out, rec)
		}
	}
	SortByRecency(out)
	return out
}

func (e *Engine) offerRouteLocked(s *Subscription) {
	rec, ok := e.routeLocked(s.routeID)
	if s.offered && ok == s.lastOK && rec == s.lastRoute {
		return
	}
	s.offered, s.lastOK, s.lastRoute = true, ok, rec

	var v *Record
	if ok {
		v = &rec
	}
	s.offer(func() { s.onRoute(v) })
}

func (e *Engine) offerFleetLocked(s *Subscription, fleet []Record) {
	if s.offered && slices.Equal(fleet, s.lastFleet) {
		return
	}
	s.offered, s.lastFleet = true, fleet

	v := slices.Clone(fleet)
	s.offer(func() { s.onFleet(v) })
}

// Subscription is a live query handle. Callbacks for one subscription run
// one at a time on its own goroutine; when updates arrive faster than the
// callback consumes them only the latest is delivered.
type Subscription struct {
	ID string

	engine  *Engine
	routeID string
	onRoute func(*Record)
	onFleet func([]Record)

	// guarded by engine.mu
	offered   bool
	lastOK    bool
	lastRoute Record
	lastFleet []Record

	mu      sync.Mutex
	pending func()
	closed  bool
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
}

func newSubscription(e *Engine) *Subscription {
	return &Subscription{
		ID:     uuid.NewString(),
		engine: e,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// RouteID is empty for fleet subscriptions.
func (s *Subscription) RouteID() string { return s.routeID }

func (s *Subscription) offer(deliver func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = deliver
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
		}
		s.mu.Lock()
		deliver := s.pending
		s.pending = nil
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		if deliver == nil {
			continue
		}
		deliver()
		if s.engine.metrics != nil {
			s.engine.metrics.NotificationDeliveredInc()
		}
	}
}

// Close releases the subscription. Once it returns no callback is running
// or will run. Idempotent. It must not be called from the subscription's own
// callback; use CloseAsync there.
func (s *Subscription) Close() {
	s.CloseAsync()
	<-s.done
}

// CloseAsync releases the subscription without waiting for a running
// callback to return.
func (s *Subscription) CloseAsync() {
	s.engine.remove(s)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending = nil
	s.mu.Unlock()
	close(s.quit)
}
