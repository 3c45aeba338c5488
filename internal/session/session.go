package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"livetrack/internal/live"
	"livetrack/internal/location"
)

type State int

const (
	Idle State = iota
	RequestingPermission
	Tracking
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RequestingPermission:
		return "requesting_permission"
	case Tracking:
		return "tracking"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidState rejects an operation the current state does not allow.
var ErrInvalidState = errors.New("session: invalid state")

// Identity is the authenticated driver/vehicle/route triple a session runs
// for. It is trusted as given.
type Identity struct {
	DriverID  string `json:"driverId" validate:"required"`
	VehicleID string `json:"vehicleId" validate:"required"`
	RouteID   string `json:"routeId" validate:"required"`
}

// Metrics is implemented by the metrics collector; nil disables it.
type Metrics interface {
	SessionStarted()
	SessionStopped()
	SessionFailed(kind string)
}

type Config struct {
	Options location.Options
	// MaxPublishFailures aborts tracking after that many consecutive failed
	// sample writes. Zero keeps tracking regardless.
	MaxPublishFailures int
	// OnError, if set, receives every classified failure exactly once. It may
	// run on the watch goroutine and must not call Stop.
	OnError func(error)
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID          string `json:"id"`
	DriverID    string `json:"driverId"`
	VehicleID   string `json:"vehicleId"`
	RouteID     string `json:"routeId"`
	State       string `json:"state"`
	StartedAtMs int64  `json:"startedAtMs,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

// Session is the driver-side control loop. It owns one Sampler and drives the
// Publisher for its route.
type Session struct {
	ID       string
	identity Identity
	sampler  *location.Sampler
	pub      *live.Publisher
	cfg      Config
	metrics  Metrics
	log      *slog.Logger

	mu                sync.Mutex
	state             State
	startedAt         time.Time
	lastErr           error
	watch             *location.Watch
	runCtx            context.Context
	runCancel         context.CancelFunc
	publishFailures   int
	counted           bool
	pendingDeactivate bool
}

func New(id Identity, provider location.Provider, pub *live.Publisher, cfg Config, m Metrics, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	sid := uuid.NewString()
	return &Session{
		ID:       sid,
		identity: id,
		sampler:  location.NewSampler(provider),
		pub:      pub,
		cfg:      cfg,
		metrics:  m,
		log:      logger.With("session", sid, "vehicle", id.VehicleID, "route", id.RouteID),
		state:    Idle,
	}
}

func (s *Session) Identity() Identity { return s.identity }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure that put the session in Error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:        s.ID,
		DriverID:  s.identity.DriverID,
		VehicleID: s.identity.VehicleID,
		RouteID:   s.identity.RouteID,
		State:     s.state.String(),
	}
	if !s.startedAt.IsZero() {
		snap.StartedAtMs = s.startedAt.UnixMilli()
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

// Start validates location access with a one-shot fix, publishes it, marks
// the driver online and begins continuous sampling. It returns once the first
// write has been accepted. Valid from Idle, and from Error as a retry.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if !(s.state == Idle || (s.state == Error && s.watch == nil)) {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: start while %s", ErrInvalidState, st)
	}
	s.state = RequestingPermission
	s.lastErr = nil
	s.mu.Unlock()
	s.log.Info("requesting location access")

	first, err := s.sampler.FetchOnce(ctx, s.cfg.Options)
	if err != nil {
		return s.failStart(ctx, err, false)
	}
	if err := s.publish(ctx, first); err != nil {
		return s.failStart(ctx, err, live.Landed(err))
	}
	if err := s.pub.SetDriverStatus(ctx, s.status(true)); err != nil {
		return s.failStart(ctx, err, true)
	}

	s.mu.Lock()
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	w, err := s.sampler.StartWatch(s.runCtx, s.cfg.Options, s.onSample, s.onProviderError)
	if err != nil {
		s.runCancel()
		s.state = Error
		s.lastErr = err
		s.pendingDeactivate = true
		s.mu.Unlock()
		s.report(err)
		return err
	}
	s.watch = w
	s.state = Tracking
	s.startedAt = time.Now()
	s.publishFailures = 0
	s.counted = true
	// the route is ours and active again; an earlier failed deactivation is moot
	s.pendingDeactivate = false
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SessionStarted()
	}
	s.log.Info("tracking started", "lat", first.Latitude, "lng", first.Longitude)
	return nil
}

// failStart moves a failed start to Error. published says whether a record
// reached the store, in which case it is deactivated again. A cancelled caller
// context is not a tracking failure and returns the session to Idle, unless a
// deactivation is still owed.
func (s *Session) failStart(ctx context.Context, err error, published bool) error {
	if published {
		s.bestEffortDeactivate()
	}
	cancelled := ctx.Err() != nil

	s.mu.Lock()
	if cancelled && !s.pendingDeactivate {
		s.state = Idle
		s.mu.Unlock()
		return err
	}
	s.state = Error
	s.lastErr = err
	s.mu.Unlock()
	if !cancelled {
		s.report(err)
	}
	return err
}

func (s *Session) bestEffortDeactivate() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.pub.Deactivate(ctx, s.identity.RouteID)
	s.mu.Lock()
	s.pendingDeactivate = !live.Landed(err)
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("deactivate after failed start", "err", err)
	}
}

// needsDeactivate reports whether the route may still be active in the store
// without a running watch.
func (s *Session) needsDeactivate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingDeactivate
}

func (s *Session) onSample(smp location.Sample) {
	s.mu.Lock()
	if s.watch == nil || s.watch.Stopped() {
		s.mu.Unlock()
		return
	}
	if s.state == Error {
		s.state = Tracking
		s.lastErr = nil
		s.log.Info("location recovered")
	}
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	err := s.publish(ctx, smp)
	if ctx.Err() != nil {
		// stopping
		return
	}

	s.mu.Lock()
	if err == nil {
		s.publishFailures = 0
		s.mu.Unlock()
		return
	}
	s.publishFailures++
	abort := s.cfg.MaxPublishFailures > 0 && s.publishFailures >= s.cfg.MaxPublishFailures
	var w *location.Watch
	if abort {
		w = s.watch
		s.watch = nil
		s.state = Error
		s.lastErr = err
		s.pendingDeactivate = true
		if s.runCancel != nil {
			s.runCancel()
		}
	}
	s.mu.Unlock()

	s.report(err)
	if abort {
		// called from the watch goroutine, so no waiting on Done here
		w.Stop()
		s.log.Error("tracking aborted after repeated publish failures", "failures", s.cfg.MaxPublishFailures)
		s.uncount()
	}
}

func (s *Session) onProviderError(err error) {
	s.mu.Lock()
	if s.watch == nil || s.watch.Stopped() {
		s.mu.Unlock()
		return
	}
	if s.state == Tracking {
		s.state = Error
	}
	s.lastErr = err
	s.mu.Unlock()
	s.report(err)
}

// Stop ends tracking: the watch is cancelled, the route deactivated and the
// driver left online but not tracking. From Error it also retries a failed
// deactivation, or just resets to Idle.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	w := s.watch
	switch {
	case (s.state == Tracking || s.state == Error) && w != nil:
	case s.state == Error:
		if !s.pendingDeactivate {
			s.state = Idle
			s.lastErr = nil
			s.mu.Unlock()
			return nil
		}
	default:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: stop while %s", ErrInvalidState, st)
	}
	s.watch = nil
	cancel := s.runCancel
	s.mu.Unlock()

	if w != nil {
		w.Stop()
		if cancel != nil {
			cancel()
		}
		// An in-flight tick must finish before the route is deactivated or it
		// could re-activate it. runCtx is cancelled, so this is bounded by the
		// provider honouring cancellation.
		<-w.Done()
	}

	var errs []error
	if err := s.pub.Deactivate(ctx, s.identity.RouteID); !live.Landed(err) {
		errs = append(errs, err)
	} else if err != nil {
		s.log.Warn("route deactivated but not announced", "err", err)
	}
	if err := s.pub.SetDriverStatus(ctx, s.status(false)); err != nil {
		errs = append(errs, err)
	}
	s.uncount()

	if err := errors.Join(errs...); err != nil {
		s.mu.Lock()
		s.state = Error
		s.lastErr = err
		s.pendingDeactivate = true
		s.mu.Unlock()
		s.report(err)
		return err
	}
	s.mu.Lock()
	s.state = Idle
	s.startedAt = time.Time{}
	s.lastErr = nil
	s.pendingDeactivate = false
	s.mu.Unlock()
	s.log.Info("tracking stopped")
	return nil
}

func (s *Session) publish(ctx context.Context, smp location.Sample) error {
	_, err := s.pub.Publish(ctx, live.Record{
		RouteID:   s.identity.RouteID,
		VehicleID: s.identity.VehicleID,
		Latest:    smp,
	})
	return err
}

func (s *Session) status(tracking bool) live.DriverStatus {
	return live.DriverStatus{
		DriverID:   s.identity.DriverID,
		VehicleID:  s.identity.VehicleID,
		RouteID:    s.identity.RouteID,
		IsOnline:   true,
		IsTracking: tracking,
	}
}

func (s *Session) uncount() {
	s.mu.Lock()
	counted := s.counted
	s.counted = false
	s.mu.Unlock()
	if counted && s.metrics != nil {
		s.metrics.SessionStopped()
	}
}

func (s *Session) report(err error) {
	kind := location.KindOf(err)
	s.log.Warn("tracking failure", "kind", kind.String(), "err", err)
	if s.metrics != nil {
		s.metrics.SessionFailed(kind.String())
	}
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}
