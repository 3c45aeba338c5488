package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"livetrack/internal/live"
	"livetrack/internal/location"
)

var (
	ErrInvalidIdentity = errors.New("session: invalid identity")
	ErrRouteBusy       = errors.New("session: route is tracked by another vehicle")
	ErrVehicleBusy     = errors.New("session: vehicle is tracking another route")
	ErrNotFound        = errors.New("session: not found")
)

// ProviderFactory builds the location source for a session.
type ProviderFactory func(Identity) (location.Provider, error)

// Manager runs one session per vehicle and keeps every route owned by at most
// one vehicle at a time.
type Manager struct {
	pub       *live.Publisher
	providers ProviderFactory
	cfg       Config
	metrics   Metrics
	log       *slog.Logger
	validate  *validator.Validate

	mu       sync.Mutex
	sessions map[string]*Session // vehicleID -> session
	routes   map[string]string   // routeID -> vehicleID
}

func NewManager(pub *live.Publisher, providers ProviderFactory, cfg Config, m Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		pub:       pub,
		providers: providers,
		cfg:       cfg,
		metrics:   m,
		log:       logger,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		sessions:  make(map[string]*Session),
		routes:    make(map[string]string),
	}
}

// Start begins tracking for id. A vehicle whose previous session ended in
// Error on the same route retries that session. A failed start releases the
// vehicle and route unless the route could not be deactivated again.
func (m *Manager) Start(ctx context.Context, id Identity) (*Session, error) {
	if err := m.validate.Struct(id); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidIdentity, err)
	}

	m.mu.Lock()
	sess, exists := m.sessions[id.VehicleID]
	if exists && sess.Identity() != id {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s on %s", ErrVehicleBusy, id.VehicleID, sess.Identity().RouteID)
	}
	if owner, ok := m.routes[id.RouteID]; ok && owner != id.VehicleID {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s held by %s", ErrRouteBusy, id.RouteID, owner)
	}
	if !exists {
		provider, err := m.providers(id)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		sess = New(id, provider, m.pub, m.cfg, m.metrics, m.log)
		m.sessions[id.VehicleID] = sess
		m.routes[id.RouteID] = id.VehicleID
	}
	m.mu.Unlock()

	if err := sess.Start(ctx); err != nil {
		// a session that still owes a deactivation stays registered so Stop
		// can retry it
		if !errors.Is(err, ErrInvalidState) && !sess.needsDeactivate() {
			m.release(sess)
		}
		return sess, err
	}
	return sess, nil
}

// Stop ends the session for vehicleID. The session is forgotten once it is
// back in Idle; a failed deactivation keeps it registered for a retry.
func (m *Manager) Stop(ctx context.Context, vehicleID string) error {
	sess, ok := m.Get(vehicleID)
	if !ok {
		return ErrNotFound
	}
	err := sess.Stop(ctx)
	if sess.State() == Idle {
		m.release(sess)
	}
	return err
}

func (m *Manager) Get(vehicleID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[vehicleID]
	return sess, ok
}

// List returns snapshots of all registered sessions ordered by vehicle id.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot())
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b Snapshot) int { return strings.Compare(a.VehicleID, b.VehicleID) })
	return out
}

// StopAll stops every running session concurrently and waits for them.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Stop(ctx, s.Identity().VehicleID); err != nil && !errors.Is(err, ErrInvalidState) {
				m.log.Warn("stop session", "vehicle", s.Identity().VehicleID, "err", err)
			}
		}()
	}
	wg.Wait()
}

func (m *Manager) release(sess *Session) {
	id := sess.Identity()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[id.VehicleID] == sess {
		delete(m.sessions, id.VehicleID)
	}
	if m.routes[id.RouteID] == id.VehicleID {
		delete(m.routes, id.RouteID)
	}
}
