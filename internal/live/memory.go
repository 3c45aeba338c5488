package live

import (
	"context"
	"sync"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	drivers map[string]DriverStatus
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		drivers: make(map[string]DriverStatus),
	}
}

func (m *MemoryStore) Upsert(_ context.Context, rec Record) (Record, error) {
	if rec.RouteID == "" {
		return Record{}, ErrMissingRoute
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.records[rec.RouteID]; ok && rec.VehicleID == "" {
		rec.VehicleID = cur.VehicleID
	}
	m.records[rec.RouteID] = rec
	return rec, nil
}

func (m *MemoryStore) Deactivate(_ context.Context, routeID string, atMs int64) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[routeID]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.IsActive = false
	rec.StoppedAtMs = atMs
	rec.UpdatedAtMs = atMs
	m.records[routeID] = rec
	return rec, nil
}

func (m *MemoryStore) Get(_ context.Context, routeID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[routeID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) Active(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		if rec.IsActive {
			out = append(out, rec)
		}
	}
	SortByRecency(out)
	return out, nil
}

func (m *MemoryStore) SetDriverStatus(_ context.Context, st DriverStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[st.DriverID] = st
	return nil
}

func (m *MemoryStore) DriverStatus(_ context.Context, driverID string) (DriverStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.drivers[driverID]
	if !ok {
		return DriverStatus{}, ErrNotFound
	}
	return st, nil
}
