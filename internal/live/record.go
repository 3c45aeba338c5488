package live

import (
	"context"
	"errors"

	"livetrack/internal/location"
)

// Record is the live location of the vehicle serving a route. There is at
// most one Record per RouteID.
type Record struct {
	RouteID     string          `json:"routeId"`
	VehicleID   string          `json:"vehicleId"`
	Latest      location.Sample `json:"latest"`
	IsActive    bool            `json:"isActive"`
	StoppedAtMs int64           `json:"stoppedAtMs,omitempty"`
	UpdatedAtMs int64           `json:"updatedAtMs"`
}

// DriverStatus tracks whether a driver is signed in and whether they are
// currently sharing location. The two flags are independent.
type DriverStatus struct {
	DriverID    string `json:"driverId"`
	VehicleID   string `json:"vehicleId"`
	RouteID     string `json:"routeId"`
	IsOnline    bool   `json:"isOnline"`
	IsTracking  bool   `json:"isTracking"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
}

var (
	ErrNotFound     = errors.New("live: record not found")
	ErrMissingRoute = errors.New("live: route id is required")
	// ErrNotify marks a failure that happened after the store write landed.
	ErrNotify = errors.New("live: notify failed")
)

// Store is the shared store behind the publisher.
//
// Upsert merges rec into the record for rec.RouteID, creating it when absent.
// An empty VehicleID keeps the stored one. Deactivate clears IsActive and sets
// StoppedAtMs, leaving the sample untouched. Both return the stored result.
// Get and Deactivate return ErrNotFound for unknown routes.
type Store interface {
	Upsert(ctx context.Context, rec Record) (Record, error)
	Deactivate(ctx context.Context, routeID string, atMs int64) (Record, error)
	Get(ctx context.Context, routeID string) (Record, error)
	Active(ctx context.Context) ([]Record, error)
	SetDriverStatus(ctx context.Context, st DriverStatus) error
	DriverStatus(ctx context.Context, driverID string) (DriverStatus, error)
}

// Notifier receives every record after it has been written.
type Notifier interface {
	Notify(ctx context.Context, rec Record) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, rec Record) error

func (f NotifierFunc) Notify(ctx context.Context, rec Record) error { return f(ctx, rec) }

// Notifiers fans a record out to several notifiers, returning the first error.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, rec Record) error {
	var first error
	for _, n := range ns {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}
