package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livetrack/internal/live"
	"livetrack/internal/location"
)

func newTestManager(store live.Store, providers ProviderFactory) *Manager {
	return NewManager(live.NewPublisher(store, nil, nil, nil), providers, Config{}, nil, nil)
}

func okProviders(Identity) (location.Provider, error) { return newFakeProvider(1, 2), nil }

func TestManagerRouteExclusivity(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(live.NewMemoryStore(), okProviders)

	_, err := m.Start(ctx, Identity{DriverID: "D1", VehicleID: "V1", RouteID: "R1"})
	require.NoError(t, err)

	_, err = m.Start(ctx, Identity{DriverID: "D2", VehicleID: "V2", RouteID: "R1"})
	require.ErrorIs(t, err, ErrRouteBusy)

	_, err = m.Start(ctx, Identity{DriverID: "D1", VehicleID: "V1", RouteID: "R2"})
	require.ErrorIs(t, err, ErrVehicleBusy)

	// same identity again is a start on a running session
	_, err = m.Start(ctx, Identity{DriverID: "D1", VehicleID: "V1", RouteID: "R1"})
	require.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, m.Stop(ctx, "V1"))
	_, ok := m.Get("V1")
	assert.False(t, ok)

	sess, err := m.Start(ctx, Identity{DriverID: "D2", VehicleID: "V2", RouteID: "R1"})
	require.NoError(t, err)
	assert.Equal(t, Tracking, sess.State())
	m.StopAll(ctx)
	assert.Empty(t, m.List())
}

func TestManagerValidatesIdentity(t *testing.T) {
	m := newTestManager(live.NewMemoryStore(), okProviders)
	_, err := m.Start(context.Background(), Identity{DriverID: "D1", VehicleID: "V1"})
	require.ErrorIs(t, err, ErrInvalidIdentity)
	assert.Contains(t, err.Error(), "RouteID")
	assert.Empty(t, m.List())
}

func TestManagerReleasesFailedStart(t *testing.T) {
	ctx := context.Background()
	denied := &location.Error{Kind: location.KindPermissionDenied, Op: "provider"}
	m := newTestManager(live.NewMemoryStore(), func(id Identity) (location.Provider, error) {
		p := newFakeProvider(1, 2)
		if id.VehicleID == "V1" {
			p.setErr(denied)
		}
		return p, nil
	})

	_, err := m.Start(ctx, Identity{DriverID: "D1", VehicleID: "V1", RouteID: "R1"})
	require.ErrorIs(t, err, location.ErrPermissionDenied)
	assert.Empty(t, m.List())

	_, err = m.Start(ctx, Identity{DriverID: "D2", VehicleID: "V2", RouteID: "R1"})
	require.NoError(t, err)
	m.StopAll(ctx)
}

func TestManagerProviderFactoryError(t *testing.T) {
	boom := errors.New("no gps on this vehicle")
	m := newTestManager(live.NewMemoryStore(), func(Identity) (location.Provider, error) { return nil, boom })
	_, err := m.Start(context.Background(), ident)
	require.ErrorIs(t, err, boom)
	assert.Empty(t, m.List())
}

func TestManagerListSorted(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(live.NewMemoryStore(), okProviders)
	for _, id := range []Identity{
		{DriverID: "D3", VehicleID: "V3", RouteID: "R3"},
		{DriverID: "D1", VehicleID: "V1", RouteID: "R1"},
		{DriverID: "D2", VehicleID: "V2", RouteID: "R2"},
	} {
		_, err := m.Start(ctx, id)
		require.NoError(t, err)
	}
	list := m.List()
	require.Len(t, list, 3)
	assert.Equal(t, "V1", list[0].VehicleID)
	assert.Equal(t, "V3", list[2].VehicleID)
	assert.Equal(t, "tracking", list[1].State)
	assert.NotZero(t, list[1].StartedAtMs)

	require.ErrorIs(t, m.Stop(ctx, "V9"), ErrNotFound)
	m.StopAll(ctx)
	assert.Empty(t, m.List())
}
