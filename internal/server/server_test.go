package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"

	"livetrack/internal/geo"
	"livetrack/internal/live"
	"livetrack/internal/location"
	"livetrack/internal/session"
	"livetrack/internal/simulate"
)

func active(route, vehicle string, ts int64) live.Record {
	return live.Record{
		RouteID:     route,
		VehicleID:   vehicle,
		Latest:      location.Sample{Latitude: -6.2, Longitude: 106.8, SpeedKmh: 36, TimestampMs: ts},
		IsActive:    true,
		UpdatedAtMs: ts,
	}
}

func newTestServer(t *testing.T) (*Server, *live.Engine) {
	t.Helper()
	engine := live.NewEngine(nil, nil)
	pub := live.NewPublisher(live.NewMemoryStore(), engine, nil, nil)
	providers := func(id session.Identity) (location.Provider, error) {
		return simulate.NewProvider(simulate.Vehicle{
			DriverID:   id.DriverID,
			VehicleID:  id.VehicleID,
			RouteID:    id.RouteID,
			Waypoints:  []geo.Point{{Lat: -6.2, Lng: 106.8}, {Lat: -6.21, Lng: 106.81}},
			SpeedKmh:   30,
			IntervalMs: int(time.Hour / time.Millisecond),
			Seed:       1,
		}), nil
	}
	mgr := session.NewManager(pub, providers, session.Config{}, nil, nil)
	t.Cleanup(func() { mgr.StopAll(t.Context()) })
	return New(engine, mgr, nil), engine
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp, out
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	resp, _ := doJSON(t, s.App, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}
}

func TestRouteAndFleetLive(t *testing.T) {
	s, engine := newTestServer(t)

	resp, _ := doJSON(t, s.App, http.MethodGet, "/routes/R1/live", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for inactive route, got %d", resp.StatusCode)
	}

	engine.Apply(active("R1", "V1", 1000))
	engine.Apply(active("R2", "V2", 2000))

	resp, body := doJSON(t, s.App, http.MethodGet, "/routes/R1/live", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("route live status %d", resp.StatusCode)
	}
	var rec live.Record
	if err := json.Unmarshal(body, &rec); err != nil || rec.VehicleID != "V1" {
		t.Fatalf("route live body %s: %v", body, err)
	}

	resp, body = doJSON(t, s.App, http.MethodGet, "/fleet/live", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fleet status %d", resp.StatusCode)
	}
	var recs []live.Record
	if err := json.Unmarshal(body, &recs); err != nil {
		t.Fatalf("fleet body: %v", err)
	}
	if len(recs) != 2 || recs[0].RouteID != "R2" {
		t.Fatalf("unexpected fleet order: %s", body)
	}
}

func TestFleetFeed(t *testing.T) {
	s, engine := newTestServer(t)
	engine.Apply(active("R1", "V1", 1000))

	resp, body := doJSON(t, s.App, http.MethodGet, "/fleet/gtfs-rt", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("feed status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-protobuf" {
		t.Fatalf("content type %q", ct)
	}
	var fm gtfsrtpb.FeedMessage
	if err := proto.Unmarshal(body, &fm); err != nil {
		t.Fatalf("unmarshal feed: %v", err)
	}
	if len(fm.GetEntity()) != 1 || fm.GetEntity()[0].GetVehicle().GetVehicle().GetId() != "V1" {
		t.Fatalf("unexpected feed: %v", &fm)
	}

	resp, body = doJSON(t, s.App, http.MethodGet, "/fleet/gtfs-rt?format=json", nil)
	if resp.StatusCode != http.StatusOK || !json.Valid(body) {
		t.Fatalf("json feed status %d body %s", resp.StatusCode, body)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s, engine := newTestServer(t)
	id := session.Identity{DriverID: "D1", VehicleID: "V1", RouteID: "R1"}

	resp, body := doJSON(t, s.App, http.MethodPost, "/sessions", id)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d body %s", resp.StatusCode, body)
	}
	var snap session.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil || snap.State != "tracking" || snap.ID == "" {
		t.Fatalf("start body %s: %v", body, err)
	}
	if _, ok := engine.Route("R1"); !ok {
		t.Fatalf("route not live after start")
	}

	resp, _ = doJSON(t, s.App, http.MethodPost, "/sessions", session.Identity{DriverID: "D2", VehicleID: "V2", RouteID: "R1"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for busy route, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, s.App, http.MethodPost, "/sessions", session.Identity{DriverID: "D3"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for incomplete identity, got %d", resp.StatusCode)
	}

	resp, body = doJSON(t, s.App, http.MethodGet, "/sessions", nil)
	var list []session.Snapshot
	if err := json.Unmarshal(body, &list); err != nil || resp.StatusCode != http.StatusOK || len(list) != 1 {
		t.Fatalf("list status %d body %s", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, s.App, http.MethodGet, "/sessions/V1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status %d", resp.StatusCode)
	}

	resp, body = doJSON(t, s.App, http.MethodPost, "/sessions/V1/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status %d body %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &snap); err != nil || snap.State != "idle" {
		t.Fatalf("stop body %s", body)
	}
	if _, ok := engine.Route("R1"); ok {
		t.Fatalf("route still live after stop")
	}

	resp, _ = doJSON(t, s.App, http.MethodPost, "/sessions/V1/stop", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 stopping unknown session, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, s.App, http.MethodGet, "/sessions/V1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for released session, got %d", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fiber.NewError(fiber.StatusTeapot, "x"), fiber.StatusTeapot},
		{session.ErrNotFound, fiber.StatusNotFound},
		{session.ErrRouteBusy, fiber.StatusConflict},
		{session.ErrInvalidState, fiber.StatusConflict},
		{location.ErrPermissionDenied, fiber.StatusForbidden},
		{location.ErrUnsupported, fiber.StatusUnprocessableEntity},
		{location.ErrTimeout, fiber.StatusGatewayTimeout},
		{location.ErrProviderFailure, fiber.StatusBadGateway},
		{location.ErrPublishFailure, fiber.StatusServiceUnavailable},
		{errors.New("boom"), fiber.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Fatalf("statusFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestStreamUpgradeRequired(t *testing.T) {
	s, _ := newTestServer(t)
	resp, _ := doJSON(t, s.App, http.MethodGet, "/stream/routes/R1", nil)
	if resp.StatusCode == http.StatusOK {
		t.Fatalf("expected non-200 for non-websocket request")
	}
}

func listen(t *testing.T, s *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	go func() {
		_ = s.App.Listener(ln)
	}()
	t.Cleanup(func() { _ = s.App.Shutdown() })
	return "ws://" + ln.Addr().String()
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(v); err != nil {
		t.Fatalf("read error: %v", err)
	}
}

func TestStreamRoute(t *testing.T) {
	s, engine := newTestServer(t)
	base := listen(t, s)

	conn, _, err := websocket.DefaultDialer.Dial(base+"/stream/routes/R1", nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close()

	var msg routeMessage
	readJSON(t, conn, &msg)
	if msg.RouteID != "R1" || msg.Record != nil {
		t.Fatalf("initial message = %+v", msg)
	}

	engine.Apply(active("R1", "V1", 1000))
	readJSON(t, conn, &msg)
	if msg.Record == nil || msg.Record.VehicleID != "V1" {
		t.Fatalf("update message = %+v", msg)
	}
}

func TestStreamFleet(t *testing.T) {
	s, engine := newTestServer(t)
	engine.Apply(active("R1", "V1", 1000))
	base := listen(t, s)

	conn, _, err := websocket.DefaultDialer.Dial(base+"/stream/fleet", nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}

	var msg fleetMessage
	readJSON(t, conn, &msg)
	if len(msg.Records) != 1 {
		t.Fatalf("initial fleet = %+v", msg)
	}

	engine.Apply(active("R2", "V2", 2000))
	readJSON(t, conn, &msg)
	if len(msg.Records) != 2 || msg.Records[0].RouteID != "R2" {
		t.Fatalf("fleet update = %+v", msg)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	conn.Close()
	engine.Apply(active("R3", "V3", 3000))
	time.Sleep(20 * time.Millisecond)
}
