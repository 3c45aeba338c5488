package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"livetrack/internal/feed"
	"livetrack/internal/live"
	"livetrack/internal/location"
	"livetrack/internal/session"
)

const writeWait = 5 * time.Second

type Server struct {
	App      *fiber.App
	engine   *live.Engine
	sessions *session.Manager
	log      *slog.Logger
}

// New builds the observer and control API. sessions may be nil, in which case
// the /sessions routes are not registered.
func New(engine *live.Engine, sessions *session.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})
	app.Use(recover.New())

	s := &Server{App: app, engine: engine, sessions: sessions, log: logger}
	s.registerRoutes()
	return s
}

func (s *Server) Listen(addr string) error {
	s.log.Info("http listening", "addr", addr)
	return s.App.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.App.ShutdownWithContext(ctx) }

func (s *Server) registerRoutes() {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	s.App.Get("/routes/:routeID/live", s.routeLive)
	s.App.Get("/fleet/live", s.fleetLive)
	s.App.Get("/fleet/gtfs-rt", s.fleetFeed)

	stream := s.App.Group("/stream")
	stream.Get("/routes/:routeID", websocket.New(s.streamRoute))
	stream.Get("/fleet", websocket.New(s.streamFleet))

	if s.sessions != nil {
		g := s.App.Group("/sessions")
		g.Post("/", s.startSession)
		g.Get("/", s.listSessions)
		g.Get("/:vehicleID", s.getSession)
		g.Post("/:vehicleID/stop", s.stopSession)
	}
}

func (s *Server) routeLive(c *fiber.Ctx) error {
	rec, ok := s.engine.Route(c.Params("routeID"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "no active vehicle on route")
	}
	return c.JSON(rec)
}

func (s *Server) fleetLive(c *fiber.Ctx) error {
	return c.JSON(s.engine.Fleet())
}

func (s *Server) fleetFeed(c *fiber.Ctx) error {
	recs := s.engine.Fleet()
	if c.Query("format") == "json" {
		b, err := feed.MarshalJSON(recs, time.Now())
		if err != nil {
			return err
		}
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Send(b)
	}
	b, err := feed.Marshal(recs, time.Now())
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, "application/x-protobuf")
	return c.Send(b)
}

func (s *Server) startSession(c *fiber.Ctx) error {
	var id session.Identity
	if err := c.BodyParser(&id); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	sess, err := s.sessions.Start(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(sess.Snapshot())
}

func (s *Server) listSessions(c *fiber.Ctx) error {
	return c.JSON(s.sessions.List())
}

func (s *Server) getSession(c *fiber.Ctx) error {
	sess, ok := s.sessions.Get(c.Params("vehicleID"))
	if !ok {
		return session.ErrNotFound
	}
	return c.JSON(sess.Snapshot())
}

func (s *Server) stopSession(c *fiber.Ctx) error {
	vehicleID := c.Params("vehicleID")
	sess, ok := s.sessions.Get(vehicleID)
	if !ok {
		return session.ErrNotFound
	}
	if err := s.sessions.Stop(c.UserContext(), vehicleID); err != nil {
		return err
	}
	return c.JSON(sess.Snapshot())
}

type routeMessage struct {
	RouteID string       `json:"routeId"`
	Record  *live.Record `json:"record"`
}

type fleetMessage struct {
	Records []live.Record `json:"records"`
}

func (s *Server) streamRoute(c *websocket.Conn) {
	routeID := c.Params("routeID")
	sub := s.engine.SubscribeRoute(routeID, func(rec *live.Record) {
		writeJSON(c, routeMessage{RouteID: routeID, Record: rec})
	})
	s.serveStream(c, sub)
}

func (s *Server) streamFleet(c *websocket.Conn) {
	sub := s.engine.SubscribeFleet(func(recs []live.Record) {
		writeJSON(c, fleetMessage{Records: recs})
	})
	s.serveStream(c, sub)
}

// serveStream blocks until the client goes away, then releases sub.
func (s *Server) serveStream(c *websocket.Conn, sub *live.Subscription) {
	s.log.Debug("stream opened", "subscription", sub.ID, "route", sub.RouteID())
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}
	sub.Close()
	s.log.Debug("stream closed", "subscription", sub.ID)
}

// writeJSON sends v, closing the connection on failure so the read loop in
// serveStream ends.
func writeJSON(c *websocket.Conn, v any) {
	_ = c.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.WriteJSON(v); err != nil {
		_ = c.Close()
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, session.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, session.ErrInvalidIdentity):
		return fiber.StatusBadRequest
	case errors.Is(err, session.ErrRouteBusy),
		errors.Is(err, session.ErrVehicleBusy),
		errors.Is(err, session.ErrInvalidState):
		return fiber.StatusConflict
	}
	switch location.KindOf(err) {
	case location.KindPermissionDenied:
		return fiber.StatusForbidden
	case location.KindUnsupported:
		return fiber.StatusUnprocessableEntity
	case location.KindTimeout:
		return fiber.StatusGatewayTimeout
	case location.KindProviderFailure:
		return fiber.StatusBadGateway
	case location.KindPublishFailure:
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}
