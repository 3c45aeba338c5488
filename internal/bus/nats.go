package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"livetrack/internal/live"
)

const (
	subjectPrefix   = "livetrack.route."
	subjectWildcard = subjectPrefix + "*"
)

// Metrics is implemented by the metrics collector; nil disables it.
type Metrics interface {
	BusPublishedInc()
	BusPublishErrInc()
	BusSetConnected(connected bool)
}

// Applier folds a changed record into a local index. *live.Engine is one.
type Applier interface {
	Apply(rec live.Record) bool
}

// Bus carries live record changes between processes sharing a store.
type Bus struct {
	nc          *nats.Conn
	logSubjects bool
	metrics     Metrics
	log         *slog.Logger
	sub         *nats.Subscription
}

func Connect(url string, logSubjects bool, m Metrics, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("livetrack"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.BusSetConnected(false)
			}
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.BusSetConnected(true)
			}
			logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.BusSetConnected(false)
			}
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	if m != nil {
		m.BusSetConnected(true)
	}
	return &Bus{nc: nc, logSubjects: logSubjects, metrics: m, log: logger}, nil
}

// Notify publishes rec on its route subject. It satisfies live.Notifier.
func (b *Bus) Notify(ctx context.Context, rec live.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject, payload, err := encode(rec)
	if err != nil {
		return err
	}
	if b.logSubjects {
		b.log.Debug("nats publish", "subject", subject)
	}
	err = b.nc.Publish(subject, payload)
	if b.metrics != nil {
		if err != nil {
			b.metrics.BusPublishErrInc()
		} else {
			b.metrics.BusPublishedInc()
		}
	}
	if err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe applies every record published on the bus to a.
func (b *Bus) Subscribe(a Applier) error {
	sub, err := b.nc.Subscribe(subjectWildcard, b.handler(a))
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	b.sub = sub
	return nil
}

func (b *Bus) handler(a Applier) nats.MsgHandler {
	return func(msg *nats.Msg) {
		rec, err := decode(msg.Data)
		if err != nil {
			b.log.Warn("drop malformed change", "subject", msg.Subject, "err", err)
			return
		}
		if msg.Subject != subject(rec.RouteID) {
			b.log.Warn("drop change on foreign subject", "subject", msg.Subject, "route", rec.RouteID)
			return
		}
		a.Apply(rec)
	}
}

func (b *Bus) Close() {
	if b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.log.Warn("nats drain", "err", err)
	}
	b.nc.Close()
}

func encode(rec live.Record) (string, []byte, error) {
	if rec.RouteID == "" {
		return "", nil, live.ErrMissingRoute
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", nil, err
	}
	return subject(rec.RouteID), payload, nil
}

func decode(data []byte) (live.Record, error) {
	var rec live.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return live.Record{}, err
	}
	if rec.RouteID == "" {
		return live.Record{}, live.ErrMissingRoute
	}
	return rec, nil
}

func subject(routeID string) string { return subjectPrefix + subjectToken(routeID) }

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
