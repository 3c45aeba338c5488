package metrics

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveSessions   prometheus.Gauge
	SessionsStarted  prometheus.Counter
	SessionsStopped  prometheus.Counter
	SessionFailures  *prometheus.CounterVec // kind label: unsupported|permission_denied|timeout|provider_failure|publish_failure
	SamplesPublished prometheus.Counter
	PublishErrs      prometheus.Counter
	PublishDuration  prometheus.Histogram

	Subscriptions prometheus.Gauge
	Notifications prometheus.Counter

	BusPublished prometheus.Counter
	BusErrs      prometheus.Counter
	BusConnected prometheus.Gauge

	FixTimeout prometheus.Gauge // seconds
}

func NewCollector(fixTimeout time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livetrack_active_sessions",
			Help: "Number of tracking sessions currently sharing location.",
		}),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livetrack_sessions_started_total",
			Help: "Total tracking sessions that reached the tracking state.",
		}),
		SessionsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livetrack_sessions_stopped_total",
			Help: "Total tracking sessions that left the tracking state.",
		}),
		SessionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livetrack_session_failures_total",
			Help: "Classified tracking failures.",
		}, []string{"kind"}),
		SamplesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livetrack_store_writes_total",
			Help: "Total live record writes accepted by the store.",
		}),
		PublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livetrack_store_write_errors_total",
			Help: "Total live record writes rejected by the store.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "livetrack_store_write_duration_seconds",
			Help:    "Duration of a live record write.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livetrack_subscriptions",
			Help: "Number of registered live query subscriptions.",
		}),
		Notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livetrack_notifications_total",
			Help: "Total subscription callbacks delivered.",
		}),
		BusPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livetrack_nats_published_total",
			Help: "Total change notifications published to NATS.",
		}),
		BusErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livetrack_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		BusConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livetrack_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		FixTimeout: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livetrack_fix_timeout_seconds",
			Help: "Configured one-shot fix timeout in seconds.",
		}),
	}

	reg.MustRegister(
		c.ActiveSessions, c.SessionsStarted, c.SessionsStopped, c.SessionFailures,
		c.SamplesPublished, c.PublishErrs, c.PublishDuration,
		c.Subscriptions, c.Notifications,
		c.BusPublished, c.BusErrs, c.BusConnected,
		c.FixTimeout,
	)

	c.FixTimeout.Set(fixTimeout.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address. A nil
// logger uses slog.Default().
func (c *Collector) Serve(addr string, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "addr", addr, "err", err)
		}
	}()
	logger.Info("metrics listening", "addr", addr)
	return srv
}

// live.PublisherMetrics

func (c *Collector) PublishedInc()                  { c.SamplesPublished.Inc() }
func (c *Collector) PublishErrInc()                 { c.PublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }

// live.EngineMetrics

func (c *Collector) SubscriptionsSet(n int)    { c.Subscriptions.Set(float64(n)) }
func (c *Collector) NotificationDeliveredInc() { c.Notifications.Inc() }

// bus.Metrics

func (c *Collector) BusPublishedInc()  { c.BusPublished.Inc() }
func (c *Collector) BusPublishErrInc() { c.BusErrs.Inc() }
func (c *Collector) BusSetConnected(b bool) {
	if b {
		c.BusConnected.Set(1)
	} else {
		c.BusConnected.Set(0)
	}
}

// session.Metrics

func (c *Collector) SessionStarted() {
	c.SessionsStarted.Inc()
	c.ActiveSessions.Inc()
}

func (c *Collector) SessionStopped() {
	c.SessionsStopped.Inc()
	c.ActiveSessions.Dec()
}

func (c *Collector) SessionFailed(kind string) { c.SessionFailures.WithLabelValues(kind).Inc() }
