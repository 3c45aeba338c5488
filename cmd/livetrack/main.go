package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"livetrack/internal/bus"
	"livetrack/internal/config"
	"livetrack/internal/db"
	"livetrack/internal/live"
	"livetrack/internal/location"
	"livetrack/internal/metrics"
	"livetrack/internal/server"
	"livetrack/internal/session"
	"livetrack/internal/simulate"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("exit", "err", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	mcol := metrics.NewCollector(cfg.FixTimeout)

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	engine := live.NewEngine(mcol, logger)
	notifiers := live.Notifiers{engine}

	if cfg.NATSURL != "" {
		b, err := bus.Connect(cfg.NATSURL, cfg.LogNATSSubjects, mcol, logger)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer b.Close()
		if err := b.Subscribe(engine); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		notifiers = append(notifiers, b)
	}

	if err := engine.Load(ctx, store); err != nil {
		return fmt.Errorf("load live records: %w", err)
	}

	pub := live.NewPublisher(store, notifiers, mcol, logger)

	var routes *simulate.File
	if cfg.RoutesFile != "" {
		if routes, err = simulate.Load(cfg.RoutesFile); err != nil {
			return fmt.Errorf("routes file: %w", err)
		}
		logger.Info("loaded routes", "file", cfg.RoutesFile, "vehicles", len(routes.Vehicles))
	}
	providers := func(id session.Identity) (location.Provider, error) {
		if routes == nil {
			return nil, &location.Error{Kind: location.KindUnsupported, Op: "provider", Err: errors.New("no routes file configured")}
		}
		return routes.Factory(id.VehicleID)
	}

	mgr := session.NewManager(pub, providers, session.Config{
		Options: location.Options{
			HighAccuracy: cfg.HighAccuracy,
			Timeout:      cfg.FixTimeout,
			MaxCacheAge:  cfg.FixMaxAge,
		},
		MaxPublishFailures: cfg.MaxPublishFailures,
	}, mcol, logger)

	if cfg.Autostart && routes != nil {
		for _, v := range routes.Vehicles {
			id := session.Identity{DriverID: v.DriverID, VehicleID: v.VehicleID, RouteID: v.RouteID}
			if _, err := mgr.Start(ctx, id); err != nil {
				logger.Warn("autostart session", "vehicle", v.VehicleID, "route", v.RouteID, "err", err)
			}
		}
	}

	srv := server.New(engine, mgr, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Listen(cfg.HTTPAddr) })
	if cfg.MetricsAddr != "" {
		msrv := mcol.Serve(cfg.MetricsAddr, logger)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return msrv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Sessions go first so their routes are deactivated while the
		// store and bus are still up.
		mgr.StopAll(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (live.Store, func(), error) {
	switch cfg.StoreBackend {
	case "redis":
		rdb := db.ConnectRedis(cfg.RedisAddr, cfg.RedisPassword)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		logger.Info("using redis store", "addr", cfg.RedisAddr)
		return db.NewRedisStore(rdb), func() { _ = rdb.Close() }, nil
	case "postgres":
		pool, err := db.ConnectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		st := db.NewPostgresStore(pool)
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres migrate: %w", err)
		}
		logger.Info("using postgres store")
		return st, pool.Close, nil
	default:
		logger.Info("using in-memory store")
		return live.NewMemoryStore(), func() {}, nil
	}
}
