package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"livetrack/internal/live"
	"livetrack/internal/location"
)

var (
	newPoolFn  = pgxpool.NewWithConfig
	pingPoolFn = func(ctx context.Context, p *pgxpool.Pool) error { return p.Ping(ctx) }
)

// ConnectPostgres opens a pool and verifies it with a ping.
func ConnectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := newPoolFn(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pingPoolFn(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS live_locations (
		route_id      TEXT PRIMARY KEY,
		vehicle_id    TEXT NOT NULL DEFAULT '',
		latitude      DOUBLE PRECISION NOT NULL,
		longitude     DOUBLE PRECISION NOT NULL,
		speed_kmh     DOUBLE PRECISION NOT NULL DEFAULT 0,
		heading_deg   DOUBLE PRECISION NOT NULL DEFAULT 0,
		accuracy_m    DOUBLE PRECISION NOT NULL DEFAULT 0,
		sample_ts_ms  BIGINT NOT NULL,
		is_active     BOOLEAN NOT NULL,
		stopped_at_ms BIGINT NOT NULL DEFAULT 0,
		updated_at_ms BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS live_locations_active_idx
		ON live_locations (sample_ts_ms DESC, route_id) WHERE is_active`,
	`CREATE TABLE IF NOT EXISTS driver_status (
		driver_id     TEXT PRIMARY KEY,
		vehicle_id    TEXT NOT NULL DEFAULT '',
		route_id      TEXT NOT NULL DEFAULT '',
		is_online     BOOLEAN NOT NULL,
		is_tracking   BOOLEAN NOT NULL,
		updated_at_ms BIGINT NOT NULL
	)`,
}

const recordCols = `route_id, vehicle_id, latitude, longitude, speed_kmh, heading_deg, accuracy_m, sample_ts_ms, is_active, stopped_at_ms, updated_at_ms`

// PostgresStore keeps live records in the live_locations table, one row per
// route.
type PostgresStore struct {
	db Querier
}

func NewPostgresStore(q Querier) *PostgresStore { return &PostgresStore{db: q} }

// Migrate creates the tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rec live.Record) (live.Record, error) {
	q := `
INSERT INTO live_locations (` + recordCols + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (route_id) DO UPDATE SET
	vehicle_id    = COALESCE(NULLIF(EXCLUDED.vehicle_id, ''), live_locations.vehicle_id),
	latitude      = EXCLUDED.latitude,
	longitude     = EXCLUDED.longitude,
	speed_kmh     = EXCLUDED.speed_kmh,
	heading_deg   = EXCLUDED.heading_deg,
	accuracy_m    = EXCLUDED.accuracy_m,
	sample_ts_ms  = EXCLUDED.sample_ts_ms,
	is_active     = EXCLUDED.is_active,
	stopped_at_ms = EXCLUDED.stopped_at_ms,
	updated_at_ms = EXCLUDED.updated_at_ms
RETURNING ` + recordCols
	smp := rec.Latest
	row := s.db.QueryRow(ctx, q,
		rec.RouteID, rec.VehicleID,
		smp.Latitude, smp.Longitude, smp.SpeedKmh, smp.HeadingDeg, smp.AccuracyM, smp.TimestampMs,
		rec.IsActive, rec.StoppedAtMs, rec.UpdatedAtMs,
	)
	out, err := scanRecord(row)
	if err != nil {
		return live.Record{}, fmt.Errorf("upsert live location %s: %w", rec.RouteID, err)
	}
	return out, nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, routeID string, atMs int64) (live.Record, error) {
	row := s.db.QueryRow(ctx, `
UPDATE live_locations
SET is_active = FALSE, stopped_at_ms = $2, updated_at_ms = $2
WHERE route_id = $1
RETURNING `+recordCols, routeID, atMs)
	out, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return live.Record{}, live.ErrNotFound
	}
	if err != nil {
		return live.Record{}, fmt.Errorf("deactivate live location %s: %w", routeID, err)
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, routeID string) (live.Record, error) {
	row := s.db.QueryRow(ctx, `SELECT `+recordCols+` FROM live_locations WHERE route_id = $1`, routeID)
	out, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return live.Record{}, live.ErrNotFound
	}
	if err != nil {
		return live.Record{}, fmt.Errorf("get live location %s: %w", routeID, err)
	}
	return out, nil
}

func (s *PostgresStore) Active(ctx context.Context) ([]live.Record, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+recordCols+`
FROM live_locations
WHERE is_active
ORDER BY sample_ts_ms DESC, route_id`)
	if err != nil {
		return nil, fmt.Errorf("query active locations: %w", err)
	}
	defer rows.Close()

	var out []live.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) SetDriverStatus(ctx context.Context, st live.DriverStatus) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO driver_status (driver_id, vehicle_id, route_id, is_online, is_tracking, updated_at_ms)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (driver_id) DO UPDATE SET
	vehicle_id    = EXCLUDED.vehicle_id,
	route_id      = EXCLUDED.route_id,
	is_online     = EXCLUDED.is_online,
	is_tracking   = EXCLUDED.is_tracking,
	updated_at_ms = EXCLUDED.updated_at_ms`,
		st.DriverID, st.VehicleID, st.RouteID, st.IsOnline, st.IsTracking, st.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("set driver status %s: %w", st.DriverID, err)
	}
	return nil
}

func (s *PostgresStore) DriverStatus(ctx context.Context, driverID string) (live.DriverStatus, error) {
	var st live.DriverStatus
	err := s.db.QueryRow(ctx, `
SELECT driver_id, vehicle_id, route_id, is_online, is_tracking, updated_at_ms
FROM driver_status WHERE driver_id = $1`, driverID).
		Scan(&st.DriverID, &st.VehicleID, &st.RouteID, &st.IsOnline, &st.IsTracking, &st.UpdatedAtMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return live.DriverStatus{}, live.ErrNotFound
	}
	if err != nil {
		return live.DriverStatus{}, fmt.Errorf("get driver status %s: %w", driverID, err)
	}
	return st, nil
}

func scanRecord(row pgx.Row) (live.Record, error) {
	var rec live.Record
	var smp location.Sample
	err := row.Scan(
		&rec.RouteID, &rec.VehicleID,
		&smp.Latitude, &smp.Longitude, &smp.SpeedKmh, &smp.HeadingDeg, &smp.AccuracyM, &smp.TimestampMs,
		&rec.IsActive, &rec.StoppedAtMs, &rec.UpdatedAtMs,
	)
	rec.Latest = smp
	return rec, err
}
