package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"livetrack/internal/live"
	"livetrack/internal/location"
)

// ConnectRedis returns nil when addr is empty.
func ConnectRedis(addr, password string) *redis.Client {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
}

const activeRoutesKey = "live:routes:active"

func routeKey(routeID string) string   { return "live:route:" + routeID }
func driverKey(driverID string) string { return "live:driver:" + driverID }

// redisRecord is the hash layout of a live record.
type redisRecord struct {
	RouteID     string  `redis:"routeId"`
	VehicleID   string  `redis:"vehicleId"`
	Latitude    float64 `redis:"lat"`
	Longitude   float64 `redis:"lng"`
	SpeedKmh    float64 `redis:"speedKmh"`
	HeadingDeg  float64 `redis:"headingDeg"`
	AccuracyM   float64 `redis:"accuracyM"`
	TimestampMs int64   `redis:"timestampMs"`
	IsActive    bool    `redis:"isActive"`
	StoppedAtMs int64   `redis:"stoppedAtMs"`
	UpdatedAtMs int64   `redis:"updatedAtMs"`
}

func (r redisRecord) record() live.Record {
	return live.Record{
		RouteID:   r.RouteID,
		VehicleID: r.VehicleID,
		Latest: location.Sample{
			Latitude:    r.Latitude,
			Longitude:   r.Longitude,
			SpeedKmh:    r.SpeedKmh,
			HeadingDeg:  r.HeadingDeg,
			AccuracyM:   r.AccuracyM,
			TimestampMs: r.TimestampMs,
		},
		IsActive:    r.IsActive,
		StoppedAtMs: r.StoppedAtMs,
		UpdatedAtMs: r.UpdatedAtMs,
	}
}

type redisDriver struct {
	DriverID    string `redis:"driverId"`
	VehicleID   string `redis:"vehicleId"`
	RouteID     string `redis:"routeId"`
	IsOnline    bool   `redis:"isOnline"`
	IsTracking  bool   `redis:"isTracking"`
	UpdatedAtMs int64  `redis:"updatedAtMs"`
}

// RedisStore keeps one hash per route plus a set of active route ids.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore { return &RedisStore{rdb: rdb} }

func (s *RedisStore) Upsert(ctx context.Context, rec live.Record) (live.Record, error) {
	key := routeKey(rec.RouteID)
	smp := rec.Latest
	fields := map[string]any{
		"routeId":     rec.RouteID,
		"lat":         smp.Latitude,
		"lng":         smp.Longitude,
		"speedKmh":    smp.SpeedKmh,
		"headingDeg":  smp.HeadingDeg,
		"accuracyM":   smp.AccuracyM,
		"timestampMs": smp.TimestampMs,
		"isActive":    rec.IsActive,
		"stoppedAtMs": rec.StoppedAtMs,
		"updatedAtMs": rec.UpdatedAtMs,
	}
	// an empty vehicle id leaves the stored field alone
	if rec.VehicleID != "" {
		fields["vehicleId"] = rec.VehicleID
	}

	var merged *redis.MapStringStringCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		if rec.IsActive {
			pipe.SAdd(ctx, activeRoutesKey, rec.RouteID)
		} else {
			pipe.SRem(ctx, activeRoutesKey, rec.RouteID)
		}
		merged = pipe.HGetAll(ctx, key)
		return nil
	})
	if err != nil {
		return live.Record{}, fmt.Errorf("upsert live location %s: %w", rec.RouteID, err)
	}
	var out redisRecord
	if err := merged.Scan(&out); err != nil {
		return live.Record{}, fmt.Errorf("decode live location %s: %w", rec.RouteID, err)
	}
	return out.record(), nil
}

func (s *RedisStore) Deactivate(ctx context.Context, routeID string, atMs int64) (live.Record, error) {
	key := routeKey(routeID)
	var out redisRecord
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return live.ErrNotFound
		}
		var merged *redis.MapStringStringCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "isActive", false, "stoppedAtMs", atMs, "updatedAtMs", atMs)
			pipe.SRem(ctx, activeRoutesKey, routeID)
			merged = pipe.HGetAll(ctx, key)
			return nil
		})
		if err != nil {
			return err
		}
		return merged.Scan(&out)
	}, key)
	if errors.Is(err, live.ErrNotFound) {
		return live.Record{}, err
	}
	if err != nil {
		return live.Record{}, fmt.Errorf("deactivate live location %s: %w", routeID, err)
	}
	return out.record(), nil
}

func (s *RedisStore) Get(ctx context.Context, routeID string) (live.Record, error) {
	cmd := s.rdb.HGetAll(ctx, routeKey(routeID))
	if err := cmd.Err(); err != nil {
		return live.Record{}, fmt.Errorf("get live location %s: %w", routeID, err)
	}
	if len(cmd.Val()) == 0 {
		return live.Record{}, live.ErrNotFound
	}
	var out redisRecord
	if err := cmd.Scan(&out); err != nil {
		return live.Record{}, fmt.Errorf("decode live location %s: %w", routeID, err)
	}
	return out.record(), nil
}

func (s *RedisStore) Active(ctx context.Context) ([]live.Record, error) {
	ids, err := s.rdb.SMembers(ctx, activeRoutesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list active routes: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, routeKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load active routes: %w", err)
	}

	out := make([]live.Record, 0, len(ids))
	for _, cmd := range cmds {
		if len(cmd.Val()) == 0 {
			continue
		}
		var r redisRecord
		if err := cmd.Scan(&r); err != nil {
			return nil, err
		}
		if r.IsActive {
			out = append(out, r.record())
		}
	}
	live.SortByRecency(out)
	return out, nil
}

func (s *RedisStore) SetDriverStatus(ctx context.Context, st live.DriverStatus) error {
	err := s.rdb.HSet(ctx, driverKey(st.DriverID),
		"driverId", st.DriverID,
		"vehicleId", st.VehicleID,
		"routeId", st.RouteID,
		"isOnline", st.IsOnline,
		"isTracking", st.IsTracking,
		"updatedAtMs", st.UpdatedAtMs,
	).Err()
	if err != nil {
		return fmt.Errorf("set driver status %s: %w", st.DriverID, err)
	}
	return nil
}

func (s *RedisStore) DriverStatus(ctx context.Context, driverID string) (live.DriverStatus, error) {
	cmd := s.rdb.HGetAll(ctx, driverKey(driverID))
	if err := cmd.Err(); err != nil {
		return live.DriverStatus{}, fmt.Errorf("get driver status %s: %w", driverID, err)
	}
	if len(cmd.Val()) == 0 {
		return live.DriverStatus{}, live.ErrNotFound
	}
	var d redisDriver
	if err := cmd.Scan(&d); err != nil {
		return live.DriverStatus{}, err
	}
	return live.DriverStatus(d), nil
}
