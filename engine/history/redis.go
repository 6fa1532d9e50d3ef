package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "companion:history:"

// RedisStore keeps each vehicle's history in a capped Redis list, newest at
// the head.
type RedisStore struct {
	client   *redis.Client
	capacity int
	logger   *slog.Logger
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Capacity int
	Logger   *slog.Logger
}

// NewRedisStore connects to Redis. The connection is lazy; call Ping to check it.
func NewRedisStore(opts RedisOptions) *RedisStore {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		capacity: opts.Capacity,
		logger:   opts.Logger,
	}
}

func key(vehicleID string) string { return keyPrefix + vehicleID }

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("history: ping: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Record(ctx context.Context, e Entry) error {
	if e.VehicleID == "" {
		return errNoVehicle
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("history: record: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key(e.VehicleID), data)
	pipe.LTrim(ctx, key(e.VehicleID), 0, int64(s.capacity-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("history: record: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, vehicleID string, limit int) ([]Entry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raw, err := s.client.LRange(ctx, key(vehicleID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	out := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			s.logger.Warn("history: skipping corrupt entry", "vehicle", vehicleID, "err", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisStore) Clear(ctx context.Context, vehicleID string) error {
	if err := s.client.Del(ctx, key(vehicleID)).Err(); err != nil {
		return fmt.Errorf("history: clear: %w", err)
	}
	return nil
}
