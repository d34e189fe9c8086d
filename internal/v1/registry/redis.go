package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/displaybridge/broker/internal/v1/logging"
	"github.com/displaybridge/broker/internal/v1/types"
)

// deviceKeyTTL keeps stale device entries from lingering in Redis when a
// device is de-provisioned; the periodic refresh renews live ones.
const deviceKeyTTL = 24 * time.Hour

// RedisCache mirrors the device snapshot into Redis so operational tooling
// on other hosts can read device state without touching the database.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a Redis connection and verifies it with a ping.
func NewRedisCache(addr, password string) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.Info(context.Background(), "Connected to Redis device cache", zap.String("addr", addr))
	return &RedisCache{client: rdb}, nil
}

// Client returns the underlying Redis client, shared with the rate limiter.
func (c *RedisCache) Client() *redis.Client {
	if c == nil {
		return nil
	}
	return c.client
}

// Ping verifies connectivity for readiness probes.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func deviceKey(serial string) string {
	return "bridge:device:" + serial
}

// Put mirrors one device record. Failures are logged and swallowed; Redis is
// a convenience mirror, never authoritative.
func (c *RedisCache) Put(ctx context.Context, record types.DeviceRecord) {
	data, err := json.Marshal(record)
	if err != nil {
		logging.Error(ctx, "Failed to marshal device record for cache", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, deviceKey(record.SerialNumber), data, deviceKeyTTL).Err(); err != nil {
		logging.Warn(ctx, "Redis device cache write failed",
			zap.String("serial", logging.RedactSerial(record.SerialNumber)), zap.Error(err))
	}
}

// PutAll mirrors a full snapshot.
func (c *RedisCache) PutAll(ctx context.Context, records []types.DeviceRecord) {
	for _, record := range records {
		c.Put(ctx, record)
	}
}

// GetDevice reads one mirrored record back; used by tooling and tests.
func (c *RedisCache) GetDevice(ctx context.Context, serial string) (types.DeviceRecord, error) {
	data, err := c.client.Get(ctx, deviceKey(serial)).Bytes()
	if err != nil {
		return types.DeviceRecord{}, err
	}
	var record types.DeviceRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return types.DeviceRecord{}, fmt.Errorf("corrupt device cache entry for %s: %w", serial, err)
	}
	return record, nil
}
