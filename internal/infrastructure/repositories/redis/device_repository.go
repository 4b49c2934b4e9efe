package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "camrelay:"

// RedisDeviceRepository stores each device as a JSON document. Last-seen
// timestamps live in a separate hash so Touch stays a single write.
type RedisDeviceRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisDeviceRepository(client *redis.Client) ports.DeviceRepository {
	return &RedisDeviceRepository{
		client: client,
		prefix: keyPrefix,
	}
}

func (r *RedisDeviceRepository) deviceKey(id domain.DeviceID) string {
	return r.prefix + "device:" + string(id)
}

func (r *RedisDeviceRepository) indexKey() string    { return r.prefix + "devices" }
func (r *RedisDeviceRepository) lastSeenKey() string { return r.prefix + "devices:last_seen" }

func (r *RedisDeviceRepository) Save(ctx context.Context, device *domain.Device) error {
	data, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("failed to marshal device: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.deviceKey(device.ID), data, 0)
		pipe.SAdd(ctx, r.indexKey(), string(device.ID))
		pipe.HSet(ctx, r.lastSeenKey(), string(device.ID), unixNano(device.LastSeen))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save device in Redis: %w", err)
	}
	return nil
}

func (r *RedisDeviceRepository) GetByID(ctx context.Context, id domain.DeviceID) (*domain.Device, error) {
	data, err := r.client.Get(ctx, r.deviceKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device from Redis: %w", err)
	}

	device, err := decodeDevice(data)
	if err != nil {
		return nil, err
	}

	seen, err := r.client.HGet(ctx, r.lastSeenKey(), string(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get device activity from Redis: %w", err)
	}
	applyLastSeen(device, seen)
	return device, nil
}

func (r *RedisDeviceRepository) Remove(ctx context.Context, id domain.DeviceID) error {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.deviceKey(id))
		pipe.SRem(ctx, r.indexKey(), string(id))
		pipe.HDel(ctx, r.lastSeenKey(), string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete device from Redis: %w", err)
	}
	if del.Val() == 0 {
		return domain.ErrDeviceNotFound
	}
	return nil
}

func (r *RedisDeviceRepository) List(ctx context.Context) ([]*domain.Device, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices from Redis: %w", err)
	}
	if len(ids) == 0 {
		return []*domain.Device{}, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.deviceKey(domain.DeviceID(id))
	}
	docs, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load devices from Redis: %w", err)
	}
	seen, err := r.client.HMGet(ctx, r.lastSeenKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load device activity from Redis: %w", err)
	}

	devices := make([]*domain.Device, 0, len(ids))
	for i, doc := range docs {
		data, ok := doc.(string)
		if !ok {
			// removed between SMEMBERS and MGET
			continue
		}
		device, err := decodeDevice(data)
		if err != nil {
			return nil, err
		}
		if s, ok := seen[i].(string); ok {
			applyLastSeen(device, s)
		}
		devices = append(devices, device)
	}
	return devices, nil
}

func (r *RedisDeviceRepository) Touch(ctx context.Context, id domain.DeviceID, at time.Time) error {
	known, err := r.client.SIsMember(ctx, r.indexKey(), string(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to check device in Redis: %w", err)
	}
	if !known {
		return domain.ErrDeviceNotFound
	}
	if err := r.client.HSet(ctx, r.lastSeenKey(), string(id), unixNano(at)).Err(); err != nil {
		return fmt.Errorf("failed to touch device in Redis: %w", err)
	}
	return nil
}

func decodeDevice(data string) (*domain.Device, error) {
	var device domain.Device
	if err := json.Unmarshal([]byte(data), &device); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device: %w", err)
	}
	return &device, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func applyLastSeen(device *domain.Device, raw string) {
	if raw == "" {
		return
	}
	ns, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ns <= 0 {
		return
	}
	device.LastSeen = time.Unix(0, ns).UTC()
}
