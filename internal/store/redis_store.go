package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const activityKey = "sessions:activity"

// RedisStore keeps each session as JSON under session:<id> and indexes
// last activity in a sorted set for CleanupBefore.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string) *RedisStore {
	return NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: addr}))
}

func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func sessionKey(id string) string { return "session:" + id }

func (r *RedisStore) Get(ctx context.Context, id string) (Record, error) {
	data, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("store: decode session %s: %w", id, err)
	}
	return rec, nil
}

func (r *RedisStore) Set(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return errors.New("store: record id is empty")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKey(rec.ID), data, 0)
	pipe.ZAdd(ctx, activityKey, redis.Z{Score: float64(rec.LastActivity.UnixMilli()), Member: rec.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	pipe.ZRem(ctx, activityKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) List(ctx context.Context) ([]Record, error) {
	ids, err := r.client.ZRange(ctx, activityKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("store: decode session %s: %w", ids[i], err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *RedisStore) CleanupBefore(ctx context.Context, t time.Time) (int, error) {
	ids, err := r.client.ZRangeByScore(ctx, activityKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(t.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
		members[i] = id
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, activityKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (r *RedisStore) IsProcessed(ctx context.Context, msgID string) (bool, error) {
	count, err := r.client.Exists(ctx, "processed:"+msgID).Result()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *RedisStore) MarkProcessed(ctx context.Context, msgID string, ttl time.Duration) error {
	return r.client.Set(ctx, "processed:"+msgID, "1", ttl).Err()
}

func (r *RedisStore) SetDeliveryStatus(ctx context.Context, msgID, status string, ttl time.Duration) error {
	return r.client.Set(ctx, "delivery:"+msgID, status, ttl).Err()
}

func (r *RedisStore) DeliveryStatus(ctx context.Context, msgID string) (string, error) {
	status, err := r.client.Get(ctx, "delivery:"+msgID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return status, err
}
