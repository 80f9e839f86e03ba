package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix    = "jarvis:job:"
	maxAdvanceRetries = 8
)

// RedisStore keeps job state outside the process so it survives an
// orchestrator restart. Advance is optimistic and safe for concurrent
// callers, but only one orchestrator may consume events at a time.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisStore{rdb: rdb, ttl: ttl}, nil
}

func redisKey(id string) string { return redisKeyPrefix + id }

func (s *RedisStore) Create(ctx context.Context, id string) (Job, error) {
	now := time.Now().UTC()
	j := Job{ID: id, Stage: StageCreated, CreatedAt: now, UpdatedAt: now}
	data, err := json.Marshal(j)
	if err != nil {
		return Job{}, err
	}
	ok, err := s.rdb.SetNX(ctx, redisKey(id), data, s.ttl).Result()
	if err != nil {
		return Job{}, fmt.Errorf("create job %s: %w", id, err)
	}
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrExists, id)
	}
	return j, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Job, error) {
	return s.load(ctx, s.rdb, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, g getter, id string) (Job, error) {
	raw, err := g.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	var j Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return j, nil
}

// Advance uses WATCH/MULTI so concurrent transitions on the same job serialize.
func (s *RedisStore) Advance(ctx context.Context, id string, from, to Stage, mutate Mutation) (Job, error) {
	key := redisKey(id)
	var out Job
	txf := func(tx *redis.Tx) error {
		j, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := apply(&j, from, to, mutate, time.Now().UTC()); err != nil {
			return err
		}
		data, err := json.Marshal(j)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		if err == nil {
			out = j
		}
		return err
	}
	for i := 0; i < maxAdvanceRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return Job{}, fmt.Errorf("advance job %s: %w", id, redis.TxFailedErr)
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
