package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dkeye/watchparty/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	KeyPrefix  string
	MaxRetries int
	// RoomTTL bounds how long a forgotten key may linger if the sweeper is down.
	RoomTTL time.Duration
}

// redisBackend keeps each room as one JSON document and uses optimistic
// WATCH/MULTI transactions so several server processes can share it.
type redisBackend struct {
	client     *redis.Client
	prefix     string
	maxRetries int
	ttl        time.Duration
}

func NewRedisBackend(ctx context.Context, cfg RedisConfig) (Backend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return newRedisBackend(client, cfg), nil
}

func newRedisBackend(client *redis.Client, cfg RedisConfig) *redisBackend {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "watchparty:"
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 16
	}
	return &redisBackend{client: client, prefix: prefix, maxRetries: retries, ttl: cfg.RoomTTL}
}

func (b *redisBackend) roomKey(id domain.RoomID) string { return b.prefix + "room:" + string(id) }
func (b *redisBackend) emptyKey() string                { return b.prefix + "rooms:empty" }
func (b *redisBackend) createdKey() string              { return b.prefix + "rooms:created" }

func (b *redisBackend) read(ctx context.Context, tx *redis.Tx, key string) (*domain.Room, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	var room domain.Room
	if err := json.Unmarshal(raw, &room); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", key, err)
	}
	return &room, nil
}

func (b *redisBackend) Update(ctx context.Context, id domain.RoomID, create func() *domain.Room, fn MutateFunc) (*domain.Room, error) {
	key := b.roomKey(id)
	for attempt := 0; attempt < b.maxRetries; attempt++ {
		var result *domain.Room
		err := b.client.Watch(ctx, func(tx *redis.Tx) error {
			room, err := b.read(ctx, tx, key)
			created := false
			if errors.Is(err, ErrRoomNotFound) && create != nil {
				room, created, err = create(), true, nil
			}
			if err != nil {
				return err
			}

			if err := fn(room, created); err != nil {
				if errors.Is(err, errNoWrite) {
					result = room
					return nil
				}
				return err
			}

			payload, err := json.Marshal(room)
			if err != nil {
				return fmt.Errorf("encode room %s: %w", id, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				if b.ttl > 0 {
					pipe.ExpireAt(ctx, key, room.CreatedAt.Add(2*b.ttl))
				}
				b.index(ctx, pipe, room)
				return nil
			})
			if err != nil {
				return err
			}
			result = room
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			log.Debug().Str("module", "store").Str("room", string(id)).Int("attempt", attempt).Msg("redis contention, retrying")
			if err := backoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, ErrContention
}

func (b *redisBackend) index(ctx context.Context, pipe redis.Pipeliner, room *domain.Room) {
	member := string(room.ID)
	if room.LastEmptyAt != nil {
		pipe.ZAdd(ctx, b.emptyKey(), redis.Z{Score: float64(room.LastEmptyAt.UnixMilli()), Member: member})
	} else {
		pipe.ZRem(ctx, b.emptyKey(), member)
	}
	pipe.ZAdd(ctx, b.createdKey(), redis.Z{Score: float64(room.CreatedAt.UnixMilli()), Member: member})
}

func (b *redisBackend) Load(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	raw, err := b.client.Get(ctx, b.roomKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	var room domain.Room
	if err := json.Unmarshal(raw, &room); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", id, err)
	}
	return &room, nil
}

func (b *redisBackend) Candidates(ctx context.Context, emptyBefore, createdBefore time.Time) ([]domain.RoomID, error) {
	seen := make(map[string]struct{})
	var out []domain.RoomID
	collect := func(key string, before time.Time) error {
		ids, err := b.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(before.UnixMilli(), 10),
		}).Result()
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, domain.RoomID(id))
		}
		return nil
	}

	if err := collect(b.emptyKey(), emptyBefore); err != nil {
		return nil, err
	}
	if !createdBefore.IsZero() {
		if err := collect(b.createdKey(), createdBefore); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (b *redisBackend) DeleteIf(ctx context.Context, id domain.RoomID, pred func(*domain.Room) bool) (bool, error) {
	key := b.roomKey(id)
	for attempt := 0; attempt < b.maxRetries; attempt++ {
		deleted := false
		err := b.client.Watch(ctx, func(tx *redis.Tx) error {
			room, err := b.read(ctx, tx, key)
			if errors.Is(err, ErrRoomNotFound) {
				// Key expired on its own; drop the stale index entries.
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.ZRem(ctx, b.emptyKey(), string(id))
					pipe.ZRem(ctx, b.createdKey(), string(id))
					return nil
				})
				return err
			}
			if err != nil {
				return err
			}
			if !pred(room) {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.ZRem(ctx, b.emptyKey(), string(id))
				pipe.ZRem(ctx, b.createdKey(), string(id))
				return nil
			})
			if err != nil {
				return err
			}
			deleted = true
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			if err := backoff(ctx, attempt); err != nil {
				return false, err
			}
			continue
		}
		return deleted, err
	}
	return false, ErrContention
}

func (b *redisBackend) Close() error {
	return b.client.Close()
}
