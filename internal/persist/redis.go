package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "docsync:snapshot:"

type Redis struct {
	rdb *redis.Client
}

func OpenRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("persist: ping redis: %w", err)
	}
	return &Redis{rdb: rdb}, nil
}

func (r *Redis) Save(ctx context.Context, documentID string, data []byte) error {
	return r.rdb.Set(ctx, redisKeyPrefix+documentID, data, 0).Err()
}

func (r *Redis) Load(ctx context.Context, documentID string) ([]byte, error) {
	data, err := r.rdb.Get(ctx, redisKeyPrefix+documentID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

func (r *Redis) Close(context.Context) error {
	return r.rdb.Close()
}
