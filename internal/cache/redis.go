package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/plantid/internal/model"
)

// Redis stores results as JSON strings with a native key TTL.
type Redis struct {
	rdb redis.UniversalClient
}

// DialRedis parses url, connects and pings.
func DialRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "cache: parse redis url")
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, eris.Wrap(err, "cache: connect to redis")
	}
	return &Redis{rdb: rdb}, nil
}

// Get implements Cache.
func (r *Redis) Get(ctx context.Context, key string) (model.CombinedResult, bool, error) {
	data, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.CombinedResult{}, false, nil
	}
	if err != nil {
		return model.CombinedResult{}, false, eris.Wrap(err, "cache: redis get")
	}

	var v model.CombinedResult
	if err := json.Unmarshal(data, &v); err != nil {
		return model.CombinedResult{}, false, eris.Wrap(err, "cache: decode redis value")
	}
	return v, true, nil
}

// Set implements Cache. A non-positive ttl falls back to DefaultTTL.
func (r *Redis) Set(ctx context.Context, key string, value model.CombinedResult, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return eris.Wrap(err, "cache: encode redis value")
	}
	if err := r.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return eris.Wrap(err, "cache: redis set")
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
