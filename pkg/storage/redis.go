package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/levenlabs/go-lflag"

	"github.com/energycast/energycast/pkg/history"
	"github.com/energycast/energycast/pkg/scaler"
	"github.com/energycast/energycast/pkg/types"
)

// RedisProvider implements Database on Redis. Artifacts are plain JSON
// strings and samples are members of a sorted set scored by unix seconds.
type RedisProvider struct {
	client   *redis.Client
	addr     string
	password string
	db       int
	prefix   string
}

var _ Database = (*RedisProvider)(nil)

func configuredRedis() *RedisProvider {
	addr := lflag.String("redis-addr", "127.0.0.1:6379", "Redis address (host:port)")
	password := lflag.String("redis-password", "", "Redis password")
	db := lflag.String("redis-db", "0", "Redis logical database number")
	prefix := lflag.String("redis-prefix", "energycast", "Prefix for all Redis keys")

	r := &RedisProvider{}

	lflag.Do(func() {
		r.addr = *addr
		r.password = *password
		r.prefix = *prefix
		n, err := strconv.Atoi(*db)
		if err != nil {
			// caught by Validate
			n = -1
		}
		r.db = n
	})

	return r
}

// Validate checks if the provider is properly configured.
func (r *RedisProvider) Validate() error {
	if r.addr == "" {
		return errors.New("redis-addr is required")
	}
	if r.db < 0 {
		return errors.New("redis-db must be a non-negative integer")
	}
	return nil
}

// Init connects to Redis and verifies the connection.
func (r *RedisProvider) Init(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:     r.addr,
		Password: r.password,
		DB:       r.db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("redis connection failed: %w", err)
	}
	r.client = client
	return nil
}

// Close closes the Redis client.
func (r *RedisProvider) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *RedisProvider) key(dataset, name string) (string, error) {
	if err := checkDataset(dataset); err != nil {
		return "", err
	}
	return r.prefix + ":" + dataset + ":" + name, nil
}

func (r *RedisProvider) getArtifact(ctx context.Context, dataset, kind string, v any) error {
	key, err := r.key(dataset, kind)
	if err != nil {
		return err
	}
	b, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return fmt.Errorf("%s/%s: %w", dataset, kind, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("redis GET failed: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", kind, err)
	}
	return nil
}

func (r *RedisProvider) setArtifact(ctx context.Context, dataset, kind string, v any) error {
	key, err := r.key(dataset, kind)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	if err := r.client.Set(ctx, key, b, 0).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	return nil
}

// GetScalers implements Database.
func (r *RedisProvider) GetScalers(ctx context.Context, dataset string) (scaler.Pair, error) {
	var p scaler.Pair
	if err := r.getArtifact(ctx, dataset, kindScalers, &p); err != nil {
		return scaler.Pair{}, err
	}
	return p, nil
}

// SetScalers implements Database.
func (r *RedisProvider) SetScalers(ctx context.Context, dataset string, pair scaler.Pair) error {
	return r.setArtifact(ctx, dataset, kindScalers, pair)
}

// GetHistoricalTable implements Database.
func (r *RedisProvider) GetHistoricalTable(ctx context.Context, dataset string) (*history.Table, error) {
	var t history.Table
	if err := r.getArtifact(ctx, dataset, kindTable, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// SetHistoricalTable implements Database.
func (r *RedisProvider) SetHistoricalTable(ctx context.Context, dataset string, table *history.Table) error {
	return r.setArtifact(ctx, dataset, kindTable, table)
}

// GetResults implements Database.
func (r *RedisProvider) GetResults(ctx context.Context, dataset string) (types.Results, error) {
	var res types.Results
	if err := r.getArtifact(ctx, dataset, kindResults, &res); err != nil {
		return types.Results{}, err
	}
	return res, nil
}

// SetResults implements Database.
func (r *RedisProvider) SetResults(ctx context.Context, dataset string, results types.Results) error {
	return r.setArtifact(ctx, dataset, kindResults, results)
}

// UpsertSamples replaces any sample sharing a timestamp with the new one.
func (r *RedisProvider) UpsertSamples(ctx context.Context, dataset string, samples types.Series) error {
	key, err := r.key(dataset, "samples")
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}
	pipe := r.client.TxPipeline()
	for _, s := range samples {
		b, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal sample: %w", err)
		}
		score := strconv.FormatInt(s.TS.Unix(), 10)
		pipe.ZRemRangeByScore(ctx, key, score, score)
		pipe.ZAdd(ctx, key, &redis.Z{Score: float64(s.TS.Unix()), Member: b})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis sample upsert failed: %w", err)
	}
	return nil
}

// GetSamples implements Database.
func (r *RedisProvider) GetSamples(ctx context.Context, dataset string, start, end time.Time) (types.Series, error) {
	key, err := r.key(dataset, "samples")
	if err != nil {
		return nil, err
	}
	members, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(start.Unix(), 10),
		Max: "(" + strconv.FormatInt(end.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZRANGEBYSCORE failed: %w", err)
	}
	return decodeMembers(members)
}

// GetLatestSamples implements Database.
func (r *RedisProvider) GetLatestSamples(ctx context.Context, dataset string, n int) (types.Series, error) {
	key, err := r.key(dataset, "samples")
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	members, err := r.client.ZRange(ctx, key, int64(-n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZRANGE failed: %w", err)
	}
	return decodeMembers(members)
}

func decodeMembers(members []string) (types.Series, error) {
	series := make(types.Series, 0, len(members))
	for _, m := range members {
		var s types.Sample
		if err := json.Unmarshal([]byte(m), &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sample: %w", err)
		}
		series = append(series, s)
	}
	return series, nil
}
