// Package stats keeps upload outcome counters in Redis.
//
// Keys, with the default prefix:
//
//	x11mirror:stats:total               cumulative counters, never expire
//	x11mirror:stats:minute:YYYYMMDDhhmm per-minute counters, expire after TTL
//
// Each hash has one field per response page plus "uploads", "aborted" and
// "bytes".
package stats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/x11mirror/internal/config"
	"github.com/JonMunkholm/x11mirror/internal/core"
)

// RedisStore implements core.Recorder on Redis hashes. A nil store or one
// without a client records nothing.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// Option configures a RedisStore.
type Option func(*RedisStore)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

// WithTTL sets the expiry of per-minute buckets. Zero keeps them forever.
func WithTTL(d time.Duration) Option {
	return func(s *RedisStore) { s.ttl = d }
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client, opts ...Option) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "x11mirror:stats",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials cfg.RedisURL and verifies the connection.
func Connect(ctx context.Context, cfg config.StatsConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse stats redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping stats redis: %w", err)
	}
	return NewRedisStore(rdb, WithPrefix(cfg.Prefix), WithTTL(cfg.TTL)), nil
}

// TotalKey is the hash holding cumulative counters.
func (s *RedisStore) TotalKey() string {
	return s.prefix + ":total"
}

// MinuteKey is the hash holding the counters of the minute containing at.
func (s *RedisStore) MinuteKey(at time.Time) string {
	return fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
}

// RecordUpload implements core.Recorder.
func (s *RedisStore) RecordUpload(ctx context.Context, rec core.UploadRecord) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := rec.FinishedAt
	if at.IsZero() {
		at = time.Now()
	}
	fields := counterFields(rec)

	pipe := s.rdb.Pipeline()
	for _, key := range []string{s.TotalKey(), s.MinuteKey(at)} {
		for field, n := range fields {
			pipe.HIncrBy(ctx, key, field, n)
		}
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, s.MinuteKey(at), s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record upload stats: %w", err)
	}
	return nil
}

// Totals returns the cumulative counters.
func (s *RedisStore) Totals(ctx context.Context) (map[string]int64, error) {
	if s == nil || s.rdb == nil {
		return map[string]int64{}, nil
	}

	raw, err := s.rdb.HGetAll(ctx, s.TotalKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

// counterFields lists the hash increments for one record.
func counterFields(rec core.UploadRecord) map[string]int64 {
	fields := map[string]int64{"uploads": 1}
	if rec.Page != "" {
		fields[rec.Page] = 1
	}
	if rec.Aborted {
		fields["aborted"] = 1
	}
	if rec.Bytes > 0 {
		fields["bytes"] = rec.Bytes
	}
	return fields
}
