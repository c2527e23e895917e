package backend

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

//go:embed compare_and_swap.lua
var compareAndSwapScript string

// RedisBackend is the remote Backend, implemented over a well-known
// data-structure server (Redis). Ordered-timestamp-set primitives map onto
// Redis sorted sets with score = timestamp; atomic compare-and-swap runs as
// a Lua script loaded once at construction time.
type RedisBackend struct {
	client    redis.UniversalClient
	prefix    string
	timeout   time.Duration
	scriptSHA atomic.Pointer[string]
	logger    *zap.Logger
	seq       uint64
}

// RedisBackendOption configures a RedisBackend.
type RedisBackendOption func(*redisConfig)

type redisConfig struct {
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
}

// WithRedisPrefix sets the key prefix (default "rt:").
func WithRedisPrefix(prefix string) RedisBackendOption {
	return func(c *redisConfig) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithRedisTimeout bounds every Redis round trip (default 5s).
func WithRedisTimeout(d time.Duration) RedisBackendOption {
	return func(c *redisConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRedisLogger injects a logger (default: no-op).
func WithRedisLogger(l *zap.Logger) RedisBackendOption {
	return func(c *redisConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewRedisBackend pings client and loads the compare-and-swap script.
func NewRedisBackend(client redis.UniversalClient, opts ...RedisBackendOption) (*RedisBackend, error) {
	cfg := redisConfig{
		prefix:  "rt:",
		timeout: 5 * time.Second,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: ping failed: %v", ErrUnavailable, err)
	}

	sha, err := client.ScriptLoad(ctx, compareAndSwapScript).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: script load failed: %v", ErrUnavailable, err)
	}

	rb := &RedisBackend{
		client:  client,
		prefix:  cfg.prefix,
		timeout: cfg.timeout,
		logger:  cfg.logger,
	}
	rb.scriptSHA.Store(&sha)
	return rb, nil
}

func (r *RedisBackend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

func (r *RedisBackend) key(k string) string {
	return r.prefix + k
}

func (r *RedisBackend) wrap(err error) error {
	if err == nil || err == redis.Nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	v, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, r.wrap(err)
	}
	return v, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if ttl <= 0 {
		ttl = 0
	}
	return r.wrap(r.client.Set(ctx, r.key(key), value, ttl).Err())
}

func (r *RedisBackend) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	pipe := r.client.TxPipeline()
	incr := pipe.IncrBy(ctx, r.key(key), delta)
	if ttl > 0 {
		pipe.Expire(ctx, r.key(key), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, r.wrap(err)
	}
	return incr.Val(), nil
}

func (r *RedisBackend) CompareAndSwap(ctx context.Context, key string, expected, newValue []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	expectAbsent := "0"
	expectedArg := string(expected)
	if expected == nil {
		expectAbsent = "1"
		expectedArg = ""
	}

	res, err := r.client.EvalSha(ctx, *r.scriptSHA.Load(), []string{r.key(key)},
		expectedArg, expectAbsent, string(newValue), int64(ttl/time.Second),
	).Result()
	if err != nil {
		if strings.Contains(err.Error(), "NOSCRIPT") {
			sha, loadErr := r.client.ScriptLoad(ctx, compareAndSwapScript).Result()
			if loadErr != nil {
				return false, r.wrap(loadErr)
			}
			r.scriptSHA.Store(&sha)
			return r.CompareAndSwap(ctx, key, expected, newValue, ttl)
		}
		return false, r.wrap(err)
	}

	n, _ := res.(int64)
	return n == 1, nil
}

func (r *RedisBackend) nextMember(ts float64) string {
	n := atomic.AddUint64(&r.seq, 1)
	return strconv.FormatFloat(ts, 'f', -1, 64) + "-" + strconv.FormatUint(n, 10)
}

func (r *RedisBackend) AppendTimestamp(ctx context.Context, key string, ts float64, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	rk := r.key(key)
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, rk, redis.Z{Score: ts, Member: r.nextMember(ts)})
	if ttl > 0 {
		pipe.Expire(ctx, rk, ttl)
	}
	_, err := pipe.Exec(ctx)
	return r.wrap(err)
}

func (r *RedisBackend) TrimBefore(ctx context.Context, key string, cutoff float64) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	max := "(" + strconv.FormatFloat(cutoff, 'f', -1, 64)
	return r.wrap(r.client.ZRemRangeByScore(ctx, r.key(key), "-inf", max).Err())
}

func (r *RedisBackend) CountAfter(ctx context.Context, key string, cutoff float64) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	min := strconv.FormatFloat(cutoff, 'f', -1, 64)
	n, err := r.client.ZCount(ctx, r.key(key), min, "+inf").Result()
	if err != nil {
		return 0, r.wrap(err)
	}
	return n, nil
}

func (r *RedisBackend) OldestAfter(ctx context.Context, key string, cutoff float64) (float64, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	min := strconv.FormatFloat(cutoff, 'f', -1, 64)
	res, err := r.client.ZRangeByScoreWithScores(ctx, r.key(key), &redis.ZRangeBy{
		Min: min, Max: "+inf", Offset: 0, Count: 1,
	}).Result()
	if err != nil {
		return 0, false, r.wrap(err)
	}
	if len(res) == 0 {
		return 0, false, nil
	}
	return res[0].Score, true, nil
}

func (r *RedisBackend) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, r.wrap(err)
	}
	return n > 0, nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	n, err := r.client.Del(ctx, r.key(key)).Result()
	if err != nil {
		return false, r.wrap(err)
	}
	return n > 0, nil
}

func (r *RedisBackend) HealthCheck(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.wrap(r.client.Ping(ctx).Err())
}

func (r *RedisBackend) Close() error {
	if closer, ok := r.client.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
