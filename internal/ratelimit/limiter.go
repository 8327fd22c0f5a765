// Package ratelimit implements the fixed-window request limiter in front
// of the circuit breaker (spec §4.4). The primary backend is Redis
// (INCR+EXPIRE, made atomic with a Lua script so concurrent instances of
// this service share one counter per key); a local in-process fallback
// keeps the service usable when Redis is unreachable, degrading from a
// cluster-wide limit to a per-instance one rather than failing closed.
//
// Grounded on the teacher's atomic.Bool readiness flag (internal/app) for
// the degraded-mode signal, and on the go-redis/v9 client surfaced across
// the retrieved manifests as the ecosystem's standard Redis client.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/atomic"

	"github.com/ytsize/ytsize-core/internal/metrics"
	"github.com/ytsize/ytsize-core/pkg/logger"
)

// incrWindow atomically increments the per-key counter and, only on the
// first increment of a window, sets its expiry — so a crash between INCR
// and EXPIRE can never leave a key stuck with no TTL.
const incrWindow = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`

// Config tunes the limiter, with defaults from spec §4.4/§6.
type Config struct {
	WindowMs      int
	MaxRequests   int
	RedisEnabled  bool
	RedisURL      string
	RedisPassword string
}

func (c *Config) setDefaults() {
	if c.WindowMs <= 0 {
		c.WindowMs = 60_000
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = 10
	}
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetMs   int64 // epoch milliseconds when the window resets
}

// Limiter enforces a fixed-window cap per key (spec's key is the caller's
// IP address, but the package is key-agnostic).
type Limiter struct {
	cfg Config

	client   *redis.Client
	script   *redis.Script
	degraded *atomic.Bool

	local *localStore
	log   logger.Logger

	stopReconnect chan struct{}
	reconnecting  *atomic.Bool
}

// New constructs a Limiter. When cfg.RedisEnabled is false, it runs in
// local-only mode with no Redis dependency at all.
func New(cfg Config) *Limiter {
	cfg.setDefaults()
	l := &Limiter{
		cfg:           cfg,
		degraded:      atomic.NewBool(!cfg.RedisEnabled),
		local:         newLocalStore(),
		log:           logger.With("component", "ratelimit"),
		stopReconnect: make(chan struct{}),
		reconnecting:  atomic.NewBool(false),
	}

	if cfg.RedisEnabled {
		l.client = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPassword,
		})
		l.script = redis.NewScript(incrWindow)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.client.Ping(ctx).Err(); err != nil {
			l.log.Warn("redis unreachable at startup, starting in degraded (local) mode: %v", err)
			l.degraded.Store(true)
			go l.reconnectLoop()
		}
	}

	metrics.RateLimiterDegraded.Set(boolToFloat(l.degraded.Load()))
	return l
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Allow evaluates the fixed window for key, preferring the Redis-backed
// path and falling back to the local store when Redis is unavailable
// (spec §4.4 "graceful degradation").
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	if l.client != nil && !l.degraded.Load() {
		d, err := l.allowRedis(ctx, key)
		if err == nil {
			if !d.Allowed {
				metrics.RateLimiterRejections.Inc()
			}
			return d, nil
		}
		l.log.Warn("redis rate-limit check failed, falling back to local store: %v", err)
		l.degraded.Store(true)
		metrics.RateLimiterDegraded.Set(1)
		go l.reconnectLoop()
	}
	d := l.local.allow(key, l.cfg.WindowMs, l.cfg.MaxRequests)
	if !d.Allowed {
		metrics.RateLimiterRejections.Inc()
	}
	return d, nil
}

// Degraded reports whether the limiter is currently running on the local
// fallback rather than the shared Redis backend, for health reporting.
func (l *Limiter) Degraded() bool {
	return l.degraded.Load()
}

func (l *Limiter) allowRedis(ctx context.Context, key string) (Decision, error) {
	res, err := l.script.Run(ctx, l.client, []string{"ratelimit:" + key}, l.cfg.WindowMs).Result()
	if err != nil {
		return Decision{}, err
	}
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return Decision{}, redis.Nil
	}
	count := toInt64(pair[0])
	ttlMs := toInt64(pair[1])
	if ttlMs < 0 {
		ttlMs = int64(l.cfg.WindowMs)
	}

	remaining := int64(l.cfg.MaxRequests) - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(l.cfg.MaxRequests),
		Remaining: int(remaining),
		ResetMs:   time.Now().UnixMilli() + ttlMs,
	}, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	default:
		return 0
	}
}

// reconnectLoop retries the Redis connection with the backoff from
// spec §4.4 (min(retries*100ms, 3000ms), capped at 10 attempts) and
// clears the degraded flag once a Ping succeeds. CompareAndSwap ensures
// only one reconnect loop runs at a time even if Allow observes the
// Redis path fail from several goroutines concurrently.
func (l *Limiter) reconnectLoop() {
	if !l.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer l.reconnecting.Store(false)

	for attempt := 1; attempt <= 10; attempt++ {
		backoff := time.Duration(attempt) * 100 * time.Millisecond
		if backoff > 3*time.Second {
			backoff = 3 * time.Second
		}

		select {
		case <-l.stopReconnect:
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := l.client.Ping(ctx).Err()
		cancel()
		if err == nil {
			l.degraded.Store(false)
			metrics.RateLimiterDegraded.Set(0)
			l.log.Info("redis reconnected, leaving degraded mode after %d attempt(s)", attempt)
			return
		}
	}
	l.log.Warn("redis reconnect attempts exhausted, remaining in degraded mode")
}

// Close releases the Redis client, if any.
func (l *Limiter) Close() error {
	close(l.stopReconnect)
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}

// localStore is the in-process fallback: a fixed-window counter per key,
// guarded by a single mutex. Good enough for the degraded path, where
// correctness under a Redis outage matters more than per-instance
// throughput.
type localStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

func newLocalStore() *localStore {
	return &localStore{windows: make(map[string]*window)}
}

func (s *localStore) allow(key string, windowMs, maxRequests int) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	w, ok := s.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{count: 0, resetAt: now.Add(time.Duration(windowMs) * time.Millisecond)}
		s.windows[key] = w
	}

	w.count++
	remaining := maxRequests - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   w.count <= maxRequests,
		Remaining: remaining,
		ResetMs:   w.resetAt.UnixMilli(),
	}
}
