package limiter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Adaptive bounds in-flight requests per endpoint across all scans of this
// process and, when Redis is configured, keeps a shared cooldown breaker so
// that several processes back off from a failing endpoint together.
type Adaptive struct {
	rdb         *redis.Client
	maxInflight int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	mu          sync.Mutex
	sem         map[string]chan struct{}
}

type Options struct {
	// RedisURL enables the shared breaker. Empty keeps only local slots.
	RedisURL    string
	Client      *redis.Client
	MaxInflight int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func New(opts Options) (*Adaptive, error) {
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 2
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 30 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Minute
	}
	a := &Adaptive{
		rdb:         opts.Client,
		maxInflight: opts.MaxInflight,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		sem:         map[string]chan struct{}{},
	}
	if a.rdb == nil && opts.RedisURL != "" {
		ro, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		c := redis.NewClient(ro)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := c.Ping(ctx).Err(); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.rdb = c
	}
	return a, nil
}

func (a *Adaptive) key(endpoint string) string {
	return "cb:classifier:" + strings.ToLower(endpoint)
}

// IsOpen returns true while the endpoint's cooldown is active.
func (a *Adaptive) IsOpen(ctx context.Context, endpoint string) bool {
	if a.rdb == nil {
		return false
	}
	ts, err := a.rdb.Get(ctx, a.key(endpoint)).Int64()
	if err != nil {
		return false
	}
	return time.Now().Unix() < ts
}

// Open sets or extends the cooldown, doubling it per consecutive failure up
// to the maximum. It returns the cooldown applied.
func (a *Adaptive) Open(ctx context.Context, endpoint string) time.Duration {
	if a.rdb == nil {
		return 0
	}
	k := a.key(endpoint)
	attempts, _ := a.rdb.Incr(ctx, k+":attempts").Result()
	if attempts < 1 {
		attempts = 1
	}
	d := a.baseBackoff
	for i := int64(1); i < attempts && d < a.maxBackoff; i++ {
		d *= 2
	}
	if d > a.maxBackoff {
		d = a.maxBackoff
	}
	until := time.Now().Add(d).Unix()
	_ = a.rdb.Set(ctx, k, until, d).Err()
	_ = a.rdb.Expire(ctx, k+":attempts", 10*time.Minute).Err()
	return d
}

// Close resets the breaker for endpoint.
func (a *Adaptive) Close(ctx context.Context, endpoint string) {
	if a.rdb == nil {
		return
	}
	k := a.key(endpoint)
	_ = a.rdb.Del(ctx, k, k+":attempts").Err()
}

func (a *Adaptive) slots(endpoint string) chan struct{} {
	key := strings.ToLower(endpoint)
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.sem[key]
	if !ok {
		ch = make(chan struct{}, a.maxInflight)
		a.sem[key] = ch
	}
	return ch
}

// Acquire blocks until a slot for endpoint is free or ctx is done.
func (a *Adaptive) Acquire(ctx context.Context, endpoint string) (func(), error) {
	ch := a.slots(endpoint)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CloseClient releases the Redis connection, if any.
func (a *Adaptive) CloseClient() error {
	if a.rdb == nil {
		return nil
	}
	return a.rdb.Close()
}
