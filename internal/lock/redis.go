package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript pushes the expiry out only while the key holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// redisClient is the subset of *redis.Client the manager calls.
type redisClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisManager is a Manager shared by every process using the same redis.
type RedisManager struct {
	client redisClient
	conn   *redis.Client
	prefix string
	opts   Options
}

// NewRedisManager connects to addr.
func NewRedisManager(addr, password string, db int, opts Options) (*RedisManager, error) {
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	m := newRedisManager(client, opts)
	m.conn = client
	return m, nil
}

// Close closes the connection opened by NewRedisManager.
func (m *RedisManager) Close() error {
	if m.conn == nil {
		return nil
	}
	return m.conn.Close()
}

func newRedisManager(client redisClient, opts Options) *RedisManager {
	def := DefaultOptions()
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = def.RetryInterval
	}
	return &RedisManager{client: client, prefix: "formcore:lock:", opts: opts}
}

// redisHandle renews its key every TTL/3 until released. A renewal that
// finds another token closes lost.
type redisHandle struct {
	m     *RedisManager
	key   string
	token string

	stop chan struct{}
	done chan struct{}
	lost chan struct{}

	once sync.Once
	err  error
}

func newRedisHandle(m *RedisManager, key, token string) *redisHandle {
	h := &redisHandle{
		m:     m,
		key:   key,
		token: token,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		lost:  make(chan struct{}),
	}
	go h.renew()
	return h
}

func (h *redisHandle) Key() string { return h.key }

func (h *redisHandle) Lost() <-chan struct{} { return h.lost }

func (h *redisHandle) renew() {
	defer close(h.done)
	t := time.NewTicker(max(h.m.opts.TTL/3, time.Millisecond))
	defer t.Stop()

	ctx := context.Background()
	ttl := h.m.opts.TTL.Milliseconds()
	for {
		select {
		case <-h.stop:
			return
		case <-t.C:
		}
		n, err := extendScript.Run(ctx, h.m.client, []string{h.m.prefix + h.key}, h.token, ttl).Int64()
		if err != nil {
			// Transient; the next tick retries while the TTL still covers us.
			continue
		}
		if n == 0 {
			close(h.lost)
			return
		}
	}
}

func (h *redisHandle) Release(ctx context.Context) error {
	h.once.Do(func() {
		close(h.stop)
		<-h.done

		n, err := releaseScript.Run(ctx, h.m.client, []string{h.m.prefix + h.key}, h.token).Int64()
		switch {
		case err != nil:
			h.err = fmt.Errorf("redis release: %w", err)
		case n == 0:
			h.err = ErrNotHeld
		}
	})
	return h.err
}

func (m *RedisManager) Acquire(ctx context.Context, key string) (Handle, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(m.opts.Timeout)

	for {
		ok, err := m.client.SetNX(ctx, m.prefix+key, token, m.opts.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%s: %w: %w", key, ErrTimeout, ctx.Err())
			}
			return nil, fmt.Errorf("redis acquire %s: %w", key, err)
		}
		if ok {
			return newRedisHandle(m, key, token), nil
		}

		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%s: %w", key, ErrLocked)
		}
		wait := min(m.opts.RetryInterval, time.Until(deadline))
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%s: %w: %w", key, ErrTimeout, ctx.Err())
		}
	}
}
