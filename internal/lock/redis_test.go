package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis implements SET NX and the release and extend scripts over a map.
type fakeRedis struct {
	mu      sync.Mutex
	values  map[string]string
	ttls    map[string]time.Duration
	setErr  error
	setNXes int
	extends int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setNXes++
	if f.setErr != nil {
		return redis.NewBoolResult(false, f.setErr)
	}
	if _, ok := f.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = value.(string)
	f.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) release(keys []string, args []interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values[keys[0]] != args[0] {
		return redis.NewCmdResult(int64(0), nil)
	}
	delete(f.values, keys[0])
	return redis.NewCmdResult(int64(1), nil)
}

func (f *fakeRedis) extend(keys []string, args []interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values[keys[0]] != args[0] {
		return redis.NewCmdResult(int64(0), nil)
	}
	f.extends++
	f.ttls[keys[0]] = time.Duration(args[1].(int64)) * time.Millisecond
	return redis.NewCmdResult(int64(1), nil)
}

func (f *fakeRedis) extendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extends
}

func (f *fakeRedis) set(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
}

func (f *fakeRedis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	if strings.Contains(script, "PEXPIRE") {
		return f.extend(keys, args)
	}
	return f.release(keys, args)
}

func (f *fakeRedis) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	if sha1 == extendScript.Hash() {
		return f.extend(keys, args)
	}
	return f.release(keys, args)
}

func (f *fakeRedis) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.release(keys, args)
}

func (f *fakeRedis) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.release(keys, args)
}

func (f *fakeRedis) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (f *fakeRedis) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

func TestRedisAcquireAndRelease(t *testing.T) {
	f := newFakeRedis()
	m := newRedisManager(f, Options{TTL: 10 * time.Second})
	ctx := context.Background()

	h, err := m.Acquire(ctx, "form:d:f1")
	require.NoError(t, err)
	assert.Contains(t, f.values, "formcore:lock:form:d:f1")
	assert.Equal(t, 10*time.Second, f.ttls["formcore:lock:form:d:f1"])

	_, err = m.Acquire(ctx, "form:d:f1")
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, h.Release(ctx))
	assert.NotContains(t, f.values, "formcore:lock:form:d:f1")
}

func TestRedisReleaseAfterTakeover(t *testing.T) {
	f := newFakeRedis()
	m := newRedisManager(f, Options{})
	ctx := context.Background()

	h, err := m.Acquire(ctx, "k")
	require.NoError(t, err)

	// The lock expired and another process took it.
	f.set("formcore:lock:k", "someone-else")

	assert.ErrorIs(t, h.Release(ctx), ErrNotHeld)
	assert.Equal(t, "someone-else", f.values["formcore:lock:k"])
}

func TestRedisRenewsWhileHeld(t *testing.T) {
	f := newFakeRedis()
	m := newRedisManager(f, Options{TTL: 30 * time.Millisecond})
	ctx := context.Background()

	h, err := m.Acquire(ctx, "k")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.extendCount() >= 3 }, time.Second, 5*time.Millisecond)

	select {
	case <-h.(Expiring).Lost():
		t.Fatal("renewed lock reported lost")
	default:
	}
	require.NoError(t, h.Release(ctx))

	// No renewals after release.
	n := f.extendCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, f.extendCount())
}

func TestRedisTakeoverCancelsGuardedWork(t *testing.T) {
	f := newFakeRedis()
	m := newRedisManager(f, Options{TTL: 30 * time.Millisecond})
	ctx := context.Background()

	err := WithLocks(ctx, m, []string{"k"}, func(ctx context.Context) error {
		f.set("formcore:lock:k", "someone-else")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return errors.New("lock loss not noticed")
		}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotHeld)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "someone-else", f.values["formcore:lock:k"])
}

func TestRedisPollsUntilTimeout(t *testing.T) {
	f := newFakeRedis()
	f.values["formcore:lock:k"] = "held"
	m := newRedisManager(f, Options{Timeout: 30 * time.Millisecond, RetryInterval: 5 * time.Millisecond})

	_, err := m.Acquire(context.Background(), "k")
	assert.ErrorIs(t, err, ErrLocked)
	assert.Greater(t, f.setNXes, 1)
}

func TestRedisAcquireAfterHolderReleases(t *testing.T) {
	f := newFakeRedis()
	m := newRedisManager(f, Options{Timeout: time.Second, RetryInterval: 5 * time.Millisecond})
	ctx := context.Background()

	h, err := m.Acquire(ctx, "k")
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = h.Release(ctx)
	}()

	h2, err := m.Acquire(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, h2.Release(ctx))
}

func TestRedisContextCancel(t *testing.T) {
	f := newFakeRedis()
	f.values["formcore:lock:k"] = "held"
	m := newRedisManager(f, Options{Timeout: time.Minute, RetryInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Acquire(ctx, "k")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRedisBackendError(t *testing.T) {
	f := newFakeRedis()
	f.setErr = errors.New("connection refused")
	m := newRedisManager(f, Options{})

	_, err := m.Acquire(context.Background(), "k")
	assert.ErrorContains(t, err, "connection refused")
	assert.False(t, IsLocked(err))
}

func TestNewRedisManagerRequiresAddr(t *testing.T) {
	_, err := NewRedisManager("", "", 0, DefaultOptions())
	assert.Error(t, err)
}

func TestRedisManagerClose(t *testing.T) {
	m, err := NewRedisManager("127.0.0.1:6379", "", 0, DefaultOptions())
	require.NoError(t, err)
	assert.NoError(t, m.Close())

	assert.NoError(t, newRedisManager(newFakeRedis(), DefaultOptions()).Close())
}
