// Package locker serializes balance-mutating work per (account, currency)
// key. A Redis lease coordinates across instances when Redis is configured;
// an in-process mutex map covers single-instance deployments and tests.
package locker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockHeld is returned when the key is already leased by another holder.
var ErrLockHeld = fmt.Errorf("lock already held")

const (
	defaultTTL   = 30 * time.Second
	acquireRetry = 100 * time.Millisecond
)

// releaseScript deletes the lease only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0
`)

// Locker hands out exclusive leases on string keys.
type Locker struct {
	redis *redis.Client
	ttl   time.Duration

	mu    sync.Mutex
	local map[string]*localLock
}

type localLock struct {
	ch   chan struct{}
	refs int
}

// New creates a Locker. client may be nil, in which case only the
// in-process lock applies.
func New(client *redis.Client) *Locker {
	return &Locker{redis: client, ttl: defaultTTL, local: make(map[string]*localLock)}
}

// Key builds the conventional (account, currency) lock key.
func Key(accountID, currency string) string {
	return "lock:balance:" + accountID + ":" + currency
}

// Acquire blocks until the key is leased or ctx expires, then returns a
// release function. Release is safe to call exactly once.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	lock := l.localFor(key)
	select {
	case lock.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(key)
		return nil, fmt.Errorf("acquire %s: %w", key, ctx.Err())
	}

	if l.redis == nil {
		return func() {
			<-lock.ch
			l.drop(key)
		}, nil
	}

	token := uuid.NewString()
	for {
		ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			// Redis being down must not halt the ledger; the in-process
			// lock still guards this instance.
			zap.L().Warn("redis lease unavailable, using local lock only",
				zap.String("key", key), zap.Error(err))
			return func() {
				<-lock.ch
				l.drop(key)
			}, nil
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			<-lock.ch
			l.drop(key)
			return nil, fmt.Errorf("acquire %s: %w", key, ctx.Err())
		case <-time.After(acquireRetry):
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.redis, []string{key}, token).Err(); err != nil {
			zap.L().Warn("redis lease release failed, letting it expire",
				zap.String("key", key), zap.Error(err))
		}
		<-lock.ch
		l.drop(key)
	}, nil
}

// TryAcquire is the non-blocking variant, returning ErrLockHeld when busy.
func (l *Locker) TryAcquire(ctx context.Context, key string) (func(), error) {
	lock := l.localFor(key)
	select {
	case lock.ch <- struct{}{}:
	default:
		l.drop(key)
		return nil, fmt.Errorf("%s: %w", key, ErrLockHeld)
	}

	if l.redis == nil {
		return func() {
			<-lock.ch
			l.drop(key)
		}, nil
	}

	token := uuid.NewString()
	ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		zap.L().Warn("redis lease unavailable, using local lock only",
			zap.String("key", key), zap.Error(err))
		return func() {
			<-lock.ch
			l.drop(key)
		}, nil
	}
	if !ok {
		<-lock.ch
		l.drop(key)
		return nil, fmt.Errorf("%s: %w", key, ErrLockHeld)
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.redis, []string{key}, token).Err(); err != nil {
			zap.L().Warn("redis lease release failed, letting it expire",
				zap.String("key", key), zap.Error(err))
		}
		<-lock.ch
		l.drop(key)
	}, nil
}

func (l *Locker) localFor(key string) *localLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.local[key]
	if !ok {
		lock = &localLock{ch: make(chan struct{}, 1)}
		l.local[key] = lock
	}
	lock.refs++
	return lock
}

func (l *Locker) drop(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.local[key]
	if !ok {
		return
	}
	lock.refs--
	if lock.refs == 0 {
		delete(l.local, key)
	}
}
