// Package runlock ensures at most one payment run is active at a time.
package runlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"loanledger/internal/core"
	applog "loanledger/internal/log"
)

// DefaultKey is the Redis key guarding the daily payment run.
const DefaultKey = "loanledger:payment-run"

// minTTL keeps the renewal interval well above Redis round trips.
const minTTL = 30 * time.Millisecond

// releaseScript deletes the key only while it still holds our token, so a holder
// whose lease expired cannot drop a successor's lock.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only while the key still holds our token.
var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a lease-based lock shared by every process pointed at the same server.
type Redis struct {
	client *goredis.Client
	key    string
	ttl    time.Duration
}

// NewRedis creates a lock on key. ttl bounds how long a crashed holder blocks
// later runs; a live holder renews the lease every ttl/3 until it releases.
func NewRedis(client *goredis.Client, key string, ttl time.Duration) *Redis {
	if key == "" {
		key = DefaultKey
	}
	if ttl < minTTL {
		ttl = minTTL
	}
	return &Redis{client: client, key: key, ttl: ttl}
}

// Connect opens a Redis client and verifies it with a ping.
func Connect(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

func (l *Redis) Acquire(ctx context.Context) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, core.Infra(fmt.Errorf("acquire run lock: %w", err))
	}
	if !ok {
		return nil, core.ErrRunInProgress
	}

	renewCtx, stopRenewal := context.WithCancel(context.Background())
	renewed := make(chan struct{})
	go l.keepAlive(renewCtx, token, renewed)

	var once sync.Once
	release := func() {
		once.Do(func() {
			stopRenewal()
			<-renewed
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
				slog.Error("Failed to release run lock",
					applog.FieldComponent, applog.ComponentRunLock,
					"key", l.key,
					applog.FieldError, err)
			}
		})
	}
	return release, nil
}

// keepAlive extends the lease until ctx is done or the lease turns out to be lost.
func (l *Redis) keepAlive(ctx context.Context, token string, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := renewScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int()
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			slog.Warn("Failed to renew run lock",
				applog.FieldComponent, applog.ComponentRunLock,
				"key", l.key,
				applog.FieldError, err)
		case n == 0:
			slog.Error("Run lock lease lost, another run may start",
				applog.FieldComponent, applog.ComponentRunLock,
				"key", l.key)
			return
		}
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Local is an in-process lock for single-instance deployments and tests.
type Local struct {
	mu   sync.Mutex
	held bool
}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Acquire(context.Context) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, core.ErrRunInProgress
	}
	l.held = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.held = false
			l.mu.Unlock()
		})
	}, nil
}
