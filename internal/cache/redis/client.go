// Package redis backs the shared embedding cache and the cross-process
// session lock.
package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rag-agent/backend/pkg/apperr"
	"github.com/rag-agent/backend/pkg/logger"
)

// releaseScript deletes the lock only if it still holds our token, so an
// expired holder never frees a lock someone else has since taken.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript pushes the expiry out only while the lock still holds our
// token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type Client struct {
	client       *redis.Client
	embeddingTTL time.Duration
	lockTTL      time.Duration
	lockWait     time.Duration
	pollInterval time.Duration
}

type Options struct {
	Host         string
	Port         int
	Password     string
	DB           int
	EmbeddingTTL time.Duration
	LockTTL      time.Duration
	LockWait     time.Duration
}

func NewClient(ctx context.Context, opts Options) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", addr))

	c := &Client{
		client:       client,
		embeddingTTL: opts.EmbeddingTTL,
		lockTTL:      opts.LockTTL,
		lockWait:     opts.LockWait,
		pollInterval: 50 * time.Millisecond,
	}
	if c.lockTTL <= 0 {
		c.lockTTL = 30 * time.Second
	}
	if c.lockWait <= 0 {
		c.lockWait = 10 * time.Second
	}
	return c, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// GetVector and SetVector satisfy the embedding cache contract. Redis
// failures degrade to a miss.
func (c *Client) GetVector(ctx context.Context, key string) ([]float32, bool) {
	data, err := c.client.Get(ctx, "embedding:"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		logger.Warn("Embedding cache read failed", zap.Error(err))
		return nil, false
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		logger.Warn("Discarding corrupt cached embedding", zap.String("key", key), zap.Error(err))
		return nil, false
	}

	return embedding, true
}

func (c *Client) SetVector(ctx context.Context, key string, vec []float32) {
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, "embedding:"+key, data, c.embeddingTTL).Err(); err != nil {
		logger.Warn("Embedding cache write failed", zap.Error(err))
	}
}

// Lock takes the named lock, polling until it is free or the wait budget
// runs out. While held, the lock is renewed every third of its TTL, so a
// long handling flow keeps it; if the holder dies it expires after the TTL.
func (c *Client) Lock(ctx context.Context, name string) (func(), error) {
	key := "lock:" + name
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.lockWait)
	for {
		ok, err := c.client.SetNX(ctx, key, token, c.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", apperr.ErrLockTimeout, name)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(stop, c.lockTTL/3, func() (bool, error) {
			rctx, cancel := context.WithTimeout(context.Background(), c.lockTTL/3)
			defer cancel()
			n, err := renewScript.Run(rctx, c.client, []string{key}, token, c.lockTTL.Milliseconds()).Int()
			return n == 1, err
		}, name)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done

			// The caller's context may already be done when it unlocks.
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, c.client, []string{key}, token).Err(); err != nil {
				logger.Warn("Failed to release lock", zap.String("lock", name), zap.Error(err))
			}
		})
	}, nil
}

// keepAlive calls renew every interval until stop is closed or the lock is
// found to belong to someone else. A failed call is retried on the next
// tick; the TTL leaves room for two misses.
func keepAlive(stop <-chan struct{}, interval time.Duration, renew func() (bool, error), name string) {
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			held, err := renew()
			if err != nil {
				logger.Warn("Failed to renew lock", zap.String("lock", name), zap.Error(err))
				continue
			}
			if !held {
				logger.Error("Lock lost before release", zap.String("lock", name))
				return
			}
		}
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
