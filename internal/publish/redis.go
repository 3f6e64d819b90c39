package publish

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/1vbutkus/fish-sub000/internal/ladder"
	"github.com/1vbutkus/fish-sub000/internal/monitor"
)

// RedisClient abstracts the Redis operations used by RedisWriter.
// In production this is satisfied by NewGoRedisClient; in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

type goRedisClient struct {
	c redis.UniversalClient
}

// NewGoRedisClient adapts a go-redis client to RedisClient.
func NewGoRedisClient(c redis.UniversalClient) RedisClient {
	return goRedisClient{c: c}
}

func (g goRedisClient) HSet(ctx context.Context, key string, values ...any) error {
	return g.c.HSet(ctx, key, values...).Err()
}

// Dial connects to Redis at addr and pings it.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return c, nil
}

// KeyPrefix is prepended to the condition id to form the hash key.
const KeyPrefix = "netbook:"

type quoteSnapshot struct {
	bid, ask int64
}

// RedisWriter persists the net top of book of every market into Redis:
//
//	Key:    netbook:{condition_id}
//	Fields: asset, bid, ask, ts
//
// Prices are decimal strings ("0.52"), ts is unix milliseconds. Unchanged
// quotes are not rewritten.
type RedisWriter struct {
	client RedisClient
	feed   <-chan monitor.Quote
	buf    chan monitor.Quote
	log    *zap.Logger

	mu   sync.Mutex
	last map[string]quoteSnapshot
}

// NewRedisWriter creates a RedisWriter reading from a Broadcaster's
// SubscribeAll channel.
func NewRedisWriter(client RedisClient, feed <-chan monitor.Quote, log *zap.Logger) *RedisWriter {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisWriter{
		client: client,
		feed:   feed,
		buf:    make(chan monitor.Quote, 1024),
		log:    log,
		last:   make(map[string]quoteSnapshot),
	}
}

// Run drains the feed into an internal buffer and flushes it to Redis from
// a second goroutine. It blocks until ctx is cancelled or the feed closes.
func (rw *RedisWriter) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer close(rw.buf)
		for {
			select {
			case <-ctx.Done():
				return
			case q, ok := <-rw.feed:
				if !ok {
					return
				}
				select {
				case rw.buf <- q:
				default:
					rw.log.Warn("redis buffer full, dropping quote", zap.String("condition_id", q.ConditionID))
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case q, ok := <-rw.buf:
				if !ok {
					return
				}
				rw.write(ctx, q)
			}
		}
	}()

	wg.Wait()
}

func (rw *RedisWriter) write(ctx context.Context, q monitor.Quote) {
	key := KeyPrefix + q.ConditionID
	snap := quoteSnapshot{bid: q.Bid, ask: q.Ask}

	rw.mu.Lock()
	if prev, ok := rw.last[key]; ok && prev == snap {
		rw.mu.Unlock()
		return
	}
	rw.last[key] = snap
	rw.mu.Unlock()

	ts := strconv.FormatInt(q.RefreshedAt.UnixMilli(), 10)
	err := rw.client.HSet(ctx, key,
		"asset", q.AssetID,
		"bid", ladder.FormatFixed(q.Bid),
		"ask", ladder.FormatFixed(q.Ask),
		"ts", ts,
	)
	if err != nil {
		// Forget the snapshot so the next quote retries the write.
		rw.mu.Lock()
		delete(rw.last, key)
		rw.mu.Unlock()
		rw.log.Warn("redis hset failed", zap.String("key", key), zap.Error(err))
	}
}
