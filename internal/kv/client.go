// Package kv wraps the external key-value + pub/sub store. One connection
// pool serves commands; a dedicated client owns blocking subscribes. All
// calls are gated by the storage circuit breaker so the runtime fails fast
// during outages instead of piling up timeouts.
package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/agentd/internal/backoff"
	"github.com/nextlevelbuilder/agentd/internal/breaker"
)

// ErrStorageUnavailable is returned for reads while the store is
// unreachable (circuit open or connection refused).
var ErrStorageUnavailable = errors.New("kv: storage unavailable")

// ErrNotFound is returned by Get/HGet when the key is absent.
var ErrNotFound = errors.New("kv: not found")

// maxBufferedWrites bounds the in-memory write buffer used while the
// breaker is open. Overflow drops the oldest entry with a log line.
const maxBufferedWrites = 1024

type bufferedWrite struct {
	desc string
	fn   func(ctx context.Context) error
}

// Client is the process-wide KV client.
type Client struct {
	rdb     *redis.Client // command connection pool
	sub     *redis.Client // dedicated subscriber connections
	breaker *breaker.Breaker

	mu     sync.Mutex
	buffer []bufferedWrite
}

// New connects to the store at url (redis://host:port/db) and returns a
// client gated by br. The connection is verified with a ping; callers that
// can start degraded should ignore a ping error.
func New(url string, br *breaker.Breaker) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kv: parse url: %w", err)
	}
	c := &Client{
		rdb:     redis.NewClient(opts),
		sub:     redis.NewClient(opts),
		breaker: br,
	}
	return c, nil
}

// Ping verifies connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.Ping(ctx).Err()
	})
}

// Close releases both connection pools.
func (c *Client) Close() error {
	err1 := c.rdb.Close()
	err2 := c.sub.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// do runs op under the breaker, recording the outcome.
func (c *Client) do(ctx context.Context, op func(ctx context.Context) error) error {
	if c.breaker != nil && !c.breaker.IsCallPermitted() {
		return ErrStorageUnavailable
	}
	err := op(ctx)
	if c.breaker != nil {
		// redis.Nil is a miss, not a failure.
		if err != nil && !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
			c.startFlush()
		}
	}
	if err != nil && !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) {
		return errors.Join(ErrStorageUnavailable, err)
	}
	return err
}

// Get returns the string value at key, or ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.Get(ctx, key).Result()
		val = v
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

// Set stores value at key with a TTL (0 = no expiry). While the store is
// down the write is buffered and replayed on recovery.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	err := c.do(ctx, func(ctx context.Context) error {
		return c.rdb.Set(ctx, key, value, ttl).Err()
	})
	if errors.Is(err, ErrStorageUnavailable) {
		c.bufferWrite("SET "+key, func(ctx context.Context) error {
			return c.rdb.Set(ctx, key, value, ttl).Err()
		})
	}
	return err
}

// SetNX stores value only if key is absent; reports whether it was set.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
		ok = v
		return err
	})
	return ok, err
}

// Del removes keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.Del(ctx, keys...).Err()
	})
}

// HSet writes field/value pairs into a hash.
func (c *Client) HSet(ctx context.Context, key string, pairs map[string]string) error {
	args := make([]interface{}, 0, len(pairs)*2)
	for k, v := range pairs {
		args = append(args, k, v)
	}
	err := c.do(ctx, func(ctx context.Context) error {
		return c.rdb.HSet(ctx, key, args...).Err()
	})
	if errors.Is(err, ErrStorageUnavailable) {
		c.bufferWrite("HSET "+key, func(ctx context.Context) error {
			return c.rdb.HSet(ctx, key, args...).Err()
		})
	}
	return err
}

// HGet returns one hash field, or ErrNotFound.
func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	var val string
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.HGet(ctx, key, field).Result()
		val = v
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

// HGetAll returns all fields of a hash (empty map if absent).
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var val map[string]string
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.HGetAll(ctx, key).Result()
		val = v
		return err
	})
	return val, err
}

// SAdd adds members to a set.
func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.SAdd(ctx, key, args...).Err()
	})
}

// SRem removes members from a set.
func (c *Client) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.SRem(ctx, key, args...).Err()
	})
}

// SMembers returns all members of a set.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	var val []string
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.SMembers(ctx, key).Result()
		val = v
		return err
	})
	return val, err
}

// LPush pushes values onto the head of a list.
func (c *Client) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	err := c.do(ctx, func(ctx context.Context) error {
		return c.rdb.LPush(ctx, key, args...).Err()
	})
	if errors.Is(err, ErrStorageUnavailable) {
		c.bufferWrite("LPUSH "+key, func(ctx context.Context) error {
			return c.rdb.LPush(ctx, key, args...).Err()
		})
	}
	return err
}

// LTrim bounds a list to [start, stop].
func (c *Client) LTrim(ctx context.Context, key string, start, stop int64) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.LTrim(ctx, key, start, stop).Err()
	})
}

// LRange returns list entries in [start, stop].
func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var val []string
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.LRange(ctx, key, start, stop).Result()
		val = v
		return err
	})
	return val, err
}

// BRPop blocks until a value is available on one of the keys, scanning
// them in order. Returns the key popped from and the value. A timeout with
// nothing available returns ErrNotFound.
func (c *Client) BRPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error) {
	var key, val string
	err := c.do(ctx, func(ctx context.Context) error {
		res, err := c.rdb.BRPop(ctx, timeout, keys...).Result()
		if err != nil {
			return err
		}
		key, val = res[0], res[1]
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return "", "", ErrNotFound
	}
	return key, val, err
}

// Expire sets a TTL on an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.Expire(ctx, key, ttl).Err()
	})
}

// Publish sends payload on a pub/sub channel. Fire-and-forget at the bus
// layer; here failures are reported so the notifier can log them.
func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.Publish(ctx, channel, payload).Err()
	})
}

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// PSubscribe pattern-subscribes on the dedicated subscriber connection and
// delivers messages to handler until ctx is done. Reconnects with storage
// backoff on subscription errors.
func (c *Client) PSubscribe(ctx context.Context, pattern string, handler func(Message)) {
	attempt := 0
	for ctx.Err() == nil {
		pubsub := c.sub.PSubscribe(ctx, pattern)
		ch := pubsub.Channel()

		attempt = 0
	recv:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				handler(Message{Channel: msg.Channel, Payload: msg.Payload})
			}
		}
		pubsub.Close()

		attempt++
		slog.Warn("kv: subscribe connection lost, reconnecting", "pattern", pattern, "attempt", attempt)
		if err := backoff.Sleep(ctx, backoff.Storage, attempt); err != nil {
			return
		}
	}
}

// Subscribe is PSubscribe for a literal channel name.
func (c *Client) Subscribe(ctx context.Context, channel string, handler func(Message)) {
	c.PSubscribe(ctx, channel, handler)
}

// bufferWrite queues a write for replay once the store recovers.
func (c *Client) bufferWrite(desc string, fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffer) >= maxBufferedWrites {
		dropped := c.buffer[0]
		c.buffer = c.buffer[1:]
		slog.Warn("kv: write buffer full, dropping oldest", "dropped", dropped.desc)
	}
	c.buffer = append(c.buffer, bufferedWrite{desc: desc, fn: fn})
	slog.Debug("kv: buffered write", "op", desc, "queued", len(c.buffer))
}

// startFlush replays buffered writes after a successful call. The flush
// runs once per recovery on its own goroutine.
func (c *Client) startFlush() {
	c.mu.Lock()
	n := len(c.buffer)
	c.mu.Unlock()
	if n == 0 {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for {
			c.mu.Lock()
			if len(c.buffer) == 0 {
				c.mu.Unlock()
				return
			}
			w := c.buffer[0]
			c.buffer = c.buffer[1:]
			c.mu.Unlock()

			if err := w.fn(ctx); err != nil {
				slog.Warn("kv: flush failed, re-buffering", "op", w.desc, "error", err)
				c.bufferWrite(w.desc, w.fn)
				return
			}
			slog.Debug("kv: flushed buffered write", "op", w.desc)
		}
	}()
}
