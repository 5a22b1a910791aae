package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"chat-gateway/internal/config"

	"github.com/redis/go-redis/v9"
)

// Message is one pub/sub delivery from the broker.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live broker channel subscription. Messages is closed
// when the subscription dies, which the manager treats as a lost connection.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Conn is the narrow broker surface the manager supervises. The redis
// implementation is the only one used in production; tests inject fakes.
type Conn interface {
	Ping(ctx context.Context) error
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) (int64, error)

	// WindowAdmit runs the sliding-window accounting for one request as a
	// single pipelined operation: drop entries older than the window, add
	// this request, count the window, read the oldest entry, refresh the
	// key TTL. Admitted and rejected requests mutate the bucket
	// identically.
	WindowAdmit(ctx context.Context, key string, now time.Time, window time.Duration, member string) (count int64, oldest time.Time, err error)

	Close() error
}

// Dialer establishes a broker connection. Injected into the manager so the
// reconnect loop is unit-testable without a live broker.
type Dialer func(ctx context.Context) (Conn, error)

// NewRedisDialer returns a Dialer that connects to Redis with the
// configured pool settings and verifies the connection with a ping.
func NewRedisDialer(cfg *config.RedisConfig) Dialer {
	return func(ctx context.Context) (Conn, error) {
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   3,
			DialTimeout:  time.Second * 5,
			ReadTimeout:  time.Second * 3,
			WriteTimeout: time.Second * 3,
			PoolTimeout:  time.Second * 4,
		})

		pingCtx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		return &redisConn{client: client}, nil
	}
}

type redisConn struct {
	client *redis.Client
}

func (r *redisConn) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisConn) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *redisConn) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, channel)

	// Confirm the subscription before handing it out.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan Message, 64),
	}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan Message
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.pubsub.Channel() {
		s.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	}
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}

func (r *redisConn) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *redisConn) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return val, err
}

func (r *redisConn) Delete(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

func (r *redisConn) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *redisConn) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (r *redisConn) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatFloat(min, 'f', -1, 64),
		Max: strconv.FormatFloat(max, 'f', -1, 64),
	}).Result()
}

func (r *redisConn) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.ZRem(ctx, key, args...).Result()
}

func (r *redisConn) WindowAdmit(ctx context.Context, key string, now time.Time, window time.Duration, member string) (int64, time.Time, error) {
	nowMs := float64(now.UnixMilli())
	cutoff := nowMs - float64(window.Milliseconds())

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatFloat(cutoff, 'f', -1, 64))
	pipe.ZAdd(ctx, key, redis.Z{Score: nowMs, Member: member})
	card := pipe.ZCard(ctx, key)
	oldest := pipe.ZRangeWithScores(ctx, key, 0, 0)
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("sliding window pipeline failed: %w", err)
	}

	var oldestAt time.Time
	if entries, err := oldest.Result(); err == nil && len(entries) > 0 {
		oldestAt = time.UnixMilli(int64(entries[0].Score))
	}
	return card.Val(), oldestAt, nil
}

func (r *redisConn) Close() error {
	return r.client.Close()
}
