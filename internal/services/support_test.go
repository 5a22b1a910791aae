package services

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"chat-gateway/internal/broker"
	"chat-gateway/internal/config"
	"chat-gateway/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// fakeBrokerConn is an in-memory broker: key-value with TTL semantics
// ignored, sorted sets, and pub/sub with local loopback so a publish on a
// subscribed channel is delivered back through the manager's pump, the
// same way a process hears its own Redis publishes.
type fakeBrokerConn struct {
	mu        sync.Mutex
	kv        map[string][]byte
	zsets     map[string]map[string]float64
	subs      map[string]*fakeBrokerSub
	published []broker.Message
	opErr     error
}

type fakeBrokerSub struct {
	owner   *fakeBrokerConn
	channel string
	ch      chan broker.Message
	once    sync.Once
}

func (s *fakeBrokerSub) Messages() <-chan broker.Message { return s.ch }

// Close deregisters before closing, so a later publish on the channel is
// recorded instead of hitting a closed channel.
func (s *fakeBrokerSub) Close() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		if s.owner.subs[s.channel] == s {
			delete(s.owner.subs, s.channel)
		}
		close(s.ch)
		s.owner.mu.Unlock()
	})
	return nil
}

func newFakeBrokerConn() *fakeBrokerConn {
	return &fakeBrokerConn{
		kv:    make(map[string][]byte),
		zsets: make(map[string]map[string]float64),
		subs:  make(map[string]*fakeBrokerSub),
	}
}

func (c *fakeBrokerConn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opErr = err
}

func (c *fakeBrokerConn) publishedTo(channel string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, m := range c.published {
		if m.Channel == channel {
			out = append(out, m.Payload)
		}
	}
	return out
}

func (c *fakeBrokerConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opErr
}

// Publish delivers under the mutex so a concurrent Close can never leave
// a send racing a closed channel.
func (c *fakeBrokerConn) Publish(ctx context.Context, channel string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opErr != nil {
		return c.opErr
	}
	c.published = append(c.published, broker.Message{Channel: channel, Payload: payload})
	if sub := c.subs[channel]; sub != nil {
		sub.ch <- broker.Message{Channel: channel, Payload: payload}
	}
	return nil
}

func (c *fakeBrokerConn) Subscribe(ctx context.Context, channel string) (broker.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opErr != nil {
		return nil, c.opErr
	}
	sub := &fakeBrokerSub{owner: c, channel: channel, ch: make(chan broker.Message, 256)}
	c.subs[channel] = sub
	return sub, nil
}

func (c *fakeBrokerConn) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opErr != nil {
		return c.opErr
	}
	c.kv[key] = value
	return nil
}

func (c *fakeBrokerConn) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opErr != nil {
		return nil, c.opErr
	}
	return c.kv[key], nil
}

func (c *fakeBrokerConn) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opErr != nil {
		return c.opErr
	}
	for _, k := range keys {
		delete(c.kv, k)
	}
	return nil
}

func (c *fakeBrokerConn) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opErr != nil {
		return false, c.opErr
	}
	if _, exists := c.kv[key]; exists {
		return false, nil
	}
	c.kv[key] = value
	return true, nil
}

func (c *fakeBrokerConn) ZAdd(ctx context.Context, key string, score float64, member string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opErr != nil {
		return c.opErr
	}
	if c.zsets[key] == nil {
		c.zsets[key] = make(map[string]float64)
	}
	c.zsets[key][member] = score
	return nil
}

func (c *fakeBrokerConn) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opErr != nil {
		return nil, c.opErr
	}
	type entry struct {
		member string
		score  float64
	}
	var entries []entry
	for member, score := range c.zsets[key] {
		if score >= min && score <= max {
			entries = append(entries, entry{member, score})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].score < entries[j].score })
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.member
	}
	return out, nil
}

func (c *fakeBrokerConn) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opErr != nil {
		return 0, c.opErr
	}
	var removed int64
	for _, m := range members {
		if _, ok := c.zsets[key][m]; ok {
			delete(c.zsets[key], m)
			removed++
		}
	}
	return removed, nil
}

func (c *fakeBrokerConn) WindowAdmit(ctx context.Context, key string, now time.Time, window time.Duration, member string) (int64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opErr != nil {
		return 0, time.Time{}, c.opErr
	}

	nowMs := float64(now.UnixMilli())
	cutoff := nowMs - float64(window.Milliseconds())

	if c.zsets[key] == nil {
		c.zsets[key] = make(map[string]float64)
	}
	for m, score := range c.zsets[key] {
		if score <= cutoff {
			delete(c.zsets[key], m)
		}
	}
	c.zsets[key][member] = nowMs

	var oldest float64
	for _, score := range c.zsets[key] {
		if oldest == 0 || score < oldest {
			oldest = score
		}
	}
	return int64(len(c.zsets[key])), time.UnixMilli(int64(oldest)), nil
}

func (c *fakeBrokerConn) Close() error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			MaxConnections:  100,
			ShutdownTimeout: time.Second,
		},
		Redis: config.RedisConfig{
			Addr:               "fake:6379",
			ReconnectBaseDelay: time.Millisecond,
			ReconnectMaxDelay:  time.Millisecond * 10,
			DegradedThreshold:  3,
			PublishBufferSize:  10,
			PingInterval:       time.Hour,
		},
		Gateway: config.GatewayConfig{
			HeartbeatInterval: time.Second * 30,
			HeartbeatMisses:   3,
			PresenceTTL:       time.Second * 20,
			PresenceSweep:     time.Hour,
			AckTimeout:        time.Millisecond * 10,
			MaxRetries:        2,
			RetrySweep:        time.Hour,
			ReplayBufferSize:  4,
			ResumeWindow:      time.Minute * 2,
			MaxFrameSize:      1 << 20,
		},
		RateLimit: config.RateLimitConfig{
			IPLimit:     100,
			IPWindow:    time.Minute,
			UserLimit:   5,
			UserWindow:  time.Minute,
			APIKeyLimit: 1000,
			APIWindow:   time.Minute,
			FailOpen:    true,
			LocalRate:   100,
			LocalBurst:  100,
		},
	}
}

// newTestBroker builds a connected manager over a single fake connection.
func newTestBroker(t *testing.T) (*broker.Manager, *fakeBrokerConn) {
	t.Helper()
	conn := newFakeBrokerConn()
	cfg := testConfig()
	m := broker.NewManager(&cfg.Redis, func(ctx context.Context) (broker.Conn, error) {
		return conn, nil
	})
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(func() { m.Close() })
	return m, conn
}

// makeConn builds a registered-looking connection without a socket. The
// send channel stands in for the write pump.
func makeConn(userID string) *WebSocketConnection {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &WebSocketConnection{
		ID:       uuid.New().String(),
		UserID:   userID,
		JoinedAt: time.Now(),
		rooms:    make(map[string]struct{}),
		SendChan: make(chan []byte, 256),
		ctx:      ctx,
		cancel:   cancel,
	}
	conn.state.Store(int32(models.ConnStateOpen))
	conn.Heartbeat()
	return conn
}

// drainFrame pops one queued frame off a connection, failing if none
// arrives in time.
func drainFrame(t *testing.T, conn *WebSocketConnection) []byte {
	t.Helper()
	select {
	case data := <-conn.SendChan:
		return data
	case <-time.After(time.Second):
		t.Fatalf("no frame queued for connection %s", conn.ID)
		return nil
	}
}
