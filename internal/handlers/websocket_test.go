package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"chat-gateway/internal/auth"
	"chat-gateway/internal/broker"
	"chat-gateway/internal/config"
	"chat-gateway/internal/models"
	"chat-gateway/internal/services"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "gateway-test-secret"

// fakeBroker is an in-memory broker.Conn with pub/sub loopback, so the
// gateway's publishes come back through its own subscriptions the way
// they do against Redis.
type fakeBroker struct {
	mu        sync.Mutex
	kv        map[string][]byte
	zsets     map[string]map[string]float64
	subs      map[string]*fakeBrokerSub
	published []broker.Message
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		kv:    make(map[string][]byte),
		zsets: make(map[string]map[string]float64),
		subs:  make(map[string]*fakeBrokerSub),
	}
}

func (c *fakeBroker) Ping(ctx context.Context) error { return nil }

// Publish delivers under the mutex so a concurrent Close can never leave
// a send racing a closed channel.
func (c *fakeBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, broker.Message{Channel: channel, Payload: payload})
	if sub := c.subs[channel]; sub != nil {
		sub.ch <- broker.Message{Channel: channel, Payload: payload}
	}
	return nil
}

func (c *fakeBroker) publishedTo(channel string) [][]byte {
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

type fakeBrokerSub struct {
	owner   *fakeBroker
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

func (c *fakeBroker) Subscribe(ctx context.Context, channel string) (broker.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := &fakeBrokerSub{owner: c, channel: channel, ch: make(chan broker.Message, 256)}
	c.subs[channel] = sub
	return sub, nil
}

func (c *fakeBroker) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kv[key] = value
	return nil
}

func (c *fakeBroker) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kv[key], nil
}

func (c *fakeBroker) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.kv, k)
	}
	return nil
}

func (c *fakeBroker) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.kv[key]; exists {
		return false, nil
	}
	c.kv[key] = value
	return true, nil
}

func (c *fakeBroker) ZAdd(ctx context.Context, key string, score float64, member string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.zsets[key] == nil {
		c.zsets[key] = make(map[string]float64)
	}
	c.zsets[key][member] = score
	return nil
}

func (c *fakeBroker) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for member, score := range c.zsets[key] {
		if score >= min && score <= max {
			out = append(out, member)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (c *fakeBroker) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed int64
	for _, m := range members {
		if _, ok := c.zsets[key][m]; ok {
			delete(c.zsets[key], m)
			removed++
		}
	}
	return removed, nil
}

func (c *fakeBroker) WindowAdmit(ctx context.Context, key string, now time.Time, window time.Duration, member string) (int64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
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

func (c *fakeBroker) Close() error { return nil }

// fakeMembership answers membership checks from a fixed allow set.
type fakeMembership struct {
	mu      sync.Mutex
	allowed map[string]bool // "user/room"
}

func (m *fakeMembership) allow(userID, roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.allowed == nil {
		m.allowed = make(map[string]bool)
	}
	m.allowed[userID+"/"+roomID] = true
}

func (m *fakeMembership) revoke(userID, roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.allowed, userID+"/"+roomID)
}

func (m *fakeMembership) IsRoomMember(userID, roomID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowed[userID+"/"+roomID], nil
}

type gatewayFixture struct {
	cfg        *config.Config
	handler    *GatewayHandler
	manager    *broker.Manager
	fake       *fakeBroker
	cm         *services.ConnectionManager
	delivery   *services.DeliveryTracker
	membership *fakeMembership
}

func testGatewayConfig() *config.Config {
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
		Auth: config.AuthConfig{
			JWTSecret: testSecret,
			Issuer:    "chat-gateway",
		},
		Gateway: config.GatewayConfig{
			HeartbeatInterval: time.Second * 30,
			HeartbeatMisses:   3,
			PresenceTTL:       time.Second * 20,
			PresenceSweep:     time.Hour,
			AckTimeout:        time.Second * 10,
			MaxRetries:        3,
			RetrySweep:        time.Hour,
			ReplayBufferSize:  16,
			ResumeWindow:      time.Minute,
			MaxFrameSize:      1 << 20,
		},
		RateLimit: config.RateLimitConfig{
			IPLimit:     1000,
			IPWindow:    time.Minute,
			UserLimit:   50,
			UserWindow:  time.Minute,
			APIKeyLimit: 1000,
			APIWindow:   time.Minute,
			FailOpen:    true,
			LocalRate:   1000,
			LocalBurst:  1000,
		},
	}
}

func newGatewayFixture(t *testing.T, cfg *config.Config) *gatewayFixture {
	t.Helper()
	if cfg == nil {
		cfg = testGatewayConfig()
	}

	fake := newFakeBroker()
	manager := broker.NewManager(&cfg.Redis, func(ctx context.Context) (broker.Conn, error) {
		return fake, nil
	})
	require.NoError(t, manager.Connect(context.Background()))
	t.Cleanup(func() { manager.Close() })

	delivery, err := services.NewDeliveryTracker(&cfg.Gateway, nil)
	require.NoError(t, err)
	cm, err := services.NewConnectionManager(cfg)
	require.NoError(t, err)
	bridge, err := services.NewFanoutBridge(manager, cm, delivery, "proc-1")
	require.NoError(t, err)
	delivery.Wire(bridge)

	presence, err := services.NewPresenceTracker(&cfg.Gateway, manager, bridge, "proc-1")
	require.NoError(t, err)
	limiter, err := services.NewRateLimiter(&cfg.RateLimit, manager)
	require.NoError(t, err)
	validator, err := auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	require.NoError(t, err)

	membership := &fakeMembership{}
	handler, err := NewGatewayHandler(cfg, validator, membership, cm, bridge, presence, delivery, limiter, manager)
	require.NoError(t, err)
	cm.Wire(bridge, delivery, handler.HandleFrame, handler.HandleConnectionClosed)
	t.Cleanup(func() { cm.Close() })

	return &gatewayFixture{
		cfg:        cfg,
		handler:    handler,
		manager:    manager,
		fake:       fake,
		cm:         cm,
		delivery:   delivery,
		membership: membership,
	}
}

// register attaches a pipe-backed connection to the manager. The client
// end is returned for reading server frames.
func (f *gatewayFixture) register(t *testing.T, userID string) (*services.WebSocketConnection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	conn, err := f.cm.Register(server, &auth.Claims{UserID: userID, Platform: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return conn, client
}

func readServerFrame(t *testing.T, client net.Conn) *models.Frame {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
	data, _, err := wsutil.ReadServerData(client)
	require.NoError(t, err)
	var frame models.Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return &frame
}

// drainClient reads until a short deadline fires, discarding whatever the
// server queued so far.
func drainClient(client net.Conn) {
	for {
		client.SetReadDeadline(time.Now().Add(time.Millisecond * 100))
		if _, _, err := wsutil.ReadServerData(client); err != nil {
			return
		}
	}
}

func signTestToken(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    "chat-gateway",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestHandshakeAcceptsValidToken(t *testing.T) {
	f := newGatewayFixture(t, nil)
	server := httptest.NewServer(f.handler.Router())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + signTestToken(t, "alice")
	conn, _, _, err := ws.DefaultDialer.Dial(context.Background(), url)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return f.cm.ConnectionCount() == 1
	}, time.Second, time.Millisecond*5)
}

func TestHandshakeClosesInvalidTokenWithAuthCode(t *testing.T) {
	f := newGatewayFixture(t, nil)
	server := httptest.NewServer(f.handler.Router())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=garbage"
	conn, br, _, err := ws.DefaultDialer.Dial(context.Background(), url)
	require.NoError(t, err)
	defer conn.Close()

	// The dialer may have buffered the close frame already; read through
	// its reader when one comes back.
	var rd io.Reader = conn
	if br != nil {
		rd = br
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	frame, err := ws.ReadFrame(rd)
	require.NoError(t, err)
	require.Equal(t, ws.OpClose, frame.Header.OpCode)
	code, _ := ws.ParseCloseFrameData(frame.Payload)
	assert.Equal(t, ws.StatusCode(models.CloseAuthFailure), code)
	assert.Equal(t, int64(0), f.cm.ConnectionCount())
}

func TestProtocolViolationClosesWithProtocolCode(t *testing.T) {
	f := newGatewayFixture(t, nil)
	conn, client := f.register(t, "alice")

	// The close frame is written synchronously on an unbuffered pipe, so
	// the dispatch has to run concurrently with the read.
	go f.handler.HandleFrame(conn, []byte(`{"type":"send","room_id":"r1"}`))

	client.SetReadDeadline(time.Now().Add(time.Second))
	frame, err := ws.ReadFrame(client)
	require.NoError(t, err)
	require.Equal(t, ws.OpClose, frame.Header.OpCode)
	code, _ := ws.ParseCloseFrameData(frame.Payload)
	assert.Equal(t, ws.StatusCode(models.CloseProtocolViolation), code)

	require.Eventually(t, func() bool {
		return f.cm.ConnectionCount() == 0
	}, time.Second, time.Millisecond*5)
}

func TestJoinDeniedForNonMember(t *testing.T) {
	f := newGatewayFixture(t, nil)
	conn, client := f.register(t, "alice")

	f.handler.HandleFrame(conn, []byte(`{"type":"join","room_id":"r1"}`))

	frame := readServerFrame(t, client)
	require.Equal(t, models.FrameError, frame.Type)
	var payload models.ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, http.StatusForbidden, payload.Code)
	assert.False(t, conn.InRoom("r1"))
}

func TestJoinBroadcastsPresenceAndMemberEvents(t *testing.T) {
	f := newGatewayFixture(t, nil)
	f.membership.allow("alice", "r1")
	conn, client := f.register(t, "alice")

	f.handler.HandleFrame(conn, []byte(`{"type":"join","room_id":"r1"}`))
	assert.True(t, conn.InRoom("r1"))

	// The joiner hears its own presence delta and member_joined through
	// the loopback, in publish order.
	first := readServerFrame(t, client)
	assert.Equal(t, models.FramePresenceUpdate, first.Type)
	second := readServerFrame(t, client)
	assert.Equal(t, models.FrameMemberJoined, second.Type)
}

func TestSendReachesOtherMembersButNotTheSender(t *testing.T) {
	f := newGatewayFixture(t, nil)
	f.membership.allow("alice", "r1")
	f.membership.allow("bob", "r1")

	alice, aliceClient := f.register(t, "alice")
	bob, bobClient := f.register(t, "bob")
	f.handler.HandleFrame(alice, []byte(`{"type":"join","room_id":"r1"}`))
	f.handler.HandleFrame(bob, []byte(`{"type":"join","room_id":"r1"}`))
	drainClient(aliceClient)
	drainClient(bobClient)

	f.handler.HandleFrame(alice, []byte(`{"type":"send","room_id":"r1","payload":{"body":"hello bob"}}`))

	frame := readServerFrame(t, bobClient)
	require.Equal(t, models.FrameMessage, frame.Type)
	var message models.MessagePayload
	require.NoError(t, json.Unmarshal(frame.Payload, &message))
	assert.Equal(t, "hello bob", message.Body)
	assert.Equal(t, "alice", message.SenderID)
	assert.NotEmpty(t, message.MessageID)

	// Echo suppression: nothing comes back to the sending socket.
	aliceClient.SetReadDeadline(time.Now().Add(time.Millisecond * 200))
	_, _, err := wsutil.ReadServerData(aliceClient)
	assert.Error(t, err)

	// Delivery tracking covers the present recipient.
	assert.Equal(t, 1, f.delivery.UndeliveredCount("bob"))
	assert.Equal(t, 0, f.delivery.UndeliveredCount("alice"))
}

func TestSendRequiresJoinedRoom(t *testing.T) {
	f := newGatewayFixture(t, nil)
	conn, client := f.register(t, "alice")

	f.handler.HandleFrame(conn, []byte(`{"type":"send","room_id":"r1","payload":{"body":"x"}}`))

	frame := readServerFrame(t, client)
	require.Equal(t, models.FrameError, frame.Type)
	var payload models.ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, http.StatusForbidden, payload.Code)
}

func TestSendRejectedAfterMembershipRevoked(t *testing.T) {
	f := newGatewayFixture(t, nil)
	f.membership.allow("alice", "r1")
	conn, client := f.register(t, "alice")

	f.handler.HandleFrame(conn, []byte(`{"type":"join","room_id":"r1"}`))
	drainClient(client)

	// The socket stays joined, but the source of truth no longer lists
	// alice. Sends must stop reaching the room.
	f.membership.revoke("alice", "r1")
	f.handler.HandleFrame(conn, []byte(`{"type":"send","room_id":"r1","payload":{"body":"x"}}`))

	frame := readServerFrame(t, client)
	require.Equal(t, models.FrameError, frame.Type)
	var payload models.ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, http.StatusForbidden, payload.Code)

	for _, raw := range f.fake.publishedTo("room:r1") {
		var event models.BrokerEvent
		require.NoError(t, event.FromJSON(raw))
		assert.NotEqual(t, models.FrameMessage, event.Type)
	}
}

func TestLeaveRejectedAfterMembershipRevoked(t *testing.T) {
	f := newGatewayFixture(t, nil)
	f.membership.allow("alice", "r1")
	conn, client := f.register(t, "alice")

	f.handler.HandleFrame(conn, []byte(`{"type":"join","room_id":"r1"}`))
	drainClient(client)

	f.membership.revoke("alice", "r1")
	f.handler.HandleFrame(conn, []byte(`{"type":"leave","room_id":"r1"}`))

	frame := readServerFrame(t, client)
	require.Equal(t, models.FrameError, frame.Type)
	var payload models.ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, http.StatusForbidden, payload.Code)
	assert.True(t, conn.InRoom("r1"))
}

func TestCloseAfterJoinReleasesPresence(t *testing.T) {
	f := newGatewayFixture(t, nil)
	f.membership.allow("alice", "r1")
	conn, client := f.register(t, "alice")

	f.handler.HandleFrame(conn, []byte(`{"type":"join","room_id":"r1"}`))
	drainClient(client)

	// The close path unsubscribes the room first and only then publishes
	// the offline delta, so the publish lands after the local
	// subscription is gone.
	client.SetReadDeadline(time.Time{})
	go io.Copy(io.Discard, client)
	f.cm.CloseWithCode(conn.ID, models.CloseNormal, "client gone")

	require.Eventually(t, func() bool {
		for _, raw := range f.fake.publishedTo("room:r1") {
			var event models.BrokerEvent
			if event.FromJSON(raw) != nil {
				continue
			}
			if event.Type != models.FramePresenceUpdate {
				continue
			}
			var delta models.PresenceDelta
			if json.Unmarshal(event.Payload, &delta) == nil && delta.Status == models.PresenceOffline {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond*5)
}

func TestSendRateLimitedWithRetryAfter(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.RateLimit.UserLimit = 0
	f := newGatewayFixture(t, cfg)
	f.membership.allow("alice", "r1")

	conn, client := f.register(t, "alice")
	f.handler.HandleFrame(conn, []byte(`{"type":"join","room_id":"r1"}`))
	drainClient(client)

	f.handler.HandleFrame(conn, []byte(`{"type":"send","room_id":"r1","payload":{"body":"x"}}`))

	frame := readServerFrame(t, client)
	require.Equal(t, models.FrameError, frame.Type)
	var payload models.ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, http.StatusTooManyRequests, payload.Code)
	assert.GreaterOrEqual(t, payload.RetryAfterMs, int64(0))
}

func TestResumeUnknownSessionSignalsResync(t *testing.T) {
	f := newGatewayFixture(t, nil)
	conn, client := f.register(t, "alice")

	f.handler.HandleFrame(conn, []byte(`{"type":"resume","payload":{"connection_id":"gone","last_seen_seq":7}}`))

	frame := readServerFrame(t, client)
	assert.Equal(t, models.FrameResyncRequired, frame.Type)
}

func TestHealthAndReadyEndpoints(t *testing.T) {
	f := newGatewayFixture(t, nil)
	router := f.handler.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// A broker outage flips readiness.
	f.manager.Close()
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpointShape(t *testing.T) {
	f := newGatewayFixture(t, nil)

	rec := httptest.NewRecorder()
	f.handler.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "broker")
	assert.Contains(t, body, "connections")
	assert.Contains(t, body, "rooms")
	assert.Contains(t, body, "dead_letters")

	brokerStats := body["broker"].(map[string]interface{})
	assert.Equal(t, "connected", brokerStats["state"])
}

func TestUndeliveredEndpoint(t *testing.T) {
	f := newGatewayFixture(t, nil)
	f.delivery.TrackPublish(&models.MessagePayload{
		MessageID: "m1", SenderID: "alice", RoomID: "r1", Body: "hi",
	}, []string{"bob"})

	rec := httptest.NewRecorder()
	f.handler.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/users/bob/undelivered", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["undelivered"])
}

func TestUpgradeRejectedWhenIPLimitExceeded(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.RateLimit.IPLimit = 0
	f := newGatewayFixture(t, cfg)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/ws", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	f.handler.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestIPGuardThrottlesBursts(t *testing.T) {
	guard := newIPGuard(1, 2)

	assert.True(t, guard.allow("10.0.0.1"))
	assert.True(t, guard.allow("10.0.0.1"))
	assert.False(t, guard.allow("10.0.0.1"))

	// Other addresses are unaffected.
	assert.True(t, guard.allow("10.0.0.2"))
}

func TestGetClientIP(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(r *http.Request)
		expect string
	}{
		{"x-forwarded-for single", func(r *http.Request) {
			r.Header.Set("X-Forwarded-For", "198.51.100.7")
		}, "198.51.100.7"},
		{"x-forwarded-for chain", func(r *http.Request) {
			r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
		}, "198.51.100.7"},
		{"x-real-ip", func(r *http.Request) {
			r.Header.Set("X-Real-IP", "192.0.2.44")
		}, "192.0.2.44"},
		{"remote addr", func(r *http.Request) {}, "203.0.113.9"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ws", nil)
			req.RemoteAddr = "203.0.113.9:1234"
			tc.setup(req)
			assert.Equal(t, tc.expect, getClientIP(req))
		})
	}
}

func TestBearerTokenSources(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws?token=from-query", nil)
	assert.Equal(t, "from-query", bearerToken(req))

	req = httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", bearerToken(req))

	req = httptest.NewRequest("GET", "/ws", nil)
	assert.Equal(t, "", bearerToken(req))
}
