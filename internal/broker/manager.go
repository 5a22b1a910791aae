// Package broker owns the connection to the shared pub/sub + key-value
// broker. The manager supervises one Conn, detects outages, reconnects
// with jittered exponential backoff, restores subscriptions, and buffers a
// bounded number of publishes across an outage.
package broker

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chat-gateway/internal/config"
	"chat-gateway/internal/models"
	"chat-gateway/internal/utils"

	"go.uber.org/zap"
)

// State is the manager's position in its lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// MessageHandler consumes one pub/sub delivery.
type MessageHandler func(channel string, payload []byte)

type bufferedPublish struct {
	channel string
	payload []byte
}

// Stats is the health surface exposed to the metrics endpoint.
type Stats struct {
	State             string `json:"state"`
	BufferedPublishes int    `json:"buffered_publishes"`
	Subscriptions     int    `json:"subscriptions"`
}

// Manager is the process-wide broker resilience manager.
type Manager struct {
	cfg  *config.RedisConfig
	dial Dialer

	connMu sync.RWMutex
	conn   Conn

	state atomic.Int32

	subMu    sync.Mutex
	handlers map[string]MessageHandler
	subs     map[string]Subscription
	subEpoch atomic.Int64

	bufMu  sync.Mutex
	buffer []bufferedPublish

	errStreak atomic.Int32

	reconnectCh chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewManager creates a manager in the Disconnected state. Call Connect
// before use.
func NewManager(cfg *config.RedisConfig, dial Dialer) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:         cfg,
		dial:        dial,
		handlers:    make(map[string]MessageHandler),
		subs:        make(map[string]Subscription),
		reconnectCh: make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Connect dials the broker and starts the supervision loop. An initial
// failure is returned to the caller; reconnection only covers established
// connections.
func (m *Manager) Connect(ctx context.Context) error {
	m.setState(StateConnecting)

	conn, err := m.dial(ctx)
	if err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("broker connect failed: %w", err)
	}

	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()
	m.setState(StateConnected)

	m.wg.Add(1)
	go m.supervise()

	utils.Info("Broker connected", zap.String("addr", m.cfg.Addr))
	return nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	old := State(m.state.Swap(int32(s)))
	if old != s {
		utils.Info("Broker state changed",
			zap.String("from", old.String()),
			zap.String("to", s.String()))
	}
}

func (m *Manager) currentConn() Conn {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.conn
}

// usable reports whether broker operations should be attempted right now.
func (m *Manager) usable() bool {
	switch m.State() {
	case StateConnected, StateDegraded:
		return m.currentConn() != nil
	default:
		return false
	}
}

// NoteError records a failed broker operation. A streak of failures moves
// Connected to Degraded; a topology-change error forces a reconnect
// immediately.
func (m *Manager) NoteError(err error) {
	if err == nil {
		return
	}
	if isTopologyChange(err) {
		utils.Warn("Broker topology change detected", zap.Error(err))
		m.triggerReconnect()
		return
	}

	streak := m.errStreak.Add(1)
	if int(streak) >= m.cfg.DegradedThreshold {
		if m.state.CompareAndSwap(int32(StateConnected), int32(StateDegraded)) {
			utils.Warn("Broker degraded",
				zap.Int32("error_streak", streak),
				zap.Error(err))
		}
	}
}

func (m *Manager) noteSuccess() {
	m.errStreak.Store(0)
	m.state.CompareAndSwap(int32(StateDegraded), int32(StateConnected))
}

// isTopologyChange matches cluster slot migration and failover errors.
func isTopologyChange(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "MOVED") ||
		strings.HasPrefix(msg, "ASK") ||
		strings.Contains(msg, "CLUSTERDOWN") ||
		strings.Contains(msg, "READONLY")
}

// triggerReconnect asks the supervisor to run a reconnect cycle. Publishers
// observe the Reconnecting state immediately and start buffering.
func (m *Manager) triggerReconnect() {
	if m.State() == StateReconnecting {
		return
	}
	m.setState(StateReconnecting)
	select {
	case m.reconnectCh <- struct{}{}:
	default:
	}
}

// supervise pings the broker and runs reconnect cycles. It is the only
// goroutine that executes reconnectLoop, so cycles never overlap.
func (m *Manager) supervise() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return

		case <-ticker.C:
			if !m.usable() {
				continue
			}
			pingCtx, cancel := context.WithTimeout(m.ctx, time.Second*2)
			err := m.currentConn().Ping(pingCtx)
			cancel()
			if err != nil {
				utils.Warn("Broker ping failed", zap.Error(err))
				m.setState(StateReconnecting)
				m.reconnectLoop()
			}

		case <-m.reconnectCh:
			m.reconnectLoop()
		}
	}
}

// reconnectLoop tears down the dead connection and redials with backoff
// until it succeeds or the manager shuts down. On success every registered
// subscription is re-issued and the outage buffer flushes in order.
func (m *Manager) reconnectLoop() {
	m.teardownConn()

	for attempt := 0; ; attempt++ {
		delay := m.backoffDelay(attempt)
		utils.Info("Broker reconnect attempt",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay))

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(delay):
		}

		m.setState(StateConnecting)
		conn, err := m.dial(m.ctx)
		if err != nil {
			utils.Warn("Broker reconnect failed", zap.Error(err))
			m.setState(StateReconnecting)
			continue
		}

		m.connMu.Lock()
		m.conn = conn
		m.connMu.Unlock()
		m.errStreak.Store(0)
		m.setState(StateConnected)

		m.resubscribeAll()
		m.flushBuffer()

		utils.Info("Broker reconnected",
			zap.Int("attempts", attempt+1))
		return
	}
}

// backoffDelay computes the reconnect delay: 50ms base doubling to a 2s
// cap, with full jitter.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := m.cfg.ReconnectBaseDelay
	for i := 0; i < attempt && delay < m.cfg.ReconnectMaxDelay; i++ {
		delay *= 2
	}
	if delay > m.cfg.ReconnectMaxDelay {
		delay = m.cfg.ReconnectMaxDelay
	}
	if delay <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(delay)) + 1)
}

func (m *Manager) teardownConn() {
	m.subEpoch.Add(1)

	m.subMu.Lock()
	for channel, sub := range m.subs {
		sub.Close()
		delete(m.subs, channel)
	}
	m.subMu.Unlock()

	m.connMu.Lock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.connMu.Unlock()
}

// Publish sends a payload to a channel. During an outage publishes are
// buffered up to the configured bound; past the bound they fail fast with
// ErrBrokerUnavailable rather than growing memory without limit.
func (m *Manager) Publish(ctx context.Context, channel string, payload []byte) error {
	if m.usable() {
		conn := m.currentConn()
		err := conn.Publish(ctx, channel, payload)
		if err == nil {
			m.noteSuccess()
			return nil
		}
		m.NoteError(err)
		utils.Warn("Broker publish failed, buffering",
			zap.String("channel", channel),
			zap.Error(err))
	}

	m.bufMu.Lock()
	defer m.bufMu.Unlock()
	if len(m.buffer) >= m.cfg.PublishBufferSize {
		return fmt.Errorf("%w: publish buffer full (%d)", models.ErrBrokerUnavailable, m.cfg.PublishBufferSize)
	}
	m.buffer = append(m.buffer, bufferedPublish{channel: channel, payload: payload})
	return nil
}

// flushBuffer republishes everything queued during the outage, in the
// original order. Anything that fails again goes back to the front.
func (m *Manager) flushBuffer() {
	m.bufMu.Lock()
	pending := m.buffer
	m.buffer = nil
	m.bufMu.Unlock()

	if len(pending) == 0 {
		return
	}

	conn := m.currentConn()
	for i, p := range pending {
		ctx, cancel := context.WithTimeout(m.ctx, time.Second*3)
		err := conn.Publish(ctx, p.channel, p.payload)
		cancel()
		if err != nil {
			m.bufMu.Lock()
			m.buffer = append(pending[i:], m.buffer...)
			m.bufMu.Unlock()
			m.NoteError(err)
			m.triggerReconnect()
			return
		}
	}

	utils.Info("Flushed buffered publishes", zap.Int("count", len(pending)))
}

// BufferedPublishes returns the current outage-buffer depth.
func (m *Manager) BufferedPublishes() int {
	m.bufMu.Lock()
	defer m.bufMu.Unlock()
	return len(m.buffer)
}

// Subscribe registers a handler for a channel. The subscription is issued
// immediately when the broker is reachable, otherwise when it next
// reconnects; either way the registration survives outages.
func (m *Manager) Subscribe(channel string, handler MessageHandler) error {
	if channel == "" {
		return fmt.Errorf("channel cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("message handler cannot be nil")
	}

	m.subMu.Lock()
	if _, exists := m.handlers[channel]; exists {
		m.subMu.Unlock()
		return fmt.Errorf("already subscribed to channel: %s", channel)
	}
	m.handlers[channel] = handler
	m.subMu.Unlock()

	if !m.usable() {
		utils.Debug("Subscription deferred until reconnect",
			zap.String("channel", channel))
		return nil
	}
	if err := m.issueSubscription(channel, handler); err != nil {
		m.NoteError(err)
		m.triggerReconnect()
	}
	return nil
}

// Unsubscribe removes a handler and tears down its live subscription.
func (m *Manager) Unsubscribe(channel string) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if _, exists := m.handlers[channel]; !exists {
		return fmt.Errorf("not subscribed to channel: %s", channel)
	}
	delete(m.handlers, channel)
	if sub, ok := m.subs[channel]; ok {
		sub.Close()
		delete(m.subs, channel)
	}
	return nil
}

// Subscriptions returns the channels currently registered.
func (m *Manager) Subscriptions() []string {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	channels := make([]string, 0, len(m.handlers))
	for ch := range m.handlers {
		channels = append(channels, ch)
	}
	return channels
}

func (m *Manager) issueSubscription(channel string, handler MessageHandler) error {
	conn := m.currentConn()
	if conn == nil {
		return models.ErrBrokerUnavailable
	}

	sub, err := conn.Subscribe(m.ctx, channel)
	if err != nil {
		return err
	}

	m.subMu.Lock()
	m.subs[channel] = sub
	m.subMu.Unlock()

	epoch := m.subEpoch.Load()
	m.wg.Add(1)
	go m.pump(channel, sub, handler, epoch)
	return nil
}

// pump feeds one subscription's messages to its handler. The message
// channel closing under a live epoch means the broker connection died.
func (m *Manager) pump(channel string, sub Subscription, handler MessageHandler, epoch int64) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			utils.Error("Panic in subscription handler",
				zap.String("channel", channel),
				zap.Any("error", r))
			// The pump dies with the panic, so the channel's fan-out
			// stops until a reconnect re-issues the subscription.
			if m.ctx.Err() == nil && epoch == m.subEpoch.Load() {
				m.triggerReconnect()
			}
		}
	}()

	for msg := range sub.Messages() {
		handler(msg.Channel, msg.Payload)
	}

	if m.ctx.Err() == nil && epoch == m.subEpoch.Load() {
		utils.Warn("Broker subscription lost", zap.String("channel", channel))
		m.triggerReconnect()
	}
}

// resubscribeAll re-issues every registered channel after a reconnect.
func (m *Manager) resubscribeAll() {
	m.subMu.Lock()
	channels := make(map[string]MessageHandler, len(m.handlers))
	for ch, h := range m.handlers {
		channels[ch] = h
	}
	m.subMu.Unlock()

	for channel, handler := range channels {
		if err := m.issueSubscription(channel, handler); err != nil {
			utils.Error("Failed to restore subscription",
				zap.String("channel", channel),
				zap.Error(err))
			m.NoteError(err)
			m.triggerReconnect()
			return
		}
	}

	if len(channels) > 0 {
		utils.Info("Restored broker subscriptions", zap.Int("count", len(channels)))
	}
}

// Key-value and sorted-set operations pass through to the connection when
// it is usable and report ErrBrokerUnavailable otherwise, so callers can
// apply their own degradation policy (the rate limiter fails open, the
// presence tracker skips a refresh).

func (m *Manager) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	conn, err := m.opConn()
	if err != nil {
		return err
	}
	return m.finish(conn.Set(ctx, key, value, ttl))
}

func (m *Manager) Get(ctx context.Context, key string) ([]byte, error) {
	conn, err := m.opConn()
	if err != nil {
		return nil, err
	}
	val, err := conn.Get(ctx, key)
	return val, m.finish(err)
}

func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	conn, err := m.opConn()
	if err != nil {
		return err
	}
	return m.finish(conn.Delete(ctx, keys...))
}

func (m *Manager) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	conn, err := m.opConn()
	if err != nil {
		return false, err
	}
	ok, err := conn.SetNX(ctx, key, value, ttl)
	return ok, m.finish(err)
}

func (m *Manager) ZAdd(ctx context.Context, key string, score float64, member string) error {
	conn, err := m.opConn()
	if err != nil {
		return err
	}
	return m.finish(conn.ZAdd(ctx, key, score, member))
}

func (m *Manager) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	conn, err := m.opConn()
	if err != nil {
		return nil, err
	}
	members, err := conn.ZRangeByScore(ctx, key, min, max)
	return members, m.finish(err)
}

func (m *Manager) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	conn, err := m.opConn()
	if err != nil {
		return 0, err
	}
	n, err := conn.ZRem(ctx, key, members...)
	return n, m.finish(err)
}

func (m *Manager) WindowAdmit(ctx context.Context, key string, now time.Time, window time.Duration, member string) (int64, time.Time, error) {
	conn, err := m.opConn()
	if err != nil {
		return 0, time.Time{}, err
	}
	count, oldest, err := conn.WindowAdmit(ctx, key, now, window, member)
	return count, oldest, m.finish(err)
}

func (m *Manager) opConn() (Conn, error) {
	if !m.usable() {
		return nil, models.ErrBrokerUnavailable
	}
	return m.currentConn(), nil
}

func (m *Manager) finish(err error) error {
	if err != nil {
		m.NoteError(err)
	} else {
		m.noteSuccess()
	}
	return err
}

// Stats reports the manager's health for the metrics endpoint.
func (m *Manager) Stats() Stats {
	m.subMu.Lock()
	subs := len(m.subs)
	m.subMu.Unlock()
	return Stats{
		State:             m.State().String(),
		BufferedPublishes: m.BufferedPublishes(),
		Subscriptions:     subs,
	}
}

// HealthCheck pings the broker.
func (m *Manager) HealthCheck() error {
	conn, err := m.opConn()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(m.ctx, time.Second*2)
	defer cancel()
	return m.finish(conn.Ping(ctx))
}

// Close shuts the manager down and releases the broker connection.
func (m *Manager) Close() error {
	utils.Info("Closing broker manager...")
	m.cancel()
	m.teardownConn()
	m.wg.Wait()
	m.setState(StateDisconnected)
	return nil
}
