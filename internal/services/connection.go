package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"chat-gateway/internal/auth"
	"chat-gateway/internal/config"
	"chat-gateway/internal/models"
	"chat-gateway/internal/utils"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FrameHandler consumes one raw inbound frame from a connection. Set by
// the gateway before the first connection registers.
type FrameHandler func(conn *WebSocketConnection, data []byte)

// ClosedHandler observes a connection close. soleRooms lists the rooms
// where the closed connection was the user's last local session.
type ClosedHandler func(userID string, soleRooms []string)

// WebSocketConnection is one live socket owned by this process. Its state
// is mutated only by its own pumps, the manager's idle sweep, and the
// close path, which serialize through the connection's atomics and locks.
type WebSocketConnection struct {
	ID       string
	Conn     net.Conn
	UserID   string
	DeviceID string
	Platform string
	JoinedAt time.Time

	state         atomic.Int32
	lastHeartbeat atomic.Int64
	seq           atomic.Uint64

	roomsMu sync.Mutex
	rooms   map[string]struct{}

	SendChan  chan []byte
	closeOnce sync.Once

	writeMutex sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// IsOpen reports whether the connection can still accept writes.
func (c *WebSocketConnection) IsOpen() bool {
	return models.ConnectionState(c.state.Load()) == models.ConnStateOpen
}

// Heartbeat records client liveness.
func (c *WebSocketConnection) Heartbeat() {
	c.lastHeartbeat.Store(time.Now().UnixNano())
}

// LastHeartbeat returns the most recent liveness timestamp.
func (c *WebSocketConnection) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// NextSeq allocates the next outbound sequence number.
func (c *WebSocketConnection) NextSeq() uint64 {
	return c.seq.Add(1)
}

// JoinRoom records local membership. Returns false if already joined.
func (c *WebSocketConnection) JoinRoom(roomID string) bool {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	if _, ok := c.rooms[roomID]; ok {
		return false
	}
	c.rooms[roomID] = struct{}{}
	return true
}

// LeaveRoom removes local membership. Returns false if not joined.
func (c *WebSocketConnection) LeaveRoom(roomID string) bool {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	if _, ok := c.rooms[roomID]; !ok {
		return false
	}
	delete(c.rooms, roomID)
	return true
}

// InRoom reports whether this connection has joined the room.
func (c *WebSocketConnection) InRoom(roomID string) bool {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

// Rooms snapshots the joined room set.
func (c *WebSocketConnection) Rooms() []string {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

// resumeSession is what survives a close for the resume window.
type resumeSession struct {
	UserID   string
	Rooms    []string
	LastSeq  uint64
	ClosedAt time.Time
}

// ConnectionManager tracks every live socket owned by this process.
type ConnectionManager struct {
	connections sync.Map // connID -> *WebSocketConnection

	userMu    sync.Mutex
	userConns map[string]map[string]*WebSocketConnection

	sessionMu sync.Mutex
	sessions  map[string]*resumeSession

	cfg      *config.Config
	bridge   *FanoutBridge
	delivery *DeliveryTracker

	frameHandler  FrameHandler
	closedHandler ClosedHandler

	connectionCount atomic.Int64
	maxConnections  int64

	ctx        context.Context
	cancel     context.CancelFunc
	shutdownWG sync.WaitGroup
}

// NewConnectionManager creates a connection manager. The fan-out bridge
// and delivery tracker are wired afterwards, before Start.
func NewConnectionManager(cfg *config.Config) (*ConnectionManager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cm := &ConnectionManager{
		userConns:      make(map[string]map[string]*WebSocketConnection),
		sessions:       make(map[string]*resumeSession),
		cfg:            cfg,
		maxConnections: int64(cfg.Server.MaxConnections),
		ctx:            ctx,
		cancel:         cancel,
	}
	return cm, nil
}

// Wire attaches the collaborators the manager calls into.
func (cm *ConnectionManager) Wire(bridge *FanoutBridge, delivery *DeliveryTracker, onFrame FrameHandler, onClosed ClosedHandler) {
	cm.bridge = bridge
	cm.delivery = delivery
	cm.frameHandler = onFrame
	cm.closedHandler = onClosed
}

// Start launches the idle sweep and session purge tasks.
func (cm *ConnectionManager) Start() {
	cm.shutdownWG.Add(2)
	go cm.idleSweepTask()
	go cm.sessionPurgeTask()
	utils.Info("Connection manager started",
		zap.Int64("max_connections", cm.maxConnections))
}

// Register accepts an upgraded socket with validated auth claims and
// starts its pumps.
func (cm *ConnectionManager) Register(conn net.Conn, claims *auth.Claims) (*WebSocketConnection, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection cannot be nil")
	}
	if claims == nil || claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing claims", models.ErrAuth)
	}

	if cm.connectionCount.Load() >= cm.maxConnections {
		return nil, fmt.Errorf("%w: %d", models.ErrConnectionLimit, cm.maxConnections)
	}

	ctx, cancel := context.WithCancel(cm.ctx)
	wsConn := &WebSocketConnection{
		ID:       uuid.New().String(),
		Conn:     conn,
		UserID:   claims.UserID,
		DeviceID: claims.DeviceID,
		Platform: claims.Platform,
		JoinedAt: time.Now(),
		rooms:    make(map[string]struct{}),
		SendChan: make(chan []byte, 256),
		ctx:      ctx,
		cancel:   cancel,
	}
	wsConn.state.Store(int32(models.ConnStateOpen))
	wsConn.Heartbeat()

	cm.connections.Store(wsConn.ID, wsConn)
	cm.indexUser(wsConn)
	cm.connectionCount.Add(1)

	cm.shutdownWG.Add(2)
	go cm.readPump(wsConn)
	go cm.writePump(wsConn)

	utils.Info("Connection registered",
		zap.String("connection_id", wsConn.ID),
		zap.String("user_id", wsConn.UserID),
		zap.String("platform", wsConn.Platform),
		zap.Int64("total_connections", cm.connectionCount.Load()))

	return wsConn, nil
}

func (cm *ConnectionManager) indexUser(conn *WebSocketConnection) {
	cm.userMu.Lock()
	defer cm.userMu.Unlock()
	conns, ok := cm.userConns[conn.UserID]
	if !ok {
		conns = make(map[string]*WebSocketConnection)
		cm.userConns[conn.UserID] = conns
	}
	conns[conn.ID] = conn
}

func (cm *ConnectionManager) unindexUser(conn *WebSocketConnection) {
	cm.userMu.Lock()
	defer cm.userMu.Unlock()
	if conns, ok := cm.userConns[conn.UserID]; ok {
		delete(conns, conn.ID)
		if len(conns) == 0 {
			delete(cm.userConns, conn.UserID)
		}
	}
}

// soleRooms returns the rooms where conn was the user's only remaining
// local session.
func (cm *ConnectionManager) soleRooms(conn *WebSocketConnection) []string {
	rooms := conn.Rooms()
	cm.userMu.Lock()
	others := make([]*WebSocketConnection, 0, 2)
	for id, c := range cm.userConns[conn.UserID] {
		if id != conn.ID {
			others = append(others, c)
		}
	}
	cm.userMu.Unlock()

	sole := make([]string, 0, len(rooms))
	for _, room := range rooms {
		covered := false
		for _, other := range others {
			if other.InRoom(room) {
				covered = true
				break
			}
		}
		if !covered {
			sole = append(sole, room)
		}
	}
	return sole
}

// Get returns a live connection by ID.
func (cm *ConnectionManager) Get(connID string) (*WebSocketConnection, bool) {
	v, ok := cm.connections.Load(connID)
	if !ok {
		return nil, false
	}
	return v.(*WebSocketConnection), true
}

// CloseWithCode closes a connection with a wire close code, releases its
// fan-out refcounts, retains a resume session, and notifies the presence
// tracker.
func (cm *ConnectionManager) CloseWithCode(connID string, code int, reason string) error {
	v, ok := cm.connections.Load(connID)
	if !ok {
		// Already closed and removed.
		return nil
	}
	conn := v.(*WebSocketConnection)

	conn.closeOnce.Do(func() {
		conn.state.Store(int32(models.ConnStateClosing))
		soleRooms := cm.soleRooms(conn)

		// Best-effort close frame; the peer may already be gone.
		conn.writeMutex.Lock()
		conn.Conn.SetWriteDeadline(time.Now().Add(time.Second * 2))
		body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
		wsutil.WriteServerMessage(conn.Conn, ws.OpClose, body)
		conn.writeMutex.Unlock()

		cm.connections.Delete(connID)
		cm.unindexUser(conn)

		if cm.bridge != nil {
			cm.bridge.ReleaseConnection(conn)
		}

		cm.retainSession(conn)

		conn.state.Store(int32(models.ConnStateClosed))
		conn.cancel()
		conn.Conn.Close()
		cm.connectionCount.Add(-1)

		if cm.closedHandler != nil && len(soleRooms) > 0 {
			cm.closedHandler(conn.UserID, soleRooms)
		}

		utils.Info("Connection closed",
			zap.String("connection_id", connID),
			zap.String("user_id", conn.UserID),
			zap.Int("code", code),
			zap.String("reason", reason),
			zap.Int64("total_connections", cm.connectionCount.Load()))
	})

	return nil
}

func (cm *ConnectionManager) retainSession(conn *WebSocketConnection) {
	cm.sessionMu.Lock()
	defer cm.sessionMu.Unlock()
	cm.sessions[conn.ID] = &resumeSession{
		UserID:   conn.UserID,
		Rooms:    conn.Rooms(),
		LastSeq:  conn.seq.Load(),
		ClosedAt: time.Now(),
	}
}

// Resume re-attaches a fresh connection to a prior session, replaying the
// frames the client missed. When the gap exceeds the replay buffer the
// caller must signal resync_required instead.
func (cm *ConnectionManager) Resume(conn *WebSocketConnection, prevConnID string, lastSeenSeq uint64) ([][]byte, error) {
	cm.sessionMu.Lock()
	session, ok := cm.sessions[prevConnID]
	if ok {
		delete(cm.sessions, prevConnID)
	}
	cm.sessionMu.Unlock()

	if !ok || time.Since(session.ClosedAt) > cm.cfg.Gateway.ResumeWindow {
		return nil, models.ErrResyncRequired
	}
	if session.UserID != conn.UserID {
		return nil, fmt.Errorf("%w: session belongs to another user", models.ErrAuth)
	}

	missed, ok := cm.delivery.Replay(prevConnID, lastSeenSeq)
	if !ok {
		return nil, models.ErrResyncRequired
	}

	// Continue the old sequence so replayed and new frames stay ordered.
	conn.seq.Store(session.LastSeq)
	for _, room := range session.Rooms {
		if conn.JoinRoom(room) {
			cm.bridge.SubscribeLocal(conn, room)
		}
	}

	utils.Info("Session resumed",
		zap.String("connection_id", conn.ID),
		zap.String("previous_connection_id", prevConnID),
		zap.Uint64("last_seen_seq", lastSeenSeq),
		zap.Int("replayed_frames", len(missed)))

	return missed, nil
}

// SendFrame assigns the outbound sequence, records the frame for replay,
// and queues it on the connection's send channel.
func (cm *ConnectionManager) SendFrame(conn *WebSocketConnection, frame *models.Frame) error {
	if !conn.IsOpen() {
		return models.ErrConnectionClosed
	}

	frame.Seq = conn.NextSeq()
	data, err := frame.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize frame: %w", err)
	}

	if cm.delivery != nil {
		cm.delivery.RecordOutbound(conn.ID, frame.Seq, data)
	}

	select {
	case conn.SendChan <- data:
		return nil
	case <-time.After(time.Second * 5):
		return fmt.Errorf("send channel timeout for connection %s", conn.ID)
	case <-conn.ctx.Done():
		return models.ErrConnectionClosed
	}
}

// SendRaw queues pre-encoded bytes without assigning a new sequence
// number. Used for replaying frames that already carry their sequence.
func (cm *ConnectionManager) SendRaw(conn *WebSocketConnection, data []byte) error {
	if !conn.IsOpen() {
		return models.ErrConnectionClosed
	}
	select {
	case conn.SendChan <- data:
		return nil
	case <-time.After(time.Second * 5):
		return fmt.Errorf("send channel timeout for connection %s", conn.ID)
	case <-conn.ctx.Done():
		return models.ErrConnectionClosed
	}
}

// readPump reads frames from the socket and hands them to the gateway.
func (cm *ConnectionManager) readPump(conn *WebSocketConnection) {
	defer cm.shutdownWG.Done()
	defer func() {
		if r := recover(); r != nil {
			utils.Error("Panic in connection read pump",
				zap.String("connection_id", conn.ID),
				zap.Any("error", r))
		}
		cm.CloseWithCode(conn.ID, models.CloseNormal, "read loop ended")
	}()

	idleLimit := cm.cfg.Gateway.HeartbeatInterval * time.Duration(cm.cfg.Gateway.HeartbeatMisses)

	for {
		select {
		case <-conn.ctx.Done():
			return
		default:
		}

		if err := conn.Conn.SetReadDeadline(time.Now().Add(idleLimit)); err != nil {
			return
		}

		data, op, err := wsutil.ReadClientData(conn.Conn)
		if err != nil {
			// A read-deadline expiry means the client missed its heartbeat
			// budget; close with the idle code, not a normal close.
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				cm.CloseWithCode(conn.ID, models.CloseIdleTimeout, "heartbeat timeout")
				return
			}
			if conn.IsOpen() && !isConnectionClosed(err) {
				utils.Debug("WebSocket read failed",
					zap.Error(err),
					zap.String("connection_id", conn.ID))
			}
			return
		}

		switch op {
		case ws.OpText, ws.OpBinary:
			conn.Heartbeat()
			if int64(len(data)) > cm.cfg.Gateway.MaxFrameSize {
				cm.CloseWithCode(conn.ID, models.CloseProtocolViolation, "frame too large")
				return
			}
			if cm.frameHandler != nil {
				cm.frameHandler(conn, data)
			}
		case ws.OpPing:
			conn.Heartbeat()
			cm.writePong(conn, data)
		case ws.OpPong:
			conn.Heartbeat()
		case ws.OpClose:
			cm.CloseWithCode(conn.ID, models.CloseNormal, "client close")
			return
		}
	}
}

// writePump drains the send channel and keeps the heartbeat ping going.
func (cm *ConnectionManager) writePump(conn *WebSocketConnection) {
	defer cm.shutdownWG.Done()
	defer func() {
		if r := recover(); r != nil {
			utils.Error("Panic in connection write pump",
				zap.String("connection_id", conn.ID),
				zap.Any("error", r))
		}
	}()

	ticker := time.NewTicker(cm.cfg.Gateway.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.ctx.Done():
			return
		case <-ticker.C:
			if err := cm.writeControl(conn, ws.OpPing, nil); err != nil {
				cm.CloseWithCode(conn.ID, models.CloseNormal, "ping failed")
				return
			}
		case data := <-conn.SendChan:
			if err := cm.writeData(conn, data); err != nil {
				utils.Debug("WebSocket write failed",
					zap.Error(err),
					zap.String("connection_id", conn.ID))
				cm.CloseWithCode(conn.ID, models.CloseNormal, "write failed")
				return
			}
		}
	}
}

func (cm *ConnectionManager) writeData(conn *WebSocketConnection, data []byte) error {
	if !conn.IsOpen() {
		return models.ErrConnectionClosed
	}
	conn.writeMutex.Lock()
	defer conn.writeMutex.Unlock()
	if err := conn.Conn.SetWriteDeadline(time.Now().Add(time.Second * 10)); err != nil {
		return err
	}
	return wsutil.WriteServerMessage(conn.Conn, ws.OpText, data)
}

func (cm *ConnectionManager) writeControl(conn *WebSocketConnection, op ws.OpCode, data []byte) error {
	conn.writeMutex.Lock()
	defer conn.writeMutex.Unlock()
	if err := conn.Conn.SetWriteDeadline(time.Now().Add(time.Second * 10)); err != nil {
		return err
	}
	return wsutil.WriteServerMessage(conn.Conn, op, data)
}

func (cm *ConnectionManager) writePong(conn *WebSocketConnection, data []byte) {
	if err := cm.writeControl(conn, ws.OpPong, data); err != nil {
		utils.Debug("Failed to write pong",
			zap.Error(err),
			zap.String("connection_id", conn.ID))
	}
}

// idleSweepTask closes connections that stopped heartbeating.
func (cm *ConnectionManager) idleSweepTask() {
	defer cm.shutdownWG.Done()

	ticker := time.NewTicker(cm.cfg.Gateway.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.ctx.Done():
			return
		case <-ticker.C:
			cm.sweepIdleConnections()
		}
	}
}

func (cm *ConnectionManager) sweepIdleConnections() {
	cutoff := time.Now().Add(-cm.cfg.Gateway.HeartbeatInterval * time.Duration(cm.cfg.Gateway.HeartbeatMisses))
	var stale []string

	cm.connections.Range(func(_, value interface{}) bool {
		conn := value.(*WebSocketConnection)
		if conn.LastHeartbeat().Before(cutoff) {
			stale = append(stale, conn.ID)
		}
		return true
	})

	for _, connID := range stale {
		cm.CloseWithCode(connID, models.CloseIdleTimeout, "heartbeat timeout")
	}

	if len(stale) > 0 {
		utils.Info("Closed idle connections", zap.Int("count", len(stale)))
	}
}

// sessionPurgeTask drops resume sessions past the resume window.
func (cm *ConnectionManager) sessionPurgeTask() {
	defer cm.shutdownWG.Done()

	ticker := time.NewTicker(cm.cfg.Gateway.ResumeWindow / 2)
	defer ticker.Stop()

	for {
		select {
		case <-cm.ctx.Done():
			return
		case <-ticker.C:
			cm.sessionMu.Lock()
			now := time.Now()
			for id, session := range cm.sessions {
				if now.Sub(session.ClosedAt) > cm.cfg.Gateway.ResumeWindow {
					delete(cm.sessions, id)
					cm.delivery.DropReplay(id)
				}
			}
			cm.sessionMu.Unlock()
		}
	}
}

// ConnectionCount returns the number of live connections.
func (cm *ConnectionManager) ConnectionCount() int64 {
	return cm.connectionCount.Load()
}

// UserConnections snapshots a user's live connections on this process.
func (cm *ConnectionManager) UserConnections(userID string) []*WebSocketConnection {
	cm.userMu.Lock()
	defer cm.userMu.Unlock()
	conns := make([]*WebSocketConnection, 0, len(cm.userConns[userID]))
	for _, c := range cm.userConns[userID] {
		conns = append(conns, c)
	}
	return conns
}

// HealthCheck verifies the connection count is within bounds.
func (cm *ConnectionManager) HealthCheck() error {
	count := cm.connectionCount.Load()
	if count > cm.maxConnections {
		return fmt.Errorf("connection count exceeds maximum: %d > %d", count, cm.maxConnections)
	}
	return nil
}

// Close shuts down all connections and background tasks.
func (cm *ConnectionManager) Close() error {
	utils.Info("Shutting down connection manager...")
	cm.cancel()

	cm.connections.Range(func(_, value interface{}) bool {
		conn := value.(*WebSocketConnection)
		cm.CloseWithCode(conn.ID, models.CloseNormal, "server shutdown")
		return true
	})

	done := make(chan struct{})
	go func() {
		cm.shutdownWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		utils.Info("Connection manager shut down")
	case <-time.After(cm.cfg.Server.ShutdownTimeout):
		utils.Warn("Connection manager shutdown timeout exceeded")
	}
	return nil
}

func isConnectionClosed(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return errStr == "EOF" ||
		errStr == "connection reset by peer" ||
		errStr == "broken pipe" ||
		errStr == "use of closed network connection"
}
