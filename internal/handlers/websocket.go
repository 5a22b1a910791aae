package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"chat-gateway/internal/auth"
	"chat-gateway/internal/broker"
	"chat-gateway/internal/config"
	"chat-gateway/internal/models"
	"chat-gateway/internal/services"
	"chat-gateway/internal/utils"

	"github.com/gobwas/ws"
	"github.com/gorilla/mux"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ipGuard is the process-local token bucket in front of the upgrade
// endpoint. It caps handshake churn from a single address before any
// broker round-trip happens.
type ipGuard struct {
	mu       sync.Mutex
	limiters map[string]*ipGuardEntry
	rate     rate.Limit
	burst    int
}

type ipGuardEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPGuard(r float64, burst int) *ipGuard {
	g := &ipGuard{
		limiters: make(map[string]*ipGuardEntry),
		rate:     rate.Limit(r),
		burst:    burst,
	}
	go g.cleanupTask()
	return g
}

func (g *ipGuard) allow(ip string) bool {
	g.mu.Lock()
	entry, ok := g.limiters[ip]
	if !ok {
		entry = &ipGuardEntry{limiter: rate.NewLimiter(g.rate, g.burst)}
		g.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	g.mu.Unlock()
	return entry.limiter.Allow()
}

func (g *ipGuard) cleanupTask() {
	ticker := time.NewTicker(time.Minute * 5)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-time.Minute * 10)
		g.mu.Lock()
		for ip, entry := range g.limiters {
			if entry.lastSeen.Before(cutoff) {
				delete(g.limiters, ip)
			}
		}
		g.mu.Unlock()
	}
}

// GatewayHandler owns the WebSocket upgrade path, the per-connection
// frame dispatch, and the HTTP observability surface.
type GatewayHandler struct {
	cfg        *config.Config
	validator  auth.Validator
	membership auth.MembershipChecker
	cm         *services.ConnectionManager
	bridge     *services.FanoutBridge
	presence   *services.PresenceTracker
	delivery   *services.DeliveryTracker
	limiter    *services.RateLimiter
	manager    *broker.Manager

	guard     *ipGuard
	startTime time.Time
}

// NewGatewayHandler wires the gateway over its collaborators.
func NewGatewayHandler(
	cfg *config.Config,
	validator auth.Validator,
	membership auth.MembershipChecker,
	cm *services.ConnectionManager,
	bridge *services.FanoutBridge,
	presence *services.PresenceTracker,
	delivery *services.DeliveryTracker,
	limiter *services.RateLimiter,
	manager *broker.Manager,
) (*GatewayHandler, error) {
	if cfg == nil || validator == nil || membership == nil || cm == nil || bridge == nil ||
		presence == nil || delivery == nil || limiter == nil || manager == nil {
		return nil, fmt.Errorf("gateway handler requires all collaborators")
	}

	return &GatewayHandler{
		cfg:        cfg,
		validator:  validator,
		membership: membership,
		cm:         cm,
		bridge:     bridge,
		presence:   presence,
		delivery:   delivery,
		limiter:    limiter,
		manager:    manager,
		guard:      newIPGuard(cfg.RateLimit.LocalRate, cfg.RateLimit.LocalBurst),
		startTime:  time.Now(),
	}, nil
}

// HandleWebSocket upgrades an HTTP request to a gateway connection.
// Rate limiting happens before the upgrade; authentication happens after,
// so auth failures can carry the 4001 close code the clients expect.
func (h *GatewayHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)

	if !h.guard.allow(clientIP) {
		utils.Warn("Local rate limit exceeded on upgrade", zap.String("client_ip", clientIP))
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	if _, err := h.limiter.Allow(r.Context(), services.ScopeIP, clientIP); err != nil {
		var limitErr *models.RateLimitError
		if errors.As(err, &limitErr) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(limitErr.RetryAfter.Seconds())+1))
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	token := bearerToken(r)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		utils.Error("WebSocket upgrade failed",
			zap.String("client_ip", clientIP),
			zap.Error(err))
		return
	}

	claims, err := h.validator.Validate(token)
	if err != nil {
		utils.Warn("Connection rejected, invalid token",
			zap.String("client_ip", clientIP),
			zap.Error(err))
		closeRaw(conn, models.CloseAuthFailure, "authentication failed")
		return
	}

	wsConn, err := h.cm.Register(conn, claims)
	if err != nil {
		utils.Warn("Connection registration failed",
			zap.String("user_id", claims.UserID),
			zap.Error(err))
		closeRaw(conn, models.CloseNormal, "server at capacity")
		return
	}

	utils.Debug("WebSocket session established",
		zap.String("connection_id", wsConn.ID),
		zap.String("user_id", claims.UserID),
		zap.String("client_ip", clientIP))
}

// closeRaw writes a close frame on a socket that never finished
// registration.
func closeRaw(conn net.Conn, code int, reason string) {
	conn.SetWriteDeadline(time.Now().Add(time.Second * 2))
	body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	frame := ws.NewCloseFrame(body)
	ws.WriteFrame(conn, frame)
	conn.Close()
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// HandleFrame is the per-frame dispatch entry wired into the connection
// manager's read pump. Malformed frames are protocol violations and close
// the connection; valid frames route by type.
func (h *GatewayHandler) HandleFrame(conn *services.WebSocketConnection, data []byte) {
	frame, err := models.DecodeFrame(data)
	if err != nil {
		utils.Debug("Protocol violation",
			zap.String("connection_id", conn.ID),
			zap.Error(err))
		h.cm.CloseWithCode(conn.ID, models.CloseProtocolViolation, "malformed frame")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	switch frame.Type {
	case models.FrameJoin:
		h.handleJoin(ctx, conn, frame.RoomID)
	case models.FrameLeave:
		h.handleLeave(ctx, conn, frame.RoomID)
	case models.FrameSend:
		h.handleSend(ctx, conn, frame.RoomID, frame.Send)
	case models.FrameAck:
		h.handleAck(ctx, conn, frame.RoomID, frame.Ack.MessageID, models.FrameAck)
	case models.FrameReadReceipt:
		h.handleAck(ctx, conn, frame.RoomID, frame.ReadReceipt.MessageID, models.FrameReadReceipt)
	case models.FramePresenceUpdate:
		h.handlePresence(ctx, conn, frame.RoomID, frame.Presence.Status)
	case models.FrameResume:
		h.handleResume(conn, frame.Resume)
	}
}

func (h *GatewayHandler) handleJoin(ctx context.Context, conn *services.WebSocketConnection, roomID string) {
	member, err := h.membership.IsRoomMember(conn.UserID, roomID)
	if err != nil {
		h.sendError(conn, roomID, http.StatusServiceUnavailable, "membership check failed", 0)
		return
	}
	if !member {
		h.sendError(conn, roomID, http.StatusForbidden, "not a member of this room", 0)
		return
	}

	// Duplicate joins are idempotent.
	if !conn.JoinRoom(roomID) {
		return
	}

	if err := h.bridge.SubscribeLocal(conn, roomID); err != nil {
		conn.LeaveRoom(roomID)
		h.sendError(conn, roomID, http.StatusServiceUnavailable, "room subscription failed", 0)
		return
	}

	if err := h.presence.Join(ctx, conn.UserID, roomID); err != nil {
		utils.Debug("Presence join failed", zap.String("room_id", roomID), zap.Error(err))
	}

	event, err := models.NewBrokerEvent(models.FrameMemberJoined, roomID, conn.UserID,
		&models.MemberEventPayload{UserID: conn.UserID, Platform: conn.Platform})
	if err == nil {
		h.bridge.Publish(ctx, roomID, event)
	}
}

func (h *GatewayHandler) handleLeave(ctx context.Context, conn *services.WebSocketConnection, roomID string) {
	member, err := h.membership.IsRoomMember(conn.UserID, roomID)
	if err != nil {
		h.sendError(conn, roomID, http.StatusServiceUnavailable, "membership check failed", 0)
		return
	}
	if !member {
		h.sendError(conn, roomID, http.StatusForbidden, "not a member of this room", 0)
		return
	}

	if !conn.LeaveRoom(roomID) {
		return
	}
	h.bridge.UnsubscribeLocal(conn, roomID)

	// Presence only drops when no other local session of this user
	// remains in the room. Sessions on other processes keep their own
	// heartbeats going.
	if !h.userStillInRoom(conn, roomID) {
		h.presence.Leave(ctx, conn.UserID, roomID)
	}

	event, err := models.NewBrokerEvent(models.FrameMemberLeft, roomID, conn.UserID,
		&models.MemberEventPayload{UserID: conn.UserID, Platform: conn.Platform})
	if err == nil {
		h.bridge.Publish(ctx, roomID, event)
	}
}

func (h *GatewayHandler) userStillInRoom(conn *services.WebSocketConnection, roomID string) bool {
	for _, other := range h.cm.UserConnections(conn.UserID) {
		if other.ID != conn.ID && other.InRoom(roomID) {
			return true
		}
	}
	return false
}

func (h *GatewayHandler) handleSend(ctx context.Context, conn *services.WebSocketConnection, roomID string, payload *models.SendPayload) {
	if !conn.InRoom(roomID) {
		h.sendError(conn, roomID, http.StatusForbidden, "join the room before sending", 0)
		return
	}

	// Membership can be revoked while a socket stays joined, so every send
	// re-checks the source of truth. The verdict cache keeps this cheap.
	member, err := h.membership.IsRoomMember(conn.UserID, roomID)
	if err != nil {
		h.sendError(conn, roomID, http.StatusServiceUnavailable, "membership check failed", 0)
		return
	}
	if !member {
		h.sendError(conn, roomID, http.StatusForbidden, "not a member of this room", 0)
		return
	}

	if _, err := h.limiter.Allow(ctx, services.ScopeUser, conn.UserID); err != nil {
		var limitErr *models.RateLimitError
		if errors.As(err, &limitErr) {
			h.sendError(conn, roomID, http.StatusTooManyRequests, "rate limit exceeded",
				limitErr.RetryAfter.Milliseconds())
			return
		}
		h.sendError(conn, roomID, http.StatusServiceUnavailable, "message broker unavailable", 0)
		return
	}

	message := &models.MessagePayload{
		MessageID: uuid.New().String(),
		SenderID:  conn.UserID,
		RoomID:    roomID,
		Body:      payload.Body,
		ClientTag: payload.ClientTag,
		SentAt:    time.Now().UTC(),
	}

	// Recipients are the users currently present in the room, minus the
	// sender. Tracking starts before publish so an instant ack can never
	// race an absent record.
	recipients, err := h.presence.RoomOccupants(ctx, roomID)
	if err != nil {
		recipients = nil
	}
	targets := recipients[:0]
	for _, r := range recipients {
		if r != conn.UserID {
			targets = append(targets, r)
		}
	}
	h.delivery.TrackPublish(message, targets)

	event, err := models.NewBrokerEvent(models.FrameMessage, roomID, conn.UserID, message)
	if err != nil {
		h.sendError(conn, roomID, http.StatusInternalServerError, "failed to build message", 0)
		return
	}
	event.OriginConn = conn.ID
	event.SuppressEcho = true

	if err := h.bridge.Publish(ctx, roomID, event); err != nil {
		if errors.Is(err, models.ErrBrokerUnavailable) {
			h.sendError(conn, roomID, http.StatusServiceUnavailable, "message broker unavailable", 0)
			return
		}
		h.sendError(conn, roomID, http.StatusInternalServerError, "publish failed", 0)
	}
}

// handleAck forwards an ack or read receipt to whichever process tracks
// the message. With a room the event travels over the broker; without one
// only the local tracker can resolve it.
func (h *GatewayHandler) handleAck(ctx context.Context, conn *services.WebSocketConnection, roomID, messageID string, frameType models.FrameType) {
	if roomID == "" {
		switch frameType {
		case models.FrameAck:
			h.delivery.Ack(messageID, conn.UserID)
		case models.FrameReadReceipt:
			h.delivery.Read(messageID, conn.UserID)
		}
		return
	}

	event, err := models.NewBrokerEvent(frameType, roomID, conn.UserID,
		&models.AckPayload{MessageID: messageID})
	if err != nil {
		return
	}
	if err := h.bridge.Publish(ctx, roomID, event); err != nil {
		utils.Debug("Ack publish failed",
			zap.String("message_id", messageID),
			zap.Error(err))
	}
}

func (h *GatewayHandler) handlePresence(ctx context.Context, conn *services.WebSocketConnection, roomID string, status models.PresenceStatus) {
	if !conn.InRoom(roomID) {
		h.sendError(conn, roomID, http.StatusForbidden, "join the room before updating presence", 0)
		return
	}

	var err error
	switch status {
	case models.PresenceTyping:
		err = h.presence.SetTyping(ctx, conn.UserID, roomID)
	case models.PresenceOnline:
		err = h.presence.Heartbeat(ctx, conn.UserID, roomID)
	case models.PresenceOffline:
		err = h.presence.Leave(ctx, conn.UserID, roomID)
	}
	if err != nil {
		utils.Debug("Presence update failed",
			zap.String("room_id", roomID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func (h *GatewayHandler) handleResume(conn *services.WebSocketConnection, payload *models.ResumePayload) {
	missed, err := h.cm.Resume(conn, payload.ConnectionID, payload.LastSeenSeq)
	if err != nil {
		if errors.Is(err, models.ErrAuth) {
			h.cm.CloseWithCode(conn.ID, models.CloseAuthFailure, "session owner mismatch")
			return
		}
		h.sendControl(conn, models.FrameResyncRequired, "", nil)
		return
	}

	h.sendControl(conn, models.FrameResumeOK, "", &models.ResumePayload{
		ConnectionID: payload.ConnectionID,
		LastSeenSeq:  payload.LastSeenSeq,
	})
	for _, data := range missed {
		if err := h.cm.SendRaw(conn, data); err != nil {
			return
		}
	}
}

// sendControl emits a control frame outside the replay sequence. Control
// frames carry seq 0 and are never replayed.
func (h *GatewayHandler) sendControl(conn *services.WebSocketConnection, frameType models.FrameType, roomID string, payload interface{}) {
	frame, err := models.NewOutboundFrame(frameType, 0, roomID, payload)
	if err != nil {
		return
	}
	data, err := frame.ToJSON()
	if err != nil {
		return
	}
	if err := h.cm.SendRaw(conn, data); err != nil {
		utils.Debug("Control frame send failed",
			zap.String("connection_id", conn.ID),
			zap.String("frame_type", string(frameType)),
			zap.Error(err))
	}
}

func (h *GatewayHandler) sendError(conn *services.WebSocketConnection, roomID string, code int, message string, retryAfterMs int64) {
	h.sendControl(conn, models.FrameError, roomID, &models.ErrorPayload{
		Code:         code,
		Message:      message,
		RetryAfterMs: retryAfterMs,
	})
}

// HandleConnectionClosed is wired into the connection manager's close
// path; it releases presence for rooms the closed socket held alone.
func (h *GatewayHandler) HandleConnectionClosed(userID string, soleRooms []string) {
	h.presence.HandleConnectionClosed(userID, soleRooms)
}

// Router builds the HTTP surface: the upgrade endpoint plus health and
// observability routes.
func (h *GatewayHandler) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(h.recoveryMiddleware)
	router.Use(h.loggingMiddleware)

	router.HandleFunc("/ws", h.HandleWebSocket).Methods("GET")
	router.HandleFunc("/health", h.handleHealth).Methods("GET")
	router.HandleFunc("/ready", h.handleReady).Methods("GET")
	router.HandleFunc("/metrics", h.handleMetrics).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/users/{userId}/undelivered", h.handleUndelivered).Methods("GET")
	api.HandleFunc("/rooms/{roomId}/subscribers", h.handleRoomSubscribers).Methods("GET")
	api.HandleFunc("/rooms/{roomId}/members", h.handleRoomMembers).Methods("GET")

	return router
}

func (h *GatewayHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(h.startTime).String(),
	})
}

// handleReady gates load balancer traffic on broker and connection
// health. Degraded still serves; only a full outage flips readiness.
func (h *GatewayHandler) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.HealthCheck(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	if err := h.cm.HealthCheck(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}

func (h *GatewayHandler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	stats := h.manager.Stats()
	metrics := map[string]interface{}{
		"broker":         stats,
		"connections":    h.cm.ConnectionCount(),
		"rooms":          h.bridge.RoomCounts(),
		"dead_letters":   h.delivery.DeadLetterCount(),
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	}
	if ms, ok := h.membership.(*services.MembershipService); ok {
		hits, misses := ms.CacheStats()
		metrics["membership_cache"] = map[string]int64{"hits": hits, "misses": misses}
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (h *GatewayHandler) handleUndelivered(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":     userID,
		"undelivered": h.delivery.UndeliveredCount(userID),
	})
}

func (h *GatewayHandler) handleRoomSubscribers(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"room_id":           roomID,
		"local_subscribers": h.bridge.LocalSubscriberCount(roomID),
	})
}

func (h *GatewayHandler) handleRoomMembers(w http.ResponseWriter, r *http.Request) {
	ms, ok := h.membership.(*services.MembershipService)
	if !ok {
		http.Error(w, "membership listing unavailable", http.StatusServiceUnavailable)
		return
	}
	roomID := mux.Vars(r)["roomId"]
	members, err := ms.RoomMembers(roomID)
	if err != nil {
		http.Error(w, "failed to list members", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"room_id": roomID,
		"members": members,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (h *GatewayHandler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path != "/health" && r.URL.Path != "/ready" {
			utils.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("client_ip", getClientIP(r)),
				zap.Duration("duration", time.Since(start)))
		}
	})
}

func (h *GatewayHandler) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				utils.Error("Panic in HTTP handler",
					zap.Any("error", err),
					zap.String("path", r.URL.Path))
				http.Error(w, "Internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
