package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chat-gateway/internal/broker"
	"chat-gateway/internal/config"
	"chat-gateway/internal/models"
	"chat-gateway/internal/utils"

	"go.uber.org/zap"
)

// PresenceTracker maintains TTL'd online/typing state per (user, room) in
// the broker and broadcasts deltas through the fan-out bridge. Any process
// may refresh a record; expiry is detected by a sweep that runs on exactly
// one process at a time under a broker lease.
type PresenceTracker struct {
	manager   *broker.Manager
	bridge    *FanoutBridge
	cfg       *config.GatewayConfig
	processID string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPresenceTracker creates a tracker over the shared broker manager.
func NewPresenceTracker(cfg *config.GatewayConfig, manager *broker.Manager, bridge *FanoutBridge, processID string) (*PresenceTracker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("gateway config cannot be nil")
	}
	if manager == nil {
		return nil, fmt.Errorf("broker manager cannot be nil")
	}
	if bridge == nil {
		return nil, fmt.Errorf("fanout bridge cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PresenceTracker{
		manager:   manager,
		bridge:    bridge,
		cfg:       cfg,
		processID: processID,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}, nil
}

// Start launches the expiry sweep loop.
func (pt *PresenceTracker) Start() {
	go pt.sweepTask()
}

// Join marks a user online in a room and broadcasts the delta.
func (pt *PresenceTracker) Join(ctx context.Context, userID, roomID string) error {
	return pt.setStatus(ctx, userID, roomID, models.PresenceOnline)
}

// Heartbeat refreshes a user's presence TTL. The delta is only broadcast
// when the status actually changed.
func (pt *PresenceTracker) Heartbeat(ctx context.Context, userID, roomID string) error {
	return pt.setStatus(ctx, userID, roomID, models.PresenceOnline)
}

// SetTyping marks a user typing in a room.
func (pt *PresenceTracker) SetTyping(ctx context.Context, userID, roomID string) error {
	return pt.setStatus(ctx, userID, roomID, models.PresenceTyping)
}

// setStatus writes/refreshes the presence record and its expiry-index
// entry, broadcasting a delta only for actual status changes.
func (pt *PresenceTracker) setStatus(ctx context.Context, userID, roomID string, status models.PresenceStatus) error {
	if userID == "" || roomID == "" {
		return fmt.Errorf("user ID and room ID cannot be empty")
	}

	key := models.PresenceKey(roomID, userID)
	changed := true
	if prev, err := pt.manager.Get(ctx, key); err == nil && prev != nil {
		var existing models.PresenceRecord
		if json.Unmarshal(prev, &existing) == nil && existing.Status == status {
			changed = false
		}
	}

	now := time.Now()
	record := models.PresenceRecord{
		UserID:    userID,
		RoomID:    roomID,
		Status:    status,
		UpdatedAt: now,
		TTL:       pt.cfg.PresenceTTL,
	}
	data, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("failed to marshal presence record: %w", err)
	}

	if err := pt.manager.Set(ctx, key, data, pt.cfg.PresenceTTL); err != nil {
		utils.Warn("Presence write failed",
			zap.String("user_id", userID),
			zap.String("room_id", roomID),
			zap.Error(err))
		return err
	}

	expiry := float64(now.Add(pt.cfg.PresenceTTL).UnixMilli())
	if err := pt.manager.ZAdd(ctx, models.PresenceIndexKey(roomID), expiry, userID); err != nil {
		utils.Warn("Presence index write failed",
			zap.String("room_id", roomID),
			zap.Error(err))
	}
	if err := pt.manager.ZAdd(ctx, models.PresenceRoomsKey, float64(now.UnixMilli()), roomID); err != nil {
		utils.Debug("Presence room registry write failed", zap.Error(err))
	}

	if changed {
		pt.broadcastDelta(ctx, userID, roomID, status)
	}
	return nil
}

// Leave removes a user's presence record and broadcasts offline. The
// index removal is the exactly-once claim: a concurrent sweep and an
// explicit leave cannot both broadcast.
func (pt *PresenceTracker) Leave(ctx context.Context, userID, roomID string) error {
	if userID == "" || roomID == "" {
		return fmt.Errorf("user ID and room ID cannot be empty")
	}

	removed, err := pt.manager.ZRem(ctx, models.PresenceIndexKey(roomID), userID)
	if err != nil {
		utils.Warn("Presence leave failed",
			zap.String("user_id", userID),
			zap.String("room_id", roomID),
			zap.Error(err))
		return err
	}
	if removed == 0 {
		return nil
	}

	if err := pt.manager.Delete(ctx, models.PresenceKey(roomID, userID)); err != nil {
		utils.Debug("Presence key delete failed", zap.Error(err))
	}
	pt.broadcastDelta(ctx, userID, roomID, models.PresenceOffline)
	return nil
}

// HandleConnectionClosed processes a local connection_closed event: the
// user leaves every room where the closed socket was their last local
// session. Sessions on other processes keep the record alive through
// their own heartbeats.
func (pt *PresenceTracker) HandleConnectionClosed(userID string, soleRooms []string) {
	for _, roomID := range soleRooms {
		ctx, cancel := context.WithTimeout(pt.ctx, time.Second*3)
		pt.Leave(ctx, userID, roomID)
		cancel()
	}
}

// RoomOccupants lists users with a live presence record in the room.
func (pt *PresenceTracker) RoomOccupants(ctx context.Context, roomID string) ([]string, error) {
	now := float64(time.Now().UnixMilli())
	return pt.manager.ZRangeByScore(ctx, models.PresenceIndexKey(roomID), now, float64(time.Now().Add(2*pt.cfg.PresenceTTL).UnixMilli()))
}

func (pt *PresenceTracker) broadcastDelta(ctx context.Context, userID, roomID string, status models.PresenceStatus) {
	delta := models.PresenceDelta{UserID: userID, RoomID: roomID, Status: status}
	event, err := models.NewBrokerEvent(models.FramePresenceUpdate, roomID, userID, &delta)
	if err != nil {
		utils.Error("Failed to build presence event", zap.Error(err))
		return
	}
	if err := pt.bridge.Publish(ctx, roomID, event); err != nil {
		utils.Warn("Presence delta publish failed",
			zap.String("room_id", roomID),
			zap.Error(err))
	}
}

// sweepTask expires stale presence records. The broker lease makes the
// sweep single-flight across processes; the per-member ZRem makes each
// expiry fire exactly one synthetic offline event.
func (pt *PresenceTracker) sweepTask() {
	defer close(pt.done)

	ticker := time.NewTicker(pt.cfg.PresenceSweep)
	defer ticker.Stop()

	for {
		select {
		case <-pt.ctx.Done():
			return
		case <-ticker.C:
			pt.sweepExpired()
		}
	}
}

func (pt *PresenceTracker) sweepExpired() {
	ctx, cancel := context.WithTimeout(pt.ctx, time.Second*10)
	defer cancel()

	acquired, err := pt.manager.SetNX(ctx, models.PresenceSweepLeaseKey, []byte(pt.processID), pt.cfg.PresenceSweep)
	if err != nil || !acquired {
		return
	}

	nowMs := float64(time.Now().UnixMilli())
	rooms, err := pt.manager.ZRangeByScore(ctx, models.PresenceRoomsKey, 0, float64(time.Now().Add(time.Hour).UnixMilli()))
	if err != nil {
		return
	}

	expiredTotal := 0
	prunedRooms := 0
	for _, roomID := range rooms {
		indexKey := models.PresenceIndexKey(roomID)
		expired, err := pt.manager.ZRangeByScore(ctx, indexKey, 0, nowMs)
		if err != nil {
			continue
		}
		for _, userID := range expired {
			removed, err := pt.manager.ZRem(ctx, indexKey, userID)
			if err != nil || removed == 0 {
				continue
			}
			pt.manager.Delete(ctx, models.PresenceKey(roomID, userID))
			pt.broadcastDelta(ctx, userID, roomID, models.PresenceOffline)
			expiredTotal++
		}

		// Drop the registry entry once a room's index empties, so the
		// sweep never scans rooms nobody occupies anymore. A concurrent
		// join re-registers the room on its next status write.
		remaining, err := pt.manager.ZRangeByScore(ctx, indexKey, 0, float64(time.Now().Add(24*time.Hour).UnixMilli()))
		if err == nil && len(remaining) == 0 {
			if _, err := pt.manager.ZRem(ctx, models.PresenceRoomsKey, roomID); err == nil {
				prunedRooms++
			}
		}
	}

	if expiredTotal > 0 || prunedRooms > 0 {
		utils.Info("Presence sweep expired records",
			zap.Int("count", expiredTotal),
			zap.Int("pruned_rooms", prunedRooms))
	}
}

// Close stops the sweep loop.
func (pt *PresenceTracker) Close() error {
	pt.cancel()
	<-pt.done
	return nil
}
