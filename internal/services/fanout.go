package services

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"chat-gateway/internal/broker"
	"chat-gateway/internal/models"
	"chat-gateway/internal/utils"

	"go.uber.org/zap"
)

// FanoutBridge bridges local sockets to broker room channels. The broker
// subscription for a room exists exactly while at least one local
// connection has the room joined; the bridge's member set is the refcount.
type FanoutBridge struct {
	manager   *broker.Manager
	cm        *ConnectionManager
	delivery  *DeliveryTracker
	processID string

	mu    sync.Mutex
	rooms map[string]map[string]*WebSocketConnection // roomID -> connID -> conn
}

// NewFanoutBridge creates the bridge. processID tags published events so
// echo suppression can identify the originating socket.
func NewFanoutBridge(manager *broker.Manager, cm *ConnectionManager, delivery *DeliveryTracker, processID string) (*FanoutBridge, error) {
	if manager == nil {
		return nil, fmt.Errorf("broker manager cannot be nil")
	}
	if cm == nil {
		return nil, fmt.Errorf("connection manager cannot be nil")
	}
	if delivery == nil {
		return nil, fmt.Errorf("delivery tracker cannot be nil")
	}
	if processID == "" {
		return nil, fmt.Errorf("process ID cannot be empty")
	}
	return &FanoutBridge{
		manager:   manager,
		cm:        cm,
		delivery:  delivery,
		processID: processID,
		rooms:     make(map[string]map[string]*WebSocketConnection),
	}, nil
}

// SubscribeLocal adds a connection to a room's local member set. The 0->1
// transition issues the broker subscription for the room channel.
func (b *FanoutBridge) SubscribeLocal(conn *WebSocketConnection, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room ID cannot be empty")
	}

	b.mu.Lock()
	members, ok := b.rooms[roomID]
	if !ok {
		members = make(map[string]*WebSocketConnection)
		b.rooms[roomID] = members
	}
	members[conn.ID] = conn
	first := len(members) == 1
	b.mu.Unlock()

	if first {
		if err := b.manager.Subscribe(models.RoomChannel(roomID), b.handleBrokerMessage); err != nil {
			utils.Error("Failed to subscribe to room channel",
				zap.String("room_id", roomID),
				zap.Error(err))
			return err
		}
		utils.Debug("Room channel subscribed", zap.String("room_id", roomID))
	}
	return nil
}

// UnsubscribeLocal removes a connection from a room's local member set.
// The 1->0 transition tears down the broker subscription.
func (b *FanoutBridge) UnsubscribeLocal(conn *WebSocketConnection, roomID string) error {
	b.mu.Lock()
	tornDown := false
	if members, ok := b.rooms[roomID]; ok {
		delete(members, conn.ID)
		if len(members) == 0 {
			delete(b.rooms, roomID)
			tornDown = true
		}
	}
	b.mu.Unlock()

	if tornDown {
		if err := b.manager.Unsubscribe(models.RoomChannel(roomID)); err != nil {
			utils.Warn("Failed to unsubscribe from room channel",
				zap.String("room_id", roomID),
				zap.Error(err))
		}
		utils.Debug("Room channel unsubscribed", zap.String("room_id", roomID))
	}
	return nil
}

// ReleaseConnection drops every room refcount a closing connection holds.
func (b *FanoutBridge) ReleaseConnection(conn *WebSocketConnection) {
	for _, roomID := range conn.Rooms() {
		b.UnsubscribeLocal(conn, roomID)
	}
}

// Publish serializes an event onto the room's broker channel. Local
// members receive it through this process's own subscription, so delivery
// is exactly-once per socket under stable operation.
func (b *FanoutBridge) Publish(ctx context.Context, roomID string, event *models.BrokerEvent) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	event.OriginProcess = b.processID

	data, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return b.manager.Publish(ctx, models.RoomChannel(roomID), data)
}

// handleBrokerMessage fans a broker event out to local sockets. Ack and
// read-receipt events feed the delivery tracker instead of the sockets.
func (b *FanoutBridge) handleBrokerMessage(channel string, payload []byte) {
	roomID := strings.TrimPrefix(channel, "room:")
	if roomID == channel || roomID == "" {
		utils.Warn("Ignoring message on unexpected channel", zap.String("channel", channel))
		return
	}

	var event models.BrokerEvent
	if err := event.FromJSON(payload); err != nil {
		utils.Error("Failed to decode broker event",
			zap.String("channel", channel),
			zap.Error(err))
		return
	}

	switch event.Type {
	case models.FrameAck, models.FrameReadReceipt:
		b.delivery.HandleAckEvent(&event)
		return
	}

	b.fanOutLocal(roomID, &event)
}

// fanOutLocal writes the event to every open local member of the room.
// Each write is independent; one slow or dead socket never blocks the
// rest.
func (b *FanoutBridge) fanOutLocal(roomID string, event *models.BrokerEvent) {
	b.mu.Lock()
	members, ok := b.rooms[roomID]
	if !ok {
		b.mu.Unlock()
		return
	}
	targets := make([]*WebSocketConnection, 0, len(members))
	for _, conn := range members {
		targets = append(targets, conn)
	}
	b.mu.Unlock()

	delivered := 0
	for _, conn := range targets {
		if !conn.IsOpen() || !conn.InRoom(roomID) {
			continue
		}
		// Skip the exact socket that originated the event; the sender's
		// other sessions still receive it.
		if event.SuppressEcho && event.OriginProcess == b.processID && event.OriginConn == conn.ID {
			continue
		}
		if event.TargetUser != "" && conn.UserID != event.TargetUser {
			continue
		}

		frame := &models.Frame{
			Type:    event.Type,
			RoomID:  roomID,
			Payload: event.Payload,
		}
		if err := b.cm.SendFrame(conn, frame); err != nil {
			utils.Warn("Failed to deliver event to connection",
				zap.String("connection_id", conn.ID),
				zap.String("room_id", roomID),
				zap.String("event_id", event.ID),
				zap.Error(err))
			continue
		}
		delivered++
	}

	utils.Debug("Event fanned out",
		zap.String("room_id", roomID),
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.Int("delivered", delivered))
}

// LocalSubscriberCount returns the room's local refcount.
func (b *FanoutBridge) LocalSubscriberCount(roomID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms[roomID])
}

// RoomCounts snapshots per-room local subscriber counts for metrics.
func (b *FanoutBridge) RoomCounts() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := make(map[string]int, len(b.rooms))
	for roomID, members := range b.rooms {
		counts[roomID] = len(members)
	}
	return counts
}
