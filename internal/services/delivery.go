package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chat-gateway/internal/config"
	"chat-gateway/internal/models"
	"chat-gateway/internal/utils"

	"go.uber.org/zap"
)

// DeadLetterSink receives deliveries that exhausted their retry budget.
// Implemented by the observability collaborator; the default sink only
// logs.
type DeadLetterSink interface {
	DeadLettered(record *models.DeliveryRecord)
}

// LogDeadLetterSink is the default sink: surface and move on.
type LogDeadLetterSink struct{}

func (LogDeadLetterSink) DeadLettered(record *models.DeliveryRecord) {
	utils.Warn("Delivery dead-lettered",
		zap.Error(models.ErrDeliveryExhausted),
		zap.String("message_id", record.MessageID),
		zap.String("recipient_id", record.RecipientID),
		zap.String("room_id", record.RoomID),
		zap.Int("retry_count", record.RetryCount))
}

// trackedMessage holds one published message and its per-recipient
// delivery records.
type trackedMessage struct {
	payload *models.MessagePayload
	roomID  string
	records map[string]*models.DeliveryRecord
}

type replayEntry struct {
	seq  uint64
	data []byte
}

// replayRing is a bounded per-connection buffer of outbound frames
// serving session resume.
type replayRing struct {
	entries []replayEntry
	lastSeq uint64
}

// DeliveryTracker owns the per-recipient delivery state machine and the
// session-resume replay buffers. All record mutations serialize through
// one mutex, so a client-driven ack and a sweep-driven retry can never
// race on the same record.
type DeliveryTracker struct {
	cfg    *config.GatewayConfig
	sink   DeadLetterSink
	bridge *FanoutBridge

	mu          sync.Mutex
	messages    map[string]*trackedMessage
	undelivered map[string]int

	replayMu sync.Mutex
	replays  map[string]*replayRing

	deadLetterCount atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDeliveryTracker creates a tracker. The bridge is wired afterwards,
// before Start.
func NewDeliveryTracker(cfg *config.GatewayConfig, sink DeadLetterSink) (*DeliveryTracker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("gateway config cannot be nil")
	}
	if sink == nil {
		sink = LogDeadLetterSink{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &DeliveryTracker{
		cfg:         cfg,
		sink:        sink,
		messages:    make(map[string]*trackedMessage),
		undelivered: make(map[string]int),
		replays:     make(map[string]*replayRing),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Wire attaches the fan-out bridge used for retry republication.
func (dt *DeliveryTracker) Wire(bridge *FanoutBridge) {
	dt.bridge = bridge
}

// Start launches the retry sweep.
func (dt *DeliveryTracker) Start() {
	dt.wg.Add(1)
	go dt.retrySweepTask()
}

// TrackPublish creates one Published record per intended recipient.
func (dt *DeliveryTracker) TrackPublish(payload *models.MessagePayload, recipients []string) {
	if payload == nil || len(recipients) == 0 {
		return
	}

	now := time.Now()
	dt.mu.Lock()
	defer dt.mu.Unlock()

	msg := &trackedMessage{
		payload: payload,
		roomID:  payload.RoomID,
		records: make(map[string]*models.DeliveryRecord, len(recipients)),
	}
	for _, recipient := range recipients {
		msg.records[recipient] = &models.DeliveryRecord{
			MessageID:   payload.MessageID,
			RecipientID: recipient,
			RoomID:      payload.RoomID,
			State:       models.DeliveryPublished,
			PublishedAt: now,
			LastAttempt: now,
			MaxRetries:  dt.cfg.MaxRetries,
		}
		dt.undelivered[recipient]++
	}
	dt.messages[payload.MessageID] = msg
}

// Ack moves a record from Published to Delivered. Later or duplicate
// acks are ignored; transitions never go backwards.
func (dt *DeliveryTracker) Ack(messageID, recipientID string) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	record := dt.lookup(messageID, recipientID)
	if record == nil || record.State != models.DeliveryPublished {
		return
	}
	record.State = models.DeliveryDelivered
	record.DeliveredAt = time.Now()
	dt.decrementUndelivered(recipientID)
	dt.maybeRetire(messageID)
}

// Read moves a record to Read. Valid from Published (a read implies
// delivery) or Delivered.
func (dt *DeliveryTracker) Read(messageID, recipientID string) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	record := dt.lookup(messageID, recipientID)
	if record == nil {
		return
	}
	switch record.State {
	case models.DeliveryPublished:
		record.DeliveredAt = time.Now()
		dt.decrementUndelivered(recipientID)
	case models.DeliveryDelivered:
	default:
		return
	}
	record.State = models.DeliveryRead
	record.ReadAt = time.Now()
	dt.maybeRetire(messageID)
}

// HandleAckEvent consumes ack and read-receipt events off the broker.
// The event sender is the acknowledging recipient; records for messages
// this process did not publish are simply absent and the event is a no-op.
func (dt *DeliveryTracker) HandleAckEvent(event *models.BrokerEvent) {
	if event == nil || event.SenderID == "" {
		return
	}
	var p models.AckPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil || p.MessageID == "" {
		return
	}

	switch event.Type {
	case models.FrameAck:
		dt.Ack(p.MessageID, event.SenderID)
	case models.FrameReadReceipt:
		dt.Read(p.MessageID, event.SenderID)
	}
}

func (dt *DeliveryTracker) lookup(messageID, recipientID string) *models.DeliveryRecord {
	msg, ok := dt.messages[messageID]
	if !ok {
		return nil
	}
	return msg.records[recipientID]
}

func (dt *DeliveryTracker) decrementUndelivered(recipientID string) {
	if dt.undelivered[recipientID] > 0 {
		dt.undelivered[recipientID]--
		if dt.undelivered[recipientID] == 0 {
			delete(dt.undelivered, recipientID)
		}
	}
}

// maybeRetire drops a message whose records are all terminal.
func (dt *DeliveryTracker) maybeRetire(messageID string) {
	msg, ok := dt.messages[messageID]
	if !ok {
		return
	}
	for _, record := range msg.records {
		switch record.State {
		case models.DeliveryRead, models.DeliveryDeadLettered:
		default:
			return
		}
	}
	delete(dt.messages, messageID)
}

// retrySweepTask periodically re-publishes unacknowledged deliveries and
// dead-letters the ones past their retry budget.
func (dt *DeliveryTracker) retrySweepTask() {
	defer dt.wg.Done()

	ticker := time.NewTicker(dt.cfg.RetrySweep)
	defer ticker.Stop()

	for {
		select {
		case <-dt.ctx.Done():
			return
		case <-ticker.C:
			dt.sweepRetries()
		}
	}
}

type pendingRetry struct {
	roomID    string
	recipient string
	payload   *models.MessagePayload
}

func (dt *DeliveryTracker) sweepRetries() {
	now := time.Now()
	var retries []pendingRetry
	var deadLetters []*models.DeliveryRecord

	dt.mu.Lock()
	for msgID, msg := range dt.messages {
		for recipient, record := range msg.records {
			if record.State != models.DeliveryPublished {
				continue
			}
			if now.Sub(record.LastAttempt) < dt.cfg.AckTimeout {
				continue
			}

			if record.RetryCount >= record.MaxRetries {
				record.State = models.DeliveryDeadLettered
				dt.decrementUndelivered(recipient)
				snapshot := *record
				deadLetters = append(deadLetters, &snapshot)
				continue
			}

			record.RetryCount++
			record.LastAttempt = now
			retries = append(retries, pendingRetry{
				roomID:    msg.roomID,
				recipient: recipient,
				payload:   msg.payload,
			})
		}
		dt.maybeRetire(msgID)
	}
	dt.mu.Unlock()

	for _, dl := range deadLetters {
		dt.deadLetterCount.Add(1)
		dt.sink.DeadLettered(dl)
	}

	for _, retry := range retries {
		event, err := models.NewBrokerEvent(models.FrameMessage, retry.roomID, retry.payload.SenderID, retry.payload)
		if err != nil {
			continue
		}
		event.TargetUser = retry.recipient

		ctx, cancel := context.WithTimeout(dt.ctx, time.Second*3)
		if err := dt.bridge.Publish(ctx, retry.roomID, event); err != nil {
			utils.Warn("Retry republish failed",
				zap.String("message_id", retry.payload.MessageID),
				zap.String("recipient_id", retry.recipient),
				zap.Error(err))
		}
		cancel()
	}

	if len(retries) > 0 || len(deadLetters) > 0 {
		utils.Info("Delivery retry sweep",
			zap.Int("retried", len(retries)),
			zap.Int("dead_lettered", len(deadLetters)))
	}
}

// RecordOutbound appends an outbound frame to a connection's replay ring.
func (dt *DeliveryTracker) RecordOutbound(connID string, seq uint64, data []byte) {
	dt.replayMu.Lock()
	defer dt.replayMu.Unlock()

	ring, ok := dt.replays[connID]
	if !ok {
		ring = &replayRing{}
		dt.replays[connID] = ring
	}
	ring.entries = append(ring.entries, replayEntry{seq: seq, data: data})
	ring.lastSeq = seq
	if len(ring.entries) > dt.cfg.ReplayBufferSize {
		ring.entries = ring.entries[len(ring.entries)-dt.cfg.ReplayBufferSize:]
	}
}

// Replay returns the frames after lastSeenSeq for a prior connection, in
// order. ok is false when the gap exceeds what the ring retained.
func (dt *DeliveryTracker) Replay(connID string, lastSeenSeq uint64) ([][]byte, bool) {
	dt.replayMu.Lock()
	defer dt.replayMu.Unlock()

	ring, ok := dt.replays[connID]
	if !ok {
		// Nothing was ever sent, or the ring was purged.
		return nil, lastSeenSeq == 0
	}

	if len(ring.entries) == 0 {
		return nil, lastSeenSeq == ring.lastSeq
	}

	first := ring.entries[0].seq
	if lastSeenSeq+1 < first {
		return nil, false
	}

	var missed [][]byte
	for _, e := range ring.entries {
		if e.seq > lastSeenSeq {
			missed = append(missed, e.data)
		}
	}
	return missed, true
}

// DropReplay discards a connection's replay ring.
func (dt *DeliveryTracker) DropReplay(connID string) {
	dt.replayMu.Lock()
	defer dt.replayMu.Unlock()
	delete(dt.replays, connID)
}

// UndeliveredCount reports how many published messages a user has not
// acknowledged yet. Consumed by the push-notification dispatcher.
func (dt *DeliveryTracker) UndeliveredCount(userID string) int {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	return dt.undelivered[userID]
}

// DeadLetterCount reports the total dead-lettered deliveries.
func (dt *DeliveryTracker) DeadLetterCount() int64 {
	return dt.deadLetterCount.Load()
}

// Close stops the retry sweep.
func (dt *DeliveryTracker) Close() error {
	dt.cancel()
	dt.wg.Wait()
	return nil
}
