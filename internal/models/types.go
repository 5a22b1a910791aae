package models

import (
	"fmt"
	"time"
)

// ConnectionState is the lifecycle of a socket this process owns.
type ConnectionState int32

const (
	ConnStateOpen ConnectionState = iota
	ConnStateClosing
	ConnStateClosed
)

// PresenceStatus is the observable state of a user in a room.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceTyping  PresenceStatus = "typing"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceRecord is the broker-stored TTL'd presence entry for a
// (user, room) pair. Any process may refresh it; expiry yields exactly one
// synthetic offline event.
type PresenceRecord struct {
	UserID    string         `json:"user_id"`
	RoomID    string         `json:"room_id"`
	Status    PresenceStatus `json:"status"`
	UpdatedAt time.Time      `json:"updated_at"`
	TTL       time.Duration  `json:"ttl"`
}

// PresenceDelta is the broadcast diff: only the fields that changed.
type PresenceDelta struct {
	UserID string         `json:"user_id"`
	RoomID string         `json:"room_id"`
	Status PresenceStatus `json:"status"`
}

// DeliveryState is the per-recipient delivery state machine.
// Transitions are monotonic: Published -> Delivered -> Read, with the
// parallel DeadLettered terminal when retries run out.
type DeliveryState int32

const (
	DeliveryPublished DeliveryState = iota
	DeliveryDelivered
	DeliveryRead
	DeliveryDeadLettered
)

func (s DeliveryState) String() string {
	switch s {
	case DeliveryPublished:
		return "published"
	case DeliveryDelivered:
		return "delivered"
	case DeliveryRead:
		return "read"
	case DeliveryDeadLettered:
		return "dead_lettered"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// DeliveryRecord tracks one (message, recipient) pair from publish to
// read or dead-letter.
type DeliveryRecord struct {
	MessageID   string        `json:"message_id"`
	RecipientID string        `json:"recipient_id"`
	RoomID      string        `json:"room_id"`
	State       DeliveryState `json:"state"`
	PublishedAt time.Time     `json:"published_at"`
	DeliveredAt time.Time     `json:"delivered_at,omitempty"`
	ReadAt      time.Time     `json:"read_at,omitempty"`
	RetryCount  int           `json:"retry_count"`
	MaxRetries  int           `json:"max_retries"`
	LastAttempt time.Time     `json:"last_attempt"`
}

// MessagePayload is the room message body carried inside send events.
type MessagePayload struct {
	MessageID string    `json:"message_id"`
	SenderID  string    `json:"sender_id"`
	RoomID    string    `json:"room_id"`
	Body      string    `json:"body"`
	ClientTag string    `json:"client_tag,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// MemberEventPayload announces join/leave inside a room.
type MemberEventPayload struct {
	UserID   string `json:"user_id"`
	Platform string `json:"platform,omitempty"`
}

// Broker key and channel naming. Kept in one place so every component and
// every process agrees on the layout.

func RoomChannel(roomID string) string {
	return fmt.Sprintf("room:%s", roomID)
}

func PresenceKey(roomID, userID string) string {
	return fmt.Sprintf("presence:%s:%s", roomID, userID)
}

func PresenceIndexKey(roomID string) string {
	return fmt.Sprintf("presence:index:%s", roomID)
}

func RateLimitKey(scope, identifier string) string {
	return fmt.Sprintf("ratelimit:%s:%s", scope, identifier)
}

const (
	PresenceSweepLeaseKey = "presence:sweep:lease"
	PresenceRoomsKey      = "presence:rooms"
)
