package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FrameType tags the closed set of frames carried over a connection.
type FrameType string

const (
	FrameJoin           FrameType = "join"
	FrameLeave          FrameType = "leave"
	FrameSend           FrameType = "send"
	FrameAck            FrameType = "ack"
	FrameReadReceipt    FrameType = "read_receipt"
	FramePresenceUpdate FrameType = "presence_update"
	FrameResume         FrameType = "resume"

	// Server-to-client only.
	FrameMessage        FrameType = "message"
	FrameMemberJoined   FrameType = "member_joined"
	FrameMemberLeft     FrameType = "member_left"
	FrameResumeOK       FrameType = "resume_ok"
	FrameResyncRequired FrameType = "resync_required"
	FrameError          FrameType = "error"
)

// Frame is the wire envelope: {type, seq, roomId?, payload}.
type Frame struct {
	Type    FrameType       `json:"type"`
	Seq     uint64          `json:"seq"`
	RoomID  string          `json:"room_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Payload variants. Each inbound frame type decodes into exactly one of
// these at the gateway boundary; downstream components never re-validate.

type SendPayload struct {
	Body      string `json:"body"`
	ClientTag string `json:"client_tag,omitempty"`
}

type AckPayload struct {
	MessageID string `json:"message_id"`
}

type ReadReceiptPayload struct {
	MessageID string `json:"message_id"`
}

type PresencePayload struct {
	Status PresenceStatus `json:"status"`
}

type ResumePayload struct {
	ConnectionID string `json:"connection_id"`
	LastSeenSeq  uint64 `json:"last_seen_seq"`
}

type ErrorPayload struct {
	Code         int    `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// InboundFrame is a frame that passed boundary validation. Exactly one of
// the payload pointers is set, matching Type.
type InboundFrame struct {
	Frame
	Send        *SendPayload
	Ack         *AckPayload
	ReadReceipt *ReadReceiptPayload
	Presence    *PresencePayload
	Resume      *ResumePayload
}

// DecodeFrame parses and validates a single inbound frame. Any failure is a
// protocol violation: unknown tag, missing room, missing payload fields.
func DecodeFrame(data []byte) (*InboundFrame, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrProtocol)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: malformed frame: %v", ErrProtocol, err)
	}

	in := &InboundFrame{Frame: f}

	switch f.Type {
	case FrameJoin, FrameLeave:
		if f.RoomID == "" {
			return nil, fmt.Errorf("%w: %s frame requires room_id", ErrProtocol, f.Type)
		}

	case FrameSend:
		if f.RoomID == "" {
			return nil, fmt.Errorf("%w: send frame requires room_id", ErrProtocol)
		}
		var p SendPayload
		if err := unmarshalPayload(f.Payload, &p); err != nil {
			return nil, err
		}
		if p.Body == "" {
			return nil, fmt.Errorf("%w: send frame requires body", ErrProtocol)
		}
		in.Send = &p

	case FrameAck:
		var p AckPayload
		if err := unmarshalPayload(f.Payload, &p); err != nil {
			return nil, err
		}
		if p.MessageID == "" {
			return nil, fmt.Errorf("%w: ack frame requires message_id", ErrProtocol)
		}
		in.Ack = &p

	case FrameReadReceipt:
		var p ReadReceiptPayload
		if err := unmarshalPayload(f.Payload, &p); err != nil {
			return nil, err
		}
		if p.MessageID == "" {
			return nil, fmt.Errorf("%w: read_receipt frame requires message_id", ErrProtocol)
		}
		in.ReadReceipt = &p

	case FramePresenceUpdate:
		if f.RoomID == "" {
			return nil, fmt.Errorf("%w: presence_update frame requires room_id", ErrProtocol)
		}
		var p PresencePayload
		if err := unmarshalPayload(f.Payload, &p); err != nil {
			return nil, err
		}
		switch p.Status {
		case PresenceOnline, PresenceTyping, PresenceOffline:
		default:
			return nil, fmt.Errorf("%w: invalid presence status %q", ErrProtocol, p.Status)
		}
		in.Presence = &p

	case FrameResume:
		var p ResumePayload
		if err := unmarshalPayload(f.Payload, &p); err != nil {
			return nil, err
		}
		if p.ConnectionID == "" {
			return nil, fmt.Errorf("%w: resume frame requires connection_id", ErrProtocol)
		}
		in.Resume = &p

	default:
		return nil, fmt.Errorf("%w: unknown frame type %q", ErrProtocol, f.Type)
	}

	return in, nil
}

func unmarshalPayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrProtocol)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: malformed payload: %v", ErrProtocol, err)
	}
	return nil
}

// NewOutboundFrame builds a server-to-client frame with a marshalled payload.
func NewOutboundFrame(frameType FrameType, seq uint64, roomID string, payload interface{}) (*Frame, error) {
	f := &Frame{
		Type:   frameType,
		Seq:    seq,
		RoomID: roomID,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		f.Payload = data
	}
	return f, nil
}

func (f *Frame) ToJSON() ([]byte, error) {
	return json.Marshal(f)
}

// BrokerEvent is the envelope published to room channels. The origin tags
// let the bridge suppress delivery to the exact socket that produced the
// event while the sender's other sessions still receive it.
type BrokerEvent struct {
	ID            string          `json:"id"`
	Type          FrameType       `json:"type"`
	RoomID        string          `json:"room_id"`
	SenderID      string          `json:"sender_id,omitempty"`
	OriginProcess string          `json:"origin_process"`
	OriginConn    string          `json:"origin_conn,omitempty"`
	SuppressEcho  bool            `json:"suppress_echo,omitempty"`
	TargetUser    string          `json:"target_user,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewBrokerEvent builds an event envelope with a fresh ID.
func NewBrokerEvent(frameType FrameType, roomID, senderID string, payload interface{}) (*BrokerEvent, error) {
	ev := &BrokerEvent{
		ID:          uuid.New().String(),
		Type:        frameType,
		RoomID:      roomID,
		SenderID:    senderID,
		PublishedAt: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event payload: %w", err)
		}
		ev.Payload = data
	}
	return ev, nil
}

func (e *BrokerEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

func (e *BrokerEvent) FromJSON(data []byte) error {
	return json.Unmarshal(data, e)
}
