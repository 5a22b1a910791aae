package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrameValidSend(t *testing.T) {
	in, err := DecodeFrame([]byte(`{"type":"send","room_id":"r1","payload":{"body":"hello","client_tag":"tag-1"}}`))
	require.NoError(t, err)
	require.NotNil(t, in.Send)
	assert.Equal(t, FrameSend, in.Type)
	assert.Equal(t, "r1", in.RoomID)
	assert.Equal(t, "hello", in.Send.Body)
	assert.Equal(t, "tag-1", in.Send.ClientTag)
}

func TestDecodeFrameValidResume(t *testing.T) {
	in, err := DecodeFrame([]byte(`{"type":"resume","payload":{"connection_id":"c1","last_seen_seq":42}}`))
	require.NoError(t, err)
	require.NotNil(t, in.Resume)
	assert.Equal(t, "c1", in.Resume.ConnectionID)
	assert.Equal(t, uint64(42), in.Resume.LastSeenSeq)
}

func TestDecodeFrameJoinLeaveNeedNoPayload(t *testing.T) {
	for _, raw := range []string{
		`{"type":"join","room_id":"r1"}`,
		`{"type":"leave","room_id":"r1"}`,
	} {
		_, err := DecodeFrame([]byte(raw))
		assert.NoError(t, err, raw)
	}
}

func TestDecodeFrameProtocolViolations(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty frame", ``},
		{"not json", `{{{`},
		{"unknown type", `{"type":"shout","room_id":"r1"}`},
		{"join without room", `{"type":"join"}`},
		{"send without room", `{"type":"send","payload":{"body":"x"}}`},
		{"send without body", `{"type":"send","room_id":"r1","payload":{}}`},
		{"send without payload", `{"type":"send","room_id":"r1"}`},
		{"ack without message id", `{"type":"ack","payload":{}}`},
		{"read receipt without message id", `{"type":"read_receipt","payload":{}}`},
		{"presence without room", `{"type":"presence_update","payload":{"status":"typing"}}`},
		{"presence bad status", `{"type":"presence_update","room_id":"r1","payload":{"status":"sleeping"}}`},
		{"resume without connection id", `{"type":"resume","payload":{"last_seen_seq":1}}`},
		{"malformed payload", `{"type":"ack","payload":"nope"}`},
		{"server-only type", `{"type":"message","room_id":"r1"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeFrame([]byte(tc.raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestDecodeFramePresenceStatuses(t *testing.T) {
	for _, status := range []string{"online", "typing", "offline"} {
		in, err := DecodeFrame([]byte(`{"type":"presence_update","room_id":"r1","payload":{"status":"` + status + `"}}`))
		require.NoError(t, err, status)
		assert.Equal(t, PresenceStatus(status), in.Presence.Status)
	}
}

func TestBrokerEventRoundTrip(t *testing.T) {
	event, err := NewBrokerEvent(FrameMessage, "r1", "alice", &MessagePayload{
		MessageID: "m1", SenderID: "alice", RoomID: "r1", Body: "hi",
	})
	require.NoError(t, err)
	event.OriginProcess = "proc-1"
	event.OriginConn = "c1"
	event.SuppressEcho = true

	data, err := event.ToJSON()
	require.NoError(t, err)

	var decoded BrokerEvent
	require.NoError(t, decoded.FromJSON(data))
	assert.Equal(t, event.ID, decoded.ID)
	assert.Equal(t, FrameMessage, decoded.Type)
	assert.Equal(t, "proc-1", decoded.OriginProcess)
	assert.Equal(t, "c1", decoded.OriginConn)
	assert.True(t, decoded.SuppressEcho)
}

func TestDeliveryStateStrings(t *testing.T) {
	assert.Equal(t, "published", DeliveryPublished.String())
	assert.Equal(t, "delivered", DeliveryDelivered.String())
	assert.Equal(t, "read", DeliveryRead.String())
	assert.Equal(t, "dead_lettered", DeliveryDeadLettered.String())
}

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "room:r1", RoomChannel("r1"))
	assert.Equal(t, "presence:r1:alice", PresenceKey("r1", "alice"))
	assert.Equal(t, "presence:index:r1", PresenceIndexKey("r1"))
	assert.Equal(t, "ratelimit:user:alice", RateLimitKey("user", "alice"))
}
