package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversation_Validate(t *testing.T) {
	ok := &Conversation{ID: "c1", Type: ConversationPrivate, Participants: []Participant{{UserID: "a"}, {UserID: "b"}}}
	assert.NoError(t, ok.Validate())

	three := &Conversation{ID: "c2", Type: ConversationPrivate, Participants: []Participant{{UserID: "a"}, {UserID: "b"}, {UserID: "c"}}}
	assert.Error(t, three.Validate())

	dup := &Conversation{ID: "c3", Type: ConversationGroup, Participants: []Participant{{UserID: "a"}, {UserID: "a"}}}
	assert.Error(t, dup.Validate())

	group := &Conversation{ID: "c4", Type: ConversationGroup, Participants: []Participant{{UserID: "a"}, {UserID: "b"}, {UserID: "c"}}}
	assert.NoError(t, group.Validate())
	assert.True(t, group.HasParticipant("c"))
	assert.False(t, group.HasParticipant("z"))
}

func TestPrivateConversationID_Symmetric(t *testing.T) {
	assert.Equal(t, PrivateConversationID("u2", "u1"), PrivateConversationID("u1", "u2"))
	assert.Equal(t, "p2p:u1_u2", PrivateConversationID("u2", "u1"))
}

func TestPayload_Validate(t *testing.T) {
	assert.NoError(t, Payload{Type: MsgText, Content: "hi"}.Validate())
	assert.Error(t, Payload{Type: MsgText, Content: "   "}.Validate())
	assert.Error(t, Payload{Type: "STICKER", Content: "x"}.Validate())
	assert.Error(t, Payload{Type: MsgSystem, Content: "x"}.Validate())
	assert.Error(t, Payload{Type: MsgText, Content: strings.Repeat("a", MaxContentRunes+1)}.Validate())
}

func TestDeliveryRecord_ForwardOnly(t *testing.T) {
	now := time.Now()
	r := &DeliveryRecord{Status: StatusSent}

	assert.True(t, r.Advance(StatusDelivered, now))
	require.NotNil(t, r.DeliveredAt)
	assert.False(t, r.Advance(StatusSent, now), "must not move backward")
	assert.False(t, r.Advance(StatusDelivered, now), "same status is not an advance")
	assert.True(t, r.Advance(StatusRead, now))
	assert.Equal(t, StatusRead, r.Status)

	skip := &DeliveryRecord{Status: StatusSent}
	assert.True(t, skip.Advance(StatusRead, now))
	assert.NotNil(t, skip.DeliveredAt, "read implies delivered")
}

func TestMessageCreatedEvent_RoundTripAndPreview(t *testing.T) {
	m := &Message{
		ID: "m1", ConversationID: "conv-1", SenderID: "u1", Seq: 3,
		Payload:   Payload{Type: MsgText, Content: strings.Repeat("字", EventPreviewRunes+10)},
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
	evt := NewMessageCreatedEvent("e1", m, "Alice")
	assert.Equal(t, "conv-1", evt.PartitionKey())
	assert.Equal(t, EventPreviewRunes, len([]rune(evt.ContentPreview)))

	raw, err := evt.Encode()
	require.NoError(t, err)
	back, err := DecodeMessageCreatedEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, evt, back)

	img := NewMessageCreatedEvent("e2", &Message{ID: "m2", ConversationID: "c", SenderID: "u", Payload: Payload{Type: MsgImage, Content: "https://cdn/x.png"}}, "")
	assert.Empty(t, img.ContentPreview)
}

func TestDecodeMessageCreatedEvent_Rejects(t *testing.T) {
	_, err := DecodeMessageCreatedEvent([]byte(`{"v":2,"messageId":"m","conversationId":"c","senderId":"s"}`))
	assert.Error(t, err)
	_, err = DecodeMessageCreatedEvent([]byte(`{"v":1,"conversationId":"c"}`))
	assert.Error(t, err)
	_, err = DecodeMessageCreatedEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "hi", TruncateRunes("hi", 5, "…"))
	assert.Equal(t, "hel…", TruncateRunes("hello", 3, "…"))
	assert.Equal(t, "你好…", TruncateRunes("你好世界", 2, "…"))
}
