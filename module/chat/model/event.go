package model

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// EventVersion is bumped on any incompatible change to MessageCreatedEvent.
const EventVersion = 1

// EventPreviewRunes caps the text carried on the event log. Consumers
// apply their own, usually shorter, limit.
const EventPreviewRunes = 256

// MessageCreatedEvent 是消息的稳定投影，消费者不依赖消息存储的内部结构
type MessageCreatedEvent struct {
	Version        int         `json:"v"`
	EventID        string      `json:"eventId"`
	MessageID      string      `json:"messageId"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	SenderName     string      `json:"senderName,omitempty"`
	Type           MessageType `json:"type"`
	ContentPreview string      `json:"contentPreview,omitempty"`
	Seq            int64       `json:"seq"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// PartitionKey routes all events of a conversation to one partition.
func (e *MessageCreatedEvent) PartitionKey() string { return e.ConversationID }

// NewMessageCreatedEvent projects m. Only text content is previewed.
func NewMessageCreatedEvent(eventID string, m *Message, senderName string) *MessageCreatedEvent {
	evt := &MessageCreatedEvent{
		Version:        EventVersion,
		EventID:        eventID,
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     senderName,
		Type:           m.Payload.Type,
		Seq:            m.Seq,
		CreatedAt:      m.CreatedAt,
	}
	if m.Payload.Type == MsgText {
		evt.ContentPreview = TruncateRunes(m.Payload.Content, EventPreviewRunes, "")
	}
	return evt
}

func (e *MessageCreatedEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeMessageCreatedEvent rejects unknown versions and events missing
// the fields every consumer relies on.
func DecodeMessageCreatedEvent(raw []byte) (*MessageCreatedEvent, error) {
	var e MessageCreatedEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if e.Version != EventVersion {
		return nil, fmt.Errorf("unsupported event version %d", e.Version)
	}
	if e.MessageID == "" || e.ConversationID == "" || e.SenderID == "" {
		return nil, fmt.Errorf("event missing identity fields")
	}
	return &e, nil
}

// TruncateRunes cuts s to at most n runes, appending suffix when cut.
func TruncateRunes(s string, n int, suffix string) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos] + suffix
		}
		i++
	}
	return s
}
