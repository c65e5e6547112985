package model

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const MsgTableName = "message"

// MaxContentRunes bounds a single message body.
const MaxContentRunes = 8000

type MessageType string

const (
	MsgText   MessageType = "TEXT"
	MsgImage  MessageType = "IMAGE"
	MsgVideo  MessageType = "VIDEO"
	MsgAudio  MessageType = "AUDIO"
	MsgVoice  MessageType = "VOICE"
	MsgFile   MessageType = "FILE"
	MsgSystem MessageType = "SYSTEM"
)

func (t MessageType) Valid() bool {
	switch t {
	case MsgText, MsgImage, MsgVideo, MsgAudio, MsgVoice, MsgFile, MsgSystem:
		return true
	}
	return false
}

// ParseMessageType accepts any letter case.
func ParseMessageType(s string) (MessageType, bool) {
	t := MessageType(strings.ToUpper(strings.TrimSpace(s)))
	return t, t.Valid()
}

type Payload struct {
	Type    MessageType `bson:"type" json:"type"`
	Content string      `bson:"content" json:"content"` // 文本正文；媒体类消息为资源 URL
}

// Validate rejects empty or oversized content and unknown types. SYSTEM
// messages are produced by the server and never accepted from clients.
func (p Payload) Validate() error {
	if !p.Type.Valid() || p.Type == MsgSystem {
		return fmt.Errorf("unsupported message type %q", p.Type)
	}
	if strings.TrimSpace(p.Content) == "" {
		return fmt.Errorf("empty content")
	}
	if utf8.RuneCountInString(p.Content) > MaxContentRunes {
		return fmt.Errorf("content exceeds %d characters", MaxContentRunes)
	}
	return nil
}

// Message 消息本体：创建后不可变（软删除标记除外），seq 在会话内唯一且严格递增
type Message struct {
	ID             string    `bson:"_id" json:"messageId"`
	ConversationID string    `bson:"conversation_id" json:"conversationId"`
	SenderID       string    `bson:"sender_id" json:"senderId"`
	Payload        Payload   `bson:"payload" json:"payload"`
	Seq            int64     `bson:"seq" json:"seq"`
	CreatedAt      time.Time `bson:"created_at" json:"createdAt"`
	ReplyTo        string    `bson:"reply_to,omitempty" json:"replyTo,omitempty"`
	TempID         string    `bson:"temp_id,omitempty" json:"tempId,omitempty"` // 客户端幂等ID
	Deleted        bool      `bson:"deleted" json:"deleted,omitempty"`
}

func (m *Message) GetTableName() string {
	return MsgTableName
}
