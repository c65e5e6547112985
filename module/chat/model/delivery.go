package model

import (
	"fmt"
	"strings"
	"time"
)

const DeliveryTableName = "delivery"

type DeliveryStatus int

const (
	StatusSent DeliveryStatus = iota + 1
	StatusDelivered
	StatusRead
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusSent:
		return "SENT"
	case StatusDelivered:
		return "DELIVERED"
	case StatusRead:
		return "READ"
	}
	return fmt.Sprintf("DeliveryStatus(%d)", int(s))
}

func ParseDeliveryStatus(s string) (DeliveryStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SENT":
		return StatusSent, nil
	case "DELIVERED":
		return StatusDelivered, nil
	case "READ":
		return StatusRead, nil
	}
	return 0, fmt.Errorf("unknown delivery status %q", s)
}

// CanAdvanceTo reports whether s may move to next. Status only moves
// forward: SENT -> DELIVERED -> READ (skipping DELIVERED is allowed).
func (s DeliveryStatus) CanAdvanceTo(next DeliveryStatus) bool {
	return next > s && next <= StatusRead
}

// DeliveryRecord (message, recipient) 投递状态；每个接收者每条消息一条
type DeliveryRecord struct {
	MessageID      string         `bson:"message_id" json:"messageId"`
	ConversationID string         `bson:"conversation_id" json:"conversationId"`
	RecipientID    string         `bson:"recipient_id" json:"recipientId"`
	Seq            int64          `bson:"seq" json:"seq"`
	Status         DeliveryStatus `bson:"status" json:"status"`
	SentAt         time.Time      `bson:"sent_at" json:"sentAt"`
	DeliveredAt    *time.Time     `bson:"delivered_at,omitempty" json:"deliveredAt,omitempty"`
	ReadAt         *time.Time     `bson:"read_at,omitempty" json:"readAt,omitempty"`
}

func (d *DeliveryRecord) GetTableName() string {
	return DeliveryTableName
}

// Advance applies next in place and reports whether anything changed.
func (d *DeliveryRecord) Advance(next DeliveryStatus, at time.Time) bool {
	if !d.Status.CanAdvanceTo(next) {
		return false
	}
	if next >= StatusDelivered && d.DeliveredAt == nil {
		t := at
		d.DeliveredAt = &t
	}
	if next == StatusRead {
		t := at
		d.ReadAt = &t
	}
	d.Status = next
	return true
}
