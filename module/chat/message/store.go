// Package message persists conversations, messages and per-recipient
// delivery records.
package message

import (
	"context"
	"errors"
	"time"

	"IMDelivery/module/chat/model"
)

var (
	// ErrDuplicateSeq means the sequence counter is behind the stored messages.
	ErrDuplicateSeq = errors.New("duplicate conversation seq")
	// ErrDuplicateTempID means the client already sent this tempId.
	ErrDuplicateTempID = errors.New("duplicate temp id")
)

// Store 消息存储；消息以 (conversation_id, seq) 唯一
type Store interface {
	GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error)
	SaveConversation(ctx context.Context, c *model.Conversation) error
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	ListParticipants(ctx context.Context, conversationID string) ([]string, error)
	// ConversationsOf lists the conversations userID participates in.
	ConversationsOf(ctx context.Context, userID string) ([]string, error)

	// CreateMessage stores m and a SENT delivery record for every recipient.
	CreateMessage(ctx context.Context, m *model.Message, recipients []string) error
	// EnsureDeliveries writes the SENT records m is missing and reports how many
	// were created. Used to finish a send whose record write failed after the
	// message insert.
	EnsureDeliveries(ctx context.Context, m *model.Message, recipients []string) (int, error)
	// FindByTempID returns the message a client already sent with tempID, or nil.
	FindByTempID(ctx context.Context, conversationID, senderID, tempID string) (*model.Message, error)
	GetMessage(ctx context.Context, messageID string) (*model.Message, error)
	MaxSeq(ctx context.Context, conversationID string) (int64, error)

	// AdvanceDelivery moves a record forward only; false when it was already there or beyond.
	AdvanceDelivery(ctx context.Context, messageID, recipientID string, next model.DeliveryStatus, at time.Time) (bool, error)
	GetDelivery(ctx context.Context, messageID, recipientID string) (*model.DeliveryRecord, error)
}

func newDeliveryRecords(m *model.Message, recipients []string) []*model.DeliveryRecord {
	out := make([]*model.DeliveryRecord, 0, len(recipients))
	for _, r := range recipients {
		if r == m.SenderID {
			continue
		}
		out = append(out, &model.DeliveryRecord{
			MessageID:      m.ID,
			ConversationID: m.ConversationID,
			RecipientID:    r,
			Seq:            m.Seq,
			Status:         model.StatusSent,
			SentAt:         m.CreatedAt,
		})
	}
	return out
}
