// Package message is the send path: participation check, sequencing,
// persistence, realtime broadcast and the message-created event.
package message

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	chatmsg "IMDelivery/module/chat/message"
	"IMDelivery/module/chat/model"
	"IMDelivery/tools/errs"
	"IMDelivery/tools/ids"
)

type Sequencer interface {
	NextSeq(ctx context.Context, conversationID string) (int64, error)
	Reconcile(ctx context.Context, conversationID string, dbMax int64) (int64, error)
}

// Broadcaster delivers a persisted message to every connected participant.
type Broadcaster interface {
	BroadcastMessage(ctx context.Context, m *model.Message) error
}

type EventPublisher interface {
	Publish(ctx context.Context, evt *model.MessageCreatedEvent) error
}

// NameResolver returns a display name for the push title; "" is fine.
type NameResolver func(ctx context.Context, userID string) string

type SendRequest struct {
	ConversationID string
	SenderID       string
	SenderName     string // 凭证里的展示名，空时走 NameResolver
	Payload        model.Payload
	TempID         string
	ReplyTo        string
}

type Service struct {
	store  chatmsg.Store
	seq    Sequencer
	bcast  Broadcaster
	events EventPublisher
	names  NameResolver
	log    *zap.Logger

	ids        *ids.Generator
	now        func() time.Time
	newEventID func() string
}

type Option func(*Service)

func WithNameResolver(r NameResolver) Option  { return func(s *Service) { s.names = r } }
func WithIDGenerator(g *ids.Generator) Option { return func(s *Service) { s.ids = g } }
func WithClock(now func() time.Time) Option   { return func(s *Service) { s.now = now } }

func NewService(store chatmsg.Store, seq Sequencer, bcast Broadcaster, events EventPublisher, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		store:      store,
		seq:        seq,
		bcast:      bcast,
		events:     events,
		log:        log,
		ids:        ids.NewGenerator(1),
		now:        time.Now,
		newEventID: uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetBroadcaster 网关与服务互相依赖，构造后注入
func (s *Service) SetBroadcaster(b Broadcaster) { s.bcast = b }

const maxSeqConflicts = 2

// Send persists the message and returns it with its sequence number.
// Broadcast and event failures are logged and never fail the send: once
// stored, the message is durable and readers can sync it later.
//
// Order is defined by Seq only. Two senders racing in one conversation may
// have their message:new frames arrive in either order; clients place
// messages by seq.
func (s *Service) Send(ctx context.Context, req SendRequest) (*model.Message, error) {
	if strings.TrimSpace(req.ConversationID) == "" || req.SenderID == "" {
		return nil, errs.ErrMalformedPayload.WrapMsg("conversationId and sender are required")
	}
	ok, err := s.store.IsParticipant(ctx, req.ConversationID, req.SenderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.ErrNotParticipant.WrapMsg("send", "conversationId", req.ConversationID, "userId", req.SenderID)
	}
	if err := req.Payload.Validate(); err != nil {
		return nil, errs.ErrMalformedPayload.WrapMsg(err.Error())
	}

	// 客户端重发：直接返回已落库的消息，不再消耗 seq
	if req.TempID != "" {
		prev, err := s.store.FindByTempID(ctx, req.ConversationID, req.SenderID, req.TempID)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			return s.resume(ctx, prev, req.SenderName)
		}
	}

	recipients, err := s.store.ListParticipants(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}

	m := &model.Message{
		ID:             s.ids.NextString(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Payload:        req.Payload,
		CreatedAt:      s.now().UTC(),
		ReplyTo:        req.ReplyTo,
		TempID:         req.TempID,
	}
	if err := s.persist(ctx, m, recipients); err != nil {
		if errors.Is(err, chatmsg.ErrDuplicateTempID) {
			if prev, ferr := s.store.FindByTempID(ctx, req.ConversationID, req.SenderID, req.TempID); ferr == nil && prev != nil {
				return s.resume(ctx, prev, req.SenderName)
			}
		}
		return nil, err
	}

	s.fanout(ctx, m, req.SenderName)
	return m, nil
}

// resume 处理同 tempId 重发：上次若只写入了消息、投递记录失败，
// 此处补齐投递记录并重新广播与发事件；上次已完整写入则直接返回。
func (s *Service) resume(ctx context.Context, prev *model.Message, senderName string) (*model.Message, error) {
	recipients, err := s.store.ListParticipants(ctx, prev.ConversationID)
	if err != nil {
		return nil, err
	}
	created, err := s.store.EnsureDeliveries(ctx, prev, recipients)
	if err != nil {
		return nil, err
	}
	if created == 0 {
		s.log.Debug("duplicate send", zap.String("tempId", prev.TempID), zap.String("messageId", prev.ID))
		return prev, nil
	}
	s.log.Warn("completing partially stored message",
		zap.String("messageId", prev.ID), zap.Int64("seq", prev.Seq), zap.Int("deliveries", created))
	s.fanout(ctx, prev, senderName)
	return prev, nil
}

// fanout 广播到会话房间并发布 message-created 事件，失败只记日志
func (s *Service) fanout(ctx context.Context, m *model.Message, senderName string) {
	if s.bcast != nil {
		if err := s.bcast.BroadcastMessage(ctx, m); err != nil {
			s.log.Warn("broadcast failed", zap.String("messageId", m.ID), zap.Error(err))
		}
	}
	s.publish(ctx, m, senderName)
}

// persist 取号并写库；seq 冲突说明计数器落后（如 Redis 被清空），对齐到库内最大值后重取
func (s *Service) persist(ctx context.Context, m *model.Message, recipients []string) error {
	for attempt := 0; ; attempt++ {
		seq, err := s.seq.NextSeq(ctx, m.ConversationID)
		if err != nil {
			return err
		}
		m.Seq = seq
		err = s.store.CreateMessage(ctx, m, recipients)
		if err == nil {
			return nil
		}
		if !errors.Is(err, chatmsg.ErrDuplicateSeq) || attempt >= maxSeqConflicts {
			return err
		}
		dbMax, merr := s.store.MaxSeq(ctx, m.ConversationID)
		if merr != nil {
			return merr
		}
		if _, rerr := s.seq.Reconcile(ctx, m.ConversationID, dbMax); rerr != nil {
			return rerr
		}
		s.log.Warn("sequence counter behind store, reconciled",
			zap.String("conversationId", m.ConversationID), zap.Int64("dbMax", dbMax))
	}
}

func (s *Service) publish(ctx context.Context, m *model.Message, name string) {
	if s.events == nil {
		return
	}
	if name == "" && s.names != nil {
		name = s.names(ctx, m.SenderID)
	}
	evt := model.NewMessageCreatedEvent(s.newEventID(), m, name)
	if err := s.events.Publish(ctx, evt); err != nil {
		s.log.Error("event publish failed", zap.String("messageId", m.ID), zap.Error(err))
	}
}

// Acknowledge advances the reader's delivery record of messageID to status.
// Moving backwards is a no-op that reports false.
func (s *Service) Acknowledge(ctx context.Context, userID, conversationID, messageID string, status model.DeliveryStatus) (bool, error) {
	if messageID == "" {
		return false, errs.ErrMalformedPayload.WrapMsg("messageId is required")
	}
	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return false, err
	}
	if conversationID != "" && m.ConversationID != conversationID {
		return false, errs.ErrMalformedPayload.WrapMsg("message not in conversation", "messageId", messageID)
	}
	ok, err := s.store.IsParticipant(ctx, m.ConversationID, userID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, errs.ErrNotParticipant.WrapMsg("ack", "conversationId", m.ConversationID, "userId", userID)
	}
	return s.store.AdvanceDelivery(ctx, messageID, userID, status, s.now().UTC())
}
