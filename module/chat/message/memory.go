package message

import (
	"context"
	"sort"
	"sync"
	"time"

	"IMDelivery/module/chat/model"
	"IMDelivery/tools/errs"
)

// MemoryStore keeps everything in process. Used by single-node dev runs and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	convs      map[string]*model.Conversation
	msgs       map[string]*model.Message
	bySeq      map[string]map[int64]string // conv -> seq -> message id
	byTemp     map[string]string           // conv|sender|temp -> message id
	deliveries map[string]*model.DeliveryRecord
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:      make(map[string]*model.Conversation),
		msgs:       make(map[string]*model.Message),
		bySeq:      make(map[string]map[int64]string),
		byTemp:     make(map[string]string),
		deliveries: make(map[string]*model.DeliveryRecord),
	}
}

func tempKey(conv, sender, temp string) string { return conv + "|" + sender + "|" + temp }
func deliveryKey(msg, recipient string) string { return msg + "|" + recipient }

func (s *MemoryStore) GetConversation(_ context.Context, conversationID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("conversation not found", "conversationId", conversationID)
	}
	cp := *c
	cp.Participants = append([]model.Participant(nil), c.Participants...)
	return &cp, nil
}

func (s *MemoryStore) SaveConversation(_ context.Context, c *model.Conversation) error {
	if err := c.Validate(); err != nil {
		return errs.ErrMalformedPayload.WrapMsg(err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	cp.Participants = append([]model.Participant(nil), c.Participants...)
	s.convs[c.ID] = &cp
	return nil
}

func (s *MemoryStore) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	return ok && c.HasParticipant(userID), nil
}

func (s *MemoryStore) ListParticipants(ctx context.Context, conversationID string) ([]string, error) {
	c, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return c.ParticipantIDs(), nil
}

func (s *MemoryStore) ConversationsOf(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, c := range s.convs {
		if c.HasParticipant(userID) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, m *model.Message, recipients []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.msgs[m.ID]; dup {
		return errs.New("duplicate message id", "messageId", m.ID)
	}
	if _, dup := s.bySeq[m.ConversationID][m.Seq]; dup {
		return errs.WrapMsg(ErrDuplicateSeq, "insert message", "conversationId", m.ConversationID, "seq", m.Seq)
	}
	if m.TempID != "" {
		k := tempKey(m.ConversationID, m.SenderID, m.TempID)
		if _, dup := s.byTemp[k]; dup {
			return errs.WrapMsg(ErrDuplicateTempID, "insert message", "tempId", m.TempID)
		}
		s.byTemp[k] = m.ID
	}
	cp := *m
	s.msgs[m.ID] = &cp
	if s.bySeq[m.ConversationID] == nil {
		s.bySeq[m.ConversationID] = make(map[int64]string)
	}
	s.bySeq[m.ConversationID][m.Seq] = m.ID
	s.addDeliveries(m, recipients)
	return nil
}

func (s *MemoryStore) EnsureDeliveries(_ context.Context, m *model.Message, recipients []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.msgs[m.ID]; !ok {
		return 0, errs.ErrNotFound.WrapMsg("message not found", "messageId", m.ID)
	}
	return s.addDeliveries(m, recipients), nil
}

func (s *MemoryStore) addDeliveries(m *model.Message, recipients []string) int {
	n := 0
	for _, d := range newDeliveryRecords(m, recipients) {
		k := deliveryKey(d.MessageID, d.RecipientID)
		if _, ok := s.deliveries[k]; !ok {
			s.deliveries[k] = d
			n++
		}
	}
	return n
}

func (s *MemoryStore) FindByTempID(_ context.Context, conversationID, senderID, tempID string) (*model.Message, error) {
	if tempID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byTemp[tempKey(conversationID, senderID, tempID)]
	if !ok {
		return nil, nil
	}
	cp := *s.msgs[id]
	return &cp, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, messageID string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.msgs[messageID]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "messageId", messageID)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) MaxSeq(_ context.Context, conversationID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int64
	for seq := range s.bySeq[conversationID] {
		if seq > max {
			max = seq
		}
	}
	return max, nil
}

// Messages returns the conversation's messages ordered by seq.
func (s *MemoryStore) Messages(conversationID string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seqs := make([]int64, 0, len(s.bySeq[conversationID]))
	for seq := range s.bySeq[conversationID] {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	out := make([]model.Message, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, *s.msgs[s.bySeq[conversationID][seq]])
	}
	return out
}

func (s *MemoryStore) AdvanceDelivery(_ context.Context, messageID, recipientID string, next model.DeliveryStatus, at time.Time) (bool, error) {
	if next < model.StatusDelivered || next > model.StatusRead {
		return false, errs.ErrMalformedPayload.WrapMsg("invalid delivery status", "status", next.String())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[deliveryKey(messageID, recipientID)]
	if !ok {
		return false, nil
	}
	return d.Advance(next, at), nil
}

func (s *MemoryStore) GetDelivery(_ context.Context, messageID, recipientID string) (*model.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[deliveryKey(messageID, recipientID)]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("delivery record not found", "messageId", messageID)
	}
	cp := *d
	return &cp, nil
}
