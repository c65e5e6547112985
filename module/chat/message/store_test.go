package message

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"IMDelivery/module/chat/model"
	"IMDelivery/tools/errs"
)

func seedGroup(t *testing.T, s Store) {
	t.Helper()
	require.NoError(t, s.SaveConversation(context.Background(), &model.Conversation{
		ID:   "conv-1",
		Type: model.ConversationGroup,
		Participants: []model.Participant{
			{UserID: "alice", Role: model.RoleAdmin},
			{UserID: "bob", Role: model.RoleMember},
			{UserID: "carol", Role: model.RoleMember},
		},
	}))
}

func TestMemoryStore_Participants(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedGroup(t, s)

	ok, err := s.IsParticipant(ctx, "conv-1", "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = s.IsParticipant(ctx, "conv-1", "mallory")
	assert.False(t, ok)
	ok, _ = s.IsParticipant(ctx, "conv-404", "bob")
	assert.False(t, ok)

	ids, err := s.ListParticipants(ctx, "conv-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, ids)

	_, err = s.ListParticipants(ctx, "conv-404")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	convs, _ := s.ConversationsOf(ctx, "carol")
	assert.Equal(t, []string{"conv-1"}, convs)

	bad := &model.Conversation{ID: "p", Type: model.ConversationPrivate, Participants: []model.Participant{{UserID: "a"}}}
	assert.Error(t, s.SaveConversation(ctx, bad))
}

func TestMemoryStore_CreateMessageWritesSentRecords(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedGroup(t, s)

	now := time.Unix(1_700_000_000, 0)
	m := &model.Message{ID: "m1", ConversationID: "conv-1", SenderID: "alice",
		Payload: model.Payload{Type: model.MsgText, Content: "hi"}, Seq: 1, CreatedAt: now, TempID: "t1"}
	require.NoError(t, s.CreateMessage(ctx, m, []string{"alice", "bob", "carol"}))

	for _, r := range []string{"bob", "carol"} {
		d, err := s.GetDelivery(ctx, "m1", r)
		require.NoError(t, err)
		assert.Equal(t, model.StatusSent, d.Status)
		assert.Equal(t, int64(1), d.Seq)
	}
	_, err := s.GetDelivery(ctx, "m1", "alice")
	assert.Error(t, err, "sender gets no delivery record")

	dup := *m
	dup.ID = "m2"
	assert.Error(t, s.CreateMessage(ctx, &dup, nil), "seq is unique per conversation")

	got, err := s.FindByTempID(ctx, "conv-1", "alice", "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "m1", got.ID)
	got, _ = s.FindByTempID(ctx, "conv-1", "bob", "t1")
	assert.Nil(t, got)

	max, _ := s.MaxSeq(ctx, "conv-1")
	assert.Equal(t, int64(1), max)
}

func TestMemoryStore_AdvanceDeliveryForwardOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedGroup(t, s)
	t0 := time.Unix(1_700_000_000, 0)
	require.NoError(t, s.CreateMessage(ctx, &model.Message{ID: "m1", ConversationID: "conv-1", SenderID: "alice", Seq: 1, CreatedAt: t0}, []string{"bob"}))

	changed, err := s.AdvanceDelivery(ctx, "m1", "bob", model.StatusRead, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.AdvanceDelivery(ctx, "m1", "bob", model.StatusDelivered, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, changed, "READ never goes back to DELIVERED")

	d, _ := s.GetDelivery(ctx, "m1", "bob")
	assert.Equal(t, model.StatusRead, d.Status)
	require.NotNil(t, d.DeliveredAt)
	assert.Equal(t, t0.Add(time.Minute), *d.DeliveredAt)

	_, err = s.AdvanceDelivery(ctx, "m1", "bob", model.StatusSent, t0)
	assert.Error(t, err)
}

func TestMongoIndexes(t *testing.T) {
	idx := messageIndexes()
	require.Len(t, idx, 2)
	assert.Equal(t, bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: 1}}, idx[0].Keys)
	assert.True(t, *idx[0].Options.Unique)
	assert.NotNil(t, idx[1].Options.PartialFilterExpression)
}

func TestAdvanceUpdate(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	p := advanceUpdate(model.StatusRead, at)
	require.Len(t, p, 1)
	set := p[0][0].Value.(bson.D)
	keys := make([]string, 0, len(set))
	for _, e := range set {
		keys = append(keys, e.Key)
	}
	assert.Equal(t, []string{"status", "delivered_at", "read_at"}, keys)

	p = advanceUpdate(model.StatusDelivered, at)
	assert.Len(t, p[0][0].Value.(bson.D), 2)
}

func TestMemoryStore_DuplicateSentinels(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedGroup(t, s)
	require.NoError(t, s.CreateMessage(ctx, &model.Message{ID: "m1", ConversationID: "conv-1", SenderID: "alice", Seq: 1, TempID: "t1"}, nil))

	err := s.CreateMessage(ctx, &model.Message{ID: "m2", ConversationID: "conv-1", SenderID: "alice", Seq: 1}, nil)
	assert.ErrorIs(t, err, ErrDuplicateSeq)
	err = s.CreateMessage(ctx, &model.Message{ID: "m3", ConversationID: "conv-1", SenderID: "alice", Seq: 2, TempID: "t1"}, nil)
	assert.ErrorIs(t, err, ErrDuplicateTempID)
}

func TestMemoryStore_EnsureDeliveriesFillsGaps(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedGroup(t, s)

	m := &model.Message{ID: "m1", ConversationID: "conv-1", SenderID: "alice", Seq: 1}
	require.NoError(t, s.CreateMessage(ctx, m, []string{"alice", "bob"}))

	n, err := s.EnsureDeliveries(ctx, m, []string{"alice", "bob", "carol"})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only carol was missing")

	_, err = s.GetDelivery(ctx, "m1", "carol")
	require.NoError(t, err)

	n, err = s.EnsureDeliveries(ctx, m, []string{"alice", "bob", "carol"})
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.EnsureDeliveries(ctx, &model.Message{ID: "ghost", ConversationID: "conv-1"}, []string{"bob"})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
