package message

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	chatmsg "IMDelivery/module/chat/message"
	"IMDelivery/module/chat/model"
	"IMDelivery/module/chat/seq"
	"IMDelivery/tools/errs"
)

type recordingBroadcaster struct {
	mu   sync.Mutex
	msgs []*model.Message
	err  error
}

func (b *recordingBroadcaster) BroadcastMessage(_ context.Context, m *model.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, m)
	return b.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*model.MessageCreatedEvent
}

func (p *recordingPublisher) Publish(_ context.Context, evt *model.MessageCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

type fixture struct {
	svc    *Service
	store  *chatmsg.MemoryStore
	alloc  *seq.Allocator
	mr     *miniredis.Miniredis
	bcast  *recordingBroadcaster
	events *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	store := chatmsg.NewMemoryStore()
	require.NoError(t, store.SaveConversation(context.Background(), &model.Conversation{
		ID:   "conv-1",
		Type: model.ConversationPrivate,
		Participants: []model.Participant{
			{UserID: "alice", Role: model.RoleMember},
			{UserID: "bob", Role: model.RoleMember},
		},
	}))
	f := &fixture{
		store:  store,
		alloc:  seq.NewAllocator(rdb),
		mr:     mr,
		bcast:  &recordingBroadcaster{},
		events: &recordingPublisher{},
	}
	f.svc = NewService(store, f.alloc, f.bcast, f.events, zaptest.NewLogger(t),
		WithNameResolver(func(_ context.Context, id string) string { return "Alice" }),
		WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }))
	return f
}

func text(s string) model.Payload { return model.Payload{Type: model.MsgText, Content: s} }

func TestSend_PersistsBroadcastsPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.svc.Send(ctx, SendRequest{ConversationID: "conv-1", SenderID: "alice", Payload: text("hello bob"), TempID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Seq)
	assert.NotEmpty(t, m.ID)

	stored := f.store.Messages("conv-1")
	require.Len(t, stored, 1)
	assert.Equal(t, m.ID, stored[0].ID)

	d, err := f.store.GetDelivery(ctx, m.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, d.Status)

	require.Len(t, f.bcast.msgs, 1)
	require.Len(t, f.events.events, 1)
	evt := f.events.events[0]
	assert.Equal(t, "conv-1", evt.PartitionKey())
	assert.Equal(t, "Alice", evt.SenderName)
	assert.Equal(t, "hello bob", evt.ContentPreview)
	assert.Equal(t, m.ID, evt.MessageID)
}

func TestSend_RetryWithSameTempIDIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := SendRequest{ConversationID: "conv-1", SenderID: "alice", Payload: text("hi"), TempID: "t1"}

	first, err := f.svc.Send(ctx, req)
	require.NoError(t, err)
	again, err := f.svc.Send(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.Seq, again.Seq)
	cur, _ := f.alloc.Current(ctx, "conv-1")
	assert.Equal(t, int64(1), cur, "no sequence consumed by the retry")
	assert.Len(t, f.events.events, 1)
	assert.Len(t, f.store.Messages("conv-1"), 1)
}

func TestSend_OrderingFollowsSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, body := range []string{"m1", "m2", "m3", "m4", "m5"} {
		m, err := f.svc.Send(ctx, SendRequest{ConversationID: "conv-1", SenderID: "alice", Payload: text(body)})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), m.Seq)
	}
	var bodies []string
	for _, m := range f.store.Messages("conv-1") {
		bodies = append(bodies, m.Payload.Content)
	}
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, bodies)
}

func TestSend_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Send(ctx, SendRequest{ConversationID: "conv-1", SenderID: "mallory", Payload: text("x")})
	assert.ErrorIs(t, err, errs.ErrNotParticipant)

	_, err = f.svc.Send(ctx, SendRequest{ConversationID: "conv-1", SenderID: "alice", Payload: text("")})
	assert.ErrorIs(t, err, errs.ErrMalformedPayload)

	_, err = f.svc.Send(ctx, SendRequest{ConversationID: "conv-1", SenderID: "alice", Payload: model.Payload{Type: "GIF", Content: "x"}})
	assert.ErrorIs(t, err, errs.ErrMalformedPayload)

	_, err = f.svc.Send(ctx, SendRequest{SenderID: "alice", Payload: text("x")})
	assert.ErrorIs(t, err, errs.ErrMalformedPayload)

	assert.Empty(t, f.store.Messages("conv-1"))
	assert.Empty(t, f.events.events)
}

func TestSend_SequencerDownFailsFast(t *testing.T) {
	f := newFixture(t)
	f.mr.Close()

	_, err := f.svc.Send(context.Background(), SendRequest{ConversationID: "conv-1", SenderID: "alice", Payload: text("x")})
	assert.ErrorIs(t, err, errs.ErrSequencerUnavailable)
	assert.Empty(t, f.store.Messages("conv-1"))
	assert.Empty(t, f.bcast.msgs)
}

func TestSend_ReconcilesLostCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		_, err := f.svc.Send(ctx, SendRequest{ConversationID: "conv-1", SenderID: "alice", Payload: text("x")})
		require.NoError(t, err)
	}
	f.mr.FlushAll()

	m, err := f.svc.Send(ctx, SendRequest{ConversationID: "conv-1", SenderID: "bob", Payload: text("after flush")})
	require.NoError(t, err)
	assert.Equal(t, int64(4), m.Seq)
}

func TestSend_BroadcastFailureIsNotSurfaced(t *testing.T) {
	f := newFixture(t)
	f.bcast.err = errors.New("bus down")

	m, err := f.svc.Send(context.Background(), SendRequest{ConversationID: "conv-1", SenderID: "alice", Payload: text("x")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Seq)
	assert.Len(t, f.events.events, 1)
}

func TestAcknowledge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, err := f.svc.Send(ctx, SendRequest{ConversationID: "conv-1", SenderID: "alice", Payload: text("x")})
	require.NoError(t, err)

	changed, err := f.svc.Acknowledge(ctx, "bob", "conv-1", m.ID, model.StatusRead)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.svc.Acknowledge(ctx, "bob", "conv-1", m.ID, model.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = f.svc.Acknowledge(ctx, "mallory", "", m.ID, model.StatusRead)
	assert.ErrorIs(t, err, errs.ErrNotParticipant)

	_, err = f.svc.Acknowledge(ctx, "bob", "conv-other", m.ID, model.StatusRead)
	assert.ErrorIs(t, err, errs.ErrMalformedPayload)
}

// partialStore 前 failDeliveries 次只写入消息，投递记录写失败
type partialStore struct {
	*chatmsg.MemoryStore
	failDeliveries int
}

func (s *partialStore) CreateMessage(ctx context.Context, m *model.Message, recipients []string) error {
	if s.failDeliveries > 0 {
		s.failDeliveries--
		if err := s.MemoryStore.CreateMessage(ctx, m, nil); err != nil {
			return err
		}
		return errors.New("insert delivery records: connection reset")
	}
	return s.MemoryStore.CreateMessage(ctx, m, recipients)
}

func TestSend_RetryCompletesPartialWrite(t *testing.T) {
	f := newFixture(t)
	store := &partialStore{MemoryStore: f.store, failDeliveries: 1}
	svc := NewService(store, f.alloc, f.bcast, f.events, zaptest.NewLogger(t))
	ctx := context.Background()
	req := SendRequest{ConversationID: "conv-1", SenderID: "alice", SenderName: "Alice", Payload: text("hi"), TempID: "t1"}

	_, err := svc.Send(ctx, req)
	require.Error(t, err)
	require.Len(t, f.store.Messages("conv-1"), 1)
	assert.Empty(t, f.bcast.msgs)
	assert.Empty(t, f.events.events)

	m, err := svc.Send(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Seq)
	d, err := f.store.GetDelivery(ctx, m.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, d.Status)
	require.Len(t, f.bcast.msgs, 1)
	assert.Equal(t, m.ID, f.bcast.msgs[0].ID)
	require.Len(t, f.events.events, 1)
	assert.Equal(t, m.ID, f.events.events[0].MessageID)
	assert.Equal(t, "Alice", f.events.events[0].SenderName)

	// 记录已齐，再次重发不重复广播
	_, err = svc.Send(ctx, req)
	require.NoError(t, err)
	assert.Len(t, f.bcast.msgs, 1)
	assert.Len(t, f.events.events, 1)
	cur, _ := f.alloc.Current(ctx, "conv-1")
	assert.Equal(t, int64(1), cur)
}

func TestSend_SenderNamePrefersCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Send(ctx, SendRequest{ConversationID: "conv-1", SenderID: "alice", SenderName: "Alice Liddell", Payload: text("a")})
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, SendRequest{ConversationID: "conv-1", SenderID: "alice", Payload: text("b")})
	require.NoError(t, err)

	require.Len(t, f.events.events, 2)
	assert.Equal(t, "Alice Liddell", f.events.events[0].SenderName)
	assert.Equal(t, "Alice", f.events.events[1].SenderName, "resolver fills in when the credential has no name")
}

func TestSend_ConcurrentSendersGetDistinctOrderedSeqs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		sender := "alice"
		if i%2 == 1 {
			sender = "bob"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Send(ctx, SendRequest{ConversationID: "conv-1", SenderID: sender, Payload: text("x")})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// 广播到达顺序不保证，按 seq 排列后必须恰好是 1..20
	f.bcast.mu.Lock()
	defer f.bcast.mu.Unlock()
	require.Len(t, f.bcast.msgs, 20)
	seen := make(map[int64]bool)
	for _, m := range f.bcast.msgs {
		assert.False(t, seen[m.Seq], "seq %d broadcast twice", m.Seq)
		seen[m.Seq] = true
	}
	for s := int64(1); s <= 20; s++ {
		assert.True(t, seen[s], "seq %d missing", s)
	}
	stored := f.store.Messages("conv-1")
	for i, m := range stored {
		assert.Equal(t, int64(i+1), m.Seq)
	}
}
