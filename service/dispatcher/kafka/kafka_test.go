package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"IMDelivery/module/chat/model"
)

func testEvent(id string) *model.MessageCreatedEvent {
	return &model.MessageCreatedEvent{
		Version:        model.EventVersion,
		EventID:        "evt-" + id,
		MessageID:      id,
		ConversationID: "conv-1",
		SenderID:       "alice",
		Type:           model.MsgText,
		ContentPreview: "hi",
		Seq:            1,
		CreatedAt:      time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestBuildBaseConfig(t *testing.T) {
	cfg, err := BuildBaseConfig(Config{Compression: "lz4"})
	require.NoError(t, err)
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	assert.True(t, cfg.Producer.Return.Successes)
	assert.Equal(t, sarama.CompressionLZ4, cfg.Producer.Compression)
	assert.Equal(t, sarama.OffsetOldest, cfg.Consumer.Offsets.Initial)

	_, err = BuildBaseConfig(Config{Version: "not-a-version"})
	assert.Error(t, err)
}

func TestPublisher_KeyedByConversation(t *testing.T) {
	p := NewPublisherFromProducer(nil, "", nil)
	msg, err := p.buildMessage(testEvent("m1"))
	require.NoError(t, err)
	assert.Equal(t, DefaultTopic, msg.Topic)
	key, _ := msg.Key.Encode()
	assert.Equal(t, "conv-1", string(key))
}

func TestPublisher_Publish(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		evt, err := model.DecodeMessageCreatedEvent(val)
		if err != nil {
			return err
		}
		if evt.MessageID != "m1" {
			return errors.New("unexpected message id " + evt.MessageID)
		}
		return nil
	})
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewPublisherFromProducer(sp, "events", zaptest.NewLogger(t))
	require.NoError(t, p.Publish(context.Background(), testEvent("m1")))
	err := p.Publish(context.Background(), testEvent("m2"))
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}

type flakySender struct {
	mu        sync.Mutex
	failUntil int
	calls     int
	published []string
}

func (f *flakySender) Publish(_ context.Context, evt *model.MessageCreatedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return errors.New("broker down")
	}
	f.published = append(f.published, evt.MessageID)
	return nil
}

func (f *flakySender) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}

func fastRetry() RetryOptions {
	return RetryOptions{QueueSize: 10, AttemptTimeout: time.Second, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func TestRetryingPublisher_RetriesInOrder(t *testing.T) {
	s := &flakySender{failUntil: 3}
	r := NewRetryingPublisher(s, fastRetry(), zaptest.NewLogger(t))

	require.NoError(t, r.Publish(context.Background(), testEvent("m1")))
	require.NoError(t, r.Publish(context.Background(), testEvent("m2")))
	require.NoError(t, r.Publish(context.Background(), testEvent("m3")))

	require.Eventually(t, func() bool { return r.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2", "m3"}, s.snapshot())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Close(ctx)
}

func TestRetryingPublisher_DropsOldestOnOverflow(t *testing.T) {
	s := &flakySender{failUntil: 1 << 30}
	opts := fastRetry()
	opts.QueueSize = 2
	r := NewRetryingPublisher(s, opts, zaptest.NewLogger(t))

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, r.Publish(context.Background(), testEvent(id)))
	}
	assert.Equal(t, 2, r.Pending())
	assert.Equal(t, int64(1), r.Dropped())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r.Close(ctx)
	assert.Empty(t, s.snapshot())
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func TestConsumeClaim_MarksEveryMessage(t *testing.T) {
	var handled []int64
	h := NewConsumerGroupHandler(func(_ context.Context, msg *sarama.ConsumerMessage) error {
		handled = append(handled, msg.Offset)
		if msg.Offset == 1 {
			return errors.New("poison")
		}
		return nil
	}, zaptest.NewLogger(t))

	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 3)}
	for i := int64(0); i < 3; i++ {
		claim.ch <- &sarama.ConsumerMessage{Topic: "t", Offset: i}
	}
	close(claim.ch)
	sess := &fakeSession{ctx: context.Background()}

	require.NoError(t, h.ConsumeClaim(sess, claim))
	assert.Equal(t, []int64{0, 1, 2}, handled)
	assert.Equal(t, []int64{0, 1, 2}, sess.marked, "a failing record does not stall the partition")
}

func TestConsumeClaim_StopsWhenSessionEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewConsumerGroupHandler(func(ctx context.Context, _ *sarama.ConsumerMessage) error {
		cancel()
		return ctx.Err()
	}, nil)
	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 1)}
	claim.ch <- &sarama.ConsumerMessage{Offset: 7}
	sess := &fakeSession{ctx: ctx}

	require.NoError(t, h.ConsumeClaim(sess, claim))
	assert.Empty(t, sess.marked, "unfinished record is left for redelivery")
}

type fakeAdmin struct {
	sarama.ClusterAdmin
	topics  map[string]sarama.TopicDetail
	created map[string]*sarama.TopicDetail
}

func (a *fakeAdmin) ListTopics() (map[string]sarama.TopicDetail, error) { return a.topics, nil }
func (a *fakeAdmin) CreateTopic(name string, d *sarama.TopicDetail, _ bool) error {
	a.created[name] = d
	return nil
}

func TestEnsureTopics(t *testing.T) {
	admin := &fakeAdmin{topics: map[string]sarama.TopicDetail{}, created: map[string]*sarama.TopicDetail{}}
	require.NoError(t, EnsureTopics(admin, Config{Partitions: 6, ReplicationFactor: 3, RetentionHours: 24}, nil))
	d := admin.created[DefaultTopic]
	require.NotNil(t, d)
	assert.Equal(t, int32(6), d.NumPartitions)
	assert.Equal(t, "2", *d.ConfigEntries["min.insync.replicas"])
	assert.Equal(t, "86400000", *d.ConfigEntries["retention.ms"])

	admin = &fakeAdmin{topics: map[string]sarama.TopicDetail{DefaultTopic: {NumPartitions: 3}}, created: map[string]*sarama.TopicDetail{}}
	require.NoError(t, EnsureTopics(admin, Config{}, nil))
	assert.Empty(t, admin.created)
}

// fakeGroup 按脚本返回 Consume 结果，脚本用完后取消 ctx
type fakeGroup struct {
	sarama.ConsumerGroup
	results []error
	cancel  context.CancelFunc
	calls   []time.Time
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
	g.calls = append(g.calls, time.Now())
	if len(g.results) == 0 {
		g.cancel()
		<-ctx.Done()
		return nil
	}
	err := g.results[0]
	g.results = g.results[1:]
	return err
}

func (g *fakeGroup) Errors() <-chan error {
	ch := make(chan error)
	close(ch)
	return ch
}

type countingBackOff struct {
	interval time.Duration
	next     int
	resets   int
}

func (b *countingBackOff) NextBackOff() time.Duration { b.next++; return b.interval }
func (b *countingBackOff) Reset()                     { b.resets++ }

func TestRunConsumerGroup_BacksOffBetweenFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	boom := errors.New("broker down")
	g := &fakeGroup{results: []error{boom, boom, boom, nil, boom}, cancel: cancel}
	bo := &countingBackOff{interval: 30 * time.Millisecond}

	err := runConsumerGroup(ctx, g, []string{"t"}, nil, zaptest.NewLogger(t), func() backoff.BackOff { return bo })
	require.NoError(t, err)
	require.Len(t, g.calls, 6)
	assert.Equal(t, 4, bo.next, "one wait per failed round")
	assert.Equal(t, 1, bo.resets, "a clean round resets the backoff")
	for i := 1; i <= 3; i++ {
		assert.GreaterOrEqual(t, g.calls[i].Sub(g.calls[i-1]), 30*time.Millisecond)
	}
}

func TestRunConsumerGroup_CancelDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := &fakeGroup{results: []error{errors.New("broker down")}, cancel: cancel}
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	err := runConsumerGroup(ctx, g, nil, nil, nil, func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Hour)
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Len(t, g.calls, 1)
}

func TestRunConsumerGroup_StopsOnClosedGroup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := &fakeGroup{results: []error{sarama.ErrClosedConsumerGroup}, cancel: cancel}
	require.NoError(t, RunConsumerGroup(ctx, g, nil, nil, nil))
	assert.Len(t, g.calls, 1)
}
