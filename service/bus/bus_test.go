package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu  sync.Mutex
	got []string
}

func (c *collector) handle(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, string(data))
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

func TestRooms(t *testing.T) {
	assert.Equal(t, "conv:c1", ConversationRoom("c1"))
	u, ok := IsUserRoom(UserRoom("alice"))
	assert.True(t, ok)
	assert.Equal(t, "alice", u)
	_, ok = IsUserRoom(ConversationRoom("c1"))
	assert.False(t, ok)
}

func TestMemory_FanOutInOrder(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	var a, c collector
	_, err := b.Subscribe(context.Background(), "conv:1", a.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), "conv:1", c.handle)
	require.NoError(t, err)

	var other collector
	_, err = b.Subscribe(context.Background(), "conv:2", other.handle)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, b.Publish(context.Background(), "conv:1", []byte(fmt.Sprintf("m%d", i))))
	}
	want := []string{"m1", "m2", "m3", "m4", "m5"}
	assert.Equal(t, want, a.snapshot())
	assert.Equal(t, want, c.snapshot())
	assert.Empty(t, other.snapshot())
}

func TestMemory_Unsubscribe(t *testing.T) {
	b := NewMemory()
	var a collector
	sub, err := b.Subscribe(context.Background(), "r", a.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscribers("r"))

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 0, b.Subscribers("r"))

	require.NoError(t, b.Publish(context.Background(), "r", []byte("x")))
	assert.Empty(t, a.snapshot())

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), "r", []byte("x")), ErrClosed)
	_, err = b.Subscribe(context.Background(), "r", a.handle)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRedis_CrossInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	newBus := func() *Redis {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		return NewRedis(rdb, "", nil)
	}
	gw1, gw2 := newBus(), newBus()
	defer gw1.Close()
	defer gw2.Close()

	var got collector
	sub, err := gw2.Subscribe(context.Background(), "conv:1", got.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("im:room:conv:1")["im:room:conv:1"] == 1
	}, time.Second, 10*time.Millisecond)

	for i := 1; i <= 5; i++ {
		require.NoError(t, gw1.Publish(context.Background(), "conv:1", []byte(fmt.Sprintf("m%d", i))))
	}
	require.Eventually(t, func() bool { return len(got.snapshot()) == 5 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, got.snapshot())

	require.NoError(t, sub.Unsubscribe())
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("im:room:conv:1")["im:room:conv:1"] == 0
	}, time.Second, 10*time.Millisecond)
}

func TestMemory_SubscribeHonoursCtx(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var a collector
	_, err := b.Subscribe(ctx, "r", a.handle)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, b.Subscribers("r"))
}

func TestRedis_ConcurrentSubscribeSameRoom(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	b := NewRedis(rdb, "", nil)
	defer b.Close()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		subs []Subscription
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var c collector
			sub, err := b.Subscribe(context.Background(), "conv:9", c.handle)
			if assert.NoError(t, err) {
				mu.Lock()
				subs = append(subs, sub)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, subs, 8)
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("im:room:conv:9")["im:room:conv:9"] == 1
	}, time.Second, 10*time.Millisecond)

	for _, s := range subs {
		require.NoError(t, s.Unsubscribe())
	}
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("im:room:conv:9")["im:room:conv:9"] == 0
	}, time.Second, 10*time.Millisecond)
}
