package bus

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis is a bus on Redis pub/sub. A single PubSub connection carries all
// rooms of this process and one goroutine dispatches, which keeps the
// per-channel order Redis delivers in.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	log    *zap.Logger

	subMu  sync.Mutex // 串行化频道的订阅与退订
	mu     sync.Mutex // 只保护 rooms，不跨网络调用
	ps     *redis.PubSub
	nextID uint64
	rooms  map[string]map[uint64]Handler
	done   chan struct{}
	closed bool
}

func NewRedis(rdb redis.UniversalClient, prefix string, log *zap.Logger) *Redis {
	if prefix == "" {
		prefix = "im:room:"
	}
	if log == nil {
		log = zap.NewNop()
	}
	b := &Redis{
		rdb:    rdb,
		prefix: prefix,
		log:    log,
		rooms:  make(map[string]map[uint64]Handler),
		done:   make(chan struct{}),
	}
	// 先不订阅任何频道，按需 Subscribe
	b.ps = rdb.Subscribe(context.Background())
	go b.loop()
	return b
}

func (b *Redis) channel(room string) string { return b.prefix + room }

func (b *Redis) Publish(ctx context.Context, room string, data []byte) error {
	return b.rdb.Publish(ctx, b.channel(room), data).Err()
}

func (b *Redis) Subscribe(ctx context.Context, room string, h Handler) (Subscription, error) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.mu.Lock()
	closed, known := b.closed, b.rooms[room] != nil
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if !known {
		if err := b.ps.Subscribe(ctx, b.channel(room)); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.rooms[room] == nil {
		b.rooms[room] = make(map[uint64]Handler)
	}
	b.nextID++
	id := b.nextID
	b.rooms[room][id] = h
	return &redisSub{b: b, room: room, id: id}, nil
}

const unsubscribeTimeout = 5 * time.Second

func (b *Redis) unsubscribe(room string, id uint64) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.mu.Lock()
	hs := b.rooms[room]
	if hs == nil {
		b.mu.Unlock()
		return nil
	}
	delete(hs, id)
	if len(hs) > 0 || b.closed {
		b.mu.Unlock()
		return nil
	}
	delete(b.rooms, room)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	return b.ps.Unsubscribe(ctx, b.channel(room))
}

func (b *Redis) loop() {
	defer close(b.done)
	for msg := range b.ps.Channel() {
		room := msg.Channel[len(b.prefix):]
		b.mu.Lock()
		subs := make([]Handler, 0, len(b.rooms[room]))
		for _, h := range b.rooms[room] {
			subs = append(subs, h)
		}
		b.mu.Unlock()
		for _, h := range subs {
			h([]byte(msg.Payload))
		}
	}
}

func (b *Redis) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.rooms = make(map[string]map[uint64]Handler)
	b.mu.Unlock()

	err := b.ps.Close()
	<-b.done
	return err
}

type redisSub struct {
	b    *Redis
	room string
	id   uint64
	once sync.Once
}

func (s *redisSub) Unsubscribe() error {
	var err error
	s.once.Do(func() { err = s.b.unsubscribe(s.room, s.id) })
	return err
}
