package natsx

import (
	"context"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"IMDelivery/service/bus"
)

// Bus 基于 NATS core 的房间广播；同一订阅的回调串行执行，保持发布顺序
type Bus struct {
	nc     *nats.Conn
	prefix string
	log    *zap.Logger

	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}
}

var _ bus.Bus = (*Bus)(nil)

func NewBus(nc *nats.Conn, prefix string, log *zap.Logger) *Bus {
	if prefix == "" {
		prefix = "im.room"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{nc: nc, prefix: prefix, log: log, subs: make(map[*nats.Subscription]struct{})}
}

var subjectEscaper = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_", "\t", "_")

// Subject maps a room to a single NATS subject token under prefix.
func Subject(prefix, room string) string {
	return prefix + "." + subjectEscaper.Replace(room)
}

func (b *Bus) Publish(ctx context.Context, room string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.nc.IsClosed() {
		return bus.ErrClosed
	}
	return b.nc.Publish(Subject(b.prefix, room), data)
}

func (b *Bus) Subscribe(ctx context.Context, room string, h bus.Handler) (bus.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := b.nc.Subscribe(Subject(b.prefix, room), func(m *nats.Msg) {
		h(m.Data)
	})
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return &natsSub{b: b, sub: sub}, nil
}

// Close 先 Drain 订阅再关闭连接
func (b *Bus) Close() error {
	b.mu.Lock()
	for sub := range b.subs {
		_ = sub.Drain()
		delete(b.subs, sub)
	}
	b.mu.Unlock()
	if b.nc.IsClosed() {
		return nil
	}
	return b.nc.Drain()
}

type natsSub struct {
	b    *Bus
	sub  *nats.Subscription
	once sync.Once
}

func (s *natsSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s.sub)
		s.b.mu.Unlock()
		err = s.sub.Unsubscribe()
		if err != nil && err != nats.ErrConnectionClosed && err != nats.ErrBadSubscription {
			s.b.log.Warn("nats unsubscribe", zap.Error(err))
		}
	})
	return err
}
