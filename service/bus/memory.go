package bus

import (
	"context"
	"sync"
)

// Memory is an in-process bus for single-node deployments and tests.
// Publish delivers synchronously, so per-room order is publish order.
type Memory struct {
	mu     sync.Mutex
	pubMu  sync.Mutex
	nextID uint64
	rooms  map[string]map[uint64]Handler
	closed bool
}

func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]map[uint64]Handler)}
}

func (m *Memory) Publish(ctx context.Context, room string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	subs := make([]Handler, 0, len(m.rooms[room]))
	for _, h := range m.rooms[room] {
		subs = append(subs, h)
	}
	m.mu.Unlock()

	for _, h := range subs {
		h(append([]byte(nil), data...))
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, room string, h Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.nextID++
	id := m.nextID
	if m.rooms[room] == nil {
		m.rooms[room] = make(map[uint64]Handler)
	}
	m.rooms[room][id] = h
	return &memSub{m: m, room: room, id: id}, nil
}

// Subscribers returns the number of handlers on room.
func (m *Memory) Subscribers(room string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms[room])
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.rooms = make(map[string]map[uint64]Handler)
	return nil
}

type memSub struct {
	m    *Memory
	room string
	id   uint64
	once sync.Once
}

func (s *memSub) Unsubscribe() error {
	s.once.Do(func() {
		s.m.mu.Lock()
		defer s.m.mu.Unlock()
		if hs := s.m.rooms[s.room]; hs != nil {
			delete(hs, s.id)
			if len(hs) == 0 {
				delete(s.m.rooms, s.room)
			}
		}
	})
	return nil
}
