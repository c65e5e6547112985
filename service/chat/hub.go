package chat

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"IMDelivery/service/bus"
)

type roomEntry struct {
	sub     bus.Subscription
	members map[*Session]struct{}
}

// Hub 本节点的房间成员表。首个本地成员加入时订阅总线，最后一个离开时退订；
// 广播只发布到总线，本地投递在收到总线消息时进行，所以各网关节点完全对称
type Hub struct {
	bus bus.Bus
	log *zap.Logger

	mu    sync.RWMutex
	rooms map[string]*roomEntry
}

func NewHub(b bus.Bus, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{bus: b, log: log, rooms: make(map[string]*roomEntry)}
}

// Join 总线订阅在锁外进行，订阅卡住不影响本节点其他房间的投递
func (h *Hub) Join(ctx context.Context, room string, s *Session) error {
	if !s.addRoom(room) {
		return nil
	}
	if h.addMember(room, s) {
		return nil
	}
	sub, err := h.bus.Subscribe(ctx, room, func(data []byte) { h.deliver(room, data) })
	if err != nil {
		s.removeRoom(room)
		return err
	}
	h.mu.Lock()
	e := h.rooms[room]
	switch {
	case !s.InRoom(room):
		// 订阅期间已 Leave
		h.mu.Unlock()
	case e != nil:
		// 并发 Join 已先建好订阅
		e.members[s] = struct{}{}
		h.mu.Unlock()
	default:
		h.rooms[room] = &roomEntry{sub: sub, members: map[*Session]struct{}{s: {}}}
		h.mu.Unlock()
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		h.log.Warn("unsubscribe unused", zap.String("room", room), zap.Error(err))
	}
	return nil
}

// addMember 房间已有订阅时直接加入
func (h *Hub) addMember(room string, s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.rooms[room]
	if e == nil {
		return false
	}
	if s.InRoom(room) {
		e.members[s] = struct{}{}
	}
	return true
}

func (h *Hub) Leave(room string, s *Session) {
	if !s.removeRoom(room) {
		return
	}
	h.mu.Lock()
	e := h.rooms[room]
	var sub bus.Subscription
	if e != nil {
		delete(e.members, s)
		if len(e.members) == 0 {
			delete(h.rooms, room)
			sub = e.sub
		}
	}
	h.mu.Unlock()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			h.log.Warn("unsubscribe room", zap.String("room", room), zap.Error(err))
		}
	}
}

func (h *Hub) LeaveAll(s *Session) {
	for _, room := range s.Rooms() {
		h.Leave(room, s)
	}
}

// Publish 编码一次后发布到总线
func (h *Hub) Publish(ctx context.Context, room, typ string, data any) error {
	frame, err := EncodeFrame(typ, data)
	if err != nil {
		return err
	}
	return h.bus.Publish(ctx, room, frame)
}

func (h *Hub) deliver(room string, frame []byte) {
	h.mu.RLock()
	e := h.rooms[room]
	var members []*Session
	if e != nil {
		members = make([]*Session, 0, len(e.members))
		for s := range e.members {
			members = append(members, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range members {
		s.enqueue(frame)
	}
}

// Members 本节点某房间的连接数
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if e := h.rooms[room]; e != nil {
		return len(e.members)
	}
	return 0
}

func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
