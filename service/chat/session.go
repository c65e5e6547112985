package chat

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// 合法迁移；任何状态都可以进入 CLOSED，CLOSED 是终态
var transitions = map[State][]State{
	StateConnecting:     {StateAuthenticating, StateClosed},
	StateAuthenticating: {StateAuthenticated, StateClosed},
	StateAuthenticated:  {StateClosed},
}

// Session 一条连接的网关侧记录，与底层 websocket 解耦
type Session struct {
	Handle     string
	RemoteAddr string
	CreatedAt  time.Time

	mu         sync.Mutex
	state      State
	userID     string
	deviceID   string
	name       string
	rooms      map[string]struct{}
	violations int
	deadline   time.Time

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	reason    string

	typing *rate.Limiter
}

func newSession(handle, remote string, queueSize int, typing *rate.Limiter, now time.Time) *Session {
	return &Session{
		Handle:     handle,
		RemoteAddr: remote,
		CreatedAt:  now,
		state:      StateConnecting,
		rooms:      make(map[string]struct{}),
		out:        make(chan []byte, queueSize),
		done:       make(chan struct{}),
		typing:     typing,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, allowed := range transitions[s.state] {
		if allowed == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("illegal session transition %s -> %s", s.state, to)
}

// authenticate binds the identity and moves to AUTHENTICATED in one step.
func (s *Session) authenticate(userID, deviceID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAuthenticating {
		return fmt.Errorf("illegal session transition %s -> %s", s.state, StateAuthenticated)
	}
	s.userID, s.deviceID, s.name = userID, deviceID, name
	s.state = StateAuthenticated
	return nil
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Name is the display name from the credential, possibly empty.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

func (s *Session) touch(deadline time.Time) {
	s.mu.Lock()
	s.deadline = deadline
	s.mu.Unlock()
}

// Deadline 连接的存活截止时间
func (s *Session) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

func (s *Session) addRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room]; ok {
		return false
	}
	s.rooms[room] = struct{}{}
	return true
}

func (s *Session) removeRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room]; !ok {
		return false
	}
	delete(s.rooms, room)
	return true
}

func (s *Session) InRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[room]
	return ok
}

func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	return out
}

// violation 记一次违规，返回累计次数
func (s *Session) violation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations++
	return s.violations
}

// enqueue 非阻塞入队；队列满说明客户端消费过慢，直接关闭该连接，
// 不阻塞广播也不打乱其他连接的顺序
func (s *Session) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- frame:
		return true
	default:
		s.close("send queue full")
		return false
	}
}

// close 幂等；只关闭 done，写协程负责排空队列并关闭底层连接
func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) allowTyping() bool {
	return s.typing == nil || s.typing.Allow()
}
