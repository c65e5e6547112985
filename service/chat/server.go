package chat

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"IMDelivery/middleware"
	midsec "IMDelivery/middleware/security"
	"IMDelivery/module/chat/model"
	"IMDelivery/module/device"
	"IMDelivery/module/message"
	"IMDelivery/service/bus"
	"IMDelivery/tools/errs"
)

type Presence interface {
	MarkOnline(ctx context.Context, userID, session string) (bool, error)
	MarkOffline(ctx context.Context, userID, session string) (bool, error)
	Heartbeat(ctx context.Context, userID, session string) (bool, error)
}

type Messenger interface {
	Send(ctx context.Context, req message.SendRequest) (*model.Message, error)
	Acknowledge(ctx context.Context, userID, conversationID, messageID string, status model.DeliveryStatus) (bool, error)
}

// Directory 会话成员关系的只读视图
type Directory interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	ConversationsOf(ctx context.Context, userID string) ([]string, error)
	GetMessage(ctx context.Context, messageID string) (*model.Message, error)
}

type Deps struct {
	Bus       bus.Bus
	Auth      midsec.CredentialValidator
	Presence  Presence
	Messages  Messenger
	Directory Directory
	Devices   device.Registry // nil 时不挂载设备接口
	Log       *zap.Logger
}

type Server struct {
	cfg      Config
	log      *zap.Logger
	hub      *Hub
	disp     *Dispatcher
	auth     midsec.CredentialValidator
	presence Presence
	msgs     Messenger
	dir      Directory
	devices  device.Registry
	now      func() time.Time

	upgrader websocket.Upgrader
	engine   *gin.Engine
	mids     *middleware.MiddlewareManager

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	httpSrv  *http.Server
	conns    sync.WaitGroup
}

func NewServer(cfg Config, d Deps) *Server {
	cfg.norm()
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		log:      d.Log.With(zap.String("node", cfg.NodeID)),
		hub:      NewHub(d.Bus, d.Log),
		disp:     defaultDispatcher(),
		auth:     d.Auth,
		presence: d.Presence,
		msgs:     d.Messages,
		dir:      d.Directory,
		devices:  d.Devices,
		now:      time.Now,
		mids:     middleware.NewManager(),
		baseCtx:  ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return middleware.OriginAllowed(r, cfg.AllowedOrigins) },
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.AccessLog(s.log))
	s.mids.AddNamed("origin", middleware.Origin(s.cfg.Path, s.cfg.AllowedOrigins))
	r.Use(s.mids.Use())

	r.GET(s.cfg.Path, s.HandleWS)
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": s.SessionCount()}) })
	if s.devices != nil {
		s.mountDevices(r)
	}
	return r
}

func (s *Server) Handler() http.Handler { return s.engine }
func (s *Server) Hub() *Hub             { return s.hub }
func (s *Server) Disp() *Dispatcher     { return s.disp }

// Serve 阻塞直到 ctx 结束或监听出错；同时在线连接数由 LimitListener 约束
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	s.mu.Lock()
	s.httpSrv = &http.Server{Handler: s.engine, ReadHeaderTimeout: s.cfg.AuthTimeout}
	srv := s.httpSrv
	s.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
		case <-s.baseCtx.Done():
			// 已由外部调用 Shutdown
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()
	s.log.Info("gateway listening", zap.String("addr", ln.Addr().String()), zap.String("path", s.cfg.Path))
	err := srv.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	// 等会话下线清理完成，调用方随后才能关闭 Redis 等依赖
	<-stopped
	return nil
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Shutdown 停止接入新连接并关闭现有会话，等待各连接完成下线清理
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.mu.Lock()
	srv := s.httpSrv
	open := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	for _, sess := range open {
		sess.close("server shutdown")
	}
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// BroadcastMessage 发布 message:new 到会话房间，各网关在收到总线消息后本地投递
func (s *Server) BroadcastMessage(ctx context.Context, m *model.Message) error {
	return s.hub.Publish(ctx, bus.ConversationRoom(m.ConversationID), FrameMessageNew, m)
}

func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) track(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.Handle] = sess
	s.mu.Unlock()
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.Handle)
	s.mu.Unlock()
}

// authenticate 校验凭证、上线并加入个人房间；首个会话上线时广播 presence
func (s *Server) authenticate(ctx context.Context, sess *Session, token string) error {
	if token == "" {
		return errs.ErrUnauthorized.WrapMsg("missing token")
	}
	id, err := s.auth.ValidateCredential(ctx, token)
	if err != nil {
		return err
	}
	if err := sess.authenticate(id.UserID, id.DeviceID, id.Name); err != nil {
		return err
	}
	sess.touch(s.now().Add(s.cfg.IdleTimeout))

	becameOnline, err := s.presence.MarkOnline(ctx, id.UserID, sess.Handle)
	if err != nil {
		s.log.Warn("presence online", zap.String("user", id.UserID), zap.Error(err))
	}
	if err := s.hub.Join(ctx, bus.UserRoom(id.UserID), sess); err != nil {
		s.log.Warn("join personal room", zap.String("user", id.UserID), zap.Error(err))
	}
	s.reply(sess, FrameAuthOK, AuthOKData{
		UserID:        id.UserID,
		DeviceID:      id.DeviceID,
		SessionHandle: sess.Handle,
		NodeID:        s.cfg.NodeID,
		PingInterval:  s.cfg.PingInterval.Milliseconds(),
	})
	s.log.Info("session authenticated", zap.String("user", id.UserID), zap.String("session", sess.Handle))
	if becameOnline {
		s.broadcastPresence(ctx, id.UserID, "online")
	}
	return nil
}

func (s *Server) broadcastPresence(ctx context.Context, userID, status string) {
	convs, err := s.dir.ConversationsOf(ctx, userID)
	if err != nil {
		s.log.Warn("presence conversations", zap.String("user", userID), zap.Error(err))
		return
	}
	for _, conv := range convs {
		if err := s.hub.Publish(ctx, bus.ConversationRoom(conv), FramePresenceChanged, PresenceData{UserID: userID, Status: status}); err != nil {
			s.log.Warn("presence publish", zap.String("conversation", conv), zap.Error(err))
		}
	}
}

// keepAlive 刷新存活期与在线 TTL；未认证的连接不续期
func (s *Server) keepAlive(ctx context.Context, sess *Session) {
	if sess.State() != StateAuthenticated {
		return
	}
	sess.touch(s.now().Add(s.cfg.IdleTimeout))
	alive, err := s.presence.Heartbeat(ctx, sess.UserID(), sess.Handle)
	if err != nil {
		s.log.Debug("presence heartbeat", zap.String("session", sess.Handle), zap.Error(err))
		return
	}
	if !alive {
		// 会话已被清扫（例如 Redis 抖动），重新登记
		if _, err := s.presence.MarkOnline(ctx, sess.UserID(), sess.Handle); err != nil {
			s.log.Debug("presence re-register", zap.String("session", sess.Handle), zap.Error(err))
		}
	}
}

func (s *Server) senderOf(ctx context.Context, messageID string) (string, error) {
	m, err := s.dir.GetMessage(ctx, messageID)
	if err != nil {
		return "", err
	}
	return m.SenderID, nil
}

// reply 只发给当前连接
func (s *Server) reply(sess *Session, typ string, data any) {
	frame, err := EncodeFrame(typ, data)
	if err != nil {
		s.log.Error("encode frame", zap.String("type", typ), zap.Error(err))
		return
	}
	sess.enqueue(frame)
}
