package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	midsec "IMDelivery/middleware/security"
	"IMDelivery/tools/errs"
	"IMDelivery/tools/ids"
)

// websocket 客户端在浏览器里无法设置 header，允许 ?token=
var wsTokenOptions = &midsec.Options{
	HeaderToken:               midsec.PPCtxAuthKey,
	EnableAuthorizationBearer: true,
	AllowQueryToken:           true,
}

// HandleWS 一条连接一对读写协程：读协程处理入站帧，写协程独占写端
func (s *Server) HandleWS(c *gin.Context) {
	token := midsec.ExtractToken(c, wsTokenOptions)
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Info("websocket upgrade", zap.String("remote", c.Request.RemoteAddr), zap.Error(err))
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()

	sess := newSession(ids.GenerateString(), c.Request.RemoteAddr, s.cfg.SendQueueSize,
		rate.NewLimiter(rate.Limit(s.cfg.TypingPerSec), s.cfg.TypingBurst), s.now())
	_ = sess.transition(StateAuthenticating)
	sess.touch(s.now().Add(s.cfg.AuthTimeout))
	s.track(sess)

	writerDone := make(chan struct{})
	go s.writeLoop(ws, sess, writerDone)

	if token != "" {
		ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.AuthTimeout)
		err := s.authenticate(ctx, sess, token)
		cancel()
		if err != nil {
			s.reply(sess, FrameError, errorData(err, FrameAuth))
			sess.close("auth failed")
		}
	}

	s.readLoop(ws, sess)
	sess.close("read closed")
	<-writerDone
	s.cleanup(sess)
}

func (s *Server) readLoop(ws *websocket.Conn, sess *Session) {
	ws.SetReadLimit(s.cfg.MaxFrameBytes)
	_ = ws.SetReadDeadline(sess.Deadline())
	ws.SetPongHandler(func(string) error {
		ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.RequestTimeout)
		s.keepAlive(ctx, sess)
		cancel()
		return ws.SetReadDeadline(sess.Deadline())
	})

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			s.logReadErr(sess, err)
			return
		}
		select {
		case <-sess.Done():
			return
		default:
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		s.handleFrame(sess, data)
		if sess.State() == StateAuthenticated {
			sess.touch(s.now().Add(s.cfg.IdleTimeout))
		}
		_ = ws.SetReadDeadline(sess.Deadline())
	}
}

func (s *Server) logReadErr(sess *Session, err error) {
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		if sess.State() == StateAuthenticating {
			// 写协程还在，错误帧会在关闭前发出
			s.reply(sess, FrameError, errorData(errs.ErrUnauthorized.WrapMsg("auth timeout"), FrameAuth))
			s.log.Info("auth timeout", zap.String("session", sess.Handle))
			return
		}
		s.log.Info("idle timeout", zap.String("session", sess.Handle), zap.String("user", sess.UserID()))
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		s.log.Debug("peer closed", zap.String("session", sess.Handle))
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.Info("frame too large", zap.String("session", sess.Handle))
	default:
		s.log.Debug("read error", zap.String("session", sess.Handle), zap.Error(err))
	}
}

func (s *Server) handleFrame(sess *Session, data []byte) {
	f, err := ParseFrame(data)
	if err != nil {
		s.reject(sess, err, "")
		return
	}
	if sess.State() != StateAuthenticated && !preAuthFrames[f.Type] {
		s.reject(sess, errs.ErrUnauthorized.WrapMsg("authenticate first"), f.Type)
		return
	}
	h := s.disp.GetHandler(f.Type)
	if h == nil {
		s.reject(sess, errs.ErrMalformedPayload.WrapMsg("unknown frame type", "type", f.Type), f.Type)
		return
	}

	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.RequestTimeout)
	defer cancel()
	if err := h.Handle(&ChatContext{Context: ctx, S: s}, f, sess); err != nil {
		if f.Type == FrameAuth && sess.State() != StateAuthenticated {
			s.reply(sess, FrameError, errorData(err, FrameAuth))
			sess.close("auth failed")
			return
		}
		s.reject(sess, err, refOf(f))
	}
}

// reject 回错误帧；客户端错误计入违规，超过上限断开
func (s *Server) reject(sess *Session, err error, ref string) {
	ed := errorData(err, ref)
	s.reply(sess, FrameError, ed)
	switch ed.Code {
	case errs.MalformedPayloadError, errs.ForbiddenError, errs.UnauthorizedError:
		s.log.Debug("frame rejected", zap.String("session", sess.Handle), zap.Error(err))
		if n := sess.violation(); n >= s.cfg.MaxViolations {
			s.log.Info("too many violations", zap.String("session", sess.Handle), zap.String("user", sess.UserID()), zap.Int("violations", n))
			sess.close("violations")
		}
	default:
		s.log.Warn("frame failed", zap.String("session", sess.Handle), zap.String("ref", ref), zap.Error(err))
	}
}

// refOf send 帧用 tempId 关联错误，其余用帧类型
func refOf(f *Frame) string {
	if f.Type == FrameSend {
		var d struct {
			TempID string `json:"tempId"`
		}
		if json.Unmarshal(f.Data, &d) == nil && d.TempID != "" {
			return d.TempID
		}
	}
	return f.Type
}

func (s *Server) writeLoop(ws *websocket.Conn, sess *Session, done chan<- struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
		close(done)
	}()
	for {
		select {
		case frame := <-sess.out:
			if err := s.write(ws, frame); err != nil {
				sess.close("write failed")
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait)); err != nil {
				sess.close("ping failed")
				return
			}
		case <-sess.Done():
			s.drain(ws, sess)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, sess.CloseReason())
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteWait))
			return
		}
	}
}

// drain 关闭前把已入队的帧写完（例如错误帧）
func (s *Server) drain(ws *websocket.Conn, sess *Session) {
	for {
		select {
		case frame := <-sess.out:
			if err := s.write(ws, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) write(ws *websocket.Conn, frame []byte) error {
	_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	return ws.WriteMessage(websocket.TextMessage, frame)
}

// cleanup 连接结束：退出房间、下线；用户最后一个会话离开时广播 offline
func (s *Server) cleanup(sess *Session) {
	s.untrack(sess)
	s.hub.LeaveAll(sess)
	userID := sess.UserID()
	if userID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	nowOffline, err := s.presence.MarkOffline(ctx, userID, sess.Handle)
	if err != nil {
		s.log.Warn("presence offline", zap.String("user", userID), zap.Error(err))
		return
	}
	s.log.Info("session closed", zap.String("user", userID), zap.String("session", sess.Handle), zap.String("reason", sess.CloseReason()))
	if nowOffline {
		s.broadcastPresence(ctx, userID, "offline")
	}
}
