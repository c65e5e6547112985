package chat

import (
	"context"
	"sync"
)

// ChatContext 处理器可见的网关能力
type ChatContext struct {
	context.Context
	S *Server
}

type Handler interface {
	Handle(ctx *ChatContext, f *Frame, sess *Session) error
}

type HandlerFunc func(ctx *ChatContext, f *Frame, sess *Session) error

func (fn HandlerFunc) Handle(ctx *ChatContext, f *Frame, sess *Session) error {
	return fn(ctx, f, sess)
}

// Dispatcher 帧类型 -> 处理器
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

func (d *Dispatcher) Register(typ string, h Handler) {
	d.mu.Lock()
	d.handlers[typ] = h
	d.mu.Unlock()
}

func (d *Dispatcher) GetHandler(typ string) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[typ]
}

// 认证前只接受 auth 与 ping
var preAuthFrames = map[string]bool{FrameAuth: true, FramePing: true}

func defaultDispatcher() *Dispatcher {
	d := NewDispatcher()
	d.Register(FrameAuth, HandlerFunc(handleAuth))
	d.Register(FrameJoin, HandlerFunc(handleJoin))
	d.Register(FrameLeave, HandlerFunc(handleLeave))
	d.Register(FrameSend, HandlerFunc(handleSend))
	d.Register(FrameTyping, HandlerFunc(handleTyping))
	d.Register(FrameRead, HandlerFunc(handleReceipt))
	d.Register(FrameDelivered, HandlerFunc(handleReceipt))
	d.Register(FramePing, HandlerFunc(handlePing))
	return d
}
