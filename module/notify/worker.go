package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"IMDelivery/module/chat/model"
	"IMDelivery/module/device"
	"IMDelivery/tools/errs"
)

type Config struct {
	Concurrency     int           `mapstructure:"concurrency" yaml:"concurrency"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout" yaml:"dispatch_timeout"`
	PreviewRunes    int           `mapstructure:"preview_runes" yaml:"preview_runes"`
	Locale          string        `mapstructure:"locale" yaml:"locale"`
	SuppressOnline  bool          `mapstructure:"suppress_online" yaml:"suppress_online"`
	DedupTTL        time.Duration `mapstructure:"dedup_ttl" yaml:"dedup_ttl"`
}

func (c *Config) norm() {
	if c.Concurrency <= 0 {
		c.Concurrency = 16
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 5 * time.Second
	}
	if c.PreviewRunes <= 0 {
		c.PreviewRunes = 100
	}
	if c.Locale == "" {
		c.Locale = "en"
	}
}

type Participants interface {
	ListParticipants(ctx context.Context, conversationID string) ([]string, error)
}

type OnlineChecker interface {
	OnlineUsers(ctx context.Context, users []string) (map[string]bool, error)
}

type DispatchFailure struct {
	UserID   string
	DeviceID string
	Provider model.PushProvider
	Err      error
}

// Report 单个事件的推送结果
type Report struct {
	MessageID     string
	Attempted     int
	Succeeded     int
	Failed        int
	Skipped       int
	TokensCleared int
	Failures      []DispatchFailure
}

func (r Report) fields() []zap.Field {
	return []zap.Field{
		zap.String("messageId", r.MessageID),
		zap.Int("attempted", r.Attempted),
		zap.Int("succeeded", r.Succeeded),
		zap.Int("failed", r.Failed),
		zap.Int("skipped", r.Skipped),
		zap.Int("tokensCleared", r.TokensCleared),
	}
}

type Worker struct {
	cfg       Config
	parts     Participants
	devices   device.Registry
	providers map[model.PushProvider]Provider
	online    OnlineChecker
	dedup     Deduper
	log       *zap.Logger
}

type Option func(*Worker)

// WithOnlineChecker 配合 suppress_online 使用
func WithOnlineChecker(o OnlineChecker) Option { return func(w *Worker) { w.online = o } }
func WithDeduper(d Deduper) Option             { return func(w *Worker) { w.dedup = d } }

func NewWorker(cfg Config, parts Participants, devices device.Registry, providers []Provider, log *zap.Logger, opts ...Option) *Worker {
	cfg.norm()
	if log == nil {
		log = zap.NewNop()
	}
	w := &Worker{
		cfg:       cfg,
		parts:     parts,
		devices:   devices,
		providers: make(map[model.PushProvider]Provider, len(providers)),
		log:       log,
	}
	for _, p := range providers {
		w.providers[p.Name()] = p
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

type target struct {
	userID string
	device model.Device
}

// Process pushes evt to every device of every recipient except the sender.
// Per-device failures land in the report; the error is only for failing to
// resolve recipients at all.
func (w *Worker) Process(ctx context.Context, evt *model.MessageCreatedEvent) (Report, error) {
	rep := Report{MessageID: evt.MessageID}
	users, err := w.parts.ListParticipants(ctx, evt.ConversationID)
	if err != nil {
		return rep, errs.WrapMsg(err, "list participants", "conversationId", evt.ConversationID)
	}
	recipients := make([]string, 0, len(users))
	for _, u := range users {
		if u != evt.SenderID {
			recipients = append(recipients, u)
		}
	}

	online := w.onlineUsers(ctx, recipients)
	var targets []target
	for _, u := range recipients {
		devs, err := w.devices.DevicesFor(ctx, u)
		if err != nil {
			rep.Failed++
			rep.Failures = append(rep.Failures, DispatchFailure{UserID: u, Err: err})
			continue
		}
		for _, d := range devs {
			if !d.Pushable() || online[u] {
				rep.Skipped++
				continue
			}
			targets = append(targets, target{userID: u, device: d})
		}
	}

	title, body := Render(evt, w.cfg.Locale, w.cfg.PreviewRunes)
	data := map[string]string{
		"messageId":      evt.MessageID,
		"conversationId": evt.ConversationID,
		"senderId":       evt.SenderID,
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(w.cfg.Concurrency)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			res := w.dispatch(ctx, evt, t, title, body, data)
			mu.Lock()
			res.apply(&rep, t)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return rep, nil
}

func (w *Worker) onlineUsers(ctx context.Context, users []string) map[string]bool {
	if !w.cfg.SuppressOnline || w.online == nil || len(users) == 0 {
		return nil
	}
	m, err := w.online.OnlineUsers(ctx, users)
	if err != nil {
		// 查不到在线状态时宁可多推
		w.log.Warn("online lookup", zap.Error(err))
		return nil
	}
	return m
}

type outcome struct {
	skipped bool
	cleared bool
	err     error
}

func (o outcome) apply(rep *Report, t target) {
	if o.skipped {
		rep.Skipped++
		return
	}
	rep.Attempted++
	if o.err == nil {
		rep.Succeeded++
		return
	}
	rep.Failed++
	if o.cleared {
		rep.TokensCleared++
	}
	rep.Failures = append(rep.Failures, DispatchFailure{
		UserID:   t.userID,
		DeviceID: t.device.DeviceID,
		Provider: t.device.Provider,
		Err:      o.err,
	})
}

// dispatch 单设备推送，超时计为该设备失败，不在本轮重试
func (w *Worker) dispatch(ctx context.Context, evt *model.MessageCreatedEvent, t target, title, body string, data map[string]string) outcome {
	d := t.device
	p := w.providers[d.Provider]
	if p == nil {
		return outcome{err: errs.New("no provider", "provider", d.Provider)}
	}
	key := IdempotencyKey(evt.MessageID, d.DeviceID)
	if w.dedup != nil {
		done, err := w.dedup.Delivered(ctx, key)
		if err != nil {
			// 查不到时照推，宁可重复
			w.log.Debug("dedup lookup", zap.String("key", key), zap.Error(err))
		} else if done {
			return outcome{skipped: true}
		}
	}

	dctx, cancel := context.WithTimeout(ctx, w.cfg.DispatchTimeout)
	err := p.Send(dctx, Notification{
		Key:      key,
		DeviceID: d.DeviceID,
		Token:    d.PushToken,
		Title:    title,
		Body:     body,
		Data:     data,
	})
	cancel()

	// 推送上下文可能已超时，收尾操作另起一个有界上下文
	cctx, ccancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.DispatchTimeout)
	defer ccancel()
	if err == nil {
		if w.dedup != nil {
			if merr := w.dedup.MarkDelivered(cctx, key); merr != nil {
				w.log.Warn("dedup mark", zap.String("key", key), zap.Error(merr))
			}
		}
		return outcome{}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = errs.WrapMsg(err, "dispatch timeout", "deviceId", d.DeviceID)
	}
	if !errors.Is(err, errs.ErrTokenInvalid) {
		return outcome{err: err}
	}
	if cerr := w.devices.ClearPushToken(cctx, d.DeviceID, d.PushToken); cerr != nil {
		w.log.Warn("clear push token", zap.String("deviceId", d.DeviceID), zap.Error(cerr))
		return outcome{err: err}
	}
	w.log.Info("push token cleared", zap.String("deviceId", d.DeviceID), zap.String("provider", string(d.Provider)))
	return outcome{err: err, cleared: true}
}
