package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"IMDelivery/module/chat/model"
)

// EventSender is the part of Publisher the retry loop needs.
type EventSender interface {
	Publish(ctx context.Context, evt *model.MessageCreatedEvent) error
}

// RetryingPublisher never returns publish errors to the caller. Failed events
// go to a bounded in-memory queue that a single goroutine drains with
// exponential backoff. When the queue is full the oldest event is dropped:
// its push notification is lost, the message itself is already durable.
type RetryingPublisher struct {
	next           EventSender
	log            *zap.Logger
	capacity       int
	attemptTimeout time.Duration
	newBackOff     func() backoff.BackOff

	mu      sync.Mutex
	queue   []*model.MessageCreatedEvent
	dropped int64

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type RetryOptions struct {
	QueueSize       int
	AttemptTimeout  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func NewRetryingPublisher(next EventSender, opts RetryOptions, log *zap.Logger) *RetryingPublisher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 10000
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 5 * time.Second
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 200 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &RetryingPublisher{
		next:           next,
		log:            log,
		capacity:       opts.QueueSize,
		attemptTimeout: opts.AttemptTimeout,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = opts.InitialInterval
			b.MaxInterval = opts.MaxInterval
			b.MaxElapsedTime = 0 // 直到关闭前一直重试
			return b
		},
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

// Publish tries once inline. While a backlog exists new events queue behind
// it so a conversation's events are retried in order.
func (r *RetryingPublisher) Publish(ctx context.Context, evt *model.MessageCreatedEvent) error {
	if r.Pending() == 0 {
		actx, cancel := context.WithTimeout(ctx, r.attemptTimeout)
		err := r.next.Publish(actx, evt)
		cancel()
		if err == nil {
			return nil
		}
		r.log.Warn("event publish failed, queued for retry",
			zap.String("messageId", evt.MessageID), zap.Error(err))
	}
	r.enqueue(evt)
	return nil
}

func (r *RetryingPublisher) enqueue(evt *model.MessageCreatedEvent) {
	r.mu.Lock()
	if len(r.queue) >= r.capacity {
		old := r.queue[0]
		r.queue = r.queue[1:]
		r.dropped++
		r.log.Error("retry queue full, dropping oldest event",
			zap.String("messageId", old.MessageID),
			zap.String("conversationId", old.ConversationID),
			zap.Int64("droppedTotal", r.dropped))
	}
	r.queue = append(r.queue, evt)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *RetryingPublisher) head() *model.MessageCreatedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return nil
	}
	return r.queue[0]
}

// ack removes evt if it is still the head; an overflow may have dropped it meanwhile.
func (r *RetryingPublisher) ack(evt *model.MessageCreatedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) > 0 && r.queue[0] == evt {
		r.queue[0] = nil
		r.queue = r.queue[1:]
	}
}

func (r *RetryingPublisher) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.wake:
		}
		for evt := r.head(); evt != nil; evt = r.head() {
			attempt := 0
			err := backoff.Retry(func() error {
				attempt++
				actx, cancel := context.WithTimeout(r.ctx, r.attemptTimeout)
				defer cancel()
				err := r.next.Publish(actx, evt)
				if err != nil {
					r.log.Debug("event retry failed", zap.String("messageId", evt.MessageID),
						zap.Int("attempt", attempt), zap.Error(err))
				}
				return err
			}, backoff.WithContext(r.newBackOff(), r.ctx))
			if err != nil {
				return
			}
			r.ack(evt)
		}
	}
}

// Pending 当前积压的事件数
func (r *RetryingPublisher) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func (r *RetryingPublisher) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close waits for the backlog to drain until ctx ends, then stops the loop.
// Whatever is still queued is logged as lost.
func (r *RetryingPublisher) Close(ctx context.Context) {
	r.waitDrained(ctx)
	r.cancel()
	<-r.done
	if n := r.Pending(); n > 0 {
		r.log.Error("retry queue abandoned on shutdown", zap.Int("events", n))
	}
}

func (r *RetryingPublisher) waitDrained(ctx context.Context) {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for r.Pending() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
