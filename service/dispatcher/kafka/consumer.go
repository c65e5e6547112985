package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shopify/sarama"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// MessageHandler 处理单条记录；返回错误只记录日志，offset 照常提交，
// 除非 ctx 已结束（会话被回收，交给下一个成员重新消费）
type MessageHandler func(ctx context.Context, msg *sarama.ConsumerMessage) error

type ConsumerGroupHandler struct {
	handle MessageHandler
	log    *zap.Logger
}

func NewConsumerGroupHandler(h MessageHandler, log *zap.Logger) *ConsumerGroupHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConsumerGroupHandler{handle: h, log: log}
}

func (h *ConsumerGroupHandler) Setup(s sarama.ConsumerGroupSession) error {
	h.log.Info("consumer group setup", zap.String("member", s.MemberID()), zap.Int32("generation", s.GenerationID()))
	return nil
}

func (h *ConsumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.log.Info("consumer group cleanup")
	return nil
}

// ConsumeClaim 每个分区一个 goroutine，分区内顺序处理
func (h *ConsumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.handle(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				h.log.Error("handler error",
					zap.String("topic", msg.Topic),
					zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
			}
			session.MarkMessage(msg, "")
		case <-ctx.Done():
			return nil
		}
	}
}

func NewConsumerGroup(c Config) (sarama.ConsumerGroup, error) {
	c.SetDefaults()
	if len(c.Brokers) == 0 {
		return nil, fmt.Errorf("brokers is empty")
	}
	cfg, err := BuildBaseConfig(c)
	if err != nil {
		return nil, err
	}
	return sarama.NewConsumerGroup(c.Brokers, c.GroupID, cfg)
}

// RunConsumerGroup 阻塞消费直到 ctx 结束；重平衡后 Consume 返回，循环重新加入。
// Consume 连续出错时按指数退避重试，成功一轮后退避归零。
func RunConsumerGroup(ctx context.Context, group sarama.ConsumerGroup, topics []string, handler sarama.ConsumerGroupHandler, log *zap.Logger) error {
	return runConsumerGroup(ctx, group, topics, handler, log, func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = 30 * time.Second
		b.MaxElapsedTime = 0
		return b
	})
}

func runConsumerGroup(ctx context.Context, group sarama.ConsumerGroup, topics []string, handler sarama.ConsumerGroupHandler, log *zap.Logger, newBackOff func() backoff.BackOff) error {
	if log == nil {
		log = zap.NewNop()
	}
	go func() {
		for err := range group.Errors() {
			log.Warn("consumer group error", zap.Error(err))
		}
	}()
	bo := newBackOff()
	for {
		err := group.Consume(ctx, topics, handler)
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			bo.Reset()
			continue
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("consume: %w", err)
		}
		log.Error("consume error", zap.Duration("retryIn", wait), zap.Error(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}
