package kafka

import (
	"context"
	"fmt"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"IMDelivery/module/chat/model"
)

// Publisher 同步写入事件日志；返回即代表已被全部 ISR 确认
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.Logger
}

func NewPublisher(c Config, log *zap.Logger) (*Publisher, error) {
	c.SetDefaults()
	if len(c.Brokers) == 0 {
		return nil, fmt.Errorf("brokers is empty")
	}
	cfg, err := BuildBaseConfig(c)
	if err != nil {
		return nil, err
	}
	p, err := sarama.NewSyncProducer(c.Brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("new sync producer: %w", err)
	}
	return NewPublisherFromProducer(p, c.Topic, log), nil
}

func NewPublisherFromProducer(p sarama.SyncProducer, topic string, log *zap.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{producer: p, topic: topic, log: log}
}

func (p *Publisher) buildMessage(evt *model.MessageCreatedEvent) (*sarama.ProducerMessage, error) {
	value, err := evt.Encode()
	if err != nil {
		return nil, err
	}
	return &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(evt.PartitionKey()),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-id"), Value: []byte(evt.EventID)},
		},
	}, nil
}

// Publish 阻塞直到 broker 确认。sarama 的同步发送不感知 ctx：ctx 结束时提前返回，
// 但消息仍可能写入成功，重试后出现重复由消费端幂等处理
func (p *Publisher) Publish(ctx context.Context, evt *model.MessageCreatedEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := p.buildMessage(evt)
	if err != nil {
		return err
	}

	type result struct {
		partition int32
		offset    int64
		err       error
	}
	ch := make(chan result, 1)
	go func() {
		partition, offset, err := p.producer.SendMessage(msg)
		ch <- result{partition, offset, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("publish event %s: %w", evt.EventID, r.err)
		}
		p.log.Debug("event published",
			zap.String("messageId", evt.MessageID),
			zap.String("conversationId", evt.ConversationID),
			zap.Int32("partition", r.partition),
			zap.Int64("offset", r.offset))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish event %s: %w", evt.EventID, ctx.Err())
	}
}

func (p *Publisher) Close() error {
	return p.producer.Close()
}
