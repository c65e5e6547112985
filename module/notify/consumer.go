package notify

import (
	"context"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"IMDelivery/module/chat/model"
	"IMDelivery/service/dispatcher/kafka"
)

// Handler 解码事件并推送；无法解码的记录跳过（offset 照常提交），避免毒消息卡住分区
func (w *Worker) Handler() kafka.MessageHandler {
	return func(ctx context.Context, msg *sarama.ConsumerMessage) error {
		evt, err := model.DecodeMessageCreatedEvent(msg.Value)
		if err != nil {
			w.log.Warn("skip malformed event",
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return nil
		}
		rep, err := w.Process(ctx, evt)
		if err != nil {
			return err
		}
		fields := append(rep.fields(), zap.Int32("partition", msg.Partition), zap.Int64("offset", msg.Offset))
		if rep.Failed > 0 {
			for _, f := range rep.Failures {
				w.log.Warn("push failed", zap.String("messageId", evt.MessageID), zap.String("userId", f.UserID),
					zap.String("deviceId", f.DeviceID), zap.String("provider", string(f.Provider)), zap.Error(f.Err))
			}
		}
		w.log.Info("event processed", fields...)
		return ctx.Err()
	}
}

// ConsumerGroupHandler 供 kafka.RunConsumerGroup 使用
func (w *Worker) ConsumerGroupHandler() sarama.ConsumerGroupHandler {
	return kafka.NewConsumerGroupHandler(w.Handler(), w.log)
}
