package kafka

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

func NewClusterAdmin(c Config) (sarama.ClusterAdmin, error) {
	c.SetDefaults()
	cfg, err := BuildBaseConfig(c)
	if err != nil {
		return nil, err
	}
	return sarama.NewClusterAdmin(c.Brokers, cfg)
}

// EnsureTopics 不存在则按配置创建事件 topic；已存在的不做修改
func EnsureTopics(admin sarama.ClusterAdmin, c Config, log *zap.Logger) error {
	c.SetDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	existing, err := admin.ListTopics()
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}
	if d, ok := existing[c.Topic]; ok {
		log.Info("topic exists", zap.String("topic", c.Topic), zap.Int32("partitions", d.NumPartitions))
		return nil
	}

	// min.insync.replicas 跟随副本数：至少1，尽量设置为rep-1
	minISR := "1"
	if c.ReplicationFactor > 1 {
		minISR = fmt.Sprintf("%d", c.ReplicationFactor-1)
	}
	retention := fmt.Sprintf("%d", int64(c.RetentionHours)*60*60*1000)
	detail := &sarama.TopicDetail{
		NumPartitions:     c.Partitions,
		ReplicationFactor: c.ReplicationFactor,
		ConfigEntries: map[string]*string{
			"cleanup.policy":                 ptr("delete"),
			"retention.ms":                   &retention,
			"min.insync.replicas":            &minISR,
			"unclean.leader.election.enable": ptr("false"),
		},
	}
	if err := admin.CreateTopic(c.Topic, detail, false); err != nil {
		if isTopicExistsErr(err) {
			return nil
		}
		return fmt.Errorf("create topic %q: %w", c.Topic, err)
	}
	log.Info("topic created", zap.String("topic", c.Topic),
		zap.Int32("partitions", c.Partitions), zap.Int16("rf", c.ReplicationFactor))
	return nil
}

func ptr[T any](v T) *T { return &v }

func isTopicExistsErr(err error) bool {
	if errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return true
	}
	var te *sarama.TopicError
	if errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists {
		return true
	}
	// 有的 broker 返回的是普通 error 文本
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}
