package kafka

import (
	"fmt"
	"strings"
	"time"

	"github.com/Shopify/sarama"
)

// Config 事件日志配置
type Config struct {
	Brokers           []string `mapstructure:"brokers" yaml:"brokers"`
	Topic             string   `mapstructure:"topic" yaml:"topic"`
	ClientID          string   `mapstructure:"client_id" yaml:"client_id"`
	GroupID           string   `mapstructure:"group_id" yaml:"group_id"`
	Version           string   `mapstructure:"version" yaml:"version"`
	ProducerRetries   int      `mapstructure:"producer_retries" yaml:"producer_retries"`
	Compression       string   `mapstructure:"compression" yaml:"compression"` // none/snappy/lz4/zstd
	InitialOffset     string   `mapstructure:"initial_offset" yaml:"initial_offset"`
	AutoCreateTopics  bool     `mapstructure:"auto_create_topics" yaml:"auto_create_topics"`
	Partitions        int32    `mapstructure:"partitions" yaml:"partitions"`
	ReplicationFactor int16    `mapstructure:"replication_factor" yaml:"replication_factor"`
	RetentionHours    int      `mapstructure:"retention_hours" yaml:"retention_hours"`

	RetryQueueSize  int           `mapstructure:"retry_queue_size" yaml:"retry_queue_size"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
	RetryMaxBackoff time.Duration `mapstructure:"retry_max_backoff" yaml:"retry_max_backoff"`
}

const DefaultTopic = "im.message.created"

func (c *Config) SetDefaults() {
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.ClientID == "" {
		c.ClientID = "im-delivery"
	}
	if c.GroupID == "" {
		c.GroupID = "im-notifier"
	}
	if c.ProducerRetries <= 0 {
		c.ProducerRetries = 3
	}
	if c.Partitions <= 0 {
		c.Partitions = 3
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.RetentionHours <= 0 {
		c.RetentionHours = 7 * 24
	}
	if c.RetryQueueSize <= 0 {
		c.RetryQueueSize = 10000
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 5 * time.Second
	}
	if c.RetryMaxBackoff <= 0 {
		c.RetryMaxBackoff = 30 * time.Second
	}
}

// BuildBaseConfig 生产者与消费者共用的 sarama 配置
func BuildBaseConfig(c Config) (*sarama.Config, error) {
	c.SetDefaults()
	cfg := sarama.NewConfig()
	cfg.ClientID = c.ClientID

	cfg.Version = sarama.V2_8_0_0
	if c.Version != "" {
		v, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return nil, fmt.Errorf("kafka version %q: %w", c.Version, err)
		}
		cfg.Version = v
	}

	// Producer：所有 ISR 确认后才返回
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = c.ProducerRetries
	cfg.Producer.Idempotent = false
	// ★ Key 控制分区：同一会话的事件落在同一分区
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	switch strings.ToLower(c.Compression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	// Consumer
	switch strings.ToLower(c.InitialOffset) {
	case "newest":
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategySticky

	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	cfg.Admin.Timeout = 15 * time.Second

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sarama config validate: %w", err)
	}
	return cfg, nil
}
