package config

import (
	"time"

	"IMDelivery/module/device"
	"IMDelivery/module/notify"
	"IMDelivery/service/chat"
	"IMDelivery/service/dispatcher/kafka"
	"IMDelivery/service/mgo"
	"IMDelivery/service/nacos"
	"IMDelivery/service/natsx"
	"IMDelivery/service/storage/redis"
)

const (
	NodeTypeGateway  = "gateway"  // 网关节点
	NodeTypeNotifier = "notifier" // 推送节点
)

const (
	BusMemory = "memory"
	BusRedis  = "redis"
	BusNATS   = "nats"
)

type AppConfig struct {
	NodeType      string `mapstructure:"node_type" yaml:"node_type"`
	SnowflakeNode int64  `mapstructure:"snowflake_node" yaml:"snowflake_node"`

	Log      LogConfig         `mapstructure:"log" yaml:"log"`
	Redis    redis.Config      `mapstructure:"redis" yaml:"redis"`
	Presence PresenceConfig    `mapstructure:"presence" yaml:"presence"`
	Mongo    mgo.Config        `mapstructure:"mongo" yaml:"mongo"`
	Postgres device.Config     `mapstructure:"postgres" yaml:"postgres"`
	Kafka    kafka.Config      `mapstructure:"kafka" yaml:"kafka"`
	Bus      BusConfig         `mapstructure:"bus" yaml:"bus"`
	NATS     natsx.Config      `mapstructure:"nats" yaml:"nats"`
	Gateway  chat.Config       `mapstructure:"gateway" yaml:"gateway"`
	Notify   notify.Config     `mapstructure:"notify" yaml:"notify"`
	Auth     AuthConfig        `mapstructure:"auth" yaml:"auth"`
	FCM      notify.FCMConfig  `mapstructure:"fcm" yaml:"fcm"`
	APNS     notify.APNSConfig `mapstructure:"apns" yaml:"apns"`
	Health   HealthConfig      `mapstructure:"health" yaml:"health"`
	Nacos    nacos.Config      `mapstructure:"nacos" yaml:"nacos"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

type PresenceConfig struct {
	SessionTTL time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
	KeyPrefix  string        `mapstructure:"key_prefix" yaml:"key_prefix"`
}

type BusConfig struct {
	Kind   string `mapstructure:"kind" yaml:"kind"` // memory | redis | nats
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

type AuthConfig struct {
	Secret string        `mapstructure:"secret" yaml:"secret"`
	Alg    string        `mapstructure:"alg" yaml:"alg"`
	TTL    time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Leeway time.Duration `mapstructure:"leeway" yaml:"leeway"`
}

// HealthConfig 推送节点的 gRPC 健康检查端口
type HealthConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}
