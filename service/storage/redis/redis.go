package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	redisOnce sync.Once
	redisMgr  *RedisManager
)

type RedisManager struct {
	client redis.UniversalClient
}

// Config 用于初始化 Redis；Addrs 多于一个时使用 Cluster 客户端
type Config struct {
	Addrs       []string      `mapstructure:"addrs" yaml:"addrs"`
	Password    string        `mapstructure:"password" yaml:"password"`
	DB          int           `mapstructure:"db" yaml:"db"`
	PoolSize    int           `mapstructure:"pool_size" yaml:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	OpTimeout   time.Duration `mapstructure:"op_timeout" yaml:"op_timeout"`
}

// NewClient builds a client and verifies it with a bounded PING.
func NewClient(ctx context.Context, c Config) (redis.UniversalClient, error) {
	if len(c.Addrs) == 0 {
		return nil, fmt.Errorf("redis addrs empty")
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = time.Second
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        c.Addrs,
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.OpTimeout,
		WriteTimeout: c.OpTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, c.DialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %v: %w", c.Addrs, err)
	}
	return rdb, nil
}

// InitRedis 初始化 Redis 管理器（单例）
func InitRedis(ctx context.Context, c Config) error {
	var initErr error
	redisOnce.Do(func() {
		rdb, err := NewClient(ctx, c)
		if err != nil {
			initErr = err
			return
		}
		redisMgr = &RedisManager{client: rdb}
	})
	return initErr
}

// GetRedis 获取 Redis Client
func GetRedis() redis.UniversalClient {
	if redisMgr == nil {
		panic("Redis not initialized, call InitRedis first")
	}
	return redisMgr.client
}

// CloseRedis 关闭连接
func CloseRedis() error {
	if redisMgr != nil && redisMgr.client != nil {
		return redisMgr.client.Close()
	}
	return nil
}
