package chat

import "time"

// Config 网关配置
type Config struct {
	Addr           string        `mapstructure:"addr" yaml:"addr"`
	Path           string        `mapstructure:"path" yaml:"path"`
	NodeID         string        `mapstructure:"node_id" yaml:"node_id"`
	MaxConnections int           `mapstructure:"max_connections" yaml:"max_connections"`
	AuthTimeout    time.Duration `mapstructure:"auth_timeout" yaml:"auth_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	WriteWait      time.Duration `mapstructure:"write_wait" yaml:"write_wait"`
	SendQueueSize  int           `mapstructure:"send_queue_size" yaml:"send_queue_size"`
	MaxFrameBytes  int64         `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes"`
	MaxViolations  int           `mapstructure:"max_violations" yaml:"max_violations"`
	TypingPerSec   float64       `mapstructure:"typing_per_sec" yaml:"typing_per_sec"`
	TypingBurst    int           `mapstructure:"typing_burst" yaml:"typing_burst"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

func (c *Config) norm() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.NodeID == "" {
		c.NodeID = "gw-1"
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10000
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.IdleTimeout {
		c.PingInterval = c.IdleTimeout * 2 / 5
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 64 << 10
	}
	if c.MaxViolations <= 0 {
		c.MaxViolations = 3
	}
	if c.TypingPerSec <= 0 {
		c.TypingPerSec = 1
	}
	if c.TypingBurst <= 0 {
		c.TypingBurst = 3
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
}
