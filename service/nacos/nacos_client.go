package nacos

import (
	"fmt"
	"net"
	"strconv"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
)

// Config Nacos 连接与远程配置位置；Addr 为空表示不启用
type Config struct {
	Addr      string `mapstructure:"addr" yaml:"addr"` // host:port
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
	Username  string `mapstructure:"username" yaml:"username"`
	Password  string `mapstructure:"password" yaml:"password"`
	DataID    string `mapstructure:"data_id" yaml:"data_id"`
	Group     string `mapstructure:"group" yaml:"group"`
	TimeoutMs uint64 `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	CacheDir  string `mapstructure:"cache_dir" yaml:"cache_dir"`
	LogDir    string `mapstructure:"log_dir" yaml:"log_dir"`
	Register  bool   `mapstructure:"register" yaml:"register"` // 把本节点注册为服务实例
}

func (c Config) Enabled() bool { return c.Addr != "" }

func (c *Config) norm() {
	if c.Group == "" {
		c.Group = "DEFAULT_GROUP"
	}
	if c.DataID == "" {
		c.DataID = "im-delivery.yaml"
	}
	if c.TimeoutMs == 0 {
		c.TimeoutMs = 5000
	}
	if c.CacheDir == "" {
		c.CacheDir = "nacos/cache"
	}
	if c.LogDir == "" {
		c.LogDir = "nacos/log"
	}
}

func serverConfigs(addr string) ([]constant.ServerConfig, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("nacos addr %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(p, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("nacos port %q: %w", p, err)
	}
	return []constant.ServerConfig{*constant.NewServerConfig(host, port)}, nil
}

func clientParam(c Config) (vo.NacosClientParam, error) {
	c.norm()
	servers, err := serverConfigs(c.Addr)
	if err != nil {
		return vo.NacosClientParam{}, err
	}
	return vo.NacosClientParam{
		ClientConfig: constant.NewClientConfig(
			constant.WithNamespaceId(c.Namespace),
			constant.WithTimeoutMs(c.TimeoutMs),
			constant.WithNotLoadCacheAtStart(true),
			constant.WithLogLevel("warn"),
			constant.WithCacheDir(c.CacheDir),
			constant.WithLogDir(c.LogDir),
			constant.WithUsername(c.Username),
			constant.WithPassword(c.Password),
		),
		ServerConfigs: servers,
	}, nil
}

func NewConfigClient(c Config) (config_client.IConfigClient, error) {
	p, err := clientParam(c)
	if err != nil {
		return nil, err
	}
	return clients.NewConfigClient(p)
}

func NewNamingClient(c Config) (naming_client.INamingClient, error) {
	p, err := clientParam(c)
	if err != nil {
		return nil, err
	}
	return clients.NewNamingClient(p)
}
