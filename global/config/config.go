// Package config loads AppConfig from a YAML file, an optional Nacos data id
// and IM_* environment variables, in that order of precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"IMDelivery/service/nacos"
)

// 环境变量 -> 配置路径；逗号分隔的值解码为列表
var envKeys = map[string][]string{
	"IM_NODE_TYPE":       {"node_type"},
	"IM_LOG_LEVEL":       {"log", "level"},
	"IM_REDIS_ADDRS":     {"redis", "addrs"},
	"IM_REDIS_PASSWORD":  {"redis", "password"},
	"IM_MONGO_URI":       {"mongo", "uri"},
	"IM_MONGO_DATABASE":  {"mongo", "database"},
	"IM_POSTGRES_DSN":    {"postgres", "dsn"},
	"IM_KAFKA_BROKERS":   {"kafka", "brokers"},
	"IM_KAFKA_TOPIC":     {"kafka", "topic"},
	"IM_BUS_KIND":        {"bus", "kind"},
	"IM_NATS_SERVERS":    {"nats", "servers"},
	"IM_GATEWAY_ADDR":    {"gateway", "addr"},
	"IM_GATEWAY_NODE_ID": {"gateway", "node_id"},
	"IM_AUTH_SECRET":     {"auth", "secret"},
	"IM_NACOS_ADDR":      {"nacos", "addr"},
	"IM_HEALTH_ADDR":     {"health", "addr"},
}

type Loader struct {
	Path    string
	Environ []string
	// Remote 创建 Nacos 客户端；nil 时忽略 nacos 配置段
	Remote func(nacos.Config) (nacos.ConfigSource, error)
	Log    *zap.Logger

	mu     sync.Mutex
	file   map[string]any
	src    nacos.ConfigSource
	remote map[string]any
}

func NewLoader(path string) *Loader {
	return &Loader{
		Path:    path,
		Environ: os.Environ(),
		Remote: func(c nacos.Config) (nacos.ConfigSource, error) {
			return nacos.NewConfigClient(c)
		},
	}
}

// Load is NewLoader(path).Load().
func Load(path string) (*AppConfig, error) {
	return NewLoader(path).Load()
}

func (l *Loader) Load() (*AppConfig, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file := map[string]any{}
	if l.Path != "" {
		b, err := os.ReadFile(l.Path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &file); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", l.Path, err)
		}
	}
	l.file = file

	// 先解码一次拿到 nacos 段
	first, err := l.build(nil)
	if err != nil {
		return nil, err
	}
	if first.Nacos.Enabled() && l.Remote != nil {
		src, err := l.Remote(first.Nacos)
		if err != nil {
			return nil, fmt.Errorf("nacos client: %w", err)
		}
		content, err := nacos.Fetch(src, first.Nacos)
		if err != nil {
			return nil, fmt.Errorf("nacos fetch: %w", err)
		}
		remote, err := parseYAML(content)
		if err != nil {
			return nil, fmt.Errorf("nacos content: %w", err)
		}
		l.src, l.remote = src, remote
		return l.build(remote)
	}
	return first, nil
}

// Watch 远程配置变化时重新合并并回调；未启用 Nacos 时返回空操作
func (l *Loader) Watch(cfg *AppConfig, onChange func(*AppConfig)) (func(), error) {
	l.mu.Lock()
	src := l.src
	l.mu.Unlock()
	if src == nil {
		return func() {}, nil
	}
	log := l.Log
	if log == nil {
		log = zap.NewNop()
	}
	return nacos.Watch(src, cfg.Nacos, log, func(content string) {
		remote, err := parseYAML(content)
		if err != nil {
			log.Warn("ignore invalid nacos config", zap.Error(err))
			return
		}
		l.mu.Lock()
		l.remote = remote
		next, err := l.build(remote)
		l.mu.Unlock()
		if err != nil {
			log.Warn("ignore nacos config", zap.Error(err))
			return
		}
		onChange(next)
	})
}

func (l *Loader) build(remote map[string]any) (*AppConfig, error) {
	nodeType, _ := l.file["node_type"].(string)
	if v, ok := lookupEnv(l.Environ, "IM_NODE_TYPE"); ok {
		nodeType = v
	}
	raw := preset(nodeType)
	merge(raw, l.file)
	if remote != nil {
		merge(raw, remote)
	}
	applyEnv(raw, l.Environ)

	var cfg AppConfig
	if err := decode(raw, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(raw map[string]any, out *AppConfig) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		TagName:          "mapstructure",
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func parseYAML(content string) (map[string]any, error) {
	m := map[string]any{}
	if err := yaml.Unmarshal([]byte(content), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// merge 把 src 深合并进 dst，同名标量以 src 为准
func merge(dst, src map[string]any) map[string]any {
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			dm, ok := dst[k].(map[string]any)
			if !ok {
				dm = map[string]any{}
			}
			dst[k] = merge(dm, sm)
			continue
		}
		dst[k] = v
	}
	return dst
}

func lookupEnv(environ []string, key string) (string, bool) {
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key && v != "" {
			return v, true
		}
	}
	return "", false
}

func applyEnv(raw map[string]any, environ []string) {
	for key, path := range envKeys {
		v, ok := lookupEnv(environ, key)
		if !ok {
			continue
		}
		m := raw
		for _, p := range path[:len(path)-1] {
			next, ok := m[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				m[p] = next
			}
			m = next
		}
		m[path[len(path)-1]] = v
	}
}

// Validate 按节点类型检查必填项，一次返回所有问题
func (c *AppConfig) Validate() error {
	var problems []error
	need := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Errorf(format, args...))
		}
	}
	need(c.NodeType == NodeTypeGateway || c.NodeType == NodeTypeNotifier, "node_type must be %q or %q, got %q", NodeTypeGateway, NodeTypeNotifier, c.NodeType)
	need(c.SnowflakeNode >= 0 && c.SnowflakeNode < 1024, "snowflake_node must be in [0,1024)")
	need(len(c.Redis.Addrs) > 0, "redis.addrs is required")
	need(c.Mongo.Uri != "" || len(c.Mongo.Address) > 0, "mongo.uri or mongo.address is required")
	need(c.Postgres.DSN != "", "postgres.dsn is required")
	need(len(c.Kafka.Brokers) > 0, "kafka.brokers is required")

	switch c.NodeType {
	case NodeTypeGateway:
		need(c.Auth.Secret != "", "auth.secret is required")
		switch c.Bus.Kind {
		case BusMemory, BusRedis:
		case BusNATS:
			need(len(c.NATS.Servers) > 0, "nats.servers is required when bus.kind is nats")
		default:
			need(false, "bus.kind must be memory, redis or nats, got %q", c.Bus.Kind)
		}
	case NodeTypeNotifier:
		need(c.Kafka.GroupID != "", "kafka.group_id is required")
		need(c.FCM.CredentialsFile != "" || c.FCM.ProjectID != "" || c.APNS.KeyFile != "", "at least one of fcm or apns must be configured")
		if c.APNS.KeyFile != "" {
			need(c.APNS.KeyID != "" && c.APNS.TeamID != "" && c.APNS.Topic != "", "apns.key_id, apns.team_id and apns.topic are required with apns.key_file")
		}
	}
	return errors.Join(problems...)
}
