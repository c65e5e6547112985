package config

// 各节点类型的默认值；配置文件、Nacos 与环境变量依次覆盖
var gatewayPreset = map[string]any{
	"node_type":      NodeTypeGateway,
	"snowflake_node": 1,
	"log":            map[string]any{"level": "info"},
	"bus":            map[string]any{"kind": BusRedis},
	"kafka": map[string]any{
		"client_id":          "im-gateway",
		"auto_create_topics": true,
		"partitions":         12,
		"replication_factor": 3,
		"retention_hours":    72,
	},
	"gateway": map[string]any{"addr": ":8080", "path": "/ws"},
	"auth":    map[string]any{"alg": "HS256"},
}

var notifierPreset = map[string]any{
	"node_type":      NodeTypeNotifier,
	"snowflake_node": 2,
	"log":            map[string]any{"level": "info"},
	"kafka": map[string]any{
		"client_id":      "im-notifier",
		"group_id":       "im-notifier",
		"initial_offset": "oldest",
	},
	"notify": map[string]any{
		"concurrency":      16,
		"dispatch_timeout": "5s",
		"preview_runes":    100,
		"locale":           "en",
	},
	"health": map[string]any{"addr": ":9090"},
}

// preset 返回深拷贝，未知类型按网关处理
func preset(nodeType string) map[string]any {
	src := gatewayPreset
	if nodeType == NodeTypeNotifier {
		src = notifierPreset
	}
	return merge(map[string]any{}, src)
}
