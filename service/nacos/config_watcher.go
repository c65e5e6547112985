package nacos

import (
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

// ConfigSource 即 config_client.IConfigClient 中用到的部分
type ConfigSource interface {
	GetConfig(param vo.ConfigParam) (string, error)
	ListenConfig(param vo.ConfigParam) error
	CancelListenConfig(param vo.ConfigParam) error
}

// Fetch 拉取一次远程配置内容
func Fetch(src ConfigSource, c Config) (string, error) {
	c.norm()
	return src.GetConfig(vo.ConfigParam{DataId: c.DataID, Group: c.Group})
}

// Watch 远程配置变更时回调 onChange；返回的函数取消监听
func Watch(src ConfigSource, c Config, log *zap.Logger, onChange func(content string)) (func(), error) {
	c.norm()
	if log == nil {
		log = zap.NewNop()
	}
	param := vo.ConfigParam{
		DataId: c.DataID,
		Group:  c.Group,
		OnChange: func(namespace, group, dataId, data string) {
			log.Info("nacos config changed", zap.String("dataId", dataId), zap.String("group", group), zap.Int("bytes", len(data)))
			onChange(data)
		},
	}
	if err := src.ListenConfig(param); err != nil {
		return nil, err
	}
	return func() {
		if err := src.CancelListenConfig(vo.ConfigParam{DataId: c.DataID, Group: c.Group}); err != nil {
			log.Warn("nacos cancel listen", zap.Error(err))
		}
	}, nil
}
