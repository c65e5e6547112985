package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"IMDelivery/global/config"
	"IMDelivery/logger"
	"IMDelivery/service/nacos"
	"IMDelivery/service/rpc"
	"IMDelivery/tools/ids"
	"IMDelivery/tools/safe"
	"IMDelivery/tools/security"

	"go.uber.org/zap"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// 子命令：
//
//	im-delivery [-config path]                       按 node_type 启动 gateway / notifier
//	im-delivery token -user u [-device d] [-name n]  签发开发用令牌
//	im-delivery probe -addr host:port                查询健康检查端口
func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "token":
			os.Exit(runToken(os.Args[2:]))
		case "probe":
			os.Exit(runProbe(os.Args[2:]))
		}
	}
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("im-delivery", flag.ExitOnError)
	configPath := fs.String("config", "config/im-delivery.yaml", "config file")
	_ = fs.Parse(args)

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return 1
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.JSON); err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		return 1
	}
	defer logger.Sync()
	loader.Log = logger.Named("config")
	ids.SetNodeID(cfg.SnowflakeNode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cancelWatch, err := loader.Watch(cfg, func(next *config.AppConfig) {
		// 只有日志级别支持热更新，其余变更需重启
		if err := logger.SetLevel(next.Log.Level); err != nil {
			logger.Warn("ignore log level", zap.String("level", next.Log.Level), zap.Error(err))
			return
		}
		logger.Info("config reloaded", zap.String("log_level", next.Log.Level))
	})
	if err != nil {
		logger.Warn("nacos watch disabled", zap.Error(err))
	} else {
		defer cancelWatch()
	}

	logger.Info("starting", zap.String("node_type", cfg.NodeType), zap.Int64("snowflake_node", cfg.SnowflakeNode))
	switch cfg.NodeType {
	case config.NodeTypeGateway:
		err = runGateway(ctx, cfg)
	case config.NodeTypeNotifier:
		err = runNotifier(ctx, cfg)
	default:
		err = fmt.Errorf("unknown node_type %q", cfg.NodeType)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("exit", zap.Error(err))
		return 1
	}
	logger.Info("bye")
	return 0
}

// startHealth 在 health.addr 上暴露 gRPC 健康检查；未配置时不启动
func startHealth(ctx context.Context, cfg *config.AppConfig, checks map[string]rpc.Check, log *zap.Logger) {
	if cfg.Health.Addr == "" {
		return
	}
	hs := rpc.NewHealthServer(rpc.HealthConfig{}, checks, log.Named("health"))
	safe.Go(log, "health", func() {
		if err := hs.ListenAndServe(ctx, cfg.Health.Addr); err != nil {
			log.Error("health server", zap.Error(err))
		}
	})
}

// registerNacos 把本节点注册到 Nacos 服务发现，返回注销函数
func registerNacos(cfg *config.AppConfig, service, addr string, log *zap.Logger) (func(), error) {
	if !cfg.Nacos.Enabled() || !cfg.Nacos.Register {
		return func() {}, nil
	}
	ip, port, err := splitAddr(addr)
	if err != nil {
		return nil, err
	}
	client, err := nacos.NewNamingClient(cfg.Nacos)
	if err != nil {
		return nil, err
	}
	reg := nacos.NewRegistry(client, service, ip, port, map[string]string{
		"node_type": cfg.NodeType,
		"node_id":   cfg.Gateway.NodeID,
	}, log.Named("nacos"))
	if err := reg.Register(); err != nil {
		return nil, err
	}
	return func() {
		if err := reg.Deregister(); err != nil {
			log.Warn("nacos deregister", zap.Error(err))
		}
	}, nil
}

func splitAddr(addr string) (string, uint64, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("bad port in %q: %w", addr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = localIP()
	}
	return host, port, nil
}

func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
			return ipn.IP.String()
		}
	}
	return "127.0.0.1"
}

func runToken(args []string) int {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", "config/im-delivery.yaml", "config file")
	user := fs.String("user", "", "user id")
	deviceID := fs.String("device", "", "device id")
	name := fs.String("name", "", "display name shown in push titles")
	_ = fs.Parse(args)
	if *user == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		return 2
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return 1
	}
	tok, exp, err := security.GenerateIdentity(authOptions(cfg), security.Identity{UserID: *user, DeviceID: *deviceID, Name: *name})
	if err != nil {
		fmt.Fprintln(os.Stderr, "sign:", err)
		return 1
	}
	fmt.Println(tok)
	fmt.Fprintln(os.Stderr, "expires", exp.Format(time.RFC3339))
	return 0
}

func runProbe(args []string) int {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:50052", "health endpoint")
	service := fs.String("service", "", "service name, empty for overall")
	timeout := fs.Duration("timeout", 3*time.Second, "probe timeout")
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	st, err := rpc.Probe(ctx, *addr, *service)
	if err != nil {
		fmt.Fprintln(os.Stderr, "probe:", err)
		return 1
	}
	fmt.Println(st.String())
	if st != grpc_health_v1.HealthCheckResponse_SERVING {
		return 1
	}
	return 0
}

func authOptions(cfg *config.AppConfig) security.Options {
	return security.Options{
		Secret: []byte(cfg.Auth.Secret),
		Alg:    cfg.Auth.Alg,
		TTL:    cfg.Auth.TTL,
		Leeway: cfg.Auth.Leeway,
	}
}
