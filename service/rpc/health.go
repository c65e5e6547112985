package rpc

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Check 依赖探测，返回 nil 表示可用
type Check func(ctx context.Context) error

type HealthConfig struct {
	Interval     time.Duration // 探测周期
	CheckTimeout time.Duration // 单次探测超时
}

func (c *HealthConfig) norm() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 2 * time.Second
	}
}

// HealthServer 周期探测依赖并通过 grpc_health_v1 对外暴露。
// 每个 check 以自己的名字注册为一个 service，"" 表示整体状态。
type HealthServer struct {
	cfg    HealthConfig
	log    *zap.Logger
	checks map[string]Check
	hs     *health.Server
	gs     *grpc.Server

	mu   sync.Mutex
	last map[string]error
}

func NewHealthServer(cfg HealthConfig, checks map[string]Check, log *zap.Logger) *HealthServer {
	cfg.norm()
	if log == nil {
		log = zap.NewNop()
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(gs, hs)
	h := &HealthServer{cfg: cfg, log: log, checks: checks, hs: hs, gs: gs, last: map[string]error{}}
	// 首轮探测前一律 NOT_SERVING
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	for name := range checks {
		hs.SetServingStatus(name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
	return h
}

// Refresh 执行一轮探测
func (h *HealthServer) Refresh(ctx context.Context) bool {
	healthy := true
	for name, check := range h.checks {
		cctx, cancel := context.WithTimeout(ctx, h.cfg.CheckTimeout)
		err := check(cctx)
		cancel()

		status := grpc_health_v1.HealthCheckResponse_SERVING
		if err != nil {
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			healthy = false
		}
		h.hs.SetServingStatus(name, status)
		h.record(name, err)
	}
	overall := grpc_health_v1.HealthCheckResponse_SERVING
	if !healthy {
		overall = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	h.hs.SetServingStatus("", overall)
	return healthy
}

// record 只在状态翻转时打日志
func (h *HealthServer) record(name string, err error) {
	h.mu.Lock()
	prev, seen := h.last[name]
	h.last[name] = err
	h.mu.Unlock()
	switch {
	case err != nil && (!seen || prev == nil):
		h.log.Warn("dependency unhealthy", zap.String("check", name), zap.Error(err))
	case err == nil && seen && prev != nil:
		h.log.Info("dependency recovered", zap.String("check", name))
	}
}

// Serve 阻塞直到 ctx 结束或监听失败
func (h *HealthServer) Serve(ctx context.Context, ln net.Listener) error {
	h.Refresh(ctx)

	go func() {
		ticker := time.NewTicker(h.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				h.hs.Shutdown()
				h.gs.GracefulStop()
				return
			case <-ticker.C:
				h.Refresh(ctx)
			}
		}
	}()

	h.log.Info("health server listening", zap.String("addr", ln.Addr().String()))
	if err := h.gs.Serve(ln); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

func (h *HealthServer) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return h.Serve(ctx, ln)
}

// Probe 查询 target 上 service 的健康状态，供容器探针使用
func Probe(ctx context.Context, target, service string) (grpc_health_v1.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, err
	}
	defer conn.Close()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
