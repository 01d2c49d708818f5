/*
go-realtime 服务端主程序

=== 程序架构概览 ===

	┌─────────────────────────────────────────────────────────────┐
	│                        App (主程序)                         │
	│  ┌───────────────┐  ┌───────────────┐                       │
	│  │   TCPServer   │  │   UDPServer   │  接受连接              │
	│  └───────┬───────┘  └───────┬───────┘                       │
	│          └────────┬─────────┘                               │
	│                   ▼                                          │
	│          ┌─────────────────┐      ┌──────────────────┐      │
	│          │    Lifecycle    │─────▶│ JWTAuthenticator │      │
	│          │ 握手/接收/清理  │      └──────────────────┘      │
	│          └────────┬────────┘                                 │
	│                   ▼                                          │
	│          ┌─────────────────┐      ┌──────────────────┐      │
	│          │   Dispatcher    │─────▶│     Handlers     │      │
	│          └─────────────────┘      └────────┬─────────┘      │
	│                                            │                │
	│        ┌──────────────┬───────────┬────────┴───┬─────────┐  │
	│        ▼              ▼           ▼            ▼         ▼  │
	│  ┌──────────┐ ┌─────────────┐ ┌────────┐ ┌────────┐ ┌──────┐│
	│  │ Registry │ │    Room     │ │Session │ │ Relay  │ │Social││
	│  │ (内存)   │ │ Coordinator │ │ Store  │ │Pub/Sub │ │      ││
	│  └──────────┘ └──────┬──────┘ └───┬────┘ └───┬────┘ └──┬───┘│
	│        ▲             └────────────┴──────────┴─────────┘    │
	│        │ Reap                      ▼                        │
	│  ┌──────────┐               ┌───────────────┐               │
	│  │  Reaper  │               │     Redis     │               │
	│  └──────────┘               └───────────────┘               │
	└─────────────────────────────────────────────────────────────┘

=== 启动流程 ===

1. 加载配置（默认值 → YAML → 环境变量）
2. 初始化日志和 Redis 连接
3. 创建各个组件
4. 启动 Pub/Sub 订阅和心跳清理
5. 启动 TCP / UDP 前端
6. 等待关闭信号
7. 优雅关闭：通知客户端重连 → 停止前端 → 等待清理 → 关闭 Redis

=== 命令行参数 ===

	-config  YAML 配置文件（默认: config.yaml，不存在时忽略）

示例:

	NODE_ID=node_2 tcp_port=5000 ./server -config config.yaml
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go-realtime/config"
	"go-realtime/pkg/logger"
	pkgredis "go-realtime/pkg/redis"
	"go-realtime/protocol"
	"go-realtime/server"
	"go-realtime/service"
)

// ==================== 应用程序结构 ====================

// App 持有所有组件，负责生命周期管理
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	pool       *pkgredis.Pool
	registry   *server.Registry
	reaper     *server.Reaper
	relay      *service.Relay
	handlers   *service.Handlers
	dispatcher *service.Dispatcher

	tcpServer *server.TCPServer
	udpServer *server.UDPServer

	cancel context.CancelFunc
}

// NewApp 创建应用实例
func NewApp(cfg *config.Config, log *zap.Logger) *App {
	return &App{cfg: cfg, logger: log, pool: pkgredis.NewPool(log)}
}

// ==================== 初始化 ====================

// Initialize 创建所有组件
// 创建顺序：Redis → Registry → Services → 前端
func (a *App) Initialize(ctx context.Context) error {
	cfg := a.cfg
	policy := cfg.Retry.Policy()

	// 1. Redis
	if err := a.pool.Init(ctx, &cfg.Redis); err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	client := a.pool.Client()

	// 2. 连接注册表和心跳清理
	codec := protocol.NewCodec(cfg.Protocol.MaxPayload)
	a.registry = server.NewRegistry(server.RegistryConfig{
		MaxConnections:      cfg.Registry.MaxConnections,
		MaxConsecutiveDrops: cfg.Registry.MaxConsecutiveDrops,
	}, codec, a.logger)
	a.reaper = server.NewReaper(a.registry, cfg.Heartbeat.Interval, cfg.Heartbeat.IdleLimit, a.logger)

	// 3. 业务组件
	sessions := service.NewSessionStore(client, cfg.NodeID, cfg.Room.SessionTTL, policy, a.logger)
	alloc := service.NewRoomIDAllocator(client, policy)
	rooms, err := service.NewRoomCoordinator(client, a.registry, alloc, sessions, service.RoomConfig{
		RecentSize:  cfg.Room.RecentSize,
		TTL:         cfg.Room.TTL,
		MaxCapacity: cfg.Room.MaxCapacity,
	}, policy, a.logger)
	if err != nil {
		return err
	}
	// 失败的房间清理随心跳周期重试
	a.reaper.OnTick(rooms.ReconcilePending)
	a.relay = service.NewRelay(client, a.registry, cfg.NodeID, policy, a.logger)
	social := service.NewSocial(client, a.registry, policy, a.logger)

	auth, err := service.NewJWTAuthenticator(cfg.JWTSecret, 0)
	if err != nil {
		return err
	}

	// 4. 消息分发
	a.dispatcher = service.NewDispatcher(a.logger)
	a.handlers = service.NewHandlers(a.registry, rooms, sessions, a.relay, social, a.logger)
	a.handlers.Install(a.dispatcher)

	// 5. 前端
	lifecycle := server.NewLifecycle(a.registry, auth, a.dispatcher, server.LifecycleConfig{
		HandshakeTimeout: cfg.Protocol.HandshakeTimeout,
		OpTimeout:        cfg.Protocol.OpTimeout,
		QueueSize:        cfg.Registry.QueueSize,
	}, a.logger)
	if cfg.TCP.Enabled {
		a.tcpServer = server.NewTCPServer(cfg.TCP.Addr(), lifecycle, a.logger)
	}
	if cfg.UDP.Enabled {
		a.udpServer = server.NewUDPServer(cfg.UDP.Addr(), lifecycle, a.logger)
	}
	return nil
}

// ==================== 启动和停止 ====================

// Start 启动所有组件
//
// 连接的生命周期不跟随信号 ctx：关闭时要先通知客户端重连，再断开连接。
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	// Pub/Sub 必须在前端之前启动，确保能收到其他节点的广播
	if err := a.relay.Start(runCtx); err != nil {
		return err
	}
	a.reaper.Start(runCtx)

	var g errgroup.Group
	if a.tcpServer != nil {
		g.Go(func() error { return a.tcpServer.Start(runCtx) })
	}
	if a.udpServer != nil {
		g.Go(func() error { return a.udpServer.Start(runCtx) })
	}
	return g.Wait()
}

// Stop 优雅停止所有组件
// 顺序：通知重连 → 前端 → 驱逐清理 → 心跳 → Pub/Sub → Redis
func (a *App) Stop() {
	a.logger.Info("stopping application")

	if a.registry != nil {
		a.registry.CloseAll()
	}
	if a.tcpServer != nil {
		a.tcpServer.Stop()
	}
	if a.udpServer != nil {
		a.udpServer.Stop()
	}
	if a.handlers != nil {
		a.handlers.Wait()
	}
	if a.reaper != nil {
		a.reaper.Stop()
	}
	if a.relay != nil {
		a.relay.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.pool.Close(); err != nil {
		a.logger.Warn("close redis", zap.Error(err))
	}

	if a.registry != nil {
		a.logger.Info("backpressure drops", zap.Uint64("total", a.registry.Drops()))
	}
	if a.dispatcher != nil {
		for tag, s := range a.dispatcher.Stats() {
			if s.Success+s.Failure > 0 {
				a.logger.Info("dispatch stats", zap.Stringer("tag", tag), zap.Uint64("success", s.Success), zap.Uint64("failure", s.Failure))
			}
		}
	}
	a.logger.Info("application stopped")
}

// ==================== 主函数 ====================

func main() {
	configPath := flag.String("config", "config.yaml", "YAML config file (ignored when missing)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	// 等待中断信号（Ctrl+C 或 kill）
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := NewApp(cfg, log.With(zap.String("node_id", cfg.NodeID)))

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = app.Initialize(initCtx)
	cancel()
	if err != nil {
		log.Error("failed to initialize", zap.Error(err))
		app.Stop()
		os.Exit(1)
	}

	if err := app.Start(ctx); err != nil {
		log.Error("failed to start", zap.Error(err))
		app.Stop()
		os.Exit(1)
	}

	<-ctx.Done()
	app.Stop()
}
