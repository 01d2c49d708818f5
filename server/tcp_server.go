/*
Package server - TCP 前端

=== Goroutine-per-Connection ===

每个客户端连接一个读 Goroutine + 一个写 Goroutine，
底层由 Go 运行时的 netpoller 转换成 epoll 事件，代码写起来像同步阻塞。

	┌─────────────────────────────────────────────────┐
	│                   TCP Server                    │
	│  ┌─────────────────────────────────────────┐    │
	│  │            Accept Loop                  │    │
	│  │    listener.Accept() → 新连接            │    │
	│  └──────────────────┬──────────────────────┘    │
	│                     │ 每个连接一个 Lifecycle     │
	│        ┌────────────┼────────────┐              │
	│        ▼            ▼            ▼              │
	│   ┌─────────┐  ┌─────────┐  ┌─────────┐         │
	│   │ Conn 1  │  │ Conn 2  │  │ Conn N  │         │
	│   └─────────┘  └─────────┘  └─────────┘         │
	│        │            │            │              │
	│   ┌────┴────────────┴────────────┴────┐         │
	│   │           Registry                │         │
	│   │     (userID → Entry，分片锁)       │         │
	│   └───────────────────────────────────┘         │
	└─────────────────────────────────────────────────┘
*/
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// TCPServer TCP 服务器
// 职责：监听端口、接受连接，每个连接交给 Lifecycle
type TCPServer struct {
	addr      string
	lifecycle *Lifecycle
	logger    *zap.Logger

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewTCPServer 创建 TCP 服务器
func NewTCPServer(addr string, lifecycle *Lifecycle, logger *zap.Logger) *TCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TCPServer{
		addr:      addr,
		lifecycle: lifecycle,
		logger:    logger.Named("tcp"),
	}
}

// Start 绑定端口并在后台接受连接
func (s *TCPServer) Start(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	ctx, s.cancel = context.WithCancel(ctx)
	s.logger.Info("tcp server started", zap.String("addr", listener.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Addr 实际监听地址（端口为 0 时由系统分配）
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop 停止接受连接，关闭现有连接并等待它们清理完成
//
// 调用方应先 Registry.CloseAll() 给已认证的连接发送重连指令。
func (s *TCPServer) Stop() {
	if s.cancel == nil {
		return
	}
	s.logger.Info("initiating graceful shutdown")
	s.cancel()
	_ = s.listener.Close()

	s.wg.Wait()
	s.logger.Info("tcp server stopped")
}

func (s *TCPServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept error", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.lifecycle.Serve(ctx, newTCPTransport(conn, s.lifecycle.registry.Codec()))
		}()
	}
}
