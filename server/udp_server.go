package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"go-realtime/pkg/apperr"
	"go-realtime/protocol"
)

/*
UDPServer UDP 前端

每个数据报正好是一帧（同样的长度前缀格式）。按对端地址建立虚拟连接，
之后的流程与 TCP 完全相同（ConnectionAck → Auth → 接收循环），
由同一个 Lifecycle 驱动。不提供重传和排序。

	          ┌───────────────┐
	datagram ─▶│  readLoop     │── peer 已存在 ──▶ session.inbox
	          │ (PacketConn)  │── 新 peer ─────▶ 新建 session + Lifecycle.Serve
	          └───────────────┘
*/
type UDPServer struct {
	addr      string
	lifecycle *Lifecycle
	logger    *zap.Logger

	pc     net.PacketConn
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*udpTransport
}

// udpInboxSize 每个虚拟连接待处理的数据报上限，超出时丢弃
const udpInboxSize = 64

// NewUDPServer 创建 UDP 服务器
func NewUDPServer(addr string, lifecycle *Lifecycle, logger *zap.Logger) *UDPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UDPServer{
		addr:      addr,
		lifecycle: lifecycle,
		logger:    logger.Named("udp"),
		sessions:  make(map[string]*udpTransport),
	}
}

// Start 绑定端口并在后台接收数据报
func (s *UDPServer) Start(ctx context.Context) error {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.pc = pc

	ctx, s.cancel = context.WithCancel(ctx)
	s.logger.Info("udp server started", zap.String("addr", pc.LocalAddr().String()))

	s.wg.Add(1)
	go s.readLoop(ctx)
	return nil
}

// Addr 实际监听地址
func (s *UDPServer) Addr() net.Addr {
	if s.pc == nil {
		return nil
	}
	return s.pc.LocalAddr()
}

// Stop 停止接收并等待所有虚拟连接清理完成
func (s *UDPServer) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	_ = s.pc.Close()
	s.wg.Wait()
	s.logger.Info("udp server stopped")
}

func (s *UDPServer) readLoop(ctx context.Context) {
	defer s.wg.Done()

	codec := s.lifecycle.registry.Codec()
	buf := make([]byte, protocol.HeaderLength+codec.MaxPayload()+1)

	for {
		n, addr, err := s.pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("read error", zap.Error(err))
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		sess, created := s.session(addr, codec)
		if created {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.drop(sess)
				s.lifecycle.Serve(ctx, sess)
			}()
		}
		sess.deliver(datagram)
	}
}

func (s *UDPServer) session(addr net.Addr, codec *protocol.Codec) (*udpTransport, bool) {
	key := addr.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[key]; ok {
		return sess, false
	}
	sess := &udpTransport{
		pc:    s.pc,
		addr:  addr,
		codec: codec,
		inbox: make(chan []byte, udpInboxSize),
		done:  make(chan struct{}),
	}
	s.sessions[key] = sess
	return sess, true
}

func (s *UDPServer) drop(sess *udpTransport) {
	s.mu.Lock()
	if s.sessions[sess.addr.String()] == sess {
		delete(s.sessions, sess.addr.String())
	}
	s.mu.Unlock()
	_ = sess.Close()
}

// ==================== 虚拟连接 ====================

type udpTransport struct {
	pc    net.PacketConn
	addr  net.Addr
	codec *protocol.Codec

	inbox     chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	deadline time.Time
}

func (t *udpTransport) deliver(datagram []byte) {
	select {
	case t.inbox <- datagram:
	case <-t.done:
	default:
		// 读循环处理不过来，丢弃（UDP 本身就不保证送达）
	}
}

func (t *udpTransport) ReadMessage() (protocol.Message, error) {
	t.mu.Lock()
	deadline := t.deadline
	t.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case datagram := <-t.inbox:
		msg, err := t.codec.DecodeFrame(datagram)
		if err != nil && !apperr.Is(err, apperr.KindProtocol) {
			err = fmt.Errorf("%w: %w", apperr.ErrMalformedFrame, err)
		}
		return msg, err
	case <-timeout:
		return nil, os.ErrDeadlineExceeded
	case <-t.done:
		return nil, net.ErrClosed
	}
}

func (t *udpTransport) SetReadDeadline(d time.Time) error {
	t.mu.Lock()
	t.deadline = d
	t.mu.Unlock()
	return nil
}

func (t *udpTransport) WriteFrame(frame []byte, _ time.Time) error {
	select {
	case <-t.done:
		return net.ErrClosed
	default:
	}
	_, err := t.pc.WriteTo(frame, t.addr)
	return err
}

func (t *udpTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func (t *udpTransport) RemoteAddr() string { return t.addr.String() }
func (t *udpTransport) Network() string    { return "udp" }
