package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"go-realtime/pkg/apperr"
	"go-realtime/protocol"
)

// ==================== 接口定义 ====================

// Identity 认证通过的用户
type Identity struct {
	UserID   uint64
	Nickname string
}

// Authenticator 校验 Token，返回用户身份
// 由业务层实现（JWT），连接层不关心 Token 的格式
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// Handler 业务处理器
// 连接层只负责网络 I/O 和生命周期，消息的具体处理交给 Handler
type Handler interface {
	// Handle 处理一条消息，返回错误时连接被关闭
	Handle(ctx context.Context, c *Client, msg protocol.Message) error

	// Connected 认证并注册成功之后调用
	Connected(ctx context.Context, c *Client)

	// Disconnected 连接结束时调用
	// owned=false 表示注册表里已经不是这个连接（被顶替或被驱逐），
	// 此时不应再清理用户的房间和会话
	Disconnected(ctx context.Context, c *Client, owned bool)
}

// ==================== 处理上下文 ====================

// Client 已认证连接在业务层的视图
type Client struct {
	UserID    uint64
	Nickname  string
	ConnID    string
	ClientID  uint64
	Peer      string
	Transport string

	// Token 握手时使用的 Token，只保存在内存中
	Token string

	entry *Entry
	codec *protocol.Codec
}

// NewClient 为注册表条目创建 Client
func NewClient(entry *Entry, codec *protocol.Codec, clientID uint64, network string) *Client {
	return &Client{
		UserID:    entry.UserID,
		ConnID:    entry.ConnID,
		ClientID:  clientID,
		Peer:      entry.Peer,
		Transport: network,
		entry:     entry,
		codec:     codec,
	}
}

// Send 发送给这个连接（不经过注册表查找，被顶替后返回 ErrClosed）
func (c *Client) Send(msg protocol.Message) error {
	frame, err := c.codec.Pack(msg)
	if err != nil {
		return err
	}
	return c.entry.Outbox.Push(frame)
}

// Entry 注册表条目
func (c *Client) Entry() *Entry { return c.entry }

// ==================== 生命周期 ====================

// LifecycleConfig 连接生命周期参数
type LifecycleConfig struct {
	// HandshakeTimeout 连接建立后必须在此时间内完成认证
	HandshakeTimeout time.Duration
	// OpTimeout 单条消息处理的超时
	OpTimeout time.Duration
	// ReadTimeout 两条消息之间的最长间隔，0 表示只依赖心跳清理
	ReadTimeout time.Duration
	// QueueSize 发送队列长度
	QueueSize int
}

func (c *LifecycleConfig) setDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
}

/*
Lifecycle 驱动单个连接从接受到关闭

	accept
	  │
	  ▼
	发送 ConnectionAck{ClientID}
	  │
	  ▼
	等待 Auth（HandshakeTimeout）──失败──▶ Error(401) ──▶ 关闭
	  │
	  ▼
	Registry.Register ──满了──▶ Error(503) ──▶ 关闭
	  │
	  ▼
	发送 AuthAck，Handler.Connected
	  │
	  ▼
	┌─▶ 读一帧 ──解码失败──▶ Error(400) ──▶ 关闭
	│     │
	│     ▼
	│   Touch + Handler.Handle（OpTimeout）
	└─────┘
	  │ EOF / 写失败 / 被驱逐 / ctx 取消
	  ▼
	Registry.UnregisterIf + Handler.Disconnected
*/
type Lifecycle struct {
	registry *Registry
	auth     Authenticator
	handler  Handler
	cfg      LifecycleConfig
	logger   *zap.Logger

	nextID atomic.Uint64
}

// NewLifecycle 创建生命周期驱动器
func NewLifecycle(registry *Registry, auth Authenticator, handler Handler, cfg LifecycleConfig, logger *zap.Logger) *Lifecycle {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		registry: registry,
		auth:     auth,
		handler:  handler,
		cfg:      cfg,
		logger:   logger.Named("conn"),
	}
}

// Serve 处理一个连接直到结束，ctx 取消时关闭连接
func (l *Lifecycle) Serve(ctx context.Context, t transport) {
	clientID := l.nextID.Add(1)
	connID := uuid.NewString()
	log := l.logger.With(
		zap.Uint64("client_id", clientID),
		zap.String("conn_id", connID),
		zap.String("peer", t.RemoteAddr()),
		zap.String("network", t.Network()),
	)
	codec := l.registry.Codec()

	conn := newConnection(clientID, connID, t, NewOutbox(l.cfg.QueueSize), log)
	go conn.writeLoop()
	defer func() {
		conn.Close()
		<-conn.Closed()
	}()

	stop := context.AfterFunc(ctx, conn.Close)
	defer stop()

	log.Debug("connection accepted")

	// ========== 步骤 1: ConnectionAck ==========
	if err := conn.send(codec, &protocol.ConnectionAck{ClientID: clientID}); err != nil {
		return
	}

	// ========== 步骤 2: 认证 ==========
	id, token, err := l.handshake(ctx, t)
	if err != nil {
		log.Info("handshake failed", zap.Error(err))
		l.replyError(conn, codec, err)
		return
	}
	_ = t.SetReadDeadline(time.Time{})

	// ========== 步骤 3: 注册 ==========
	userID := id.UserID
	entry := NewEntry(userID, connID, t.RemoteAddr(), conn.outbox, time.Now())
	if _, err := l.registry.Register(userID, entry); err != nil {
		log.Warn("register failed", zap.Uint64("user_id", userID), zap.Error(err))
		l.replyError(conn, codec, err)
		return
	}
	log = log.With(zap.Uint64("user_id", userID))
	client := NewClient(entry, codec, clientID, t.Network())
	client.Nickname = id.Nickname
	client.Token = token

	_ = client.Send(&protocol.AuthAck{UserID: userID})
	l.withTimeout(ctx, func(ctx context.Context) { l.handler.Connected(ctx, client) })
	log.Info("connection authenticated")

	// ========== 步骤 4: 接收循环 ==========
	l.receiveLoop(ctx, t, conn, client, log)

	// ========== 步骤 5: 清理 ==========
	_, owned := l.registry.UnregisterIf(userID, connID)
	l.withTimeout(context.WithoutCancel(ctx), func(ctx context.Context) {
		l.handler.Disconnected(ctx, client, owned)
	})
	log.Info("connection closed", zap.Bool("owned", owned))
}

func (l *Lifecycle) handshake(ctx context.Context, t transport) (Identity, string, error) {
	deadline := time.Now().Add(l.cfg.HandshakeTimeout)
	if err := t.SetReadDeadline(deadline); err != nil {
		return Identity{}, "", err
	}

	msg, err := t.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return Identity{}, "", fmt.Errorf("handshake timeout: %w", apperr.ErrUnauthorized)
		}
		return Identity{}, "", err
	}

	auth, ok := msg.(*protocol.Auth)
	if !ok {
		return Identity{}, "", fmt.Errorf("expected auth, got %s: %w", msg.Tag(), apperr.ErrUnauthorized)
	}

	actx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	id, err := l.auth.Authenticate(actx, auth.Token)
	if err != nil {
		if !errors.Is(err, apperr.ErrUnauthorized) {
			err = fmt.Errorf("%v: %w", err, apperr.ErrUnauthorized)
		}
		return Identity{}, "", err
	}
	return id, auth.Token, nil
}

func (l *Lifecycle) receiveLoop(ctx context.Context, t transport, conn *Connection, client *Client, log *zap.Logger) {
	codec := l.registry.Codec()
	for {
		if l.cfg.ReadTimeout > 0 {
			_ = t.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
		}

		msg, err := t.ReadMessage()
		if err != nil {
			switch {
			case apperr.Is(err, apperr.KindProtocol):
				log.Warn("protocol error", zap.Error(err))
				l.replyError(conn, codec, err)
			case isClosed(err) || conn.outbox.Closed():
			default:
				log.Debug("read failed", zap.Error(err))
			}
			return
		}

		client.entry.SetLastActivity(time.Now())

		var herr error
		l.withTimeout(ctx, func(ctx context.Context) {
			herr = l.handler.Handle(ctx, client, msg)
		})
		if herr != nil {
			log.Info("closing after handler error", zap.Stringer("tag", msg.Tag()), zap.Error(herr))
			return
		}
	}
}

func (l *Lifecycle) withTimeout(ctx context.Context, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.OpTimeout)
	defer cancel()
	fn(ctx)
}

func (l *Lifecycle) replyError(conn *Connection, codec *protocol.Codec, err error) {
	_ = conn.send(codec, &protocol.Error{Code: apperr.Code(err), Message: err.Error()})
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
