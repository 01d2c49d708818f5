package service

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"go-realtime/pkg/apperr"
	"go-realtime/protocol"
	"go-realtime/server"
)

/*
Dispatcher 消息分发器

	Lifecycle.receiveLoop
	        │ protocol.Message
	        ▼
	┌──────────────────┐   tag → HandlerFunc
	│    Dispatcher    │──────────────────────▶ handler(ctx, client, msg)
	└──────────────────┘
	        │ error
	        ▼
	  Error{code, message} 回复给客户端
	  4xx 保持连接，Protocol 类错误断开连接

每个 tag 维护成功/失败计数。
*/
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[protocol.Tag]HandlerFunc
	stats    map[protocol.Tag]*tagCounter
	unknown  atomic.Uint64

	onConnected    func(ctx context.Context, c *server.Client)
	onDisconnected func(ctx context.Context, c *server.Client, owned bool)

	logger *zap.Logger
}

// HandlerFunc 处理一种消息
type HandlerFunc func(ctx context.Context, c *server.Client, msg protocol.Message) error

// TagStats 单个 tag 的处理计数
type TagStats struct {
	Success uint64
	Failure uint64
}

type tagCounter struct {
	success atomic.Uint64
	failure atomic.Uint64
}

var _ server.Handler = (*Dispatcher)(nil)

// NewDispatcher 创建分发器
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		handlers: make(map[protocol.Tag]HandlerFunc),
		stats:    make(map[protocol.Tag]*tagCounter),
		logger:   logger.Named("dispatcher"),
	}
}

// Register 注册 tag 的处理函数，重复注册覆盖之前的
func (d *Dispatcher) Register(tag protocol.Tag, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[tag] = fn
	if _, ok := d.stats[tag]; !ok {
		d.stats[tag] = &tagCounter{}
	}
}

// OnConnected 连接认证成功后的回调
func (d *Dispatcher) OnConnected(fn func(ctx context.Context, c *server.Client)) {
	d.mu.Lock()
	d.onConnected = fn
	d.mu.Unlock()
}

// OnDisconnected 连接结束时的回调
func (d *Dispatcher) OnDisconnected(fn func(ctx context.Context, c *server.Client, owned bool)) {
	d.mu.Lock()
	d.onDisconnected = fn
	d.mu.Unlock()
}

// Dispatch 按 tag 找到处理函数并执行，没有注册时返回 ErrUnknownTag
func (d *Dispatcher) Dispatch(ctx context.Context, c *server.Client, msg protocol.Message) error {
	tag := msg.Tag()

	d.mu.RLock()
	fn, ok := d.handlers[tag]
	counter := d.stats[tag]
	d.mu.RUnlock()

	if !ok {
		d.unknown.Add(1)
		return fmt.Errorf("no handler for %s: %w", tag, apperr.ErrUnknownTag)
	}

	if err := fn(ctx, c, msg); err != nil {
		counter.failure.Add(1)
		return err
	}
	counter.success.Add(1)
	return nil
}

// Stats 每个已注册 tag 的计数快照
func (d *Dispatcher) Stats() map[protocol.Tag]TagStats {
	d.mu.RLock()
	counters := maps.Clone(d.stats)
	d.mu.RUnlock()

	out := make(map[protocol.Tag]TagStats, len(counters))
	for tag, c := range counters {
		out[tag] = TagStats{Success: c.success.Load(), Failure: c.failure.Load()}
	}
	return out
}

// Unknown 没有处理函数的消息数量
func (d *Dispatcher) Unknown() uint64 { return d.unknown.Load() }

// ==================== server.Handler ====================

// Handle 分发消息，错误转换为 Error 回复
// 只有 Protocol 类错误返回给连接层（断开连接）
func (d *Dispatcher) Handle(ctx context.Context, c *server.Client, msg protocol.Message) error {
	err := d.Dispatch(ctx, c, msg)
	if err == nil {
		return nil
	}

	code := apperr.Code(err)
	text := err.Error()
	log := d.logger.With(
		zap.Uint64("user_id", c.UserID),
		zap.Stringer("tag", msg.Tag()),
		zap.Uint16("code", code),
		zap.Error(err),
	)
	if apperr.IsClientError(code) {
		log.Debug("request rejected")
	} else {
		// 内部错误不把细节发给客户端
		log.Error("request failed")
		text = "internal error"
	}
	_ = c.Send(&protocol.Error{Code: code, Message: text})

	if apperr.Is(err, apperr.KindProtocol) {
		return err
	}
	return nil
}

// Connected 实现 server.Handler
func (d *Dispatcher) Connected(ctx context.Context, c *server.Client) {
	d.mu.RLock()
	fn := d.onConnected
	d.mu.RUnlock()
	if fn != nil {
		fn(ctx, c)
	}
}

// Disconnected 实现 server.Handler
func (d *Dispatcher) Disconnected(ctx context.Context, c *server.Client, owned bool) {
	d.mu.RLock()
	fn := d.onDisconnected
	d.mu.RUnlock()
	if fn != nil {
		fn(ctx, c, owned)
	}
}
