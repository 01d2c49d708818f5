package server

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultIdleLimit         = 30 * time.Second
)

/*
Reaper 心跳超时清理

	Stopped ──Start──▶ Running ──Stop──▶ Stopped

每隔 interval 调用一次 Registry.Reap(now, idleLimit)。
客户端的任何消息（包括心跳）都会 Touch 注册表，
超过 idleLimit 没有消息的连接被移除，由驱逐回调清理房间。
OnTick 注册的任务在每次清理之后执行（例如重试失败的房间清理）。
*/
type Reaper struct {
	registry  *Registry
	interval  time.Duration
	idleLimit time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	ticks  []func(ctx context.Context)
}

// NewReaper 创建清理器，参数 <= 0 时使用默认值
func NewReaper(registry *Registry, interval, idleLimit time.Duration, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if idleLimit <= 0 {
		idleLimit = DefaultIdleLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		registry:  registry,
		interval:  interval,
		idleLimit: idleLimit,
		now:       time.Now,
		logger:    logger.Named("reaper"),
	}
}

// Start 启动后台任务，重复调用只记录警告
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		r.logger.Warn("reaper already running")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)

	r.logger.Info("reaper started",
		zap.Duration("interval", r.interval),
		zap.Duration("idle_limit", r.idleLimit),
	)
}

func (r *Reaper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CleanupNow()
			r.runTicks(ctx)
		}
	}
}

// OnTick 注册每个周期执行的任务，在 Start 之前调用
func (r *Reaper) OnTick(fn func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, fn)
}

func (r *Reaper) runTicks(ctx context.Context) {
	r.mu.Lock()
	ticks := slices.Clone(r.ticks)
	r.mu.Unlock()
	for _, fn := range ticks {
		fn(ctx)
	}
}

// Stop 停止后台任务并等待退出，幂等
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info("reaper stopped")
}

// Running 是否在运行
func (r *Reaper) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// CleanupNow 立即清理一次，返回移除的连接数
func (r *Reaper) CleanupNow() int {
	n := r.registry.Reap(r.now(), r.idleLimit)
	if n > 0 {
		r.logger.Info("idle connections reaped", zap.Int("count", n), zap.Int("remaining", r.registry.Len()))
	}
	return n
}
