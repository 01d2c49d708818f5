package server

import (
	"sync"
	"sync/atomic"

	"go-realtime/pkg/apperr"
)

// DefaultQueueSize 每个连接的发送队列默认长度
const DefaultQueueSize = 256

/*
Outbox 每个连接的有界发送队列

	handler ──Push──▶ [ frame | frame | ... ] ──▶ writeLoop ──▶ socket
	                   (容量 N，满了不阻塞)

Push 永远不阻塞：
  - 队列已满：返回 ErrBackpressure，连续失败计数 +1
  - 已关闭：  返回 ErrClosed
  - 成功：    连续失败计数清零

队列通道本身永远不会被 close，关闭信号通过 done 广播，
所以并发的 Push 和 Close 不会 panic。
*/
type Outbox struct {
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// consecutive 连续 Backpressure 次数
	consecutive atomic.Int64
}

// NewOutbox 创建发送队列，size <= 0 时使用默认值
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Outbox{
		ch:   make(chan []byte, size),
		done: make(chan struct{}),
	}
}

// Push 非阻塞地放入一帧
func (o *Outbox) Push(frame []byte) error {
	select {
	case <-o.done:
		return apperr.ErrClosed
	default:
	}

	select {
	case o.ch <- frame:
		o.consecutive.Store(0)
		return nil
	default:
		o.consecutive.Add(1)
		return apperr.ErrBackpressure
	}
}

// C 待发送的帧
func (o *Outbox) C() <-chan []byte { return o.ch }

// Done 关闭信号
func (o *Outbox) Done() <-chan struct{} { return o.done }

// Close 关闭队列，之后的 Push 返回 ErrClosed
// 已经入队的帧仍可以被 Drain 取出
func (o *Outbox) Close() {
	o.closeOnce.Do(func() { close(o.done) })
}

// Closed 是否已关闭
func (o *Outbox) Closed() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// Len 当前排队的帧数
func (o *Outbox) Len() int { return len(o.ch) }

// Cap 队列容量
func (o *Outbox) Cap() int { return cap(o.ch) }

// ConsecutiveDrops 连续 Backpressure 次数
func (o *Outbox) ConsecutiveDrops() int64 { return o.consecutive.Load() }

// Drain 非阻塞地取出剩余的帧
func (o *Outbox) Drain() [][]byte {
	var frames [][]byte
	for {
		select {
		case f := <-o.ch:
			frames = append(frames, f)
		default:
			return frames
		}
	}
}
