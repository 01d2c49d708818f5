/*
Package retry - 带抖动的指数退避重试

=== 为什么需要重试？===

Redis 在网络抖动、主从切换时会出现短暂的失败：

	connection refused / i/o timeout / connection reset / broken pipe

这类错误过一会儿就会恢复，直接返回给用户体验很差。
但业务错误（房间已满、JSON 解析失败）重试多少次都没有意义。

=== 退避时间 ===

第 attempt 次失败后（attempt 从 0 开始）等待：

	delay = BaseDelay × BackoffFactor^attempt + U[0, Jitter]

示例：Retries=2, BaseDelay=50ms, BackoffFactor=2, Jitter=10ms

	尝试 0 ──失败──▶ 等待 50ms + [0,10ms]
	尝试 1 ──失败──▶ 等待 100ms + [0,10ms]
	尝试 2 ──成功──▶ 返回

	总等待 ∈ [150ms, 170ms]

抖动的作用：大量客户端同时失败时，错开重试时间，避免"惊群"。
*/
package retry

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"syscall"
	"time"

	"go-realtime/pkg/apperr"
)

// Policy 重试策略
type Policy struct {
	// Retries 首次失败后的额外尝试次数
	// 总尝试次数 = Retries + 1
	Retries int

	// BaseDelay 第一次退避的基础时间
	BaseDelay time.Duration

	// BackoffFactor 退避倍数，必须 >= 1
	BackoffFactor float64

	// Jitter 均匀随机抖动的上限
	Jitter time.Duration

	// Classify 判断错误是否可重试，默认 IsTransient
	Classify func(error) bool
}

// Default 默认策略：3 次重试，50ms 起步，翻倍，10ms 抖动
func Default() Policy {
	return Policy{
		Retries:       3,
		BaseDelay:     50 * time.Millisecond,
		BackoffFactor: 2,
		Jitter:        10 * time.Millisecond,
	}
}

// None 不重试
func None() Policy {
	return Policy{}
}

// Backoff 第 attempt 次失败后的等待时间（不含抖动）
func (p Policy) Backoff(attempt int) time.Duration {
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(factor, float64(attempt)))
}

func (p Policy) delay(attempt int) time.Duration {
	d := p.Backoff(attempt)
	if p.Jitter > 0 {
		d += rand.N(p.Jitter + 1)
	}
	return d
}

func (p Policy) retryable(err error) bool {
	if p.Classify != nil {
		return p.Classify(err)
	}
	return IsTransient(err)
}

// Do 执行 op，失败时按策略重试
//
// op 每次都会拿到同一个 ctx；ctx 取消后立即返回 ctx.Err() 包装后的错误。
// 重试耗尽时返回最后一次的错误。
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)

	for attempt := 0; attempt <= p.Retries; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		// 业务错误立即返回
		if !p.retryable(err) || attempt == p.Retries {
			break
		}

		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
	}

	return zero, lastErr
}

// Run 无返回值版本的 Do
func (p Policy) Run(ctx context.Context, op func(context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// ==================== 错误分类 ====================

var transientMarkers = []string{
	"connection refused",
	"timeout",
	"timed out",
	"connection reset",
	"broken pipe",
	"use of closed network connection",
}

// IsTransient 判断错误是否是短暂的网络类错误
//
// 以下情况可重试：
//   - 分类为 Network / System 的 apperr.Error
//   - net.Error 超时
//   - ECONNREFUSED / ECONNRESET / EPIPE
//   - 错误信息包含 "connection refused"、"timeout" 等
//
// context 取消、业务错误、编解码错误不重试。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var ae *apperr.Error
	if errors.As(err, &ae) {
		switch ae.Kind {
		case apperr.KindNetwork, apperr.KindSystem:
			return true
		case apperr.KindRedis:
			// Redis 命令错误需要继续看底层原因
			return ae.Err != nil && isNetworkClass(ae.Err)
		default:
			return false
		}
	}

	return isNetworkClass(err)
}

func isNetworkClass(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
