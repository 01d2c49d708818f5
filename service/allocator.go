package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/redis/go-redis/v9"

	"go-realtime/pkg/apperr"
	pkgredis "go-realtime/pkg/redis"
	"go-realtime/pkg/retry"
)

/*
RoomIDAllocator 房间 ID 分配

=== Redis 数据结构 ===

	room_counter:id   String  自增计数器
	room:info:index   List    回收的 ID

=== 分配流程 ===

	Acquire:
	  LPOP room:info:index ──有──▶ 复用
	        │
	        └── 空 ──▶ INCR room_counter:id

	Release:
	  LPUSH room:info:index id

ID 是 16 位的（协议里 room-id 为 u16），计数器超过 65535 且没有可回收的 ID 时
返回 ErrIDSpaceExhausted。ID 不保证连续，只保证每次成功的 Acquire 互不相同。
*/
type RoomIDAllocator struct {
	client redis.UniversalClient
	retry  retry.Policy
}

// NewRoomIDAllocator 创建分配器
func NewRoomIDAllocator(client redis.UniversalClient, policy retry.Policy) *RoomIDAllocator {
	return &RoomIDAllocator{client: client, retry: policy}
}

// Acquire 分配一个房间 ID
//
// LPOP 和 INCR 都不重试：两者都不是幂等的，网络错误时命令可能已经执行，
// 重试会多消耗一个 ID。
func (a *RoomIDAllocator) Acquire(ctx context.Context) (uint16, error) {
	raw, err := a.client.LPop(ctx, pkgredis.RoomFreeListKey).Result()
	switch {
	case err == nil:
		id, perr := strconv.ParseUint(raw, 10, 16)
		if perr == nil && id > 0 {
			return uint16(id), nil
		}
		// 列表里的脏数据丢掉，继续走计数器
	case !errors.Is(err, redis.Nil):
		return 0, apperr.Redis("allocator.lpop", err)
	}

	n, err := a.client.Incr(ctx, pkgredis.RoomCounterKey).Result()
	if err != nil {
		return 0, apperr.Redis("allocator.incr", err)
	}
	if n <= 0 || n > math.MaxUint16 {
		return 0, fmt.Errorf("counter at %d: %w", n, apperr.ErrIDSpaceExhausted)
	}
	return uint16(n), nil
}

// Release 回收房间 ID
func (a *RoomIDAllocator) Release(ctx context.Context, id uint16) error {
	return a.retry.Run(ctx, func(ctx context.Context) error {
		return apperr.Redis("allocator.lpush", a.client.LPush(ctx, pkgredis.RoomFreeListKey, id).Err())
	})
}

// Free 当前可回收的 ID 数量
func (a *RoomIDAllocator) Free(ctx context.Context) (int64, error) {
	n, err := a.client.LLen(ctx, pkgredis.RoomFreeListKey).Result()
	if err != nil {
		return 0, apperr.Redis("allocator.llen", err)
	}
	return n, nil
}
