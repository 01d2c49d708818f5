package service

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"go-realtime/pkg/apperr"
	pkgredis "go-realtime/pkg/redis"
	"go-realtime/pkg/retry"
	"go-realtime/protocol"
	"go-realtime/server"
)

/*
RoomCoordinator 房间协调器

把进程内的注册表（谁在哪个房间）和 Redis 中的房间数据保持一致：

	┌───────────────┐        ┌──────────────────────────────┐
	│   Registry    │        │            Redis             │
	│ userID → room │◀──────▶│ room:info:{id}   Hash        │
	│ room → users  │        │ room:users:{id}  Set         │
	└───────────────┘        │ room:list        List (全部)  │
	                         │ room:list:time   List (最近 L)│
	                         └──────────────────────────────┘

=== 并发规则 ===

  - 同一个房间的加入/离开在进程内按房间加锁串行
  - 换房间时同时持有新旧两个房间的锁，按 ID 从小到大加锁
  - 成员数由 Lua 脚本从 SCARD 计算，与成员集合原子地一起更新
  - Redis 失败时不修改注册表：注册表只反映已经提交到 Redis 的状态

=== 漂移修正 ===

每次加入/离开前，房间的 room:users 与注册表对比：本节点没有这个连接、
会话也不在其他节点上的成员被移除，current_count 随之重算。
删除房间失败时房间 ID 记入待修复集合，由 ReconcilePending 重试
（心跳清理器每个周期调用一次）。

=== 最近房间 ===

room:list:time 由 CacheHelper 的 LRU 原语维护，容量为 L。
第 L+1 个房间被插入时，最久没有活动的房间被挤出，脚本内一并删除它的
room:info 和 room:users；之后协调器把它从 room:list 移除、清理成员并回收 ID。
*/
type RoomCoordinator struct {
	client   redis.UniversalClient
	registry *server.Registry
	alloc    *RoomIDAllocator
	recent   *pkgredis.CacheHelper
	sessions *SessionStore
	locks    *KeyLock[uint16]
	retry    retry.Policy
	cfg      RoomConfig
	logger   *zap.Logger

	pendingMu sync.Mutex
	pending   map[uint16]struct{}
}

// RoomConfig 房间参数
type RoomConfig struct {
	RecentSize  int64
	TTL         time.Duration
	MaxCapacity uint16
}

const maxRoomNameLen = 64

// RoomRecord 房间信息（room:info:{id}）
type RoomRecord struct {
	ID           uint16
	Name         string
	Owner        uint64
	MaxCapacity  uint16
	CurrentCount uint16
	CreatedAt    time.Time
}

// RoomEvent RoomStateUpdate 的 Payload
type RoomEvent struct {
	Event  string `json:"event"`
	RoomID uint16 `json:"room_id"`
	UserID uint64 `json:"user_id,omitempty"`
	Count  int64  `json:"count"`
}

const (
	EventCreated = "created"
	EventJoin    = "join"
	EventLeave   = "leave"
	EventClosed  = "closed"
)

// NewRoomCoordinator 创建房间协调器
// sessions 可以为 nil（不同步 user:{id} 的 room_id 字段）
func NewRoomCoordinator(
	client redis.UniversalClient,
	registry *server.Registry,
	alloc *RoomIDAllocator,
	sessions *SessionStore,
	cfg RoomConfig,
	policy retry.Policy,
	logger *zap.Logger,
) (*RoomCoordinator, error) {
	if cfg.MaxCapacity == 0 {
		cfg.MaxCapacity = 16
	}
	recent, err := pkgredis.NewCacheHelper(client, pkgredis.CacheConfig{
		Prefix:   pkgredis.RoomInfo.Prefix(),
		List:     pkgredis.RoomListByTime.MustItemKey(),
		Capacity: cfg.RecentSize,
		TTL:      cfg.TTL,
		Cascade:  []string{pkgredis.RoomUserList.Prefix(), Leaderboard.Prefix()},
	}, pkgredis.WithRetry(policy))
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RoomCoordinator{
		client:   client,
		registry: registry,
		alloc:    alloc,
		recent:   recent,
		sessions: sessions,
		locks:    NewKeyLock[uint16](),
		retry:    policy,
		cfg:      cfg,
		logger:   logger.Named("room"),
		pending:  make(map[uint16]struct{}),
	}, nil
}

func infoKey(id uint16) string  { return pkgredis.RoomInfo.MustItemKey(uint64(id)) }
func usersKey(id uint16) string { return pkgredis.RoomUserList.MustItemKey(uint64(id)) }

func roomListKey() string {
	key, _ := pkgredis.RoomInfo.ListKey()
	return key
}

// ttlSeconds 向上取整，不足一秒的 TTL 不会变成 0（不过期）
func (c *RoomCoordinator) ttlSeconds() int64 {
	if c.cfg.TTL <= 0 {
		return 0
	}
	return int64((c.cfg.TTL + time.Second - 1) / time.Second)
}

// ==================== 创建房间 ====================

// CreateRoom 创建房间，owner 成为第一个成员
//
//  1. 分配 ID
//  2. 写入 room:info:{id}，owner 加入 room:users:{id}
//  3. LPUSH room:list，LRU 插入 room:list:time（可能挤出最旧的房间）
//  4. 注册表：owner 移到新房间（如果之前在别的房间，先离开）
func (c *RoomCoordinator) CreateRoom(ctx context.Context, owner uint64, name string, maxCapacity uint16) (uint16, error) {
	if name == "" || utf8.RuneCountInString(name) > maxRoomNameLen {
		return 0, fmt.Errorf("room name must be 1-%d characters: %w", maxRoomNameLen, apperr.ErrBadRequest)
	}
	if maxCapacity == 0 {
		maxCapacity = c.cfg.MaxCapacity
	}
	if maxCapacity > c.cfg.MaxCapacity {
		return 0, fmt.Errorf("max capacity %d > %d: %w", maxCapacity, c.cfg.MaxCapacity, apperr.ErrBadRequest)
	}

	if err := c.requireRegistered(owner); err != nil {
		return 0, err
	}

	id, err := c.alloc.Acquire(ctx)
	if err != nil {
		return 0, err
	}

	var (
		evicted    []uint16
		rolledBack bool
	)
	err = c.withRooms(ctx, owner, id, func(old uint16, hasOld bool) error {
		rec := &RoomRecord{ID: id, Name: name, Owner: owner, MaxCapacity: maxCapacity, CreatedAt: time.Now()}
		if err := c.writeRecord(ctx, rec); err != nil {
			return err
		}
		if _, err := c.runJoin(ctx, id, owner); err != nil {
			return err
		}
		if err := c.retry.Run(ctx, func(ctx context.Context) error {
			return pkgredis.Pipeline(ctx, c.client, func(pipe redis.Pipeliner) error {
				pipe.LRem(ctx, roomListKey(), 0, id)
				pipe.LPush(ctx, roomListKey(), id)
				return nil
			})
		}); err != nil {
			return err
		}
		if ev, ok, err := c.recent.Touch(ctx, uint32(id)); err != nil {
			return err
		} else if ok {
			evicted = append(evicted, uint16(ev))
		}

		if err := c.moveRegistry(ctx, owner, id); err != nil {
			// 处理期间连接被驱逐：驱逐清理只会离开原来的房间，新房间在这里删除
			existed, terr := c.teardownLocked(ctx, id, false)
			rolledBack = terr == nil && existed
			return err
		}
		if hasOld {
			c.leaveLocked(ctx, owner, old)
		}
		return nil
	})
	c.handleEvicted(ctx, evicted)
	if err != nil {
		if !rolledBack {
			c.abandon(id)
		}
		return 0, err
	}

	c.logger.Info("room created",
		zap.Uint16("room_id", id),
		zap.String("name", name),
		zap.Uint64("owner", owner),
		zap.Uint16("max_capacity", maxCapacity),
	)
	return id, nil
}

func (c *RoomCoordinator) writeRecord(ctx context.Context, rec *RoomRecord) error {
	h := pkgredis.NewHashHelper(c.client, infoKey(rec.ID), pkgredis.WithTTL(c.cfg.TTL), pkgredis.WithRetry(c.retry))
	return h.SetMultiple(ctx, map[string]any{
		"id":            rec.ID,
		"name":          rec.Name,
		"owner":         rec.Owner,
		"max_capacity":  rec.MaxCapacity,
		"current_count": rec.CurrentCount,
		"created_at":    rec.CreatedAt.Unix(),
	})
}

// abandon 创建失败时清理已经写入的部分并回收 ID
func (c *RoomCoordinator) abandon(id uint16) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	existed, err := c.runTeardown(ctx, id, false)
	if err != nil {
		c.logger.Error("abandon room failed", zap.Uint16("room_id", id), zap.Error(err))
		return
	}
	if existed == 0 {
		// room:info 从未写入，ID 需要单独回收
		if err := c.alloc.Release(ctx, id); err != nil {
			c.logger.Error("release room id failed", zap.Uint16("room_id", id), zap.Error(err))
		}
	}
}

// ==================== 加入房间 ====================

// JoinRoom 加入房间
//
// 先加入新房间再离开旧房间：加入失败（房间已满、不存在）时用户留在原房间。
func (c *RoomCoordinator) JoinRoom(ctx context.Context, userID uint64, id uint16) (*RoomRecord, error) {
	var (
		count   int64
		evicted []uint16
	)
	err := c.withRooms(ctx, userID, id, func(old uint16, hasOld bool) error {
		if err := c.requireRegistered(userID); err != nil {
			return err
		}
		c.reconcile(ctx, id)

		var err error
		count, err = c.runJoin(ctx, id, userID)
		if err != nil {
			return err
		}
		if ev, ok, err := c.recent.Touch(ctx, uint32(id)); err != nil {
			c.logger.Warn("recent index touch failed", zap.Uint16("room_id", id), zap.Error(err))
		} else if ok {
			evicted = append(evicted, uint16(ev))
		}

		if err := c.moveRegistry(ctx, userID, id); err != nil {
			c.rollbackJoin(ctx, userID, id)
			return err
		}
		if hasOld {
			c.leaveLocked(ctx, userID, old)
		}
		c.broadcast(id, RoomEvent{Event: EventJoin, RoomID: id, UserID: userID, Count: count}, userID)
		return nil
	})
	c.handleEvicted(ctx, evicted)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("room joined", zap.Uint16("room_id", id), zap.Uint64("user_id", userID), zap.Int64("count", count))
	return c.GetRoom(ctx, id)
}

// withRooms 锁住用户当前房间和目标房间后执行 fn
// 加锁期间用户的房间发生变化（并发换房间）时重新加锁
func (c *RoomCoordinator) withRooms(ctx context.Context, userID uint64, target uint16, fn func(old uint16, hasOld bool) error) error {
	for range 3 {
		old, hasOld := c.registry.Room(userID)
		keys := []uint16{target}
		if hasOld && old != target {
			keys = append(keys, old)
		}

		unlock, err := c.locks.LockAll(ctx, cmp.Compare[uint16], keys...)
		if err != nil {
			return err
		}
		cur, hasCur := c.registry.Room(userID)
		if cur != old || hasCur != hasOld {
			unlock()
			continue
		}

		err = fn(old, hasOld && old != target)
		unlock()
		return err
	}
	return fmt.Errorf("room membership changed concurrently: %w", apperr.ErrBadRequest)
}

func (c *RoomCoordinator) runJoin(ctx context.Context, id uint16, userID uint64) (int64, error) {
	var res []int64
	err := c.retry.Run(ctx, func(ctx context.Context) error {
		var err error
		res, err = joinScript.Run(ctx, c.client, []string{infoKey(id), usersKey(id)}, userID, c.ttlSeconds()).Int64Slice()
		return apperr.Redis("room.join", err)
	})
	if err != nil {
		return 0, err
	}
	if len(res) != 2 {
		return 0, apperr.Redis("room.join", fmt.Errorf("unexpected reply %v", res))
	}

	switch res[0] {
	case -1:
		return 0, fmt.Errorf("room %d: %w", id, apperr.ErrRoomNotFound)
	case -2:
		return 0, fmt.Errorf("room %d has %d members: %w", id, res[1], apperr.ErrRoomFull)
	}
	return res[1], nil
}

func (c *RoomCoordinator) requireRegistered(userID uint64) error {
	if _, ok := c.registry.Get(userID); !ok {
		return fmt.Errorf("user %d is not connected: %w", userID, apperr.ErrNotFound)
	}
	return nil
}

// moveRegistry 用户已经断开时返回 ErrNotFound，调用方负责撤销 Redis 中的加入
func (c *RoomCoordinator) moveRegistry(ctx context.Context, userID uint64, id uint16) error {
	if err := c.registry.SetRoom(userID, id); err != nil {
		return fmt.Errorf("user %d disconnected during room change: %w", userID, err)
	}
	if c.sessions != nil {
		if err := c.sessions.SetRoom(ctx, userID, id); err != nil {
			c.logger.Warn("session room update failed", zap.Uint64("user_id", userID), zap.Error(err))
		}
	}
	return nil
}

// rollbackJoin 撤销已经提交到 Redis 的加入，调用方必须持有房间锁
func (c *RoomCoordinator) rollbackJoin(ctx context.Context, userID uint64, id uint16) {
	status, count, err := c.runLeave(ctx, userID, id)
	if err != nil {
		// 残留的成员在下一次加入/离开或 ReconcilePending 时移除
		c.markPending(id, err)
		return
	}
	if status == 1 && count == 0 {
		if _, err := c.teardownLocked(ctx, id, true); err != nil {
			c.markPending(id, err)
		}
	}
	c.logger.Info("room join rolled back", zap.Uint64("user_id", userID), zap.Uint16("room_id", id))
}

// ==================== 离开房间 ====================

// LeaveRoom 离开当前房间，返回离开的房间和剩余人数
func (c *RoomCoordinator) LeaveRoom(ctx context.Context, userID uint64) (uint16, int64, error) {
	for range 3 {
		id, ok := c.registry.Room(userID)
		if !ok {
			return 0, 0, apperr.ErrNotInRoom
		}

		unlock, err := c.locks.Lock(ctx, id)
		if err != nil {
			return 0, 0, err
		}
		if cur, ok := c.registry.Room(userID); !ok || cur != id {
			unlock()
			continue
		}

		// Redis 提交后才移出注册表，房间关闭的通知不会发给自己
		count, err := c.leave(ctx, userID, id, func() { c.registry.ClearRoomIf(userID, id) })
		if err == nil {
			c.clearSessionRoom(ctx, userID)
		}
		unlock()
		return id, count, err
	}
	return 0, 0, fmt.Errorf("room membership changed concurrently: %w", apperr.ErrBadRequest)
}

// Depart 已经从注册表移除的用户离开房间（断线、超时、关闭）
func (c *RoomCoordinator) Depart(ctx context.Context, userID uint64, id uint16) error {
	unlock, err := c.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	_, err = c.leave(ctx, userID, id, nil)
	return err
}

// leaveLocked 换房间时离开旧房间，失败只记录日志：新房间已经提交
func (c *RoomCoordinator) leaveLocked(ctx context.Context, userID uint64, id uint16) {
	if _, err := c.leave(ctx, userID, id, nil); err != nil {
		c.logger.Warn("leave previous room failed", zap.Uint64("user_id", userID), zap.Uint16("room_id", id), zap.Error(err))
	}
}

// leave 调用方必须持有房间锁
// Redis 提交成功后调用 committed（可以为 nil），最后一个成员离开时删除房间。
// 删除失败时不调用 committed，注册表保持原样。
func (c *RoomCoordinator) leave(ctx context.Context, userID uint64, id uint16, committed func()) (int64, error) {
	c.reconcile(ctx, id)

	status, count, err := c.runLeave(ctx, userID, id)
	if err != nil {
		return 0, err
	}
	if status == -1 {
		// 房间已经不存在（被挤出或过期），只清理残留的成员集合
		if committed != nil {
			committed()
		}
		return 0, nil
	}

	c.logger.Debug("room left", zap.Uint16("room_id", id), zap.Uint64("user_id", userID), zap.Int64("count", count))
	if count > 0 {
		if committed != nil {
			committed()
		}
		c.broadcast(id, RoomEvent{Event: EventLeave, RoomID: id, UserID: userID, Count: count}, userID)
		return count, nil
	}

	n, err := c.runTeardown(ctx, id, true)
	if err != nil {
		c.markPending(id, err)
		return 0, err
	}
	if committed != nil {
		committed()
	}
	if n != -1 {
		c.evictMembers(ctx, id)
	}
	if n == 1 {
		c.logger.Info("room torn down", zap.Uint16("room_id", id))
	}
	return 0, nil
}

// runLeave 返回 {status, count}：status 1 成功，-1 房间不存在
func (c *RoomCoordinator) runLeave(ctx context.Context, userID uint64, id uint16) (int64, int64, error) {
	var res []int64
	err := c.retry.Run(ctx, func(ctx context.Context) error {
		var err error
		res, err = leaveScript.Run(ctx, c.client, []string{infoKey(id), usersKey(id)}, userID, c.ttlSeconds()).Int64Slice()
		return apperr.Redis("room.leave", err)
	})
	if err != nil {
		return 0, 0, err
	}
	if len(res) != 3 {
		return 0, 0, apperr.Redis("room.leave", fmt.Errorf("unexpected reply %v", res))
	}
	return res[0], res[1], nil
}

// ==================== 漂移修正 ====================

// reconcile 移除 room:users 中已经离线的成员，调用方必须持有房间锁
func (c *RoomCoordinator) reconcile(ctx context.Context, id uint16) {
	if err := c.reconcileMembers(ctx, id); err != nil {
		c.logger.Warn("room reconcile failed", zap.Uint16("room_id", id), zap.Error(err))
	}
}

func (c *RoomCoordinator) reconcileMembers(ctx context.Context, id uint16) error {
	members, err := c.Members(ctx, id)
	if err != nil {
		return err
	}
	var stale []any
	for _, uid := range members {
		if !c.present(ctx, uid, id) {
			stale = append(stale, uid)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	var count int64
	err = c.retry.Run(ctx, func(ctx context.Context) error {
		var err error
		count, err = reconcileScript.Run(ctx, c.client, []string{infoKey(id), usersKey(id)}, stale...).Int64()
		return apperr.Redis("room.reconcile", err)
	})
	if err != nil {
		return err
	}
	c.logger.Warn("stale room members removed",
		zap.Uint16("room_id", id),
		zap.Int("removed", len(stale)),
		zap.Int64("count", count),
	)
	return nil
}

// present 成员是否仍在这个房间
// 本节点的连接以注册表为准；不在本节点的用户，会话在其他节点上时保留
func (c *RoomCoordinator) present(ctx context.Context, userID uint64, id uint16) bool {
	if _, ok := c.registry.Get(userID); ok {
		room, in := c.registry.Room(userID)
		return in && room == id
	}
	if c.sessions == nil {
		return false
	}
	sess, err := c.sessions.Get(ctx, userID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return false
	case err != nil:
		// 无法判断时保留
		return true
	}
	return sess.NodeID != c.sessions.nodeID
}

func (c *RoomCoordinator) markPending(id uint16, cause error) {
	c.pendingMu.Lock()
	c.pending[id] = struct{}{}
	c.pendingMu.Unlock()
	c.logger.Warn("room marked for repair", zap.Uint16("room_id", id), zap.Error(cause))
}

// Pending 等待修复的房间
func (c *RoomCoordinator) Pending() []uint16 {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	ids := make([]uint16, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ReconcilePending 重试之前失败的清理：移除离线成员，房间为空时删除
func (c *RoomCoordinator) ReconcilePending(ctx context.Context) {
	for _, id := range c.Pending() {
		if err := c.repair(ctx, id); err != nil {
			c.logger.Warn("room repair failed", zap.Uint16("room_id", id), zap.Error(err))
			continue
		}
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}
}

func (c *RoomCoordinator) repair(ctx context.Context, id uint16) error {
	unlock, err := c.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := c.reconcileMembers(ctx, id); err != nil {
		return err
	}
	// 有成员时脚本返回 -1，房间保留
	_, err = c.teardownLocked(ctx, id, true)
	return err
}

func (c *RoomCoordinator) clearSessionRoom(ctx context.Context, userID uint64) {
	if c.sessions == nil {
		return
	}
	if err := c.sessions.ClearRoom(ctx, userID); err != nil {
		c.logger.Warn("session room clear failed", zap.Uint64("user_id", userID), zap.Error(err))
	}
}

// ==================== 删除房间 ====================

// TeardownRoom 删除房间：room:info、room:users、两个列表中的 ID，并回收 ID
// 仍在房间内的在线用户收到 closed 事件并被移出
func (c *RoomCoordinator) TeardownRoom(ctx context.Context, id uint16) error {
	unlock, err := c.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	existed, err := c.teardownLocked(ctx, id, false)
	if err != nil {
		return err
	}
	if !existed {
		return fmt.Errorf("room %d: %w", id, apperr.ErrRoomNotFound)
	}
	return nil
}

func (c *RoomCoordinator) runTeardown(ctx context.Context, id uint16, requireEmpty bool) (int64, error) {
	flag := "0"
	if requireEmpty {
		flag = "1"
	}
	keys := []string{infoKey(id), usersKey(id), roomListKey(), c.recent.ListKey(), pkgredis.RoomFreeListKey, Leaderboard.MustItemKey(uint64(id))}

	var n int64
	err := c.retry.Run(ctx, func(ctx context.Context) error {
		var err error
		n, err = teardownScript.Run(ctx, c.client, keys, id, flag).Int64()
		return apperr.Redis("room.teardown", err)
	})
	return n, err
}

func (c *RoomCoordinator) teardownLocked(ctx context.Context, id uint16, requireEmpty bool) (bool, error) {
	n, err := c.runTeardown(ctx, id, requireEmpty)
	if err != nil {
		return false, err
	}
	if n == -1 {
		// 有人在此期间加入（跨节点），房间保留
		return false, nil
	}

	c.evictMembers(ctx, id)
	if n == 1 {
		c.logger.Info("room torn down", zap.Uint16("room_id", id))
	}
	return n == 1, nil
}

// evictMembers 把本节点上仍在房间里的用户移出并通知
func (c *RoomCoordinator) evictMembers(ctx context.Context, id uint16) {
	members := c.registry.RoomMembers(id)
	if len(members) == 0 {
		return
	}
	c.broadcast(id, RoomEvent{Event: EventClosed, RoomID: id})
	for _, uid := range members {
		if c.registry.ClearRoomIf(uid, id) {
			c.clearSessionRoom(ctx, uid)
		}
	}
}

// handleEvicted 处理被挤出最近列表的房间
// room:info 和 room:users 已在脚本中删除
func (c *RoomCoordinator) handleEvicted(ctx context.Context, ids []uint16) {
	for _, id := range ids {
		if err := c.evicted(ctx, id); err != nil {
			c.logger.Error("evicted room cleanup failed", zap.Uint16("room_id", id), zap.Error(err))
		}
	}
}

func (c *RoomCoordinator) evicted(ctx context.Context, id uint16) error {
	unlock, err := c.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	err = c.retry.Run(ctx, func(ctx context.Context) error {
		return apperr.Redis("room.evict", c.client.LRem(ctx, roomListKey(), 0, id).Err())
	})
	if err != nil {
		return err
	}
	c.evictMembers(ctx, id)

	c.logger.Info("room evicted from recent index", zap.Uint16("room_id", id))
	return c.alloc.Release(ctx, id)
}

// ==================== 查询 ====================

// GetRoom 读取房间信息，不存在时返回 ErrRoomNotFound
func (c *RoomCoordinator) GetRoom(ctx context.Context, id uint16) (*RoomRecord, error) {
	fields, err := pkgredis.NewHashHelper(c.client, infoKey(id), pkgredis.WithRetry(c.retry)).GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("room %d: %w", id, apperr.ErrRoomNotFound)
	}
	return parseRecord(id, fields)
}

// RecentRooms 最近活动的 n 个房间（最新在前），已经不存在的房间被跳过
func (c *RoomCoordinator) RecentRooms(ctx context.Context, n int64) ([]*RoomRecord, error) {
	ids, err := c.recent.Recent(ctx, n)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	err = c.retry.Run(ctx, func(ctx context.Context) error {
		return pkgredis.Pipeline(ctx, c.client, func(pipe redis.Pipeliner) error {
			for i, id := range ids {
				cmds[i] = pipe.HGetAll(ctx, infoKey(uint16(id)))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	rooms := make([]*RoomRecord, 0, len(ids))
	for i, id := range ids {
		fields, err := cmds[i].Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		rec, err := parseRecord(uint16(id), fields)
		if err != nil {
			c.logger.Warn("skipping unreadable room", zap.Uint32("room_id", id), zap.Error(err))
			continue
		}
		rooms = append(rooms, rec)
	}
	return rooms, nil
}

// Members 房间成员（Redis）
func (c *RoomCoordinator) Members(ctx context.Context, id uint16) ([]uint64, error) {
	return pkgredis.NewSetHelper(c.client, usersKey(id), pkgredis.WithRetry(c.retry)).Members(ctx)
}

func parseRecord(id uint16, fields map[string]string) (*RoomRecord, error) {
	rec := &RoomRecord{ID: id, Name: fields["name"]}

	var errs []error
	parse := func(field string, bits int) uint64 {
		v, err := strconv.ParseUint(fields[field], 10, bits)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
		return v
	}
	rec.MaxCapacity = uint16(parse("max_capacity", 16))
	rec.CurrentCount = uint16(parse("current_count", 16))
	if v, ok := fields["owner"]; ok && v != "" {
		rec.Owner = parse("owner", 64)
	}
	if v, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		rec.CreatedAt = time.Unix(v, 0)
	}

	if len(errs) > 0 {
		return nil, apperr.Serialization("room.parse", errors.Join(errs...))
	}
	return rec, nil
}

// ==================== 广播 ====================

func (c *RoomCoordinator) broadcast(id uint16, ev RoomEvent, except ...uint64) {
	payload, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("encode room event", zap.Error(err))
		return
	}
	res, err := c.registry.BroadcastRoom(id, &protocol.RoomStateUpdate{RoomID: id, Payload: payload}, except...)
	if err != nil {
		c.logger.Error("room broadcast failed", zap.Uint16("room_id", id), zap.Error(err))
		return
	}
	if res.Dropped > 0 {
		c.logger.Debug("room broadcast dropped",
			zap.Uint16("room_id", id),
			zap.Int("sent", res.Sent),
			zap.Int("dropped", res.Dropped),
		)
	}
}

// ==================== 注册表回调 ====================

// HandleEviction 注册表驱逐连接后清理房间（超时、持续 Backpressure、关闭）
func (c *RoomCoordinator) HandleEviction(ctx context.Context, e *server.Entry) {
	id, ok := e.Room()
	if !ok {
		return
	}
	if err := c.Depart(ctx, e.UserID, id); err != nil {
		c.logger.Warn("depart after eviction failed",
			zap.Uint64("user_id", e.UserID),
			zap.Uint16("room_id", id),
			zap.Error(err),
		)
	}
}
