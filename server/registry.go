/*
Package server - 连接注册表、心跳检测与连接生命周期

=== 注册表结构 ===

	            userID % N
	┌────────┬────────┬────────┬─────┬────────┐
	│ shard0 │ shard1 │ shard2 │ ... │ shardN │   用户分片：userID → *Entry
	└────────┴────────┴────────┴─────┴────────┘
	            roomID % N
	┌────────┬────────┬────────┬─────┬────────┐
	│ shard0 │ shard1 │ shard2 │ ... │ shardN │   房间分片：roomID → {userID}
	└────────┴────────┴────────┴─────┴────────┘

每个分片一把读写锁，不同用户、不同房间的操作互不阻塞。
加锁顺序固定为 用户分片 → 房间分片，不会死锁。

=== 同一用户只允许一个连接 ===

	用户 9 第二次登录
	      │
	      ▼
	Register(9, new) ──▶ 旧连接：发送 Kick，关闭 Outbox（之后的 Send 返回 ErrClosed）
	                 └─▶ 新连接：继承旧连接所在的房间

旧连接的读循环随后退出，它用 UnregisterIf(9, 旧connID) 清理，
发现注册表里已经是新连接，就不会误删。
*/
package server

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"go-realtime/pkg/apperr"
	"go-realtime/protocol"
)

const (
	// DefaultMaxConnections 注册表默认容量
	DefaultMaxConnections = 10000

	// DefaultMaxConsecutiveDrops 连续多少次 Backpressure 后驱逐连接
	DefaultMaxConsecutiveDrops = 64

	shardCount = 32

	noRoom = -1
)

// EvictReason 连接被注册表移除的原因
type EvictReason uint8

const (
	EvictIdle EvictReason = iota + 1
	EvictBackpressure
	EvictShutdown
)

func (r EvictReason) String() string {
	switch r {
	case EvictIdle:
		return "idle"
	case EvictBackpressure:
		return "backpressure"
	case EvictShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ==================== 连接条目 ====================

// Entry 注册表中的一个连接
type Entry struct {
	UserID    uint64
	ConnID    string
	Peer      string
	CreatedAt time.Time
	Outbox    *Outbox

	lastActivity atomic.Int64
	room         atomic.Int32
}

// NewEntry 创建条目，最后活跃时间为 now
func NewEntry(userID uint64, connID, peer string, outbox *Outbox, now time.Time) *Entry {
	e := &Entry{
		UserID:    userID,
		ConnID:    connID,
		Peer:      peer,
		CreatedAt: now,
		Outbox:    outbox,
	}
	e.lastActivity.Store(now.UnixNano())
	e.room.Store(noRoom)
	return e
}

// LastActivity 最后活跃时间
func (e *Entry) LastActivity() time.Time {
	return time.Unix(0, e.lastActivity.Load())
}

// SetLastActivity 设置最后活跃时间
func (e *Entry) SetLastActivity(t time.Time) {
	e.lastActivity.Store(t.UnixNano())
}

// Room 当前所在房间
func (e *Entry) Room() (uint16, bool) {
	r := e.room.Load()
	if r < 0 {
		return 0, false
	}
	return uint16(r), true
}

// ==================== 分片 ====================

type userShard struct {
	mu      sync.RWMutex
	entries map[uint64]*Entry
}

type roomShard struct {
	mu      sync.RWMutex
	members map[uint16]map[uint64]struct{}
}

// BroadcastResult 广播结果
type BroadcastResult struct {
	Sent    int
	Dropped int
}

// RegistryConfig 注册表参数
type RegistryConfig struct {
	MaxConnections      int
	MaxConsecutiveDrops int
}

// ==================== 注册表 ====================

// Registry 用户 ID → 连接
type Registry struct {
	users [shardCount]userShard
	rooms [shardCount]roomShard

	size     atomic.Int64
	drops    atomic.Uint64
	maxConns int64
	maxDrops int64

	codec  *protocol.Codec
	logger *zap.Logger

	hookMu  sync.RWMutex
	onEvict []func(*Entry, EvictReason)
}

// NewRegistry 创建注册表
func NewRegistry(cfg RegistryConfig, codec *protocol.Codec, logger *zap.Logger) *Registry {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.MaxConsecutiveDrops <= 0 {
		cfg.MaxConsecutiveDrops = DefaultMaxConsecutiveDrops
	}
	if codec == nil {
		codec = protocol.NewCodec(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{
		maxConns: int64(cfg.MaxConnections),
		maxDrops: int64(cfg.MaxConsecutiveDrops),
		codec:    codec,
		logger:   logger.Named("registry"),
	}
	for i := range r.users {
		r.users[i].entries = make(map[uint64]*Entry)
	}
	for i := range r.rooms {
		r.rooms[i].members = make(map[uint16]map[uint64]struct{})
	}
	return r
}

func (r *Registry) userShard(userID uint64) *userShard {
	return &r.users[userID%shardCount]
}

func (r *Registry) roomShard(roomID uint16) *roomShard {
	return &r.rooms[uint64(roomID)%shardCount]
}

// Codec 注册表使用的编解码器
func (r *Registry) Codec() *protocol.Codec { return r.codec }

// OnEvict 注册驱逐回调（超时、持续 Backpressure、关闭）
// 回调在锁外执行，条目已经从注册表中移除
func (r *Registry) OnEvict(fn func(*Entry, EvictReason)) {
	r.hookMu.Lock()
	r.onEvict = append(r.onEvict, fn)
	r.hookMu.Unlock()
}

func (r *Registry) fireEvict(e *Entry, reason EvictReason) {
	r.hookMu.RLock()
	hooks := r.onEvict
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(e, reason)
	}
}

// ==================== 注册 / 注销 ====================

// Register 注册连接
//
// 用户已有连接时，旧连接收到 Kick 后被关闭，新连接继承旧连接的房间，
// 返回值 prior 为被顶替的旧条目。注册表已满时返回 ErrCapacityExceeded。
func (r *Registry) Register(userID uint64, e *Entry) (prior *Entry, err error) {
	s := r.userShard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	prior = s.entries[userID]
	if prior == nil {
		if r.size.Load() >= r.maxConns {
			return nil, apperr.ErrCapacityExceeded
		}
		r.size.Add(1)
	}

	e.UserID = userID
	if prior != nil {
		// 房间索引以 userID 为键，不需要改动
		e.room.Store(prior.room.Load())
		r.kick(prior, "duplicate_login", false)
		r.logger.Info("connection displaced",
			zap.Uint64("user_id", userID),
			zap.String("old_conn", prior.ConnID),
			zap.String("new_conn", e.ConnID),
		)
	}
	s.entries[userID] = e
	return prior, nil
}

func (r *Registry) kick(e *Entry, reason string, reconnect bool) {
	if frame, err := r.codec.Pack(&protocol.Kick{Reason: reason, Reconnect: reconnect}); err == nil {
		_ = e.Outbox.Push(frame)
	}
	e.Outbox.Close()
}

// Unregister 移除用户的连接，并从房间索引中移除
func (r *Registry) Unregister(userID uint64) (*Entry, bool) {
	return r.remove(userID, func(*Entry) bool { return true })
}

// UnregisterIf 只有当前连接仍是 connID 时才移除
// 被顶替的旧连接清理时使用
func (r *Registry) UnregisterIf(userID uint64, connID string) (*Entry, bool) {
	return r.remove(userID, func(e *Entry) bool { return e.ConnID == connID })
}

func (r *Registry) remove(userID uint64, match func(*Entry) bool) (*Entry, bool) {
	s := r.userShard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[userID]
	if !ok || !match(e) {
		return nil, false
	}
	delete(s.entries, userID)
	r.size.Add(-1)

	if room, ok := e.Room(); ok {
		r.leaveIndex(room, userID)
	}
	e.Outbox.Close()
	return e, true
}

// Get 查找用户的连接
func (r *Registry) Get(userID uint64) (*Entry, bool) {
	s := r.userShard(userID)
	s.mu.RLock()
	e, ok := s.entries[userID]
	s.mu.RUnlock()
	return e, ok
}

// Len 当前连接数
func (r *Registry) Len() int { return int(r.size.Load()) }

// Touch 刷新最后活跃时间
func (r *Registry) Touch(userID uint64) bool {
	return r.TouchAt(userID, time.Now())
}

// TouchAt 指定时间的 Touch（测试用）
func (r *Registry) TouchAt(userID uint64, now time.Time) bool {
	e, ok := r.Get(userID)
	if !ok {
		return false
	}
	e.SetLastActivity(now)
	return true
}

// ==================== 房间索引 ====================

// SetRoom 把用户移动到房间 roomID（从旧房间移除）
func (r *Registry) SetRoom(userID uint64, roomID uint16) error {
	s := r.userShard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[userID]
	if !ok {
		return apperr.ErrNotFound
	}
	if old, ok := e.Room(); ok {
		if old == roomID {
			return nil
		}
		r.leaveIndex(old, userID)
	}
	r.joinIndex(roomID, userID)
	e.room.Store(int32(roomID))
	return nil
}

// ClearRoom 把用户移出当前房间，返回原房间
func (r *Registry) ClearRoom(userID uint64) (uint16, bool) {
	s := r.userShard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[userID]
	if !ok {
		return 0, false
	}
	old, ok := e.Room()
	if !ok {
		return 0, false
	}
	r.leaveIndex(old, userID)
	e.room.Store(noRoom)
	return old, true
}

// ClearRoomIf 只有用户仍在 roomID 时才移出
func (r *Registry) ClearRoomIf(userID uint64, roomID uint16) bool {
	s := r.userShard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[userID]
	if !ok {
		return false
	}
	if cur, ok := e.Room(); !ok || cur != roomID {
		return false
	}
	r.leaveIndex(roomID, userID)
	e.room.Store(noRoom)
	return true
}

// Room 用户当前所在房间
func (r *Registry) Room(userID uint64) (uint16, bool) {
	e, ok := r.Get(userID)
	if !ok {
		return 0, false
	}
	return e.Room()
}

// RoomMembers 房间内的用户（快照）
func (r *Registry) RoomMembers(roomID uint16) []uint64 {
	rs := r.roomShard(roomID)
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	set := rs.members[roomID]
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *Registry) joinIndex(roomID uint16, userID uint64) {
	rs := r.roomShard(roomID)
	rs.mu.Lock()
	set, ok := rs.members[roomID]
	if !ok {
		set = make(map[uint64]struct{})
		rs.members[roomID] = set
	}
	set[userID] = struct{}{}
	rs.mu.Unlock()
}

func (r *Registry) leaveIndex(roomID uint16, userID uint64) {
	rs := r.roomShard(roomID)
	rs.mu.Lock()
	if set, ok := rs.members[roomID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(rs.members, roomID)
		}
	}
	rs.mu.Unlock()
}

// ==================== 发送 ====================

// Send 点对点发送
// 用户不存在返回 ErrNotFound，队列已满返回 ErrBackpressure
func (r *Registry) Send(userID uint64, msg protocol.Message) error {
	frame, err := r.codec.Pack(msg)
	if err != nil {
		return err
	}
	return r.SendFrame(userID, frame)
}

// SendFrame 发送已编码的帧
func (r *Registry) SendFrame(userID uint64, frame []byte) error {
	e, ok := r.Get(userID)
	if !ok {
		return apperr.ErrNotFound
	}
	err := e.Outbox.Push(frame)
	if apperr.Is(err, apperr.KindBackpressure) {
		r.drops.Add(1)
		r.evictIfSaturated(e)
	}
	return err
}

// BroadcastRoom 发送给房间内所有用户（except 除外）
// 单个接收者的 Backpressure 只计数，不中断广播
func (r *Registry) BroadcastRoom(roomID uint16, msg protocol.Message, except ...uint64) (BroadcastResult, error) {
	frame, err := r.codec.Pack(msg)
	if err != nil {
		return BroadcastResult{}, err
	}
	return r.BroadcastRoomFrame(roomID, frame, except...), nil
}

// BroadcastRoomFrame 广播已编码的帧
func (r *Registry) BroadcastRoomFrame(roomID uint16, frame []byte, except ...uint64) BroadcastResult {
	var targets []*Entry
	for _, id := range r.RoomMembers(roomID) {
		if slices.Contains(except, id) {
			continue
		}
		if e, ok := r.Get(id); ok {
			targets = append(targets, e)
		}
	}
	return r.fanOut(targets, frame)
}

// BroadcastAll 发送给本节点所有连接
func (r *Registry) BroadcastAll(msg protocol.Message) (BroadcastResult, error) {
	frame, err := r.codec.Pack(msg)
	if err != nil {
		return BroadcastResult{}, err
	}
	return r.BroadcastAllFrame(frame), nil
}

// BroadcastAllFrame 广播已编码的帧给所有连接
func (r *Registry) BroadcastAllFrame(frame []byte) BroadcastResult {
	return r.fanOut(r.snapshot(), frame)
}

func (r *Registry) snapshot() []*Entry {
	var all []*Entry
	for i := range r.users {
		s := &r.users[i]
		s.mu.RLock()
		for _, e := range s.entries {
			all = append(all, e)
		}
		s.mu.RUnlock()
	}
	return all
}

func (r *Registry) fanOut(targets []*Entry, frame []byte) BroadcastResult {
	var (
		res       BroadcastResult
		saturated []*Entry
	)
	for _, e := range targets {
		err := e.Outbox.Push(frame)
		switch {
		case err == nil:
			res.Sent++
		case apperr.Is(err, apperr.KindBackpressure):
			res.Dropped++
			if e.Outbox.ConsecutiveDrops() >= r.maxDrops {
				saturated = append(saturated, e)
			}
		}
	}
	if res.Dropped > 0 {
		r.drops.Add(uint64(res.Dropped))
	}
	for _, e := range saturated {
		r.evictIfSaturated(e)
	}
	return res
}

// Drops 累计的 Backpressure 丢弃次数
func (r *Registry) Drops() uint64 { return r.drops.Load() }

func (r *Registry) evictIfSaturated(e *Entry) {
	if e.Outbox.ConsecutiveDrops() < r.maxDrops {
		return
	}
	if removed, ok := r.UnregisterIf(e.UserID, e.ConnID); ok {
		r.logger.Warn("evicting saturated connection",
			zap.Uint64("user_id", e.UserID),
			zap.String("conn_id", e.ConnID),
			zap.Int64("consecutive_drops", e.Outbox.ConsecutiveDrops()),
		)
		r.fireEvict(removed, EvictBackpressure)
	}
}

// ==================== 超时清理 ====================

// Reap 移除 now - lastActivity > idle 的连接，返回数量
func (r *Registry) Reap(now time.Time, idle time.Duration) int {
	var stale []*Entry
	for _, e := range r.snapshot() {
		if now.Sub(e.LastActivity()) > idle {
			stale = append(stale, e)
		}
	}

	n := 0
	for _, e := range stale {
		// 期间可能被 Touch 或被顶替，重新检查
		removed, ok := r.remove(e.UserID, func(cur *Entry) bool {
			return cur.ConnID == e.ConnID && now.Sub(cur.LastActivity()) > idle
		})
		if !ok {
			continue
		}
		n++
		r.logger.Info("reaped idle connection",
			zap.Uint64("user_id", removed.UserID),
			zap.String("conn_id", removed.ConnID),
			zap.Duration("idle", now.Sub(removed.LastActivity())),
		)
		r.fireEvict(removed, EvictIdle)
	}
	return n
}

// ==================== 关闭 ====================

// CloseAll 通知所有连接重连，然后清空注册表
// 每个被移除的条目都会触发 EvictShutdown 回调
func (r *Registry) CloseAll() int {
	var closed []*Entry
	for i := range r.users {
		s := &r.users[i]
		s.mu.Lock()
		for _, e := range s.entries {
			closed = append(closed, e)
		}
		s.entries = make(map[uint64]*Entry)
		s.mu.Unlock()
	}
	for i := range r.rooms {
		rs := &r.rooms[i]
		rs.mu.Lock()
		rs.members = make(map[uint16]map[uint64]struct{})
		rs.mu.Unlock()
	}

	for _, e := range closed {
		r.kick(e, "server_restart", true)
		r.size.Add(-1)
		r.fireEvict(e, EvictShutdown)
	}
	r.logger.Info("closed all connections", zap.Int("count", len(closed)))
	return len(closed)
}
