package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"go-realtime/pkg/apperr"
	"go-realtime/protocol"
	"go-realtime/server"
)

/*
Handlers 业务消息处理

	Heartbeat        → 续期会话，回复 HeartbeatResponse
	RoomCreate       → RoomCoordinator.CreateRoom，回复 RoomStateUpdate(created)
	RoomJoin         → RoomCoordinator.JoinRoom，回复 RoomStateUpdate(join)
	RoomLeave        → RoomCoordinator.LeaveRoom，回复 RoomStateUpdate(leave)
	Chat             → 广播给当前房间（包括自己）
	RoomStateUpdate  → 转发给当前房间的其他成员
	RoomListRequest  → 最近活动的房间
	Custom           → world.chat 全服广播，其余交给 Social

连接建立时写入会话；连接结束（或被注册表驱逐）时离开房间并删除会话。
*/
type Handlers struct {
	registry *server.Registry
	rooms    *RoomCoordinator
	sessions *SessionStore
	relay    *Relay
	social   *Social
	logger   *zap.Logger

	// 驱逐回调可能在持有房间锁时触发（广播中的 Backpressure 驱逐），
	// 清理在独立的 goroutine 中进行
	wg sync.WaitGroup

	cleanupTimeout time.Duration
	now            func() time.Time
}

const (
	// CustomWorldChat 全服聊天，Payload 为 UTF-8 文本
	CustomWorldChat = "world.chat"

	maxChatLen        = 512
	defaultRoomList   = 20
	evictCleanupLimit = 5 * time.Second
)

// NewHandlers 创建业务处理器
// relay 和 social 可以为 nil（world.chat 只在本节点广播，Social 消息返回 400）
func NewHandlers(
	registry *server.Registry,
	rooms *RoomCoordinator,
	sessions *SessionStore,
	relay *Relay,
	social *Social,
	logger *zap.Logger,
) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		registry:       registry,
		rooms:          rooms,
		sessions:       sessions,
		relay:          relay,
		social:         social,
		logger:         logger.Named("handlers"),
		cleanupTimeout: evictCleanupLimit,
		now:            time.Now,
	}
}

// Install 把处理函数注册到分发器，并挂上注册表的驱逐回调
func (h *Handlers) Install(d *Dispatcher) {
	d.Register(protocol.TagHeartbeat, h.heartbeat)
	d.Register(protocol.TagRoomCreate, h.roomCreate)
	d.Register(protocol.TagRoomJoin, h.roomJoin)
	d.Register(protocol.TagRoomLeave, h.roomLeave)
	d.Register(protocol.TagChat, h.chat)
	d.Register(protocol.TagRoomStateUpdate, h.stateRelay)
	d.Register(protocol.TagRoomListRequest, h.roomList)
	d.Register(protocol.TagCustom, h.custom)

	d.OnConnected(h.connected)
	d.OnDisconnected(h.disconnected)
	h.registry.OnEvict(h.evicted)
}

// Wait 等待进行中的驱逐清理结束
func (h *Handlers) Wait() { h.wg.Wait() }

// ==================== 心跳 ====================

func (h *Handlers) heartbeat(ctx context.Context, c *server.Client, _ protocol.Message) error {
	if h.sessions != nil {
		if err := h.sessions.Refresh(ctx, c.UserID); err != nil {
			h.logger.Warn("session refresh failed", zap.Uint64("user_id", c.UserID), zap.Error(err))
		}
	}
	return c.Send(&protocol.HeartbeatResponse{Timestamp: h.now().UnixMilli()})
}

// ==================== 房间 ====================

func (h *Handlers) roomCreate(ctx context.Context, c *server.Client, msg protocol.Message) error {
	m := msg.(*protocol.RoomCreate)
	id, err := h.rooms.CreateRoom(ctx, c.UserID, m.Name, m.MaxCapacity)
	if err != nil {
		return err
	}
	return h.reply(c, RoomEvent{Event: EventCreated, RoomID: id, UserID: c.UserID, Count: 1})
}

func (h *Handlers) roomJoin(ctx context.Context, c *server.Client, msg protocol.Message) error {
	m := msg.(*protocol.RoomJoin)
	rec, err := h.rooms.JoinRoom(ctx, c.UserID, m.RoomID)
	if err != nil {
		return err
	}
	return h.reply(c, RoomEvent{Event: EventJoin, RoomID: rec.ID, UserID: c.UserID, Count: int64(rec.CurrentCount)})
}

func (h *Handlers) roomLeave(ctx context.Context, c *server.Client, _ protocol.Message) error {
	id, count, err := h.rooms.LeaveRoom(ctx, c.UserID)
	if err != nil {
		return err
	}
	return h.reply(c, RoomEvent{Event: EventLeave, RoomID: id, UserID: c.UserID, Count: count})
}

func (h *Handlers) reply(c *server.Client, ev RoomEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return apperr.Serialization("room.event", err)
	}
	return c.Send(&protocol.RoomStateUpdate{RoomID: ev.RoomID, Payload: payload})
}

func (h *Handlers) roomList(ctx context.Context, c *server.Client, msg protocol.Message) error {
	m := msg.(*protocol.RoomListRequest)
	n := int64(m.Limit)
	if n == 0 {
		n = defaultRoomList
	}
	if limit := h.rooms.cfg.RecentSize; limit > 0 {
		n = min(n, limit)
	}

	recs, err := h.rooms.RecentRooms(ctx, n)
	if err != nil {
		return err
	}
	list := &protocol.RoomList{}
	for _, r := range recs {
		list.Rooms = append(list.Rooms, protocol.RoomSummary{
			RoomID:       r.ID,
			Name:         r.Name,
			MaxCapacity:  r.MaxCapacity,
			CurrentCount: r.CurrentCount,
		})
	}
	return c.Send(list)
}

// ==================== 聊天 / 状态转发 ====================

func validateText(text string) error {
	if text == "" {
		return fmt.Errorf("empty text: %w", apperr.ErrBadRequest)
	}
	if !utf8.ValidString(text) || utf8.RuneCountInString(text) > maxChatLen {
		return fmt.Errorf("text must be valid UTF-8 up to %d characters: %w", maxChatLen, apperr.ErrBadRequest)
	}
	return nil
}

func (h *Handlers) chat(_ context.Context, c *server.Client, msg protocol.Message) error {
	m := msg.(*protocol.Chat)
	if err := validateText(m.Text); err != nil {
		return err
	}
	room, ok := h.registry.Room(c.UserID)
	if !ok {
		return apperr.ErrNotInRoom
	}

	// 发送者由服务端填写
	res, err := h.registry.BroadcastRoom(room, &protocol.Chat{UserID: c.UserID, Text: m.Text})
	if err != nil {
		return err
	}
	h.logger.Debug("chat",
		zap.Uint64("user_id", c.UserID),
		zap.Uint16("room_id", room),
		zap.Int("sent", res.Sent),
		zap.Int("dropped", res.Dropped),
	)
	return nil
}

func (h *Handlers) stateRelay(_ context.Context, c *server.Client, msg protocol.Message) error {
	m := msg.(*protocol.RoomStateUpdate)
	room, ok := h.registry.Room(c.UserID)
	if !ok {
		return apperr.ErrNotInRoom
	}
	// 房间号以服务端记录为准
	_, err := h.registry.BroadcastRoom(room, &protocol.RoomStateUpdate{RoomID: room, Payload: m.Payload}, c.UserID)
	return err
}

// ==================== Custom ====================

func (h *Handlers) custom(ctx context.Context, c *server.Client, msg protocol.Message) error {
	m := msg.(*protocol.Custom)
	if m.Name == CustomWorldChat {
		return h.worldChat(ctx, c, string(m.Payload))
	}
	if h.social == nil || !h.social.Handles(m.Name) {
		return fmt.Errorf("custom %q: %w", m.Name, apperr.ErrBadRequest)
	}

	reply, err := h.social.Handle(ctx, c, m)
	if err != nil {
		return err
	}
	return c.Send(reply)
}

func (h *Handlers) worldChat(ctx context.Context, c *server.Client, text string) error {
	if err := validateText(text); err != nil {
		return err
	}
	msg := &protocol.Chat{UserID: c.UserID, Text: text}
	if h.relay == nil {
		_, err := h.registry.BroadcastAll(msg)
		return err
	}

	res, err := h.relay.BroadcastAll(ctx, msg)
	if err != nil {
		// 本节点已经投递，跨节点失败只记录
		h.logger.Warn("world chat relay failed", zap.Uint64("user_id", c.UserID), zap.Int("sent", res.Sent), zap.Error(err))
	}
	return nil
}

// ==================== 连接生命周期 ====================

func (h *Handlers) connected(ctx context.Context, c *server.Client) {
	if h.sessions == nil {
		return
	}
	sess := &UserSession{
		UserID:    c.UserID,
		Nickname:  c.Nickname,
		TokenHash: HashToken(c.Token),
		Endpoint:  c.Peer,
		Transport: c.Transport,
		ConnID:    c.ConnID,
	}
	// 顶替旧连接时继承了房间
	if room, ok := c.Entry().Room(); ok {
		sess.RoomID, sess.InRoom = room, true
	}
	if err := h.sessions.Login(ctx, sess); err != nil {
		h.logger.Warn("session login failed", zap.Uint64("user_id", c.UserID), zap.Error(err))
	}
}

func (h *Handlers) disconnected(ctx context.Context, c *server.Client, owned bool) {
	if !owned {
		// 被顶替：房间和会话已经属于新连接；被驱逐：由 evicted 清理
		return
	}
	h.cleanup(ctx, c.Entry())
}

// evicted 注册表驱逐回调
func (h *Handlers) evicted(e *server.Entry, reason server.EvictReason) {
	h.logger.Debug("connection evicted",
		zap.Uint64("user_id", e.UserID),
		zap.String("conn_id", e.ConnID),
		zap.Stringer("reason", reason),
	)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.cleanupTimeout)
		defer cancel()
		h.cleanup(ctx, e)
	}()
}

func (h *Handlers) cleanup(ctx context.Context, e *server.Entry) {
	h.rooms.HandleEviction(ctx, e)
	if h.social != nil {
		h.social.Forget(ctx, e.UserID)
	}
	if h.sessions != nil {
		if _, err := h.sessions.Logout(ctx, e.UserID, e.ConnID); err != nil {
			h.logger.Warn("session logout failed", zap.Uint64("user_id", e.UserID), zap.Error(err))
		}
	}
}
