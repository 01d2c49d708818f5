/*
Package service - 会话管理服务

=== 会话 (Session) 的作用 ===

 1. 用户在线状态：user:{id} 存在即在线
 2. 用户位置路由：记录连接所在的节点和连接 ID
 3. 当前房间：room_id 字段随加入/离开房间更新

=== Redis 数据结构 ===

	Key: user:7   (Hash)
	Fields:
	- nickname:   "alice"
	- token_hash: sha256(token)
	- endpoint:   "10.0.0.3:51234"
	- transport:  "tcp"
	- node_id:    "node_1"
	- conn_id:    "1b4e28ba-..."
	- login_time: 1699999999
	- room_id:    3（不在房间时没有这个字段）
	TTL: 1 小时（心跳续期）

=== 心跳续期机制 ===

	时间轴
	────┬──────┬──────┬──────┬──────┬────▶
	    │      │      │      │      │
	   登录   心跳1  心跳2  心跳3   ...
	    │      │      │      │
	    ▼      ▼      ▼      ▼
	   创建   续期   续期   续期

如果客户端停止发送心跳，Key 自动过期，用户变为离线状态。
*/
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"go-realtime/pkg/apperr"
	pkgredis "go-realtime/pkg/redis"
	"go-realtime/pkg/retry"
)

// DefaultSessionTTL 会话过期时间
const DefaultSessionTTL = time.Hour

// UserSession 用户会话
type UserSession struct {
	UserID    uint64
	Nickname  string
	TokenHash string
	Endpoint  string
	Transport string
	NodeID    string
	ConnID    string
	LoginTime time.Time

	RoomID uint16
	InRoom bool
}

// logoutScript 只有 conn_id 匹配时才删除，被顶替的旧连接不会删掉新会话
var logoutScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'conn_id') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// setRoomScript 只更新已存在的会话
var setRoomScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.call('HSET', KEYS[1], 'room_id', ARGV[1])
end
return 0
`)

// SessionStore 会话存储
type SessionStore struct {
	client redis.UniversalClient
	nodeID string
	ttl    time.Duration
	retry  retry.Policy
	logger *zap.Logger
}

// NewSessionStore 创建会话存储
func NewSessionStore(client redis.UniversalClient, nodeID string, ttl time.Duration, policy retry.Policy, logger *zap.Logger) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionStore{
		client: client,
		nodeID: nodeID,
		ttl:    ttl,
		retry:  policy,
		logger: logger.Named("session"),
	}
}

func (s *SessionStore) hash(userID uint64) *pkgredis.HashHelper {
	return pkgredis.NewHashHelper(s.client, pkgredis.User.MustItemKey(userID),
		pkgredis.WithTTL(s.ttl), pkgredis.WithRetry(s.retry))
}

// HashToken Token 摘要，会话中不保存原始 Token
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ==================== 登录/登出 ====================

// Login 创建会话，覆盖同一用户之前的会话
//
// MULTI/EXEC 中执行：
//
//	DEL user:{id}
//	HSET user:{id} ...
//	EXPIRE user:{id} ttl
func (s *SessionStore) Login(ctx context.Context, sess *UserSession) error {
	if sess.NodeID == "" {
		sess.NodeID = s.nodeID
	}
	if sess.LoginTime.IsZero() {
		sess.LoginTime = time.Now()
	}
	key := pkgredis.User.MustItemKey(sess.UserID)

	fields := map[string]any{
		"nickname":   sess.Nickname,
		"token_hash": sess.TokenHash,
		"endpoint":   sess.Endpoint,
		"transport":  sess.Transport,
		"node_id":    sess.NodeID,
		"conn_id":    sess.ConnID,
		"login_time": sess.LoginTime.Unix(),
	}
	if sess.InRoom {
		fields["room_id"] = sess.RoomID
	}

	err := s.retry.Run(ctx, func(ctx context.Context) error {
		return pkgredis.TxPipeline(ctx, s.client, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, fields)
			pipe.Expire(ctx, key, s.ttl)
			return nil
		})
	})
	if err != nil {
		return err
	}

	s.logger.Debug("session created", zap.Uint64("user_id", sess.UserID), zap.String("conn_id", sess.ConnID))
	return nil
}

// Logout 删除会话（conn_id 必须匹配）
func (s *SessionStore) Logout(ctx context.Context, userID uint64, connID string) (bool, error) {
	var n int64
	err := s.retry.Run(ctx, func(ctx context.Context) error {
		var err error
		n, err = logoutScript.Run(ctx, s.client, []string{pkgredis.User.MustItemKey(userID)}, connID).Int64()
		return apperr.Redis("session.logout", err)
	})
	return n > 0, err
}

// ==================== 心跳 / 房间 ====================

// Refresh 心跳续期
func (s *SessionStore) Refresh(ctx context.Context, userID uint64) error {
	return s.hash(userID).Touch(ctx)
}

// SetRoom 记录当前房间
// 会话不存在（已登出或过期）时什么都不做，不会留下只有 room_id 的残缺会话
func (s *SessionStore) SetRoom(ctx context.Context, userID uint64, roomID uint16) error {
	return s.retry.Run(ctx, func(ctx context.Context) error {
		return apperr.Redis("session.set_room",
			setRoomScript.Run(ctx, s.client, []string{pkgredis.User.MustItemKey(userID)}, roomID).Err())
	})
}

// ClearRoom 清除当前房间
func (s *SessionStore) ClearRoom(ctx context.Context, userID uint64) error {
	_, err := s.hash(userID).DeleteField(ctx, "room_id")
	return err
}

// ==================== 查询 ====================

// Get 读取会话，不存在时返回 ErrNotFound
func (s *SessionStore) Get(ctx context.Context, userID uint64) (*UserSession, error) {
	fields, err := s.hash(userID).GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, apperr.ErrNotFound
	}

	sess := &UserSession{
		UserID:    userID,
		Nickname:  fields["nickname"],
		TokenHash: fields["token_hash"],
		Endpoint:  fields["endpoint"],
		Transport: fields["transport"],
		NodeID:    fields["node_id"],
		ConnID:    fields["conn_id"],
	}
	if v, err := strconv.ParseInt(fields["login_time"], 10, 64); err == nil {
		sess.LoginTime = time.Unix(v, 0)
	}
	if v, ok := fields["room_id"]; ok {
		id, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return nil, apperr.Serialization("session.room_id", err)
		}
		sess.RoomID, sess.InRoom = uint16(id), true
	}
	return sess, nil
}

// IsOnline 用户是否在线
func (s *SessionStore) IsOnline(ctx context.Context, userID uint64) (bool, error) {
	_, err := s.Get(ctx, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, apperr.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}
