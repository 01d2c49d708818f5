package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-realtime/pkg/apperr"
	"go-realtime/pkg/retry"
	"go-realtime/testutils"
)

func newTestSessions(t *testing.T) (*SessionStore, context.Context) {
	t.Helper()
	client := testutils.NewRedis(t)
	return NewSessionStore(client, "node_1", time.Minute, retry.None(), nil), context.Background()
}

func TestSessionLoginAndGet(t *testing.T) {
	s, ctx := newTestSessions(t)

	login := time.Unix(1_700_000_000, 0)
	require.NoError(t, s.Login(ctx, &UserSession{
		UserID:    7,
		Nickname:  "alice",
		TokenHash: HashToken("secret"),
		Endpoint:  "10.0.0.3:51234",
		Transport: "tcp",
		ConnID:    "conn-a",
		LoginTime: login,
	}))

	sess, err := s.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.Nickname)
	assert.Equal(t, "node_1", sess.NodeID)
	assert.Equal(t, "conn-a", sess.ConnID)
	assert.Equal(t, "tcp", sess.Transport)
	assert.True(t, sess.LoginTime.Equal(login))
	assert.False(t, sess.InRoom)

	ttl := s.client.TTL(ctx, "user:7").Val()
	assert.Greater(t, ttl, 50*time.Second)
	assert.LessOrEqual(t, ttl, time.Minute)

	// 再次登录覆盖之前的字段
	require.NoError(t, s.SetRoom(ctx, 7, 3))
	require.NoError(t, s.Login(ctx, &UserSession{UserID: 7, Nickname: "alice", ConnID: "conn-b"}))
	sess, err = s.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "conn-b", sess.ConnID)
	assert.False(t, sess.InRoom)
	assert.Empty(t, sess.Endpoint)
}

func TestSessionRoomField(t *testing.T) {
	s, ctx := newTestSessions(t)
	require.NoError(t, s.Login(ctx, &UserSession{UserID: 1, ConnID: "c", InRoom: true, RoomID: 9}))

	sess, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, sess.InRoom)
	assert.Equal(t, uint16(9), sess.RoomID)

	require.NoError(t, s.SetRoom(ctx, 1, 12))
	sess, err = s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(12), sess.RoomID)

	require.NoError(t, s.ClearRoom(ctx, 1))
	sess, err = s.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, sess.InRoom)

	require.NoError(t, s.client.HSet(ctx, "user:1", "room_id", "nope").Err())
	_, err = s.Get(ctx, 1)
	assert.True(t, apperr.Is(err, apperr.KindSerialization))
}

func TestSessionRefresh(t *testing.T) {
	s, ctx := newTestSessions(t)
	require.NoError(t, s.Login(ctx, &UserSession{UserID: 2, ConnID: "c"}))
	require.NoError(t, s.client.Expire(ctx, "user:2", 5*time.Second).Err())

	require.NoError(t, s.Refresh(ctx, 2))
	assert.Greater(t, s.client.TTL(ctx, "user:2").Val(), 50*time.Second)
}

func TestSessionLogout(t *testing.T) {
	s, ctx := newTestSessions(t)
	require.NoError(t, s.Login(ctx, &UserSession{UserID: 3, ConnID: "new"}))

	// 被顶替的旧连接不能删除新会话
	ok, err := s.Logout(ctx, 3, "old")
	require.NoError(t, err)
	assert.False(t, ok)
	online, err := s.IsOnline(ctx, 3)
	require.NoError(t, err)
	assert.True(t, online)

	ok, err = s.Logout(ctx, 3, "new")
	require.NoError(t, err)
	assert.True(t, ok)
	online, err = s.IsOnline(ctx, 3)
	require.NoError(t, err)
	assert.False(t, online)

	_, err = s.Get(ctx, 3)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestHashToken(t *testing.T) {
	assert.Equal(t, "2bb80d537b1da3e38bd30361aa855686bde0eacd7162fef6a25fe97bf527a25b", HashToken("secret"))
	assert.NotEqual(t, HashToken("a"), HashToken("b"))
	assert.Len(t, HashToken(""), 64)
}

func TestSessionSetRoomAfterLogout(t *testing.T) {
	s, ctx := newTestSessions(t)
	require.NoError(t, s.Login(ctx, &UserSession{UserID: 4, ConnID: "c"}))
	ok, err := s.Logout(ctx, 4, "c")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.SetRoom(ctx, 4, 7))
	assert.Equal(t, int64(0), s.client.Exists(ctx, "user:4").Val())
	online, err := s.IsOnline(ctx, 4)
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, s.ClearRoom(ctx, 4))
	assert.Equal(t, int64(0), s.client.Exists(ctx, "user:4").Val())
}
