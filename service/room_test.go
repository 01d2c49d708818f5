package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-realtime/pkg/apperr"
	pkgredis "go-realtime/pkg/redis"
	"go-realtime/pkg/retry"
	"go-realtime/testutils"
)

// 用户 7 创建 lobby 后离开，房间的全部数据被删除，ID 被回收
func TestCreateAndLeaveSingleUser(t *testing.T) {
	f := newFixture(t, RoomConfig{})
	ctx := context.Background()
	f.connect(t, 7)

	id, err := f.rooms.CreateRoom(ctx, 7, "lobby", 4)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), id)

	assert.Equal(t, "1", f.client.HGet(ctx, "room:info:1", "current_count").Val())
	assert.Equal(t, []string{"7"}, f.client.SMembers(ctx, "room:users:1").Val())
	assert.Equal(t, []string{"1"}, f.client.LRange(ctx, "room:list:time", 0, -1).Val())
	assert.Equal(t, []string{"1"}, f.client.LRange(ctx, "room:list", 0, -1).Val())

	room, ok := f.registry.Room(7)
	require.True(t, ok)
	assert.Equal(t, uint16(1), room)

	rec, err := f.rooms.GetRoom(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "lobby", rec.Name)
	assert.Equal(t, uint64(7), rec.Owner)
	assert.Equal(t, uint16(4), rec.MaxCapacity)
	assert.Equal(t, uint16(1), rec.CurrentCount)

	left, count, err := f.rooms.LeaveRoom(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), left)
	assert.Zero(t, count)

	assert.Equal(t, int64(0), f.client.Exists(ctx, "room:info:1", "room:users:1", "room:list:time", "room:list").Val())
	assert.Contains(t, f.client.LRange(ctx, pkgredis.RoomFreeListKey, 0, -1).Val(), "1")
	_, ok = f.registry.Room(7)
	assert.False(t, ok)

	_, _, err = f.rooms.LeaveRoom(ctx, 7)
	assert.ErrorIs(t, err, apperr.ErrNotInRoom)

	// 回收的 ID 被复用
	f.connect(t, 8)
	id, err = f.rooms.CreateRoom(ctx, 8, "again", 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), id)
}

func TestCreateRoomValidation(t *testing.T) {
	f := newFixture(t, RoomConfig{MaxCapacity: 8})
	ctx := context.Background()
	f.connect(t, 1)

	_, err := f.rooms.CreateRoom(ctx, 1, "", 4)
	assert.ErrorIs(t, err, apperr.ErrBadRequest)
	_, err = f.rooms.CreateRoom(ctx, 1, "big", 9)
	assert.ErrorIs(t, err, apperr.ErrBadRequest)

	// 校验失败不消耗 ID
	assert.Equal(t, int64(0), f.client.Exists(ctx, pkgredis.RoomCounterKey).Val())

	id, err := f.rooms.CreateRoom(ctx, 1, "ok", 0)
	require.NoError(t, err)
	rec, err := f.rooms.GetRoom(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint16(8), rec.MaxCapacity)
}

func TestJoinRoom(t *testing.T) {
	f := newFixture(t, RoomConfig{})
	ctx := context.Background()
	owner := f.connect(t, 1)
	guest := f.connect(t, 2)
	late := f.connect(t, 3)

	id, err := f.rooms.CreateRoom(ctx, 1, "duo", 2)
	require.NoError(t, err)

	rec, err := f.rooms.JoinRoom(ctx, 2, id)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), rec.CurrentCount)
	assert.Equal(t, []RoomEvent{{Event: EventJoin, RoomID: id, UserID: 2, Count: 2}}, events(t, owner))
	assert.Empty(t, events(t, guest))

	// 重复加入是幂等的
	rec, err = f.rooms.JoinRoom(ctx, 2, id)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), rec.CurrentCount)
	events(t, owner)

	_, err = f.rooms.JoinRoom(ctx, 3, id)
	assert.ErrorIs(t, err, apperr.ErrRoomFull)
	_, ok := f.registry.Room(3)
	assert.False(t, ok)
	assert.Empty(t, events(t, late))

	_, err = f.rooms.JoinRoom(ctx, 3, 999)
	assert.ErrorIs(t, err, apperr.ErrRoomNotFound)

	members, err := f.rooms.Members(ctx, id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1, 2}, members)
	assert.Equal(t, []uint64{1, 2}, f.registry.RoomMembers(id))

	_, count, err := f.rooms.LeaveRoom(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, []RoomEvent{{Event: EventLeave, RoomID: id, UserID: 2, Count: 1}}, events(t, owner))
	assert.Equal(t, "1", f.client.HGet(ctx, "room:info:1", "current_count").Val())
}

// 换房间：先加入新房间，再离开旧房间，空的旧房间被删除
func TestSwitchRooms(t *testing.T) {
	f := newFixture(t, RoomConfig{})
	ctx := context.Background()
	f.connect(t, 1)
	b := f.connect(t, 2)

	roomA, err := f.rooms.CreateRoom(ctx, 1, "a", 4)
	require.NoError(t, err)
	roomB, err := f.rooms.CreateRoom(ctx, 2, "b", 4)
	require.NoError(t, err)
	events(t, b)

	_, err = f.rooms.JoinRoom(ctx, 1, roomB)
	require.NoError(t, err)

	room, _ := f.registry.Room(1)
	assert.Equal(t, roomB, room)
	assert.Equal(t, int64(0), f.client.Exists(ctx, infoKey(roomA), usersKey(roomA)).Val())
	assert.Contains(t, f.client.LRange(ctx, pkgredis.RoomFreeListKey, 0, -1).Val(), "1")
	assert.Equal(t, []string{"2"}, f.client.LRange(ctx, "room:list", 0, -1).Val())

	assert.Equal(t, []RoomEvent{{Event: EventJoin, RoomID: roomB, UserID: 1, Count: 2}}, events(t, b))

	sess, err := f.sessions.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, sess.InRoom)
	assert.Equal(t, roomB, sess.RoomID)

	// 创建房间时离开原房间
	_, err = f.rooms.CreateRoom(ctx, 2, "c", 4)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, f.registry.RoomMembers(roomB))
	members, err := f.rooms.Members(ctx, roomB)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, members)
}

func TestRecentRoomsEviction(t *testing.T) {
	f := newFixture(t, RoomConfig{RecentSize: 2})
	ctx := context.Background()
	first := f.connect(t, 1)
	f.connect(t, 2)
	f.connect(t, 3)

	for i, name := range []string{"r1", "r2"} {
		_, err := f.rooms.CreateRoom(ctx, uint64(i+1), name, 4)
		require.NoError(t, err)
	}
	events(t, first)
	require.NoError(t, f.client.ZAdd(ctx, "leaderboard:1", redis.Z{Score: 10, Member: "1"}).Err())

	id, err := f.rooms.CreateRoom(ctx, 3, "r3", 4)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), id)

	assert.Equal(t, []string{"3", "2"}, f.client.LRange(ctx, "room:list:time", 0, -1).Val())
	assert.Equal(t, int64(0), f.client.Exists(ctx, "room:info:1", "room:users:1", "leaderboard:1").Val())
	assert.NotContains(t, f.client.LRange(ctx, "room:list", 0, -1).Val(), "1")
	assert.Contains(t, f.client.LRange(ctx, pkgredis.RoomFreeListKey, 0, -1).Val(), "1")

	// 房间里的在线用户收到关闭通知
	assert.Equal(t, []RoomEvent{{Event: EventClosed, RoomID: 1}}, events(t, first))
	_, ok := f.registry.Room(1)
	assert.False(t, ok)

	recs, err := f.rooms.RecentRooms(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "r3", recs[0].Name)
	assert.Equal(t, "r2", recs[1].Name)
}

func TestTeardownRoom(t *testing.T) {
	f := newFixture(t, RoomConfig{})
	ctx := context.Background()
	owner := f.connect(t, 1)

	assert.ErrorIs(t, f.rooms.TeardownRoom(ctx, 77), apperr.ErrRoomNotFound)

	id, err := f.rooms.CreateRoom(ctx, 1, "doomed", 4)
	require.NoError(t, err)
	require.NoError(t, f.rooms.TeardownRoom(ctx, id))

	assert.Equal(t, []RoomEvent{{Event: EventClosed, RoomID: id}}, events(t, owner))
	_, ok := f.registry.Room(1)
	assert.False(t, ok)
	_, err = f.rooms.GetRoom(ctx, id)
	assert.ErrorIs(t, err, apperr.ErrRoomNotFound)

	// 重复删除不会重复回收 ID
	assert.ErrorIs(t, f.rooms.TeardownRoom(ctx, id), apperr.ErrRoomNotFound)
	assert.Equal(t, int64(1), f.client.LLen(ctx, pkgredis.RoomFreeListKey).Val())
}

func TestHandleEvictionDeparts(t *testing.T) {
	f := newFixture(t, RoomConfig{})
	ctx := context.Background()
	f.connect(t, 1)
	other := f.connect(t, 2)

	id, err := f.rooms.CreateRoom(ctx, 1, "r", 4)
	require.NoError(t, err)
	_, err = f.rooms.JoinRoom(ctx, 2, id)
	require.NoError(t, err)

	e, ok := f.registry.Unregister(1)
	require.True(t, ok)
	f.rooms.HandleEviction(ctx, e)

	members, err := f.rooms.Members(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, members)
	assert.Equal(t, []RoomEvent{{Event: EventLeave, RoomID: id, UserID: 1, Count: 1}}, events(t, other))

	e, ok = f.registry.Unregister(2)
	require.True(t, ok)
	f.rooms.HandleEviction(ctx, e)
	assert.Equal(t, int64(0), f.client.Exists(ctx, infoKey(id), usersKey(id)).Val())

	// 不在房间的条目什么都不做
	f.rooms.HandleEviction(ctx, e)
}

func TestConcurrentJoinRespectsCapacity(t *testing.T) {
	f := newFixture(t, RoomConfig{})
	ctx := context.Background()
	f.connect(t, 1)
	id, err := f.rooms.CreateRoom(ctx, 1, "crowded", 5)
	require.NoError(t, err)

	const n = 20
	for i := range n {
		f.connect(t, uint64(100+i))
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		joined int
		full   int
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.rooms.JoinRoom(ctx, uint64(100+i), id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				joined++
			case errors.Is(err, apperr.ErrRoomFull):
				full++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, joined)
	assert.Equal(t, n-4, full)
	assert.Equal(t, int64(5), f.client.SCard(ctx, usersKey(id)).Val())
	assert.Equal(t, "5", f.client.HGet(ctx, infoKey(id), "current_count").Val())
	assert.Len(t, f.registry.RoomMembers(id), 5)
}

func TestRoomCoordinatorRedisDown(t *testing.T) {
	f := newFixture(t, RoomConfig{})
	f.connect(t, 1)
	require.NoError(t, f.client.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := f.rooms.CreateRoom(ctx, 1, "x", 2)
	assert.Error(t, err)
	_, ok := f.registry.Room(1)
	assert.False(t, ok)
}

func TestNewRoomCoordinatorValidation(t *testing.T) {
	_, err := NewRoomCoordinator(nil, nil, nil, nil, RoomConfig{RecentSize: 0}, retry.None(), nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidConfig)
}

// 已经断开的用户不能加入房间，也不会留在 room:users 里
func TestJoinRequiresConnectedUser(t *testing.T) {
	f := newFixture(t, RoomConfig{})
	ctx := context.Background()
	f.connect(t, 1)

	id, err := f.rooms.CreateRoom(ctx, 1, "r", 4)
	require.NoError(t, err)

	_, err = f.rooms.JoinRoom(ctx, 42, id)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, []string{"1"}, f.client.SMembers(ctx, usersKey(id)).Val())
	assert.Equal(t, "1", f.client.HGet(ctx, infoKey(id), "current_count").Val())

	_, err = f.rooms.CreateRoom(ctx, 42, "ghost", 4)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, "1", f.client.Get(ctx, pkgredis.RoomCounterKey).Val())

	// 最后一个成员离开后房间被删除
	_, _, err = f.rooms.LeaveRoom(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.client.Exists(ctx, infoKey(id), usersKey(id)).Val())
}

// 加入过程中连接被驱逐：Redis 中的加入被撤销
func TestJoinRolledBackWhenEvictedMidway(t *testing.T) {
	client := testutils.NewRedis(t)
	f := newFixtureOn(t, client, RoomConfig{})
	ctx := context.Background()
	owner := f.connect(t, 1)
	f.connect(t, 2)

	id, err := f.rooms.CreateRoom(ctx, 1, "r", 4)
	require.NoError(t, err)

	client.AddHook(onScript(joinScript, func() error {
		f.registry.Unregister(2)
		return nil
	}))

	_, err = f.rooms.JoinRoom(ctx, 2, id)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, []string{"1"}, f.client.SMembers(ctx, usersKey(id)).Val())
	assert.Equal(t, "1", f.client.HGet(ctx, infoKey(id), "current_count").Val())
	assert.Empty(t, events(t, owner))
	assert.Equal(t, []uint64{1}, f.registry.RoomMembers(id))

	sess, err := f.sessions.Get(ctx, 2)
	require.NoError(t, err)
	assert.False(t, sess.InRoom)
}

// 创建过程中连接被驱逐：新房间被删除，ID 回收一次
func TestCreateRolledBackWhenEvictedMidway(t *testing.T) {
	client := testutils.NewRedis(t)
	f := newFixtureOn(t, client, RoomConfig{})
	ctx := context.Background()
	f.connect(t, 3)

	client.AddHook(onScript(joinScript, func() error {
		f.registry.Unregister(3)
		return nil
	}))

	_, err := f.rooms.CreateRoom(ctx, 3, "r", 4)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.Equal(t, int64(0), f.client.Exists(ctx, "room:info:1", "room:users:1", "room:list", "room:list:time").Val())
	assert.Equal(t, []string{"1"}, f.client.LRange(ctx, pkgredis.RoomFreeListKey, 0, -1).Val())
}

// room:users 中残留的离线成员在下一次加入时被移除
func TestJoinReconcilesStaleMembers(t *testing.T) {
	f := newFixture(t, RoomConfig{})
	ctx := context.Background()
	f.connect(t, 1)
	f.connect(t, 2)

	id, err := f.rooms.CreateRoom(ctx, 1, "duo", 2)
	require.NoError(t, err)

	// 99 不在线，占着最后一个位置
	require.NoError(t, f.client.SAdd(ctx, usersKey(id), 99).Err())
	require.NoError(t, f.client.HSet(ctx, infoKey(id), "current_count", 2).Err())

	rec, err := f.rooms.JoinRoom(ctx, 2, id)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), rec.CurrentCount)
	assert.ElementsMatch(t, []string{"1", "2"}, f.client.SMembers(ctx, usersKey(id)).Val())
}

// 在其他节点在线的成员不会被当成残留移除
func TestReconcileKeepsRemoteMembers(t *testing.T) {
	f := newFixture(t, RoomConfig{})
	ctx := context.Background()
	f.connect(t, 1)
	f.connect(t, 2)

	id, err := f.rooms.CreateRoom(ctx, 1, "r", 4)
	require.NoError(t, err)

	remote := NewSessionStore(f.client, "node_2", time.Hour, retry.None(), nil)
	require.NoError(t, remote.Login(ctx, &UserSession{UserID: 50, ConnID: "remote"}))
	require.NoError(t, f.client.SAdd(ctx, usersKey(id), 50, 51).Err())

	_, err = f.rooms.JoinRoom(ctx, 2, id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2", "50"}, f.client.SMembers(ctx, usersKey(id)).Val())
	assert.Equal(t, "3", f.client.HGet(ctx, infoKey(id), "current_count").Val())
}

// 离开时删除房间失败：注册表保持原样，重试离开可以完成删除
func TestLeaveTeardownFailureKeepsRegistry(t *testing.T) {
	client := testutils.NewRedis(t)
	f := newFixtureOn(t, client, RoomConfig{})
	ctx := context.Background()
	f.connect(t, 1)

	id, err := f.rooms.CreateRoom(ctx, 1, "r", 4)
	require.NoError(t, err)

	var failing atomic.Bool
	failing.Store(true)
	client.AddHook(onScript(teardownScript, func() error {
		if failing.Load() {
			return errors.New("connection reset by peer")
		}
		return nil
	}))

	_, _, err = f.rooms.LeaveRoom(ctx, 1)
	require.Error(t, err)

	room, ok := f.registry.Room(1)
	require.True(t, ok)
	assert.Equal(t, id, room)
	assert.Equal(t, []uint16{id}, f.rooms.Pending())
	assert.Equal(t, int64(1), f.client.Exists(ctx, infoKey(id)).Val())

	failing.Store(false)
	left, count, err := f.rooms.LeaveRoom(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, id, left)
	assert.Zero(t, count)
	_, ok = f.registry.Room(1)
	assert.False(t, ok)
	assert.Equal(t, int64(0), f.client.Exists(ctx, infoKey(id), "room:list", "room:list:time").Val())
	assert.Equal(t, []string{"1"}, f.client.LRange(ctx, pkgredis.RoomFreeListKey, 0, -1).Val())

	// 房间已经删除，待修复记录直接清掉，ID 不会重复回收
	f.rooms.ReconcilePending(ctx)
	assert.Empty(t, f.rooms.Pending())
	assert.Equal(t, int64(1), f.client.LLen(ctx, pkgredis.RoomFreeListKey).Val())
}

// 驱逐清理时删除房间失败，由 ReconcilePending 补做
func TestReconcilePendingAfterEvictionTeardownFailure(t *testing.T) {
	client := testutils.NewRedis(t)
	f := newFixtureOn(t, client, RoomConfig{})
	ctx := context.Background()
	f.connect(t, 1)

	id, err := f.rooms.CreateRoom(ctx, 1, "r", 4)
	require.NoError(t, err)

	var failing atomic.Bool
	failing.Store(true)
	client.AddHook(onScript(teardownScript, func() error {
		if failing.Load() {
			return errors.New("i/o timeout")
		}
		return nil
	}))

	e, ok := f.registry.Unregister(1)
	require.True(t, ok)
	f.rooms.HandleEviction(ctx, e)
	assert.Equal(t, []uint16{id}, f.rooms.Pending())

	// 仍然失败时保留待修复记录
	f.rooms.ReconcilePending(ctx)
	assert.Equal(t, []uint16{id}, f.rooms.Pending())

	failing.Store(false)
	f.rooms.ReconcilePending(ctx)
	assert.Empty(t, f.rooms.Pending())
	assert.Equal(t, int64(0), f.client.Exists(ctx, infoKey(id), usersKey(id), "room:list", "room:list:time").Val())
	assert.Equal(t, []string{"1"}, f.client.LRange(ctx, pkgredis.RoomFreeListKey, 0, -1).Val())
}

// 待修复的房间在此期间有人加入时保留
func TestReconcilePendingKeepsOccupiedRoom(t *testing.T) {
	f := newFixture(t, RoomConfig{})
	ctx := context.Background()
	f.connect(t, 1)

	id, err := f.rooms.CreateRoom(ctx, 1, "r", 4)
	require.NoError(t, err)
	f.rooms.markPending(id, errors.New("test"))

	f.rooms.ReconcilePending(ctx)
	assert.Empty(t, f.rooms.Pending())
	assert.Equal(t, int64(1), f.client.Exists(ctx, infoKey(id)).Val())
	assert.Equal(t, []string{"1"}, f.client.SMembers(ctx, usersKey(id)).Val())
}
