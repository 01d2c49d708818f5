package server

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-realtime/pkg/apperr"
	"go-realtime/protocol"
)

func newTestRegistry(t *testing.T, cfg RegistryConfig) *Registry {
	t.Helper()
	return NewRegistry(cfg, protocol.NewCodec(0), nil)
}

func register(t *testing.T, r *Registry, userID uint64, queue int) *Entry {
	t.Helper()
	e := NewEntry(userID, fmt.Sprintf("conn-%d-%d", userID, time.Now().UnixNano()), "127.0.0.1:1", NewOutbox(queue), time.Now())
	_, err := r.Register(userID, e)
	require.NoError(t, err)
	return e
}

func decodeAll(t *testing.T, o *Outbox) []protocol.Message {
	t.Helper()
	codec := protocol.NewCodec(0)
	var msgs []protocol.Message
	for _, f := range o.Drain() {
		m, err := codec.DecodeFrame(f)
		require.NoError(t, err)
		msgs = append(msgs, m)
	}
	return msgs
}

// 用户 9 从新的连接重新登录，旧连接被踢下线
func TestRegisterDisplacesPriorConnection(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})

	first := register(t, r, 9, 4)
	require.NoError(t, r.SetRoom(9, 3))

	second := NewEntry(9, "conn-new", "127.0.0.1:2", NewOutbox(4), time.Now())
	prior, err := r.Register(9, second)
	require.NoError(t, err)
	assert.Same(t, first, prior)

	assert.Equal(t, 1, r.Len())
	got, ok := r.Get(9)
	require.True(t, ok)
	assert.Same(t, second, got)

	assert.ErrorIs(t, first.Outbox.Push([]byte("x")), apperr.ErrClosed)
	assert.Equal(t, []protocol.Message{&protocol.Kick{Reason: "duplicate_login"}}, decodeAll(t, first.Outbox))

	// 新连接继承房间
	room, ok := second.Room()
	assert.True(t, ok)
	assert.Equal(t, uint16(3), room)
	assert.Equal(t, []uint64{9}, r.RoomMembers(3))

	// 旧连接的清理不会误删新连接
	_, removed := r.UnregisterIf(9, first.ConnID)
	assert.False(t, removed)
	assert.Equal(t, 1, r.Len())
	require.NoError(t, r.Send(9, &protocol.Heartbeat{}))
}

func TestRegisterCapacity(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{MaxConnections: 2})
	register(t, r, 1, 1)
	register(t, r, 2, 1)

	_, err := r.Register(3, NewEntry(3, "c3", "", NewOutbox(1), time.Now()))
	assert.ErrorIs(t, err, apperr.ErrCapacityExceeded)
	assert.Equal(t, 2, r.Len())

	// 顶替不占用新的名额
	_, err = r.Register(2, NewEntry(2, "c2b", "", NewOutbox(1), time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())
}

// 房间 {A,B,C}，B 的队列已满，广播仍然成功
func TestBroadcastRoomUnderBackpressure(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})
	const room = 5
	a := register(t, r, 1, 4)
	b := register(t, r, 2, 1)
	c := register(t, r, 3, 4)
	for _, id := range []uint64{1, 2, 3} {
		require.NoError(t, r.SetRoom(id, room))
	}
	require.NoError(t, b.Outbox.Push([]byte("filler")))

	before := r.Drops()
	res, err := r.BroadcastRoom(room, &protocol.Chat{UserID: 1, Text: "gg"})
	require.NoError(t, err)
	assert.Equal(t, BroadcastResult{Sent: 2, Dropped: 1}, res)
	assert.Equal(t, before+1, r.Drops())

	want := []protocol.Message{&protocol.Chat{UserID: 1, Text: "gg"}}
	assert.Equal(t, want, decodeAll(t, a.Outbox))
	assert.Equal(t, want, decodeAll(t, c.Outbox))
	assert.Equal(t, [][]byte{[]byte("filler")}, b.Outbox.Drain())

	// 一次丢弃不会驱逐
	_, ok := r.Get(2)
	assert.True(t, ok)
}

func TestBroadcastExcept(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})
	a := register(t, r, 1, 4)
	b := register(t, r, 2, 4)
	require.NoError(t, r.SetRoom(1, 8))
	require.NoError(t, r.SetRoom(2, 8))

	res, err := r.BroadcastRoom(8, &protocol.RoomStateUpdate{RoomID: 8}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Empty(t, a.Outbox.Drain())
	assert.Len(t, b.Outbox.Drain(), 1)

	res, err = r.BroadcastAll(&protocol.Chat{Text: "all"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)

	res, err = r.BroadcastRoom(404, &protocol.Chat{Text: "nobody"})
	require.NoError(t, err)
	assert.Zero(t, res.Sent)
}

func TestSaturatedConnectionEvicted(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{MaxConsecutiveDrops: 3})

	var (
		mu      sync.Mutex
		evicted []EvictReason
	)
	r.OnEvict(func(e *Entry, reason EvictReason) {
		mu.Lock()
		evicted = append(evicted, reason)
		mu.Unlock()
	})

	e := register(t, r, 4, 1)
	require.NoError(t, r.SetRoom(4, 2))
	require.NoError(t, r.Send(4, &protocol.Heartbeat{}))

	for range 2 {
		assert.ErrorIs(t, r.Send(4, &protocol.Heartbeat{}), apperr.ErrBackpressure)
	}
	_, ok := r.Get(4)
	require.True(t, ok)

	_, err := r.BroadcastRoom(2, &protocol.Heartbeat{})
	require.NoError(t, err)

	_, ok = r.Get(4)
	assert.False(t, ok)
	assert.Empty(t, r.RoomMembers(2))
	assert.True(t, e.Outbox.Closed())
	assert.Equal(t, []EvictReason{EvictBackpressure}, evicted)
	assert.ErrorIs(t, r.Send(4, &protocol.Heartbeat{}), apperr.ErrNotFound)
}

func TestRoomIndex(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})
	register(t, r, 1, 1)
	register(t, r, 2, 1)

	assert.ErrorIs(t, r.SetRoom(99, 1), apperr.ErrNotFound)

	require.NoError(t, r.SetRoom(1, 10))
	require.NoError(t, r.SetRoom(2, 10))
	require.NoError(t, r.SetRoom(2, 10))
	assert.Equal(t, []uint64{1, 2}, r.RoomMembers(10))

	require.NoError(t, r.SetRoom(2, 42))
	assert.Equal(t, []uint64{1}, r.RoomMembers(10))
	assert.Equal(t, []uint64{2}, r.RoomMembers(42))

	assert.False(t, r.ClearRoomIf(1, 42))
	assert.True(t, r.ClearRoomIf(1, 10))
	assert.Empty(t, r.RoomMembers(10))
	_, ok := r.Room(1)
	assert.False(t, ok)

	old, ok := r.ClearRoom(2)
	assert.True(t, ok)
	assert.Equal(t, uint16(42), old)
	_, ok = r.ClearRoom(2)
	assert.False(t, ok)

	// 注销后房间索引随之清理，条目保留最后的房间
	require.NoError(t, r.SetRoom(1, 7))
	e, ok := r.Unregister(1)
	require.True(t, ok)
	assert.Empty(t, r.RoomMembers(7))
	room, ok := e.Room()
	assert.True(t, ok)
	assert.Equal(t, uint16(7), room)
}

func TestReap(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})
	now := time.Now()

	stale := NewEntry(5, "c5", "", NewOutbox(1), now.Add(-45*time.Second))
	_, err := r.Register(5, stale)
	require.NoError(t, err)
	require.NoError(t, r.SetRoom(5, 1))
	register(t, r, 6, 1)

	var reasons []EvictReason
	r.OnEvict(func(e *Entry, reason EvictReason) { reasons = append(reasons, reason) })

	assert.Equal(t, 1, r.Reap(now, 30*time.Second))
	assert.Equal(t, 1, r.Len())
	_, ok := r.Get(5)
	assert.False(t, ok)
	assert.Empty(t, r.RoomMembers(1))
	assert.Equal(t, []EvictReason{EvictIdle}, reasons)

	// Touch 之后不会被清理
	assert.True(t, r.TouchAt(6, now))
	assert.Zero(t, r.Reap(now.Add(10*time.Second), 30*time.Second))
}

func TestCloseAll(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})
	a := register(t, r, 1, 4)
	b := register(t, r, 2, 4)
	require.NoError(t, r.SetRoom(1, 3))

	var n int
	r.OnEvict(func(e *Entry, reason EvictReason) {
		assert.Equal(t, EvictShutdown, reason)
		n++
	})

	assert.Equal(t, 2, r.CloseAll())
	assert.Equal(t, 2, n)
	assert.Zero(t, r.Len())
	assert.Empty(t, r.RoomMembers(3))

	kick := []protocol.Message{&protocol.Kick{Reason: "server_restart", Reconnect: true}}
	assert.Equal(t, kick, decodeAll(t, a.Outbox))
	assert.Equal(t, kick, decodeAll(t, b.Outbox))
}

func TestEvictReasonString(t *testing.T) {
	assert.Equal(t, "idle", EvictIdle.String())
	assert.Equal(t, "backpressure", EvictBackpressure.String())
	assert.Equal(t, "shutdown", EvictShutdown.String())
	assert.Equal(t, "unknown", EvictReason(0).String())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{})
	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := uint64(i)
			e := NewEntry(id, fmt.Sprintf("c%d", i), "", NewOutbox(8), time.Now())
			if _, err := r.Register(id, e); err != nil {
				return
			}
			_ = r.SetRoom(id, uint16(i%4))
			_, _ = r.BroadcastRoom(uint16(i%4), &protocol.Heartbeat{})
			if i%2 == 0 {
				r.UnregisterIf(id, e.ConnID)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 32, r.Len())

	total := 0
	for room := range uint16(4) {
		total += len(r.RoomMembers(room))
	}
	assert.Equal(t, 32, total)
}
