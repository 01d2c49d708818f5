package service

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"go-realtime/pkg/retry"
	"go-realtime/protocol"
	"go-realtime/server"
	"go-realtime/testutils"
)

type fixture struct {
	client   *redis.Client
	registry *server.Registry
	sessions *SessionStore
	alloc    *RoomIDAllocator
	rooms    *RoomCoordinator
	codec    *protocol.Codec
}

func newFixture(t *testing.T, cfg RoomConfig) *fixture {
	t.Helper()
	return newFixtureOn(t, testutils.NewRedis(t), cfg)
}

func newFixtureOn(t *testing.T, client *redis.Client, cfg RoomConfig) *fixture {
	t.Helper()
	codec := protocol.NewCodec(0)
	registry := server.NewRegistry(server.RegistryConfig{}, codec, nil)
	sessions := NewSessionStore(client, "node_1", time.Hour, retry.None(), nil)
	alloc := NewRoomIDAllocator(client, retry.None())

	if cfg.RecentSize == 0 {
		cfg.RecentSize = 10
	}
	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}
	rooms, err := NewRoomCoordinator(client, registry, alloc, sessions, cfg, retry.None(), nil)
	require.NoError(t, err)

	return &fixture{
		client:   client,
		registry: registry,
		sessions: sessions,
		alloc:    alloc,
		rooms:    rooms,
		codec:    codec,
	}
}

// connect 注册一个在线用户并写入会话
func (f *fixture) connect(t *testing.T, userID uint64) *server.Client {
	t.Helper()
	e := server.NewEntry(userID, fmt.Sprintf("conn-%d", userID), "127.0.0.1:1", server.NewOutbox(64), time.Now())
	_, err := f.registry.Register(userID, e)
	require.NoError(t, err)
	c := server.NewClient(e, f.codec, userID, "tcp")
	c.Nickname = fmt.Sprintf("user-%d", userID)
	c.Token = fmt.Sprintf("token-%d", userID)
	require.NoError(t, f.sessions.Login(context.Background(), &UserSession{
		UserID:    userID,
		Nickname:  c.Nickname,
		Transport: c.Transport,
		ConnID:    c.ConnID,
	}))
	return c
}

// faultHook 在指定脚本执行前调用 before；before 返回错误时脚本不执行
type faultHook struct {
	sha    string
	before func() error
}

func onScript(script *redis.Script, before func() error) redis.Hook {
	return &faultHook{sha: script.Hash(), before: before}
}

func (h *faultHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *faultHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if h.matches(cmd) {
			if err := h.before(); err != nil {
				cmd.SetErr(err)
				return err
			}
		}
		return next(ctx, cmd)
	}
}

func (h *faultHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

// EVALSHA 带脚本摘要；第一次执行时 go-redis 退回 EVAL，带脚本源码
func (h *faultHook) matches(cmd redis.Cmder) bool {
	args := cmd.Args()
	if len(args) < 2 {
		return false
	}
	body, _ := args[1].(string)
	switch strings.ToLower(cmd.Name()) {
	case "evalsha":
		return body == h.sha
	case "eval":
		sum := sha1.Sum([]byte(body))
		return hex.EncodeToString(sum[:]) == h.sha
	}
	return false
}

// events 取出客户端收到的房间事件
func events(t *testing.T, c *server.Client) []RoomEvent {
	t.Helper()
	var out []RoomEvent
	for _, m := range drain(t, c) {
		u, ok := m.(*protocol.RoomStateUpdate)
		if !ok {
			continue
		}
		var ev RoomEvent
		require.NoError(t, json.Unmarshal(u.Payload, &ev))
		out = append(out, ev)
	}
	return out
}
