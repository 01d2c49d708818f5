package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-realtime/pkg/retry"
	"go-realtime/protocol"
	"go-realtime/server"
	"go-realtime/testutils"
)

type testNode struct {
	registry *server.Registry
	relay    *Relay
	outbox   *server.Outbox
}

func newTestNode(t *testing.T, client redis.UniversalClient, nodeID string, userID uint64) *testNode {
	t.Helper()
	codec := protocol.NewCodec(0)
	registry := server.NewRegistry(server.RegistryConfig{}, codec, nil)
	outbox := server.NewOutbox(16)
	_, err := registry.Register(userID, server.NewEntry(userID, "conn-"+nodeID, "127.0.0.1:1", outbox, time.Now()))
	require.NoError(t, err)

	relay := NewRelay(client, registry, nodeID, retry.None(), nil)
	require.NoError(t, relay.Start(context.Background()))
	t.Cleanup(relay.Stop)
	return &testNode{registry: registry, relay: relay, outbox: outbox}
}

func (n *testNode) received(t *testing.T) []protocol.Message {
	t.Helper()
	codec := protocol.NewCodec(0)
	var out []protocol.Message
	for _, f := range n.outbox.Drain() {
		m, err := codec.DecodeFrame(f)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func TestRelayAcrossNodes(t *testing.T) {
	client := testutils.NewRedis(t)
	alice := newTestNode(t, client, "node_1", 1)
	bob := newTestNode(t, client, "node_2", 2)

	msg := &protocol.Custom{Name: CustomWorldChat, Payload: []byte("hello")}
	res, err := alice.relay.BroadcastAll(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)

	// 本节点立即投递
	assert.Equal(t, []protocol.Message{msg}, alice.received(t))

	var got []protocol.Message
	require.Eventually(t, func() bool {
		got = append(got, bob.received(t)...)
		return len(got) > 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []protocol.Message{msg}, got)

	// 自己发布的消息不会被重复投递
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, alice.received(t))
}

func TestRelayDeliverIgnoresBadInput(t *testing.T) {
	client := testutils.NewRedis(t)
	n := newTestNode(t, client, "node_1", 1)

	n.relay.deliver("not json")
	bad, err := json.Marshal(relayEnvelope{Node: "node_2", Frame: []byte{0xff, 0x00}})
	require.NoError(t, err)
	n.relay.deliver(string(bad))
	assert.Empty(t, n.received(t))

	frame, err := n.registry.Codec().Pack(&protocol.Chat{UserID: 5, Text: "hi"})
	require.NoError(t, err)
	good, err := json.Marshal(relayEnvelope{Node: "node_2", Frame: frame})
	require.NoError(t, err)
	n.relay.deliver(string(good))
	assert.Equal(t, []protocol.Message{&protocol.Chat{UserID: 5, Text: "hi"}}, n.received(t))

	own, err := json.Marshal(relayEnvelope{Node: "node_1", Frame: frame})
	require.NoError(t, err)
	n.relay.deliver(string(own))
	assert.Empty(t, n.received(t))
}

func TestRelayStartStopIdempotent(t *testing.T) {
	client := testutils.NewRedis(t)
	registry := server.NewRegistry(server.RegistryConfig{}, protocol.NewCodec(0), nil)
	r := NewRelay(client, registry, "node_1", retry.None(), nil)

	r.Stop()
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Start(context.Background()))
	r.Stop()
	r.Stop()

	require.NoError(t, r.Start(context.Background()))
	r.Stop()
}
