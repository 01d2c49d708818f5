/*
Package service - Redis Pub/Sub 跨节点广播

=== 为什么需要 Pub/Sub？===

玩家可能连接在不同的节点上，全服广播需要到达每一个节点：

	┌─────────────┐                    ┌─────────────┐
	│   node_1    │                    │   node_2    │
	│  (Alice)    │                    │   (Bob)     │
	└──────┬──────┘                    └──────┬──────┘
	       │                                  │
	       │ PUBLISH channel:broadcast        │ SUBSCRIBE channel:broadcast
	       │                                  │
	       ▼                                  ▼
	┌──────────────────────────────────────────────┐
	│                    Redis                      │
	└──────────────────────────────────────────────┘

发布者先在本地投递，再 PUBLISH；每个节点收到后投递给本地的全部连接，
自己发布的消息按 node 字段跳过，不会重复投递。

Pub/Sub 不持久化：订阅断开期间的广播会丢失，全服广播本来就是尽力而为。
*/
package service

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"go-realtime/pkg/apperr"
	"go-realtime/pkg/retry"
	"go-realtime/protocol"
	"go-realtime/server"
)

// BroadcastChannel 全服广播频道
const BroadcastChannel = "channel:broadcast"

// ==================== 消息结构 ====================

// relayEnvelope 跨节点传输的格式
// Frame 是已经编码好的完整帧，接收方不需要重新编码
type relayEnvelope struct {
	Node  string `json:"node"`
	Frame []byte `json:"frame"`
}

// ==================== Relay ====================

// Relay 全服广播的跨节点转发
type Relay struct {
	client   redis.UniversalClient
	registry *server.Registry
	nodeID   string
	retry    retry.Policy
	logger   *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay 创建广播转发器
func NewRelay(client redis.UniversalClient, registry *server.Registry, nodeID string, policy retry.Policy, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		client:   client,
		registry: registry,
		nodeID:   nodeID,
		retry:    policy,
		logger:   logger.Named("relay"),
	}
}

// ==================== 订阅 ====================

// Start 订阅广播频道并启动接收循环
// 等待订阅确认后才返回，确保之后的广播都能收到
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	pubsub := r.client.Subscribe(ctx, BroadcastChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return apperr.Redis("relay.subscribe", err)
	}

	r.pubsub = pubsub
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.receiveLoop(ctx, pubsub.Channel(), r.done)

	r.logger.Info("subscribed", zap.String("channel", BroadcastChannel), zap.String("node_id", r.nodeID))
	return nil
}

func (r *Relay) receiveLoop(ctx context.Context, ch <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.deliver(msg.Payload)
		}
	}
}

func (r *Relay) deliver(payload string) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn("bad relay payload", zap.Error(err))
		return
	}
	if env.Node == r.nodeID {
		return
	}
	if _, err := r.registry.Codec().DecodeFrame(env.Frame); err != nil {
		r.logger.Warn("bad relayed frame", zap.String("from", env.Node), zap.Error(err))
		return
	}

	res := r.registry.BroadcastAllFrame(env.Frame)
	r.logger.Debug("relayed broadcast",
		zap.String("from", env.Node),
		zap.Int("sent", res.Sent),
		zap.Int("dropped", res.Dropped),
	)
}

// ==================== 发布 ====================

// BroadcastAll 投递给本节点全部连接，并发布给其他节点
// 发布失败时本地投递的结果仍然有效
func (r *Relay) BroadcastAll(ctx context.Context, msg protocol.Message) (server.BroadcastResult, error) {
	frame, err := r.registry.Codec().Pack(msg)
	if err != nil {
		return server.BroadcastResult{}, err
	}
	res := r.registry.BroadcastAllFrame(frame)

	data, err := json.Marshal(relayEnvelope{Node: r.nodeID, Frame: frame})
	if err != nil {
		return res, apperr.Serialization("relay.encode", err)
	}
	err = r.retry.Run(ctx, func(ctx context.Context) error {
		return apperr.Redis("relay.publish", r.client.Publish(ctx, BroadcastChannel, data).Err())
	})
	return res, err
}

// ==================== 停止 ====================

// Stop 取消订阅并等待接收循环退出
func (r *Relay) Stop() {
	r.mu.Lock()
	pubsub, cancel, done := r.pubsub, r.cancel, r.done
	r.pubsub, r.cancel, r.done = nil, nil, nil
	r.mu.Unlock()

	if pubsub == nil {
		return
	}
	cancel()
	_ = pubsub.Close()
	<-done
	r.logger.Info("unsubscribed")
}
