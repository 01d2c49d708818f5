package redis

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"go-realtime/pkg/apperr"
)

// ==================== Hash ====================

// HashHelper 单个 Hash Key 的类型化访问
//
// 所有写操作在同一个 Pipeline 里刷新 TTL：
//
//	HSET user:7 nickname alice
//	EXPIRE user:7 3600
type HashHelper struct {
	base
	key string
}

// NewHashHelper 创建 Hash 辅助类
func NewHashHelper(client redis.UniversalClient, key string, opts ...Option) *HashHelper {
	return &HashHelper{base: newBase(client, opts), key: key}
}

// Key 返回 Hash 的 Key
func (h *HashHelper) Key() string { return h.key }

// SetField 设置单个字段
func (h *HashHelper) SetField(ctx context.Context, field string, value any) error {
	return h.do(ctx, "redis.hset", func(ctx context.Context) error {
		_, err := h.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, h.key, field, value)
			h.refresh(ctx, pipe, h.key)
			return nil
		})
		return err
	})
}

// GetField 读取单个字段，字段不存在时 ok=false
func (h *HashHelper) GetField(ctx context.Context, field string) (value string, ok bool, err error) {
	err = h.do(ctx, "redis.hget", func(ctx context.Context) error {
		value, err = h.client.HGet(ctx, h.key, field).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetMultiple 一次设置多个字段
func (h *HashHelper) SetMultiple(ctx context.Context, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return h.do(ctx, "redis.hset", func(ctx context.Context) error {
		_, err := h.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, h.key, fields)
			h.refresh(ctx, pipe, h.key)
			return nil
		})
		return err
	})
}

// GetAll 读取全部字段，Key 不存在时返回空 map
func (h *HashHelper) GetAll(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := h.do(ctx, "redis.hgetall", func(ctx context.Context) error {
		var err error
		out, err = h.client.HGetAll(ctx, h.key).Result()
		return err
	})
	return out, err
}

// IncrBy 字段自增，返回自增后的值
func (h *HashHelper) IncrBy(ctx context.Context, field string, delta int64) (int64, error) {
	var cmd *redis.IntCmd
	err := h.do(ctx, "redis.hincrby", func(ctx context.Context) error {
		_, err := h.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			cmd = pipe.HIncrBy(ctx, h.key, field, delta)
			h.refresh(ctx, pipe, h.key)
			return nil
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return cmd.Val(), nil
}

// DeleteField 删除字段，返回是否真的删除了
func (h *HashHelper) DeleteField(ctx context.Context, field string) (bool, error) {
	var cmd *redis.IntCmd
	err := h.do(ctx, "redis.hdel", func(ctx context.Context) error {
		_, err := h.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			cmd = pipe.HDel(ctx, h.key, field)
			h.refresh(ctx, pipe, h.key)
			return nil
		})
		return err
	})
	if err != nil {
		return false, err
	}
	return cmd.Val() > 0, nil
}

// Exists 字段是否存在
func (h *HashHelper) Exists(ctx context.Context, field string) (bool, error) {
	var ok bool
	err := h.do(ctx, "redis.hexists", func(ctx context.Context) error {
		var err error
		ok, err = h.client.HExists(ctx, h.key, field).Result()
		return err
	})
	return ok, err
}

// Len 字段数量
func (h *HashHelper) Len(ctx context.Context) (int64, error) {
	var n int64
	err := h.do(ctx, "redis.hlen", func(ctx context.Context) error {
		var err error
		n, err = h.client.HLen(ctx, h.key).Result()
		return err
	})
	return n, err
}

// Touch 只刷新 TTL
func (h *HashHelper) Touch(ctx context.Context) error {
	if h.ttl <= 0 {
		return nil
	}
	return h.do(ctx, "redis.expire", func(ctx context.Context) error {
		return h.client.Expire(ctx, h.key, h.ttl).Err()
	})
}

// Delete 删除整个 Key
func (h *HashHelper) Delete(ctx context.Context) error {
	return h.do(ctx, "redis.del", func(ctx context.Context) error {
		return h.client.Del(ctx, h.key).Err()
	})
}

// ==================== JSON 便捷方法 ====================
//
// 注意：SetJSON 写的是 String（SET key json EX ttl），不是 Hash 字段，
// 同一个 Key 不要混用两种写法。

// SetJSON 把 value 序列化为 JSON 后写入 Key
func (h *HashHelper) SetJSON(ctx context.Context, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return apperr.Serialization("hash.set_json", err)
	}
	return h.do(ctx, "redis.set", func(ctx context.Context) error {
		return h.client.Set(ctx, h.key, data, h.ttl).Err()
	})
}

// GetJSON 读取并反序列化，Key 不存在时返回 (nil, nil)
func GetJSON[T any](ctx context.Context, h *HashHelper) (*T, error) {
	var raw []byte
	err := h.do(ctx, "redis.get", func(ctx context.Context) error {
		var err error
		raw, err = h.client.Get(ctx, h.key).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, apperr.Serialization("hash.get_json", err)
	}
	return &v, nil
}
