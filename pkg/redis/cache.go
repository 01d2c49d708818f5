package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"go-realtime/pkg/apperr"
)

/*
CacheHelper 条目 + LRU 列表

=== 数据布局 ===

	P:{id}   条目本身（JSON String）
	L        id 列表，头部最新，长度 <= C

=== 原子插入（Lua）===

SetItem 必须是原子的，否则并发插入时列表长度会短暂超过上限，
或者被挤出的条目没有被删除：

	SET P:{id} value [EX T]
	LREM L 0 id           -- 去重
	LPUSH L id            -- 放到头部
	if LLEN L > C:
	    tail = RPOP L
	    DEL P:{tail}      -- 连带删除被挤出的条目
	EXPIRE L T

脚本只加载一次（EVALSHA，缓存未命中时自动回退到 EVAL）。
*/
type CacheHelper struct {
	base
	prefix   string
	list     string
	capacity int64
	cascade  []string
}

// setItemScript KEYS[1]=P:{id} KEYS[2]=L
// ARGV[1]=value ARGV[2]=id ARGV[3]=C ARGV[4]=T ARGV[5]=P ARGV[6..]=连带删除的前缀
// 返回被挤出的 id，没有挤出时返回 false（go-redis 中为 redis.Nil）
var setItemScript = redis.NewScript(`
local ttl = tonumber(ARGV[4])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'EX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[1])
end
redis.call('LREM', KEYS[2], 0, ARGV[2])
redis.call('LPUSH', KEYS[2], ARGV[2])
local evicted = false
if redis.call('LLEN', KEYS[2]) > tonumber(ARGV[3]) then
  local tail = redis.call('RPOP', KEYS[2])
  if tail then
    redis.call('DEL', ARGV[5] .. ':' .. tail)
    for i = 6, #ARGV do
      redis.call('DEL', ARGV[i] .. ':' .. tail)
    end
    evicted = tail
  end
end
if ttl > 0 then
  redis.call('EXPIRE', KEYS[2], ttl)
end
return evicted
`)

// touchScript 与 setItemScript 相同，但不写条目（条目由调用方以其他结构维护）
// KEYS[1]=L  ARGV[1]=id ARGV[2]=C ARGV[3]=T ARGV[4]=P ARGV[5..]=连带删除的前缀
var touchScript = redis.NewScript(`
local ttl = tonumber(ARGV[3])
redis.call('LREM', KEYS[1], 0, ARGV[1])
redis.call('LPUSH', KEYS[1], ARGV[1])
local evicted = false
if redis.call('LLEN', KEYS[1]) > tonumber(ARGV[2]) then
  local tail = redis.call('RPOP', KEYS[1])
  if tail then
    redis.call('DEL', ARGV[4] .. ':' .. tail)
    for i = 5, #ARGV do
      redis.call('DEL', ARGV[i] .. ':' .. tail)
    end
    evicted = tail
  end
end
if ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
end
return evicted
`)

// CacheConfig CacheHelper 配置
type CacheConfig struct {
	// Prefix 条目 Key 前缀 P
	Prefix string
	// List 列表 Key L
	List string
	// Capacity 列表容量 C，必须 >= 1
	Capacity int64
	// TTL 条目和列表的过期时间，0 表示不过期
	TTL time.Duration
	// Cascade 条目被挤出时一并删除的其他前缀，如 "room:users"
	Cascade []string
}

// NewCacheHelper 创建 CacheHelper
func NewCacheHelper(client redis.UniversalClient, cfg CacheConfig, opts ...Option) (*CacheHelper, error) {
	if cfg.Prefix == "" || cfg.List == "" {
		return nil, fmt.Errorf("cache helper: prefix and list are required: %w", apperr.ErrInvalidConfig)
	}
	if cfg.Capacity < 1 {
		return nil, fmt.Errorf("cache helper: capacity must be >= 1, got %d: %w", cfg.Capacity, apperr.ErrInvalidConfig)
	}
	b := newBase(client, opts)
	b.ttl = cfg.TTL
	return &CacheHelper{
		base:     b,
		prefix:   cfg.Prefix,
		list:     cfg.List,
		capacity: cfg.Capacity,
		cascade:  cfg.Cascade,
	}, nil
}

// ItemKey 条目 Key：P:{id}
func (c *CacheHelper) ItemKey(id uint32) string {
	return c.prefix + ":" + strconv.FormatUint(uint64(id), 10)
}

// ListKey 列表 Key
func (c *CacheHelper) ListKey() string { return c.list }

// Capacity 列表容量
func (c *CacheHelper) Capacity() int64 { return c.capacity }

// ttlSeconds 向上取整：不足一秒的 TTL 按 1 秒处理，0 表示不过期
func (c *CacheHelper) ttlSeconds() int64 {
	if c.ttl <= 0 {
		return 0
	}
	return int64((c.ttl + time.Second - 1) / time.Second)
}

// SetItem 原子地写入条目并放到列表头部
// 如果插入导致列表超长，返回被挤出的 id（evicted=true）
func (c *CacheHelper) SetItem(ctx context.Context, id uint32, value any) (evictedID uint32, evicted bool, err error) {
	data, err := json.Marshal(value)
	if err != nil {
		return 0, false, apperr.Serialization("cache.set_item", err)
	}

	args := []any{data, id, c.capacity, c.ttlSeconds(), c.prefix}
	for _, p := range c.cascade {
		args = append(args, p)
	}

	return c.runEvict(ctx, "redis.cache_set", setItemScript, []string{c.ItemKey(id), c.list}, args)
}

// Touch 只把 id 放到列表头部（条目由调用方维护），语义同 SetItem
func (c *CacheHelper) Touch(ctx context.Context, id uint32) (evictedID uint32, evicted bool, err error) {
	args := []any{id, c.capacity, c.ttlSeconds(), c.prefix}
	for _, p := range c.cascade {
		args = append(args, p)
	}
	return c.runEvict(ctx, "redis.cache_touch", touchScript, []string{c.list}, args)
}

func (c *CacheHelper) runEvict(ctx context.Context, op string, script *redis.Script, keys []string, args []any) (uint32, bool, error) {
	var res string
	err := c.do(ctx, op, func(ctx context.Context) error {
		var err error
		res, err = script.Run(ctx, c.client, keys, args...).Text()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	id, perr := strconv.ParseUint(res, 10, 32)
	if perr != nil {
		// 非数字的尾部元素已被删除，不再向上报告
		return 0, false, nil
	}
	return uint32(id), true, nil
}

// GetItem 读取条目并反序列化到 out，不存在时返回 false
func (c *CacheHelper) GetItem(ctx context.Context, id uint32, out any) (bool, error) {
	var raw []byte
	err := c.do(ctx, "redis.get", func(ctx context.Context) error {
		var err error
		raw, err = c.client.Get(ctx, c.ItemKey(id)).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, apperr.Serialization("cache.get_item", err)
	}
	return true, nil
}

// Recent 列表前 n 个 id（最新在前）
func (c *CacheHelper) Recent(ctx context.Context, n int64) ([]uint32, error) {
	if n <= 0 {
		return nil, nil
	}
	return c.lrange(ctx, n-1)
}

// AllItems 列表中全部 id
func (c *CacheHelper) AllItems(ctx context.Context) ([]uint32, error) {
	return c.lrange(ctx, -1)
}

func (c *CacheHelper) lrange(ctx context.Context, stop int64) ([]uint32, error) {
	var raw []string
	err := c.do(ctx, "redis.lrange", func(ctx context.Context) error {
		var err error
		raw, err = c.client.LRange(ctx, c.list, 0, stop).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	ids := make([]uint32, 0, len(raw))
	for _, v := range raw {
		// id 空间是纯数字，解析失败的元素直接跳过
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(id))
	}
	return ids, nil
}

// Remove 删除条目并从列表中移除（Pipeline）
func (c *CacheHelper) Remove(ctx context.Context, id uint32) error {
	return c.do(ctx, "redis.cache_remove", func(ctx context.Context) error {
		_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, c.ItemKey(id))
			pipe.LRem(ctx, c.list, 0, id)
			return nil
		})
		return err
	})
}

// Size 列表长度
func (c *CacheHelper) Size(ctx context.Context) (int64, error) {
	var n int64
	err := c.do(ctx, "redis.llen", func(ctx context.Context) error {
		var err error
		n, err = c.client.LLen(ctx, c.list).Result()
		return err
	})
	return n, err
}
