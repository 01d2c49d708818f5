package redis

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// SetHelper 无序集合访问，成员是数字 ID（房间成员表）
type SetHelper struct {
	base
	key string
}

// NewSetHelper 创建 Set 辅助类
func NewSetHelper(client redis.UniversalClient, key string, opts ...Option) *SetHelper {
	return &SetHelper{base: newBase(client, opts), key: key}
}

// Key 返回 Key
func (s *SetHelper) Key() string { return s.key }

// Add 添加成员，返回是否是新成员
func (s *SetHelper) Add(ctx context.Context, id uint64) (bool, error) {
	var cmd *redis.IntCmd
	err := s.do(ctx, "redis.sadd", func(ctx context.Context) error {
		_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			cmd = pipe.SAdd(ctx, s.key, id)
			s.refresh(ctx, pipe, s.key)
			return nil
		})
		return err
	})
	if err != nil {
		return false, err
	}
	return cmd.Val() > 0, nil
}

// Remove 删除成员，返回是否存在
func (s *SetHelper) Remove(ctx context.Context, id uint64) (bool, error) {
	var n int64
	err := s.do(ctx, "redis.srem", func(ctx context.Context) error {
		var err error
		n, err = s.client.SRem(ctx, s.key, id).Result()
		return err
	})
	return n > 0, err
}

// Contains 是否是成员
func (s *SetHelper) Contains(ctx context.Context, id uint64) (bool, error) {
	var ok bool
	err := s.do(ctx, "redis.sismember", func(ctx context.Context) error {
		var err error
		ok, err = s.client.SIsMember(ctx, s.key, id).Result()
		return err
	})
	return ok, err
}

// Members 全部成员，无法解析为数字的成员被忽略
func (s *SetHelper) Members(ctx context.Context) ([]uint64, error) {
	var raw []string
	err := s.do(ctx, "redis.smembers", func(ctx context.Context) error {
		var err error
		raw, err = s.client.SMembers(ctx, s.key).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	return parseIDs(raw), nil
}

// Card 成员数量
func (s *SetHelper) Card(ctx context.Context) (int64, error) {
	var n int64
	err := s.do(ctx, "redis.scard", func(ctx context.Context) error {
		var err error
		n, err = s.client.SCard(ctx, s.key).Result()
		return err
	})
	return n, err
}

func parseIDs(raw []string) []uint64 {
	ids := make([]uint64, 0, len(raw))
	for _, v := range raw {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
