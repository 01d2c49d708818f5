package redis

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// ==================== ZSet ====================

// ZSetHelper 有序集合（排行榜）访问
//
//	Key: leaderboard:1
//	┌──────────┬────────┐
//	│ Member   │ Score  │
//	├──────────┼────────┤
//	│ 7        │ 320    │
//	│ 9        │ 150    │
//	└──────────┴────────┘
type ZSetHelper struct {
	base
	key string
}

// Member 排名结果
type Member struct {
	Member string
	Score  float64
}

// NewZSetHelper 创建 ZSet 辅助类
func NewZSetHelper(client redis.UniversalClient, key string, opts ...Option) *ZSetHelper {
	return &ZSetHelper{base: newBase(client, opts), key: key}
}

// Key 返回 ZSet 的 Key
func (z *ZSetHelper) Key() string { return z.key }

// Add 添加或更新成员分数
func (z *ZSetHelper) Add(ctx context.Context, member string, score float64) error {
	return z.do(ctx, "redis.zadd", func(ctx context.Context) error {
		_, err := z.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, z.key, redis.Z{Score: score, Member: member})
			z.refresh(ctx, pipe, z.key)
			return nil
		})
		return err
	})
}

// Remove 删除成员，返回是否存在
func (z *ZSetHelper) Remove(ctx context.Context, member string) (bool, error) {
	var cmd *redis.IntCmd
	err := z.do(ctx, "redis.zrem", func(ctx context.Context) error {
		_, err := z.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			cmd = pipe.ZRem(ctx, z.key, member)
			z.refresh(ctx, pipe, z.key)
			return nil
		})
		return err
	})
	if err != nil {
		return false, err
	}
	return cmd.Val() > 0, nil
}

// IncrBy 增加成员分数，返回新分数
func (z *ZSetHelper) IncrBy(ctx context.Context, member string, delta float64) (float64, error) {
	var cmd *redis.FloatCmd
	err := z.do(ctx, "redis.zincrby", func(ctx context.Context) error {
		_, err := z.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			cmd = pipe.ZIncrBy(ctx, z.key, delta, member)
			z.refresh(ctx, pipe, z.key)
			return nil
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return cmd.Val(), nil
}

// Score 成员分数，不存在时 ok=false
func (z *ZSetHelper) Score(ctx context.Context, member string) (score float64, ok bool, err error) {
	err = z.do(ctx, "redis.zscore", func(ctx context.Context) error {
		score, err = z.client.ZScore(ctx, z.key, member).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

// Top 分数最高的 n 个成员（降序）
func (z *ZSetHelper) Top(ctx context.Context, n int64) ([]Member, error) {
	return z.rangeWithScores(ctx, "redis.zrevrange", n, true)
}

// Bottom 分数最低的 n 个成员（升序）
func (z *ZSetHelper) Bottom(ctx context.Context, n int64) ([]Member, error) {
	return z.rangeWithScores(ctx, "redis.zrange", n, false)
}

func (z *ZSetHelper) rangeWithScores(ctx context.Context, op string, n int64, rev bool) ([]Member, error) {
	if n <= 0 {
		return nil, nil
	}
	var zs []redis.Z
	err := z.do(ctx, op, func(ctx context.Context) error {
		var err error
		if rev {
			zs, err = z.client.ZRevRangeWithScores(ctx, z.key, 0, n-1).Result()
		} else {
			zs, err = z.client.ZRangeWithScores(ctx, z.key, 0, n-1).Result()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return toMembers(zs), nil
}

// Card 成员数量
func (z *ZSetHelper) Card(ctx context.Context) (int64, error) {
	var n int64
	err := z.do(ctx, "redis.zcard", func(ctx context.Context) error {
		var err error
		n, err = z.client.ZCard(ctx, z.key).Result()
		return err
	})
	return n, err
}

// Rank 升序排名（从 0 开始），不存在时 ok=false
func (z *ZSetHelper) Rank(ctx context.Context, member string) (int64, bool, error) {
	return z.rank(ctx, member, false)
}

// RevRank 降序排名（从 0 开始），不存在时 ok=false
func (z *ZSetHelper) RevRank(ctx context.Context, member string) (int64, bool, error) {
	return z.rank(ctx, member, true)
}

func (z *ZSetHelper) rank(ctx context.Context, member string, rev bool) (int64, bool, error) {
	var r int64
	err := z.do(ctx, "redis.zrank", func(ctx context.Context) error {
		var err error
		if rev {
			r, err = z.client.ZRevRank(ctx, z.key, member).Result()
		} else {
			r, err = z.client.ZRank(ctx, z.key, member).Result()
		}
		return err
	})
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return r, true, nil
}

// RangeByScore 分数在 [min, max] 之间的成员（升序）
func (z *ZSetHelper) RangeByScore(ctx context.Context, min, max float64) ([]Member, error) {
	var zs []redis.Z
	err := z.do(ctx, "redis.zrangebyscore", func(ctx context.Context) error {
		var err error
		zs, err = z.client.ZRangeByScoreWithScores(ctx, z.key, &redis.ZRangeBy{
			Min: formatScore(min),
			Max: formatScore(max),
		}).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	return toMembers(zs), nil
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func toMembers(zs []redis.Z) []Member {
	out := make([]Member, 0, len(zs))
	for _, m := range zs {
		name, _ := m.Member.(string)
		out = append(out, Member{Member: name, Score: m.Score})
	}
	return out
}
