package redis

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// ==================== Geo ====================

// GeoHelper 地理位置访问
// Redis 的 GEO 底层就是 ZSet（score 是 geohash），所以删除用 ZREM。
type GeoHelper struct {
	base
	key string
}

// Position 经纬度
type Position struct {
	Longitude float64
	Latitude  float64
}

// Sort 附近搜索的排序方式
type Sort string

const (
	SortNone Sort = ""
	SortAsc  Sort = "ASC"
	SortDesc Sort = "DESC"
)

// NewGeoHelper 创建 Geo 辅助类
func NewGeoHelper(client redis.UniversalClient, key string, opts ...Option) *GeoHelper {
	return &GeoHelper{base: newBase(client, opts), key: key}
}

// Key 返回 Key
func (g *GeoHelper) Key() string { return g.key }

// Add 添加或更新成员位置
func (g *GeoHelper) Add(ctx context.Context, lon, lat float64, member string) error {
	return g.do(ctx, "redis.geoadd", func(ctx context.Context) error {
		_, err := g.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.GeoAdd(ctx, g.key, &redis.GeoLocation{Name: member, Longitude: lon, Latitude: lat})
			g.refresh(ctx, pipe, g.key)
			return nil
		})
		return err
	})
}

// Distance 两个成员之间的距离（米），任意一个不存在时 ok=false
func (g *GeoHelper) Distance(ctx context.Context, a, b string) (float64, bool, error) {
	var d float64
	err := g.do(ctx, "redis.geodist", func(ctx context.Context) error {
		var err error
		d, err = g.client.GeoDist(ctx, g.key, a, b, "m").Result()
		return err
	})
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return d, true, nil
}

// Positions 批量查询位置，不存在的成员对应 nil
func (g *GeoHelper) Positions(ctx context.Context, members ...string) ([]*Position, error) {
	if len(members) == 0 {
		return nil, nil
	}
	var raw []*redis.GeoPos
	err := g.do(ctx, "redis.geopos", func(ctx context.Context) error {
		var err error
		raw, err = g.client.GeoPos(ctx, g.key, members...).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]*Position, len(raw))
	for i, p := range raw {
		if p != nil {
			out[i] = &Position{Longitude: p.Longitude, Latitude: p.Latitude}
		}
	}
	return out, nil
}

// Nearby 以 (lon, lat) 为中心、radius 米内的成员
// limit <= 0 表示不限制数量
func (g *GeoHelper) Nearby(ctx context.Context, lon, lat, radius float64, sort Sort, limit int) ([]string, error) {
	var locs []redis.GeoLocation
	err := g.do(ctx, "redis.geosearch", func(ctx context.Context) error {
		var err error
		locs, err = g.client.GeoSearchLocation(ctx, g.key, &redis.GeoSearchLocationQuery{
			GeoSearchQuery: redis.GeoSearchQuery{
				Longitude:  lon,
				Latitude:   lat,
				Radius:     radius,
				RadiusUnit: "m",
				Sort:       string(sort),
				Count:      limit,
			},
		}).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(locs))
	for _, l := range locs {
		names = append(names, l.Name)
	}
	return names, nil
}

// NearbyMember 以某个成员为中心搜索（结果包含该成员自己）
func (g *GeoHelper) NearbyMember(ctx context.Context, member string, radius float64, sort Sort, limit int) ([]string, error) {
	var names []string
	err := g.do(ctx, "redis.geosearch", func(ctx context.Context) error {
		var err error
		names, err = g.client.GeoSearch(ctx, g.key, &redis.GeoSearchQuery{
			Member:     member,
			Radius:     radius,
			RadiusUnit: "m",
			Sort:       string(sort),
			Count:      limit,
		}).Result()
		return err
	})
	return names, err
}

// Remove 删除成员
func (g *GeoHelper) Remove(ctx context.Context, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	var n int64
	err := g.do(ctx, "redis.zrem", func(ctx context.Context) error {
		var err error
		n, err = g.client.ZRem(ctx, g.key, args...).Result()
		return err
	})
	return n, err
}

// Count 成员数量
func (g *GeoHelper) Count(ctx context.Context) (int64, error) {
	var n int64
	err := g.do(ctx, "redis.zcard", func(ctx context.Context) error {
		var err error
		n, err = g.client.ZCard(ctx, g.key).Result()
		return err
	})
	return n, err
}
