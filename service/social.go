package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"go-realtime/pkg/apperr"
	pkgredis "go-realtime/pkg/redis"
	"go-realtime/pkg/retry"
	"go-realtime/protocol"
	"go-realtime/server"
)

// ==================== 排行榜 / 附近的人 ====================
//
// 通过 Custom 消息访问，Payload 为 JSON：
//
//	score.add   {"delta": 10}                 → {"score": 130}
//	score.top   {"limit": 10}                 → [{"user_id": 7, "score": 130}, ...]
//	geo.update  {"lon": 121.47, "lat": 31.23} → {}
//	geo.nearby  {"radius": 500, "limit": 20}  → {"users": [9, 12]}
//
// 排行榜按房间划分（leaderboard:{room}），必须在房间内；
// 位置是全局的（geo:players），断线时移除。

const (
	CustomScoreAdd  = "score.add"
	CustomScoreTop  = "score.top"
	CustomGeoUpdate = "geo.update"
	CustomGeoNearby = "geo.nearby"

	// GeoPlayersKey 在线玩家位置
	GeoPlayersKey = "geo:players"

	defaultTopLimit    = 10
	maxTopLimit        = 100
	defaultNearbyLimit = 20
	maxNearbyRadius    = 50_000
)

// Leaderboard 排行榜 Key 的命名空间，leaderboard:{room}
var Leaderboard = pkgredis.Custom("leaderboard")

// ScoreEntry score.top 的一项
type ScoreEntry struct {
	UserID uint64  `json:"user_id"`
	Score  float64 `json:"score"`
}

type scoreAddRequest struct {
	Delta float64 `json:"delta"`
}

type scoreTopRequest struct {
	Limit int64 `json:"limit"`
}

type geoUpdateRequest struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

type geoNearbyRequest struct {
	Radius float64 `json:"radius"`
	Limit  int     `json:"limit"`
}

// Social 排行榜和附近的人
type Social struct {
	client   redis.UniversalClient
	registry *server.Registry
	geo      *pkgredis.GeoHelper
	retry    retry.Policy
	logger   *zap.Logger
}

// NewSocial 创建排行榜/附近服务
func NewSocial(client redis.UniversalClient, registry *server.Registry, policy retry.Policy, logger *zap.Logger) *Social {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Social{
		client:   client,
		registry: registry,
		geo:      pkgredis.NewGeoHelper(client, GeoPlayersKey, pkgredis.WithRetry(policy)),
		retry:    policy,
		logger:   logger.Named("social"),
	}
}

// Handles 是否处理这个 Custom 名称
func (s *Social) Handles(name string) bool {
	switch name {
	case CustomScoreAdd, CustomScoreTop, CustomGeoUpdate, CustomGeoNearby:
		return true
	}
	return false
}

// Handle 处理 Custom 消息，返回回复
func (s *Social) Handle(ctx context.Context, c *server.Client, m *protocol.Custom) (*protocol.Custom, error) {
	var (
		reply any
		err   error
	)
	switch m.Name {
	case CustomScoreAdd:
		var req scoreAddRequest
		if err := decodePayload(m.Payload, &req); err != nil {
			return nil, err
		}
		var score float64
		score, err = s.AddScore(ctx, c.UserID, req.Delta)
		reply = map[string]float64{"score": score}

	case CustomScoreTop:
		var req scoreTopRequest
		if err := decodePayload(m.Payload, &req); err != nil {
			return nil, err
		}
		reply, err = s.TopScores(ctx, c.UserID, req.Limit)

	case CustomGeoUpdate:
		var req geoUpdateRequest
		if err := decodePayload(m.Payload, &req); err != nil {
			return nil, err
		}
		err = s.UpdatePosition(ctx, c.UserID, req.Lon, req.Lat)
		reply = struct{}{}

	case CustomGeoNearby:
		var req geoNearbyRequest
		if err := decodePayload(m.Payload, &req); err != nil {
			return nil, err
		}
		var users []uint64
		users, err = s.Nearby(ctx, c.UserID, req.Radius, req.Limit)
		reply = map[string][]uint64{"users": users}

	default:
		return nil, fmt.Errorf("custom %q: %w", m.Name, apperr.ErrBadRequest)
	}
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(reply)
	if err != nil {
		return nil, apperr.Serialization("social.encode", err)
	}
	return &protocol.Custom{Name: m.Name, Payload: payload}, nil
}

func decodePayload(payload []byte, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, apperr.ErrBadRequest)
	}
	return nil
}

// ==================== 排行榜 ====================

func (s *Social) leaderboard(userID uint64) (*pkgredis.ZSetHelper, error) {
	room, ok := s.registry.Room(userID)
	if !ok {
		return nil, apperr.ErrNotInRoom
	}
	return pkgredis.NewZSetHelper(s.client, Leaderboard.MustItemKey(uint64(room)), pkgredis.WithRetry(s.retry)), nil
}

// AddScore 给当前房间排行榜中的用户加分，返回新分数
func (s *Social) AddScore(ctx context.Context, userID uint64, delta float64) (float64, error) {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return 0, fmt.Errorf("delta must be finite: %w", apperr.ErrBadRequest)
	}
	z, err := s.leaderboard(userID)
	if err != nil {
		return 0, err
	}
	return z.IncrBy(ctx, strconv.FormatUint(userID, 10), delta)
}

// TopScores 当前房间排行榜前 limit 名
func (s *Social) TopScores(ctx context.Context, userID uint64, limit int64) ([]ScoreEntry, error) {
	if limit <= 0 {
		limit = defaultTopLimit
	}
	limit = min(limit, maxTopLimit)

	z, err := s.leaderboard(userID)
	if err != nil {
		return nil, err
	}
	members, err := z.Top(ctx, limit)
	if err != nil {
		return nil, err
	}

	out := make([]ScoreEntry, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseUint(m.Member, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, ScoreEntry{UserID: id, Score: m.Score})
	}
	return out, nil
}

// ==================== 附近的人 ====================

// UpdatePosition 更新用户位置
func (s *Social) UpdatePosition(ctx context.Context, userID uint64, lon, lat float64) error {
	if lon < -180 || lon > 180 || lat < -85.05112878 || lat > 85.05112878 {
		return fmt.Errorf("position (%f, %f) out of range: %w", lon, lat, apperr.ErrBadRequest)
	}
	return s.geo.Add(ctx, lon, lat, strconv.FormatUint(userID, 10))
}

// Nearby radius 米内的其他用户，由近到远
func (s *Social) Nearby(ctx context.Context, userID uint64, radius float64, limit int) ([]uint64, error) {
	if radius <= 0 || radius > maxNearbyRadius {
		return nil, fmt.Errorf("radius must be in (0, %d]: %w", maxNearbyRadius, apperr.ErrBadRequest)
	}
	if limit <= 0 {
		limit = defaultNearbyLimit
	}

	self := strconv.FormatUint(userID, 10)
	pos, err := s.geo.Positions(ctx, self)
	if err != nil {
		return nil, err
	}
	if len(pos) == 0 || pos[0] == nil {
		return nil, fmt.Errorf("no position for user %d: %w", userID, apperr.ErrNotFound)
	}

	// 结果包含自己，多取一个
	names, err := s.geo.Nearby(ctx, pos[0].Longitude, pos[0].Latitude, radius, pkgredis.SortAsc, limit+1)
	if err != nil {
		return nil, err
	}

	out := make([]uint64, 0, len(names))
	for _, n := range names {
		if n == self {
			continue
		}
		id, err := strconv.ParseUint(n, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Forget 断线时移除位置
func (s *Social) Forget(ctx context.Context, userID uint64) {
	if _, err := s.geo.Remove(ctx, strconv.FormatUint(userID, 10)); err != nil {
		s.logger.Warn("remove position failed", zap.Uint64("user_id", userID), zap.Error(err))
	}
}
