package service

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-realtime/pkg/apperr"
	"go-realtime/pkg/retry"
	"go-realtime/protocol"
	"go-realtime/testutils"
)

func newTestSocial(t *testing.T) (*fixture, *Social) {
	t.Helper()
	f := newFixture(t, RoomConfig{})
	return f, NewSocial(f.client, f.registry, retry.None(), nil)
}

// 附近的人用到 GEOSEARCH，需要真实的 Redis
func newGeoSocial(t *testing.T) (*fixture, *Social) {
	t.Helper()
	f := newFixtureOn(t, testutils.NewContainerRedis(t), RoomConfig{})
	return f, NewSocial(f.client, f.registry, retry.None(), nil)
}

func TestLeaderboardRequiresRoom(t *testing.T) {
	f, s := newTestSocial(t)
	f.connect(t, 1)
	ctx := context.Background()

	_, err := s.AddScore(ctx, 1, 5)
	assert.ErrorIs(t, err, apperr.ErrNotInRoom)
	_, err = s.TopScores(ctx, 1, 10)
	assert.ErrorIs(t, err, apperr.ErrNotInRoom)
}

func TestLeaderboard(t *testing.T) {
	f, s := newTestSocial(t)
	ctx := context.Background()
	for _, id := range []uint64{1, 2, 3} {
		f.connect(t, id)
		require.NoError(t, f.registry.SetRoom(id, 4))
	}

	score, err := s.AddScore(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 10.0, score)
	score, err = s.AddScore(ctx, 1, 2.5)
	require.NoError(t, err)
	assert.Equal(t, 12.5, score)
	_, err = s.AddScore(ctx, 2, 30)
	require.NoError(t, err)
	_, err = s.AddScore(ctx, 3, 1)
	require.NoError(t, err)

	top, err := s.TopScores(ctx, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, []ScoreEntry{{UserID: 2, Score: 30}, {UserID: 1, Score: 12.5}}, top)

	top, err = s.TopScores(ctx, 3, 0)
	require.NoError(t, err)
	assert.Len(t, top, 3)

	assert.Equal(t, int64(3), f.client.ZCard(ctx, "leaderboard:4").Val())
}

func TestSocialHandleJSON(t *testing.T) {
	f, s := newGeoSocial(t)
	ctx := context.Background()
	c := f.connect(t, 9)
	require.NoError(t, f.registry.SetRoom(9, 2))

	reply, err := s.Handle(ctx, c, &protocol.Custom{Name: CustomScoreAdd, Payload: []byte(`{"delta": 7}`)})
	require.NoError(t, err)
	assert.Equal(t, CustomScoreAdd, reply.Name)
	assert.JSONEq(t, `{"score": 7}`, string(reply.Payload))

	reply, err = s.Handle(ctx, c, &protocol.Custom{Name: CustomScoreTop})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"user_id": 9, "score": 7}]`, string(reply.Payload))

	reply, err = s.Handle(ctx, c, &protocol.Custom{Name: CustomGeoUpdate, Payload: []byte(`{"lon": 116.397, "lat": 39.908}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(reply.Payload))

	reply, err = s.Handle(ctx, c, &protocol.Custom{Name: CustomGeoNearby, Payload: []byte(`{"radius": 1000}`)})
	require.NoError(t, err)
	var nearby struct {
		Users []uint64 `json:"users"`
	}
	require.NoError(t, json.Unmarshal(reply.Payload, &nearby))
	assert.Empty(t, nearby.Users)

	_, err = s.Handle(ctx, c, &protocol.Custom{Name: CustomScoreAdd, Payload: []byte(`{"delta": "x"`)})
	assert.ErrorIs(t, err, apperr.ErrBadRequest)
	_, err = s.Handle(ctx, c, &protocol.Custom{Name: "score.reset"})
	assert.ErrorIs(t, err, apperr.ErrBadRequest)
}

func TestNearby(t *testing.T) {
	_, s := newGeoSocial(t)
	ctx := context.Background()

	// 天安门附近两个点相距约 1.8 公里，上海远在 1000 公里外
	require.NoError(t, s.UpdatePosition(ctx, 1, 116.397, 39.908))
	require.NoError(t, s.UpdatePosition(ctx, 2, 116.404, 39.923))
	require.NoError(t, s.UpdatePosition(ctx, 3, 121.473, 31.230))
	require.NoError(t, s.UpdatePosition(ctx, 4, 116.398, 39.909))

	users, err := s.Nearby(ctx, 1, 5000, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 2}, users)

	users, err = s.Nearby(ctx, 1, 5000, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{4}, users)

	_, err = s.Nearby(ctx, 1, 0, 0)
	assert.ErrorIs(t, err, apperr.ErrBadRequest)
	_, err = s.Nearby(ctx, 1, maxNearbyRadius+1, 0)
	assert.ErrorIs(t, err, apperr.ErrBadRequest)
	_, err = s.Nearby(ctx, 42, 1000, 0)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.ErrorIs(t, s.UpdatePosition(ctx, 1, 181, 0), apperr.ErrBadRequest)
	assert.ErrorIs(t, s.UpdatePosition(ctx, 1, 0, 86), apperr.ErrBadRequest)

	s.Forget(ctx, 4)
	users, err = s.Nearby(ctx, 1, 5000, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, users)
}

func TestSocialHandles(t *testing.T) {
	s := NewSocial(nil, nil, retry.None(), nil)
	for _, name := range []string{CustomScoreAdd, CustomScoreTop, CustomGeoUpdate, CustomGeoNearby} {
		assert.True(t, s.Handles(name), name)
	}
	assert.False(t, s.Handles(CustomWorldChat))
	assert.False(t, s.Handles(""))
}

func TestAddScoreRejectsNonFinite(t *testing.T) {
	s := NewSocial(nil, nil, retry.None(), nil)
	_, err := s.AddScore(context.Background(), 1, math.NaN())
	assert.ErrorIs(t, err, apperr.ErrBadRequest)
}
