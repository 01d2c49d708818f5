package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want uint16
	}{
		{nil, 0},
		{ErrRoomFull, CodeRoomFull},
		{fmt.Errorf("join 3: %w", ErrRoomFull), CodeRoomFull},
		{ErrRoomNotFound, CodeNotFound},
		{ErrNotInRoom, CodeNotFound},
		{fmt.Errorf("%w: %w", errors.New("token expired"), ErrUnauthorized), CodeUnauthorized},
		{ErrIDSpaceExhausted, CodeUnavailable},
		{ErrCapacityExceeded, CodeUnavailable},
		{ErrBadRequest, CodeBadRequest},
		{ErrUnknownTag, CodeBadRequest},
		{ErrKeyValidation, CodeBadRequest},
		{ErrBackpressure, CodeTooManyRequests},
		{Redis("redis.hget", errors.New("WRONGTYPE")), CodeInternal},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Code(tt.err), "%v", tt.err)
	}

	assert.True(t, IsClientError(CodeRoomFull))
	assert.False(t, IsClientError(CodeInternal))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindSystem, KindOf(errors.New("plain")))
	assert.Equal(t, KindProtocol, KindOf(fmt.Errorf("read: %w", ErrMalformedFrame)))
	assert.True(t, Is(ErrClosed, KindNetwork))
	assert.False(t, Is(nil, KindSystem))

	// 已分类的错误保留原分类
	err := Redis("redis.get", ErrClosed)
	assert.Equal(t, KindNetwork, KindOf(err))
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, "redis.get: connection closed", err.Error())
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "room.join: room is full", New(KindBusiness, "room.join", errors.New("room is full")).Error())
	assert.Equal(t, "op: redis", (&Error{Kind: KindRedis, Op: "op"}).Error())
	assert.Equal(t, "serialization", (&Error{Kind: KindSerialization}).Error())
	assert.Equal(t, "kind(42)", Kind(42).String())
	assert.Nil(t, New(KindSystem, "x", nil))
	assert.Nil(t, Redis("x", nil))
}
