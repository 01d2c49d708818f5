package server

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-realtime/pkg/apperr"
)

func TestOutboxBackpressure(t *testing.T) {
	o := NewOutbox(2)
	assert.Equal(t, 2, o.Cap())

	require.NoError(t, o.Push([]byte("a")))
	require.NoError(t, o.Push([]byte("b")))
	assert.ErrorIs(t, o.Push([]byte("c")), apperr.ErrBackpressure)
	assert.ErrorIs(t, o.Push([]byte("d")), apperr.ErrBackpressure)
	assert.Equal(t, int64(2), o.ConsecutiveDrops())

	<-o.C()
	require.NoError(t, o.Push([]byte("e")))
	assert.Zero(t, o.ConsecutiveDrops())
	assert.Equal(t, 2, o.Len())
}

func TestOutboxClose(t *testing.T) {
	o := NewOutbox(0)
	assert.Equal(t, DefaultQueueSize, o.Cap())

	require.NoError(t, o.Push([]byte("a")))
	o.Close()
	o.Close()
	assert.True(t, o.Closed())
	assert.ErrorIs(t, o.Push([]byte("b")), apperr.ErrClosed)

	assert.Equal(t, [][]byte{[]byte("a")}, o.Drain())
	assert.Empty(t, o.Drain())
}

func TestOutboxConcurrentPushClose(t *testing.T) {
	o := NewOutbox(8)
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_ = o.Push([]byte("x"))
			}
		}()
	}
	o.Close()
	wg.Wait()
	assert.LessOrEqual(t, len(o.Drain()), 8)
}
