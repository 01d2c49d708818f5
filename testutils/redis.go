// Package testutils 测试用的 Redis
//
// 每个调用 NewRedis 的测试拿到一个独立的空库：有 Docker 时使用容器，
// 没有 Docker 或者使用 -short 时退回进程内的 miniredis。
// miniredis 不支持的命令（GEOSEARCH 等）用 NewContainerRedis，没有容器时跳过。
package testutils

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

var (
	once      sync.Once
	container *tcredis.RedisContainer
	endpoint  string
	startErr  error

	dbMu   sync.Mutex
	nextDB = 0
)

// 同一个包里的测试共享一个容器，用不同的 DB 隔离
func start() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, startErr = tcredis.Run(ctx, "redis:7-alpine")
	if startErr != nil {
		return
	}
	endpoint, startErr = container.Endpoint(ctx, "")
}

// NewRedis 返回一个空库的客户端，测试结束时清空并关闭
func NewRedis(t testing.TB) *redis.Client {
	t.Helper()

	if !testing.Short() {
		once.Do(start)
		if startErr == nil {
			return containerClient(t)
		}
	}
	return NewMiniRedis(t)
}

// NewContainerRedis 只使用容器，没有 Docker 或者使用 -short 时跳过
func NewContainerRedis(t testing.TB) *redis.Client {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}
	once.Do(start)
	if startErr != nil {
		t.Skipf("redis container unavailable: %v", startErr)
	}
	return containerClient(t)
}

// NewMiniRedis 进程内的 Redis，测试结束时关闭
func NewMiniRedis(t testing.TB) *redis.Client {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:     srv.Addr(),
		PoolSize: 10,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func containerClient(t testing.TB) *redis.Client {
	t.Helper()

	dbMu.Lock()
	db := nextDB % 16
	nextDB++
	dbMu.Unlock()

	client := redis.NewClient(&redis.Options{
		Addr:         endpoint,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}

	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}
