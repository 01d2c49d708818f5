/*
Package redis - Redis 访问层

=== Redis 在实时核心中的作用 ===

 1. 用户会话（user:{id}）
    - Hash 存储昵称、Token 摘要、所在节点
    - TTL 1 小时，心跳续期

 2. 房间信息（room:info:{id}）与成员（room:users:{id}）
    - Hash + Set，成员数与 Set 大小保持一致

 3. 最近房间（room:list:time）
    - List 头部是最新房间，Lua 脚本原子地插入并截断

 4. 房间 ID（room_counter:id + room:info:index）
    - INCR 分配，List 回收

=== 连接池 ===

go-redis 的 *redis.Client 本身就是一个连接池，并发安全：

	goroutine A ──┐
	goroutine B ──┼──▶ *redis.Client ──▶ ┌─────┐ ┌─────┐ ┌─────┐
	goroutine C ──┘     (共享指针)         │Conn1│ │Conn2│ │ConnN│
	                                     └─────┘ └─────┘ └─────┘

所以"克隆句柄"就是共享同一个指针，调用方之间没有全局锁。
Pool 只负责懒加载、就绪等待和健康检查。
*/
package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"go-realtime/pkg/apperr"
)

// DefaultAddr 未配置时使用的 Redis 地址
const DefaultAddr = "127.0.0.1:6379"

// ==================== 配置结构 ====================

// Config Redis 连接配置
type Config struct {
	// URL 形如 redis://:password@host:6379/0，优先于 Addr
	URL string `yaml:"url"`

	// Addr Redis 服务器地址，如 "127.0.0.1:6379"
	Addr string `yaml:"addr"`

	// Password Redis 密码（可选）
	Password string `yaml:"password"`

	// DB 数据库编号（0-15）
	DB int `yaml:"db"`

	// PoolSize 连接池大小，默认 100
	PoolSize int `yaml:"pool_size"`

	// MinIdleConns 最小空闲连接，默认 10
	MinIdleConns int `yaml:"min_idle_conns"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ConfigFromEnv 从环境变量读取配置
//
// 优先级：REDIS_URL > redis_host + redis_port > 默认 127.0.0.1:6379
func ConfigFromEnv() (*Config, error) {
	if raw, ok := os.LookupEnv("REDIS_URL"); ok {
		if raw == "" {
			return nil, fmt.Errorf("REDIS_URL is empty: %w", apperr.ErrInvalidConfig)
		}
		return &Config{URL: raw}, nil
	}

	host, port := os.Getenv("redis_host"), os.Getenv("redis_port")
	if host == "" && port == "" {
		return &Config{Addr: DefaultAddr}, nil
	}
	if host == "" {
		host = "127.0.0.1"
	}
	if port == "" {
		port = "6379"
	}
	return &Config{Addr: net.JoinHostPort(host, port)}, nil
}

// Options 把配置转换为 go-redis 的 Options
func (c *Config) Options() (*redis.Options, error) {
	var opts *redis.Options

	switch {
	case c.URL != "":
		u, err := url.Parse(c.URL)
		if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			return nil, fmt.Errorf("malformed redis url %q: %w", c.URL, apperr.ErrInvalidConfig)
		}
		opts, err = redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %v: %w", err, apperr.ErrInvalidConfig)
		}
	case c.Addr != "":
		if _, _, err := net.SplitHostPort(c.Addr); err != nil {
			return nil, fmt.Errorf("malformed redis addr %q: %w", c.Addr, apperr.ErrInvalidConfig)
		}
		opts = &redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB}
	default:
		return nil, fmt.Errorf("redis address missing: %w", apperr.ErrInvalidConfig)
	}

	// === 连接池配置 ===
	opts.PoolSize = c.PoolSize
	if opts.PoolSize == 0 {
		opts.PoolSize = 100
	}
	opts.MinIdleConns = c.MinIdleConns
	if opts.MinIdleConns == 0 {
		opts.MinIdleConns = 10
	}

	// === 超时配置 ===
	opts.DialTimeout = orDefault(c.DialTimeout, 5*time.Second)
	opts.ReadTimeout = orDefault(c.ReadTimeout, 3*time.Second)
	opts.WriteTimeout = orDefault(c.WriteTimeout, 3*time.Second)

	// 重试交给 retry.Policy，避免两层重试叠加
	opts.MaxRetries = -1

	return opts, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// ==================== 连接池 ====================

// Pool 懒加载的 Redis 客户端
//
// Init 可以被并发调用多次，只有第一次真正建立连接；
// Get 在 Init 完成前会等待（就绪门），之后直接返回共享客户端。
type Pool struct {
	once   sync.Once
	ready  chan struct{}
	client *redis.Client
	err    error
	logger *zap.Logger
}

// NewPool 创建未初始化的连接池
func NewPool(logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		ready:  make(chan struct{}),
		logger: logger.Named("redis"),
	}
}

// Init 初始化客户端，幂等且并发安全
//
// cfg 为 nil 时从环境变量读取。
// PING 失败时返回错误，但不会关闭就绪门以外的资源。
func (p *Pool) Init(ctx context.Context, cfg *Config) error {
	p.once.Do(func() {
		defer close(p.ready)

		if cfg == nil {
			cfg, p.err = ConfigFromEnv()
			if p.err != nil {
				return
			}
		}

		opts, err := cfg.Options()
		if err != nil {
			p.err = err
			return
		}

		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			p.err = apperr.Redis("redis.ping", err)
			return
		}

		p.client = client
		p.logger.Info("connected", zap.String("addr", opts.Addr), zap.Int("pool_size", opts.PoolSize))
	})
	return p.err
}

// Attach 使用已有的客户端初始化（测试或外部管理连接时使用）
func (p *Pool) Attach(client *redis.Client) {
	p.once.Do(func() {
		p.client = client
		close(p.ready)
	})
}

// Get 返回共享客户端
// 未初始化时阻塞等待，直到 ctx 取消
func (p *Pool) Get(ctx context.Context) (*redis.Client, error) {
	select {
	case <-p.ready:
	case <-ctx.Done():
		return nil, fmt.Errorf("redis pool not ready: %w", ctx.Err())
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.client, nil
}

// Client 返回共享客户端，未就绪时返回 nil
func (p *Pool) Client() *redis.Client {
	select {
	case <-p.ready:
		return p.client
	default:
		return nil
	}
}

// HealthCheck 发送 PING，响应必须是 PONG
func (p *Pool) HealthCheck(ctx context.Context) error {
	client, err := p.Get(ctx)
	if err != nil {
		return err
	}
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		return apperr.Redis("redis.ping", err)
	}
	if pong != "PONG" {
		return apperr.Redis("redis.ping", fmt.Errorf("unexpected reply %q", pong))
	}
	return nil
}

// Close 关闭客户端
// 在程序退出时调用
func (p *Pool) Close() error {
	if c := p.Client(); c != nil {
		return c.Close()
	}
	return nil
}

// ==================== 进程级单例 ====================

var defaultPool = NewPool(nil)

// Default 返回进程级连接池
func Default() *Pool { return defaultPool }

// Init 初始化进程级连接池
func Init(ctx context.Context, cfg *Config) error {
	return defaultPool.Init(ctx, cfg)
}

// ==================== Pipeline 批量操作 ====================

/*
Pipeline 执行批量命令

将多个命令打包成一次网络请求发送，减少 RTT：

	Client --[HSET,EXPIRE,SADD]--> Redis
	Client <-[1,1,1]-------------- Redis

使用示例:

	err := Pipeline(ctx, client, func(pipe redis.Pipeliner) error {
	    pipe.HSet(ctx, "room:info:1", "name", "lobby")
	    pipe.Expire(ctx, "room:info:1", time.Hour)
	    return nil
	})
*/
func Pipeline(ctx context.Context, client redis.Cmdable, fn func(pipe redis.Pipeliner) error) error {
	_, err := client.Pipelined(ctx, fn)
	if err != nil && !errors.Is(err, redis.Nil) {
		return apperr.Redis("redis.pipeline", err)
	}
	return nil
}

// TxPipeline 同 Pipeline，但用 MULTI/EXEC 包裹
func TxPipeline(ctx context.Context, client redis.Cmdable, fn func(pipe redis.Pipeliner) error) error {
	_, err := client.TxPipelined(ctx, fn)
	if err != nil && !errors.Is(err, redis.Nil) {
		return apperr.Redis("redis.tx", err)
	}
	return nil
}
