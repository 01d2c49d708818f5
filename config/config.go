/*
Package config - 启动配置

=== 加载顺序 ===

	默认值 ──▶ YAML 文件（可选）──▶ 环境变量 ──▶ Validate()

加载完成后 *Config 只读，由 main 向下传递，不存在可变的全局配置。

=== 环境变量 ===

	REDIS_URL                  redis://host:port/db，优先
	redis_host / redis_port    REDIS_URL 缺省时使用
	tcp_host / tcp_port        TCP 前端监听地址（默认 127.0.0.1:4000）
	udp_host / udp_port        UDP 前端监听地址（默认 127.0.0.1:4001）
	JWT_SECRET                 Token 签名密钥
	NODE_ID                    节点标识（跨节点广播时过滤自己的消息）
	LOG_LEVEL / LOG_FORMAT     日志级别与格式
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"go-realtime/pkg/apperr"
	pkgredis "go-realtime/pkg/redis"
	"go-realtime/pkg/retry"
)

// ==================== 配置结构 ====================

// Config 进程配置
type Config struct {
	NodeID    string          `yaml:"node_id"`
	JWTSecret string          `yaml:"jwt_secret"`
	Redis     pkgredis.Config `yaml:"redis"`
	TCP       Listen          `yaml:"tcp"`
	UDP       Listen          `yaml:"udp"`
	Log       Log             `yaml:"log"`
	Room      Room            `yaml:"room"`
	Registry  Registry        `yaml:"registry"`
	Heartbeat Heartbeat       `yaml:"heartbeat"`
	Protocol  Protocol        `yaml:"protocol"`
	Retry     Retry           `yaml:"retry"`
}

// Listen 监听地址，Enabled=false 时不启动该前端
type Listen struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Addr host:port
func (l Listen) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Room 房间相关参数
type Room struct {
	// RecentSize 最近房间列表长度 L
	RecentSize int64 `yaml:"recent_size"`
	// TTL room:info / room:users 的过期时间
	TTL time.Duration `yaml:"ttl"`
	// MaxCapacity 单个房间人数上限
	MaxCapacity uint16 `yaml:"max_capacity"`
	// SessionTTL user:{id} 的过期时间
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// Registry 连接注册表参数
type Registry struct {
	// MaxConnections 连接数上限 M
	MaxConnections int `yaml:"max_connections"`
	// QueueSize 每个连接的发送队列长度
	QueueSize int `yaml:"queue_size"`
	// MaxConsecutiveDrops 连续多少次发送失败后驱逐连接
	MaxConsecutiveDrops int `yaml:"max_consecutive_drops"`
}

type Heartbeat struct {
	Interval  time.Duration `yaml:"interval"`
	IdleLimit time.Duration `yaml:"idle_limit"`
}

type Protocol struct {
	MaxPayload       int           `yaml:"max_payload"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	OpTimeout        time.Duration `yaml:"op_timeout"`
}

type Retry struct {
	Retries       int           `yaml:"retries"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	Jitter        time.Duration `yaml:"jitter"`
}

// Policy 转换为 retry.Policy
func (r Retry) Policy() retry.Policy {
	return retry.Policy{
		Retries:       r.Retries,
		BaseDelay:     r.BaseDelay,
		BackoffFactor: r.BackoffFactor,
		Jitter:        r.Jitter,
	}
}

// ==================== 默认值 ====================

// Default 默认配置
func Default() *Config {
	p := retry.Default()
	return &Config{
		NodeID:    "node_1",
		JWTSecret: "go-realtime-secret-change-in-production",
		Redis:     pkgredis.Config{Addr: pkgredis.DefaultAddr},
		TCP:       Listen{Enabled: true, Host: "127.0.0.1", Port: 4000},
		UDP:       Listen{Enabled: true, Host: "127.0.0.1", Port: 4001},
		Log:       Log{Level: "info", Format: "json"},
		Room: Room{
			RecentSize:  100,
			TTL:         time.Hour,
			MaxCapacity: 16,
			SessionTTL:  time.Hour,
		},
		Registry: Registry{
			MaxConnections:      10000,
			QueueSize:           256,
			MaxConsecutiveDrops: 64,
		},
		Heartbeat: Heartbeat{
			Interval:  10 * time.Second,
			IdleLimit: 30 * time.Second,
		},
		Protocol: Protocol{
			MaxPayload:       64 * 1024,
			HandshakeTimeout: 10 * time.Second,
			OpTimeout:        5 * time.Second,
		},
		Retry: Retry{
			Retries:       p.Retries,
			BaseDelay:     p.BaseDelay,
			BackoffFactor: p.BackoffFactor,
			Jitter:        p.Jitter,
		},
	}
}

// ==================== 加载 ====================

// Load 读取配置
// path 为空或文件不存在时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %v: %w", path, err, apperr.ErrInvalidConfig)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	// Redis：REDIS_URL 优先
	if raw, ok := lookup("REDIS_URL"); ok {
		if raw == "" {
			return fmt.Errorf("REDIS_URL is empty: %w", apperr.ErrInvalidConfig)
		}
		c.Redis.URL = raw
	} else {
		host, hok := lookup("redis_host")
		port, pok := lookup("redis_port")
		if hok || pok {
			if host == "" {
				host = "127.0.0.1"
			}
			if port == "" {
				port = "6379"
			}
			c.Redis.URL = ""
			c.Redis.Addr = net.JoinHostPort(host, port)
		}
	}

	if err := applyListen(lookup, "tcp", &c.TCP); err != nil {
		return err
	}
	if err := applyListen(lookup, "udp", &c.UDP); err != nil {
		return err
	}

	if v, ok := lookup("JWT_SECRET"); ok {
		c.JWTSecret = v
	}
	if v, ok := lookup("NODE_ID"); ok {
		c.NodeID = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("LOG_FORMAT"); ok {
		c.Log.Format = v
	}
	return nil
}

func applyListen(lookup lookupFunc, prefix string, l *Listen) error {
	if v, ok := lookup(prefix + "_host"); ok {
		l.Host = v
	}
	if v, ok := lookup(prefix + "_port"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s_port %q: %w", prefix, v, apperr.ErrInvalidConfig)
		}
		l.Port = port
	}
	return nil
}

// ==================== 校验 ====================

// Validate 检查配置，失败时返回 InvalidConfig
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.NodeID != "", "node_id is required")
	check(c.JWTSecret != "", "jwt_secret is required")
	check(c.Redis.URL != "" || c.Redis.Addr != "", "redis address is required")
	for name, l := range map[string]Listen{"tcp": c.TCP, "udp": c.UDP} {
		if l.Enabled {
			check(l.Port > 0 && l.Port < 65536, "%s port %d out of range", name, l.Port)
		}
	}
	check(c.Room.RecentSize >= 1, "room.recent_size must be >= 1")
	check(c.Room.TTL >= 0, "room.ttl must be >= 0")
	check(c.Room.MaxCapacity >= 1, "room.max_capacity must be >= 1")
	check(c.Registry.MaxConnections >= 1, "registry.max_connections must be >= 1")
	check(c.Registry.QueueSize >= 1, "registry.queue_size must be >= 1")
	check(c.Heartbeat.Interval > 0, "heartbeat.interval must be > 0")
	check(c.Heartbeat.IdleLimit > 0, "heartbeat.idle_limit must be > 0")
	check(c.Protocol.MaxPayload >= 2, "protocol.max_payload must be >= 2")
	check(c.Protocol.HandshakeTimeout > 0, "protocol.handshake_timeout must be > 0")
	check(c.Protocol.OpTimeout > 0, "protocol.op_timeout must be > 0")
	check(c.Retry.Retries >= 0, "retry.retries must be >= 0")
	check(c.Retry.BackoffFactor >= 1, "retry.backoff_factor must be >= 1")

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", apperr.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
