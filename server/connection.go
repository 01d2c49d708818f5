package server

import (
	"bufio"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"go-realtime/protocol"
)

// ==================== 传输层抽象 ====================

// transport 一条已接受的连接（TCP 流或 UDP 虚拟连接）
type transport interface {
	// ReadMessage 阻塞读取一条消息
	ReadMessage() (protocol.Message, error)
	SetReadDeadline(t time.Time) error
	// WriteFrame 写入一个完整的帧，deadline 为零值时使用默认写超时
	WriteFrame(frame []byte, deadline time.Time) error
	Close() error
	RemoteAddr() string
	Network() string
}

// writeTimeout 单帧写超时，防止网络阻塞
const writeTimeout = 10 * time.Second

// flushTimeout 关闭前发送剩余消息的总时限
const flushTimeout = time.Second

// tcpTransport TCP 流，长度前缀解决粘包和拆包
type tcpTransport struct {
	conn   net.Conn
	reader *bufio.Reader
	codec  *protocol.Codec
}

func newTCPTransport(conn net.Conn, codec *protocol.Codec) *tcpTransport {
	return &tcpTransport{
		conn:   conn,
		reader: bufio.NewReader(conn),
		codec:  codec,
	}
}

func (t *tcpTransport) ReadMessage() (protocol.Message, error) {
	return t.codec.Unpack(t.reader)
}

func (t *tcpTransport) SetReadDeadline(d time.Time) error { return t.conn.SetReadDeadline(d) }

func (t *tcpTransport) WriteFrame(frame []byte, deadline time.Time) error {
	if deadline.IsZero() {
		deadline = time.Now().Add(writeTimeout)
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := t.conn.Write(frame)
	return err
}

func (t *tcpTransport) Close() error       { return t.conn.Close() }
func (t *tcpTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }
func (t *tcpTransport) Network() string    { return "tcp" }

// ==================== 连接结构体 ====================

/*
Connection 一个客户端连接

=== 读写分离 ===

	┌──────────────────────────────────────┐
	│            Connection                │
	│                                      │
	│   ┌─────────┐      ┌─────────┐       │
	│   │ 读协程  │      │ 写协程  │       │
	│   │Lifecycle│      │writeLoop│       │
	│   └────┬────┘      └────▲────┘       │
	│        │                │            │
	│        ▼                │            │
	│   ┌─────────────────────────┐        │
	│   │   Outbox（有界队列）     │        │
	│   └─────────────────────────┘        │
	└──────────────────────────────────────┘

Outbox 关闭后，写协程把剩余的帧发完（最多 flushTimeout），再关闭底层连接，
读协程随之返回错误并进入清理流程。所以 Kick、Error 这类"最后一条消息"
只要在关闭前入队就能送达。
*/
type Connection struct {
	// ClientID 节点内自增的连接编号，随 ConnectionAck 下发
	ClientID uint64

	// ConnID 全局唯一的连接标识（UUID）
	ConnID string

	t      transport
	outbox *Outbox
	logger *zap.Logger

	// closed 写协程退出、底层连接已关闭
	closed    chan struct{}
	closeOnce sync.Once
}

func newConnection(clientID uint64, connID string, t transport, outbox *Outbox, logger *zap.Logger) *Connection {
	return &Connection{
		ClientID: clientID,
		ConnID:   connID,
		t:        t,
		outbox:   outbox,
		logger:   logger,
		closed:   make(chan struct{}),
	}
}

// writeLoop 从 Outbox 取出帧写入网络
func (c *Connection) writeLoop() {
	defer c.shutdown()

	for {
		select {
		case frame := <-c.outbox.C():
			if err := c.t.WriteFrame(frame, time.Time{}); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.outbox.Close()
				return
			}

		case <-c.outbox.Done():
			c.flush()
			return
		}
	}
}

func (c *Connection) flush() {
	deadline := time.Now().Add(flushTimeout)
	for _, frame := range c.outbox.Drain() {
		if err := c.t.WriteFrame(frame, deadline); err != nil {
			return
		}
	}
}

func (c *Connection) shutdown() {
	c.closeOnce.Do(func() {
		_ = c.t.Close()
		close(c.closed)
	})
}

// Close 关闭连接（已入队的消息会先发出）
func (c *Connection) Close() {
	c.outbox.Close()
}

// Closed 底层连接关闭后返回
func (c *Connection) Closed() <-chan struct{} { return c.closed }

// IsClosed 检查连接是否已关闭
func (c *Connection) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Peer 对端地址
func (c *Connection) Peer() string { return c.t.RemoteAddr() }

// send 编码后入队
func (c *Connection) send(codec *protocol.Codec, msg protocol.Message) error {
	frame, err := codec.Pack(msg)
	if err != nil {
		return err
	}
	return c.outbox.Push(frame)
}
