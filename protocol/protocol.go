/*
Package protocol - 实时消息的二进制协议

=== 为什么需要长度前缀？===

TCP 是流式协议，没有消息边界，会出现粘包和拆包：

	发送: [消息A][消息B] → 接收: [消息A消息B]
	发送: [消息A]        → 接收: [消息A前半部分] + [消息A后半部分]

解决方案：每个消息前面带上长度。

=== 帧格式 ===

	+----------+---------+---------------------+
	|  Length  |   Tag   |        Body         |
	|  4字节   |  1字节  |   Length-1 字节     |
	+----------+---------+---------------------+
	|<-- 头 -->|<------- Payload (N 字节) ----->|

	Length: 大端序 uint32，等于 Payload 长度 N（Tag + Body）
	Tag:    消息类型，见 messages.go 的类型表
	Body:   protobuf wire 格式编码的字段（protowire），不需要 .proto 文件

UDP 前端每个数据报正好是一帧，使用相同的格式。

=== 解包流程 ===

	ReadFull(4字节) → 解析 N → 检查 1 <= N <= MaxPayload → ReadFull(N字节)
	                                  │
	                                  └── 超限直接断开，防止恶意大包导致 OOM
*/
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"go-realtime/pkg/apperr"
)

// ==================== 协议常量定义 ====================

const (
	// HeaderLength 长度前缀的字节数
	HeaderLength = 4

	// DefaultMaxPayload 默认的 Payload 上限（64 KiB）
	DefaultMaxPayload = 64 * 1024
)

// ==================== 编解码器 ====================

// Codec 帧编解码器
// 零值不可用，使用 NewCodec 创建
type Codec struct {
	maxPayload int
}

// NewCodec 创建编解码器，maxPayload <= 0 时使用默认值
func NewCodec(maxPayload int) *Codec {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Codec{maxPayload: maxPayload}
}

// MaxPayload 返回 Payload 上限
func (c *Codec) MaxPayload() int { return c.maxPayload }

// Marshal 把消息编码为 Payload（Tag + Body），不含长度前缀
func (c *Codec) Marshal(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("marshal nil message: %w", apperr.ErrBadBody)
	}
	payload := make([]byte, 1, 64)
	payload[0] = byte(msg.Tag())
	payload = msg.AppendBody(payload)

	if len(payload) > c.maxPayload {
		return nil, fmt.Errorf("payload %d bytes > %d: %w", len(payload), c.maxPayload, apperr.ErrFrameTooLarge)
	}
	return payload, nil
}

// Unmarshal 解析 Payload
func (c *Codec) Unmarshal(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload: %w", apperr.ErrMalformedFrame)
	}
	if len(payload) > c.maxPayload {
		return nil, fmt.Errorf("payload %d bytes > %d: %w", len(payload), c.maxPayload, apperr.ErrFrameTooLarge)
	}

	tag := Tag(payload[0])
	msg, err := New(tag)
	if err != nil {
		return nil, err
	}
	if err := msg.UnmarshalBody(payload[1:]); err != nil {
		return nil, fmt.Errorf("%s body: %v: %w", tag, err, apperr.ErrBadBody)
	}
	return msg, nil
}

/*
Pack 把消息编码为完整的帧（封包）

示例：

	frame, err := codec.Pack(&Chat{Text: "hi"})
	conn.Write(frame)

字节序：大端序，网络传输的标准字节序
*/
func (c *Codec) Pack(msg Message) ([]byte, error) {
	payload, err := c.Marshal(msg)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, HeaderLength+len(payload))
	binary.BigEndian.PutUint32(frame[:HeaderLength], uint32(len(payload)))
	copy(frame[HeaderLength:], payload)
	return frame, nil
}

/*
Unpack 从 Reader 中读取并解析一个完整的消息（解包）

关键技术：io.ReadFull 保证读取指定数量的字节。

返回：
  - io.EOF: 对端在帧边界正常关闭
  - ErrMalformedFrame: 长度为 0，或者读到一半连接断开
  - ErrFrameTooLarge: 长度超过上限（调用方应断开连接）
  - ErrUnknownTag / ErrBadBody: 内容无法解析
  - 其他: 底层网络错误（超时等）
*/
func (c *Codec) Unpack(reader *bufio.Reader) (Message, error) {
	// ========== 步骤 1: 读取长度前缀 ==========
	var header [HeaderLength]byte
	if _, err := io.ReadFull(reader, header[:]); err != nil {
		return nil, truncated(err)
	}

	// ========== 步骤 2: 校验长度 ==========
	n := binary.BigEndian.Uint32(header[:])
	if n == 0 {
		return nil, fmt.Errorf("zero length frame: %w", apperr.ErrMalformedFrame)
	}
	// 不检查的话，攻击者发送 Length=0xFFFFFFFF 会让服务器尝试分配 4GB 内存
	if int64(n) > int64(c.maxPayload) {
		return nil, fmt.Errorf("frame length %d > %d: %w", n, c.maxPayload, apperr.ErrFrameTooLarge)
	}

	// ========== 步骤 3: 读取 Payload ==========
	payload := make([]byte, n)
	if _, err := io.ReadFull(reader, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, truncated(err)
	}

	return c.Unmarshal(payload)
}

// DecodeFrame 解析一个完整的帧（UDP 数据报）
// 帧长度必须与前缀一致，多余或不足的字节都视为 MalformedFrame
func (c *Codec) DecodeFrame(frame []byte) (Message, error) {
	if len(frame) < HeaderLength {
		return nil, fmt.Errorf("frame shorter than header: %w", apperr.ErrMalformedFrame)
	}
	n := binary.BigEndian.Uint32(frame[:HeaderLength])
	if int64(n) > int64(c.maxPayload) {
		return nil, fmt.Errorf("frame length %d > %d: %w", n, c.maxPayload, apperr.ErrFrameTooLarge)
	}
	if int(n) != len(frame)-HeaderLength {
		return nil, fmt.Errorf("frame length %d, have %d bytes: %w", n, len(frame)-HeaderLength, apperr.ErrMalformedFrame)
	}
	return c.Unmarshal(frame[HeaderLength:])
}

func truncated(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", apperr.ErrMalformedFrame, err)
	}
	return err
}
