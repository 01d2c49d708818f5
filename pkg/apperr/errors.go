/*
Package apperr - 统一错误分类

=== 错误分类 ===

实时核心里的错误来源很多：Redis、网络、协议、业务规则。
调用方关心的不是"哪个函数报错"，而是"这个错误该怎么处理"：

	┌───────────────┬──────────────────────────────┐
	│ Kind          │ 处理方式                      │
	├───────────────┼──────────────────────────────┤
	│ InvalidConfig │ 启动失败，直接退出            │
	│ KeyValidation │ 调用方用错了 Key，不重试      │
	│ Redis         │ 网络类错误按退避策略重试      │
	│ Serialization │ JSON/二进制编解码失败，不重试 │
	│ Business      │ 房间已满、不存在等，原样返回  │
	│ Protocol      │ 回复 Error 后关闭连接         │
	│ Backpressure  │ 广播计数跳过，点对点可驱逐    │
	│ Network       │ 连接拒绝/超时/重置，可重试    │
	│ System        │ 意外 I/O，记录日志            │
	└───────────────┴──────────────────────────────┘

所有错误都可以用 errors.Is / errors.As 判断，包装时使用 fmt.Errorf("%w")。
*/
package apperr

import (
	"errors"
	"fmt"
)

// Kind 错误类别
type Kind uint8

const (
	KindSystem Kind = iota
	KindInvalidConfig
	KindKeyValidation
	KindRedis
	KindSerialization
	KindBusiness
	KindProtocol
	KindBackpressure
	KindNetwork
)

var kindNames = [...]string{
	KindSystem:        "system",
	KindInvalidConfig: "invalid_config",
	KindKeyValidation: "key_validation",
	KindRedis:         "redis",
	KindSerialization: "serialization",
	KindBusiness:      "business",
	KindProtocol:      "protocol",
	KindBackpressure:  "backpressure",
	KindNetwork:       "network",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error 带分类的错误
//
// Op 是发生错误的操作名，例如 "redis.hset"、"room.join"
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return e.Op + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return e.Op + ": " + e.Kind.String()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New 创建带分类的错误
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Redis 包装 Redis 命令错误
// 网络类错误（连接拒绝、超时）保持 Network 分类，方便重试判断
func Redis(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &Error{Kind: KindRedis, Op: op, Err: err}
}

// Serialization 包装编解码错误
func Serialization(op string, err error) error {
	return New(KindSerialization, op, err)
}

// ==================== 哨兵错误 ====================

func sentinel(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

var (
	// 配置
	ErrInvalidConfig = sentinel(KindInvalidConfig, "invalid config")

	// KeyNamespace 误用
	ErrKeyValidation = sentinel(KindKeyValidation, "key validation failed")

	// 业务规则
	ErrRoomFull         = sentinel(KindBusiness, "room is full")
	ErrRoomNotFound     = sentinel(KindBusiness, "room not found")
	ErrNotInRoom        = sentinel(KindBusiness, "user is not in a room")
	ErrNotFound         = sentinel(KindBusiness, "not found")
	ErrCapacityExceeded = sentinel(KindBusiness, "capacity exceeded")
	ErrIDSpaceExhausted = sentinel(KindBusiness, "room id space exhausted")
	ErrUnauthorized     = sentinel(KindBusiness, "unauthorized")
	ErrBadRequest       = sentinel(KindBusiness, "bad request")

	// 协议
	ErrMalformedFrame = sentinel(KindProtocol, "malformed frame")
	ErrFrameTooLarge  = sentinel(KindProtocol, "frame exceeds maximum size")
	ErrUnknownTag     = sentinel(KindProtocol, "unknown message tag")
	ErrBadBody        = sentinel(KindProtocol, "bad message body")

	// 发送队列
	ErrBackpressure = sentinel(KindBackpressure, "outbound queue full")
	ErrClosed       = sentinel(KindNetwork, "connection closed")
)

// KindOf 返回错误链上第一个 *Error 的分类
// 没有分类信息的错误视为 System
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindSystem
}

// Is 判断错误是否属于某个分类
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ==================== 错误码 ====================

// 回复给客户端的错误码
// 4xx 客户端错误（连接保持），5xx 服务端错误
const (
	CodeBadRequest      uint16 = 400
	CodeUnauthorized    uint16 = 401
	CodeNotFound        uint16 = 404
	CodeRoomFull        uint16 = 409
	CodeTooManyRequests uint16 = 429
	CodeInternal        uint16 = 500
	CodeUnavailable     uint16 = 503
)

// Code 把错误映射为对外的错误码
func Code(err error) uint16 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrRoomFull):
		return CodeRoomFull
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrNotFound), errors.Is(err, ErrNotInRoom):
		return CodeNotFound
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrCapacityExceeded), errors.Is(err, ErrIDSpaceExhausted):
		return CodeUnavailable
	}

	switch KindOf(err) {
	case KindBusiness, KindProtocol, KindKeyValidation:
		return CodeBadRequest
	case KindBackpressure:
		return CodeTooManyRequests
	default:
		return CodeInternal
	}
}

// IsClientError 4xx 错误不需要断开连接
func IsClientError(code uint16) bool {
	return code >= 400 && code < 500
}
