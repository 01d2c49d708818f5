package protocol

import (
	"fmt"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"go-realtime/pkg/apperr"
)

// ==================== 消息类型定义 ====================

// Tag 消息类型，Payload 的第一个字节
type Tag uint8

const (
	// 连接管理
	TagHeartbeat         Tag = 0x01
	TagHeartbeatResponse Tag = 0x02
	TagConnectionAck     Tag = 0x03
	TagError             Tag = 0x04
	TagAuth              Tag = 0x05
	TagAuthAck           Tag = 0x06
	TagKick              Tag = 0x07

	// 房间
	TagRoomJoin        Tag = 0x10
	TagRoomLeave       Tag = 0x11
	TagChat            Tag = 0x12
	TagRoomStateUpdate Tag = 0x13
	TagRoomCreate      Tag = 0x14
	TagRoomListRequest Tag = 0x15
	TagRoomList        Tag = 0x16

	// 扩展
	TagCustom Tag = 0x20
)

var tagNames = map[Tag]string{
	TagHeartbeat:         "heartbeat",
	TagHeartbeatResponse: "heartbeat_response",
	TagConnectionAck:     "connection_ack",
	TagError:             "error",
	TagAuth:              "auth",
	TagAuthAck:           "auth_ack",
	TagKick:              "kick",
	TagRoomJoin:          "room_join",
	TagRoomLeave:         "room_leave",
	TagChat:              "chat",
	TagRoomStateUpdate:   "room_state_update",
	TagRoomCreate:        "room_create",
	TagRoomListRequest:   "room_list_request",
	TagRoomList:          "room_list",
	TagCustom:            "custom",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tag(0x%02x)", uint8(t))
}

// Message 一种可编解码的消息
//
// Body 使用 protobuf wire 格式：字段号 + 类型 + 值，
// 未知字段会被跳过，方便以后加字段。
type Message interface {
	Tag() Tag
	AppendBody(b []byte) []byte
	UnmarshalBody(b []byte) error
}

// ==================== 类型注册表 ====================

var (
	registryMu sync.RWMutex
	registry   = map[Tag]func() Message{
		TagHeartbeat:         func() Message { return &Heartbeat{} },
		TagHeartbeatResponse: func() Message { return &HeartbeatResponse{} },
		TagConnectionAck:     func() Message { return &ConnectionAck{} },
		TagError:             func() Message { return &Error{} },
		TagAuth:              func() Message { return &Auth{} },
		TagAuthAck:           func() Message { return &AuthAck{} },
		TagKick:              func() Message { return &Kick{} },
		TagRoomJoin:          func() Message { return &RoomJoin{} },
		TagRoomLeave:         func() Message { return &RoomLeave{} },
		TagChat:              func() Message { return &Chat{} },
		TagRoomStateUpdate:   func() Message { return &RoomStateUpdate{} },
		TagRoomCreate:        func() Message { return &RoomCreate{} },
		TagRoomListRequest:   func() Message { return &RoomListRequest{} },
		TagRoomList:          func() Message { return &RoomList{} },
		TagCustom:            func() Message { return &Custom{} },
	}
)

// Register 注册新的消息类型，Tag 已存在时返回错误
func Register(tag Tag, factory func() Message) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[tag]; ok {
		return fmt.Errorf("tag %s already registered", tag)
	}
	registry[tag] = factory
	return nil
}

// New 按 Tag 创建空消息
func New(tag Tag) (Message, error) {
	registryMu.RLock()
	factory, ok := registry[tag]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", tag, apperr.ErrUnknownTag)
	}
	return factory(), nil
}

// ==================== 连接管理消息 ====================

// Heartbeat 客户端心跳（空消息体）
type Heartbeat struct{}

func (*Heartbeat) Tag() Tag                     { return TagHeartbeat }
func (*Heartbeat) AppendBody(b []byte) []byte   { return b }
func (*Heartbeat) UnmarshalBody(b []byte) error { return skipAll(b) }

// HeartbeatResponse 心跳回复，带服务器时间（毫秒）
type HeartbeatResponse struct {
	Timestamp int64
}

func (*HeartbeatResponse) Tag() Tag { return TagHeartbeatResponse }

func (m *HeartbeatResponse) AppendBody(b []byte) []byte {
	return appendSint(b, 1, m.Timestamp)
}

func (m *HeartbeatResponse) UnmarshalBody(b []byte) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			m.Timestamp = protowire.DecodeZigZag(v)
			return n, nil
		}
		return -1, nil
	})
}

// ConnectionAck 连接建立后服务端发送的第一条消息
type ConnectionAck struct {
	ClientID uint64
}

func (*ConnectionAck) Tag() Tag { return TagConnectionAck }

func (m *ConnectionAck) AppendBody(b []byte) []byte {
	return appendUint(b, 1, m.ClientID)
}

func (m *ConnectionAck) UnmarshalBody(b []byte) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			m.ClientID = v
			return n, nil
		}
		return -1, nil
	})
}

// Error 错误通知，4xx 连接保持，5xx 或协议错误之后连接会被关闭
type Error struct {
	Code    uint16
	Message string
}

func (*Error) Tag() Tag { return TagError }

func (m *Error) AppendBody(b []byte) []byte {
	b = appendUint(b, 1, uint64(m.Code))
	return appendString(b, 2, m.Message)
}

func (m *Error) UnmarshalBody(b []byte) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if v > 0xFFFF {
				return 0, fmt.Errorf("error code %d overflows uint16", v)
			}
			m.Code = uint16(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Message = v
			return n, nil
		}
		return -1, nil
	})
}

// Auth 认证请求，携带 Token
type Auth struct {
	Token string
}

func (*Auth) Tag() Tag { return TagAuth }

func (m *Auth) AppendBody(b []byte) []byte { return appendString(b, 1, m.Token) }

func (m *Auth) UnmarshalBody(b []byte) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			m.Token = v
			return n, nil
		}
		return -1, nil
	})
}

// AuthAck 认证成功
type AuthAck struct {
	UserID uint64
}

func (*AuthAck) Tag() Tag { return TagAuthAck }

func (m *AuthAck) AppendBody(b []byte) []byte { return appendUint(b, 1, m.UserID) }

func (m *AuthAck) UnmarshalBody(b []byte) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			m.UserID = v
			return n, nil
		}
		return -1, nil
	})
}

// Kick 踢出通知（重复登录、服务器重启）
type Kick struct {
	Reason    string
	Reconnect bool
}

func (*Kick) Tag() Tag { return TagKick }

func (m *Kick) AppendBody(b []byte) []byte {
	b = appendString(b, 1, m.Reason)
	if m.Reconnect {
		b = appendUint(b, 2, 1)
	}
	return b
}

func (m *Kick) UnmarshalBody(b []byte) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Reason = v
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Reconnect = protowire.DecodeBool(v)
			return n, nil
		}
		return -1, nil
	})
}

// ==================== 房间消息 ====================

// RoomJoin 加入房间
type RoomJoin struct {
	RoomID uint16
}

func (*RoomJoin) Tag() Tag { return TagRoomJoin }

func (m *RoomJoin) AppendBody(b []byte) []byte { return appendUint(b, 1, uint64(m.RoomID)) }

func (m *RoomJoin) UnmarshalBody(b []byte) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.VarintType {
			v, n, err := consumeUint16(b)
			m.RoomID = v
			return n, err
		}
		return -1, nil
	})
}

// RoomLeave 离开当前房间（空消息体）
type RoomLeave struct{}

func (*RoomLeave) Tag() Tag                     { return TagRoomLeave }
func (*RoomLeave) AppendBody(b []byte) []byte   { return b }
func (*RoomLeave) UnmarshalBody(b []byte) error { return skipAll(b) }

// Chat 房间聊天
// UserID 由服务端填写，客户端发送时忽略
type Chat struct {
	UserID uint64
	Text   string
}

func (*Chat) Tag() Tag { return TagChat }

func (m *Chat) AppendBody(b []byte) []byte {
	b = appendUint(b, 1, m.UserID)
	return appendString(b, 2, m.Text)
}

func (m *Chat) UnmarshalBody(b []byte) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.UserID = v
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Text = v
			return n, nil
		}
		return -1, nil
	})
}

// RoomStateUpdate 房间状态变化，Payload 对协议层不透明
type RoomStateUpdate struct {
	RoomID  uint16
	Payload []byte
}

func (*RoomStateUpdate) Tag() Tag { return TagRoomStateUpdate }

func (m *RoomStateUpdate) AppendBody(b []byte) []byte {
	b = appendUint(b, 1, uint64(m.RoomID))
	return appendBytes(b, 2, m.Payload)
}

func (m *RoomStateUpdate) UnmarshalBody(b []byte) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n, err := consumeUint16(b)
			m.RoomID = v
			return n, err
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			m.Payload = append([]byte{}, v...)
			return n, nil
		}
		return -1, nil
	})
}

// RoomCreate 创建房间
type RoomCreate struct {
	Name        string
	MaxCapacity uint16
}

func (*RoomCreate) Tag() Tag { return TagRoomCreate }

func (m *RoomCreate) AppendBody(b []byte) []byte {
	b = appendString(b, 1, m.Name)
	return appendUint(b, 2, uint64(m.MaxCapacity))
}

func (m *RoomCreate) UnmarshalBody(b []byte) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Name = v
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n, err := consumeUint16(b)
			m.MaxCapacity = v
			return n, err
		}
		return -1, nil
	})
}

// RoomListRequest 请求最近的房间
type RoomListRequest struct {
	Limit uint32
}

func (*RoomListRequest) Tag() Tag { return TagRoomListRequest }

func (m *RoomListRequest) AppendBody(b []byte) []byte { return appendUint(b, 1, uint64(m.Limit)) }

func (m *RoomListRequest) UnmarshalBody(b []byte) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if v > 0xFFFFFFFF {
				return 0, fmt.Errorf("limit %d overflows uint32", v)
			}
			m.Limit = uint32(v)
			return n, nil
		}
		return -1, nil
	})
}

// RoomSummary RoomList 中的一项
type RoomSummary struct {
	RoomID       uint16
	Name         string
	MaxCapacity  uint16
	CurrentCount uint16
}

func (s *RoomSummary) appendTo(b []byte) []byte {
	b = appendUint(b, 1, uint64(s.RoomID))
	b = appendString(b, 2, s.Name)
	b = appendUint(b, 3, uint64(s.MaxCapacity))
	return appendUint(b, 4, uint64(s.CurrentCount))
}

func (s *RoomSummary) unmarshal(b []byte) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n, err := consumeUint16(b)
			s.RoomID = v
			return n, err
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			s.Name = v
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			v, n, err := consumeUint16(b)
			s.MaxCapacity = v
			return n, err
		case num == 4 && typ == protowire.VarintType:
			v, n, err := consumeUint16(b)
			s.CurrentCount = v
			return n, err
		}
		return -1, nil
	})
}

// RoomList 最近的房间列表（最新在前）
//
// 空列表和 nil 编码相同，解码后统一为 nil
type RoomList struct {
	Rooms []RoomSummary
}

func (*RoomList) Tag() Tag { return TagRoomList }

func (m *RoomList) AppendBody(b []byte) []byte {
	for i := range m.Rooms {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Rooms[i].appendTo(nil))
	}
	return b
}

func (m *RoomList) UnmarshalBody(b []byte) error {
	m.Rooms = nil
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var s RoomSummary
			if err := s.unmarshal(v); err != nil {
				return 0, err
			}
			m.Rooms = append(m.Rooms, s)
			return n, nil
		}
		return -1, nil
	})
}

// ==================== 扩展消息 ====================

// Custom 自定义消息，按 Name 分发
type Custom struct {
	Name    string
	Payload []byte
}

func (*Custom) Tag() Tag { return TagCustom }

func (m *Custom) AppendBody(b []byte) []byte {
	b = appendString(b, 1, m.Name)
	return appendBytes(b, 2, m.Payload)
}

func (m *Custom) UnmarshalBody(b []byte) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Name = v
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			m.Payload = append([]byte{}, v...)
			return n, nil
		}
		return -1, nil
	})
}

// ==================== wire 编码工具 ====================

// 零值字段不写入，解码时自然得到零值

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendSint(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// nil 不写入；空切片写入长度 0，解码后仍是空切片
func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func consumeUint16(b []byte) (uint16, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, n, nil
	}
	if v > 0xFFFF {
		return 0, 0, fmt.Errorf("value %d overflows uint16", v)
	}
	return uint16(v), n, nil
}

// fieldFunc 解析一个已知字段，返回消耗的字节数
// 返回 -1 表示不认识这个字段，由 decodeFields 跳过
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func decodeFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == -1 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func skipAll(b []byte) error {
	return decodeFields(b, func(protowire.Number, protowire.Type, []byte) (int, error) {
		return -1, nil
	})
}
