package redis

import (
	"fmt"
	"strconv"

	"go-realtime/pkg/apperr"
)

// ==================== Key 命名空间 ====================
//
// 所有 Redis Key 都从这里生成，避免各处手写字符串拼接：
//
//	user:{id}          会话 Hash
//	room:info:{id}     房间信息 Hash
//	room:users:{id}    房间成员 Set
//	room:list          房间索引 List
//	room:list:time     最近房间 List（头部最新，有长度上限）
//	room_counter:id    房间 ID 计数器
//	room:info:index    回收的房间 ID List

// KeyKind Key 的种类
type KeyKind uint8

const (
	KindUser KeyKind = iota + 1
	KindRoomInfo
	KindRoomUserList
	KindRoomListByTime
	KindCustom
)

const (
	// RoomCounterKey 房间 ID 自增计数器
	RoomCounterKey = "room_counter:id"

	// RoomFreeListKey 回收的房间 ID
	RoomFreeListKey = "room:info:index"
)

// Namespace 一类 Key 的命名空间
type Namespace struct {
	kind   KeyKind
	prefix string
}

var (
	User           = Namespace{kind: KindUser, prefix: "user"}
	RoomInfo       = Namespace{kind: KindRoomInfo, prefix: "room:info"}
	RoomUserList   = Namespace{kind: KindRoomUserList, prefix: "room:users"}
	RoomListByTime = Namespace{kind: KindRoomListByTime, prefix: "room:list:time"}
)

// Custom 自定义前缀的命名空间
// Custom("room:list").ItemKey(1) = "room:list:1"，ListKey() = "room:list"
func Custom(prefix string) Namespace {
	return Namespace{kind: KindCustom, prefix: prefix}
}

// Kind 返回命名空间种类
func (n Namespace) Kind() KeyKind { return n.kind }

// Prefix 返回 Key 前缀
func (n Namespace) Prefix() string { return n.prefix }

func (n Namespace) needsID() bool {
	return n.kind != KindRoomListByTime
}

// ItemKey 生成单条记录的 Key
//
// 除 RoomListByTime 外都必须且只能带一个 id：
//
//	User.ItemKey(7)        → "user:7"
//	User.ItemKey()         → KeyValidation 错误
//	RoomListByTime.ItemKey() → "room:list:time"
func (n Namespace) ItemKey(id ...uint64) (string, error) {
	if n.kind == 0 || (n.kind == KindCustom && n.prefix == "") {
		return "", fmt.Errorf("item key: empty namespace: %w", apperr.ErrKeyValidation)
	}
	if len(id) > 1 {
		return "", fmt.Errorf("item key %s: expected at most one id, got %d: %w", n.prefix, len(id), apperr.ErrKeyValidation)
	}

	if !n.needsID() {
		if len(id) != 0 {
			return "", fmt.Errorf("item key %s: takes no id: %w", n.prefix, apperr.ErrKeyValidation)
		}
		return n.prefix, nil
	}

	if len(id) == 0 {
		return "", fmt.Errorf("item key %s: id required: %w", n.prefix, apperr.ErrKeyValidation)
	}
	return n.prefix + ":" + strconv.FormatUint(id[0], 10), nil
}

// MustItemKey 和 ItemKey 相同，但出错时 panic
// 仅用于 id 一定存在的内部路径
func (n Namespace) MustItemKey(id ...uint64) string {
	key, err := n.ItemKey(id...)
	if err != nil {
		panic(err)
	}
	return key
}

// ListKey 返回命名空间对应的索引 List
//
//	RoomInfo       → "room:list"
//	RoomListByTime → "room:list:time"
//	Custom(p)      → p
//	User / RoomUserList 没有索引，返回 KeyValidation
func (n Namespace) ListKey() (string, error) {
	switch n.kind {
	case KindRoomInfo:
		return "room:list", nil
	case KindRoomListByTime:
		return n.prefix, nil
	case KindCustom:
		if n.prefix == "" {
			break
		}
		return n.prefix, nil
	}
	return "", fmt.Errorf("list key %q: namespace has no list: %w", n.prefix, apperr.ErrKeyValidation)
}
