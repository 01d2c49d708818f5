package service

import "github.com/redis/go-redis/v9"

// 房间成员维护脚本
//
// current_count 每次都从 SCARD 重新计算，而不是 HINCRBY，
// 所以脚本可以安全地重试，成员数和成员集合不会漂移。

// joinScript KEYS[1]=room:info:{id} KEYS[2]=room:users:{id}
// ARGV[1]=userID ARGV[2]=TTL 秒
// 返回 {status, count}：1 成功，-1 房间不存在，-2 房间已满
var joinScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {-1, 0}
end
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 0 then
  local max = tonumber(redis.call('HGET', KEYS[1], 'max_capacity') or '0')
  local count = redis.call('SCARD', KEYS[2])
  if count >= max then
    return {-2, count}
  end
  redis.call('SADD', KEYS[2], ARGV[1])
end
local count = redis.call('SCARD', KEYS[2])
redis.call('HSET', KEYS[1], 'current_count', count)
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
  redis.call('EXPIRE', KEYS[2], ttl)
end
return {1, count}
`)

// leaveScript KEYS[1]=room:info:{id} KEYS[2]=room:users:{id}
// ARGV[1]=userID ARGV[2]=TTL 秒
// 返回 {status, count, removed}：1 成功，-1 房间不存在
var leaveScript = redis.NewScript(`
local removed = redis.call('SREM', KEYS[2], ARGV[1])
local count = redis.call('SCARD', KEYS[2])
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {-1, count, removed}
end
redis.call('HSET', KEYS[1], 'current_count', count)
local ttl = tonumber(ARGV[2])
if count > 0 and ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
  redis.call('EXPIRE', KEYS[2], ttl)
end
return {1, count, removed}
`)

// teardownScript 一次性删除房间的全部痕迹并回收 ID
// KEYS[1]=room:info:{id} KEYS[2]=room:users:{id} KEYS[3]=room:list
// KEYS[4]=room:list:time KEYS[5]=room:info:index KEYS[6]=leaderboard:{id}
// ARGV[1]=id ARGV[2]=1 时要求房间为空
// 返回 1 已删除，0 房间本来就不存在，-1 房间不为空
//
// 只有 room:info 真的被删除时才回收 ID，重复执行不会重复回收
var teardownScript = redis.NewScript(`
if ARGV[2] == '1' and redis.call('SCARD', KEYS[2]) > 0 then
  return -1
end
local existed = redis.call('DEL', KEYS[1])
redis.call('DEL', KEYS[2], KEYS[6])
redis.call('LREM', KEYS[3], 0, ARGV[1])
redis.call('LREM', KEYS[4], 0, ARGV[1])
if existed == 1 then
  redis.call('LPUSH', KEYS[5], ARGV[1])
end
return existed
`)

// reconcileScript KEYS[1]=room:info:{id} KEYS[2]=room:users:{id}
// ARGV=离线的成员
// 返回剩余人数
var reconcileScript = redis.NewScript(`
for i = 1, #ARGV do
  redis.call('SREM', KEYS[2], ARGV[i])
end
local count = redis.call('SCARD', KEYS[2])
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('HSET', KEYS[1], 'current_count', count)
end
return count
`)
