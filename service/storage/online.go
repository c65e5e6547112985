package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"IMDelivery/module/chat/model"

	"github.com/redis/go-redis/v9"
)

// ===== 配置 =====
type OnlineConfig struct {
	NodeID     string        // 网关节点ID，记录在每个会话上
	SessionTTL time.Duration // 会话存活期，由心跳续期
	KeyPrefix  string
}

func (c *OnlineConfig) norm() {
	if c.SessionTTL <= 0 {
		c.SessionTTL = 90 * time.Second
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "im:presence"
	}
}

// ===== Lua 脚本 =====
//
// 所有脚本共用的 KEYS：
// KEYS[1] = 会话 ZSET  (member=session handle, score=expireAt 毫秒)
// KEYS[2] = 节点 HASH  (session handle -> node id)
// KEYS[3] = 在线标志   ("1"，带 TTL)
// 每个脚本开头都会清理已过期会话，崩溃节点遗留的会话因此自动失效。

const luaSweep = `
local function sweep(z, h, now)
  local victims = redis.call("ZRANGEBYSCORE", z, "-inf", now)
  for _, v in ipairs(victims) do
    redis.call("ZREM", z, v)
    redis.call("HDEL", h, v)
  end
  return #victims
end
`

// ARGV[1]=handle ARGV[2]=node ARGV[3]=nowMs ARGV[4]=expAtMs ARGV[5]=ttlMs
// 返回：1 = 本次上线使用户从离线变为在线；0 = 用户此前已在线
var luaMarkOnline = redis.NewScript(luaSweep + `
local z, h, flag = KEYS[1], KEYS[2], KEYS[3]
local handle, node = ARGV[1], ARGV[2]
local now, expAt, ttl = tonumber(ARGV[3]), tonumber(ARGV[4]), tonumber(ARGV[5])

sweep(z, h, now)
local before = redis.call("ZCARD", z)
redis.call("ZADD", z, expAt, handle)
redis.call("HSET", h, handle, node)
redis.call("SET", flag, "1", "PX", ttl)
redis.call("PEXPIRE", z, ttl * 2)
redis.call("PEXPIRE", h, ttl * 2)
if before == 0 then
  return 1
end
return 0
`)

// ARGV[1]=handle ARGV[2]=nowMs
// 返回：1 = 最后一个会话离开，用户变为离线；0 = 仍有其他会话
var luaMarkOffline = redis.NewScript(luaSweep + `
local z, h, flag = KEYS[1], KEYS[2], KEYS[3]
local handle, now = ARGV[1], tonumber(ARGV[2])

local wasOnline = redis.call("EXISTS", flag)
local removed = redis.call("ZREM", z, handle)
redis.call("HDEL", h, handle)
sweep(z, h, now)
if redis.call("ZCARD", z) > 0 then
  return 0
end
redis.call("DEL", flag, z, h)
if removed == 1 or wasOnline == 1 then
  return 1
end
return 0
`)

// ARGV[1]=nowMs
// 返回：有效会话数量
var luaCountActive = redis.NewScript(luaSweep + `
local z, h, flag = KEYS[1], KEYS[2], KEYS[3]
sweep(z, h, tonumber(ARGV[1]))
local cnt = redis.call("ZCARD", z)
if cnt == 0 then
  redis.call("DEL", flag)
end
return cnt
`)

// ARGV[1]=nowMs
// 返回：{handle1, node1, expAt1, handle2, node2, expAt2, ...}
var luaListActive = redis.NewScript(luaSweep + `
local z, h, flag = KEYS[1], KEYS[2], KEYS[3]
sweep(z, h, tonumber(ARGV[1]))
local out = {}
local items = redis.call("ZRANGE", z, 0, -1, "WITHSCORES")
for i = 1, #items, 2 do
  local node = redis.call("HGET", h, items[i]) or ""
  table.insert(out, items[i])
  table.insert(out, node)
  table.insert(out, items[i + 1])
end
if #items == 0 then
  redis.call("DEL", flag)
end
return out
`)

// ARGV[1]=handle ARGV[2]=nowMs ARGV[3]=expAtMs ARGV[4]=ttlMs
// 返回：1 续期成功；0 会话不存在（已过期/被清理）
var luaHeartbeat = redis.NewScript(luaSweep + `
local z, h, flag = KEYS[1], KEYS[2], KEYS[3]
local handle = ARGV[1]
local now, expAt, ttl = tonumber(ARGV[2]), tonumber(ARGV[3]), tonumber(ARGV[4])

sweep(z, h, now)
if not redis.call("ZSCORE", z, handle) then
  return 0
end
redis.call("ZADD", z, "XX", expAt, handle)
redis.call("SET", flag, "1", "PX", ttl)
redis.call("PEXPIRE", z, ttl * 2)
redis.call("PEXPIRE", h, ttl * 2)
return 1
`)

// OnlineStore tracks presence sessions in Redis. Every method is a single
// script invocation, so concurrent gateways never read-modify-write the
// session sets themselves.
type OnlineStore struct {
	conf OnlineConfig
	rdb  redis.Scripter
	now  func() time.Time
}

func NewOnlineStore(rdb redis.Scripter, conf OnlineConfig) *OnlineStore {
	conf.norm()
	return &OnlineStore{conf: conf, rdb: rdb, now: time.Now}
}

// ===== Key 构造 =====

// hash-tag 使同一用户的三个 key 落在同一个 Cluster 槽
func (m *OnlineStore) keys(userID string) []string {
	base := fmt.Sprintf("%s:{%s}", m.conf.KeyPrefix, userID)
	return []string{base + ":s", base + ":n", base + ":on"}
}

func (m *OnlineStore) OnlineFlagKey(userID string) string { return m.keys(userID)[2] }

func (m *OnlineStore) SessionTTL() time.Duration { return m.conf.SessionTTL }

// MarkOnline registers session for user. becameOnline is true when the
// user had no live session before this call.
func (m *OnlineStore) MarkOnline(ctx context.Context, userID, session string) (becameOnline bool, err error) {
	if err := checkIDs(userID, session); err != nil {
		return false, err
	}
	now := m.now()
	ttl := m.conf.SessionTTL
	rc, err := luaMarkOnline.Run(ctx, m.rdb, m.keys(userID),
		session, m.conf.NodeID, now.UnixMilli(), now.Add(ttl).UnixMilli(), ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("presence online user=%s: %w", userID, err)
	}
	return rc == 1, nil
}

// MarkOffline removes session. The online flag is cleared only when the
// last session of the user is gone; nowOffline reports that transition.
func (m *OnlineStore) MarkOffline(ctx context.Context, userID, session string) (nowOffline bool, err error) {
	if err := checkIDs(userID, session); err != nil {
		return false, err
	}
	rc, err := luaMarkOffline.Run(ctx, m.rdb, m.keys(userID), session, m.now().UnixMilli()).Int64()
	if err != nil {
		return false, fmt.Errorf("presence offline user=%s: %w", userID, err)
	}
	return rc == 1, nil
}

// IsOnline treats expired sessions as offline even without a disconnect.
func (m *OnlineStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := m.ActiveCount(ctx, userID)
	return n > 0, err
}

func (m *OnlineStore) ActiveCount(ctx context.Context, userID string) (int64, error) {
	n, err := luaCountActive.Run(ctx, m.rdb, m.keys(userID), m.now().UnixMilli()).Int64()
	if err != nil {
		return 0, fmt.Errorf("presence count user=%s: %w", userID, err)
	}
	return n, nil
}

// SessionsFor lists the live sessions of user.
func (m *OnlineStore) SessionsFor(ctx context.Context, userID string) ([]model.PresenceSession, error) {
	vals, err := luaListActive.Run(ctx, m.rdb, m.keys(userID), m.now().UnixMilli()).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("presence sessions user=%s: %w", userID, err)
	}
	out := make([]model.PresenceSession, 0, len(vals)/3)
	for i := 0; i+2 < len(vals); i += 3 {
		var expMs int64
		_, _ = fmt.Sscan(vals[i+2], &expMs)
		out = append(out, model.PresenceSession{
			UserID:        userID,
			SessionHandle: vals[i],
			NodeID:        vals[i+1],
			ExpireAt:      time.UnixMilli(expMs),
		})
	}
	return out, nil
}

// Heartbeat extends session. alive=false means the session already
// expired and the caller should register it again or close the connection.
func (m *OnlineStore) Heartbeat(ctx context.Context, userID, session string) (alive bool, err error) {
	if err := checkIDs(userID, session); err != nil {
		return false, err
	}
	now := m.now()
	ttl := m.conf.SessionTTL
	rc, err := luaHeartbeat.Run(ctx, m.rdb, m.keys(userID),
		session, now.UnixMilli(), now.Add(ttl).UnixMilli(), ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("presence heartbeat user=%s: %w", userID, err)
	}
	return rc == 1, nil
}

// OnlineUsers filters users down to those with a live session.
func (m *OnlineStore) OnlineUsers(ctx context.Context, users []string) (map[string]bool, error) {
	out := make(map[string]bool, len(users))
	for _, u := range users {
		ok, err := m.IsOnline(ctx, u)
		if err != nil {
			return nil, err
		}
		out[u] = ok
	}
	return out, nil
}

func checkIDs(userID, session string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(session) == "" {
		return fmt.Errorf("presence: empty user or session")
	}
	return nil
}
