package seq

import (
	"context"
	"errors"
	"strings"

	"IMDelivery/tools/errs"

	"github.com/redis/go-redis/v9"
)

// 只升不降：计数器落后于持久化水位时抬升，永不回退
// KEYS[1]=counter key; ARGV[1]=durable max seq
// 返回：矫正后的当前值
var luaReconcile = redis.NewScript(`
local k = KEYS[1]
local dbMax = tonumber(ARGV[1])
local v = tonumber(redis.call('GET', k) or '0')
if v < dbMax then
  redis.call('SET', k, dbMax)
  return dbMax
end
return v
`)

// Sequencer issues strictly increasing per-conversation sequence numbers.
type Sequencer interface {
	NextSeq(ctx context.Context, conversationID string) (int64, error)
}

// Allocator keeps one Redis counter per conversation. NextSeq is a single
// INCR, so concurrent callers on any number of processes never observe
// the same value and no value is skipped.
type Allocator struct {
	Rdb    redis.Cmdable
	Prefix string
}

func NewAllocator(rdb redis.Cmdable) *Allocator {
	return &Allocator{Rdb: rdb, Prefix: "im:seq"}
}

// Key uses a hash tag so the counter of a conversation stays on one slot.
func (a *Allocator) Key(conversationID string) string {
	prefix := a.Prefix
	if prefix == "" {
		prefix = "im:seq"
	}
	return prefix + ":{" + conversationID + "}"
}

// NextSeq fails fast when Redis is unreachable; there is no local fallback.
func (a *Allocator) NextSeq(ctx context.Context, conversationID string) (int64, error) {
	if strings.TrimSpace(conversationID) == "" {
		return 0, errs.ErrMalformedPayload.WrapMsg("empty conversation id")
	}
	v, err := a.Rdb.Incr(ctx, a.Key(conversationID)).Result()
	if err != nil {
		return 0, errs.ErrSequencerUnavailable.WrapMsg(err.Error(), "conversation", conversationID)
	}
	return v, nil
}

// Current returns the last issued sequence, 0 if none was issued yet.
func (a *Allocator) Current(ctx context.Context, conversationID string) (int64, error) {
	v, err := a.Rdb.Get(ctx, a.Key(conversationID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.ErrSequencerUnavailable.WrapMsg(err.Error(), "conversation", conversationID)
	}
	return v, nil
}

// Reconcile raises the counter to dbMax when it is behind, e.g. after the
// counter store lost data. It never lowers the counter.
func (a *Allocator) Reconcile(ctx context.Context, conversationID string, dbMax int64) (int64, error) {
	v, err := luaReconcile.Run(ctx, a.Rdb, []string{a.Key(conversationID)}, dbMax).Int64()
	if err != nil {
		return 0, errs.ErrSequencerUnavailable.WrapMsg(err.Error(), "conversation", conversationID)
	}
	return v, nil
}
