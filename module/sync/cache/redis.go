package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"PSync/logger"
	"PSync/module/sync/model"
)

// 只升不降：缓存水位绝不回退（write-through 乱序到达时保单调）
var luaBumpPts = redis.NewScript(`
  local k = KEYS[1]
  local pts = tonumber(ARGV[1])
  local ttl = tonumber(ARGV[2])
  local v = redis.call('GET', k)
  if (not v) or (tonumber(v) < pts) then
    redis.call('SET', k, pts)
  end
  redis.call('PEXPIRE', k, ttl)
  return redis.call('GET', k)
`)

type RedisCache struct {
	rdb        redis.UniversalClient
	ptsPrefix  string
	tailPrefix string
	window     int
	ttl        time.Duration
}

func NewRedisCache(rdb redis.UniversalClient, window int, ttl time.Duration) *RedisCache {
	if window <= 0 {
		window = 100
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCache{
		rdb:        rdb,
		ptsPrefix:  "sync:pts:",
		tailPrefix: "sync:tail:",
		window:     window,
		ttl:        ttl,
	}
}

func (c *RedisCache) ptsKey(channel string) string  { return c.ptsPrefix + channel }
func (c *RedisCache) tailKey(channel string) string { return c.tailPrefix + channel }

func (c *RedisCache) Pts(ctx context.Context, channelID string) (int64, bool) {
	v, err := c.rdb.Get(ctx, c.ptsKey(channelID)).Int64()
	if err != nil {
		return 0, false
	}
	return v, true
}

func (c *RedisCache) BumpPts(ctx context.Context, channelID string, pts int64) error {
	return luaBumpPts.Run(ctx, c.rdb,
		[]string{c.ptsKey(channelID)},
		pts, c.ttl.Milliseconds(),
	).Err()
}

func (c *RedisCache) AppendTail(ctx context.Context, e *model.CommitEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := c.tailKey(e.ChannelID)
	pipe := c.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(e.Pts), Member: raw})
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-(c.window + 1)))
	pipe.PExpire(ctx, key, c.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *RedisCache) Tail(ctx context.Context, channelID string, afterPts int64, limit int) ([]*model.CommitEntry, bool) {
	if limit <= 0 {
		limit = c.window
	}
	vals, err := c.rdb.ZRangeByScore(ctx, c.tailKey(channelID), &redis.ZRangeBy{
		Min:   "(" + strconv.FormatInt(afterPts, 10),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil || len(vals) == 0 {
		return nil, false
	}

	out := make([]*model.CommitEntry, 0, len(vals))
	next := afterPts + 1
	for _, v := range vals {
		var e model.CommitEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			logger.Warnf("[cache] bad tail entry channel=%s err=%v", channelID, err)
			return nil, false
		}
		// 窗口必须从 afterPts+1 连续覆盖，断档按 miss 处理
		if e.Pts != next {
			return nil, false
		}
		next++
		out = append(out, &e)
	}
	return out, true
}
