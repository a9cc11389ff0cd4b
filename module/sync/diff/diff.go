package diff

import (
	"context"
	"time"

	"PSync/logger"
	"PSync/module/sync/cache"
	"PSync/module/sync/model"
	"PSync/module/sync/store"
	"PSync/tools/errs"
)

type Config struct {
	Limit int // 单页上限
}

func (c *Config) norm() {
	if c.Limit <= 0 {
		c.Limit = 100
	}
}

// Reader 差量读取：客户端追平水位的恢复通道。
// 缓存尾窗优先，覆盖不到就回源提交日志。
type Reader struct {
	st    store.Store
	cache cache.Cache
	cfg   Config
}

func NewReader(st store.Store, c cache.Cache, cfg Config) *Reader {
	cfg.norm()
	return &Reader{st: st, cache: c, cfg: cfg}
}

type DiffInput struct {
	ChannelID string
	KnownPts  int64 // 客户端已确认的最大 pts
	Limit     int
	// 可选：带上则顺手推进设备同步状态
	UserID   string
	DeviceID string
}

type DiffResult struct {
	Entries    []*model.CommitEntry
	HasMore    bool
	CurrentPts int64
}

// GetDifference 返回 (known_pts, known_pts+limit] 区间的连续提交。
// 幂等：同参数重复调用结果一致（新提交到达前）。
func (r *Reader) GetDifference(ctx context.Context, in *DiffInput) (*DiffResult, error) {
	if in.ChannelID == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("channel_id required")
	}
	if in.KnownPts < 0 {
		in.KnownPts = 0
	}
	limit := in.Limit
	if limit <= 0 || limit > r.cfg.Limit {
		limit = r.cfg.Limit
	}

	cur, err := r.channelPts(ctx, in.ChannelID)
	if err != nil {
		return nil, err
	}
	if cur <= in.KnownPts {
		// 已追平。客户端声称超前时不采信：local_pts 只推进到服务端
		// 实际水位，否则一次谎报会把 $max 簿记永久顶高
		r.touchDevice(ctx, in, cur, cur)
		return &DiffResult{CurrentPts: cur}, nil
	}

	entries, hit := r.cache.Tail(ctx, in.ChannelID, in.KnownPts, limit)
	if !hit {
		entries, err = r.st.QueryCommits(ctx, in.ChannelID, in.KnownPts, limit)
		if err != nil {
			return nil, errs.ErrPersistence.WrapMsg("query commits", "channel", in.ChannelID, "err", err)
		}
	}

	res := &DiffResult{Entries: entries, CurrentPts: cur}
	if n := len(entries); n > 0 {
		last := entries[n-1].Pts
		res.HasMore = last < cur
		r.touchDevice(ctx, in, last, cur)
	}
	return res, nil
}

// ChannelPts 单频道水位：缓存命中直接用（只低估），miss 回源并顺手回填。
func (r *Reader) ChannelPts(ctx context.Context, channelID string) (int64, error) {
	if channelID == "" {
		return 0, errs.ErrInvalidArgument.WrapMsg("channel_id required")
	}
	return r.channelPts(ctx, channelID)
}

func (r *Reader) channelPts(ctx context.Context, channelID string) (int64, error) {
	if v, ok := r.cache.Pts(ctx, channelID); ok {
		return v, nil
	}
	v, err := r.st.CurrentPts(ctx, channelID)
	if err != nil {
		return 0, errs.ErrPersistence.WrapMsg("current pts", "channel", channelID, "err", err)
	}
	if err := r.cache.BumpPts(ctx, channelID, v); err != nil {
		logger.Debugf("[diff] pts backfill failed channel=%s err=%v", channelID, err)
	}
	return v, nil
}

// BatchChannelPts 会话列表角标场景：缓存命中的直接用，miss 的合并回源。
func (r *Reader) BatchChannelPts(ctx context.Context, channelIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(channelIDs))
	var missed []string
	for _, ch := range channelIDs {
		if ch == "" {
			continue
		}
		if _, dup := out[ch]; dup {
			continue
		}
		if v, ok := r.cache.Pts(ctx, ch); ok {
			out[ch] = v
		} else {
			out[ch] = 0
			missed = append(missed, ch)
		}
	}
	if len(missed) > 0 {
		m, err := r.st.BatchCurrentPts(ctx, missed)
		if err != nil {
			return nil, errs.ErrPersistence.WrapMsg("batch current pts", "err", err)
		}
		for _, ch := range missed {
			v := m[ch] // 不存在的频道按 0 算
			out[ch] = v
			if v > 0 {
				if err := r.cache.BumpPts(ctx, ch, v); err != nil {
					logger.Debugf("[diff] pts backfill failed channel=%s err=%v", ch, err)
				}
			}
		}
	}
	return out, nil
}

// touchDevice 推进设备同步状态；失败只记日志，不影响读结果。
func (r *Reader) touchDevice(ctx context.Context, in *DiffInput, localPts, serverPts int64) {
	if in.UserID == "" || in.DeviceID == "" {
		return
	}
	st := &model.DeviceSyncState{
		UserID:     in.UserID,
		DeviceID:   in.DeviceID,
		ChannelID:  in.ChannelID,
		LocalPts:   localPts,
		ServerPts:  serverPts,
		LastSyncAt: time.Now().UnixMilli(),
	}
	if err := r.st.UpsertDeviceState(ctx, st); err != nil {
		logger.Warnf("[diff] device state upsert failed user=%s device=%s err=%v", in.UserID, in.DeviceID, err)
	}
}
