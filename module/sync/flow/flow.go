package flow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"PSync/logger"
	"PSync/module/sync/cache"
	"PSync/module/sync/model"
	"PSync/module/sync/store"
	"PSync/tools/errs"
)

// Dispatcher 提交成功后接手条目的下游（fan-out）。
// 失败不回滚提交：投递兜底走离线队列 + get_difference。
type Dispatcher interface {
	Dispatch(e *model.CommitEntry)
}

type Config struct {
	GapThreshold int64         // 调用方落后超过该值时返回 gap_hint
	AllocRetry   int           // 发号事务瞬时冲突重试上限
	CacheTimeout time.Duration // write-through 预算，超时放弃不阻塞
}

func (c *Config) norm() {
	if c.GapThreshold <= 0 {
		c.GapThreshold = 100
	}
	if c.AllocRetry <= 0 {
		c.AllocRetry = 3
	}
	if c.CacheTimeout <= 0 {
		c.CacheTimeout = 200 * time.Millisecond
	}
}

// Pipeline 提交管线：幂等检查 → 间隙检查 → 原子发号落库 → 缓存 → fan-out。
type Pipeline struct {
	st     store.Store
	cache  cache.Cache
	disp   Dispatcher
	sidGen ServerIDGenerator
	cfg    Config
}

func NewPipeline(st store.Store, c cache.Cache, disp Dispatcher, sidGen ServerIDGenerator, cfg Config) *Pipeline {
	cfg.norm()
	if sidGen == nil {
		sidGen = SnowGen{}
	}
	return &Pipeline{st: st, cache: c, disp: disp, sidGen: sidGen, cfg: cfg}
}

type SubmitInput struct {
	SenderID       string
	ChannelID      string
	LocalMessageID string
	EventType      string
	Content        json.RawMessage
	LastKnownPts   int64 // 仅用于间隙提示，不参与排序
}

type SubmitResult struct {
	ServerMsgID string
	Pts         int64
	Decision    string
	GapHint     bool  // true: 建议走 get_difference 全量追赶
	CurrentPts  int64 // 本次提交后的频道水位
}

// Submit 语义：要么完整成功（拿到 pts），要么完全失败无副作用；
// 同一 local_message_id 重放恒返回首次决议。
func (p *Pipeline) Submit(ctx context.Context, in *SubmitInput) (*SubmitResult, error) {
	if in.ChannelID == "" || in.SenderID == "" || in.LocalMessageID == "" {
		return nil, errs.ErrInvalidSubmit.WrapMsg("missing field",
			"channel", in.ChannelID, "sender", in.SenderID, "local_message_id", in.LocalMessageID)
	}
	ph := hashPayload(in.Content)

	// 1) 幂等检查：命中即回放，不再消耗 pts
	if rec, err := p.st.CheckRegistry(ctx, in.LocalMessageID); err != nil {
		return nil, errs.ErrPersistence.WrapMsg("registry check", "local_message_id", in.LocalMessageID, "err", err)
	} else if rec != nil {
		return p.replay(rec, ph)
	}

	// 2) 间隙检查：缓存水位为下界，miss 回源；写入从不被读者落后阻塞
	curPts, ok := p.cache.Pts(ctx, in.ChannelID)
	if !ok {
		v, err := p.st.CurrentPts(ctx, in.ChannelID)
		if err != nil {
			return nil, errs.ErrPersistence.WrapMsg("current pts", "channel", in.ChannelID, "err", err)
		}
		curPts = v
	}
	gapHint := in.LastKnownPts >= 0 && curPts-in.LastKnownPts > p.cfg.GapThreshold
	if gapHint {
		logger.Debugf("[submit] gap hint channel=%s client_pts=%d server_pts=%d", in.ChannelID, in.LastKnownPts, curPts)
	}

	// 3) 原子发号 + 落库 + 注册（同事务）
	draft := &store.EntryDraft{
		ChannelID:      in.ChannelID,
		SenderID:       in.SenderID,
		LocalMessageID: in.LocalMessageID,
		EventType:      in.EventType,
		Content:        in.Content,
		PayloadHash:    ph,
	}
	entry, err := p.allocate(ctx, draft)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		// 幂等竞争的败者：赢家已注册，回放即可
		rec, rerr := p.st.CheckRegistry(ctx, in.LocalMessageID)
		if rerr != nil || rec == nil {
			return nil, errs.ErrPersistence.WrapMsg("registry readback", "local_message_id", in.LocalMessageID, "err", rerr)
		}
		res, rerr := p.replay(rec, ph)
		if rerr != nil {
			return nil, rerr
		}
		res.GapHint = gapHint
		return res, nil
	}

	// 4) write-through：限时，失败只记日志，读路径自会回源
	p.writeThrough(ctx, entry)

	// 5) fan-out：提交已持久，推送失败降级为离线队列
	if p.disp != nil {
		p.disp.Dispatch(entry)
	}

	return &SubmitResult{
		ServerMsgID: entry.ServerMsgID,
		Pts:         entry.Pts,
		Decision:    model.DecisionAccepted,
		GapHint:     gapHint,
		CurrentPts:  entry.Pts,
	}, nil
}

// allocate 瞬时冲突退避重试；幂等键撞车返回 (nil, nil) 让上层回放。
func (p *Pipeline) allocate(ctx context.Context, draft *store.EntryDraft) (*model.CommitEntry, error) {
	backoff := 50 * time.Millisecond
	var lastErr error
	for i := 0; i <= p.cfg.AllocRetry; i++ {
		entry, err := p.st.AllocateAndCommit(ctx, draft, p.sidGen.New())
		if err == nil {
			return entry, nil
		}
		if p.st.IsDuplicateKeyErr(err) {
			return nil, nil
		}
		if p.st.IsTransientErr(err) && i < p.cfg.AllocRetry {
			lastErr = err
			select {
			case <-ctx.Done():
				return nil, errs.Wrap(ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}
		return nil, errs.ErrPersistence.WrapMsg("allocate and commit", "channel", draft.ChannelID, "err", err)
	}
	return nil, errs.ErrAllocContention.WrapMsg("retry exhausted", "channel", draft.ChannelID, "err", lastErr)
}

func (p *Pipeline) replay(rec *model.RegistryRecord, ph string) (*SubmitResult, error) {
	if rec.PayloadHash != "" && ph != "" && rec.PayloadHash != ph {
		return nil, errs.ErrPayloadMismatch.WrapMsg("", "local_message_id", rec.LocalMessageID)
	}
	return &SubmitResult{
		ServerMsgID: rec.ServerMsgID,
		Pts:         rec.Pts,
		Decision:    rec.Decision,
		CurrentPts:  rec.Pts,
	}, nil
}

func (p *Pipeline) writeThrough(ctx context.Context, entry *model.CommitEntry) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CacheTimeout)
	defer cancel()
	if err := p.cache.BumpPts(cctx, entry.ChannelID, entry.Pts); err != nil {
		logger.Warnf("[submit] cache bump failed channel=%s pts=%d err=%v", entry.ChannelID, entry.Pts, err)
		return
	}
	if err := p.cache.AppendTail(cctx, entry); err != nil {
		logger.Warnf("[submit] cache tail append failed channel=%s pts=%d err=%v", entry.ChannelID, entry.Pts, err)
	}
}

func hashPayload(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// IsRetryable 对外暴露“可安全原样重投”判断（网关/HTTP 层用）
func IsRetryable(err error) bool {
	return errors.Is(err, errs.ErrAllocContention) || errors.Is(err, errs.ErrPersistence)
}
