package cache

import (
	"context"

	"PSync/module/sync/model"
)

// Cache 提交日志的旁路加速镜像：只在权威写成功后写入，
// 读到的 pts 只会低估不会高估。所有消费方必须带存储回退路径。
type Cache interface {
	// Pts 当前水位的下界；miss / 出错时 ok=false
	Pts(ctx context.Context, channelID string) (pts int64, ok bool)
	// BumpPts 只升不降
	BumpPts(ctx context.Context, channelID string, pts int64) error
	// AppendTail 追加到尾部窗口（裁剪到窗口大小）
	AppendTail(ctx context.Context, e *model.CommitEntry) error
	// Tail 返回 (afterPts, ...] 的连续条目，最多 limit 条；
	// 窗口覆盖不到起点（首条 != afterPts+1）视为 miss
	Tail(ctx context.Context, channelID string, afterPts int64, limit int) ([]*model.CommitEntry, bool)
}
