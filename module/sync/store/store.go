package store

import (
	"context"
	"encoding/json"
	"time"

	"PSync/module/sync/model"
)

// EntryDraft 提交管线交给存储层的待发号草稿。
type EntryDraft struct {
	ChannelID      string
	SenderID       string
	LocalMessageID string
	EventType      string
	Content        json.RawMessage
	PayloadHash    string
}

// Options 离线队列边界（默认每用户 100 条、7 天过期）
type Options struct {
	OfflineMax int
	OfflineTTL time.Duration
}

func (o *Options) norm() {
	if o.OfflineMax <= 0 {
		o.OfflineMax = 100
	}
	if o.OfflineTTL <= 0 {
		o.OfflineTTL = 7 * 24 * time.Hour
	}
}

// Store 权威存储抽象：生产实现 Mongo；内存实现（memory.go）供单测。
//
// AllocateAndCommit 是唯一的写串行点：读增 channel_seq、插 commit_log、
// 插 client_msg_registry 三者同事务，任一失败整体回滚，计数器绝不空耗。
type Store interface {
	AllocateAndCommit(ctx context.Context, draft *EntryDraft, serverMsgID string) (*model.CommitEntry, error)
	CheckRegistry(ctx context.Context, localMessageID string) (*model.RegistryRecord, error)

	CurrentPts(ctx context.Context, channelID string) (int64, error)
	BatchCurrentPts(ctx context.Context, channelIDs []string) (map[string]int64, error)
	// QueryCommits 返回 pts > afterPts 的条目，严格升序，最多 limit 条
	QueryCommits(ctx context.Context, channelID string, afterPts int64, limit int) ([]*model.CommitEntry, error)

	// 离线队列（按用户，有界，超限裁最旧）
	EnqueueOffline(ctx context.Context, userID string, e *model.CommitEntry, now time.Time) error
	PendingOffline(ctx context.Context, userID string, limit int) ([]*model.OfflineEntry, error)
	MarkDelivered(ctx context.Context, userID, channelID string, pts int64, at time.Time) error
	PurgeExpiredOffline(ctx context.Context, now time.Time) (int64, error)

	PurgeRegistryBefore(ctx context.Context, cutoff time.Time) (int64, error)

	UpsertDeviceState(ctx context.Context, st *model.DeviceSyncState) error
	GetDeviceState(ctx context.Context, userID, deviceID, channelID string) (*model.DeviceSyncState, error)

	// 频道成员（fan-out 名单；成员治理在上游业务）
	AddMember(ctx context.Context, channelID, userID string) error
	RemoveMember(ctx context.Context, channelID, userID string) error
	Members(ctx context.Context, channelID string) ([]string, error)

	// 错误分类（实现各自识别自家驱动的错误）
	IsDuplicateKeyErr(err error) bool
	IsTransientErr(err error) bool
}
