package model

import "time"

const OfflineQueueTableName = "offline_queue"

// OfflineEntry 每用户一条未投递义务（按用户不按设备：
// 重连后的多端分发走 get_difference + DeviceSyncState，不重放队列本身）。
// 队列是快路径优化，不是持久化保证：裁掉/过期后靠 get_difference 兜底。
type OfflineEntry struct {
	UserID      string    `bson:"user_id"`
	ChannelID   string    `bson:"channel_id"`
	Pts         int64     `bson:"pts"`
	ServerMsgID string    `bson:"server_msg_id"`
	Delivered   bool      `bson:"delivered"`
	DeliveredAt time.Time `bson:"delivered_at,omitempty"`
	CreatedAt   time.Time `bson:"created_at"`
	ExpiresAt   time.Time `bson:"expires_at"`
}

const (
	OffFieldUserID      = "user_id"
	OffFieldChannelID   = "channel_id"
	OffFieldPts         = "pts"
	OffFieldServerMsgID = "server_msg_id"
	OffFieldDelivered   = "delivered"
	OffFieldDeliveredAt = "delivered_at"
	OffFieldCreatedAt   = "created_at"
	OffFieldExpiresAt   = "expires_at"
)

func (*OfflineEntry) GetTableName() string { return OfflineQueueTableName }
