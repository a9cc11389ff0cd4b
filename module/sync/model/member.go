package model

import "time"

const ChannelMemberTableName = "channel_members"

// ChannelMember 频道成员关系；fan-out 只需要名单，成员治理属于上游业务
type ChannelMember struct {
	ChannelID string    `bson:"channel_id" json:"channel_id"`
	UserID    string    `bson:"user_id"    json:"user_id"`
	JoinedAt  time.Time `bson:"joined_at"  json:"joined_at"`
}

const (
	MemFieldChannelID = "channel_id"
	MemFieldUserID    = "user_id"
	MemFieldJoinedAt  = "joined_at"
)
