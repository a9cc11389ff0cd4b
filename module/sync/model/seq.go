package model

import "time"

const ChannelSeqTableName = "channel_seq"

// ChannelSeq 每频道一行的发号水位。
// CurrentPts 只由发号事务递增，且与对应日志条目的写入同事务提交；
// 频道首次提交时懒创建（current_pts 从 0 起步）。
type ChannelSeq struct {
	ChannelID  string    `bson:"channel_id"` // PK
	CurrentPts int64     `bson:"current_pts"`
	CreateTime time.Time `bson:"create_time"`
	UpdateTime time.Time `bson:"update_time"`
}

const (
	SeqFieldChannelID  = "channel_id"
	SeqFieldCurrentPts = "current_pts"
	SeqFieldCreateTime = "create_time"
	SeqFieldUpdateTime = "update_time"
)

func (*ChannelSeq) GetTableName() string { return ChannelSeqTableName }
