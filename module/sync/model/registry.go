package model

import "time"

const RegistryTableName = "client_msg_registry"

// RegistryRecord 幂等注册表：local_message_id -> 唯一决议。
// 与发号同事务写入，至多创建一次；后续同 key 提交只读回放。
type RegistryRecord struct {
	LocalMessageID string    `bson:"local_message_id"` // PK（客户端生成，假定全局唯一）
	ServerMsgID    string    `bson:"server_msg_id"`
	Pts            int64     `bson:"pts"`
	ChannelID      string    `bson:"channel_id"`
	SenderID       string    `bson:"sender_id"`
	Decision       string    `bson:"decision"` // accepted | transformed | rejected
	PayloadHash    string    `bson:"payload_hash,omitempty"`
	CreateTime     time.Time `bson:"create_time"`
}

const (
	RegFieldLocalMsgID  = "local_message_id"
	RegFieldServerMsgID = "server_msg_id"
	RegFieldPts         = "pts"
	RegFieldChannelID   = "channel_id"
	RegFieldSenderID    = "sender_id"
	RegFieldDecision    = "decision"
	RegFieldPayloadHash = "payload_hash"
	RegFieldCreateTime  = "create_time"
)

func (*RegistryRecord) GetTableName() string { return RegistryTableName }
