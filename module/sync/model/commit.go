package model

import "encoding/json"

// 提交决议标签。transformed/rejected 为保留扩展位：
// 当前引擎只产出 accepted，但注册表/响应全链路按三态携带与比对。
const (
	DecisionAccepted    = "accepted"
	DecisionTransformed = "transformed"
	DecisionRejected    = "rejected"
)

// 事件类型（content 语义由上层解释，引擎只管排序与存储）
const (
	EventSend     = "send"
	EventRevoke   = "revoke"
	EventReaction = "reaction"
)

const CommitLogTableName = "commit_log"

// CommitEntry 提交日志条目：一条不可变的、频道内全序的事实。
// 不变式：同一 channel_id 下 pts 取值恰为 {1..current_pts}，无洞无重。
type CommitEntry struct {
	Pts            int64           `bson:"pts" json:"pts"`
	ServerMsgID    string          `bson:"server_msg_id" json:"server_msg_id"`
	LocalMessageID string          `bson:"local_message_id,omitempty" json:"local_message_id,omitempty"`
	ChannelID      string          `bson:"channel_id" json:"channel_id"`
	EventType      string          `bson:"event_type" json:"event_type"`
	Content        json.RawMessage `bson:"content,omitempty" json:"content,omitempty"`
	ServerTS       int64           `bson:"server_ts" json:"server_ts"` // Unix ms
	SenderID       string          `bson:"sender_id" json:"sender_id"`
}

const (
	CommitFieldPts         = "pts"
	CommitFieldServerMsgID = "server_msg_id"
	CommitFieldLocalMsgID  = "local_message_id"
	CommitFieldChannelID   = "channel_id"
	CommitFieldEventType   = "event_type"
	CommitFieldContent     = "content"
	CommitFieldServerTS    = "server_ts"
	CommitFieldSenderID    = "sender_id"
)

func (*CommitEntry) GetTableName() string { return CommitLogTableName }
