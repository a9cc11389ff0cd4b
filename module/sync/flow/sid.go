package flow

import (
	"github.com/google/uuid"

	"PSync/tools/ids"
)

// ServerMsgID 生成器接口（可接 Snowflake/UUID）
type ServerIDGenerator interface{ New() string }

// SnowGen 雪花实现：毫秒时间戳 + 节点号，粗略全局有序
type SnowGen struct{}

func (SnowGen) New() string { return ids.GenerateString() }

// UUIDGen 单测/无节点号场景用
type UUIDGen struct{}

func (UUIDGen) New() string { return uuid.NewString() }
