package kafka

import (
	"encoding/json"

	"github.com/Shopify/sarama"

	"PSync/logger"
	"PSync/module/sync/model"
)

// CommitPublisher 把已提交的日志条目发到提交事件总线，
// 供其它网关节点向各自持有的长连接做二次 fan-out。
// 发布失败只记日志：提交已持久化，补偿走 get_difference。
type CommitPublisher struct {
	topic  string
	origin string // 本节点标识，消费端据此跳过自己发的
}

func NewCommitPublisher(topic, origin string) *CommitPublisher {
	return &CommitPublisher{topic: topic, origin: origin}
}

func (p *CommitPublisher) PublishCommit(e *model.CommitEntry) error {
	if Producer == nil {
		return nil
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(e.ChannelID), // 同一频道保序
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte(originHeader), Value: []byte(p.origin)},
		},
	}
	partition, offset, err := Producer.SendMessage(msg)
	if err != nil {
		logger.Warnf("[kafka] publish commit failed channel=%s pts=%d err=%v", e.ChannelID, e.Pts, err)
		return err
	}
	logger.Debugf("[kafka] commit published channel=%s pts=%d partition=%d offset=%d", e.ChannelID, e.Pts, partition, offset)
	return nil
}
