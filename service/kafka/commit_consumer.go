package kafka

import (
	"context"
	"encoding/json"

	"github.com/Shopify/sarama"

	"PSync/logger"
	"PSync/module/sync/fanout"
	"PSync/module/sync/model"
	"PSync/tools/safe"
)

const originHeader = "origin"

// commitBusHandler 消费提交事件总线，把异地节点的提交推给本节点持有的长连接。
// 每个网关节点用独立 consumer group，所有节点都能看到全量提交。
type commitBusHandler struct {
	origin   string
	members  fanout.Membership
	presence fanout.Presence
	push     fanout.Push
}

func (h *commitBusHandler) Setup(sarama.ConsumerGroupSession) error {
	logger.Infof("[kafka] commit consumer session setup")
	return nil
}

func (h *commitBusHandler) Cleanup(sarama.ConsumerGroupSession) error {
	logger.Infof("[kafka] commit consumer session cleanup")
	return nil
}

func (h *commitBusHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.handle(session.Context(), msg.Headers, msg.Value)
		session.MarkMessage(msg, "")
	}
	return nil
}

// handle 单条消息：本节点发出的提交在入总线前已本地 fan-out（含离线入队），跳过；
// 异地提交只推在线设备，不再离线入队——发起节点已经写过了
func (h *commitBusHandler) handle(ctx context.Context, headers []*sarama.RecordHeader, value []byte) {
	if originOf(headers) == h.origin {
		return
	}
	var e model.CommitEntry
	if err := json.Unmarshal(value, &e); err != nil {
		logger.Warnf("[kafka] bad commit payload: %v", err)
		return
	}
	users, err := h.members.Members(ctx, e.ChannelID)
	if err != nil {
		logger.Errorf("[kafka] members lookup failed channel=%s err=%v", e.ChannelID, err)
		return
	}
	for _, uid := range users {
		for _, dev := range h.presence.ReachableDevices(uid) {
			if err := h.push.Push(uid, dev, value); err != nil {
				logger.Debugf("[kafka] relay push failed user=%s device=%s err=%v", uid, dev, err)
			}
		}
	}
}

func originOf(headers []*sarama.RecordHeader) string {
	for _, hd := range headers {
		if hd != nil && string(hd.Key) == originHeader {
			return string(hd.Value)
		}
	}
	return ""
}

// CommitConsumer 提交总线订阅端的生命周期句柄
type CommitConsumer struct {
	group  sarama.ConsumerGroup
	cancel context.CancelFunc
	done   chan struct{}
}

func StartCommitConsumer(brokers []string, groupID, topic, origin string,
	members fanout.Membership, presence fanout.Presence, push fanout.Push) (*CommitConsumer, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest // 总线只管实时，落后的设备走 get_difference
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &CommitConsumer{group: group, cancel: cancel, done: make(chan struct{})}
	handler := &commitBusHandler{origin: origin, members: members, presence: presence, push: push}

	safe.Go(func() {
		for err := range group.Errors() {
			logger.Errorf("[kafka] commit consumer error: %v", err)
		}
	})
	safe.Go(func() {
		defer close(c.done)
		for {
			if err := group.Consume(ctx, []string{topic}, handler); err != nil {
				logger.Errorf("[kafka] consume loop: %v", err)
			}
			if ctx.Err() != nil {
				return
			}
		}
	})
	return c, nil
}

func (c *CommitConsumer) Close() {
	c.cancel()
	<-c.done
	_ = c.group.Close()
}
