package fanout

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"PSync/logger"
	"PSync/module/sync/model"
	"PSync/module/sync/store"
	"PSync/tools/safe"
)

// Membership 频道成员查询（会员体系另有服务，这里只要名单）
type Membership interface {
	Members(ctx context.Context, channelID string) ([]string, error)
}

// Presence 在线探测：返回用户当前可达的设备
type Presence interface {
	ReachableDevices(userID string) []string
}

// Push 单设备推送；返回错误即视为该设备不可达
type Push interface {
	Push(userID, deviceID string, payload []byte) error
}

// Relay 跨节点转发（Kafka），尽力而为
type Relay interface {
	PublishCommit(e *model.CommitEntry) error
}

type Config struct {
	Workers int
	Queue   int
}

func (c *Config) norm() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.Queue <= 0 {
		c.Queue = 1024
	}
}

// Dispatcher 提交后的扇出：同一 channel 固定落同一 worker，保每频道 FIFO。
// 推送失败统一降级进离线队列，客户端靠 get_difference 兜底。
type Dispatcher struct {
	st       store.Store
	members  Membership
	presence Presence
	push     Push
	relay    Relay

	jobs []chan *model.CommitEntry
	wg   sync.WaitGroup
	once sync.Once
}

func NewDispatcher(st store.Store, members Membership, presence Presence, push Push, relay Relay, cfg Config) *Dispatcher {
	cfg.norm()
	d := &Dispatcher{
		st:       st,
		members:  members,
		presence: presence,
		push:     push,
		relay:    relay,
		jobs:     make([]chan *model.CommitEntry, cfg.Workers),
	}
	for i := range d.jobs {
		jobs := make(chan *model.CommitEntry, cfg.Queue)
		d.jobs[i] = jobs
		d.wg.Add(1)
		safe.Go(func() { d.worker(jobs) })
	}
	return d
}

func (d *Dispatcher) worker(jobs <-chan *model.CommitEntry) {
	defer d.wg.Done()
	for e := range jobs {
		d.deliver(e)
	}
}

// Dispatch 入队；满了丢弃（提交已持久，get_difference 可恢复），只记日志。
func (d *Dispatcher) Dispatch(e *model.CommitEntry) {
	idx := fnv32a(e.ChannelID) % uint32(len(d.jobs))
	select {
	case d.jobs[idx] <- e:
	default:
		logger.Warnf("[fanout] queue full, drop channel=%s pts=%d", e.ChannelID, e.Pts)
	}
}

func (d *Dispatcher) deliver(e *model.CommitEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if d.relay != nil {
		if err := d.relay.PublishCommit(e); err != nil {
			logger.Warnf("[fanout] relay failed channel=%s pts=%d err=%v", e.ChannelID, e.Pts, err)
		}
	}

	users, err := d.members.Members(ctx, e.ChannelID)
	if err != nil {
		logger.Errorf("[fanout] members lookup failed channel=%s err=%v", e.ChannelID, err)
		return
	}

	payload, err := json.Marshal(e)
	if err != nil {
		logger.Errorf("[fanout] marshal failed channel=%s pts=%d err=%v", e.ChannelID, e.Pts, err)
		return
	}

	// 发送者不豁免：它的其它设备同样要靠推送追平，
	// 发起设备按 pts 去重掉回显即可
	now := time.Now()
	for _, uid := range users {
		d.deliverUser(ctx, uid, e, payload, now)
	}
}

func (d *Dispatcher) deliverUser(ctx context.Context, userID string, e *model.CommitEntry, payload []byte, now time.Time) {
	devices := d.presence.ReachableDevices(userID)
	delivered := false
	for _, dev := range devices {
		if err := d.push.Push(userID, dev, payload); err != nil {
			logger.Debugf("[fanout] push failed user=%s device=%s err=%v", userID, dev, err)
			continue
		}
		delivered = true
	}
	if delivered {
		return
	}
	// 全部设备不可达：进离线队列
	if err := d.st.EnqueueOffline(ctx, userID, e, now); err != nil {
		logger.Errorf("[fanout] offline enqueue failed user=%s channel=%s pts=%d err=%v",
			userID, e.ChannelID, e.Pts, err)
	}
}

// Resume 设备上线补投：离线队列里未投递的挨个推，推成标记已投。
// 队列是快路径，裁掉的旧条目客户端用 get_difference 追。
func (d *Dispatcher) Resume(ctx context.Context, userID, deviceID string, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	pending, err := d.st.PendingOffline(ctx, userID, limit)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, off := range pending {
		entries, err := d.st.QueryCommits(ctx, off.ChannelID, off.Pts-1, 1)
		if err != nil || len(entries) == 0 || entries[0].Pts != off.Pts {
			logger.Warnf("[fanout] resume lookup miss user=%s channel=%s pts=%d err=%v",
				userID, off.ChannelID, off.Pts, err)
			continue
		}
		payload, err := json.Marshal(entries[0])
		if err != nil {
			continue
		}
		if err := d.push.Push(userID, deviceID, payload); err != nil {
			// 设备又掉线了，剩下的留在队列里
			return sent, nil
		}
		if err := d.st.MarkDelivered(ctx, userID, off.ChannelID, off.Pts, time.Now()); err != nil {
			logger.Warnf("[fanout] mark delivered failed user=%s pts=%d err=%v", userID, off.Pts, err)
		}
		sent++
	}
	return sent, nil
}

func (d *Dispatcher) Close() {
	d.once.Do(func() {
		for _, ch := range d.jobs {
			close(ch)
		}
	})
	d.wg.Wait()
}

func fnv32a(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
